package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"circulation/pkg/domain"
)

const migrateLockID int64 = 51420170

const (
	DialectPostgres = "postgres"
	DialectMySQL    = "mysql"
	DialectSQLite   = "sqlite"
)

type GormStoreOptions struct {
	Dialect string
	LogSQL  bool
}

type GormStoreOption func(*GormStoreOptions)

// WithDialect selects the SQL driver (postgres, mysql or sqlite).
func WithDialect(dialect string) GormStoreOption {
	return func(opts *GormStoreOptions) {
		opts.Dialect = dialect
	}
}

// WithSQLLog lowers the GORM log level to Info so every statement is printed.
func WithSQLLog(enabled bool) GormStoreOption {
	return func(opts *GormStoreOptions) {
		opts.LogSQL = enabled
	}
}

// GormStore implements Store using GORM.
type GormStore struct {
	db      *gorm.DB
	dialect string
}

// NewGormStore opens the DB and runs auto-migrations.
func NewGormStore(dsn string, options ...GormStoreOption) (*GormStore, error) {
	opts := GormStoreOptions{Dialect: DialectPostgres}
	for _, option := range options {
		if option != nil {
			option(&opts)
		}
	}
	dialect := strings.ToLower(strings.TrimSpace(opts.Dialect))
	dialector, err := openDialector(dialect, dsn)
	if err != nil {
		return nil, err
	}

	level := gormlogger.Warn
	if opts.LogSQL {
		level = gormlogger.Info
	}
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  level,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if dialect == DialectSQLite {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("get sql db: %w", err)
		}
		// sqlite allows a single writer; one connection avoids SQLITE_BUSY between our own transactions.
		sqlDB.SetMaxOpenConns(1)
	}
	if err := withMigrationLock(db, dialect, func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(
			&TitleModel{},
			&MemberModel{},
			&HoldModel{},
			&BorrowSessionModel{},
			&BookLineModel{},
			&ViolationModel{},
			&TransitionModel{},
		); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &GormStore{db: db, dialect: dialect}, nil
}

func openDialector(dialect, dsn string) (gorm.Dialector, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("database dsn required")
	}
	switch dialect {
	case DialectPostgres, "":
		return postgres.Open(dsn), nil
	case DialectMySQL:
		return mysql.Open(dsn), nil
	case DialectSQLite:
		if !strings.Contains(dsn, "?") {
			dsn = fmt.Sprintf("file:%s?_busy_timeout=5000&_foreign_keys=1", dsn)
		}
		return sqlite.Open(dsn), nil
	default:
		return nil, fmt.Errorf("unsupported database dialect %q", dialect)
	}
}

// withMigrationLock serializes migrations across replicas on postgres.
func withMigrationLock(db *gorm.DB, dialect string, fn func(*gorm.DB) error) error {
	if dialect != DialectPostgres && dialect != "" {
		return fn(db)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// Close releases the underlying connection pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// InTx runs fn inside a database transaction.
func (s *GormStore) InTx(ctx context.Context, fn func(tx Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&GormStore{db: tx, dialect: s.dialect})
	})
}

// SaveTitle registers or updates a title.
func (s *GormStore) SaveTitle(ctx context.Context, t domain.Title) error {
	model := titleToModel(t)
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "total_copies", "available_copies", "updated_at"}),
	}).Create(&model).Error
}

// GetTitle returns a title by ID.
func (s *GormStore) GetTitle(ctx context.Context, id string) (domain.Title, bool, error) {
	var model TitleModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Title{}, false, nil
		}
		return domain.Title{}, false, err
	}
	return titleFromModel(model), true, nil
}

// ReserveCopies is a single conditional decrement, so concurrent callers
// on the same title can never take more than is available.
func (s *GormStore) ReserveCopies(ctx context.Context, titleID string, qty int) (bool, error) {
	res := s.db.WithContext(ctx).Model(&TitleModel{}).
		Where("id = ? AND available_copies >= ?", titleID, qty).
		Updates(map[string]any{
			"available_copies": gorm.Expr("available_copies - ?", qty),
			"updated_at":       time.Now().UTC(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// RestockCopies returns copies to the pool, never above total.
func (s *GormStore) RestockCopies(ctx context.Context, titleID string, qty int) error {
	res := s.db.WithContext(ctx).Model(&TitleModel{}).
		Where("id = ? AND available_copies + ? <= total_copies", titleID, qty).
		Updates(map[string]any{
			"available_copies": gorm.Expr("available_copies + ?", qty),
			"updated_at":       time.Now().UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("restock %s: %w", titleID, ErrStockBounds)
	}
	return nil
}

// RetireCopies removes copies that are out of the pool from the total.
func (s *GormStore) RetireCopies(ctx context.Context, titleID string, qty int) error {
	res := s.db.WithContext(ctx).Model(&TitleModel{}).
		Where("id = ? AND total_copies - ? >= available_copies", titleID, qty).
		Updates(map[string]any{
			"total_copies": gorm.Expr("total_copies - ?", qty),
			"updated_at":   time.Now().UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("retire %s: %w", titleID, ErrStockBounds)
	}
	return nil
}

// ResizeTitle applies a catalog change to an existing title in one statement.
func (s *GormStore) ResizeTitle(ctx context.Context, titleID, name string, delta int) (bool, error) {
	res := s.db.WithContext(ctx).Model(&TitleModel{}).
		Where("id = ? AND available_copies + ? >= 0", titleID, delta).
		Updates(map[string]any{
			"name":             name,
			"total_copies":     gorm.Expr("total_copies + ?", delta),
			"available_copies": gorm.Expr("available_copies + ?", delta),
			"updated_at":       time.Now().UTC(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// SaveHold inserts or replaces a hold.
func (s *GormStore) SaveHold(ctx context.Context, h domain.Hold) error {
	model := holdToModel(h)
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"session_id", "quantity", "state", "updated_at"}),
	}).Create(&model).Error
}

// GetHold returns a hold by ID.
func (s *GormStore) GetHold(ctx context.Context, id string) (domain.Hold, bool, error) {
	var model HoldModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Hold{}, false, nil
		}
		return domain.Hold{}, false, err
	}
	return holdFromModel(model), true, nil
}

// TransitionHold flips a hold state only when it is currently from.
func (s *GormStore) TransitionHold(ctx context.Context, id string, from, to domain.HoldState) (bool, error) {
	res := s.db.WithContext(ctx).Model(&HoldModel{}).
		Where("id = ? AND state = ?", id, string(from)).
		Updates(map[string]any{
			"state":      string(to),
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// CountHolds sums held quantities of a title in one state.
func (s *GormStore) CountHolds(ctx context.Context, titleID string, state domain.HoldState) (int, error) {
	var total int64
	if err := s.db.WithContext(ctx).Model(&HoldModel{}).
		Select("COALESCE(SUM(quantity), 0)").
		Where("title_id = ? AND state = ?", titleID, string(state)).
		Scan(&total).Error; err != nil {
		return 0, err
	}
	return int(total), nil
}

// SaveMember registers or updates a member. Cached debt is left untouched
// on update; it only moves through SetMemberDebt.
func (s *GormStore) SaveMember(ctx context.Context, m domain.Member) error {
	model := memberToModel(m)
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "status", "max_active_copies", "max_renewals", "updated_at"}),
	}).Create(&model).Error
}

// GetMember returns a member by ID.
func (s *GormStore) GetMember(ctx context.Context, id string) (domain.Member, bool, error) {
	var model MemberModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Member{}, false, nil
		}
		return domain.Member{}, false, err
	}
	return memberFromModel(model), true, nil
}

// LockMember reads a member with SELECT ... FOR UPDATE.
func (s *GormStore) LockMember(ctx context.Context, id string) (domain.Member, bool, error) {
	var model MemberModel
	if err := s.memberLock(s.db.WithContext(ctx)).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Member{}, false, nil
		}
		return domain.Member{}, false, err
	}
	return memberFromModel(model), true, nil
}

// memberLock adds the row lock clause. sqlite has no FOR UPDATE; its single
// connection already serializes transactions.
func (s *GormStore) memberLock(db *gorm.DB) *gorm.DB {
	if s.dialect == DialectSQLite {
		return db
	}
	return db.Clauses(clause.Locking{Strength: "UPDATE"})
}

// SetMemberDebt overwrites the cached unpaid debt.
func (s *GormStore) SetMemberDebt(ctx context.Context, memberID string, debt int64) error {
	res := s.db.WithContext(ctx).Model(&MemberModel{}).
		Where("id = ?", memberID).
		Updates(map[string]any{
			"unpaid_debt": debt,
			"updated_at":  time.Now().UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("member %s not found", memberID)
	}
	return nil
}

// CreateSession inserts a session together with its lines.
func (s *GormStore) CreateSession(ctx context.Context, session domain.BorrowSession) error {
	model, lines := sessionToModel(session)
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&model).Error; err != nil {
			return err
		}
		if len(lines) == 0 {
			return nil
		}
		return tx.Create(&lines).Error
	})
}

// GetSession returns a session with its lines in request order.
func (s *GormStore) GetSession(ctx context.Context, id string) (domain.BorrowSession, bool, error) {
	var model BorrowSessionModel
	db := s.db.WithContext(ctx)
	if err := db.First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.BorrowSession{}, false, nil
		}
		return domain.BorrowSession{}, false, err
	}
	var lines []BookLineModel
	if err := db.Where("session_id = ?", id).Order("position ASC").Find(&lines).Error; err != nil {
		return domain.BorrowSession{}, false, err
	}
	return sessionFromModel(model, lines), true, nil
}

// UpdateSession performs a compare-and-swap on the session version.
func (s *GormStore) UpdateSession(ctx context.Context, session domain.BorrowSession) (domain.BorrowSession, error) {
	next := session
	next.Version = session.Version + 1
	if next.UpdatedAt.IsZero() {
		next.UpdatedAt = time.Now().UTC()
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&BorrowSessionModel{}).
			Where("id = ? AND version = ?", session.ID, session.Version).
			Updates(map[string]any{
				"status":        string(next.Status),
				"borrow_date":   next.BorrowDate,
				"due_date":      next.DueDate,
				"return_date":   next.ReturnDate,
				"renewal_count": next.RenewalCount,
				"notes":         next.Notes,
				"reject_reason": next.RejectReason,
				"version":       next.Version,
				"updated_at":    next.UpdatedAt,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrStaleVersion
		}
		for _, line := range next.Lines {
			if err := tx.Model(&BookLineModel{}).
				Where("id = ? AND session_id = ?", line.ID, session.ID).
				Update("return_condition", string(line.Condition)).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return domain.BorrowSession{}, err
	}
	return next, nil
}

func (s *GormStore) sessionScope(ctx context.Context, q SessionQuery) *gorm.DB {
	tx := s.db.WithContext(ctx).Model(&BorrowSessionModel{})
	if len(q.Statuses) > 0 {
		statuses := make([]string, 0, len(q.Statuses))
		for _, status := range q.Statuses {
			statuses = append(statuses, string(status))
		}
		tx = tx.Where("status IN ?", statuses)
	}
	if q.MemberID != "" {
		tx = tx.Where("member_id = ?", q.MemberID)
	}
	if q.OverdueAt != nil {
		tx = tx.Where("status = ? AND due_date < ?", string(domain.StatusBorrowed), q.OverdueAt.UTC())
	}
	if q.CurrentAt != nil {
		tx = tx.Where("status = ? AND due_date >= ?", string(domain.StatusBorrowed), q.CurrentAt.UTC())
	}
	if search := strings.ToLower(strings.TrimSpace(q.Search)); search != "" {
		like := "%" + search + "%"
		tx = tx.Where(`(LOWER(id) LIKE ? OR LOWER(member_id) LIKE ? OR LOWER(notes) LIKE ? OR id IN (
			SELECT l.session_id FROM book_line_models l
			JOIN title_models t ON t.id = l.title_id
			WHERE LOWER(t.name) LIKE ? OR LOWER(t.id) LIKE ?))`, like, like, like, like, like)
	}
	return tx
}

// ListSessions returns a page of sessions (newest first) and the total match count.
func (s *GormStore) ListSessions(ctx context.Context, q SessionQuery) ([]domain.BorrowSession, int, error) {
	var total int64
	if err := s.sessionScope(ctx, q).Count(&total).Error; err != nil {
		return nil, 0, err
	}
	tx := s.sessionScope(ctx, q).Order("created_at DESC").Order("id DESC")
	if q.Limit > 0 {
		tx = tx.Offset(q.Offset).Limit(q.Limit)
	}
	var models []BorrowSessionModel
	if err := tx.Find(&models).Error; err != nil {
		return nil, 0, err
	}
	if len(models) == 0 {
		return []domain.BorrowSession{}, int(total), nil
	}
	ids := make([]string, 0, len(models))
	for _, m := range models {
		ids = append(ids, m.ID)
	}
	var lines []BookLineModel
	if err := s.db.WithContext(ctx).
		Where("session_id IN ?", ids).
		Order("session_id ASC").
		Order("position ASC").
		Find(&lines).Error; err != nil {
		return nil, 0, err
	}
	bySession := make(map[string][]BookLineModel, len(models))
	for _, line := range lines {
		bySession[line.SessionID] = append(bySession[line.SessionID], line)
	}
	items := make([]domain.BorrowSession, 0, len(models))
	for _, m := range models {
		items = append(items, sessionFromModel(m, bySession[m.ID]))
	}
	return items, int(total), nil
}

// CountSessions counts sessions matching q, ignoring paging.
func (s *GormStore) CountSessions(ctx context.Context, q SessionQuery) (int, error) {
	var total int64
	if err := s.sessionScope(ctx, q).Count(&total).Error; err != nil {
		return 0, err
	}
	return int(total), nil
}

// OpenUnits counts the copies a member has pending, approved or on loan.
func (s *GormStore) OpenUnits(ctx context.Context, memberID string) (int, error) {
	var count int64
	if err := s.db.WithContext(ctx).
		Table("book_line_models AS l").
		Joins("JOIN borrow_session_models AS s ON s.id = l.session_id").
		Where("s.member_id = ? AND s.status IN ?", memberID, []string{
			string(domain.StatusPending),
			string(domain.StatusApproved),
			string(domain.StatusBorrowed),
		}).
		Count(&count).Error; err != nil {
		return 0, err
	}
	return int(count), nil
}

// SaveViolation inserts or updates a violation row.
func (s *GormStore) SaveViolation(ctx context.Context, v domain.Violation) error {
	model := violationToModel(v)
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"paid_amount", "is_paid", "paid_at"}),
	}).Create(&model).Error
}

// ListViolations returns a member's violations, oldest first.
func (s *GormStore) ListViolations(ctx context.Context, memberID string, unpaidOnly bool) ([]domain.Violation, error) {
	tx := s.db.WithContext(ctx).Where("member_id = ?", memberID)
	if unpaidOnly {
		tx = tx.Where("is_paid = ?", false)
	}
	var models []ViolationModel
	if err := tx.Order("created_at ASC").Order("id ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	items := make([]domain.Violation, 0, len(models))
	for _, m := range models {
		items = append(items, violationFromModel(m))
	}
	return items, nil
}

// AppendTransition records a session state change.
func (s *GormStore) AppendTransition(ctx context.Context, t domain.Transition) error {
	model, err := transitionToModel(t)
	if err != nil {
		return fmt.Errorf("encode transition metadata: %w", err)
	}
	return s.db.WithContext(ctx).Create(&model).Error
}

// ListTransitions returns a session's history in order.
func (s *GormStore) ListTransitions(ctx context.Context, sessionID string) ([]domain.Transition, error) {
	var models []TransitionModel
	if err := s.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("at ASC").
		Order("id ASC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	items := make([]domain.Transition, 0, len(models))
	for _, m := range models {
		items = append(items, transitionFromModel(m))
	}
	return items, nil
}
