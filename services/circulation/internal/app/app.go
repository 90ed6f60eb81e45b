package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"circulation/internal/util"
	"circulation/pkg/domain"
	"circulation/pkg/events"
	"circulation/pkg/store"
)

// Policy holds the circulation rules. Zero fields take the defaults below.
type Policy struct {
	LoanPeriod             time.Duration
	RenewalExtension       time.Duration
	MaxRenewals            int
	OverdueRatePerDay      int64
	DamagedLightFee        int64
	DamagedHeavyFee        int64
	LostFee                int64
	DefaultMaxActiveCopies int
	// MaxUnpaidDebt blocks new requests above this debt; 0 disables the check.
	MaxUnpaidDebt  int64
	BasketMaxUnits int
	BasketDebounce time.Duration
}

const (
	defaultLoanPeriod        = 14 * 24 * time.Hour
	defaultMaxRenewals       = 2
	defaultOverdueRatePerDay = 5000
	defaultDamagedLightFee   = 10000
	defaultDamagedHeavyFee   = 50000
	defaultLostFee           = 100000
	defaultMaxActiveCopies   = 5
	defaultBasketMaxUnits    = 5
	defaultBasketDebounce    = 500 * time.Millisecond
)

func (p Policy) withDefaults() Policy {
	if p.LoanPeriod <= 0 {
		p.LoanPeriod = defaultLoanPeriod
	}
	if p.RenewalExtension <= 0 {
		p.RenewalExtension = defaultLoanPeriod
	}
	if p.MaxRenewals <= 0 || p.MaxRenewals > defaultMaxRenewals {
		p.MaxRenewals = defaultMaxRenewals
	}
	if p.OverdueRatePerDay <= 0 {
		p.OverdueRatePerDay = defaultOverdueRatePerDay
	}
	if p.DamagedLightFee <= 0 {
		p.DamagedLightFee = defaultDamagedLightFee
	}
	if p.DamagedHeavyFee <= 0 {
		p.DamagedHeavyFee = defaultDamagedHeavyFee
	}
	if p.LostFee <= 0 {
		p.LostFee = defaultLostFee
	}
	if p.DefaultMaxActiveCopies <= 0 {
		p.DefaultMaxActiveCopies = defaultMaxActiveCopies
	}
	if p.BasketMaxUnits <= 0 {
		p.BasketMaxUnits = defaultBasketMaxUnits
	}
	if p.BasketDebounce < 0 {
		p.BasketDebounce = 0
	} else if p.BasketDebounce == 0 {
		p.BasketDebounce = defaultBasketDebounce
	}
	return p
}

// Config holds runtime configuration for the core application.
type Config struct {
	DatabaseURL     string
	DatabaseDialect string
	LogSQL          bool
	Store           store.Store
	Baskets         store.BasketStore
	Events          events.Publisher
	Policy          Policy
	// Now overrides the wall clock, mainly for tests.
	Now func() time.Time
}

// App wires the circulation components over one store.
type App struct {
	store      store.Store
	closeStore func() error
	events     events.Publisher
	now        func() time.Time
	policy     Policy

	Ledger     *StockLedger
	Renewals   RenewalPolicy
	Violations *ViolationEngine
	Sessions   *SessionManager
	Basket     *BasketService
}

// New constructs the application. Without an explicit store it opens the
// configured database.
func New(cfg Config) (*App, error) {
	dataStore := cfg.Store
	var closeStore func() error
	if dataStore == nil {
		if strings.TrimSpace(cfg.DatabaseURL) == "" {
			return nil, errors.New("database URL required")
		}
		gormStore, err := store.NewGormStore(cfg.DatabaseURL,
			store.WithDialect(cfg.DatabaseDialect),
			store.WithSQLLog(cfg.LogSQL),
		)
		if err != nil {
			return nil, fmt.Errorf("init %s store: %w", cfg.DatabaseDialect, err)
		}
		dataStore = gormStore
		closeStore = gormStore.Close
	}
	baskets := cfg.Baskets
	if baskets == nil {
		baskets = store.NewMemoryBasketStore()
	}
	publisher := cfg.Events
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	now := cfg.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	policy := cfg.Policy.withDefaults()

	a := &App{
		store:      dataStore,
		closeStore: closeStore,
		events:     publisher,
		now:        now,
		policy:     policy,
	}
	a.Ledger = &StockLedger{store: dataStore, now: now}
	a.Renewals = RenewalPolicy{MaxRenewals: policy.MaxRenewals, Extension: policy.RenewalExtension}
	a.Violations = &ViolationEngine{store: dataStore, now: now, ratePerDay: policy.OverdueRatePerDay, publish: a.publish}
	a.Sessions = &SessionManager{
		store:      dataStore,
		now:        now,
		policy:     policy,
		ledger:     a.Ledger,
		renewals:   a.Renewals,
		violations: a.Violations,
		publish:    a.publish,
	}
	a.Basket = newBasketService(baskets, a.Ledger, a.Sessions, a.Violations, now, policy.BasketMaxUnits, policy.BasketDebounce)
	return a, nil
}

// Now returns the application clock reading used for derived state.
func (a *App) Now() time.Time {
	return a.now()
}

// Policy returns the effective circulation rules.
func (a *App) Policy() Policy {
	return a.policy
}

// Close flushes pending basket writes, then releases the publisher and
// any store opened by New.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if err := a.Basket.Flush(ctx); err != nil {
		errs = append(errs, fmt.Errorf("flush baskets: %w", err))
	}
	if err := a.events.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close events: %w", err))
	}
	if a.closeStore != nil {
		if err := a.closeStore(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
	}
	return errors.Join(errs...)
}

// publish hands committed events to the publisher. Delivery failures are
// logged and never undo the committed operation.
func (a *App) publish(ctx context.Context, evts ...events.Event) {
	logger := util.LoggerFromContext(ctx)
	for _, evt := range evts {
		if evt.ID == "" {
			evt.ID = util.NewID()
		}
		if evt.OccurredAt.IsZero() {
			evt.OccurredAt = a.now()
		}
		if evt.RequestID == "" {
			evt.RequestID = util.RequestIDFromContext(ctx)
		}
		if err := a.events.Publish(ctx, evt); err != nil {
			logger.Warn("publish circulation event failed", "type", evt.Type, "session_id", evt.SessionID, "err", err)
		}
	}
}

// UpsertTitle registers a title from the catalog or applies a change in
// copy count. Shrinking below the copies currently out is refused.
func (a *App) UpsertTitle(ctx context.Context, actor domain.Actor, id, name string, totalCopies int) (domain.Title, error) {
	if err := requireStaff(actor); err != nil {
		return domain.Title{}, err
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Title{}, validationError(CodeInvalidRequest, "title id required")
	}
	if totalCopies < 0 {
		return domain.Title{}, validationError(CodeInvalidRequest, "totalCopies must be >= 0")
	}
	var out domain.Title
	err := a.store.InTx(ctx, func(tx store.Store) error {
		current, ok, err := tx.GetTitle(ctx, id)
		if err != nil {
			return err
		}
		now := a.now()
		if !ok {
			out = domain.Title{
				ID:              id,
				Name:            strings.TrimSpace(name),
				TotalCopies:     totalCopies,
				AvailableCopies: totalCopies,
				CreatedAt:       now,
				UpdatedAt:       now,
			}
			return tx.SaveTitle(ctx, out)
		}
		if strings.TrimSpace(name) == "" {
			name = current.Name
		}
		resized, err := tx.ResizeTitle(ctx, id, strings.TrimSpace(name), totalCopies-current.TotalCopies)
		if err != nil {
			return err
		}
		if !resized {
			return conflictError(CodeStockBounds, "title %s has %d copies out; total cannot drop to %d",
				id, current.TotalCopies-current.AvailableCopies, totalCopies)
		}
		out, _, err = tx.GetTitle(ctx, id)
		return err
	})
	if err != nil {
		return domain.Title{}, err
	}
	return out, nil
}

// UpsertMember registers a member from the membership system or updates
// status and limits. Cached debt is owned by the violation engine.
func (a *App) UpsertMember(ctx context.Context, actor domain.Actor, m domain.Member) (domain.Member, error) {
	if err := requireStaff(actor); err != nil {
		return domain.Member{}, err
	}
	m.ID = strings.TrimSpace(m.ID)
	if m.ID == "" {
		return domain.Member{}, validationError(CodeInvalidRequest, "member id required")
	}
	switch m.Status {
	case domain.MemberActive, domain.MemberSuspended, domain.MemberExpired, domain.MemberInactive:
	case "":
		m.Status = domain.MemberActive
	default:
		return domain.Member{}, validationError(CodeInvalidRequest, "unknown member status %q", m.Status)
	}
	if m.MaxActiveCopies < 0 || m.MaxRenewals < 0 {
		return domain.Member{}, validationError(CodeInvalidRequest, "limits must be >= 0")
	}
	now := a.now()
	m.CreatedAt = now
	m.UpdatedAt = now
	m.UnpaidDebt = 0
	var out domain.Member
	err := a.store.InTx(ctx, func(tx store.Store) error {
		if err := tx.SaveMember(ctx, m); err != nil {
			return err
		}
		saved, _, err := tx.GetMember(ctx, m.ID)
		out = saved
		return err
	})
	if err != nil {
		return domain.Member{}, err
	}
	return out, nil
}

// GetMember returns a member; members may only read themselves.
func (a *App) GetMember(ctx context.Context, actor domain.Actor, id string) (domain.Member, error) {
	if err := requireSelfOrStaff(actor, id); err != nil {
		return domain.Member{}, err
	}
	m, ok, err := a.store.GetMember(ctx, id)
	if err != nil {
		return domain.Member{}, err
	}
	if !ok {
		return domain.Member{}, notFoundError(CodeMemberNotFound, "member %s not found", id)
	}
	return m, nil
}

func requireStaff(actor domain.Actor) error {
	if !actor.IsStaff() {
		return authError(CodeForbidden, "staff role required")
	}
	return nil
}

func requireSelfOrStaff(actor domain.Actor, memberID string) error {
	if actor.IsStaff() {
		return nil
	}
	if actor.Role == domain.RoleMember && actor.ID != "" && actor.ID == memberID {
		return nil
	}
	return authError(CodeForbidden, "members may only act on their own records")
}

func mapStoreError(err error) error {
	switch {
	case errors.Is(err, store.ErrStaleVersion):
		return conflictError(CodeStaleVersion, "session was modified concurrently; reload and retry")
	case errors.Is(err, store.ErrStockBounds):
		return conflictError(CodeStockBounds, "%v", err)
	default:
		return err
	}
}
