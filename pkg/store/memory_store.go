package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"circulation/pkg/domain"
)

type memoryData struct {
	titles      map[string]domain.Title
	members     map[string]domain.Member
	holds       map[string]domain.Hold
	sessions    map[string]domain.BorrowSession
	order       []string // session IDs in insertion order
	violations  map[string]domain.Violation
	vorder      []string // violation IDs in insertion order
	transitions map[string][]domain.Transition
}

func newMemoryData() *memoryData {
	return &memoryData{
		titles:      make(map[string]domain.Title),
		members:     make(map[string]domain.Member),
		holds:       make(map[string]domain.Hold),
		sessions:    make(map[string]domain.BorrowSession),
		violations:  make(map[string]domain.Violation),
		transitions: make(map[string][]domain.Transition),
	}
}

func (d *memoryData) clone() *memoryData {
	out := newMemoryData()
	for k, v := range d.titles {
		out.titles[k] = v
	}
	for k, v := range d.members {
		out.members[k] = v
	}
	for k, v := range d.holds {
		out.holds[k] = v
	}
	for k, v := range d.sessions {
		out.sessions[k] = cloneSession(v)
	}
	for k, v := range d.violations {
		out.violations[k] = v
	}
	for k, v := range d.transitions {
		out.transitions[k] = append([]domain.Transition(nil), v...)
	}
	out.order = append([]string(nil), d.order...)
	out.vorder = append([]string(nil), d.vorder...)
	return out
}

func cloneSession(s domain.BorrowSession) domain.BorrowSession {
	s.Lines = append([]domain.BookLine(nil), s.Lines...)
	return s
}

// MemoryStore keeps circulation state in-process. Transactions work on a
// copy of the data and swap it in on commit; writers are serialized.
type MemoryStore struct {
	mu   sync.RWMutex
	txMu *sync.Mutex
	data *memoryData
	tx   bool
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		txMu: &sync.Mutex{},
		data: newMemoryData(),
	}
}

// InTx runs fn against a private copy and commits it when fn succeeds.
func (m *MemoryStore) InTx(ctx context.Context, fn func(tx Store) error) error {
	if m.tx {
		return fn(m)
	}
	m.txMu.Lock()
	defer m.txMu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.RLock()
	view := &MemoryStore{txMu: m.txMu, data: m.data.clone(), tx: true}
	m.mu.RUnlock()
	if err := fn(view); err != nil {
		return err
	}
	m.mu.Lock()
	m.data = view.data
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) read(fn func(d *memoryData)) {
	if m.tx {
		fn(m.data)
		return
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	fn(m.data)
}

func (m *MemoryStore) write(fn func(d *memoryData) error) error {
	if m.tx {
		return fn(m.data)
	}
	m.txMu.Lock()
	defer m.txMu.Unlock()
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(m.data)
}

// SaveTitle registers or updates a title.
func (m *MemoryStore) SaveTitle(_ context.Context, t domain.Title) error {
	return m.write(func(d *memoryData) error {
		if existing, ok := d.titles[t.ID]; ok {
			t.CreatedAt = existing.CreatedAt
		}
		d.titles[t.ID] = t
		return nil
	})
}

// GetTitle returns a title by ID.
func (m *MemoryStore) GetTitle(_ context.Context, id string) (domain.Title, bool, error) {
	var (
		t  domain.Title
		ok bool
	)
	m.read(func(d *memoryData) { t, ok = d.titles[id] })
	return t, ok, nil
}

// ReserveCopies decrements available copies when enough remain.
func (m *MemoryStore) ReserveCopies(_ context.Context, titleID string, qty int) (bool, error) {
	reserved := false
	err := m.write(func(d *memoryData) error {
		t, ok := d.titles[titleID]
		if !ok || t.AvailableCopies < qty {
			return nil
		}
		t.AvailableCopies -= qty
		t.UpdatedAt = time.Now().UTC()
		d.titles[titleID] = t
		reserved = true
		return nil
	})
	return reserved, err
}

// RestockCopies returns copies to the pool, never above total.
func (m *MemoryStore) RestockCopies(_ context.Context, titleID string, qty int) error {
	return m.write(func(d *memoryData) error {
		t, ok := d.titles[titleID]
		if !ok || t.AvailableCopies+qty > t.TotalCopies {
			return fmt.Errorf("restock %s: %w", titleID, ErrStockBounds)
		}
		t.AvailableCopies += qty
		t.UpdatedAt = time.Now().UTC()
		d.titles[titleID] = t
		return nil
	})
}

// RetireCopies removes copies that are out of the pool from the total.
func (m *MemoryStore) RetireCopies(_ context.Context, titleID string, qty int) error {
	return m.write(func(d *memoryData) error {
		t, ok := d.titles[titleID]
		if !ok || t.TotalCopies-qty < t.AvailableCopies {
			return fmt.Errorf("retire %s: %w", titleID, ErrStockBounds)
		}
		t.TotalCopies -= qty
		t.UpdatedAt = time.Now().UTC()
		d.titles[titleID] = t
		return nil
	})
}

// ResizeTitle applies a catalog change to an existing title.
func (m *MemoryStore) ResizeTitle(_ context.Context, titleID, name string, delta int) (bool, error) {
	resized := false
	err := m.write(func(d *memoryData) error {
		t, ok := d.titles[titleID]
		if !ok || t.AvailableCopies+delta < 0 {
			return nil
		}
		t.Name = name
		t.TotalCopies += delta
		t.AvailableCopies += delta
		t.UpdatedAt = time.Now().UTC()
		d.titles[titleID] = t
		resized = true
		return nil
	})
	return resized, err
}

// SaveHold inserts or replaces a hold.
func (m *MemoryStore) SaveHold(_ context.Context, h domain.Hold) error {
	return m.write(func(d *memoryData) error {
		d.holds[h.ID] = h
		return nil
	})
}

// GetHold returns a hold by ID.
func (m *MemoryStore) GetHold(_ context.Context, id string) (domain.Hold, bool, error) {
	var (
		h  domain.Hold
		ok bool
	)
	m.read(func(d *memoryData) { h, ok = d.holds[id] })
	return h, ok, nil
}

// TransitionHold flips a hold state only when it is currently from.
func (m *MemoryStore) TransitionHold(_ context.Context, id string, from, to domain.HoldState) (bool, error) {
	moved := false
	err := m.write(func(d *memoryData) error {
		h, ok := d.holds[id]
		if !ok || h.State != from {
			return nil
		}
		h.State = to
		h.UpdatedAt = time.Now().UTC()
		d.holds[id] = h
		moved = true
		return nil
	})
	return moved, err
}

// CountHolds sums held quantities of a title in one state.
func (m *MemoryStore) CountHolds(_ context.Context, titleID string, state domain.HoldState) (int, error) {
	total := 0
	m.read(func(d *memoryData) {
		for _, h := range d.holds {
			if h.TitleID == titleID && h.State == state {
				total += h.Quantity
			}
		}
	})
	return total, nil
}

// SaveMember registers or updates a member, keeping the cached debt.
func (m *MemoryStore) SaveMember(_ context.Context, member domain.Member) error {
	return m.write(func(d *memoryData) error {
		if existing, ok := d.members[member.ID]; ok {
			member.UnpaidDebt = existing.UnpaidDebt
			member.CreatedAt = existing.CreatedAt
		}
		d.members[member.ID] = member
		return nil
	})
}

// GetMember returns a member by ID.
func (m *MemoryStore) GetMember(_ context.Context, id string) (domain.Member, bool, error) {
	var (
		member domain.Member
		ok     bool
	)
	m.read(func(d *memoryData) { member, ok = d.members[id] })
	return member, ok, nil
}

// LockMember reads a member; transactions are already serialized.
func (m *MemoryStore) LockMember(ctx context.Context, id string) (domain.Member, bool, error) {
	return m.GetMember(ctx, id)
}

// SetMemberDebt overwrites the cached unpaid debt.
func (m *MemoryStore) SetMemberDebt(_ context.Context, memberID string, debt int64) error {
	return m.write(func(d *memoryData) error {
		member, ok := d.members[memberID]
		if !ok {
			return fmt.Errorf("member %s not found", memberID)
		}
		member.UnpaidDebt = debt
		member.UpdatedAt = time.Now().UTC()
		d.members[memberID] = member
		return nil
	})
}

// CreateSession inserts a session and tracks insertion order.
func (m *MemoryStore) CreateSession(_ context.Context, s domain.BorrowSession) error {
	return m.write(func(d *memoryData) error {
		if _, exists := d.sessions[s.ID]; exists {
			return fmt.Errorf("session %s already exists", s.ID)
		}
		d.sessions[s.ID] = cloneSession(s)
		d.order = append(d.order, s.ID)
		return nil
	})
}

// GetSession returns a session by ID.
func (m *MemoryStore) GetSession(_ context.Context, id string) (domain.BorrowSession, bool, error) {
	var (
		s  domain.BorrowSession
		ok bool
	)
	m.read(func(d *memoryData) {
		s, ok = d.sessions[id]
		if ok {
			s = cloneSession(s)
		}
	})
	return s, ok, nil
}

// UpdateSession performs a compare-and-swap on the session version.
func (m *MemoryStore) UpdateSession(_ context.Context, s domain.BorrowSession) (domain.BorrowSession, error) {
	var next domain.BorrowSession
	err := m.write(func(d *memoryData) error {
		current, ok := d.sessions[s.ID]
		if !ok || current.Version != s.Version {
			return ErrStaleVersion
		}
		next = cloneSession(s)
		next.Version = s.Version + 1
		if next.UpdatedAt.IsZero() {
			next.UpdatedAt = time.Now().UTC()
		}
		next.CreatedAt = current.CreatedAt
		next.MemberID = current.MemberID
		d.sessions[s.ID] = next
		return nil
	})
	if err != nil {
		return domain.BorrowSession{}, err
	}
	return cloneSession(next), nil
}

func (m *MemoryStore) matchSessions(d *memoryData, q SessionQuery) []domain.BorrowSession {
	var statuses map[domain.SessionStatus]bool
	if len(q.Statuses) > 0 {
		statuses = make(map[domain.SessionStatus]bool, len(q.Statuses))
		for _, status := range q.Statuses {
			statuses[status] = true
		}
	}
	search := strings.ToLower(strings.TrimSpace(q.Search))
	out := make([]domain.BorrowSession, 0)
	for _, id := range d.order {
		s, ok := d.sessions[id]
		if !ok {
			continue
		}
		if statuses != nil && !statuses[s.Status] {
			continue
		}
		if q.MemberID != "" && s.MemberID != q.MemberID {
			continue
		}
		if q.OverdueAt != nil && !(s.Status == domain.StatusBorrowed && s.DueDate != nil && s.DueDate.Before(*q.OverdueAt)) {
			continue
		}
		if q.CurrentAt != nil && !(s.Status == domain.StatusBorrowed && s.DueDate != nil && !s.DueDate.Before(*q.CurrentAt)) {
			continue
		}
		if search != "" && !sessionMatches(d, s, search) {
			continue
		}
		out = append(out, cloneSession(s))
	}
	return out
}

func sessionMatches(d *memoryData, s domain.BorrowSession, search string) bool {
	for _, field := range []string{s.ID, s.MemberID, s.Notes} {
		if strings.Contains(strings.ToLower(field), search) {
			return true
		}
	}
	for _, line := range s.Lines {
		if strings.Contains(strings.ToLower(line.TitleID), search) {
			return true
		}
		if t, ok := d.titles[line.TitleID]; ok && strings.Contains(strings.ToLower(t.Name), search) {
			return true
		}
	}
	return false
}

// ListSessions returns a page of sessions (newest first) and the total match count.
func (m *MemoryStore) ListSessions(_ context.Context, q SessionQuery) ([]domain.BorrowSession, int, error) {
	var matched []domain.BorrowSession
	m.read(func(d *memoryData) { matched = m.matchSessions(d, q) })
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	total := len(matched)
	if q.Limit <= 0 {
		return matched, total, nil
	}
	start := q.Offset
	if start > total {
		start = total
	}
	end := start + q.Limit
	if end > total {
		end = total
	}
	return matched[start:end], total, nil
}

// CountSessions counts sessions matching q, ignoring paging.
func (m *MemoryStore) CountSessions(_ context.Context, q SessionQuery) (int, error) {
	count := 0
	m.read(func(d *memoryData) { count = len(m.matchSessions(d, q)) })
	return count, nil
}

// OpenUnits counts the copies a member has pending, approved or on loan.
func (m *MemoryStore) OpenUnits(_ context.Context, memberID string) (int, error) {
	units := 0
	m.read(func(d *memoryData) {
		for _, s := range d.sessions {
			if s.MemberID == memberID && s.Status.Open() {
				units += len(s.Lines)
			}
		}
	})
	return units, nil
}

// SaveViolation inserts a violation or updates its settlement fields.
func (m *MemoryStore) SaveViolation(_ context.Context, v domain.Violation) error {
	return m.write(func(d *memoryData) error {
		existing, ok := d.violations[v.ID]
		if !ok {
			d.violations[v.ID] = v
			d.vorder = append(d.vorder, v.ID)
			return nil
		}
		existing.PaidAmount = v.PaidAmount
		existing.IsPaid = v.IsPaid
		existing.PaidAt = v.PaidAt
		d.violations[v.ID] = existing
		return nil
	})
}

// ListViolations returns a member's violations, oldest first.
func (m *MemoryStore) ListViolations(_ context.Context, memberID string, unpaidOnly bool) ([]domain.Violation, error) {
	out := make([]domain.Violation, 0)
	m.read(func(d *memoryData) {
		for _, id := range d.vorder {
			v := d.violations[id]
			if v.MemberID != memberID || (unpaidOnly && v.IsPaid) {
				continue
			}
			out = append(out, v)
		}
	})
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// AppendTransition records a session state change.
func (m *MemoryStore) AppendTransition(_ context.Context, t domain.Transition) error {
	return m.write(func(d *memoryData) error {
		d.transitions[t.SessionID] = append(d.transitions[t.SessionID], t)
		return nil
	})
}

// ListTransitions returns a session's history in order.
func (m *MemoryStore) ListTransitions(_ context.Context, sessionID string) ([]domain.Transition, error) {
	var out []domain.Transition
	m.read(func(d *memoryData) {
		out = append([]domain.Transition{}, d.transitions[sessionID]...)
	})
	return out, nil
}
