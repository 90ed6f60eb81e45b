package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"circulation/pkg/domain"
	"circulation/pkg/events"
	"circulation/pkg/store"
)

var (
	staff = domain.Actor{ID: "staff-1", Role: domain.RoleStaff}
	t0    = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
)

func memberActor(id string) domain.Actor {
	return domain.Actor{ID: id, Role: domain.RoleMember}
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, evt events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, evt)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) Types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, evt := range p.events {
		out = append(out, evt.Type)
	}
	return out
}

type fixture struct {
	app     *App
	store   *store.MemoryStore
	baskets *store.MemoryBasketStore
	clock   *fakeClock
	events  *recordingPublisher
}

func newFixture(t *testing.T, policy Policy) *fixture {
	t.Helper()
	f := &fixture{
		store:   store.NewMemoryStore(),
		baskets: store.NewMemoryBasketStore(),
		clock:   &fakeClock{now: t0},
		events:  &recordingPublisher{},
	}
	if policy.BasketDebounce == 0 {
		policy.BasketDebounce = -1
	}
	a, err := New(Config{
		Store:   f.store,
		Baskets: f.baskets,
		Events:  f.events,
		Policy:  policy,
		Now:     f.clock.Now,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close(context.Background()) })
	f.app = a
	return f
}

func (f *fixture) title(t *testing.T, id string, copies int) {
	t.Helper()
	_, err := f.app.UpsertTitle(context.Background(), staff, id, "Title "+id, copies)
	require.NoError(t, err)
}

func (f *fixture) member(t *testing.T, id string) {
	t.Helper()
	_, err := f.app.UpsertMember(context.Background(), staff, domain.Member{ID: id, Name: "Member " + id})
	require.NoError(t, err)
}

func (f *fixture) available(t *testing.T, titleID string) int {
	t.Helper()
	n, err := f.app.Ledger.Available(context.Background(), titleID)
	require.NoError(t, err)
	return n
}

func (f *fixture) titleState(t *testing.T, titleID string) domain.Title {
	t.Helper()
	title, ok, err := f.store.GetTitle(context.Background(), titleID)
	require.NoError(t, err)
	require.True(t, ok)
	return title
}

// borrowed runs a request through approve and issue.
func (f *fixture) borrowed(t *testing.T, memberID string, titleIDs ...string) domain.BorrowSession {
	t.Helper()
	ctx := context.Background()
	s, err := f.app.Sessions.CreateRequest(ctx, memberActor(memberID), memberID, titleIDs)
	require.NoError(t, err)
	s, err = f.app.Sessions.Approve(ctx, staff, s.ID, s.Version)
	require.NoError(t, err)
	s, err = f.app.Sessions.Issue(ctx, staff, s.ID, s.Version)
	require.NoError(t, err)
	return s
}

func goodReturn(s domain.BorrowSession) ReturnRequest {
	req := ReturnRequest{}
	for _, line := range s.Lines {
		req.PerLine = append(req.PerLine, LineReturn{LineID: line.ID, Condition: domain.ConditionGood})
	}
	return req
}

func requireKind(t *testing.T, err error, kind error, code string) {
	t.Helper()
	require.Error(t, err)
	require.ErrorIs(t, err, kind)
	var appErr *Error
	require.True(t, errors.As(err, &appErr), "want *Error, got %T", err)
	if code != "" {
		require.Equal(t, code, appErr.Code)
	}
}

func TestPolicyDefaults(t *testing.T) {
	p := Policy{}.withDefaults()
	require.Equal(t, 14*24*time.Hour, p.LoanPeriod)
	require.Equal(t, 14*24*time.Hour, p.RenewalExtension)
	require.Equal(t, 2, p.MaxRenewals)
	require.Equal(t, int64(5000), p.OverdueRatePerDay)
	require.Equal(t, 5, p.BasketMaxUnits)
	require.Equal(t, 500*time.Millisecond, p.BasketDebounce)

	p = Policy{BasketDebounce: -1}.withDefaults()
	require.Zero(t, p.BasketDebounce)

	p = Policy{MaxRenewals: 5}.withDefaults()
	require.Equal(t, 2, p.MaxRenewals)
	p = Policy{MaxRenewals: 1}.withDefaults()
	require.Equal(t, 1, p.MaxRenewals)
}

func TestNewRequiresDatabaseWithoutStore(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
}

func TestNewOpensSQLiteStore(t *testing.T) {
	a, err := New(Config{
		DatabaseURL:     t.TempDir() + "/circulation.db",
		DatabaseDialect: "sqlite",
		Policy:          Policy{BasketDebounce: -1},
	})
	require.NoError(t, err)
	ctx := context.Background()
	_, err = a.UpsertTitle(ctx, staff, "t1", "Dune", 2)
	require.NoError(t, err)
	_, err = a.UpsertMember(ctx, staff, domain.Member{ID: "m1"})
	require.NoError(t, err)
	s, err := a.Sessions.CreateRequest(ctx, memberActor("m1"), "m1", []string{"t1"})
	require.NoError(t, err)
	require.Len(t, s.Lines, 1)
	n, err := a.Ledger.Available(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.NoError(t, a.Close(ctx))
}

func TestUpsertTitleResizesWithinBounds(t *testing.T) {
	f := newFixture(t, Policy{})
	f.title(t, "t1", 2)
	f.member(t, "m1")
	f.borrowed(t, "m1", "t1", "t1")

	ctx := context.Background()
	_, err := f.app.UpsertTitle(ctx, staff, "t1", "", 1)
	requireKind(t, err, ErrConflict, CodeStockBounds)

	title, err := f.app.UpsertTitle(ctx, staff, "t1", "", 4)
	require.NoError(t, err)
	require.Equal(t, 4, title.TotalCopies)
	require.Equal(t, 2, title.AvailableCopies)
	require.Equal(t, "Title t1", title.Name)
}

func TestUpsertRequiresStaff(t *testing.T) {
	f := newFixture(t, Policy{})
	ctx := context.Background()
	_, err := f.app.UpsertTitle(ctx, memberActor("m1"), "t1", "x", 1)
	requireKind(t, err, ErrAuthorization, CodeForbidden)
	_, err = f.app.UpsertMember(ctx, memberActor("m1"), domain.Member{ID: "m1"})
	requireKind(t, err, ErrAuthorization, CodeForbidden)
	_, err = f.app.UpsertMember(ctx, staff, domain.Member{ID: "m1", Status: "banned"})
	requireKind(t, err, ErrValidation, CodeInvalidRequest)
}

func TestUpsertMemberKeepsDebt(t *testing.T) {
	f := newFixture(t, Policy{})
	f.member(t, "m1")
	ctx := context.Background()
	_, err := f.app.Violations.RecordViolation(ctx, staff, "m1", "", 7000, domain.ReasonDamaged, "torn cover")
	require.NoError(t, err)

	m, err := f.app.UpsertMember(ctx, staff, domain.Member{ID: "m1", Status: domain.MemberSuspended})
	require.NoError(t, err)
	require.Equal(t, domain.MemberSuspended, m.Status)
	require.Equal(t, int64(7000), m.UnpaidDebt)
}

func TestPublishFailureDoesNotFailOperation(t *testing.T) {
	f := newFixture(t, Policy{})
	f.title(t, "t1", 1)
	f.member(t, "m1")
	f.events.err = errors.New("broker down")

	_, err := f.app.Sessions.CreateRequest(context.Background(), memberActor("m1"), "m1", []string{"t1"})
	require.NoError(t, err)
	require.Equal(t, 0, f.available(t, "t1"))
}
