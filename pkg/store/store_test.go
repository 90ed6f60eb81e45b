package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"circulation/pkg/domain"
)

var base = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

// eachStore runs fn against the in-memory store and a sqlite-backed GORM store.
func eachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemoryStore())
	})
	t.Run("sqlite", func(t *testing.T) {
		s, err := NewGormStore(filepath.Join(t.TempDir(), "circulation.db"), WithDialect(DialectSQLite))
		if err != nil {
			t.Fatalf("open sqlite store: %v", err)
		}
		t.Cleanup(func() { _ = s.Close() })
		fn(t, s)
	})
}

func seedTitle(t *testing.T, s Store, id, name string, copies int) {
	t.Helper()
	err := s.SaveTitle(context.Background(), domain.Title{
		ID: id, Name: name, TotalCopies: copies, AvailableCopies: copies, CreatedAt: base, UpdatedAt: base,
	})
	if err != nil {
		t.Fatalf("save title: %v", err)
	}
}

func seedSession(t *testing.T, s Store, id, memberID string, status domain.SessionStatus, created time.Time, titles ...string) domain.BorrowSession {
	t.Helper()
	session := domain.BorrowSession{
		ID:        id,
		MemberID:  memberID,
		Status:    status,
		CreatedAt: created,
		UpdatedAt: created,
		Version:   1,
	}
	for i, titleID := range titles {
		session.Lines = append(session.Lines, domain.BookLine{
			ID:        id + "-line-" + string(rune('a'+i)),
			SessionID: id,
			TitleID:   titleID,
			HoldID:    id + "-hold-" + string(rune('a'+i)),
		})
	}
	if err := s.CreateSession(context.Background(), session); err != nil {
		t.Fatalf("create session: %v", err)
	}
	return session
}

func TestReserveCopiesNeverOversells(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		seedTitle(t, s, "t1", "Dune", 2)

		ok, err := s.ReserveCopies(ctx, "t1", 2)
		if err != nil || !ok {
			t.Fatalf("reserve 2 = %v, %v", ok, err)
		}
		ok, err = s.ReserveCopies(ctx, "t1", 1)
		if err != nil || ok {
			t.Fatalf("reserve past zero = %v, %v; want false", ok, err)
		}
		if ok, _ := s.ReserveCopies(ctx, "missing", 1); ok {
			t.Fatalf("reserve on unknown title should fail")
		}
		if err := s.RestockCopies(ctx, "t1", 2); err != nil {
			t.Fatalf("restock: %v", err)
		}
		if err := s.RestockCopies(ctx, "t1", 1); !errors.Is(err, ErrStockBounds) {
			t.Fatalf("restock above total err = %v, want ErrStockBounds", err)
		}
		if err := s.RetireCopies(ctx, "t1", 1); !errors.Is(err, ErrStockBounds) {
			t.Fatalf("retiring an available copy err = %v, want ErrStockBounds", err)
		}
		title, _, _ := s.GetTitle(ctx, "t1")
		if title.TotalCopies != 2 || title.AvailableCopies != 2 {
			t.Fatalf("title = %+v", title)
		}
	})
}

func TestResizeTitle(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		seedTitle(t, s, "t1", "Dune", 3)
		if ok, _ := s.ReserveCopies(ctx, "t1", 2); !ok {
			t.Fatalf("reserve failed")
		}
		if ok, err := s.ResizeTitle(ctx, "t1", "Dune Messiah", -2); err != nil || ok {
			t.Fatalf("shrink below copies out = %v, %v; want false", ok, err)
		}
		if ok, err := s.ResizeTitle(ctx, "t1", "Dune Messiah", 2); err != nil || !ok {
			t.Fatalf("grow = %v, %v", ok, err)
		}
		title, _, _ := s.GetTitle(ctx, "t1")
		if title.Name != "Dune Messiah" || title.TotalCopies != 5 || title.AvailableCopies != 3 {
			t.Fatalf("title = %+v", title)
		}
	})
}

func TestHoldTransitions(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		seedTitle(t, s, "t1", "Dune", 3)
		for _, h := range []domain.Hold{
			{ID: "h1", TitleID: "t1", Quantity: 1, State: domain.HoldHeld, CreatedAt: base, UpdatedAt: base},
			{ID: "h2", TitleID: "t1", Quantity: 2, State: domain.HoldHeld, CreatedAt: base, UpdatedAt: base},
		} {
			if err := s.SaveHold(ctx, h); err != nil {
				t.Fatalf("save hold: %v", err)
			}
		}
		if moved, err := s.TransitionHold(ctx, "h1", domain.HoldHeld, domain.HoldCheckedOut); err != nil || !moved {
			t.Fatalf("held->checked_out = %v, %v", moved, err)
		}
		if moved, _ := s.TransitionHold(ctx, "h1", domain.HoldHeld, domain.HoldReleased); moved {
			t.Fatalf("a hold can only leave the state it is in")
		}
		held, err := s.CountHolds(ctx, "t1", domain.HoldHeld)
		if err != nil || held != 2 {
			t.Fatalf("held = %d, %v; want 2", held, err)
		}
		out, _ := s.CountHolds(ctx, "t1", domain.HoldCheckedOut)
		if out != 1 {
			t.Fatalf("checked out = %d, want 1", out)
		}
		if none, err := s.CountHolds(ctx, "t1", domain.HoldRetired); err != nil || none != 0 {
			t.Fatalf("retired = %d, %v; want 0", none, err)
		}
	})
}

func TestMemberDebtSurvivesUpsert(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		m := domain.Member{ID: "m1", Name: "Lan", Status: domain.MemberActive, CreatedAt: base, UpdatedAt: base}
		if err := s.SaveMember(ctx, m); err != nil {
			t.Fatalf("save member: %v", err)
		}
		if err := s.SetMemberDebt(ctx, "m1", 15000); err != nil {
			t.Fatalf("set debt: %v", err)
		}
		m.Name = "Lan Nguyen"
		m.Status = domain.MemberSuspended
		if err := s.SaveMember(ctx, m); err != nil {
			t.Fatalf("update member: %v", err)
		}
		got, ok, err := s.GetMember(ctx, "m1")
		if err != nil || !ok {
			t.Fatalf("get member = %v, %v", ok, err)
		}
		if got.UnpaidDebt != 15000 || got.Name != "Lan Nguyen" || got.Status != domain.MemberSuspended {
			t.Fatalf("member = %+v", got)
		}
		if err := s.SetMemberDebt(ctx, "ghost", 1); err == nil {
			t.Fatalf("expected unknown member to fail")
		}
	})
}

func TestUpdateSessionCompareAndSwap(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		seedTitle(t, s, "t1", "Dune", 1)
		session := seedSession(t, s, "s1", "m1", domain.StatusPending, base, "t1")

		session.Status = domain.StatusApproved
		session.UpdatedAt = base.Add(time.Hour)
		updated, err := s.UpdateSession(ctx, session)
		if err != nil {
			t.Fatalf("update: %v", err)
		}
		if updated.Version != 2 || !updated.UpdatedAt.Equal(base.Add(time.Hour)) {
			t.Fatalf("updated = %+v", updated)
		}
		// the caller still holds version 1
		session.Status = domain.StatusRejected
		if _, err := s.UpdateSession(ctx, session); !errors.Is(err, ErrStaleVersion) {
			t.Fatalf("stale update err = %v, want ErrStaleVersion", err)
		}

		updated.Status = domain.StatusReturned
		updated.Lines[0].Condition = domain.ConditionDamagedLight
		if _, err := s.UpdateSession(ctx, updated); err != nil {
			t.Fatalf("update lines: %v", err)
		}
		got, ok, err := s.GetSession(ctx, "s1")
		if err != nil || !ok {
			t.Fatalf("get session = %v, %v", ok, err)
		}
		if got.Version != 3 || got.Status != domain.StatusReturned || got.Lines[0].Condition != domain.ConditionDamagedLight {
			t.Fatalf("session = %+v", got)
		}
	})
}

func TestInTxRollsBack(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		seedTitle(t, s, "t1", "Dune", 2)
		boom := errors.New("boom")
		err := s.InTx(ctx, func(tx Store) error {
			if ok, err := tx.ReserveCopies(ctx, "t1", 2); err != nil || !ok {
				t.Fatalf("reserve in tx = %v, %v", ok, err)
			}
			seedSession(t, tx, "s1", "m1", domain.StatusPending, base, "t1", "t1")
			return boom
		})
		if !errors.Is(err, boom) {
			t.Fatalf("InTx err = %v, want boom", err)
		}
		title, _, _ := s.GetTitle(ctx, "t1")
		if title.AvailableCopies != 2 {
			t.Fatalf("available = %d after rollback, want 2", title.AvailableCopies)
		}
		if _, ok, _ := s.GetSession(ctx, "s1"); ok {
			t.Fatalf("session should not survive rollback")
		}
	})
}

func TestListSessionsFilters(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		seedTitle(t, s, "t1", "Dune", 5)
		seedTitle(t, s, "t2", "Emma", 5)
		seedSession(t, s, "s1", "m1", domain.StatusPending, base, "t1")
		seedSession(t, s, "s2", "m1", domain.StatusReturned, base.Add(time.Minute), "t2")
		seedSession(t, s, "s3", "m2", domain.StatusPending, base.Add(2*time.Minute), "t2", "t1")

		due := base.Add(24 * time.Hour)
		late := seedSession(t, s, "s4", "m2", domain.StatusPending, base.Add(3*time.Minute), "t1")
		late.Status = domain.StatusBorrowed
		late.DueDate = &due
		if _, err := s.UpdateSession(ctx, late); err != nil {
			t.Fatalf("borrow s4: %v", err)
		}

		items, total, err := s.ListSessions(ctx, SessionQuery{Statuses: []domain.SessionStatus{domain.StatusPending}})
		if err != nil {
			t.Fatalf("list pending: %v", err)
		}
		if total != 2 || len(items) != 2 || items[0].ID != "s3" || items[1].ID != "s1" {
			t.Fatalf("pending = %d %+v", total, ids(items))
		}
		if len(items[0].Lines) != 2 || items[0].Lines[0].TitleID != "t2" {
			t.Fatalf("lines keep request order: %+v", items[0].Lines)
		}

		items, total, _ = s.ListSessions(ctx, SessionQuery{Search: "emma"})
		if total != 2 {
			t.Fatalf("search by title name = %v", ids(items))
		}

		items, total, _ = s.ListSessions(ctx, SessionQuery{MemberID: "m1", Limit: 1, Offset: 1})
		if total != 2 || len(items) != 1 || items[0].ID != "s1" {
			t.Fatalf("paged member list = %d %v", total, ids(items))
		}

		now := base.Add(48 * time.Hour)
		if n, _ := s.CountSessions(ctx, SessionQuery{OverdueAt: &now}); n != 1 {
			t.Fatalf("overdue count = %d, want 1", n)
		}
		if n, _ := s.CountSessions(ctx, SessionQuery{CurrentAt: &now}); n != 0 {
			t.Fatalf("current count = %d, want 0", n)
		}

		units, err := s.OpenUnits(ctx, "m2")
		if err != nil || units != 3 {
			t.Fatalf("open units = %d, %v; want 3", units, err)
		}
		if units, _ := s.OpenUnits(ctx, "m1"); units != 1 {
			t.Fatalf("returned sessions do not count: %d", units)
		}
	})
}

func TestViolationsAndTransitions(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		older := domain.Violation{ID: "v1", MemberID: "m1", Amount: 5000, Reason: domain.ReasonOverdue, CreatedAt: base}
		newer := domain.Violation{ID: "v2", MemberID: "m1", Amount: 10000, Reason: domain.ReasonDamaged, CreatedAt: base.Add(time.Hour)}
		for _, v := range []domain.Violation{newer, older} {
			if err := s.SaveViolation(ctx, v); err != nil {
				t.Fatalf("save violation: %v", err)
			}
		}
		paidAt := base.Add(2 * time.Hour)
		older.PaidAmount = 5000
		older.IsPaid = true
		older.PaidAt = &paidAt
		older.Amount = 1 // settlement never rewrites the amount
		if err := s.SaveViolation(ctx, older); err != nil {
			t.Fatalf("settle violation: %v", err)
		}

		all, err := s.ListViolations(ctx, "m1", false)
		if err != nil || len(all) != 2 || all[0].ID != "v1" {
			t.Fatalf("violations = %+v, %v", all, err)
		}
		if all[0].Amount != 5000 || !all[0].IsPaid {
			t.Fatalf("settled violation = %+v", all[0])
		}
		unpaid, _ := s.ListViolations(ctx, "m1", true)
		if len(unpaid) != 1 || unpaid[0].ID != "v2" {
			t.Fatalf("unpaid = %+v", unpaid)
		}

		for i, to := range []domain.SessionStatus{domain.StatusPending, domain.StatusApproved} {
			err := s.AppendTransition(ctx, domain.Transition{
				ID:        "tr" + string(rune('1'+i)),
				SessionID: "s1",
				To:        to,
				ActorID:   "staff-1",
				Metadata:  map[string]any{"step": i},
				At:        base.Add(time.Duration(i) * time.Minute),
			})
			if err != nil {
				t.Fatalf("append transition: %v", err)
			}
		}
		history, err := s.ListTransitions(ctx, "s1")
		if err != nil || len(history) != 2 {
			t.Fatalf("transitions = %+v, %v", history, err)
		}
		if history[1].To != domain.StatusApproved || history[1].Metadata["step"] == nil {
			t.Fatalf("second transition = %+v", history[1])
		}
	})
}

func ids(items []domain.BorrowSession) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		out = append(out, item.ID)
	}
	return out
}
