package store

import (
	"context"
	"errors"
	"time"

	"circulation/pkg/domain"
)

var (
	// ErrStaleVersion indicates a compare-and-swap on a session lost the race.
	ErrStaleVersion = errors.New("stale version")
	// ErrStockBounds indicates an adjustment would break 0 <= available <= total.
	ErrStockBounds = errors.New("stock bounds violated")
)

// SessionQuery filters session listings. Zero values mean "no filter";
// Limit <= 0 returns every match.
type SessionQuery struct {
	Statuses []domain.SessionStatus
	MemberID string
	Search   string
	// OverdueAt keeps only borrowed sessions due before the instant.
	OverdueAt *time.Time
	// CurrentAt keeps only borrowed sessions not yet due at the instant.
	CurrentAt *time.Time
	Offset    int
	Limit     int
}

// Store defines persistence operations for the circulation engine.
// Writes that must be atomic together run inside InTx.
type Store interface {
	// InTx runs fn against a transactional view; an error rolls back every write made through it.
	InTx(ctx context.Context, fn func(tx Store) error) error

	// titles
	SaveTitle(ctx context.Context, t domain.Title) error
	GetTitle(ctx context.Context, id string) (domain.Title, bool, error)
	// ReserveCopies decrements available copies only when enough remain.
	ReserveCopies(ctx context.Context, titleID string, qty int) (bool, error)
	RestockCopies(ctx context.Context, titleID string, qty int) error
	RetireCopies(ctx context.Context, titleID string, qty int) error
	// ResizeTitle renames a title and shifts total and available copies by delta,
	// refusing when available would drop below zero.
	ResizeTitle(ctx context.Context, titleID, name string, delta int) (bool, error)

	// holds
	SaveHold(ctx context.Context, h domain.Hold) error
	GetHold(ctx context.Context, id string) (domain.Hold, bool, error)
	// TransitionHold moves a hold from one state to another; false when the hold was not in from.
	TransitionHold(ctx context.Context, id string, from, to domain.HoldState) (bool, error)
	CountHolds(ctx context.Context, titleID string, state domain.HoldState) (int, error)

	// members
	SaveMember(ctx context.Context, m domain.Member) error
	GetMember(ctx context.Context, id string) (domain.Member, bool, error)
	SetMemberDebt(ctx context.Context, memberID string, debt int64) error
	// LockMember reads a member and holds its row lock until the transaction
	// ends. Debt and borrow-limit writes for a member take it first.
	LockMember(ctx context.Context, id string) (domain.Member, bool, error)

	// sessions
	CreateSession(ctx context.Context, s domain.BorrowSession) error
	GetSession(ctx context.Context, id string) (domain.BorrowSession, bool, error)
	// UpdateSession writes s when the stored version equals s.Version and bumps it.
	UpdateSession(ctx context.Context, s domain.BorrowSession) (domain.BorrowSession, error)
	ListSessions(ctx context.Context, q SessionQuery) ([]domain.BorrowSession, int, error)
	CountSessions(ctx context.Context, q SessionQuery) (int, error)
	OpenUnits(ctx context.Context, memberID string) (int, error)

	// violations
	SaveViolation(ctx context.Context, v domain.Violation) error
	ListViolations(ctx context.Context, memberID string, unpaidOnly bool) ([]domain.Violation, error)

	// transitions
	AppendTransition(ctx context.Context, t domain.Transition) error
	ListTransitions(ctx context.Context, sessionID string) ([]domain.Transition, error)
}

// BasketStore persists advisory baskets. SaveBasket keeps the write with
// the highest revision and reports whether the incoming one won.
type BasketStore interface {
	LoadBasket(ctx context.Context, memberID string) (domain.Basket, bool, error)
	SaveBasket(ctx context.Context, b domain.Basket) (bool, error)
}
