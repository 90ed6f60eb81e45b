package app

import (
	"context"
	"strings"
	"time"

	"circulation/internal/util"
	"circulation/pkg/domain"
	"circulation/pkg/store"
)

// StockLedger owns total and available copy counts per title. Every count
// change goes through a conditional update in the store, so reservations
// on one title are linearizable across sessions.
type StockLedger struct {
	store store.Store
	now   func() time.Time
}

// Reserve takes qty copies of a title out of the pool and returns the hold.
func (l *StockLedger) Reserve(ctx context.Context, titleID string, qty int) (domain.Hold, error) {
	var hold domain.Hold
	err := l.store.InTx(ctx, func(tx store.Store) error {
		var err error
		hold, err = l.reserve(ctx, tx, titleID, "", qty)
		return err
	})
	return hold, err
}

func (l *StockLedger) reserve(ctx context.Context, tx store.Store, titleID, sessionID string, qty int) (domain.Hold, error) {
	titleID = strings.TrimSpace(titleID)
	if titleID == "" {
		return domain.Hold{}, validationError(CodeInvalidRequest, "title id required")
	}
	if qty < 1 {
		return domain.Hold{}, validationError(CodeInvalidRequest, "quantity must be >= 1")
	}
	if _, ok, err := tx.GetTitle(ctx, titleID); err != nil {
		return domain.Hold{}, err
	} else if !ok {
		return domain.Hold{}, notFoundError(CodeTitleNotFound, "title %s not found", titleID)
	}
	reserved, err := tx.ReserveCopies(ctx, titleID, qty)
	if err != nil {
		return domain.Hold{}, err
	}
	if !reserved {
		return domain.Hold{}, conflictError(CodeInsufficientStock, "insufficient stock")
	}
	now := l.now()
	hold := domain.Hold{
		ID:        util.NewID(),
		TitleID:   titleID,
		SessionID: sessionID,
		Quantity:  qty,
		State:     domain.HoldHeld,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := tx.SaveHold(ctx, hold); err != nil {
		return domain.Hold{}, err
	}
	return hold, nil
}

// Release returns a held reservation to the pool. Releasing an already
// released hold is a no-op.
func (l *StockLedger) Release(ctx context.Context, holdID string) error {
	return l.store.InTx(ctx, func(tx store.Store) error {
		return l.release(ctx, tx, holdID)
	})
}

func (l *StockLedger) release(ctx context.Context, tx store.Store, holdID string) error {
	hold, err := l.hold(ctx, tx, holdID)
	if err != nil {
		return err
	}
	switch hold.State {
	case domain.HoldReleased:
		return nil
	case domain.HoldHeld:
	default:
		return conflictError(CodeHoldState, "hold %s is %s and cannot be released", holdID, hold.State)
	}
	moved, err := tx.TransitionHold(ctx, holdID, domain.HoldHeld, domain.HoldReleased)
	if err != nil {
		return err
	}
	if !moved {
		return nil
	}
	if err := tx.RestockCopies(ctx, hold.TitleID, hold.Quantity); err != nil {
		return mapStoreError(err)
	}
	return nil
}

// Commit marks a held reservation as checked out. Counts do not change.
func (l *StockLedger) Commit(ctx context.Context, holdID string) error {
	return l.store.InTx(ctx, func(tx store.Store) error {
		return l.commit(ctx, tx, holdID)
	})
}

func (l *StockLedger) commit(ctx context.Context, tx store.Store, holdID string) error {
	hold, err := l.hold(ctx, tx, holdID)
	if err != nil {
		return err
	}
	switch hold.State {
	case domain.HoldCheckedOut:
		return nil
	case domain.HoldHeld:
	default:
		return conflictError(CodeHoldState, "hold %s is %s and cannot be checked out", holdID, hold.State)
	}
	if _, err := tx.TransitionHold(ctx, holdID, domain.HoldHeld, domain.HoldCheckedOut); err != nil {
		return err
	}
	return nil
}

// close settles a checked-out hold at return time: the copy is restocked,
// or retired from the total when lost.
func (l *StockLedger) close(ctx context.Context, tx store.Store, holdID string, lost bool) error {
	hold, err := l.hold(ctx, tx, holdID)
	if err != nil {
		return err
	}
	if hold.State != domain.HoldCheckedOut {
		return conflictError(CodeHoldState, "hold %s is %s and cannot be closed", holdID, hold.State)
	}
	next := domain.HoldReturned
	if lost {
		next = domain.HoldRetired
	}
	moved, err := tx.TransitionHold(ctx, holdID, domain.HoldCheckedOut, next)
	if err != nil {
		return err
	}
	if !moved {
		return conflictError(CodeHoldState, "hold %s changed concurrently", holdID)
	}
	if lost {
		return mapStoreError(tx.RetireCopies(ctx, hold.TitleID, hold.Quantity))
	}
	return mapStoreError(tx.RestockCopies(ctx, hold.TitleID, hold.Quantity))
}

// Restock returns copies to the pool, bounded by the total.
func (l *StockLedger) Restock(ctx context.Context, titleID string, qty int) error {
	if qty < 1 {
		return validationError(CodeInvalidRequest, "quantity must be >= 1")
	}
	return l.store.InTx(ctx, func(tx store.Store) error {
		if err := l.requireTitle(ctx, tx, titleID); err != nil {
			return err
		}
		return mapStoreError(tx.RestockCopies(ctx, titleID, qty))
	})
}

// Retire removes copies that are out of the pool from the total.
func (l *StockLedger) Retire(ctx context.Context, titleID string, qty int) error {
	if qty < 1 {
		return validationError(CodeInvalidRequest, "quantity must be >= 1")
	}
	return l.store.InTx(ctx, func(tx store.Store) error {
		if err := l.requireTitle(ctx, tx, titleID); err != nil {
			return err
		}
		return mapStoreError(tx.RetireCopies(ctx, titleID, qty))
	})
}

// Available is the advisory available count. Nothing is locked.
func (l *StockLedger) Available(ctx context.Context, titleID string) (int, error) {
	t, ok, err := l.store.GetTitle(ctx, titleID)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, notFoundError(CodeTitleNotFound, "title %s not found", titleID)
	}
	return t.AvailableCopies, nil
}

// Snapshot reports counts and hold bookkeeping for one title.
func (l *StockLedger) Snapshot(ctx context.Context, titleID string) (domain.StockSnapshot, error) {
	t, ok, err := l.store.GetTitle(ctx, titleID)
	if err != nil {
		return domain.StockSnapshot{}, err
	}
	if !ok {
		return domain.StockSnapshot{}, notFoundError(CodeTitleNotFound, "title %s not found", titleID)
	}
	held, err := l.store.CountHolds(ctx, titleID, domain.HoldHeld)
	if err != nil {
		return domain.StockSnapshot{}, err
	}
	out, err := l.store.CountHolds(ctx, titleID, domain.HoldCheckedOut)
	if err != nil {
		return domain.StockSnapshot{}, err
	}
	return domain.StockSnapshot{
		TitleID:    titleID,
		Total:      t.TotalCopies,
		Available:  t.AvailableCopies,
		Held:       held,
		CheckedOut: out,
	}, nil
}

func (l *StockLedger) hold(ctx context.Context, tx store.Store, holdID string) (domain.Hold, error) {
	hold, ok, err := tx.GetHold(ctx, holdID)
	if err != nil {
		return domain.Hold{}, err
	}
	if !ok {
		return domain.Hold{}, notFoundError(CodeHoldNotFound, "hold %s not found", holdID)
	}
	return hold, nil
}

func (l *StockLedger) requireTitle(ctx context.Context, tx store.Store, titleID string) error {
	_, ok, err := tx.GetTitle(ctx, titleID)
	if err != nil {
		return err
	}
	if !ok {
		return notFoundError(CodeTitleNotFound, "title %s not found", titleID)
	}
	return nil
}
