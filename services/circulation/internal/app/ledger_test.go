package app

import (
	"context"
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"circulation/pkg/domain"
)

func TestLedgerReserveReleaseCommit(t *testing.T) {
	f := newFixture(t, Policy{})
	f.title(t, "t1", 3)
	ctx := context.Background()

	hold, err := f.app.Ledger.Reserve(ctx, "t1", 2)
	require.NoError(t, err)
	assert.Equal(t, domain.HoldHeld, hold.State)
	assert.Equal(t, 1, f.available(t, "t1"))

	require.NoError(t, f.app.Ledger.Release(ctx, hold.ID))
	assert.Equal(t, 3, f.available(t, "t1"))
	require.NoError(t, f.app.Ledger.Release(ctx, hold.ID), "second release is a no-op")
	assert.Equal(t, 3, f.available(t, "t1"))

	err = f.app.Ledger.Commit(ctx, hold.ID)
	requireKind(t, err, ErrConflict, CodeHoldState)

	hold, err = f.app.Ledger.Reserve(ctx, "t1", 1)
	require.NoError(t, err)
	require.NoError(t, f.app.Ledger.Commit(ctx, hold.ID))
	require.NoError(t, f.app.Ledger.Commit(ctx, hold.ID))
	assert.Equal(t, 2, f.available(t, "t1"))
	err = f.app.Ledger.Release(ctx, hold.ID)
	requireKind(t, err, ErrConflict, CodeHoldState)
}

func TestLedgerReserveValidation(t *testing.T) {
	f := newFixture(t, Policy{})
	f.title(t, "t1", 1)
	ctx := context.Background()

	_, err := f.app.Ledger.Reserve(ctx, "t1", 0)
	requireKind(t, err, ErrValidation, CodeInvalidRequest)
	_, err = f.app.Ledger.Reserve(ctx, "", 1)
	requireKind(t, err, ErrValidation, CodeInvalidRequest)
	_, err = f.app.Ledger.Reserve(ctx, "missing", 1)
	requireKind(t, err, ErrNotFound, CodeTitleNotFound)
	_, err = f.app.Ledger.Reserve(ctx, "t1", 2)
	requireKind(t, err, ErrConflict, CodeInsufficientStock)
	err = f.app.Ledger.Release(ctx, "missing")
	requireKind(t, err, ErrNotFound, CodeHoldNotFound)
}

func TestLedgerRestockAndRetireBounds(t *testing.T) {
	f := newFixture(t, Policy{})
	f.title(t, "t1", 2)
	ctx := context.Background()

	err := f.app.Ledger.Restock(ctx, "t1", 1)
	requireKind(t, err, ErrConflict, CodeStockBounds)
	err = f.app.Ledger.Retire(ctx, "t1", 1)
	requireKind(t, err, ErrConflict, CodeStockBounds)

	_, err = f.app.Ledger.Reserve(ctx, "t1", 1)
	require.NoError(t, err)
	require.NoError(t, f.app.Ledger.Retire(ctx, "t1", 1))
	title := f.titleState(t, "t1")
	assert.Equal(t, 1, title.TotalCopies)
	assert.Equal(t, 1, title.AvailableCopies)

	err = f.app.Ledger.Restock(ctx, "missing", 1)
	requireKind(t, err, ErrNotFound, CodeTitleNotFound)
}

func TestLedgerBoundsHoldUnderRandomLoad(t *testing.T) {
	f := newFixture(t, Policy{})
	f.title(t, "t1", 4)
	ctx := context.Background()

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			var held []string
			for i := 0; i < 50; i++ {
				if rng.Intn(2) == 0 || len(held) == 0 {
					hold, err := f.app.Ledger.Reserve(ctx, "t1", 1+rng.Intn(2))
					if err == nil {
						held = append(held, hold.ID)
					}
					continue
				}
				id := held[len(held)-1]
				held = held[:len(held)-1]
				assert.NoError(t, f.app.Ledger.Release(ctx, id))
			}
			for _, id := range held {
				assert.NoError(t, f.app.Ledger.Release(ctx, id))
			}
		}(int64(w))
	}
	wg.Wait()

	snap, err := f.app.Ledger.Snapshot(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 4, snap.Total)
	assert.Equal(t, 4, snap.Available)
	assert.Zero(t, snap.Held)
}
