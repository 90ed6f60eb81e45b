package app

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"circulation/pkg/domain"
)

func TestBasketAddLineClampsToAvailable(t *testing.T) {
	f := newFixture(t, Policy{})
	f.title(t, "t1", 3)
	f.title(t, "t2", 1)
	f.member(t, "m1")
	ctx := context.Background()
	m1 := memberActor("m1")

	b, err := f.app.Basket.AddLine(ctx, m1, "", "t1", 5)
	require.NoError(t, err)
	require.Len(t, b.Lines, 1)
	assert.Equal(t, 3, b.Lines[0].Quantity)
	assert.True(t, b.Lines[0].Selected)

	b, err = f.app.Basket.AddLine(ctx, m1, "m1", "t1", 1)
	require.NoError(t, err)
	assert.Equal(t, 3, b.Lines[0].Quantity)

	_, err = f.app.Ledger.Reserve(ctx, "t2", 1)
	require.NoError(t, err)
	_, err = f.app.Basket.AddLine(ctx, m1, "m1", "t2", 1)
	requireKind(t, err, ErrConflict, CodeInsufficientStock)

	_, err = f.app.Basket.AddLine(ctx, m1, "m1", "missing", 1)
	requireKind(t, err, ErrNotFound, CodeTitleNotFound)
	_, err = f.app.Basket.AddLine(ctx, m1, "m1", "t1", 0)
	requireKind(t, err, ErrValidation, CodeInvalidRequest)

	// Nothing in the basket holds stock.
	assert.Equal(t, 3, f.available(t, "t1"))
}

func TestBasketEditing(t *testing.T) {
	f := newFixture(t, Policy{})
	f.title(t, "t1", 3)
	f.title(t, "t2", 3)
	f.member(t, "m1")
	ctx := context.Background()
	m1 := memberActor("m1")

	_, err := f.app.Basket.AddLine(ctx, m1, "m1", "t1", 1)
	require.NoError(t, err)
	_, err = f.app.Basket.AddLine(ctx, m1, "m1", "t2", 1)
	require.NoError(t, err)

	b, err := f.app.Basket.SetQuantity(ctx, m1, "m1", "t1", 9)
	require.NoError(t, err)
	assert.Equal(t, 3, b.Lines[0].Quantity)

	b, err = f.app.Basket.Select(ctx, m1, "m1", "t2", false)
	require.NoError(t, err)
	assert.False(t, b.Lines[1].Selected)
	assert.Equal(t, 3, b.SelectedUnits())

	b, err = f.app.Basket.RemoveLine(ctx, m1, "m1", "t1")
	require.NoError(t, err)
	require.Len(t, b.Lines, 1)
	assert.Equal(t, "t2", b.Lines[0].TitleID)

	_, err = f.app.Basket.RemoveLine(ctx, m1, "m1", "t1")
	requireKind(t, err, ErrNotFound, CodeTitleNotFound)
	_, err = f.app.Basket.Get(ctx, memberActor("m2"), "m1")
	requireKind(t, err, ErrAuthorization, CodeForbidden)
}

func TestBasketCheckoutCapsUnits(t *testing.T) {
	f := newFixture(t, Policy{})
	f.title(t, "t1", 4)
	f.title(t, "t2", 4)
	f.member(t, "m1")
	ctx := context.Background()
	m1 := memberActor("m1")

	_, err := f.app.Basket.AddLine(ctx, m1, "m1", "t1", 3)
	require.NoError(t, err)
	_, err = f.app.Basket.AddLine(ctx, m1, "m1", "t2", 3)
	require.NoError(t, err)

	_, err = f.app.Basket.Checkout(ctx, m1, "m1")
	requireKind(t, err, ErrValidation, CodeBasketLimit)
	assert.Empty(t, f.events.Types(), "no request reached the session manager")
	assert.Equal(t, 4, f.available(t, "t1"))

	_, err = f.app.Basket.SetQuantity(ctx, m1, "m1", "t2", 2)
	require.NoError(t, err)
	s, err := f.app.Basket.Checkout(ctx, m1, "m1")
	require.NoError(t, err)
	assert.Len(t, s.Lines, 5)
	assert.Equal(t, 1, f.available(t, "t1"))
	assert.Equal(t, 2, f.available(t, "t2"))

	b, err := f.app.Basket.Get(ctx, m1, "m1")
	require.NoError(t, err)
	assert.Empty(t, b.Lines)

	_, err = f.app.Basket.Checkout(ctx, m1, "m1")
	requireKind(t, err, ErrValidation, CodeBasketEmpty)
}

func TestBasketCheckoutSurfacesStockRace(t *testing.T) {
	f := newFixture(t, Policy{})
	f.title(t, "t1", 2)
	f.member(t, "m1")
	ctx := context.Background()
	m1 := memberActor("m1")

	_, err := f.app.Basket.AddLine(ctx, m1, "m1", "t1", 2)
	require.NoError(t, err)
	_, err = f.app.Ledger.Reserve(ctx, "t1", 1)
	require.NoError(t, err)

	preview, err := f.app.Basket.Preview(ctx, m1, "m1")
	require.NoError(t, err)
	require.Len(t, preview.Lines, 1)
	assert.True(t, preview.Lines[0].Short)
	assert.False(t, preview.CanCheckout)

	_, err = f.app.Basket.Checkout(ctx, m1, "m1")
	requireKind(t, err, ErrConflict, CodeInsufficientStock)
	b, err := f.app.Basket.Get(ctx, m1, "m1")
	require.NoError(t, err)
	assert.Len(t, b.Lines, 1, "a failed checkout leaves the basket alone")
	assert.Equal(t, 1, f.available(t, "t1"))
}

func TestBasketPreviewIncludesDebt(t *testing.T) {
	f := newFixture(t, Policy{})
	f.title(t, "t1", 2)
	f.member(t, "m1")
	ctx := context.Background()
	_, err := f.app.Violations.RecordViolation(ctx, staff, "m1", "", 9000, domain.ReasonOverdue, "")
	require.NoError(t, err)
	_, err = f.app.Basket.AddLine(ctx, memberActor("m1"), "m1", "t1", 1)
	require.NoError(t, err)

	preview, err := f.app.Basket.Preview(ctx, memberActor("m1"), "m1")
	require.NoError(t, err)
	assert.Equal(t, int64(9000), preview.UnpaidDebt)
	assert.Equal(t, 1, preview.SelectedUnits)
	assert.Equal(t, 5, preview.MaxUnits)
	assert.True(t, preview.CanCheckout)
}

func TestBasketSyncIsImmediateWithoutDebounce(t *testing.T) {
	f := newFixture(t, Policy{})
	f.title(t, "t1", 2)
	ctx := context.Background()

	_, err := f.app.Basket.AddLine(ctx, memberActor("m1"), "m1", "t1", 1)
	require.NoError(t, err)
	stored, ok, err := f.baskets.LoadBasket(ctx, "m1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(1), stored.Revision)
	assert.Len(t, stored.Lines, 1)
}

func TestBasketDebouncedSyncAndFlush(t *testing.T) {
	f := newFixture(t, Policy{BasketDebounce: time.Hour})
	f.title(t, "t1", 3)
	ctx := context.Background()
	m1 := memberActor("m1")

	for i := 0; i < 3; i++ {
		_, err := f.app.Basket.AddLine(ctx, m1, "m1", "t1", 1)
		require.NoError(t, err)
	}
	_, ok, err := f.baskets.LoadBasket(ctx, "m1")
	require.NoError(t, err)
	assert.False(t, ok, "writes wait for the debounce")

	require.NoError(t, f.app.Basket.Flush(ctx))
	stored, ok, err := f.baskets.LoadBasket(ctx, "m1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(3), stored.Revision)
	assert.Equal(t, 3, stored.Lines[0].Quantity)
}

func TestBasketDebounceTimerFires(t *testing.T) {
	f := newFixture(t, Policy{BasketDebounce: 10 * time.Millisecond})
	f.title(t, "t1", 3)
	ctx := context.Background()

	_, err := f.app.Basket.AddLine(ctx, memberActor("m1"), "m1", "t1", 2)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		stored, ok, err := f.baskets.LoadBasket(ctx, "m1")
		return err == nil && ok && stored.Revision == 1
	}, time.Second, 5*time.Millisecond)
}

func TestBasketLastWriteWins(t *testing.T) {
	f := newFixture(t, Policy{})
	f.title(t, "t1", 3)
	ctx := context.Background()

	newer := domain.Basket{MemberID: "m1", Revision: 10, Lines: []domain.BasketLine{{TitleID: "t1", Quantity: 1, Selected: true}}}
	saved, err := f.baskets.SaveBasket(ctx, newer)
	require.NoError(t, err)
	require.True(t, saved)

	b, err := f.app.Basket.Get(ctx, memberActor("m1"), "m1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), b.Revision)

	stale := domain.Basket{MemberID: "m1", Revision: 4}
	saved, err = f.baskets.SaveBasket(ctx, stale)
	require.NoError(t, err)
	assert.False(t, saved)
}

func TestBasketConcurrentFirstLoad(t *testing.T) {
	f := newFixture(t, Policy{})
	f.title(t, "t1", 50)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.app.Basket.AddLine(ctx, memberActor("m1"), "m1", "t1", 1)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	b, err := f.app.Basket.Get(ctx, memberActor("m1"), "m1")
	require.NoError(t, err)
	require.Len(t, b.Lines, 1)
	assert.Equal(t, 20, b.Lines[0].Quantity)
	assert.Equal(t, int64(20), b.Revision)
}
