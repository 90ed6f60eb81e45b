package app

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"circulation/pkg/domain"
	"circulation/pkg/store"
)

const (
	basketSyncTimeout     = 3 * time.Second
	basketFlushConcurrent = 8
)

type basketEntry struct {
	basket domain.Basket
	timer  *time.Timer
	dirty  bool
}

// BasketService is the advisory cart in front of CreateRequest. Quantities
// are checked against the last-known available count without holding
// anything; Checkout is the only authoritative gate. Edits are kept in
// memory and synced to the basket store after a debounce, last write wins.
type BasketService struct {
	store      store.BasketStore
	ledger     *StockLedger
	sessions   *SessionManager
	violations *ViolationEngine
	now        func() time.Time
	maxUnits   int
	debounce   time.Duration

	mu      sync.Mutex
	entries map[string]*basketEntry
	loads   singleflight.Group
}

func newBasketService(basketStore store.BasketStore, ledger *StockLedger, sessions *SessionManager, violations *ViolationEngine, now func() time.Time, maxUnits int, debounce time.Duration) *BasketService {
	return &BasketService{
		store:      basketStore,
		ledger:     ledger,
		sessions:   sessions,
		violations: violations,
		now:        now,
		maxUnits:   maxUnits,
		debounce:   debounce,
		entries:    make(map[string]*basketEntry),
	}
}

// PreviewLine pairs a basket line with the advisory available count.
type PreviewLine struct {
	domain.BasketLine
	Available int  `json:"available"`
	Short     bool `json:"short"`
}

type BasketPreview struct {
	MemberID      string        `json:"memberId"`
	Lines         []PreviewLine `json:"lines"`
	SelectedUnits int           `json:"selectedUnits"`
	MaxUnits      int           `json:"maxUnits"`
	UnpaidDebt    int64         `json:"unpaidDebt"`
	CanCheckout   bool          `json:"canCheckout"`
	Revision      int64         `json:"revision"`
}

// MaxUnits is the per-checkout cap on selected units.
func (b *BasketService) MaxUnits() int {
	return b.maxUnits
}

// Get returns the current basket of a member.
func (b *BasketService) Get(ctx context.Context, actor domain.Actor, memberID string) (domain.Basket, error) {
	memberID, err := basketOwner(actor, memberID)
	if err != nil {
		return domain.Basket{}, err
	}
	entry, err := b.entry(ctx, memberID)
	if err != nil {
		return domain.Basket{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return copyBasket(entry.basket), nil
}

// AddLine adds qty copies of a title, clamped to what looks available now.
// A title with nothing available is refused.
func (b *BasketService) AddLine(ctx context.Context, actor domain.Actor, memberID, titleID string, qty int) (domain.Basket, error) {
	titleID = strings.TrimSpace(titleID)
	if titleID == "" {
		return domain.Basket{}, validationError(CodeInvalidRequest, "title id required")
	}
	if qty < 1 {
		return domain.Basket{}, validationError(CodeInvalidRequest, "quantity must be >= 1")
	}
	available, err := b.ledger.Available(ctx, titleID)
	if err != nil {
		return domain.Basket{}, err
	}
	if available < 1 {
		return domain.Basket{}, conflictError(CodeInsufficientStock, "title %s has no copies available", titleID)
	}
	return b.mutate(ctx, actor, memberID, func(basket *domain.Basket) error {
		for i := range basket.Lines {
			if basket.Lines[i].TitleID == titleID {
				basket.Lines[i].Quantity = min(basket.Lines[i].Quantity+qty, available)
				basket.Lines[i].Selected = true
				return nil
			}
		}
		basket.Lines = append(basket.Lines, domain.BasketLine{
			TitleID:  titleID,
			Quantity: min(qty, available),
			Selected: true,
		})
		return nil
	})
}

// SetQuantity replaces the quantity of a line, clamped like AddLine.
func (b *BasketService) SetQuantity(ctx context.Context, actor domain.Actor, memberID, titleID string, qty int) (domain.Basket, error) {
	if qty < 1 {
		return domain.Basket{}, validationError(CodeInvalidRequest, "quantity must be >= 1")
	}
	available, err := b.ledger.Available(ctx, titleID)
	if err != nil {
		return domain.Basket{}, err
	}
	if available < 1 {
		return domain.Basket{}, conflictError(CodeInsufficientStock, "title %s has no copies available", titleID)
	}
	return b.mutate(ctx, actor, memberID, func(basket *domain.Basket) error {
		line, err := findLine(basket, titleID)
		if err != nil {
			return err
		}
		line.Quantity = min(qty, available)
		return nil
	})
}

// Select marks a line as part of the next checkout, or not.
func (b *BasketService) Select(ctx context.Context, actor domain.Actor, memberID, titleID string, selected bool) (domain.Basket, error) {
	return b.mutate(ctx, actor, memberID, func(basket *domain.Basket) error {
		line, err := findLine(basket, titleID)
		if err != nil {
			return err
		}
		line.Selected = selected
		return nil
	})
}

// RemoveLine drops a title from the basket.
func (b *BasketService) RemoveLine(ctx context.Context, actor domain.Actor, memberID, titleID string) (domain.Basket, error) {
	return b.mutate(ctx, actor, memberID, func(basket *domain.Basket) error {
		if _, err := findLine(basket, titleID); err != nil {
			return err
		}
		basket.Lines = removeUnits(basket.Lines, map[string]int{titleID: -1})
		return nil
	})
}

// Preview reports each line against current availability plus the
// member's outstanding debt. Nothing here is binding.
func (b *BasketService) Preview(ctx context.Context, actor domain.Actor, memberID string) (BasketPreview, error) {
	basket, err := b.Get(ctx, actor, memberID)
	if err != nil {
		return BasketPreview{}, err
	}
	debt, err := b.violations.Outstanding(ctx, basket.MemberID)
	if err != nil {
		return BasketPreview{}, err
	}
	preview := BasketPreview{
		MemberID:      basket.MemberID,
		Lines:         make([]PreviewLine, 0, len(basket.Lines)),
		SelectedUnits: basket.SelectedUnits(),
		MaxUnits:      b.maxUnits,
		UnpaidDebt:    debt,
		Revision:      basket.Revision,
	}
	allAvailable := true
	for _, line := range basket.Lines {
		available, err := b.ledger.Available(ctx, line.TitleID)
		if err != nil {
			available = 0
		}
		short := line.Quantity > available
		if short && line.Selected {
			allAvailable = false
		}
		preview.Lines = append(preview.Lines, PreviewLine{BasketLine: line, Available: available, Short: short})
	}
	preview.CanCheckout = allAvailable && preview.SelectedUnits > 0 && preview.SelectedUnits <= b.maxUnits
	return preview, nil
}

// Checkout turns the selected lines into a borrow request. Batches above
// the unit cap never reach CreateRequest; CreateRequest failures are
// returned as is and leave the basket untouched.
func (b *BasketService) Checkout(ctx context.Context, actor domain.Actor, memberID string) (domain.BorrowSession, error) {
	basket, err := b.Get(ctx, actor, memberID)
	if err != nil {
		return domain.BorrowSession{}, err
	}
	units := basket.SelectedUnits()
	if units == 0 {
		return domain.BorrowSession{}, validationError(CodeBasketEmpty, "no basket lines selected")
	}
	if units > b.maxUnits {
		return domain.BorrowSession{}, validationError(CodeBasketLimit, "checkout is limited to %d units; %d selected", b.maxUnits, units)
	}
	titleIDs := make([]string, 0, units)
	taken := make(map[string]int)
	for _, line := range basket.Lines {
		if !line.Selected {
			continue
		}
		for i := 0; i < line.Quantity; i++ {
			titleIDs = append(titleIDs, line.TitleID)
		}
		taken[line.TitleID] += line.Quantity
	}
	session, err := b.sessions.CreateRequest(ctx, actor, basket.MemberID, titleIDs)
	if err != nil {
		return domain.BorrowSession{}, err
	}
	if _, err := b.mutate(ctx, actor, basket.MemberID, func(current *domain.Basket) error {
		current.Lines = removeUnits(current.Lines, taken)
		return nil
	}); err != nil {
		slog.Warn("basket cleanup after checkout failed", "member_id", basket.MemberID, "session_id", session.ID, "err", err)
	}
	return session, nil
}

// Flush writes every pending basket now. Called on shutdown.
func (b *BasketService) Flush(ctx context.Context) error {
	b.mu.Lock()
	pending := make([]domain.Basket, 0)
	for _, entry := range b.entries {
		if entry.timer != nil {
			entry.timer.Stop()
			entry.timer = nil
		}
		if entry.dirty {
			entry.dirty = false
			pending = append(pending, copyBasket(entry.basket))
		}
	}
	b.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(basketFlushConcurrent)
	for _, basket := range pending {
		snapshot := basket
		g.Go(func() error {
			_, err := b.store.SaveBasket(gctx, snapshot)
			return err
		})
	}
	return g.Wait()
}

func (b *BasketService) mutate(ctx context.Context, actor domain.Actor, memberID string, fn func(*domain.Basket) error) (domain.Basket, error) {
	memberID, err := basketOwner(actor, memberID)
	if err != nil {
		return domain.Basket{}, err
	}
	entry, err := b.entry(ctx, memberID)
	if err != nil {
		return domain.Basket{}, err
	}
	b.mu.Lock()
	next := copyBasket(entry.basket)
	if err := fn(&next); err != nil {
		b.mu.Unlock()
		return domain.Basket{}, err
	}
	next.Revision++
	next.UpdatedAt = b.now()
	entry.basket = next
	entry.dirty = true
	immediate := b.debounce == 0
	if !immediate {
		if entry.timer == nil {
			entry.timer = time.AfterFunc(b.debounce, func() { b.sync(memberID) })
		} else {
			entry.timer.Reset(b.debounce)
		}
	}
	out := copyBasket(next)
	b.mu.Unlock()

	if immediate {
		b.sync(memberID)
	}
	return out, nil
}

// sync writes the latest snapshot of one basket. A newer revision already
// in the store wins.
func (b *BasketService) sync(memberID string) {
	b.mu.Lock()
	entry, ok := b.entries[memberID]
	if !ok || !entry.dirty {
		b.mu.Unlock()
		return
	}
	entry.timer = nil
	entry.dirty = false
	snapshot := copyBasket(entry.basket)
	b.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), basketSyncTimeout)
	defer cancel()
	saved, err := b.store.SaveBasket(ctx, snapshot)
	if err != nil {
		slog.Warn("basket sync failed", "member_id", memberID, "revision", snapshot.Revision, "err", err)
		b.mu.Lock()
		if entry.basket.Revision == snapshot.Revision {
			entry.dirty = true
		}
		b.mu.Unlock()
		return
	}
	if !saved {
		slog.Debug("basket sync skipped; newer revision stored", "member_id", memberID, "revision", snapshot.Revision)
	}
}

// entry returns the cached basket of a member, loading it from the store
// once even under concurrent first access.
func (b *BasketService) entry(ctx context.Context, memberID string) (*basketEntry, error) {
	b.mu.Lock()
	entry, ok := b.entries[memberID]
	b.mu.Unlock()
	if ok {
		return entry, nil
	}
	loaded, err, _ := b.loads.Do(memberID, func() (any, error) {
		basket, found, err := b.store.LoadBasket(ctx, memberID)
		if err != nil {
			return nil, err
		}
		if !found {
			basket = domain.Basket{MemberID: memberID}
		}
		return basket, nil
	})
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if entry, ok := b.entries[memberID]; ok {
		return entry, nil
	}
	entry = &basketEntry{basket: copyBasket(loaded.(domain.Basket))}
	b.entries[memberID] = entry
	return entry, nil
}

func basketOwner(actor domain.Actor, memberID string) (string, error) {
	memberID = strings.TrimSpace(memberID)
	if memberID == "" {
		memberID = actor.ID
	}
	if memberID == "" {
		return "", validationError(CodeInvalidRequest, "member id required")
	}
	if err := requireSelfOrStaff(actor, memberID); err != nil {
		return "", err
	}
	return memberID, nil
}

func findLine(basket *domain.Basket, titleID string) (*domain.BasketLine, error) {
	titleID = strings.TrimSpace(titleID)
	for i := range basket.Lines {
		if basket.Lines[i].TitleID == titleID {
			return &basket.Lines[i], nil
		}
	}
	return nil, notFoundError(CodeTitleNotFound, "title %s is not in the basket", titleID)
}

// removeUnits subtracts checked-out quantities per title; -1 drops the line.
func removeUnits(lines []domain.BasketLine, taken map[string]int) []domain.BasketLine {
	out := make([]domain.BasketLine, 0, len(lines))
	for _, line := range lines {
		n, ok := taken[line.TitleID]
		if ok && (n < 0 || n >= line.Quantity) {
			continue
		}
		if ok {
			line.Quantity -= n
		}
		out = append(out, line)
	}
	return out
}

func copyBasket(b domain.Basket) domain.Basket {
	b.Lines = append([]domain.BasketLine(nil), b.Lines...)
	return b
}
