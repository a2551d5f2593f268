package inventory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"
)

type State string

const (
	StateHeld      State = "held"
	StateCommitted State = "committed"
	StateReleased  State = "released"
)

type Item struct {
	SKU      string `json:"sku"`
	Quantity int    `json:"quantity"`
}

// Reservation is the set of holds taken for one order. All items share the
// same state because reserve is all-or-nothing.
type Reservation struct {
	OrderID   string    `json:"order_id"`
	Items     []Item    `json:"items"`
	State     State     `json:"state"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// StockLevel is the ledger view of one SKU.
type StockLevel struct {
	SKU       string `json:"sku"`
	Total     int    `json:"total"`
	Held      int    `json:"held"`
	Committed int    `json:"committed"`
}

func (s StockLevel) Available() int { return s.Total - s.Held - s.Committed }

var (
	ErrUnknownSKU           = errors.New("unknown sku")
	ErrNoItems              = errors.New("reservation has no items")
	ErrInvalidQuantity      = errors.New("quantity must be positive")
	ErrReservationNotFound  = errors.New("reservation not found")
	ErrReservationReleased  = errors.New("reservation already released")
	ErrReservationCommitted = errors.New("reservation already committed")
	ErrStockBelowAllocated  = errors.New("total stock below held plus committed")
)

type InsufficientStockError struct {
	SKU       string
	Requested int
	Available int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for %s: requested %d, available %d", e.SKU, e.Requested, e.Available)
}

// Ledger tracks held and committed stock per SKU.
//
// Held to committed and held to released are first-writer-wins: whichever
// of Commit, Release or the expiry sweep moves a reservation out of held
// first decides its fate, and the others observe the result.
type Ledger interface {
	// Reserve holds every item or none. Reserving again for an order that
	// already holds or committed stock returns the existing reservation.
	Reserve(ctx context.Context, orderID string, items []Item, ttl time.Duration) (*Reservation, error)
	// Commit moves held to committed. Committing twice is a no-op. Returns
	// ErrReservationReleased if the hold was released or expired first.
	Commit(ctx context.Context, orderID string) error
	// Reclaim moves a released reservation straight to committed when every
	// item is still available, all or nothing. It is a no-op once committed
	// and returns *InsufficientStockError when the stock has been taken.
	Reclaim(ctx context.Context, orderID string) error
	// Release moves held to released. Releasing twice is a no-op. Returns
	// ErrReservationCommitted once committed.
	Release(ctx context.Context, orderID string) error
	// Restock returns held or committed stock to the pool.
	Restock(ctx context.Context, orderID string) error
	// ExpireDue releases held reservations whose expiry is at or before now
	// and returns their order ids.
	ExpireDue(ctx context.Context, now time.Time) ([]string, error)
	Available(ctx context.Context, skus []string) (map[string]int, error)
	SetStock(ctx context.Context, sku string, total int) error
}

// normalizeItems merges duplicate SKUs and sorts by SKU so locks are always
// taken in the same order.
func normalizeItems(items []Item) ([]Item, error) {
	if len(items) == 0 {
		return nil, ErrNoItems
	}
	qty := make(map[string]int, len(items))
	for _, it := range items {
		if it.Quantity <= 0 {
			return nil, fmt.Errorf("%w: %s=%d", ErrInvalidQuantity, it.SKU, it.Quantity)
		}
		qty[it.SKU] += it.Quantity
	}
	out := make([]Item, 0, len(qty))
	for sku, q := range qty {
		out = append(out, Item{SKU: sku, Quantity: q})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SKU < out[j].SKU })
	return out, nil
}
