package inventory

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryLedger keeps stock and reservations in process memory.
type MemoryLedger struct {
	mu           sync.Mutex
	stocks       map[string]*StockLevel
	reservations map[string]*Reservation // orderID -> reservation

	Now func() time.Time
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		stocks:       make(map[string]*StockLevel),
		reservations: make(map[string]*Reservation),
		Now:          time.Now,
	}
}

func (l *MemoryLedger) SetStock(_ context.Context, sku string, total int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.stocks[sku]
	if !ok {
		l.stocks[sku] = &StockLevel{SKU: sku, Total: total}
		return nil
	}
	if total < s.Held+s.Committed {
		return fmt.Errorf("%w: %s total=%d held=%d committed=%d", ErrStockBelowAllocated, sku, total, s.Held, s.Committed)
	}
	s.Total = total
	return nil
}

// Level returns a copy of the ledger row for sku.
func (l *MemoryLedger) Level(sku string) (StockLevel, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.stocks[sku]
	if !ok {
		return StockLevel{}, false
	}
	return *s, true
}

func (l *MemoryLedger) Available(_ context.Context, skus []string) (map[string]int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]int, len(skus))
	for _, sku := range skus {
		if s, ok := l.stocks[sku]; ok {
			out[sku] = s.Available()
		}
	}
	return out, nil
}

func (l *MemoryLedger) Reserve(_ context.Context, orderID string, items []Item, ttl time.Duration) (*Reservation, error) {
	items, err := normalizeItems(items)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if r, ok := l.reservations[orderID]; ok {
		if r.State == StateReleased {
			return nil, ErrReservationReleased
		}
		return copyReservation(r), nil
	}

	// First pass validates everything so a shortfall leaves no partial hold.
	for _, it := range items {
		s, ok := l.stocks[it.SKU]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownSKU, it.SKU)
		}
		if s.Available() < it.Quantity {
			return nil, &InsufficientStockError{SKU: it.SKU, Requested: it.Quantity, Available: s.Available()}
		}
	}
	for _, it := range items {
		l.stocks[it.SKU].Held += it.Quantity
	}

	now := l.Now()
	r := &Reservation{
		OrderID:   orderID,
		Items:     items,
		State:     StateHeld,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	l.reservations[orderID] = r
	return copyReservation(r), nil
}

func (l *MemoryLedger) Commit(_ context.Context, orderID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.reservations[orderID]
	if !ok {
		return ErrReservationNotFound
	}
	switch r.State {
	case StateCommitted:
		return nil
	case StateReleased:
		return ErrReservationReleased
	}
	for _, it := range r.Items {
		s := l.stocks[it.SKU]
		s.Held -= it.Quantity
		s.Committed += it.Quantity
	}
	r.State = StateCommitted
	return nil
}

func (l *MemoryLedger) Reclaim(_ context.Context, orderID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.reservations[orderID]
	if !ok {
		return ErrReservationNotFound
	}
	switch r.State {
	case StateCommitted:
		return nil
	case StateHeld:
		for _, it := range r.Items {
			s := l.stocks[it.SKU]
			s.Held -= it.Quantity
			s.Committed += it.Quantity
		}
		r.State = StateCommitted
		return nil
	}
	for _, it := range r.Items {
		if s := l.stocks[it.SKU]; s.Available() < it.Quantity {
			return &InsufficientStockError{SKU: it.SKU, Requested: it.Quantity, Available: s.Available()}
		}
	}
	for _, it := range r.Items {
		l.stocks[it.SKU].Committed += it.Quantity
	}
	r.State = StateCommitted
	return nil
}

func (l *MemoryLedger) Release(_ context.Context, orderID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.reservations[orderID]
	if !ok {
		return ErrReservationNotFound
	}
	switch r.State {
	case StateReleased:
		return nil
	case StateCommitted:
		return ErrReservationCommitted
	}
	l.releaseHeld(r)
	return nil
}

func (l *MemoryLedger) Restock(_ context.Context, orderID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.reservations[orderID]
	if !ok {
		return ErrReservationNotFound
	}
	switch r.State {
	case StateHeld:
		l.releaseHeld(r)
	case StateCommitted:
		for _, it := range r.Items {
			l.stocks[it.SKU].Committed -= it.Quantity
		}
		r.State = StateReleased
	}
	return nil
}

func (l *MemoryLedger) ExpireDue(_ context.Context, now time.Time) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var expired []string
	for id, r := range l.reservations {
		if r.State == StateHeld && !r.ExpiresAt.After(now) {
			l.releaseHeld(r)
			expired = append(expired, id)
		}
	}
	return expired, nil
}

// Get returns a copy of the reservation for orderID.
func (l *MemoryLedger) Get(orderID string) (*Reservation, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.reservations[orderID]
	if !ok {
		return nil, false
	}
	return copyReservation(r), true
}

// releaseHeld must be called with mu held.
func (l *MemoryLedger) releaseHeld(r *Reservation) {
	for _, it := range r.Items {
		l.stocks[it.SKU].Held -= it.Quantity
	}
	r.State = StateReleased
}

func copyReservation(r *Reservation) *Reservation {
	c := *r
	c.Items = append([]Item(nil), r.Items...)
	return &c
}
