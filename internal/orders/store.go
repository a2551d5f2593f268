package orders

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

var (
	ErrNotFound       = errors.New("order not found")
	ErrAlreadyExists  = errors.New("order already exists")
	ErrStatusConflict = errors.New("order status changed concurrently")
)

// StatusUpdate carries the fields that may be set alongside a status change.
// Empty values leave the stored value alone; set values never overwrite.
type StatusUpdate struct {
	PaymentIntentID  string
	PaymentReference string
	At               time.Time
}

type Store interface {
	Create(ctx context.Context, o *Order) error
	Get(ctx context.Context, id string) (*Order, error)
	// UpdateStatus is a compare-and-swap on status. It returns
	// ErrStatusConflict when the stored status is no longer from.
	UpdateStatus(ctx context.Context, id string, from, to Status, u StatusUpdate) (*Order, error)
	// ListByOwner returns the owner's newest orders first, at most limit.
	ListByOwner(ctx context.Context, owner string, limit int) ([]*Order, error)
}

type MemoryStore struct {
	mu     sync.RWMutex
	orders map[string]*Order
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{orders: make(map[string]*Order)}
}

func (s *MemoryStore) Create(_ context.Context, o *Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orders[o.ID]; ok {
		return ErrAlreadyExists
	}
	s.orders[o.ID] = o.Clone()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	return o.Clone(), nil
}

func (s *MemoryStore) UpdateStatus(_ context.Context, id string, from, to Status, u StatusUpdate) (*Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	if o.Status != from {
		return nil, ErrStatusConflict
	}
	o.Status = to
	if o.PaymentIntentID == "" {
		o.PaymentIntentID = u.PaymentIntentID
	}
	if o.PaymentReference == "" {
		o.PaymentReference = u.PaymentReference
	}
	o.UpdatedAt = u.At
	return o.Clone(), nil
}

func (s *MemoryStore) ListByOwner(_ context.Context, owner string, limit int) ([]*Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Order
	for _, o := range s.orders {
		if o.Owner == owner {
			out = append(out, o.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
