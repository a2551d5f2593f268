package payment

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	ErrIntentNotFound = errors.New("payment intent not found")
	ErrIntentExists   = errors.New("order already has a live payment intent")
)

// IntentStore keeps the order to intent mapping. Both lookups are indexed.
type IntentStore interface {
	// Create fails with ErrIntentExists if the order already has a non-void intent.
	Create(ctx context.Context, in *Intent) error
	ByOrderID(ctx context.Context, orderID string) (*Intent, error)
	ByIntentID(ctx context.Context, intentID string) (*Intent, error)
	// SetStatus moves the intent to st when allowed and reports whether it did.
	SetStatus(ctx context.Context, intentID string, st IntentStatus, at time.Time) (bool, error)
}

type MemoryIntentStore struct {
	mu      sync.RWMutex
	byID    map[string]*Intent
	byOrder map[string]string // order id -> live intent id
}

func NewMemoryIntentStore() *MemoryIntentStore {
	return &MemoryIntentStore{byID: map[string]*Intent{}, byOrder: map[string]string{}}
}

func (s *MemoryIntentStore) Create(_ context.Context, in *Intent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.byOrder[in.OrderID]; ok && s.byID[id].Status != IntentVoid {
		return ErrIntentExists
	}
	if _, ok := s.byID[in.ID]; ok {
		return ErrIntentExists
	}
	c := *in
	s.byID[in.ID] = &c
	s.byOrder[in.OrderID] = in.ID
	return nil
}

func (s *MemoryIntentStore) ByOrderID(_ context.Context, orderID string) (*Intent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byOrder[orderID]
	if !ok || s.byID[id].Status == IntentVoid {
		return nil, ErrIntentNotFound
	}
	c := *s.byID[id]
	return &c, nil
}

func (s *MemoryIntentStore) ByIntentID(_ context.Context, intentID string) (*Intent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	in, ok := s.byID[intentID]
	if !ok {
		return nil, ErrIntentNotFound
	}
	c := *in
	return &c, nil
}

func (s *MemoryIntentStore) SetStatus(_ context.Context, intentID string, st IntentStatus, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	in, ok := s.byID[intentID]
	if !ok {
		return false, ErrIntentNotFound
	}
	if !canAdvance(in.Status, st) {
		return false, nil
	}
	in.Status = st
	in.UpdatedAt = at
	return true, nil
}
