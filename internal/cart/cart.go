package cart

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ariefcatur/go-realtime-checkout/internal/pricing"
)

const MaxQuantity = 999

var (
	ErrInvalidQuantity = errors.New("quantity must be between 0 and 999")
	ErrInvalidSKU      = errors.New("sku is required")
)

// Store keeps one cart per owner. Carts idle longer than their TTL vanish.
type Store interface {
	Get(ctx context.Context, owner string) ([]pricing.Line, error)
	// SetQuantity sets a line's quantity; 0 removes the line.
	SetQuantity(ctx context.Context, owner, sku string, qty int) error
	// Remove subtracts the given quantities, dropping lines that reach zero.
	// Lines added or raised after the caller read the cart survive.
	Remove(ctx context.Context, owner string, lines []pricing.Line) error
	Clear(ctx context.Context, owner string) error
}

func validate(sku string, qty int) (string, error) {
	sku = strings.TrimSpace(sku)
	if sku == "" {
		return "", ErrInvalidSKU
	}
	if qty < 0 || qty > MaxQuantity {
		return "", ErrInvalidQuantity
	}
	return sku, nil
}

func sortLines(lines []pricing.Line) []pricing.Line {
	sort.Slice(lines, func(i, j int) bool { return lines[i].SKU < lines[j].SKU })
	return lines
}

type memoryCart struct {
	lines   map[string]int
	touched time.Time
}

type MemoryStore struct {
	mu    sync.Mutex
	carts map[string]*memoryCart
	TTL   time.Duration
	Now   func() time.Time
}

func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{carts: make(map[string]*memoryCart), TTL: ttl, Now: time.Now}
}

// live returns the owner's cart, dropping it first if it went idle.
func (s *MemoryStore) live(owner string) *memoryCart {
	c, ok := s.carts[owner]
	if !ok {
		return nil
	}
	if s.TTL > 0 && s.Now().Sub(c.touched) >= s.TTL {
		delete(s.carts, owner)
		return nil
	}
	return c
}

func (s *MemoryStore) Get(_ context.Context, owner string) ([]pricing.Line, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.live(owner)
	if c == nil {
		return nil, nil
	}
	lines := make([]pricing.Line, 0, len(c.lines))
	for sku, q := range c.lines {
		lines = append(lines, pricing.Line{SKU: sku, Quantity: q})
	}
	return sortLines(lines), nil
}

func (s *MemoryStore) SetQuantity(_ context.Context, owner, sku string, qty int) error {
	sku, err := validate(sku, qty)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.live(owner)
	if c == nil {
		if qty == 0 {
			return nil
		}
		c = &memoryCart{lines: make(map[string]int)}
		s.carts[owner] = c
	}
	if qty == 0 {
		delete(c.lines, sku)
	} else {
		c.lines[sku] = qty
	}
	c.touched = s.Now()
	if len(c.lines) == 0 {
		delete(s.carts, owner)
	}
	return nil
}

func (s *MemoryStore) Clear(_ context.Context, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.carts, owner)
	return nil
}

func (s *MemoryStore) Remove(_ context.Context, owner string, lines []pricing.Line) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.live(owner)
	if c == nil {
		return nil
	}
	for _, l := range lines {
		if left := c.lines[l.SKU] - l.Quantity; left > 0 {
			c.lines[l.SKU] = left
		} else {
			delete(c.lines, l.SKU)
		}
	}
	c.touched = s.Now()
	if len(c.lines) == 0 {
		delete(s.carts, owner)
	}
	return nil
}
