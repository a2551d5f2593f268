package pricing

import (
	"context"
	"errors"
	"sort"
	"sync"
)

var ErrCouponExhausted = errors.New("coupon usage limit reached")

// StaticCatalog is an in-memory catalog and coupon service. It backs the
// memory store mode and tests.
type StaticCatalog struct {
	mu       sync.RWMutex
	items    map[string]Item
	shipping map[string]ShippingOption
	coupons  map[string]Coupon
	redeemed map[string]bool // code|order
}

func NewStaticCatalog() *StaticCatalog {
	return &StaticCatalog{
		items:    map[string]Item{},
		shipping: map[string]ShippingOption{},
		coupons:  map[string]Coupon{},
		redeemed: map[string]bool{},
	}
}

func (c *StaticCatalog) PutItem(it Item) {
	c.mu.Lock()
	c.items[it.SKU] = it
	c.mu.Unlock()
}

func (c *StaticCatalog) PutShipping(o ShippingOption) {
	c.mu.Lock()
	c.shipping[o.ID] = o
	c.mu.Unlock()
}

func (c *StaticCatalog) PutCoupon(cp Coupon) {
	cp.Code = NormalizeCode(cp.Code)
	c.mu.Lock()
	c.coupons[cp.Code] = cp
	c.mu.Unlock()
}

func (c *StaticCatalog) Items(_ context.Context, skus []string) (map[string]Item, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]Item, len(skus))
	for _, s := range skus {
		if it, ok := c.items[s]; ok {
			out[s] = it
		}
	}
	return out, nil
}

// List returns active items ordered by SKU.
func (c *StaticCatalog) List(context.Context) ([]Item, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Item, 0, len(c.items))
	for _, it := range c.items {
		if it.Active {
			out = append(out, it)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SKU < out[j].SKU })
	return out, nil
}

func (c *StaticCatalog) ShippingOptions(context.Context) (map[string]ShippingOption, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]ShippingOption, len(c.shipping))
	for k, v := range c.shipping {
		out[k] = v
	}
	return out, nil
}

func (c *StaticCatalog) Lookup(_ context.Context, code string) (*Coupon, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cp, ok := c.coupons[NormalizeCode(code)]
	if !ok {
		return nil, ErrCouponNotFound
	}
	cp.SKUs = append([]string(nil), cp.SKUs...)
	return &cp, nil
}

// Redeem counts one use of code for orderID. Repeats for the same order are
// no-ops.
func (c *StaticCatalog) Redeem(_ context.Context, code, orderID string) error {
	code = NormalizeCode(code)
	c.mu.Lock()
	defer c.mu.Unlock()
	cp, ok := c.coupons[code]
	if !ok {
		return ErrCouponNotFound
	}
	key := code + "|" + orderID
	if c.redeemed[key] {
		return nil
	}
	if cp.UsageLimit != nil && cp.UsedCount >= *cp.UsageLimit {
		return ErrCouponExhausted
	}
	cp.UsedCount++
	c.coupons[code] = cp
	c.redeemed[key] = true
	return nil
}

// Unredeem returns the use orderID claimed, if any.
func (c *StaticCatalog) Unredeem(_ context.Context, code, orderID string) error {
	code = NormalizeCode(code)
	c.mu.Lock()
	defer c.mu.Unlock()
	key := code + "|" + orderID
	if !c.redeemed[key] {
		return nil
	}
	delete(c.redeemed, key)
	if cp, ok := c.coupons[code]; ok && cp.UsedCount > 0 {
		cp.UsedCount--
		c.coupons[code] = cp
	}
	return nil
}
