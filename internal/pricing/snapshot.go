package pricing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Catalog is the read side of the catalog service.
type Catalog interface {
	Items(ctx context.Context, skus []string) (map[string]Item, error)
	ShippingOptions(ctx context.Context) (map[string]ShippingOption, error)
}

// Coupons looks up a coupon by normalized code. ErrCouponNotFound when absent.
type Coupons interface {
	Lookup(ctx context.Context, code string) (*Coupon, error)
}

// StockReader reports current availability per SKU.
type StockReader interface {
	Available(ctx context.Context, skus []string) (map[string]int, error)
}

// Snapshotter captures everything Price needs in one explicit read.
type Snapshotter struct {
	Catalog  Catalog
	Coupons  Coupons
	Stock    StockReader
	Currency string
	Now      func() time.Time
}

func (s *Snapshotter) Take(ctx context.Context, lines []Line, couponCode string) (*Snapshot, error) {
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	skus := make([]string, 0, len(lines))
	seen := map[string]bool{}
	for _, l := range lines {
		sku := strings.TrimSpace(l.SKU)
		if sku != "" && !seen[sku] {
			seen[sku] = true
			skus = append(skus, sku)
		}
	}

	items, err := s.Catalog.Items(ctx, skus)
	if err != nil {
		return nil, fmt.Errorf("catalog items: %w", err)
	}
	shipping, err := s.Catalog.ShippingOptions(ctx)
	if err != nil {
		return nil, fmt.Errorf("shipping options: %w", err)
	}
	stock, err := s.Stock.Available(ctx, skus)
	if err != nil {
		return nil, fmt.Errorf("stock: %w", err)
	}

	snap := &Snapshot{
		ID:         uuid.NewString(),
		CapturedAt: now().UTC(),
		Currency:   strings.ToUpper(s.Currency),
		Items:      items,
		Stock:      stock,
		Shipping:   shipping,
		Coupons:    map[string]Coupon{},
	}
	if code := NormalizeCode(couponCode); code != "" {
		c, err := s.Coupons.Lookup(ctx, code)
		switch {
		case errors.Is(err, ErrCouponNotFound):
			// Price reports it as coupon_unknown.
		case err != nil:
			return nil, fmt.Errorf("coupon %s: %w", code, err)
		default:
			snap.Coupons[code] = *c
		}
	}
	return snap, nil
}
