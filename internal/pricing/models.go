package pricing

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Line is a cart line as submitted for pricing.
type Line struct {
	SKU      string `json:"sku"`
	Quantity int    `json:"quantity"`
}

// Item is a catalog row as seen at snapshot time. Prices are minor units.
type Item struct {
	SKU       string `json:"sku"`
	Name      string `json:"name"`
	UnitPrice int64  `json:"unit_price"`
	SalePrice *int64 `json:"sale_price,omitempty"`
	Currency  string `json:"currency"`
	Active    bool   `json:"active"`
}

// Price returns the server price for the item: the sale price when one is
// set and lower than the list price.
func (it Item) Price() int64 {
	if it.SalePrice != nil && *it.SalePrice >= 0 && *it.SalePrice < it.UnitPrice {
		return *it.SalePrice
	}
	return it.UnitPrice
}

type DiscountKind string

const (
	DiscountPercentage DiscountKind = "percentage"
	DiscountFixed      DiscountKind = "fixed"
)

type Coupon struct {
	Code string       `json:"code"`
	Kind DiscountKind `json:"kind"`
	// Percent is used for percentage coupons (10 means 10%).
	Percent decimal.Decimal `json:"percent"`
	// AmountOff is used for fixed coupons, in minor units.
	AmountOff   int64     `json:"amount_off"`
	MinSubtotal int64     `json:"min_subtotal"`
	ValidFrom   time.Time `json:"valid_from"`
	ValidTo     time.Time `json:"valid_to"`
	Active      bool      `json:"active"`
	UsageLimit  *int      `json:"usage_limit,omitempty"`
	UsedCount   int       `json:"used_count"`
	// SKUs restricts the coupon to these SKUs when non-empty.
	SKUs []string `json:"skus,omitempty"`
}

// NormalizeCode is how coupon codes are keyed everywhere.
func NormalizeCode(code string) string { return strings.ToUpper(strings.TrimSpace(code)) }

type ShippingOption struct {
	ID    string `json:"id"`
	Label string `json:"label"`
	Cost  int64  `json:"cost"`
	// FreeOver waives the cost when the subtotal reaches it. Zero disables.
	FreeOver int64 `json:"free_over,omitempty"`
}

// Snapshot is an explicit read of catalog, stock, shipping and coupon state.
// Pricing never looks anything up on its own.
type Snapshot struct {
	ID         string
	CapturedAt time.Time
	Currency   string
	Items      map[string]Item
	Stock      map[string]int
	Shipping   map[string]ShippingOption
	Coupons    map[string]Coupon
}

type PricedLine struct {
	SKU       string `json:"sku"`
	Name      string `json:"name"`
	Quantity  int    `json:"quantity"`
	UnitPrice int64  `json:"unit_price"`
	LineTotal int64  `json:"line_total"`
}

// PricedOrder is the authoritative result of a pricing call.
// Total == Subtotal + ShippingCost - Discount always holds.
type PricedOrder struct {
	SnapshotID     string       `json:"snapshot_id"`
	CapturedAt     time.Time    `json:"captured_at"`
	Currency       string       `json:"currency"`
	Lines          []PricedLine `json:"lines"`
	Subtotal       int64        `json:"subtotal"`
	ShippingOption string       `json:"shipping_option"`
	ShippingCost   int64        `json:"shipping_cost"`
	CouponCode     string       `json:"coupon_code,omitempty"`
	Discount       int64        `json:"discount"`
	Total          int64        `json:"total"`
}
