package orders

import (
	"errors"
	"fmt"
	"time"

	"github.com/ariefcatur/go-realtime-checkout/internal/pricing"
)

// Line is a frozen copy of a priced cart line. It is never recomputed.
type Line struct {
	SKU       string `json:"sku"`
	Name      string `json:"name"`
	Quantity  int    `json:"quantity"`
	UnitPrice int64  `json:"unit_price"`
	LineTotal int64  `json:"line_total"`
}

// Order amounts are minor units of Currency. Only Status, PaymentIntentID
// and PaymentReference change after creation.
type Order struct {
	ID               string    `json:"id"`
	Owner            string    `json:"owner"`
	Status           Status    `json:"status"`
	Currency         string    `json:"currency"`
	Lines            []Line    `json:"lines"`
	Subtotal         int64     `json:"subtotal"`
	ShippingOption   string    `json:"shipping_option"`
	ShippingCost     int64     `json:"shipping_cost"`
	CouponCode       string    `json:"coupon_code,omitempty"`
	Discount         int64     `json:"discount"`
	Total            int64     `json:"total"`
	SnapshotID       string    `json:"snapshot_id"`
	PaymentIntentID  string    `json:"payment_intent_id,omitempty"`
	PaymentReference string    `json:"payment_reference,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

var ErrTotalMismatch = errors.New("order totals do not add up")

// NewDraft freezes a priced order into a draft.
func NewDraft(id, owner string, po *pricing.PricedOrder, now time.Time) *Order {
	lines := make([]Line, len(po.Lines))
	for i, l := range po.Lines {
		lines[i] = Line{SKU: l.SKU, Name: l.Name, Quantity: l.Quantity, UnitPrice: l.UnitPrice, LineTotal: l.LineTotal}
	}
	return &Order{
		ID:             id,
		Owner:          owner,
		Status:         StatusDraft,
		Currency:       po.Currency,
		Lines:          lines,
		Subtotal:       po.Subtotal,
		ShippingOption: po.ShippingOption,
		ShippingCost:   po.ShippingCost,
		CouponCode:     po.CouponCode,
		Discount:       po.Discount,
		Total:          po.Total,
		SnapshotID:     po.SnapshotID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// Validate checks the frozen amounts.
func (o *Order) Validate() error {
	if o.ID == "" || o.Owner == "" {
		return errors.New("order id and owner are required")
	}
	if len(o.Lines) == 0 {
		return errors.New("order has no lines")
	}
	var sum int64
	for _, l := range o.Lines {
		if l.Quantity <= 0 || l.LineTotal != l.UnitPrice*int64(l.Quantity) {
			return fmt.Errorf("%w: line %s", ErrTotalMismatch, l.SKU)
		}
		sum += l.LineTotal
	}
	if sum != o.Subtotal || o.Total != o.Subtotal+o.ShippingCost-o.Discount || o.Total < 0 {
		return fmt.Errorf("%w: subtotal=%d shipping=%d discount=%d total=%d", ErrTotalMismatch, o.Subtotal, o.ShippingCost, o.Discount, o.Total)
	}
	return nil
}

// Clone returns a deep copy.
func (o *Order) Clone() *Order {
	c := *o
	c.Lines = append([]Line(nil), o.Lines...)
	return &c
}
