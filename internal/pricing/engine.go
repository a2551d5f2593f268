package pricing

import (
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ariefcatur/go-realtime-checkout/internal/money"
)

var hundred = decimal.NewFromInt(100)

// Price computes the authoritative total for lines against snap. It reads
// nothing but its arguments, so equal inputs give equal outputs.
func Price(snap *Snapshot, lines []Line, shippingOption, couponCode string) (*PricedOrder, error) {
	if len(lines) == 0 {
		return nil, reject(CodeEmptyCart, "", "no lines")
	}
	merged, err := mergeLines(lines)
	if err != nil {
		return nil, err
	}

	ship, ok := snap.Shipping[shippingOption]
	if !ok {
		return nil, reject(CodeUnknownShipping, "", "option %q", shippingOption)
	}

	out := &PricedOrder{
		SnapshotID:     snap.ID,
		CapturedAt:     snap.CapturedAt,
		Currency:       snap.Currency,
		Lines:          make([]PricedLine, 0, len(merged)),
		ShippingOption: ship.ID,
	}
	for _, l := range merged {
		it, ok := snap.Items[l.SKU]
		if !ok {
			return nil, reject(CodeUnknownSKU, l.SKU, "not in catalog")
		}
		if !it.Active {
			return nil, reject(CodeInactiveSKU, l.SKU, "deactivated")
		}
		if !strings.EqualFold(it.Currency, snap.Currency) {
			return nil, reject(CodeCurrencyMismatch, l.SKU, "item priced in %s, checkout in %s", it.Currency, snap.Currency)
		}
		if avail := snap.Stock[l.SKU]; l.Quantity > avail {
			return nil, reject(CodeInsufficientStock, l.SKU, "requested %d, available %d", l.Quantity, avail)
		}
		unit := it.Price()
		lt := unit * int64(l.Quantity)
		out.Lines = append(out.Lines, PricedLine{
			SKU: l.SKU, Name: it.Name, Quantity: l.Quantity, UnitPrice: unit, LineTotal: lt,
		})
		out.Subtotal += lt
	}

	discount := decimal.Zero
	if code := NormalizeCode(couponCode); code != "" {
		c, ok := snap.Coupons[code]
		if !ok {
			return nil, reject(CodeCouponUnknown, "", "code %q", code)
		}
		discount, err = couponDiscount(c, snap.CapturedAt, out)
		if err != nil {
			return nil, err
		}
		out.CouponCode = c.Code
	}

	out.ShippingCost = ship.Cost
	if ship.FreeOver > 0 && out.Subtotal >= ship.FreeOver {
		out.ShippingCost = 0
	}

	// Rounding happens once, on the total. Discount is derived from it so the
	// stored fields always add up.
	exact := money.FromMinor(out.Subtotal).Add(money.FromMinor(out.ShippingCost)).Sub(discount)
	out.Total = money.RoundMinor(exact)
	out.Discount = out.Subtotal + out.ShippingCost - out.Total
	return out, nil
}

// mergeLines folds repeated SKUs together, keeping first-seen order.
func mergeLines(lines []Line) ([]Line, error) {
	idx := make(map[string]int, len(lines))
	out := make([]Line, 0, len(lines))
	for _, l := range lines {
		sku := strings.TrimSpace(l.SKU)
		if sku == "" {
			return nil, reject(CodeUnknownSKU, "", "empty sku")
		}
		if l.Quantity <= 0 {
			return nil, reject(CodeInvalidQuantity, sku, "quantity %d", l.Quantity)
		}
		if i, ok := idx[sku]; ok {
			out[i].Quantity += l.Quantity
			continue
		}
		idx[sku] = len(out)
		out = append(out, Line{SKU: sku, Quantity: l.Quantity})
	}
	return out, nil
}

func couponDiscount(c Coupon, at time.Time, po *PricedOrder) (decimal.Decimal, error) {
	switch {
	case !c.Active:
		return decimal.Zero, reject(CodeCouponInactive, "", "code %q", c.Code)
	case !c.ValidFrom.IsZero() && at.Before(c.ValidFrom):
		return decimal.Zero, reject(CodeCouponExpired, "", "code %q not valid until %s", c.Code, c.ValidFrom.Format(time.RFC3339))
	case !c.ValidTo.IsZero() && at.After(c.ValidTo):
		return decimal.Zero, reject(CodeCouponExpired, "", "code %q expired at %s", c.Code, c.ValidTo.Format(time.RFC3339))
	case c.UsageLimit != nil && c.UsedCount >= *c.UsageLimit:
		return decimal.Zero, reject(CodeCouponExhausted, "", "code %q used %d of %d", c.Code, c.UsedCount, *c.UsageLimit)
	case po.Subtotal < c.MinSubtotal:
		return decimal.Zero, reject(CodeCouponNotApplicable, "", "subtotal %d below minimum %d", po.Subtotal, c.MinSubtotal)
	}

	base := po.Subtotal
	if len(c.SKUs) > 0 {
		base = 0
		for _, l := range po.Lines {
			if slices.Contains(c.SKUs, l.SKU) {
				base += l.LineTotal
			}
		}
		if base == 0 {
			return decimal.Zero, reject(CodeCouponNotApplicable, "", "code %q does not cover any cart line", c.Code)
		}
	}

	var d decimal.Decimal
	switch c.Kind {
	case DiscountPercentage:
		d = money.FromMinor(base).Mul(c.Percent).Div(hundred)
	case DiscountFixed:
		d = money.FromMinor(c.AmountOff)
	default:
		return decimal.Zero, reject(CodeCouponNotApplicable, "", "unsupported kind %q", c.Kind)
	}
	if d.IsNegative() {
		d = decimal.Zero
	}
	if limit := money.FromMinor(base); d.GreaterThan(limit) {
		d = limit
	}
	return d, nil
}
