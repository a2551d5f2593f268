package checkout

import (
	"errors"
	"fmt"

	"github.com/ariefcatur/go-realtime-checkout/internal/inventory"
	"github.com/ariefcatur/go-realtime-checkout/internal/pricing"
)

// Reason is the machine-readable cause of a failed checkout.
type Reason string

const (
	ReasonEmptyCart           Reason = "empty_cart"
	ReasonInvalidCart         Reason = "invalid_cart"
	ReasonInvalidShipping     Reason = "invalid_shipping"
	ReasonInvalidCoupon       Reason = "invalid_coupon"
	ReasonOutOfStock          Reason = "out_of_stock"
	ReasonCartUnavailable     Reason = "cart_unavailable"
	ReasonCatalogUnavailable  Reason = "catalog_unavailable"
	ReasonReservationFailed   Reason = "reservation_failed"
	ReasonOrderFailed         Reason = "order_failed"
	ReasonPaymentSetupFailed  Reason = "payment_setup_failed"
	ReasonInProgress          Reason = "in_progress"
	ReasonIdempotencyConflict Reason = "idempotency_unavailable"
	ReasonIdempotencyMismatch Reason = "idempotency_key_reused"
)

// Error wraps the failing step's cause. Code and SKU carry pricing or
// stock detail when there is one.
type Error struct {
	Reason Reason
	Code   pricing.ErrorCode
	SKU    string
	Err    error
}

func (e *Error) Error() string {
	msg := "checkout: " + string(e.Reason)
	if e.SKU != "" {
		msg += " sku=" + e.SKU
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// UserCorrectable reports whether the caller can fix the request.
func (e *Error) UserCorrectable() bool {
	switch e.Reason {
	case ReasonEmptyCart, ReasonInvalidCart, ReasonInvalidShipping, ReasonInvalidCoupon, ReasonOutOfStock,
		ReasonIdempotencyMismatch:
		return true
	}
	return false
}

func fail(reason Reason, err error) *Error {
	return &Error{Reason: reason, Err: err}
}

// classify maps a pricing or stock rejection to a checkout error.
func classify(err error) *Error {
	var pe *pricing.Error
	if errors.As(err, &pe) {
		ce := &Error{Code: pe.Code, SKU: pe.SKU, Err: err}
		switch {
		case pe.IsCoupon():
			ce.Reason = ReasonInvalidCoupon
		case pe.Code == pricing.CodeEmptyCart:
			ce.Reason = ReasonEmptyCart
		case pe.Code == pricing.CodeUnknownShipping:
			ce.Reason = ReasonInvalidShipping
		case pe.Code == pricing.CodeInsufficientStock:
			ce.Reason = ReasonOutOfStock
		default:
			ce.Reason = ReasonInvalidCart
		}
		return ce
	}
	var se *inventory.InsufficientStockError
	if errors.As(err, &se) {
		return &Error{Reason: ReasonOutOfStock, Code: pricing.CodeInsufficientStock, SKU: se.SKU, Err: err}
	}
	if errors.Is(err, inventory.ErrUnknownSKU) {
		return &Error{Reason: ReasonInvalidCart, Code: pricing.CodeUnknownSKU, Err: err}
	}
	return fail(ReasonReservationFailed, fmt.Errorf("unexpected: %w", err))
}
