package pricing

import (
	"errors"
	"fmt"
)

type ErrorCode string

const (
	CodeEmptyCart           ErrorCode = "empty_cart"
	CodeInvalidQuantity     ErrorCode = "invalid_quantity"
	CodeUnknownSKU          ErrorCode = "sku_unknown"
	CodeInactiveSKU         ErrorCode = "sku_inactive"
	CodeCurrencyMismatch    ErrorCode = "currency_mismatch"
	CodeInsufficientStock   ErrorCode = "insufficient_stock"
	CodeUnknownShipping     ErrorCode = "shipping_unknown"
	CodeCouponUnknown       ErrorCode = "coupon_unknown"
	CodeCouponInactive      ErrorCode = "coupon_inactive"
	CodeCouponExpired       ErrorCode = "coupon_expired"
	CodeCouponExhausted     ErrorCode = "coupon_exhausted"
	CodeCouponNotApplicable ErrorCode = "coupon_not_applicable"
)

// Error is a user-correctable pricing rejection.
type Error struct {
	Code   ErrorCode
	SKU    string
	Detail string
}

func (e *Error) Error() string {
	msg := "pricing: " + string(e.Code)
	if e.SKU != "" {
		msg += " sku=" + e.SKU
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

// IsCoupon reports whether the rejection is about the coupon.
func (e *Error) IsCoupon() bool {
	switch e.Code {
	case CodeCouponUnknown, CodeCouponInactive, CodeCouponExpired, CodeCouponExhausted, CodeCouponNotApplicable:
		return true
	}
	return false
}

func reject(code ErrorCode, sku, format string, args ...any) *Error {
	return &Error{Code: code, SKU: sku, Detail: fmt.Sprintf(format, args...)}
}

var ErrCouponNotFound = errors.New("coupon not found")
