package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ariefcatur/go-realtime-checkout/internal/checkout"
	"github.com/ariefcatur/go-realtime-checkout/internal/pricing"
)

const HeaderIdempotencyKey = "Idempotency-Key"

type Checkouter interface {
	Checkout(ctx context.Context, req checkout.Request) (*checkout.Result, error)
}

type CheckoutHandler struct {
	Checkout Checkouter
	Logger   *slog.Logger
}

type checkoutReq struct {
	ShippingOption string         `json:"shipping_option"`
	CouponCode     string         `json:"coupon_code,omitempty"`
	Lines          []pricing.Line `json:"lines,omitempty"`
}

func (h *CheckoutHandler) Register(r chi.Router) {
	r.Post("/checkout", h.checkout)
}

func (h *CheckoutHandler) checkout(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFrom(r.Context())
	var req checkoutReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid json", nil)
		return
	}
	key := strings.TrimSpace(r.Header.Get(HeaderIdempotencyKey))
	if len(key) > 128 {
		writeError(w, http.StatusBadRequest, "idempotency key too long", nil)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	res, err := h.Checkout.Checkout(ctx, checkout.Request{
		Owner:          p.Subject,
		Lines:          req.Lines,
		ShippingOption: req.ShippingOption,
		CouponCode:     req.CouponCode,
		IdempotencyKey: key,
	})
	if err != nil {
		h.writeCheckoutError(ctx, w, p.Subject, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (h *CheckoutHandler) writeCheckoutError(ctx context.Context, w http.ResponseWriter, owner string, err error) {
	var ce *checkout.Error
	if !errors.As(err, &ce) {
		h.logger().ErrorContext(ctx, "checkout", slog.String("owner", owner), slog.Any("err", err))
		writeError(w, http.StatusInternalServerError, "internal error", nil)
		return
	}
	body := &errorBody{Reason: string(ce.Reason), Code: string(ce.Code), SKU: ce.SKU}
	code := statusForCheckout(ce)
	if code >= http.StatusInternalServerError {
		h.logger().ErrorContext(ctx, "checkout failed", slog.String("owner", owner), slog.String("reason", string(ce.Reason)), slog.Any("err", err))
		writeError(w, code, "checkout failed", body)
		return
	}
	writeError(w, code, ce.Error(), body)
}

func statusForCheckout(ce *checkout.Error) int {
	switch ce.Reason {
	case checkout.ReasonOutOfStock, checkout.ReasonInProgress:
		return http.StatusConflict
	case checkout.ReasonPaymentSetupFailed:
		return http.StatusBadGateway
	case checkout.ReasonCatalogUnavailable, checkout.ReasonCartUnavailable, checkout.ReasonIdempotencyConflict:
		return http.StatusServiceUnavailable
	}
	if ce.UserCorrectable() {
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func (h *CheckoutHandler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}
