package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ariefcatur/go-realtime-checkout/internal/cart"
	"github.com/ariefcatur/go-realtime-checkout/internal/pricing"
)

type ProductLister interface {
	List(ctx context.Context) ([]pricing.Item, error)
}

type CartHandler struct {
	Carts    cart.Store
	Products ProductLister
	Logger   *slog.Logger
}

type cartResp struct {
	Lines []pricing.Line `json:"lines"`
}

type setQuantityReq struct {
	Quantity *int `json:"quantity"`
}

// RegisterPublic mounts routes that need no caller.
func (h *CartHandler) RegisterPublic(r chi.Router) {
	r.Get("/products", h.listProducts)
}

func (h *CartHandler) Register(r chi.Router) {
	r.Get("/cart", h.getCart)
	r.Put("/cart/items/{sku}", h.setQuantity)
	r.Delete("/cart", h.clearCart)
}

func (h *CartHandler) listProducts(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	ps, err := h.Products.List(ctx)
	if err != nil {
		h.logger().ErrorContext(ctx, "list products", slog.Any("err", err))
		writeError(w, http.StatusInternalServerError, "internal error", nil)
		return
	}
	if ps == nil {
		ps = []pricing.Item{}
	}
	writeJSON(w, http.StatusOK, ps)
}

func (h *CartHandler) getCart(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFrom(r.Context())
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	h.respondCart(ctx, w, p.Subject)
}

func (h *CartHandler) setQuantity(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFrom(r.Context())
	var req setQuantityReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Quantity == nil {
		writeError(w, http.StatusBadRequest, "quantity is required", nil)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	err := h.Carts.SetQuantity(ctx, p.Subject, chi.URLParam(r, "sku"), *req.Quantity)
	switch {
	case errors.Is(err, cart.ErrInvalidQuantity), errors.Is(err, cart.ErrInvalidSKU):
		writeError(w, http.StatusBadRequest, err.Error(), &errorBody{Reason: "invalid_cart"})
		return
	case err != nil:
		h.logger().ErrorContext(ctx, "set cart quantity", slog.String("owner", p.Subject), slog.Any("err", err))
		writeError(w, http.StatusInternalServerError, "internal error", nil)
		return
	}
	h.respondCart(ctx, w, p.Subject)
}

func (h *CartHandler) clearCart(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFrom(r.Context())
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	if err := h.Carts.Clear(ctx, p.Subject); err != nil {
		h.logger().ErrorContext(ctx, "clear cart", slog.String("owner", p.Subject), slog.Any("err", err))
		writeError(w, http.StatusInternalServerError, "internal error", nil)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *CartHandler) respondCart(ctx context.Context, w http.ResponseWriter, owner string) {
	lines, err := h.Carts.Get(ctx, owner)
	if err != nil {
		h.logger().ErrorContext(ctx, "get cart", slog.String("owner", owner), slog.Any("err", err))
		writeError(w, http.StatusInternalServerError, "internal error", nil)
		return
	}
	if lines == nil {
		lines = []pricing.Line{}
	}
	writeJSON(w, http.StatusOK, cartResp{Lines: lines})
}

func (h *CartHandler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}
