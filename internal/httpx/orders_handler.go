package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ariefcatur/go-realtime-checkout/internal/orders"
	"github.com/ariefcatur/go-realtime-checkout/internal/redisx"
)

type OrderReader interface {
	Get(ctx context.Context, id string) (*orders.Order, error)
	ListByOwner(ctx context.Context, owner string, limit int) ([]*orders.Order, error)
}

type OrderTransitioner interface {
	Apply(ctx context.Context, id string, ev orders.Event, m orders.Meta) (*orders.Order, error)
	Settle(ctx context.Context, id string, ev orders.Event) error
}

type OrdersHandler struct {
	Orders      OrderReader
	Transitions OrderTransitioner
	Cache       *redisx.StatusCache // optional
	Logger      *slog.Logger
}

// Register mounts the owner routes. Admin routes go through RegisterAdmin.
func (h *OrdersHandler) Register(r chi.Router) {
	r.Get("/orders", h.listOrders)
	r.Get("/orders/{id}", h.getOrder)
	r.Get("/orders/{id}/detail", h.getOrderDetail)
}

func (h *OrdersHandler) RegisterAdmin(r chi.Router) {
	r.Post("/admin/orders/{id}/fulfillment", h.transition(orders.EventFulfillmentStarted))
	r.Post("/admin/orders/{id}/complete", h.transition(orders.EventFulfillmentCompleted))
	r.Post("/admin/orders/{id}/cancel", h.transition(orders.EventCancel))
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
	Code   string `json:"code,omitempty"`
	SKU    string `json:"sku,omitempty"`
}

func writeError(w http.ResponseWriter, code int, msg string, detail *errorBody) {
	body := errorBody{Error: msg}
	if detail != nil {
		body = *detail
		body.Error = msg
	}
	writeJSON(w, code, body)
}

// getOrder serves the status view, from the cache when it is warm.
func (h *OrdersHandler) getOrder(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFrom(r.Context())
	orderID := chi.URLParam(r, "id")

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	if h.Cache != nil {
		cs, ok, err := h.Cache.Get(ctx, orderID)
		if err != nil {
			h.logger().WarnContext(ctx, "status cache read", slog.String("order_id", orderID), slog.Any("err", err))
		}
		if ok {
			if !canRead(p, cs.Owner) {
				writeError(w, http.StatusNotFound, "not found", nil)
				return
			}
			writeJSON(w, http.StatusOK, cs)
			return
		}
	}

	o, ok := h.load(w, r.WithContext(ctx), p, orderID)
	if !ok {
		return
	}
	cs := statusView(o)
	if h.Cache != nil {
		if _, err := h.Cache.Set(ctx, cs); err != nil {
			h.logger().WarnContext(ctx, "status cache write", slog.String("order_id", orderID), slog.Any("err", err))
		}
	}
	writeJSON(w, http.StatusOK, cs)
}

func (h *OrdersHandler) getOrderDetail(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFrom(r.Context())
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	if o, ok := h.load(w, r.WithContext(ctx), p, chi.URLParam(r, "id")); ok {
		writeJSON(w, http.StatusOK, o)
	}
}

func (h *OrdersHandler) listOrders(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFrom(r.Context())
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 100 {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 100", nil)
			return
		}
		limit = n
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	list, err := h.Orders.ListByOwner(ctx, p.Subject, limit)
	if err != nil {
		h.logger().ErrorContext(ctx, "list orders", slog.String("owner", p.Subject), slog.Any("err", err))
		writeError(w, http.StatusInternalServerError, "internal error", nil)
		return
	}
	if list == nil {
		list = []*orders.Order{}
	}
	writeJSON(w, http.StatusOK, list)
}

type transitionReq struct {
	Reason string `json:"reason"`
}

func (h *OrdersHandler) transition(ev orders.Event) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req transitionReq
		if r.ContentLength > 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, http.StatusBadRequest, "invalid json", nil)
				return
			}
		}
		if req.Reason == "" {
			req.Reason = "admin"
		}
		orderID := chi.URLParam(r, "id")

		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		o, err := h.Transitions.Apply(ctx, orderID, ev, orders.Meta{Reason: req.Reason})
		var ite *orders.InvalidTransitionError
		if errors.As(err, &ite) && ite.AlreadyApplied() {
			// A repeat of an accepted call finishes its stock effect.
			err = h.Transitions.Settle(ctx, orderID, ev)
		}
		var ee *orders.EffectError
		switch {
		case err == nil:
			writeJSON(w, http.StatusOK, o)
		case errors.Is(err, orders.ErrNotFound):
			writeError(w, http.StatusNotFound, "not found", nil)
		case errors.As(err, &ite):
			writeError(w, http.StatusConflict, err.Error(), &errorBody{Reason: "invalid_transition"})
		case errors.As(err, &ee):
			// The status is written; repeating the call retries the stock effect.
			h.logger().ErrorContext(ctx, "transition effect failed", slog.String("order_id", orderID), slog.Any("err", err))
			writeError(w, http.StatusAccepted, "status updated, stock effect pending", &errorBody{Reason: "effect_pending"})
		default:
			h.logger().ErrorContext(ctx, "apply transition", slog.String("order_id", orderID), slog.String("event", string(ev)), slog.Any("err", err))
			writeError(w, http.StatusInternalServerError, "internal error", nil)
		}
	}
}

// load fetches an order the caller may read, writing the error response
// when it cannot.
func (h *OrdersHandler) load(w http.ResponseWriter, r *http.Request, p Principal, id string) (*orders.Order, bool) {
	o, err := h.Orders.Get(r.Context(), id)
	if errors.Is(err, orders.ErrNotFound) || (err == nil && !canRead(p, o.Owner)) {
		writeError(w, http.StatusNotFound, "not found", nil)
		return nil, false
	}
	if err != nil {
		h.logger().ErrorContext(r.Context(), "get order", slog.String("order_id", id), slog.Any("err", err))
		writeError(w, http.StatusInternalServerError, "internal error", nil)
		return nil, false
	}
	return o, true
}

// Other owners get 404 rather than 403 so ids cannot be probed.
func canRead(p Principal, owner string) bool {
	return p.IsAdmin() || (p.Subject != "" && p.Subject == owner)
}

func statusView(o *orders.Order) redisx.CachedStatus {
	return redisx.CachedStatus{
		OrderID:   o.ID,
		Owner:     o.Owner,
		Status:    string(o.Status),
		Total:     o.Total,
		Currency:  o.Currency,
		UpdatedAt: o.UpdatedAt,
	}
}

func (h *OrdersHandler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}
