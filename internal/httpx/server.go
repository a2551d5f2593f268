package httpx

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/ariefcatur/go-realtime-checkout/internal/events"
	"github.com/ariefcatur/go-realtime-checkout/internal/metrics"
)

// NewRouter returns the base router with the shared middleware stack,
// /healthz and /metrics. m may be nil.
func NewRouter(m *metrics.Metrics) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)
	r.Use(traceRequest)
	r.Use(m.Middleware)
	r.Use(middleware.Timeout(15 * time.Second))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", m.Handler())
	return r
}

// traceRequest carries the request id into published domain events.
func traceRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := middleware.GetReqID(r.Context()); id != "" {
			r = r.WithContext(events.WithTrace(r.Context(), id))
		}
		next.ServeHTTP(w, r)
	})
}

type Handlers struct {
	Cart     *CartHandler
	Checkout *CheckoutHandler
	Orders   *OrdersHandler
	Webhooks *WebhookHandler
}

// Mount registers every route on r. Products and the payment webhook are
// public; everything else needs a bearer token, admin routes an admin one.
func (hs Handlers) Mount(r chi.Router, jwtSecret []byte) {
	hs.Cart.RegisterPublic(r)
	hs.Webhooks.Register(r)
	r.Group(func(r chi.Router) {
		r.Use(Auth(jwtSecret))
		hs.Cart.Register(r)
		hs.Checkout.Register(r)
		hs.Orders.Register(r)
		r.Group(func(r chi.Router) {
			r.Use(RequireAdmin)
			hs.Orders.RegisterAdmin(r)
		})
	})
}
