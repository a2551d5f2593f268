package httpx

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ariefcatur/go-realtime-checkout/internal/payment"
	"github.com/ariefcatur/go-realtime-checkout/internal/webhook"
)

const maxWebhookBody = 64 << 10

type WebhookVerifier interface {
	ParseWebhook(payload []byte, header http.Header) (payment.WebhookEvent, error)
}

type WebhookReconciler interface {
	Handle(ctx context.Context, ev payment.WebhookEvent) (webhook.Outcome, error)
}

// WebhookHandler is mounted outside Auth; the provider signature is the
// only credential.
type WebhookHandler struct {
	Verifier   WebhookVerifier
	Reconciler WebhookReconciler
	Logger     *slog.Logger
}

func (h *WebhookHandler) Register(r chi.Router) {
	r.Post("/webhooks/payment", h.receive)
}

func (h *WebhookHandler) receive(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "body too large", nil)
		return
	}

	ev, err := h.Verifier.ParseWebhook(body, r.Header)
	if err != nil {
		h.logger().WarnContext(r.Context(), "webhook rejected", slog.Any("err", err))
		if errors.Is(err, payment.ErrInvalidSignature) {
			writeError(w, http.StatusBadRequest, "invalid signature", nil)
			return
		}
		writeError(w, http.StatusBadRequest, "malformed event", nil)
		return
	}

	out, err := h.Reconciler.Handle(r.Context(), ev)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"status": string(out)})
	case webhook.IsUnrecoverable(err):
		h.logger().WarnContext(r.Context(), "webhook ignored", slog.String("event_id", ev.ID), slog.Any("err", err))
		writeJSON(w, http.StatusOK, map[string]string{"status": string(webhook.OutcomeIgnored)})
	default:
		h.logger().ErrorContext(r.Context(), "webhook not processed", slog.String("event_id", ev.ID), slog.Any("err", err))
		writeError(w, http.StatusServiceUnavailable, "retry later", nil)
	}
}

func (h *WebhookHandler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}
