package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"github.com/stripe/stripe-go/v76/webhook"
)

const StripeSignatureHeader = "Stripe-Signature"

type Stripe struct {
	api           *client.API
	webhookSecret string
}

func NewStripe(secretKey, webhookSecret string) *Stripe {
	sc := &client.API{}
	sc.Init(secretKey, nil)
	return &Stripe{api: sc, webhookSecret: webhookSecret}
}

func (s *Stripe) Name() string { return "stripe" }

func (s *Stripe) CreateIntent(ctx context.Context, req CreateRequest) (ProviderIntent, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(req.Amount),
		Currency: stripe.String(strings.ToLower(req.Currency)),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.IdempotencyKey)
	params.AddMetadata("order_id", req.OrderID)

	pi, err := s.api.PaymentIntents.New(params)
	if err != nil {
		var se *stripe.Error
		if errors.As(err, &se) && se.HTTPStatusCode >= 400 && se.HTTPStatusCode < 500 && se.HTTPStatusCode != http.StatusTooManyRequests {
			return ProviderIntent{}, &PermanentError{Err: err}
		}
		return ProviderIntent{}, fmt.Errorf("stripe create intent: %w", err)
	}
	return ProviderIntent{ID: pi.ID, ClientSecret: pi.ClientSecret, Status: stripeStatus(string(pi.Status))}, nil
}

// stripeObject is the part of event.data.object we need. Payment intent
// events carry the intent itself; charge events point at it.
type stripeObject struct {
	ID            string `json:"id"`
	Object        string `json:"object"`
	Status        string `json:"status"`
	PaymentIntent string `json:"payment_intent"`
}

func (s *Stripe) ParseWebhook(payload []byte, header http.Header) (WebhookEvent, error) {
	ev, err := webhook.ConstructEventWithOptions(payload, header.Get(StripeSignatureHeader), s.webhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return WebhookEvent{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if ev.Data == nil {
		return WebhookEvent{}, fmt.Errorf("%w: event %s has no data", ErrMalformedEvent, ev.ID)
	}
	var obj stripeObject
	if err := json.Unmarshal(ev.Data.Raw, &obj); err != nil {
		return WebhookEvent{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	intentID := obj.ID
	if obj.Object == "charge" {
		intentID = obj.PaymentIntent
	}
	return WebhookEvent{
		ID:       ev.ID,
		Type:     mapEventType(string(ev.Type)),
		RawType:  string(ev.Type),
		IntentID: intentID,
		Status:   obj.Status,
		Payload:  payload,
	}, nil
}

func stripeStatus(s string) IntentStatus {
	switch s {
	case "succeeded":
		return IntentSucceeded
	case "canceled":
		return IntentCanceled
	default:
		return IntentRequiresPayment
	}
}
