package payment

import (
	"context"
	"errors"
	"net/http"
	"time"
)

type IntentStatus string

const (
	IntentRequiresPayment IntentStatus = "requires_payment"
	IntentSucceeded       IntentStatus = "succeeded"
	IntentFailed          IntentStatus = "failed"
	IntentCanceled        IntentStatus = "canceled"
	IntentRefunded        IntentStatus = "refunded"
	IntentVoid            IntentStatus = "void"
)

// advancesFrom lists, per target status, the statuses an intent may move
// out of. Anything else is a stale report and is ignored.
var advancesFrom = map[IntentStatus][]IntentStatus{
	IntentSucceeded: {IntentRequiresPayment, IntentFailed},
	IntentFailed:    {IntentRequiresPayment},
	IntentCanceled:  {IntentRequiresPayment, IntentFailed},
	IntentRefunded:  {IntentSucceeded},
	IntentVoid:      {IntentRequiresPayment, IntentFailed},
}

func canAdvance(from, to IntentStatus) bool {
	for _, s := range advancesFrom[to] {
		if s == from {
			return true
		}
	}
	return false
}

// Intent is the local mirror of a provider payment intent. Amount and
// Currency are fixed at creation.
type Intent struct {
	ID           string       `json:"id"`
	OrderID      string       `json:"order_id"`
	Amount       int64        `json:"amount"`
	Currency     string       `json:"currency"`
	Status       IntentStatus `json:"status"`
	ClientSecret string       `json:"-"`
	Provider     string       `json:"provider"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

type CreateRequest struct {
	OrderID        string
	Amount         int64
	Currency       string
	IdempotencyKey string
}

type ProviderIntent struct {
	ID           string
	ClientSecret string
	Status       IntentStatus
}

type WebhookEventType string

const (
	WebhookPaymentSucceeded WebhookEventType = "payment_succeeded"
	WebhookPaymentFailed    WebhookEventType = "payment_failed"
	WebhookPaymentCanceled  WebhookEventType = "payment_canceled"
	WebhookRefunded         WebhookEventType = "refunded"
	WebhookOther            WebhookEventType = "other"
)

// WebhookEvent is a verified provider notification.
type WebhookEvent struct {
	ID       string
	Type     WebhookEventType
	RawType  string
	IntentID string
	Status   string
	Payload  []byte
}

// Provider is the external payment processor.
type Provider interface {
	Name() string
	CreateIntent(ctx context.Context, req CreateRequest) (ProviderIntent, error)
	// ParseWebhook verifies the signature before decoding anything.
	ParseWebhook(payload []byte, header http.Header) (WebhookEvent, error)
}

var (
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrMalformedEvent   = errors.New("malformed webhook event")
)

// PermanentError marks a provider failure that retrying will not fix.
type PermanentError struct{ Err error }

func (e *PermanentError) Error() string { return "permanent: " + e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// mapEventType accepts both the local names and the provider's dotted names.
func mapEventType(raw string) WebhookEventType {
	switch raw {
	case "payment_succeeded", "payment_intent.succeeded":
		return WebhookPaymentSucceeded
	case "payment_failed", "payment_intent.payment_failed":
		return WebhookPaymentFailed
	case "payment_canceled", "payment_intent.canceled":
		return WebhookPaymentCanceled
	case "refunded", "charge.refunded":
		return WebhookRefunded
	default:
		return WebhookOther
	}
}
