package payment

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

func newSandbox() *Sandbox {
	s := NewSandbox("whsec_test")
	s.Now = func() time.Time { return fixedNow }
	return s
}

func signed(s *Sandbox, body string, at time.Time) http.Header {
	h := http.Header{}
	h.Set(SandboxSignatureHeader, s.Sign([]byte(body), at))
	return h
}

func TestSandbox_CreateIntentIdempotent(t *testing.T) {
	s := newSandbox()
	ctx := context.Background()

	a, err := s.CreateIntent(ctx, CreateRequest{OrderID: "o1", Amount: 2300, Currency: "USD", IdempotencyKey: "order:o1"})
	require.NoError(t, err)
	b, err := s.CreateIntent(ctx, CreateRequest{OrderID: "o1", Amount: 2300, Currency: "USD", IdempotencyKey: "order:o1"})
	require.NoError(t, err)
	c, err := s.CreateIntent(ctx, CreateRequest{OrderID: "o2", Amount: 100, Currency: "USD", IdempotencyKey: "order:o2"})
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.NotEqual(t, a.ID, c.ID)
	assert.Contains(t, a.ClientSecret, a.ID+"_secret_")
	assert.Equal(t, IntentRequiresPayment, a.Status)

	_, err = s.CreateIntent(ctx, CreateRequest{OrderID: "o3", Amount: -1, IdempotencyKey: "order:o3"})
	assert.True(t, IsPermanent(err))
}

func TestSandbox_ParseWebhook(t *testing.T) {
	s := newSandbox()
	body := `{"id":"evt_1","type":"payment_intent.succeeded","intent_id":"pi_1","status":"succeeded"}`

	ev, err := s.ParseWebhook([]byte(body), signed(s, body, fixedNow.Add(-time.Minute)))
	require.NoError(t, err)
	assert.Equal(t, "evt_1", ev.ID)
	assert.Equal(t, WebhookPaymentSucceeded, ev.Type)
	assert.Equal(t, "pi_1", ev.IntentID)
}

func TestSandbox_ParseWebhookRejects(t *testing.T) {
	s := newSandbox()
	body := `{"id":"evt_1","type":"payment_succeeded","intent_id":"pi_1"}`
	other := NewSandbox("someone_else")

	cases := map[string]struct {
		body   string
		header http.Header
		want   error
	}{
		"no header":     {body, http.Header{}, ErrInvalidSignature},
		"wrong secret":  {body, signed(other, body, fixedNow), ErrInvalidSignature},
		"tampered body": {body, signed(s, `{"id":"evt_2"}`, fixedNow), ErrInvalidSignature},
		"too old":       {body, signed(s, body, fixedNow.Add(-time.Hour)), ErrInvalidSignature},
		"from future":   {body, signed(s, body, fixedNow.Add(time.Hour)), ErrInvalidSignature},
		"not json":      {"nope", signed(s, "nope", fixedNow), ErrMalformedEvent},
		"missing ids":   {`{"type":"payment_succeeded"}`, signed(s, `{"type":"payment_succeeded"}`, fixedNow), ErrMalformedEvent},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := s.ParseWebhook([]byte(tc.body), tc.header)
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestMapEventType(t *testing.T) {
	assert.Equal(t, WebhookPaymentFailed, mapEventType("payment_intent.payment_failed"))
	assert.Equal(t, WebhookPaymentCanceled, mapEventType("payment_canceled"))
	assert.Equal(t, WebhookRefunded, mapEventType("charge.refunded"))
	assert.Equal(t, WebhookOther, mapEventType("customer.created"))
}
