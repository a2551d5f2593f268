package payment

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const SandboxSignatureHeader = "Checkout-Signature"

// Sandbox is a local provider for development and tests. Webhooks are signed
// as "t=<unix>,v1=<hex hmac-sha256(secret, t + "." + body)>".
type Sandbox struct {
	secret    []byte
	Tolerance time.Duration
	Now       func() time.Time

	mu    sync.Mutex
	byKey map[string]ProviderIntent
	// Fail makes CreateIntent return it, for exercising retries.
	Fail error
}

func NewSandbox(secret string) *Sandbox {
	return &Sandbox{
		secret:    []byte(secret),
		Tolerance: 5 * time.Minute,
		Now:       time.Now,
		byKey:     make(map[string]ProviderIntent),
	}
}

func (s *Sandbox) Name() string { return "sandbox" }

// CreateIntent returns the same intent for a repeated idempotency key.
func (s *Sandbox) CreateIntent(_ context.Context, req CreateRequest) (ProviderIntent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return ProviderIntent{}, s.Fail
	}
	if req.Amount < 0 {
		return ProviderIntent{}, &PermanentError{Err: fmt.Errorf("negative amount %d", req.Amount)}
	}
	if pi, ok := s.byKey[req.IdempotencyKey]; ok {
		return pi, nil
	}
	id := "pi_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	pi := ProviderIntent{
		ID:           id,
		ClientSecret: id + "_secret_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16],
		Status:       IntentRequiresPayment,
	}
	s.byKey[req.IdempotencyKey] = pi
	return pi, nil
}

// Sign produces the signature header value for payload at time at.
func (s *Sandbox) Sign(payload []byte, at time.Time) string {
	ts := strconv.FormatInt(at.Unix(), 10)
	return "t=" + ts + ",v1=" + s.mac(ts, payload)
}

func (s *Sandbox) mac(ts string, payload []byte) string {
	h := hmac.New(sha256.New, s.secret)
	h.Write([]byte(ts))
	h.Write([]byte("."))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

type sandboxEvent struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	IntentID string `json:"intent_id"`
	Status   string `json:"status"`
}

func (s *Sandbox) ParseWebhook(payload []byte, header http.Header) (WebhookEvent, error) {
	var ts, sig string
	for _, part := range strings.Split(header.Get(SandboxSignatureHeader), ",") {
		k, v, _ := strings.Cut(strings.TrimSpace(part), "=")
		switch k {
		case "t":
			ts = v
		case "v1":
			sig = v
		}
	}
	if ts == "" || sig == "" {
		return WebhookEvent{}, fmt.Errorf("%w: missing t or v1", ErrInvalidSignature)
	}
	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return WebhookEvent{}, fmt.Errorf("%w: bad timestamp", ErrInvalidSignature)
	}
	if age := s.Now().Sub(time.Unix(unix, 0)); age > s.Tolerance || age < -s.Tolerance {
		return WebhookEvent{}, fmt.Errorf("%w: timestamp outside tolerance", ErrInvalidSignature)
	}
	if !hmac.Equal([]byte(sig), []byte(s.mac(ts, payload))) {
		return WebhookEvent{}, fmt.Errorf("%w: mismatch", ErrInvalidSignature)
	}

	var ev sandboxEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return WebhookEvent{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if ev.ID == "" || ev.IntentID == "" {
		return WebhookEvent{}, fmt.Errorf("%w: id and intent_id are required", ErrMalformedEvent)
	}
	return WebhookEvent{
		ID:       ev.ID,
		Type:     mapEventType(ev.Type),
		RawType:  ev.Type,
		IntentID: ev.IntentID,
		Status:   ev.Status,
		Payload:  payload,
	}, nil
}
