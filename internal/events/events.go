package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	EventOrderCreated       = "OrderCreated"
	EventOrderStatusChanged = "OrderStatusChanged"
	EventStockShortfall     = "StockShortfall"
)

const (
	TopicOrderCreated       = "order.created"
	TopicOrderStatusChanged = "order.status_changed"
	TopicStockShortfall     = "order.stock_shortfall"
)

// Envelope wraps every domain event published by the checkout core.
type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	EventVersion  int             `json:"event_version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Producer      string          `json:"producer"`
	TraceID       string          `json:"trace_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"` // order id
	Payload       json.RawMessage `json:"payload"`
}

type traceKey struct{}

// WithTrace attaches a trace id (the request id) to ctx for envelopes
// published further down.
func WithTrace(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, traceKey{}, id)
}

func TraceFrom(ctx context.Context) string {
	id, _ := ctx.Value(traceKey{}).(string)
	return id
}

// Publisher delivers envelopes to whatever bus is configured.
type Publisher interface {
	Publish(ctx context.Context, env Envelope) error
}

// New builds a v1 envelope for the given order.
func New(eventType, producer, orderID string, payload any) (Envelope, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	return Envelope{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		EventVersion:  1,
		OccurredAt:    time.Now().UTC(),
		Producer:      producer,
		CorrelationID: orderID,
		Payload:       b,
	}, nil
}

// TopicFor maps an event type to its topic (or routing key).
func TopicFor(eventType string) string {
	switch eventType {
	case EventOrderCreated:
		return TopicOrderCreated
	case EventOrderStatusChanged:
		return TopicOrderStatusChanged
	case EventStockShortfall:
		return TopicStockShortfall
	default:
		return "order.unknown"
	}
}

// PartitionKey keeps all events of one order on one partition.
func PartitionKey(orderID string) []byte { return []byte(orderID) }

// Unwrap decodes an envelope payload.
func Unwrap[T any](payload json.RawMessage) (T, error) {
	var t T
	if err := json.Unmarshal(payload, &t); err != nil {
		return t, fmt.Errorf("decode payload: %w", err)
	}
	return t, nil
}

type OrderCreatedPayload struct {
	OrderID  string `json:"order_id"`
	Owner    string `json:"owner"`
	Total    int64  `json:"total"`
	Currency string `json:"currency"`
	Lines    int    `json:"lines"`
}

type StatusChangedPayload struct {
	OrderID  string `json:"order_id"`
	Owner    string `json:"owner"`
	From     string `json:"from"`
	To       string `json:"to"`
	Trigger  string `json:"trigger"`
	Total    int64  `json:"total"`
	Currency string `json:"currency"`
	Reason   string `json:"reason,omitempty"`
}

type StockShortfallPayload struct {
	OrderID string `json:"order_id"`
	Reason  string `json:"reason"`
}

// Nop drops every event.
type Nop struct{}

func (Nop) Publish(context.Context, Envelope) error { return nil }
