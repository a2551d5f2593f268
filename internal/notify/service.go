package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	kafkago "github.com/segmentio/kafka-go"

	"github.com/ariefcatur/go-realtime-checkout/internal/events"
	kafkax "github.com/ariefcatur/go-realtime-checkout/internal/kafka"
	"github.com/ariefcatur/go-realtime-checkout/internal/money"
	"github.com/ariefcatur/go-realtime-checkout/internal/redisx"
)

// Notification is one message to a customer or to operations.
type Notification struct {
	EventID  string
	OrderID  string
	Owner    string
	Kind     string
	Message  string
	Audience string // "customer" or "ops"
	At       time.Time
}

type Sender interface {
	Send(ctx context.Context, n Notification) error
}

// LogSender writes each notification as a structured log line.
type LogSender struct{ Logger *slog.Logger }

func (s LogSender) Send(ctx context.Context, n Notification) error {
	l := s.Logger
	if l == nil {
		l = slog.Default()
	}
	l.InfoContext(ctx, "notification",
		slog.String("audience", n.Audience),
		slog.String("kind", n.Kind),
		slog.String("order_id", n.OrderID),
		slog.String("owner", n.Owner),
		slog.String("event_id", n.EventID),
		slog.String("message", n.Message))
	return nil
}

// Service consumes order domain events and notifies once per event id.
type Service struct {
	Redis       redis.Cmdable
	Sender      Sender
	ServiceName string // dedup namespace
	Logger      *slog.Logger
	// OnHandled is called per event with "sent", "duplicate" or "skipped".
	OnHandled func(eventType, result string)
}

// HandleMessage is the kafka consumer handler. A nil return commits the
// offset; malformed messages are logged and committed.
func (s *Service) HandleMessage(ctx context.Context, m kafkago.Message) error {
	env, err := kafkax.DecodeMessage(m)
	if err != nil {
		s.logger().WarnContext(ctx, "dropping undecodable message", slog.Any("err", err))
		return nil
	}
	return s.Handle(ctx, env)
}

func (s *Service) Handle(ctx context.Context, env events.Envelope) error {
	n, ok, err := notificationFor(env)
	if err != nil {
		s.logger().WarnContext(ctx, "dropping malformed event", slog.String("event_id", env.EventID), slog.Any("err", err))
		return nil
	}
	if !ok {
		s.handled(env.EventType, "skipped")
		return nil
	}

	// Claim the event id first so concurrent redeliveries send once.
	dkey := fmt.Sprintf(redisx.KeyDedup, s.namespace(), env.EventID)
	claimed, err := s.Redis.SetNX(ctx, dkey, "1", redisx.TTLDedup).Result()
	if err != nil {
		return fmt.Errorf("dedup %s: %w", env.EventID, err)
	}
	if !claimed {
		s.handled(env.EventType, "duplicate")
		return nil
	}

	if err := s.Sender.Send(ctx, n); err != nil {
		if derr := s.Redis.Del(context.WithoutCancel(ctx), dkey).Err(); derr != nil {
			s.logger().WarnContext(ctx, "release dedup key", slog.String("event_id", env.EventID), slog.Any("err", derr))
		}
		return fmt.Errorf("send notification for %s: %w", env.EventID, err)
	}
	s.handled(env.EventType, "sent")
	return nil
}

var customerMessages = map[string]string{
	"paid":           "Payment received for order %s (%s). We are preparing it.",
	"payment_failed": "Payment for order %s (%s) did not go through. You can retry from your order page.",
	"cancelled":      "Order %s (%s) was cancelled.",
	"refunded":       "Order %s was refunded (%s).",
	"completed":      "Order %s (%s) is complete. Thank you!",
}

var errUnknownEvent = errors.New("unsupported event version")

func notificationFor(env events.Envelope) (Notification, bool, error) {
	if env.EventVersion > 1 {
		return Notification{}, false, fmt.Errorf("%w: %s v%d", errUnknownEvent, env.EventType, env.EventVersion)
	}
	switch env.EventType {
	case events.EventOrderStatusChanged:
		p, err := events.Unwrap[events.StatusChangedPayload](env.Payload)
		if err != nil {
			return Notification{}, false, err
		}
		tmpl, ok := customerMessages[p.To]
		if !ok {
			return Notification{}, false, nil
		}
		return Notification{
			EventID:  env.EventID,
			OrderID:  p.OrderID,
			Owner:    p.Owner,
			Kind:     "order_" + p.To,
			Message:  fmt.Sprintf(tmpl, p.OrderID, money.Format(p.Total, p.Currency)),
			Audience: "customer",
			At:       env.OccurredAt,
		}, true, nil

	case events.EventStockShortfall:
		p, err := events.Unwrap[events.StockShortfallPayload](env.Payload)
		if err != nil {
			return Notification{}, false, err
		}
		return Notification{
			EventID:  env.EventID,
			OrderID:  p.OrderID,
			Kind:     "stock_shortfall",
			Message:  fmt.Sprintf("Order %s is paid but has no stock allocated: %s", p.OrderID, p.Reason),
			Audience: "ops",
			At:       env.OccurredAt,
		}, true, nil
	}
	return Notification{}, false, nil
}

func (s *Service) namespace() string {
	if s.ServiceName != "" {
		return s.ServiceName
	}
	return "notifier"
}

func (s *Service) handled(eventType, result string) {
	if s.OnHandled != nil {
		s.OnHandled(eventType, result)
	}
}

func (s *Service) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}
