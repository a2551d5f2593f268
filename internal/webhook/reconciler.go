package webhook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ariefcatur/go-realtime-checkout/internal/orders"
	"github.com/ariefcatur/go-realtime-checkout/internal/payment"
)

type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeDuplicate Outcome = "duplicate"
	// OutcomeNoop means the order already reflects the event, or can no
	// longer take it.
	OutcomeNoop     Outcome = "noop"
	OutcomeIgnored  Outcome = "ignored"
	OutcomeInFlight Outcome = "in_flight"
	OutcomeFailed   Outcome = "failed"
)

var (
	// ErrUnrecoverable marks events that must be acknowledged and never
	// retried, such as events for intents this service did not create.
	ErrUnrecoverable = errors.New("webhook event cannot be processed")
	// ErrTransient asks the provider to redeliver.
	ErrTransient = errors.New("webhook event processing failed, retry")
)

// IsUnrecoverable reports whether err should be acknowledged anyway.
func IsUnrecoverable(err error) bool { return errors.Is(err, ErrUnrecoverable) }

type Intents interface {
	LookupByIntentID(ctx context.Context, intentID string) (*orders.Order, *payment.Intent, error)
	RecordStatus(ctx context.Context, intentID string, st payment.IntentStatus) error
}

type Transitioner interface {
	Apply(ctx context.Context, id string, ev orders.Event, m orders.Meta) (*orders.Order, error)
	Settle(ctx context.Context, id string, ev orders.Event) error
}

// Reconciler turns verified provider events into order transitions, at most
// once per event id.
type Reconciler struct {
	Ledger  Ledger
	Intents Intents
	Orders  Transitioner
	Logger  *slog.Logger
	// OnOutcome is called once per Handle, e.g. to count outcomes.
	OnOutcome func(ev payment.WebhookEvent, out Outcome)
}

// Handle processes one event. A nil error means acknowledge. Errors wrap
// ErrUnrecoverable (acknowledge, do not retry) or ErrTransient (retry).
func (r *Reconciler) Handle(ctx context.Context, ev payment.WebhookEvent) (Outcome, error) {
	out, err := r.handle(ctx, ev)
	if r.OnOutcome != nil {
		r.OnOutcome(ev, out)
	}
	return out, err
}

func (r *Reconciler) handle(ctx context.Context, ev payment.WebhookEvent) (Outcome, error) {
	log := r.logger().With(slog.String("event_id", ev.ID), slog.String("event_type", string(ev.Type)), slog.String("intent_id", ev.IntentID))

	claim, err := r.Ledger.Claim(ctx, ev.ID)
	if err != nil {
		return OutcomeFailed, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	switch claim {
	case AlreadyDone:
		log.DebugContext(ctx, "duplicate webhook delivery")
		return OutcomeDuplicate, nil
	case InFlight:
		return OutcomeInFlight, fmt.Errorf("%w: event %s is being processed", ErrTransient, ev.ID)
	}

	out, err := r.process(ctx, ev, log)
	if err != nil && !IsUnrecoverable(err) {
		if aerr := r.Ledger.Abandon(context.WithoutCancel(ctx), ev.ID); aerr != nil {
			log.WarnContext(ctx, "abandon webhook lease", slog.Any("err", aerr))
		}
		log.WarnContext(ctx, "webhook processing failed, awaiting redelivery", slog.Any("err", err))
		return OutcomeFailed, fmt.Errorf("%w: %v", ErrTransient, err)
	}

	// The transition is done. A failed Complete only costs a redelivery,
	// which ends as a no-op.
	if cerr := r.Ledger.Complete(context.WithoutCancel(ctx), ev.ID); cerr != nil {
		log.WarnContext(ctx, "record webhook event", slog.Any("err", cerr))
	}
	return out, err
}

func (r *Reconciler) process(ctx context.Context, ev payment.WebhookEvent, log *slog.Logger) (Outcome, error) {
	orderEvent, intentStatus, ok := mapEvent(ev.Type)
	if !ok {
		log.DebugContext(ctx, "webhook event type not handled", slog.String("raw_type", ev.RawType))
		return OutcomeIgnored, nil
	}

	o, in, err := r.Intents.LookupByIntentID(ctx, ev.IntentID)
	if errors.Is(err, payment.ErrUnknownIntent) {
		log.WarnContext(ctx, "webhook for unknown payment intent ignored")
		return OutcomeIgnored, fmt.Errorf("%w: %v", ErrUnrecoverable, err)
	}
	if err != nil {
		return OutcomeFailed, fmt.Errorf("lookup intent %s: %w", ev.IntentID, err)
	}
	log = log.With(slog.String("order_id", o.ID))

	if err := r.Intents.RecordStatus(ctx, in.ID, intentStatus); err != nil {
		return OutcomeFailed, fmt.Errorf("record intent status: %w", err)
	}

	meta := orders.Meta{PaymentIntentID: in.ID, Reason: ev.RawType}
	if orderEvent == orders.EventPaymentSucceeded {
		meta.PaymentReference = in.ID
	}
	_, err = r.Orders.Apply(ctx, o.ID, orderEvent, meta)

	var invalid *orders.InvalidTransitionError
	var effect *orders.EffectError
	switch {
	case err == nil:
		return OutcomeApplied, nil
	case errors.As(err, &invalid) && invalid.AlreadyApplied():
		// A redelivery after a crash between status write and effect lands
		// here; finish the effect before acknowledging.
		if serr := r.Orders.Settle(ctx, o.ID, orderEvent); serr != nil {
			return OutcomeFailed, fmt.Errorf("settle %s: %w", orderEvent, serr)
		}
		return OutcomeNoop, nil
	case errors.As(err, &invalid):
		lvl := slog.LevelInfo
		if orderEvent == orders.EventPaymentSucceeded {
			// Money was taken for an order that can no longer be paid.
			lvl = slog.LevelWarn
		}
		log.Log(ctx, lvl, "webhook event does not apply to order status", slog.String("status", string(invalid.From)))
		return OutcomeNoop, nil
	case errors.As(err, &effect):
		return OutcomeFailed, err
	case errors.Is(err, orders.ErrNotFound):
		return OutcomeIgnored, fmt.Errorf("%w: %v", ErrUnrecoverable, err)
	default:
		return OutcomeFailed, err
	}
}

func mapEvent(t payment.WebhookEventType) (orders.Event, payment.IntentStatus, bool) {
	switch t {
	case payment.WebhookPaymentSucceeded:
		return orders.EventPaymentSucceeded, payment.IntentSucceeded, true
	case payment.WebhookPaymentFailed:
		return orders.EventPaymentFailed, payment.IntentFailed, true
	case payment.WebhookPaymentCanceled:
		return orders.EventCancel, payment.IntentCanceled, true
	case payment.WebhookRefunded:
		return orders.EventRefund, payment.IntentRefunded, true
	}
	return "", "", false
}

func (r *Reconciler) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}
