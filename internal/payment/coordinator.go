package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/ariefcatur/go-realtime-checkout/internal/orders"
)

var (
	// ErrUnknownIntent means no order matches the intent. Retrying will not help.
	ErrUnknownIntent  = errors.New("no order for payment intent")
	ErrAmountMismatch = errors.New("intent amount differs from order total")
	ErrNotPayable     = errors.New("order is not awaiting payment")
)

type OrderReader interface {
	Get(ctx context.Context, id string) (*orders.Order, error)
}

// Coordinator ties exactly one live provider intent to each order.
type Coordinator struct {
	Provider Provider
	Store    IntentStore
	Orders   OrderReader
	Logger   *slog.Logger
	Now      func() time.Time

	inflight singleflight.Group
}

// CreateIntent returns the order's intent, creating it on first call. The
// order id is the provider idempotency key, so concurrent or repeated calls
// converge on one intent.
func (c *Coordinator) CreateIntent(ctx context.Context, o *orders.Order) (*Intent, error) {
	v, err, _ := c.inflight.Do(o.ID, func() (any, error) {
		return c.createIntent(ctx, o)
	})
	if err != nil {
		return nil, err
	}
	in := *v.(*Intent)
	return &in, nil
}

func (c *Coordinator) createIntent(ctx context.Context, o *orders.Order) (*Intent, error) {
	existing, err := c.Store.ByOrderID(ctx, o.ID)
	switch {
	case err == nil:
		if existing.Amount != o.Total || existing.Currency != o.Currency {
			return nil, fmt.Errorf("%w: order %s total %d %s, intent %s %d %s", ErrAmountMismatch,
				o.ID, o.Total, o.Currency, existing.ID, existing.Amount, existing.Currency)
		}
		return existing, nil
	case !errors.Is(err, ErrIntentNotFound):
		return nil, fmt.Errorf("lookup intent for order %s: %w", o.ID, err)
	}

	if o.Status != orders.StatusDraft && o.Status != orders.StatusAwaitingPayment {
		return nil, fmt.Errorf("%w: order %s is %s", ErrNotPayable, o.ID, o.Status)
	}

	pi, err := c.Provider.CreateIntent(ctx, CreateRequest{
		OrderID:        o.ID,
		Amount:         o.Total,
		Currency:       o.Currency,
		IdempotencyKey: "order:" + o.ID,
	})
	if err != nil {
		return nil, err
	}

	now := c.now()
	in := &Intent{
		ID:           pi.ID,
		OrderID:      o.ID,
		Amount:       o.Total,
		Currency:     o.Currency,
		Status:       pi.Status,
		ClientSecret: pi.ClientSecret,
		Provider:     c.Provider.Name(),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := c.Store.Create(ctx, in); err != nil {
		if errors.Is(err, ErrIntentExists) {
			return c.Store.ByOrderID(ctx, o.ID)
		}
		return nil, fmt.Errorf("store intent %s: %w", in.ID, err)
	}
	c.logger().InfoContext(ctx, "payment intent created",
		slog.String("order_id", o.ID),
		slog.String("intent_id", in.ID),
		slog.Int64("amount", in.Amount),
		slog.String("currency", in.Currency))
	return in, nil
}

// LookupByIntentID resolves an intent to its order. ErrUnknownIntent when
// either side is missing; any other error is transient.
func (c *Coordinator) LookupByIntentID(ctx context.Context, intentID string) (*orders.Order, *Intent, error) {
	in, err := c.Store.ByIntentID(ctx, intentID)
	if errors.Is(err, ErrIntentNotFound) {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownIntent, intentID)
	}
	if err != nil {
		return nil, nil, err
	}
	o, err := c.Orders.Get(ctx, in.OrderID)
	if errors.Is(err, orders.ErrNotFound) {
		return nil, nil, fmt.Errorf("%w: %s (order %s)", ErrUnknownIntent, intentID, in.OrderID)
	}
	if err != nil {
		return nil, nil, err
	}
	return o, in, nil
}

// RecordStatus mirrors a provider status change. Stale reports are ignored.
func (c *Coordinator) RecordStatus(ctx context.Context, intentID string, st IntentStatus) error {
	changed, err := c.Store.SetStatus(ctx, intentID, st, c.now())
	if err != nil {
		return err
	}
	if !changed {
		c.logger().DebugContext(ctx, "intent status unchanged", slog.String("intent_id", intentID), slog.String("status", string(st)))
	}
	return nil
}

func (c *Coordinator) now() time.Time {
	if c.Now != nil {
		return c.Now().UTC()
	}
	return time.Now().UTC()
}

func (c *Coordinator) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}
