package orders

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ariefcatur/go-realtime-checkout/internal/events"
	"github.com/ariefcatur/go-realtime-checkout/internal/inventory"
	"github.com/ariefcatur/go-realtime-checkout/internal/pricing"
)

const maxCASAttempts = 5

// StockEffects is the slice of the inventory ledger transitions drive.
type StockEffects interface {
	Commit(ctx context.Context, orderID string) error
	Reclaim(ctx context.Context, orderID string) error
	Release(ctx context.Context, orderID string) error
	Restock(ctx context.Context, orderID string) error
}

// CouponRedeemer counts coupon uses per order. Both calls are idempotent
// per (code, order).
type CouponRedeemer interface {
	Redeem(ctx context.Context, code, orderID string) error
	Unredeem(ctx context.Context, code, orderID string) error
}

// StatusCache drops cached status views. updatedAt is the order's new
// UpdatedAt; views older than it must not be cached again.
type StatusCache interface {
	Invalidate(ctx context.Context, orderID string, updatedAt time.Time) error
}

// Meta is extra data recorded with a transition.
type Meta struct {
	PaymentIntentID  string
	PaymentReference string
	Reason           string
}

// EffectError means the status was written but its side effect failed.
// Settle re-runs the effect.
type EffectError struct {
	OrderID string
	Effect  Effect
	Err     error
}

func (e *EffectError) Error() string {
	return fmt.Sprintf("order %s: %s failed: %v", e.OrderID, e.Effect, e.Err)
}

func (e *EffectError) Unwrap() error { return e.Err }

// Service is the only writer of order status.
type Service struct {
	Store   Store
	Stock   StockEffects
	Coupons CouponRedeemer // optional
	Events  events.Publisher
	Cache   StatusCache // optional

	// Restock controls whether refunds and cancellations of paid orders
	// return committed stock to the pool.
	Restock  bool
	Producer string
	Logger   *slog.Logger
	Now      func() time.Time
	// OnTransition is called after each status write, e.g. to count it.
	OnTransition func(from, to Status)
}

// Create stores a draft order after checking its frozen amounts. A coupon
// use is claimed for the order up front, like a stock hold, so a limited
// coupon cannot discount more open orders than it has uses left.
func (s *Service) Create(ctx context.Context, o *Order) error {
	if o.Status != StatusDraft {
		return fmt.Errorf("new order %s must be draft, got %s", o.ID, o.Status)
	}
	if err := o.Validate(); err != nil {
		return err
	}
	if err := s.claimCoupon(ctx, o); err != nil {
		return err
	}
	if err := s.Store.Create(ctx, o); err != nil {
		if !errors.Is(err, ErrAlreadyExists) {
			s.unclaimCoupon(context.WithoutCancel(ctx), o)
		}
		return fmt.Errorf("create order %s: %w", o.ID, err)
	}
	s.publish(ctx, events.EventOrderCreated, o.ID, events.OrderCreatedPayload{
		OrderID: o.ID, Owner: o.Owner, Total: o.Total, Currency: o.Currency, Lines: len(o.Lines),
	})
	return nil
}

func (s *Service) Get(ctx context.Context, id string) (*Order, error) {
	return s.Store.Get(ctx, id)
}

// Apply runs ev against the order. The status write is a compare-and-swap;
// losing a race reloads the order and re-evaluates ev against the new
// status, which may turn it into an *InvalidTransitionError.
func (s *Service) Apply(ctx context.Context, id string, ev Event, m Meta) (*Order, error) {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		cur, err := s.Store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		to, effect, err := Next(cur.Status, ev)
		if err != nil {
			return cur, err
		}

		updated, err := s.Store.UpdateStatus(ctx, id, cur.Status, to, StatusUpdate{
			PaymentIntentID:  m.PaymentIntentID,
			PaymentReference: m.PaymentReference,
			At:               s.now(),
		})
		if errors.Is(err, ErrStatusConflict) {
			s.logger().DebugContext(ctx, "order status race, re-evaluating",
				slog.String("order_id", id), slog.String("event", string(ev)))
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("update order %s: %w", id, err)
		}

		s.logger().InfoContext(ctx, "order transition",
			slog.String("order_id", id),
			slog.String("event", string(ev)),
			slog.String("from", string(cur.Status)),
			slog.String("to", string(to)),
			slog.String("effect", string(effect)))

		if s.OnTransition != nil {
			s.OnTransition(cur.Status, to)
		}
		s.invalidate(ctx, id, updated.UpdatedAt)
		s.publish(ctx, events.EventOrderStatusChanged, id, events.StatusChangedPayload{
			OrderID: id, Owner: updated.Owner, From: string(cur.Status), To: string(to),
			Trigger: string(ev), Total: updated.Total, Currency: updated.Currency, Reason: m.Reason,
		})

		if err := s.runEffect(ctx, updated, effect); err != nil {
			return updated, err
		}
		return updated, nil
	}
	return nil, fmt.Errorf("order %s: %w after %d attempts", id, ErrStatusConflict, maxCASAttempts)
}

// Settle re-runs the side effect of ev for an order already in ev's target
// status. Effects are idempotent, so this is safe after a crash between the
// status write and the effect.
func (s *Service) Settle(ctx context.Context, id string, ev Event) error {
	o, err := s.Store.Get(ctx, id)
	if err != nil {
		return err
	}
	if to, ok := TargetOf(ev); !ok || o.Status != to {
		return nil
	}
	var effect Effect
	switch ev {
	case EventPaymentSucceeded:
		effect = EffectCommitStock
	case EventPaymentFailed:
		effect = EffectReleaseStock
	case EventRefund:
		effect = EffectRestock
	case EventCancel:
		effect = EffectReleaseStock
		if o.PaymentReference != "" {
			effect = EffectRestock
		}
	default:
		return nil
	}
	return s.runEffect(ctx, o, effect)
}

// ReleaseCoupon gives back the coupon use claimed by an order that can no
// longer be paid through its hold: a lapsed reservation or an abandoned
// checkout. Orders that reached paid keep their use.
func (s *Service) ReleaseCoupon(ctx context.Context, id string) error {
	if s.Coupons == nil {
		return nil
	}
	o, err := s.Store.Get(ctx, id)
	if err != nil {
		return err
	}
	if o.CouponCode == "" || o.Status.paidFor() {
		return nil
	}
	if err := s.Coupons.Unredeem(ctx, o.CouponCode, o.ID); err != nil {
		return fmt.Errorf("release coupon %s: %w", o.CouponCode, err)
	}
	// A payment may have landed while the use was being returned.
	if o, err = s.Store.Get(ctx, id); err == nil && o.Status.paidFor() {
		return s.redeem(ctx, o)
	}
	return nil
}

func (s *Service) runEffect(ctx context.Context, o *Order, effect Effect) error {
	var err error
	switch effect {
	case EffectNone:
		return nil
	case EffectCommitStock:
		err = s.commit(ctx, o)
		if err == nil {
			err = s.redeem(ctx, o)
		}
	case EffectReleaseStock:
		err = s.Stock.Release(ctx, o.ID)
		if errors.Is(err, inventory.ErrReservationNotFound) {
			err = nil
		}
		if err == nil && o.CouponCode != "" && s.Coupons != nil {
			if uerr := s.Coupons.Unredeem(ctx, o.CouponCode, o.ID); uerr != nil {
				err = fmt.Errorf("release coupon %s: %w", o.CouponCode, uerr)
			}
		}
	case EffectRestock:
		if !s.Restock {
			s.logger().InfoContext(ctx, "restock disabled, stock stays committed", slog.String("order_id", o.ID))
			return nil
		}
		err = s.Stock.Restock(ctx, o.ID)
		if errors.Is(err, inventory.ErrReservationNotFound) {
			err = nil
		}
	}
	if err != nil {
		return &EffectError{OrderID: o.ID, Effect: effect, Err: err}
	}
	return nil
}

// commit turns the order's hold into sold stock. A hold that was released
// first, by expiry or by an earlier failed payment, is taken again if the
// stock is still there; otherwise the paid order is reported as a shortfall.
func (s *Service) commit(ctx context.Context, o *Order) error {
	err := s.Stock.Commit(ctx, o.ID)
	if !errors.Is(err, inventory.ErrReservationReleased) {
		return err
	}
	err = s.Stock.Reclaim(ctx, o.ID)
	var se *inventory.InsufficientStockError
	if !errors.As(err, &se) {
		if err == nil {
			s.logger().InfoContext(ctx, "released reservation reclaimed for paid order", slog.String("order_id", o.ID))
		}
		return err
	}
	s.logger().WarnContext(ctx, "paid order lost its reservation",
		slog.String("order_id", o.ID), slog.String("sku", se.SKU))
	s.publish(ctx, events.EventStockShortfall, o.ID, events.StockShortfallPayload{
		OrderID: o.ID, Reason: "reservation released and stock taken before payment confirmed",
	})
	return nil
}

func (s *Service) claimCoupon(ctx context.Context, o *Order) error {
	if o.CouponCode == "" || s.Coupons == nil {
		return nil
	}
	err := s.Coupons.Redeem(ctx, o.CouponCode, o.ID)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, pricing.ErrCouponExhausted):
		return fmt.Errorf("claim coupon for order %s: %w", o.ID,
			&pricing.Error{Code: pricing.CodeCouponExhausted, Detail: fmt.Sprintf("code %q has no uses left", o.CouponCode)})
	case errors.Is(err, pricing.ErrCouponNotFound):
		return fmt.Errorf("claim coupon for order %s: %w", o.ID,
			&pricing.Error{Code: pricing.CodeCouponUnknown, Detail: fmt.Sprintf("code %q", o.CouponCode)})
	default:
		return fmt.Errorf("claim coupon %s: %w", o.CouponCode, err)
	}
}

func (s *Service) unclaimCoupon(ctx context.Context, o *Order) {
	if o.CouponCode == "" || s.Coupons == nil {
		return
	}
	if err := s.Coupons.Unredeem(ctx, o.CouponCode, o.ID); err != nil {
		s.logger().WarnContext(ctx, "release coupon claim", slog.String("order_id", o.ID), slog.Any("err", err))
	}
}

// redeem makes sure a paid order holds its coupon use. The use is normally
// still claimed from checkout; it can be gone after a failed payment.
func (s *Service) redeem(ctx context.Context, o *Order) error {
	if o.CouponCode == "" || s.Coupons == nil {
		return nil
	}
	err := s.Coupons.Redeem(ctx, o.CouponCode, o.ID)
	if errors.Is(err, pricing.ErrCouponExhausted) {
		s.logger().WarnContext(ctx, "coupon exhausted before paid order could reclaim it",
			slog.String("order_id", o.ID), slog.String("coupon", o.CouponCode))
		return nil
	}
	if err != nil {
		return fmt.Errorf("redeem coupon %s: %w", o.CouponCode, err)
	}
	return nil
}

func (s *Service) publish(ctx context.Context, eventType, orderID string, payload any) {
	if s.Events == nil {
		return
	}
	env, err := events.New(eventType, s.Producer, orderID, payload)
	if err == nil {
		env.TraceID = events.TraceFrom(ctx)
		err = s.Events.Publish(ctx, env)
	}
	if err != nil {
		s.logger().WarnContext(ctx, "publish domain event failed",
			slog.String("order_id", orderID), slog.String("event_type", eventType), slog.Any("err", err))
	}
}

func (s *Service) invalidate(ctx context.Context, id string, at time.Time) {
	if s.Cache == nil {
		return
	}
	if err := s.Cache.Invalidate(ctx, id, at); err != nil {
		s.logger().WarnContext(ctx, "invalidate order status cache", slog.String("order_id", id), slog.Any("err", err))
	}
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func (s *Service) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}
