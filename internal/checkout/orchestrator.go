package checkout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/ariefcatur/go-realtime-checkout/internal/inventory"
	"github.com/ariefcatur/go-realtime-checkout/internal/orders"
	"github.com/ariefcatur/go-realtime-checkout/internal/payment"
	"github.com/ariefcatur/go-realtime-checkout/internal/pricing"
)

type Carts interface {
	Get(ctx context.Context, owner string) ([]pricing.Line, error)
	Remove(ctx context.Context, owner string, lines []pricing.Line) error
}

type Snapshots interface {
	Take(ctx context.Context, lines []pricing.Line, couponCode string) (*pricing.Snapshot, error)
}

type Reserver interface {
	Reserve(ctx context.Context, orderID string, items []inventory.Item, ttl time.Duration) (*inventory.Reservation, error)
	Release(ctx context.Context, orderID string) error
}

type OrderWriter interface {
	Create(ctx context.Context, o *orders.Order) error
	Apply(ctx context.Context, id string, ev orders.Event, m orders.Meta) (*orders.Order, error)
	ReleaseCoupon(ctx context.Context, id string) error
}

type IntentCreator interface {
	CreateIntent(ctx context.Context, o *orders.Order) (*payment.Intent, error)
}

type Request struct {
	Owner string
	// Lines overrides the stored cart when set.
	Lines          []pricing.Line
	ShippingOption string
	CouponCode     string
	IdempotencyKey string
}

type Result struct {
	OrderID      string `json:"order_id"`
	ClientSecret string `json:"client_secret"`
	Total        int64  `json:"total"`
	Currency     string `json:"currency"`
	Status       string `json:"status"`
}

// RetryPolicy bounds retries of external calls.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxElapsed      time.Duration
}

// Orchestrator runs price, reserve, draft order, payment intent and
// awaiting_payment in that order, releasing the hold when a later step fails.
type Orchestrator struct {
	Carts          Carts
	Snapshots      Snapshots
	Stock          Reserver
	Orders         OrderWriter
	Payments       IntentCreator
	Requests       Requests // optional
	ReservationTTL time.Duration
	Retry          RetryPolicy
	Logger         *slog.Logger
	Now            func() time.Time
	NewID          func() string
	// OnResult is called once per checkout with "ok" or the failure reason.
	OnResult func(result string)
}

// Checkout places an order for the request. Failures are *Error.
func (o *Orchestrator) Checkout(ctx context.Context, req Request) (*Result, error) {
	res, err := o.checkoutOnce(ctx, req)
	if o.OnResult != nil {
		if err != nil {
			var ce *Error
			if errors.As(err, &ce) {
				o.OnResult(string(ce.Reason))
			} else {
				o.OnResult("error")
			}
		} else {
			o.OnResult("ok")
		}
	}
	return res, err
}

func (o *Orchestrator) checkoutOnce(ctx context.Context, req Request) (*Result, error) {
	if req.IdempotencyKey == "" || o.Requests == nil {
		return o.checkout(ctx, req)
	}

	fp := Fingerprint(req)
	prev, err := o.Requests.Begin(ctx, req.Owner, req.IdempotencyKey, fp)
	switch {
	case errors.Is(err, ErrRequestInFlight):
		return nil, fail(ReasonInProgress, err)
	case errors.Is(err, ErrRequestMismatch):
		return nil, fail(ReasonIdempotencyMismatch, err)
	case err != nil:
		return nil, fail(ReasonIdempotencyConflict, err)
	case prev != nil:
		o.logger().InfoContext(ctx, "checkout replayed",
			slog.String("owner", req.Owner), slog.String("order_id", prev.OrderID))
		return prev, nil
	}

	res, err := o.checkout(ctx, req)
	bg := context.WithoutCancel(ctx)
	if err != nil {
		if aerr := o.Requests.Abort(bg, req.Owner, req.IdempotencyKey); aerr != nil {
			o.logger().WarnContext(ctx, "release idempotency key", slog.Any("err", aerr))
		}
		return nil, err
	}
	if ferr := o.Requests.Finish(bg, req.Owner, req.IdempotencyKey, fp, res); ferr != nil {
		o.logger().WarnContext(ctx, "store checkout result", slog.String("order_id", res.OrderID), slog.Any("err", ferr))
	}
	return res, nil
}

func (o *Orchestrator) checkout(ctx context.Context, req Request) (*Result, error) {
	lines := req.Lines
	fromCart := len(lines) == 0
	if fromCart && o.Carts != nil {
		var err error
		if lines, err = o.Carts.Get(ctx, req.Owner); err != nil {
			return nil, fail(ReasonCartUnavailable, err)
		}
	}
	if len(lines) == 0 {
		return nil, fail(ReasonEmptyCart, errors.New("cart has no lines"))
	}

	priced, err := o.price(ctx, lines, req)
	if err != nil {
		return nil, err
	}

	orderID := o.newID()
	log := o.logger().With(slog.String("order_id", orderID), slog.String("owner", req.Owner))

	if err := o.reserve(ctx, orderID, priced); err != nil {
		var se *inventory.InsufficientStockError
		if !errors.As(err, &se) {
			return nil, classify(err)
		}
		// Lost a stock race. Re-read availability once before giving up.
		log.InfoContext(ctx, "reservation lost stock race, repricing", slog.String("sku", se.SKU))
		if priced, err = o.price(ctx, lines, req); err != nil {
			return nil, err
		}
		if err := o.reserve(ctx, orderID, priced); err != nil {
			return nil, classify(err)
		}
	}

	order := orders.NewDraft(orderID, req.Owner, priced, o.now())
	if err := o.Orders.Create(ctx, order); err != nil {
		o.release(ctx, log, orderID)
		var pe *pricing.Error
		if errors.As(err, &pe) {
			return nil, classify(err)
		}
		return nil, fail(ReasonOrderFailed, err)
	}

	var intent *payment.Intent
	err = o.retry(ctx, "create payment intent", func() error {
		var err error
		intent, err = o.Payments.CreateIntent(ctx, order)
		if payment.IsPermanent(err) || errors.Is(err, payment.ErrAmountMismatch) || errors.Is(err, payment.ErrNotPayable) {
			return backoff.Permanent(err)
		}
		return err
	})
	if err != nil {
		// The draft stays behind without a hold; nothing can pay for it.
		o.abandon(ctx, log, orderID)
		return nil, fail(ReasonPaymentSetupFailed, err)
	}

	placed, err := o.Orders.Apply(ctx, orderID, orders.EventIntentCreated, orders.Meta{PaymentIntentID: intent.ID})
	if err != nil {
		o.abandon(ctx, log, orderID)
		return nil, fail(ReasonOrderFailed, fmt.Errorf("move order to awaiting_payment: %w", err))
	}

	if fromCart && o.Carts != nil {
		if err := o.Carts.Remove(ctx, req.Owner, lines); err != nil {
			log.WarnContext(ctx, "remove checked-out cart lines", slog.Any("err", err))
		}
	}

	log.InfoContext(ctx, "checkout placed",
		slog.String("intent_id", intent.ID),
		slog.Int64("total", placed.Total),
		slog.String("currency", placed.Currency))
	return &Result{
		OrderID:      orderID,
		ClientSecret: intent.ClientSecret,
		Total:        placed.Total,
		Currency:     placed.Currency,
		Status:       string(placed.Status),
	}, nil
}

// price takes a fresh snapshot, retrying catalog failures, and prices the
// lines against it.
func (o *Orchestrator) price(ctx context.Context, lines []pricing.Line, req Request) (*pricing.PricedOrder, error) {
	var snap *pricing.Snapshot
	err := o.retry(ctx, "catalog snapshot", func() error {
		var err error
		snap, err = o.Snapshots.Take(ctx, lines, req.CouponCode)
		return err
	})
	if err != nil {
		return nil, fail(ReasonCatalogUnavailable, err)
	}
	priced, err := pricing.Price(snap, lines, req.ShippingOption, req.CouponCode)
	if err != nil {
		return nil, classify(err)
	}
	return priced, nil
}

func (o *Orchestrator) reserve(ctx context.Context, orderID string, po *pricing.PricedOrder) error {
	items := make([]inventory.Item, len(po.Lines))
	for i, l := range po.Lines {
		items[i] = inventory.Item{SKU: l.SKU, Quantity: l.Quantity}
	}
	_, err := o.Stock.Reserve(ctx, orderID, items, o.ReservationTTL)
	return err
}

// release undoes a hold. It runs even if the caller went away, and a failure
// is left to the sweeper.
func (o *Orchestrator) release(ctx context.Context, log *slog.Logger, orderID string) {
	if err := o.Stock.Release(context.WithoutCancel(ctx), orderID); err != nil {
		log.ErrorContext(ctx, "compensating release failed, sweeper will expire the hold", slog.Any("err", err))
		return
	}
	log.InfoContext(ctx, "reservation released after failed checkout")
}

// abandon undoes what a stored draft claimed: its stock hold and its coupon
// use.
func (o *Orchestrator) abandon(ctx context.Context, log *slog.Logger, orderID string) {
	o.release(ctx, log, orderID)
	if err := o.Orders.ReleaseCoupon(context.WithoutCancel(ctx), orderID); err != nil {
		log.ErrorContext(ctx, "compensating coupon release failed", slog.Any("err", err))
	}
}

func (o *Orchestrator) retry(ctx context.Context, op string, fn func() error) error {
	attempts := o.Retry.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	eb := backoff.NewExponentialBackOff()
	if o.Retry.InitialInterval > 0 {
		eb.InitialInterval = o.Retry.InitialInterval
	}
	if o.Retry.MaxElapsed > 0 {
		eb.MaxElapsedTime = o.Retry.MaxElapsed
	}
	eb.Reset()
	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(attempts-1)), ctx)

	return backoff.RetryNotify(fn, b, func(err error, wait time.Duration) {
		o.logger().WarnContext(ctx, "retrying "+op, slog.Duration("wait", wait), slog.Any("err", err))
	})
}

func (o *Orchestrator) newID() string {
	if o.NewID != nil {
		return o.NewID()
	}
	return uuid.NewString()
}

func (o *Orchestrator) now() time.Time {
	if o.Now != nil {
		return o.Now().UTC()
	}
	return time.Now().UTC()
}

func (o *Orchestrator) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}
