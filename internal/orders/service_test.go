package orders

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ariefcatur/go-realtime-checkout/internal/events"
	"github.com/ariefcatur/go-realtime-checkout/internal/inventory"
	"github.com/ariefcatur/go-realtime-checkout/internal/pricing"
)

type fixture struct {
	svc     *Service
	store   *MemoryStore
	ledger  *inventory.MemoryLedger
	catalog *pricing.StaticCatalog
	events  *events.Recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:   NewMemoryStore(),
		ledger:  inventory.NewMemoryLedger(),
		catalog: pricing.NewStaticCatalog(),
		events:  &events.Recorder{},
	}
	limit := 5
	f.catalog.PutCoupon(pricing.Coupon{Code: "TEN", Kind: pricing.DiscountFixed, AmountOff: 100, Active: true, UsageLimit: &limit})
	require.NoError(t, f.ledger.SetStock(context.Background(), "A", 10))
	f.svc = &Service{
		Store:    f.store,
		Stock:    f.ledger,
		Coupons:  f.catalog,
		Events:   f.events,
		Restock:  true,
		Producer: "test",
	}
	return f
}

func sampleOrder(id string) *Order {
	now := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	return &Order{
		ID: id, Owner: "user-1", Status: StatusDraft, Currency: "USD",
		Lines:          []Line{{SKU: "A", Name: "Mug", Quantity: 2, UnitPrice: 1000, LineTotal: 2000}},
		Subtotal:       2000,
		ShippingOption: "standard",
		ShippingCost:   500,
		CouponCode:     "TEN",
		Discount:       100,
		Total:          2400,
		SnapshotID:     "snap",
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// placed creates an order holding 2 units of A and moves it to awaiting_payment.
func (f *fixture) placed(t *testing.T, id string) *Order {
	t.Helper()
	ctx := context.Background()
	_, err := f.ledger.Reserve(ctx, id, []inventory.Item{{SKU: "A", Quantity: 2}}, time.Minute)
	require.NoError(t, err)
	require.NoError(t, f.svc.Create(ctx, sampleOrder(id)))
	o, err := f.svc.Apply(ctx, id, EventIntentCreated, Meta{PaymentIntentID: "pi_" + id})
	require.NoError(t, err)
	return o
}

func (f *fixture) level(t *testing.T) inventory.StockLevel {
	t.Helper()
	lvl, ok := f.ledger.Level("A")
	require.True(t, ok)
	return lvl
}

func TestService_CreateValidatesTotals(t *testing.T) {
	f := newFixture(t)
	o := sampleOrder("o1")
	o.Total = 9999
	assert.ErrorIs(t, f.svc.Create(context.Background(), o), ErrTotalMismatch)

	o = sampleOrder("o1")
	o.Status = StatusPaid
	assert.Error(t, f.svc.Create(context.Background(), o))

	require.NoError(t, f.svc.Create(context.Background(), sampleOrder("o1")))
	assert.ErrorIs(t, f.svc.Create(context.Background(), sampleOrder("o1")), ErrAlreadyExists)
	assert.Len(t, f.events.OfType(events.EventOrderCreated), 1)
}

func TestService_PaidCommitsStockAndRedeemsCoupon(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.placed(t, "o1")
	assert.Equal(t, StatusAwaitingPayment, o.Status)
	assert.Equal(t, "pi_o1", o.PaymentIntentID)

	o, err := f.svc.Apply(ctx, "o1", EventPaymentSucceeded, Meta{PaymentReference: "pi_o1"})
	require.NoError(t, err)
	assert.Equal(t, StatusPaid, o.Status)
	assert.Equal(t, "pi_o1", o.PaymentReference)
	assert.Equal(t, inventory.StockLevel{SKU: "A", Total: 10, Committed: 2}, f.level(t))

	cp, err := f.catalog.Lookup(ctx, "TEN")
	require.NoError(t, err)
	assert.Equal(t, 1, cp.UsedCount)

	_, err = f.svc.Apply(ctx, "o1", EventPaymentSucceeded, Meta{})
	var ite *InvalidTransitionError
	require.ErrorAs(t, err, &ite)
	assert.True(t, ite.AlreadyApplied())

	changed := f.events.OfType(events.EventOrderStatusChanged)
	require.Len(t, changed, 2)
	p, err := events.Unwrap[events.StatusChangedPayload](changed[1].Payload)
	require.NoError(t, err)
	assert.Equal(t, "paid", p.To)
	assert.Equal(t, "payment_succeeded", p.Trigger)
}

func TestService_FailedPaymentReleases(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.placed(t, "o1")

	o, err := f.svc.Apply(ctx, "o1", EventPaymentFailed, Meta{Reason: "card_declined"})
	require.NoError(t, err)
	assert.Equal(t, StatusPaymentFailed, o.Status)
	assert.Equal(t, 10, f.level(t).Available())

	o, err = f.svc.Apply(ctx, "o1", EventCancel, Meta{})
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, o.Status)
}

func TestService_RefundRestockPolicy(t *testing.T) {
	for _, restock := range []bool{true, false} {
		f := newFixture(t)
		f.svc.Restock = restock
		ctx := context.Background()
		f.placed(t, "o1")
		_, err := f.svc.Apply(ctx, "o1", EventPaymentSucceeded, Meta{})
		require.NoError(t, err)

		o, err := f.svc.Apply(ctx, "o1", EventRefund, Meta{})
		require.NoError(t, err)
		assert.Equal(t, StatusRefunded, o.Status)
		if restock {
			assert.Equal(t, 10, f.level(t).Available())
		} else {
			assert.Equal(t, 8, f.level(t).Available())
		}
	}
}

func TestService_CommitAfterExpiryReclaimsFreeStock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.placed(t, "o1")
	_, err := f.ledger.ExpireDue(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)

	o, err := f.svc.Apply(ctx, "o1", EventPaymentSucceeded, Meta{})
	require.NoError(t, err)
	assert.Equal(t, StatusPaid, o.Status)
	assert.Empty(t, f.events.OfType(events.EventStockShortfall))
	assert.Equal(t, inventory.StockLevel{SKU: "A", Total: 10, Committed: 2}, f.level(t))
}

func TestService_CommitAfterExpiryPublishesShortfallWhenStockTaken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.placed(t, "o1")
	_, err := f.ledger.ExpireDue(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	_, err = f.ledger.Reserve(ctx, "other", []inventory.Item{{SKU: "A", Quantity: 10}}, time.Hour)
	require.NoError(t, err)

	o, err := f.svc.Apply(ctx, "o1", EventPaymentSucceeded, Meta{})
	require.NoError(t, err)
	assert.Equal(t, StatusPaid, o.Status)
	assert.Len(t, f.events.OfType(events.EventStockShortfall), 1)
	assert.Equal(t, inventory.StockLevel{SKU: "A", Total: 10, Held: 10}, f.level(t))
}

func TestService_SucceededAfterFailedPaymentCommitsStock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.ledger.SetStock(ctx, "A", 2))
	f.placed(t, "o1")

	_, err := f.svc.Apply(ctx, "o1", EventPaymentFailed, Meta{Reason: "card_declined"})
	require.NoError(t, err)
	assert.Equal(t, 2, f.level(t).Available())

	o, err := f.svc.Apply(ctx, "o1", EventPaymentSucceeded, Meta{PaymentReference: "pi_o1"})
	require.NoError(t, err)
	assert.Equal(t, StatusPaid, o.Status)

	r, ok := f.ledger.Get("o1")
	require.True(t, ok)
	assert.Equal(t, inventory.StateCommitted, r.State)
	assert.Equal(t, inventory.StockLevel{SKU: "A", Total: 2, Committed: 2}, f.level(t))
	assert.Empty(t, f.events.OfType(events.EventStockShortfall))

	// The unit is sold: nobody else can hold it.
	_, err = f.ledger.Reserve(ctx, "o2", []inventory.Item{{SKU: "A", Quantity: 1}}, time.Minute)
	var se *inventory.InsufficientStockError
	assert.ErrorAs(t, err, &se)

	cp, err := f.catalog.Lookup(ctx, "TEN")
	require.NoError(t, err)
	assert.Equal(t, 1, cp.UsedCount, "the coupon use is claimed again on payment")
}

func onceCoupon(f *fixture) {
	limit := 1
	f.catalog.PutCoupon(pricing.Coupon{Code: "TEN", Kind: pricing.DiscountFixed, AmountOff: 100, Active: true, UsageLimit: &limit})
}

func TestService_CreateClaimsCouponUse(t *testing.T) {
	f := newFixture(t)
	onceCoupon(f)
	ctx := context.Background()
	f.placed(t, "o1")

	cp, err := f.catalog.Lookup(ctx, "TEN")
	require.NoError(t, err)
	assert.Equal(t, 1, cp.UsedCount)

	err = f.svc.Create(ctx, sampleOrder("o2"))
	var pe *pricing.Error
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, pricing.CodeCouponExhausted, pe.Code)
	_, err = f.store.Get(ctx, "o2")
	assert.ErrorIs(t, err, ErrNotFound)

	// Paying the first order keeps its single use.
	_, err = f.svc.Apply(ctx, "o1", EventPaymentSucceeded, Meta{})
	require.NoError(t, err)
	cp, err = f.catalog.Lookup(ctx, "TEN")
	require.NoError(t, err)
	assert.Equal(t, 1, cp.UsedCount)
}

func TestService_ReleasedHoldReturnsCouponUse(t *testing.T) {
	for name, release := range map[string]func(f *fixture) error{
		"payment failed": func(f *fixture) error {
			_, err := f.svc.Apply(context.Background(), "o1", EventPaymentFailed, Meta{})
			return err
		},
		"cancelled": func(f *fixture) error {
			_, err := f.svc.Apply(context.Background(), "o1", EventCancel, Meta{})
			return err
		},
		"hold expired": func(f *fixture) error {
			if _, err := f.ledger.ExpireDue(context.Background(), time.Now().Add(time.Hour)); err != nil {
				return err
			}
			return f.svc.ReleaseCoupon(context.Background(), "o1")
		},
	} {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			onceCoupon(f)
			ctx := context.Background()
			f.placed(t, "o1")
			require.NoError(t, release(f))

			cp, err := f.catalog.Lookup(ctx, "TEN")
			require.NoError(t, err)
			assert.Equal(t, 0, cp.UsedCount)
			require.NoError(t, f.svc.Create(ctx, sampleOrder("o2")))
		})
	}
}

func TestService_ReleaseCouponKeepsPaidUse(t *testing.T) {
	f := newFixture(t)
	onceCoupon(f)
	ctx := context.Background()
	f.placed(t, "o1")
	_, err := f.svc.Apply(ctx, "o1", EventPaymentSucceeded, Meta{})
	require.NoError(t, err)

	require.NoError(t, f.svc.ReleaseCoupon(ctx, "o1"))
	cp, err := f.catalog.Lookup(ctx, "TEN")
	require.NoError(t, err)
	assert.Equal(t, 1, cp.UsedCount)
}

type flakyStock struct {
	StockEffects
	fail bool
}

func (s *flakyStock) Commit(ctx context.Context, id string) error {
	if s.fail {
		return errors.New("ledger unavailable")
	}
	return s.StockEffects.Commit(ctx, id)
}

func TestService_SettleRerunsEffectAfterFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.placed(t, "o1")
	flaky := &flakyStock{StockEffects: f.ledger, fail: true}
	f.svc.Stock = flaky

	o, err := f.svc.Apply(ctx, "o1", EventPaymentSucceeded, Meta{})
	var ee *EffectError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, EffectCommitStock, ee.Effect)
	assert.Equal(t, StatusPaid, o.Status)
	assert.Equal(t, 2, f.level(t).Held)

	flaky.fail = false
	require.NoError(t, f.svc.Settle(ctx, "o1", EventPaymentSucceeded))
	require.NoError(t, f.svc.Settle(ctx, "o1", EventPaymentSucceeded))
	assert.Equal(t, inventory.StockLevel{SKU: "A", Total: 10, Committed: 2}, f.level(t))

	// Settle for an event whose target is not the current status does nothing.
	require.NoError(t, f.svc.Settle(ctx, "o1", EventPaymentFailed))
	assert.Equal(t, 2, f.level(t).Committed)
}

func TestService_ConcurrentPaidAndCancelSerialize(t *testing.T) {
	for i := 0; i < 50; i++ {
		f := newFixture(t)
		ctx := context.Background()
		f.placed(t, "o1")

		var wg sync.WaitGroup
		var paidErr, cancelErr error
		wg.Add(2)
		go func() { defer wg.Done(); _, paidErr = f.svc.Apply(ctx, "o1", EventPaymentSucceeded, Meta{}) }()
		go func() { defer wg.Done(); _, cancelErr = f.svc.Apply(ctx, "o1", EventCancel, Meta{}) }()
		wg.Wait()

		o, err := f.store.Get(ctx, "o1")
		require.NoError(t, err)
		lvl := f.level(t)
		switch {
		case paidErr == nil && cancelErr == nil:
			// paid first, then cancel of a paid order restocks
			assert.Equal(t, StatusCancelled, o.Status)
			assert.Equal(t, 10, lvl.Available())
		case paidErr == nil:
			assert.Equal(t, StatusPaid, o.Status)
		default:
			var ite *InvalidTransitionError
			require.ErrorAs(t, paidErr, &ite, "paid must be rejected once cancelled")
			assert.Equal(t, StatusCancelled, o.Status)
			assert.Equal(t, 10, lvl.Available())
		}
		assert.GreaterOrEqual(t, lvl.Available(), 0)
	}
}

func TestService_ApplyUnknownOrder(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Apply(context.Background(), "missing", EventCancel, Meta{})
	assert.ErrorIs(t, err, ErrNotFound)
}

type conflictingStore struct{ *MemoryStore }

func (conflictingStore) UpdateStatus(context.Context, string, Status, Status, StatusUpdate) (*Order, error) {
	return nil, ErrStatusConflict
}

func TestService_ApplyGivesUpAfterRepeatedConflicts(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.Create(context.Background(), sampleOrder("o1")))
	f.svc.Store = conflictingStore{f.store}

	_, err := f.svc.Apply(context.Background(), "o1", EventIntentCreated, Meta{})
	assert.ErrorIs(t, err, ErrStatusConflict)
}

func TestMemoryStore_ListByOwner(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	for i, id := range []string{"a", "b", "c"} {
		o := sampleOrder(id)
		o.CreatedAt = o.CreatedAt.Add(time.Duration(i) * time.Minute)
		require.NoError(t, store.Create(ctx, o))
	}
	other := sampleOrder("x")
	other.Owner = "user-2"
	require.NoError(t, store.Create(ctx, other))

	list, err := store.ListByOwner(ctx, "user-1", 2)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "c", list[0].ID)
	assert.Equal(t, "b", list[1].ID)
}

func TestService_OnTransition(t *testing.T) {
	f := newFixture(t)
	var seen []string
	f.svc.OnTransition = func(from, to Status) { seen = append(seen, string(from)+">"+string(to)) }
	f.placed(t, "o1")
	assert.Equal(t, []string{"draft>awaiting_payment"}, seen)
}
