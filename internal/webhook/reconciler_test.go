package webhook

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ariefcatur/go-realtime-checkout/internal/events"
	"github.com/ariefcatur/go-realtime-checkout/internal/inventory"
	"github.com/ariefcatur/go-realtime-checkout/internal/orders"
	"github.com/ariefcatur/go-realtime-checkout/internal/payment"
)

type countingStock struct {
	*inventory.MemoryLedger
	commits  atomic.Int32
	failNext atomic.Bool
}

func (s *countingStock) Commit(ctx context.Context, orderID string) error {
	if s.failNext.CompareAndSwap(true, false) {
		return errors.New("ledger unavailable")
	}
	s.commits.Add(1)
	return s.MemoryLedger.Commit(ctx, orderID)
}

type fixture struct {
	rec    *Reconciler
	svc    *orders.Service
	store  *orders.MemoryStore
	stock  *countingStock
	coord  *payment.Coordinator
	ledger *MemoryLedger
	events *events.Recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:  orders.NewMemoryStore(),
		stock:  &countingStock{MemoryLedger: inventory.NewMemoryLedger()},
		ledger: NewMemoryLedger(),
		events: &events.Recorder{},
	}
	require.NoError(t, f.stock.SetStock(context.Background(), "A", 5))
	f.svc = &orders.Service{Store: f.store, Stock: f.stock, Events: f.events, Restock: true, Producer: "test"}
	f.coord = &payment.Coordinator{
		Provider: payment.NewSandbox("whsec_test"),
		Store:    payment.NewMemoryIntentStore(),
		Orders:   f.store,
	}
	f.rec = &Reconciler{Ledger: f.ledger, Intents: f.coord, Orders: f.svc}
	return f
}

// awaiting places an order for one unit of A and returns its intent id.
func (f *fixture) awaiting(t *testing.T, id string) string {
	t.Helper()
	ctx := context.Background()
	_, err := f.stock.Reserve(ctx, id, []inventory.Item{{SKU: "A", Quantity: 1}}, time.Minute)
	require.NoError(t, err)
	o := &orders.Order{
		ID: id, Owner: "u1", Status: orders.StatusDraft, Currency: "USD",
		Lines:    []orders.Line{{SKU: "A", Name: "Mug", Quantity: 1, UnitPrice: 1000, LineTotal: 1000}},
		Subtotal: 1000,
		Total:    1000,
	}
	require.NoError(t, f.svc.Create(ctx, o))
	in, err := f.coord.CreateIntent(ctx, o)
	require.NoError(t, err)
	_, err = f.svc.Apply(ctx, id, orders.EventIntentCreated, orders.Meta{PaymentIntentID: in.ID})
	require.NoError(t, err)
	return in.ID
}

func (f *fixture) status(t *testing.T, id string) orders.Status {
	t.Helper()
	o, err := f.store.Get(context.Background(), id)
	require.NoError(t, err)
	return o.Status
}

func succeeded(eventID, intentID string) payment.WebhookEvent {
	return payment.WebhookEvent{ID: eventID, Type: payment.WebhookPaymentSucceeded, RawType: "payment_intent.succeeded", IntentID: intentID}
}

func TestHandle_DuplicateDeliveryAppliesOnce(t *testing.T) {
	f := newFixture(t)
	intent := f.awaiting(t, "o1")
	ctx := context.Background()

	out, err := f.rec.Handle(ctx, succeeded("evt_1", intent))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, out)

	for range 5 {
		out, err := f.rec.Handle(ctx, succeeded("evt_1", intent))
		require.NoError(t, err)
		assert.Equal(t, OutcomeDuplicate, out)
	}

	assert.Equal(t, orders.StatusPaid, f.status(t, "o1"))
	assert.Equal(t, int32(1), f.stock.commits.Load())
	assert.Len(t, f.events.OfType(events.EventOrderStatusChanged), 2)

	o, _ := f.store.Get(ctx, "o1")
	assert.Equal(t, intent, o.PaymentReference)
	in, _ := f.coord.Store.ByIntentID(ctx, intent)
	assert.Equal(t, payment.IntentSucceeded, in.Status)
}

func TestHandle_ConcurrentDuplicates(t *testing.T) {
	f := newFixture(t)
	intent := f.awaiting(t, "o1")

	var applied atomic.Int32
	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := f.rec.Handle(context.Background(), succeeded("evt_1", intent))
			switch out {
			case OutcomeApplied:
				applied.Add(1)
				assert.NoError(t, err)
			case OutcomeDuplicate:
				assert.NoError(t, err)
			case OutcomeInFlight:
				assert.ErrorIs(t, err, ErrTransient)
			default:
				t.Errorf("unexpected outcome %s (%v)", out, err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), applied.Load())
	assert.Equal(t, int32(1), f.stock.commits.Load())
	assert.Equal(t, orders.StatusPaid, f.status(t, "o1"))
}

func TestHandle_LedgerBypassedIsNoop(t *testing.T) {
	f := newFixture(t)
	intent := f.awaiting(t, "o1")
	ctx := context.Background()

	_, err := f.rec.Handle(ctx, succeeded("evt_1", intent))
	require.NoError(t, err)
	out, err := f.rec.Handle(ctx, succeeded("evt_2", intent))
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoop, out)
	assert.Equal(t, int32(1), f.stock.commits.Load())
}

func TestHandle_UnknownIntentIsAcknowledged(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	out, err := f.rec.Handle(ctx, succeeded("evt_x", "pi_foreign"))
	assert.Equal(t, OutcomeIgnored, out)
	assert.True(t, IsUnrecoverable(err))
	assert.NotErrorIs(t, err, ErrTransient)

	out, err = f.rec.Handle(ctx, succeeded("evt_x", "pi_foreign"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, out)
}

type flakyIntents struct{ Intents }

func (flakyIntents) LookupByIntentID(context.Context, string) (*orders.Order, *payment.Intent, error) {
	return nil, nil, errors.New("connection refused")
}

func TestHandle_TransientLookupReleasesClaim(t *testing.T) {
	f := newFixture(t)
	intent := f.awaiting(t, "o1")
	ctx := context.Background()

	f.rec.Intents = flakyIntents{f.coord}
	out, err := f.rec.Handle(ctx, succeeded("evt_1", intent))
	assert.Equal(t, OutcomeFailed, out)
	assert.ErrorIs(t, err, ErrTransient)
	assert.Equal(t, orders.StatusAwaitingPayment, f.status(t, "o1"))

	f.rec.Intents = f.coord
	out, err = f.rec.Handle(ctx, succeeded("evt_1", intent))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, out)
}

func TestHandle_EffectFailureSettlesOnRedelivery(t *testing.T) {
	f := newFixture(t)
	intent := f.awaiting(t, "o1")
	ctx := context.Background()
	f.stock.failNext.Store(true)

	out, err := f.rec.Handle(ctx, succeeded("evt_1", intent))
	assert.Equal(t, OutcomeFailed, out)
	assert.ErrorIs(t, err, ErrTransient)
	assert.Equal(t, orders.StatusPaid, f.status(t, "o1"))
	assert.Equal(t, int32(0), f.stock.commits.Load())

	out, err = f.rec.Handle(ctx, succeeded("evt_1", intent))
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoop, out)
	assert.Equal(t, int32(1), f.stock.commits.Load())

	r, ok := f.stock.Get("o1")
	require.True(t, ok)
	assert.Equal(t, inventory.StateCommitted, r.State)
}

func TestHandle_FailedThenRetriedPayment(t *testing.T) {
	f := newFixture(t)
	intent := f.awaiting(t, "o1")
	ctx := context.Background()

	out, err := f.rec.Handle(ctx, payment.WebhookEvent{ID: "evt_1", Type: payment.WebhookPaymentFailed, IntentID: intent})
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, out)
	assert.Equal(t, orders.StatusPaymentFailed, f.status(t, "o1"))

	out, err = f.rec.Handle(ctx, succeeded("evt_2", intent))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, out)
	assert.Equal(t, orders.StatusPaid, f.status(t, "o1"))
}

func TestHandle_LateSuccessOnCancelledOrder(t *testing.T) {
	f := newFixture(t)
	intent := f.awaiting(t, "o1")
	ctx := context.Background()
	_, err := f.svc.Apply(ctx, "o1", orders.EventCancel, orders.Meta{})
	require.NoError(t, err)

	out, err := f.rec.Handle(ctx, succeeded("evt_1", intent))
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoop, out)
	assert.Equal(t, orders.StatusCancelled, f.status(t, "o1"))
	assert.Equal(t, int32(0), f.stock.commits.Load())
}

func TestHandle_RefundAfterPaid(t *testing.T) {
	f := newFixture(t)
	intent := f.awaiting(t, "o1")
	ctx := context.Background()
	_, err := f.rec.Handle(ctx, succeeded("evt_1", intent))
	require.NoError(t, err)

	out, err := f.rec.Handle(ctx, payment.WebhookEvent{ID: "evt_2", Type: payment.WebhookRefunded, IntentID: intent})
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, out)
	assert.Equal(t, orders.StatusRefunded, f.status(t, "o1"))

	lvl, _ := f.stock.Level("A")
	assert.Equal(t, 5, lvl.Available())
}

func TestHandle_UnhandledTypeIgnored(t *testing.T) {
	f := newFixture(t)
	var seen []Outcome
	f.rec.OnOutcome = func(_ payment.WebhookEvent, out Outcome) { seen = append(seen, out) }

	out, err := f.rec.Handle(context.Background(), payment.WebhookEvent{ID: "evt_1", Type: payment.WebhookOther, RawType: "customer.created", IntentID: "pi_1"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, out)
	assert.Equal(t, []Outcome{OutcomeIgnored}, seen)
}
