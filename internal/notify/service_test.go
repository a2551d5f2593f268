package notify

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ariefcatur/go-realtime-checkout/internal/events"
	kafkax "github.com/ariefcatur/go-realtime-checkout/internal/kafka"
)

type recordingSender struct {
	mu   sync.Mutex
	sent []Notification
	fail error
}

func (r *recordingSender) Send(_ context.Context, n Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	r.sent = append(r.sent, n)
	return nil
}

func (r *recordingSender) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

func setup(t *testing.T) (*Service, *recordingSender, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	sender := &recordingSender{}
	return &Service{Redis: rdb, Sender: sender}, sender, mr
}

func statusEvent(t *testing.T, to string) events.Envelope {
	t.Helper()
	env, err := events.New(events.EventOrderStatusChanged, "checkout-api", "ord-1", events.StatusChangedPayload{
		OrderID:  "ord-1",
		Owner:    "u1",
		From:     "awaiting_payment",
		To:       to,
		Trigger:  "payment_succeeded",
		Total:    2300,
		Currency: "USD",
	})
	require.NoError(t, err)
	return env
}

func TestHandle_PaidNotifiesCustomer(t *testing.T) {
	svc, sender, _ := setup(t)

	require.NoError(t, svc.Handle(context.Background(), statusEvent(t, "paid")))

	require.Equal(t, 1, sender.count())
	n := sender.sent[0]
	assert.Equal(t, "customer", n.Audience)
	assert.Equal(t, "order_paid", n.Kind)
	assert.Equal(t, "u1", n.Owner)
	assert.Contains(t, n.Message, "23.00 USD")
}

func TestHandle_RedeliveryNotifiesOnce(t *testing.T) {
	svc, sender, _ := setup(t)
	var results []string
	svc.OnHandled = func(_, result string) { results = append(results, result) }
	env := statusEvent(t, "cancelled")

	for i := 0; i < 3; i++ {
		require.NoError(t, svc.Handle(context.Background(), env))
	}

	assert.Equal(t, 1, sender.count())
	assert.Equal(t, []string{"sent", "duplicate", "duplicate"}, results)
}

func TestHandle_ConcurrentRedeliveries(t *testing.T) {
	svc, sender, _ := setup(t)
	env := statusEvent(t, "refunded")

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, svc.Handle(context.Background(), env))
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, sender.count())
}

func TestHandle_SkipsInternalStatuses(t *testing.T) {
	svc, sender, mr := setup(t)

	for _, to := range []string{"draft", "awaiting_payment", "fulfilling"} {
		require.NoError(t, svc.Handle(context.Background(), statusEvent(t, to)))
	}

	assert.Zero(t, sender.count())
	assert.Empty(t, mr.Keys())
}

func TestHandle_StockShortfallAlertsOps(t *testing.T) {
	svc, sender, _ := setup(t)
	env, err := events.New(events.EventStockShortfall, "checkout-api", "ord-9", events.StockShortfallPayload{
		OrderID: "ord-9",
		Reason:  "reservation expired before payment",
	})
	require.NoError(t, err)

	require.NoError(t, svc.Handle(context.Background(), env))

	require.Equal(t, 1, sender.count())
	assert.Equal(t, "ops", sender.sent[0].Audience)
	assert.Equal(t, "ord-9", sender.sent[0].OrderID)
}

func TestHandle_SendFailureAllowsRetry(t *testing.T) {
	svc, sender, _ := setup(t)
	env := statusEvent(t, "paid")

	sender.fail = errors.New("smtp down")
	require.Error(t, svc.Handle(context.Background(), env))

	sender.fail = nil
	require.NoError(t, svc.Handle(context.Background(), env))
	assert.Equal(t, 1, sender.count())
}

func TestHandle_RedisDownReturnsError(t *testing.T) {
	svc, sender, mr := setup(t)
	mr.Close()

	require.Error(t, svc.Handle(context.Background(), statusEvent(t, "paid")))
	assert.Zero(t, sender.count())
}

func TestHandleMessage(t *testing.T) {
	svc, sender, _ := setup(t)

	msg, err := kafkax.NewMessage(statusEvent(t, "completed"))
	require.NoError(t, err)
	require.NoError(t, svc.HandleMessage(context.Background(), msg))
	assert.Equal(t, 1, sender.count())

	msg.Value = []byte("{not json")
	assert.NoError(t, svc.HandleMessage(context.Background(), msg), "poison messages are committed")
	assert.Equal(t, 1, sender.count())
}

func TestHandle_NewerVersionDropped(t *testing.T) {
	svc, sender, _ := setup(t)
	env := statusEvent(t, "paid")
	env.EventVersion = 2

	require.NoError(t, svc.Handle(context.Background(), env))
	assert.Zero(t, sender.count())
}
