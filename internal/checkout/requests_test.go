package checkout

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ariefcatur/go-realtime-checkout/internal/pricing"
)

func TestRequests(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	for name, reqs := range map[string]Requests{
		"memory": NewMemoryRequests(),
		"redis":  NewRedisRequests(rdb),
	} {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			prev, err := reqs.Begin(ctx, "u1", "k1", "fp1")
			require.NoError(t, err)
			assert.Nil(t, prev)

			_, err = reqs.Begin(ctx, "u1", "k1", "fp1")
			assert.ErrorIs(t, err, ErrRequestInFlight)
			_, err = reqs.Begin(ctx, "u1", "k1", "other")
			assert.ErrorIs(t, err, ErrRequestMismatch)

			res := &Result{OrderID: "o1", ClientSecret: "sec", Total: 2300, Currency: "USD", Status: "awaiting_payment"}
			require.NoError(t, reqs.Finish(ctx, "u1", "k1", "fp1", res))

			prev, err = reqs.Begin(ctx, "u1", "k1", "fp1")
			require.NoError(t, err)
			assert.Equal(t, res, prev)

			_, err = reqs.Begin(ctx, "u1", "k1", "other")
			assert.ErrorIs(t, err, ErrRequestMismatch)

			// Abort leaves finished keys alone.
			require.NoError(t, reqs.Abort(ctx, "u1", "k1"))
			prev, err = reqs.Begin(ctx, "u1", "k1", "fp1")
			require.NoError(t, err)
			assert.Equal(t, res, prev)

			_, err = reqs.Begin(ctx, "u1", "k2", "fp2")
			require.NoError(t, err)
			require.NoError(t, reqs.Abort(ctx, "u1", "k2"))
			prev, err = reqs.Begin(ctx, "u1", "k2", "fp2")
			require.NoError(t, err)
			assert.Nil(t, prev)
		})
	}
}

func TestFingerprint(t *testing.T) {
	base := Request{
		Owner:          "u1",
		Lines:          []pricing.Line{{SKU: "A", Quantity: 1}, {SKU: "B", Quantity: 2}},
		ShippingOption: "standard",
		CouponCode:     "ten",
		IdempotencyKey: "k1",
	}
	same := base
	same.Lines = []pricing.Line{{SKU: "B", Quantity: 2}, {SKU: " A", Quantity: 1}}
	same.CouponCode = " TEN "
	same.IdempotencyKey = "k2"
	assert.Equal(t, Fingerprint(base), Fingerprint(same))

	for name, change := range map[string]func(*Request){
		"quantity": func(r *Request) { r.Lines = []pricing.Line{{SKU: "A", Quantity: 2}, {SKU: "B", Quantity: 2}} },
		"shipping": func(r *Request) { r.ShippingOption = "express" },
		"coupon":   func(r *Request) { r.CouponCode = "" },
		"cart":     func(r *Request) { r.Lines = nil },
	} {
		other := base
		change(&other)
		assert.NotEqual(t, Fingerprint(base), Fingerprint(other), name)
	}
}
