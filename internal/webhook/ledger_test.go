package webhook

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ledgers(t *testing.T) map[string]struct {
	ledger  Ledger
	advance func(time.Duration)
} {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	mem := NewMemoryLedger()
	mem.Now = func() time.Time { return now }

	return map[string]struct {
		ledger  Ledger
		advance func(time.Duration)
	}{
		"memory": {mem, func(d time.Duration) { now = now.Add(d) }},
		"redis":  {NewRedisLedger(rdb), mr.FastForward},
	}
}

func TestLedger_ClaimCompleteAbandon(t *testing.T) {
	for name, tc := range ledgers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			l := tc.ledger

			c, err := l.Claim(ctx, "evt_1")
			require.NoError(t, err)
			assert.Equal(t, Claimed, c)

			c, err = l.Claim(ctx, "evt_1")
			require.NoError(t, err)
			assert.Equal(t, InFlight, c)

			require.NoError(t, l.Complete(ctx, "evt_1"))
			c, err = l.Claim(ctx, "evt_1")
			require.NoError(t, err)
			assert.Equal(t, AlreadyDone, c)

			// Abandon never erases a finished event.
			require.NoError(t, l.Abandon(ctx, "evt_1"))
			c, _ = l.Claim(ctx, "evt_1")
			assert.Equal(t, AlreadyDone, c)

			_, err = l.Claim(ctx, "evt_2")
			require.NoError(t, err)
			require.NoError(t, l.Abandon(ctx, "evt_2"))
			c, _ = l.Claim(ctx, "evt_2")
			assert.Equal(t, Claimed, c)
		})
	}
}

func TestLedger_LeaseExpires(t *testing.T) {
	for name, tc := range ledgers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			c, err := tc.ledger.Claim(ctx, "evt_1")
			require.NoError(t, err)
			require.Equal(t, Claimed, c)

			tc.advance(31 * time.Second)
			c, err = tc.ledger.Claim(ctx, "evt_1")
			require.NoError(t, err)
			assert.Equal(t, Claimed, c)
		})
	}
}

func TestRedisLedger_DoneKeyTTL(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	l := NewRedisLedger(rdb)
	ctx := context.Background()

	_, err := l.Claim(ctx, "evt_1")
	require.NoError(t, err)
	require.NoError(t, l.Complete(ctx, "evt_1"))

	v, err := mr.Get("webhook:event:evt_1")
	require.NoError(t, err)
	assert.Equal(t, "done", v)
	assert.Equal(t, 7*24*time.Hour, mr.TTL("webhook:event:evt_1"))
}
