package inventory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ariefcatur/go-realtime-checkout/internal/postgres/pgtest"
)

func setupPGLedger(t *testing.T, stock map[string]int) *PGLedger {
	t.Helper()
	l := &PGLedger{DB: pgtest.NewPool(t)}
	for sku, n := range stock {
		require.NoError(t, l.SetStock(context.Background(), sku, n))
	}
	return l
}

func TestPGLedger_Lifecycle(t *testing.T) {
	ctx := context.Background()
	l := setupPGLedger(t, map[string]int{"T-A": 5, "T-B": 1})

	_, err := l.Reserve(ctx, "o1", []Item{{SKU: "T-A", Quantity: 2}, {SKU: "T-B", Quantity: 2}}, time.Minute)
	var ise *InsufficientStockError
	require.ErrorAs(t, err, &ise)
	assert.Equal(t, 5, available(t, l, "T-A"))

	r, err := l.Reserve(ctx, "o1", []Item{{SKU: "T-A", Quantity: 2}, {SKU: "T-B", Quantity: 1}}, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, StateHeld, r.State)
	assert.Equal(t, 3, available(t, l, "T-A"))

	require.NoError(t, l.Commit(ctx, "o1"))
	require.NoError(t, l.Commit(ctx, "o1"))
	assert.ErrorIs(t, l.Release(ctx, "o1"), ErrReservationCommitted)

	lvl, err := l.Level(ctx, "T-A")
	require.NoError(t, err)
	assert.Equal(t, StockLevel{SKU: "T-A", Total: 5, Committed: 2}, lvl)

	require.NoError(t, l.Restock(ctx, "o1"))
	assert.Equal(t, 5, available(t, l, "T-A"))
	assert.ErrorIs(t, l.Commit(ctx, "o1"), ErrReservationReleased)
	assert.ErrorIs(t, l.Commit(ctx, "nope"), ErrReservationNotFound)
}

func TestPGLedger_ExpireDueLosesToCommit(t *testing.T) {
	ctx := context.Background()
	l := setupPGLedger(t, map[string]int{"T-C": 3})

	_, err := l.Reserve(ctx, "paid", []Item{{SKU: "T-C", Quantity: 1}}, time.Millisecond)
	require.NoError(t, err)
	_, err = l.Reserve(ctx, "abandoned", []Item{{SKU: "T-C", Quantity: 1}}, time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, l.Commit(ctx, "paid"))

	ids, err := l.ExpireDue(ctx, time.Now().Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, []string{"abandoned"}, ids)
	assert.ErrorIs(t, l.Commit(ctx, "abandoned"), ErrReservationReleased)
	assert.Equal(t, 2, available(t, l, "T-C"))
}

func TestPGLedger_ConcurrentLastUnit(t *testing.T) {
	ctx := context.Background()
	l := setupPGLedger(t, map[string]int{"T-LAST": 1})

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = l.Reserve(ctx, fmt.Sprintf("race-%d", i), []Item{{SKU: "T-LAST", Quantity: 1}}, time.Minute)
		}(i)
	}
	wg.Wait()

	won := 0
	for _, err := range errs {
		var ise *InsufficientStockError
		switch {
		case err == nil:
			won++
		case errors.As(err, &ise):
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, won)
	assert.Equal(t, 0, available(t, l, "T-LAST"))
}

func TestPGLedger_ReclaimAfterExpiry(t *testing.T) {
	ctx := context.Background()
	l := setupPGLedger(t, map[string]int{"T-R": 2})

	_, err := l.Reserve(ctx, "late", []Item{{SKU: "T-R", Quantity: 1}}, time.Millisecond)
	require.NoError(t, err)
	_, err = l.ExpireDue(ctx, time.Now().Add(time.Second))
	require.NoError(t, err)

	require.NoError(t, l.Reclaim(ctx, "late"))
	require.NoError(t, l.Reclaim(ctx, "late"))
	lvl, err := l.Level(ctx, "T-R")
	require.NoError(t, err)
	assert.Equal(t, StockLevel{SKU: "T-R", Total: 2, Committed: 1}, lvl)

	_, err = l.Reserve(ctx, "lost", []Item{{SKU: "T-R", Quantity: 1}}, time.Minute)
	require.NoError(t, err)
	require.NoError(t, l.Release(ctx, "lost"))
	_, err = l.Reserve(ctx, "winner", []Item{{SKU: "T-R", Quantity: 1}}, time.Minute)
	require.NoError(t, err)

	var ise *InsufficientStockError
	require.ErrorAs(t, l.Reclaim(ctx, "lost"), &ise)
	assert.Equal(t, 0, available(t, l, "T-R"))
	assert.ErrorIs(t, l.Reclaim(ctx, "nope"), ErrReservationNotFound)
}
