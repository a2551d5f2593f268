package inventory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGLedger stores stock counters in the stock table and one reservations row
// per (order, sku). Stock rows are locked FOR UPDATE in SKU order.
type PGLedger struct{ DB *pgxpool.Pool }

func (l *PGLedger) SetStock(ctx context.Context, sku string, total int) error {
	ct, err := l.DB.Exec(ctx, `
		INSERT INTO stock (sku, total) VALUES ($1, $2)
		ON CONFLICT (sku) DO UPDATE SET total = EXCLUDED.total, updated_at = now()
		WHERE stock.held + stock.committed <= EXCLUDED.total`, sku, total)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s total=%d", ErrStockBelowAllocated, sku, total)
	}
	return nil
}

func (l *PGLedger) Available(ctx context.Context, skus []string) (map[string]int, error) {
	rows, err := l.DB.Query(ctx, `SELECT sku, total - held - committed FROM stock WHERE sku = ANY($1)`, skus)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]int, len(skus))
	for rows.Next() {
		var sku string
		var n int
		if err := rows.Scan(&sku, &n); err != nil {
			return nil, err
		}
		out[sku] = n
	}
	return out, rows.Err()
}

// Level returns the ledger row for sku.
func (l *PGLedger) Level(ctx context.Context, sku string) (StockLevel, error) {
	s := StockLevel{SKU: sku}
	err := l.DB.QueryRow(ctx, `SELECT total, held, committed FROM stock WHERE sku=$1`, sku).
		Scan(&s.Total, &s.Held, &s.Committed)
	if errors.Is(err, pgx.ErrNoRows) {
		return s, fmt.Errorf("%w: %s", ErrUnknownSKU, sku)
	}
	return s, err
}

func (l *PGLedger) Reserve(ctx context.Context, orderID string, items []Item, ttl time.Duration) (*Reservation, error) {
	items, err := normalizeItems(items)
	if err != nil {
		return nil, err
	}

	tx, err := l.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	if r, err := loadReservation(ctx, tx, orderID); err == nil {
		if r.State == StateReleased {
			return nil, ErrReservationReleased
		}
		return r, nil
	} else if !errors.Is(err, ErrReservationNotFound) {
		return nil, err
	}

	skus := make([]string, len(items))
	for i, it := range items {
		skus[i] = it.SKU
	}
	rows, err := tx.Query(ctx, `
		SELECT sku, total - held - committed FROM stock
		WHERE sku = ANY($1) ORDER BY sku FOR UPDATE`, skus)
	if err != nil {
		return nil, err
	}
	avail := make(map[string]int, len(skus))
	for rows.Next() {
		var sku string
		var n int
		if err := rows.Scan(&sku, &n); err != nil {
			rows.Close()
			return nil, err
		}
		avail[sku] = n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, it := range items {
		n, ok := avail[it.SKU]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownSKU, it.SKU)
		}
		if n < it.Quantity {
			return nil, &InsufficientStockError{SKU: it.SKU, Requested: it.Quantity, Available: n} // rollback via defer
		}
	}

	now := time.Now().UTC()
	expires := now.Add(ttl)
	for _, it := range items {
		if _, err := tx.Exec(ctx, `UPDATE stock SET held = held + $2, updated_at = now() WHERE sku=$1`, it.SKU, it.Quantity); err != nil {
			return nil, err
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO reservations (order_id, sku, qty, state, expires_at, created_at)
			VALUES ($1, $2, $3, 'held', $4, $5)`, orderID, it.SKU, it.Quantity, expires, now); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return &Reservation{OrderID: orderID, Items: items, State: StateHeld, CreatedAt: now, ExpiresAt: expires}, nil
}

func (l *PGLedger) Commit(ctx context.Context, orderID string) error {
	moved, err := l.move(ctx, orderID, StateHeld, StateCommitted, nil)
	if err != nil || moved {
		return err
	}
	switch st, err := l.state(ctx, orderID); {
	case err != nil:
		return err
	case st == StateCommitted:
		return nil
	default:
		return ErrReservationReleased
	}
}

func (l *PGLedger) Reclaim(ctx context.Context, orderID string) error {
	if err := l.Commit(ctx, orderID); !errors.Is(err, ErrReservationReleased) {
		return err
	}
	return pgx.BeginFunc(ctx, l.DB, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			SELECT r.sku, r.qty, s.total - s.held - s.committed
			FROM reservations r JOIN stock s ON s.sku = r.sku
			WHERE r.order_id = $1 AND r.state = 'released'
			ORDER BY r.sku FOR UPDATE`, orderID)
		if err != nil {
			return err
		}
		var items []Item
		for rows.Next() {
			var it Item
			var avail int
			if err := rows.Scan(&it.SKU, &it.Quantity, &avail); err != nil {
				rows.Close()
				return err
			}
			if avail < it.Quantity {
				rows.Close()
				return &InsufficientStockError{SKU: it.SKU, Requested: it.Quantity, Available: avail}
			}
			items = append(items, it)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		if len(items) == 0 {
			// Someone else reclaimed or committed it between the two steps.
			st, err := stateTx(ctx, tx, orderID)
			if err != nil {
				return err
			}
			if st == StateCommitted {
				return nil
			}
			return ErrReservationReleased
		}
		for _, it := range items {
			if _, err := tx.Exec(ctx, `UPDATE stock SET committed = committed + $2, updated_at = now() WHERE sku=$1`, it.SKU, it.Quantity); err != nil {
				return err
			}
		}
		_, err = tx.Exec(ctx, `UPDATE reservations SET state='committed', updated_at=now() WHERE order_id=$1 AND state='released'`, orderID)
		return err
	})
}

func (l *PGLedger) Release(ctx context.Context, orderID string) error {
	moved, err := l.move(ctx, orderID, StateHeld, StateReleased, nil)
	if err != nil || moved {
		return err
	}
	switch st, err := l.state(ctx, orderID); {
	case err != nil:
		return err
	case st == StateReleased:
		return nil
	default:
		return ErrReservationCommitted
	}
}

func (l *PGLedger) Restock(ctx context.Context, orderID string) error {
	if moved, err := l.move(ctx, orderID, StateCommitted, StateReleased, nil); err != nil || moved {
		return err
	}
	if moved, err := l.move(ctx, orderID, StateHeld, StateReleased, nil); err != nil || moved {
		return err
	}
	_, err := l.state(ctx, orderID)
	return err
}

func (l *PGLedger) ExpireDue(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := l.DB.Query(ctx, `
		SELECT DISTINCT order_id FROM reservations
		WHERE state = 'held' AND expires_at <= $1
		LIMIT 500`, now)
	if err != nil {
		return nil, err
	}
	var due []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		due = append(due, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var expired []string
	for _, id := range due {
		// A commit that got there first leaves nothing held; move reports false.
		moved, err := l.move(ctx, id, StateHeld, StateReleased, &now)
		if err != nil {
			return expired, err
		}
		if moved {
			expired = append(expired, id)
		}
	}
	return expired, nil
}

// move flips every row of the order from one state to another and adjusts
// the stock counters in the same transaction. It reports false when no row
// was in the from state.
func (l *PGLedger) move(ctx context.Context, orderID string, from, to State, expiredBy *time.Time) (bool, error) {
	tx, err := l.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	q := `UPDATE reservations SET state=$3, updated_at=now()
		WHERE order_id=$1 AND state=$2 RETURNING sku, qty`
	args := []any{orderID, string(from), string(to)}
	if expiredBy != nil {
		q = `UPDATE reservations SET state=$3, updated_at=now()
			WHERE order_id=$1 AND state=$2 AND expires_at <= $4 RETURNING sku, qty`
		args = append(args, *expiredBy)
	}
	rows, err := tx.Query(ctx, q, args...)
	if err != nil {
		return false, err
	}
	var items []Item
	for rows.Next() {
		var it Item
		if err := rows.Scan(&it.SKU, &it.Quantity); err != nil {
			rows.Close()
			return false, err
		}
		items = append(items, it)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return false, err
	}
	if len(items) == 0 {
		return false, nil
	}
	sort.Slice(items, func(i, j int) bool { return items[i].SKU < items[j].SKU })

	var stmt string
	switch {
	case from == StateHeld && to == StateCommitted:
		stmt = `UPDATE stock SET held = held - $2, committed = committed + $2, updated_at = now() WHERE sku=$1`
	case from == StateHeld && to == StateReleased:
		stmt = `UPDATE stock SET held = held - $2, updated_at = now() WHERE sku=$1`
	case from == StateCommitted && to == StateReleased:
		stmt = `UPDATE stock SET committed = committed - $2, updated_at = now() WHERE sku=$1`
	default:
		return false, fmt.Errorf("unsupported reservation move %s -> %s", from, to)
	}
	for _, it := range items {
		if _, err := tx.Exec(ctx, stmt, it.SKU, it.Quantity); err != nil {
			return false, err
		}
	}
	return true, tx.Commit(ctx)
}

func (l *PGLedger) state(ctx context.Context, orderID string) (State, error) {
	return stateTx(ctx, l.DB, orderID)
}

type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func stateTx(ctx context.Context, q rowQuerier, orderID string) (State, error) {
	var st string
	err := q.QueryRow(ctx, `SELECT state FROM reservations WHERE order_id=$1 LIMIT 1`, orderID).Scan(&st)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrReservationNotFound
	}
	return State(st), err
}

func loadReservation(ctx context.Context, tx pgx.Tx, orderID string) (*Reservation, error) {
	rows, err := tx.Query(ctx, `
		SELECT sku, qty, state, created_at, expires_at FROM reservations
		WHERE order_id=$1 ORDER BY sku`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	r := &Reservation{OrderID: orderID}
	for rows.Next() {
		var it Item
		var st string
		if err := rows.Scan(&it.SKU, &it.Quantity, &st, &r.CreatedAt, &r.ExpiresAt); err != nil {
			return nil, err
		}
		r.State = State(st)
		r.Items = append(r.Items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(r.Items) == 0 {
		return nil, ErrReservationNotFound
	}
	return r, nil
}
