package orders

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ariefcatur/go-realtime-checkout/internal/postgres"
)

type PGStore struct{ DB *pgxpool.Pool }

func (r *PGStore) Create(ctx context.Context, o *Order) error {
	tx, err := r.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		INSERT INTO orders (id, owner, status, currency, subtotal, shipping_option, shipping_cost,
		                    coupon_code, discount, total, snapshot_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), $9, $10, $11, $12, $13)`,
		o.ID, o.Owner, string(o.Status), o.Currency, o.Subtotal, o.ShippingOption, o.ShippingCost,
		o.CouponCode, o.Discount, o.Total, o.SnapshotID, o.CreatedAt, o.UpdatedAt)
	if postgres.IsUniqueViolation(err) {
		return ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}

	for i, l := range o.Lines {
		if _, err := tx.Exec(ctx, `
			INSERT INTO order_lines (order_id, line_no, sku, name, qty, unit_price, line_total)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			o.ID, i+1, l.SKU, l.Name, l.Quantity, l.UnitPrice, l.LineTotal); err != nil {
			return fmt.Errorf("insert order line: %w", err)
		}
	}
	return tx.Commit(ctx)
}

func (r *PGStore) Get(ctx context.Context, id string) (*Order, error) {
	o := &Order{ID: id}
	var status string
	var coupon, intent, ref *string
	err := r.DB.QueryRow(ctx, `
		SELECT owner, status, currency, subtotal, shipping_option, shipping_cost, coupon_code,
		       discount, total, snapshot_id, payment_intent_id, payment_reference, created_at, updated_at
		FROM orders WHERE id=$1`, id).Scan(
		&o.Owner, &status, &o.Currency, &o.Subtotal, &o.ShippingOption, &o.ShippingCost, &coupon,
		&o.Discount, &o.Total, &o.SnapshotID, &intent, &ref, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	o.Status = Status(status)
	o.CouponCode = deref(coupon)
	o.PaymentIntentID = deref(intent)
	o.PaymentReference = deref(ref)

	rows, err := r.DB.Query(ctx, `
		SELECT sku, name, qty, unit_price, line_total
		FROM order_lines WHERE order_id=$1 ORDER BY line_no`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var l Line
		if err := rows.Scan(&l.SKU, &l.Name, &l.Quantity, &l.UnitPrice, &l.LineTotal); err != nil {
			return nil, err
		}
		o.Lines = append(o.Lines, l)
	}
	return o, rows.Err()
}

func (r *PGStore) UpdateStatus(ctx context.Context, id string, from, to Status, u StatusUpdate) (*Order, error) {
	ct, err := r.DB.Exec(ctx, `
		UPDATE orders
		SET status = $3,
		    payment_intent_id = COALESCE(payment_intent_id, NULLIF($4, '')),
		    payment_reference = COALESCE(payment_reference, NULLIF($5, '')),
		    updated_at = $6
		WHERE id = $1 AND status = $2`,
		id, string(from), string(to), u.PaymentIntentID, u.PaymentReference, u.At)
	if err != nil {
		return nil, err
	}
	if ct.RowsAffected() == 0 {
		var exists bool
		if err := r.DB.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM orders WHERE id=$1)`, id).Scan(&exists); err != nil {
			return nil, err
		}
		if !exists {
			return nil, ErrNotFound
		}
		return nil, ErrStatusConflict
	}
	return r.Get(ctx, id)
}

func (r *PGStore) ListByOwner(ctx context.Context, owner string, limit int) ([]*Order, error) {
	rows, err := r.DB.Query(ctx, `
		SELECT id FROM orders WHERE owner=$1
		ORDER BY created_at DESC, id DESC LIMIT $2`, owner, limit)
	if err != nil {
		return nil, err
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, err
	}
	out := make([]*Order, 0, len(ids))
	for _, id := range ids {
		o, err := r.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
