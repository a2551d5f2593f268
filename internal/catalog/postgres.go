package catalog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/ariefcatur/go-realtime-checkout/internal/pricing"
)

// Store serves products, shipping options and coupons from postgres.
type Store struct {
	DB *pgxpool.Pool
}

func (s *Store) Items(ctx context.Context, skus []string) (map[string]pricing.Item, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT sku, name, unit_price, sale_price, currency, active
		FROM products WHERE sku = ANY($1)`, skus)
	if err != nil {
		return nil, fmt.Errorf("query products: %w", err)
	}
	items, err := pgx.CollectRows(rows, scanItem)
	if err != nil {
		return nil, fmt.Errorf("scan products: %w", err)
	}
	out := make(map[string]pricing.Item, len(items))
	for _, it := range items {
		out[it.SKU] = it
	}
	return out, nil
}

// List returns active products ordered by SKU.
func (s *Store) List(ctx context.Context) ([]pricing.Item, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT sku, name, unit_price, sale_price, currency, active
		FROM products WHERE active ORDER BY sku`)
	if err != nil {
		return nil, fmt.Errorf("query products: %w", err)
	}
	return pgx.CollectRows(rows, scanItem)
}

func scanItem(row pgx.CollectableRow) (pricing.Item, error) {
	var it pricing.Item
	err := row.Scan(&it.SKU, &it.Name, &it.UnitPrice, &it.SalePrice, &it.Currency, &it.Active)
	return it, err
}

func (s *Store) ShippingOptions(ctx context.Context) (map[string]pricing.ShippingOption, error) {
	rows, err := s.DB.Query(ctx, `SELECT id, label, cost, free_over FROM shipping_options WHERE active`)
	if err != nil {
		return nil, fmt.Errorf("query shipping options: %w", err)
	}
	defer rows.Close()

	out := map[string]pricing.ShippingOption{}
	for rows.Next() {
		var o pricing.ShippingOption
		if err := rows.Scan(&o.ID, &o.Label, &o.Cost, &o.FreeOver); err != nil {
			return nil, err
		}
		out[o.ID] = o
	}
	return out, rows.Err()
}

func (s *Store) Lookup(ctx context.Context, code string) (*pricing.Coupon, error) {
	code = pricing.NormalizeCode(code)
	var (
		cp        pricing.Coupon
		kind      string
		percent   string
		from, to  *time.Time
		skus      []string
		usageLim  *int32
		usedCount int32
	)
	err := s.DB.QueryRow(ctx, `
		SELECT c.code, c.kind, c.percent::text, c.amount_off, c.min_subtotal,
		       c.valid_from, c.valid_to, c.active, c.usage_limit, c.used_count,
		       COALESCE(array_agg(cs.sku ORDER BY cs.sku) FILTER (WHERE cs.sku IS NOT NULL), '{}')
		FROM coupons c LEFT JOIN coupon_skus cs ON cs.code = c.code
		WHERE c.code = $1
		GROUP BY c.code`, code).
		Scan(&cp.Code, &kind, &percent, &cp.AmountOff, &cp.MinSubtotal,
			&from, &to, &cp.Active, &usageLim, &usedCount, &skus)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, pricing.ErrCouponNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup coupon %s: %w", code, err)
	}

	cp.Kind = pricing.DiscountKind(kind)
	if cp.Percent, err = decimal.NewFromString(percent); err != nil {
		return nil, fmt.Errorf("coupon %s percent %q: %w", code, percent, err)
	}
	if from != nil {
		cp.ValidFrom = *from
	}
	if to != nil {
		cp.ValidTo = *to
	}
	if usageLim != nil {
		n := int(*usageLim)
		cp.UsageLimit = &n
	}
	cp.UsedCount = int(usedCount)
	if len(skus) > 0 {
		cp.SKUs = skus
	}
	return &cp, nil
}

// Redeem counts one use of code for orderID. The redemption row makes it
// idempotent per order; the coupon row lock keeps used_count within
// usage_limit.
func (s *Store) Redeem(ctx context.Context, code, orderID string) error {
	code = pricing.NormalizeCode(code)
	return pgx.BeginFunc(ctx, s.DB, func(tx pgx.Tx) error {
		var limit *int32
		var used int32
		err := tx.QueryRow(ctx, `SELECT usage_limit, used_count FROM coupons WHERE code = $1 FOR UPDATE`, code).
			Scan(&limit, &used)
		if errors.Is(err, pgx.ErrNoRows) {
			return pricing.ErrCouponNotFound
		}
		if err != nil {
			return fmt.Errorf("lock coupon %s: %w", code, err)
		}

		tag, err := tx.Exec(ctx, `
			INSERT INTO coupon_redemptions (code, order_id) VALUES ($1, $2)
			ON CONFLICT (code, order_id) DO NOTHING`, code, orderID)
		if err != nil {
			return fmt.Errorf("record redemption %s/%s: %w", code, orderID, err)
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		if limit != nil && used >= *limit {
			return pricing.ErrCouponExhausted
		}
		if _, err := tx.Exec(ctx, `UPDATE coupons SET used_count = used_count + 1 WHERE code = $1`, code); err != nil {
			return fmt.Errorf("increment coupon %s: %w", code, err)
		}
		return nil
	})
}

// Unredeem removes the redemption row of orderID and gives the use back.
func (s *Store) Unredeem(ctx context.Context, code, orderID string) error {
	code = pricing.NormalizeCode(code)
	return pgx.BeginFunc(ctx, s.DB, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `DELETE FROM coupon_redemptions WHERE code = $1 AND order_id = $2`, code, orderID)
		if err != nil {
			return fmt.Errorf("delete redemption %s/%s: %w", code, orderID, err)
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		if _, err := tx.Exec(ctx, `UPDATE coupons SET used_count = used_count - 1 WHERE code = $1 AND used_count > 0`, code); err != nil {
			return fmt.Errorf("decrement coupon %s: %w", code, err)
		}
		return nil
	})
}

// PutItem upserts a product. Used for seeding and tests.
func (s *Store) PutItem(ctx context.Context, it pricing.Item) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO products (sku, name, unit_price, sale_price, currency, active)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (sku) DO UPDATE SET
			name = EXCLUDED.name, unit_price = EXCLUDED.unit_price, sale_price = EXCLUDED.sale_price,
			currency = EXCLUDED.currency, active = EXCLUDED.active, updated_at = now()`,
		it.SKU, it.Name, it.UnitPrice, it.SalePrice, it.Currency, it.Active)
	return err
}

func (s *Store) PutCoupon(ctx context.Context, cp pricing.Coupon) error {
	cp.Code = pricing.NormalizeCode(cp.Code)
	var from, to *time.Time
	if !cp.ValidFrom.IsZero() {
		from = &cp.ValidFrom
	}
	if !cp.ValidTo.IsZero() {
		to = &cp.ValidTo
	}
	return pgx.BeginFunc(ctx, s.DB, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO coupons (code, kind, percent, amount_off, min_subtotal, valid_from, valid_to, active, usage_limit, used_count)
			VALUES ($1, $2, $3::numeric, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (code) DO UPDATE SET
				kind = EXCLUDED.kind, percent = EXCLUDED.percent, amount_off = EXCLUDED.amount_off,
				min_subtotal = EXCLUDED.min_subtotal, valid_from = EXCLUDED.valid_from, valid_to = EXCLUDED.valid_to,
				active = EXCLUDED.active, usage_limit = EXCLUDED.usage_limit`,
			cp.Code, string(cp.Kind), cp.Percent.String(), cp.AmountOff, cp.MinSubtotal, from, to, cp.Active, cp.UsageLimit, cp.UsedCount)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `DELETE FROM coupon_skus WHERE code = $1`, cp.Code); err != nil {
			return err
		}
		for _, sku := range cp.SKUs {
			if _, err := tx.Exec(ctx, `INSERT INTO coupon_skus (code, sku) VALUES ($1, $2)`, cp.Code, sku); err != nil {
				return err
			}
		}
		return nil
	})
}
