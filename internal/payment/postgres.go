package payment

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ariefcatur/go-realtime-checkout/internal/postgres"
)

type PGIntentStore struct{ DB *pgxpool.Pool }

const intentColumns = `id, order_id, amount, currency, status, client_secret, provider, created_at, updated_at`

func (s *PGIntentStore) Create(ctx context.Context, in *Intent) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO payment_intents (`+intentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		in.ID, in.OrderID, in.Amount, in.Currency, string(in.Status), in.ClientSecret, in.Provider, in.CreatedAt, in.UpdatedAt)
	if postgres.IsUniqueViolation(err) {
		return ErrIntentExists
	}
	return err
}

func (s *PGIntentStore) ByOrderID(ctx context.Context, orderID string) (*Intent, error) {
	return s.one(ctx, `SELECT `+intentColumns+` FROM payment_intents WHERE order_id=$1 AND status <> 'void'`, orderID)
}

func (s *PGIntentStore) ByIntentID(ctx context.Context, intentID string) (*Intent, error) {
	return s.one(ctx, `SELECT `+intentColumns+` FROM payment_intents WHERE id=$1`, intentID)
}

func (s *PGIntentStore) SetStatus(ctx context.Context, intentID string, st IntentStatus, at time.Time) (bool, error) {
	from := make([]string, 0, len(advancesFrom[st]))
	for _, f := range advancesFrom[st] {
		from = append(from, string(f))
	}
	ct, err := s.DB.Exec(ctx, `
		UPDATE payment_intents SET status=$2, updated_at=$3
		WHERE id=$1 AND status = ANY($4)`, intentID, string(st), at, from)
	if err != nil {
		return false, err
	}
	if ct.RowsAffected() == 1 {
		return true, nil
	}
	if _, err := s.ByIntentID(ctx, intentID); err != nil {
		return false, err
	}
	return false, nil
}

func (s *PGIntentStore) one(ctx context.Context, q string, arg string) (*Intent, error) {
	var in Intent
	var st string
	err := s.DB.QueryRow(ctx, q, arg).Scan(&in.ID, &in.OrderID, &in.Amount, &in.Currency, &st,
		&in.ClientSecret, &in.Provider, &in.CreatedAt, &in.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrIntentNotFound
	}
	if err != nil {
		return nil, err
	}
	in.Status = IntentStatus(st)
	return &in, nil
}
