package inventory

import (
	"context"
	"log/slog"
	"time"
)

// Sweeper periodically releases held reservations past their expiry.
type Sweeper struct {
	Ledger   Ledger
	Interval time.Duration
	Logger   *slog.Logger
	// OnExpired is called once per released order, e.g. to count expiries
	// or return what the order had claimed besides stock.
	OnExpired func(ctx context.Context, orderID string)
	Now       func() time.Time
}

// Run sweeps until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil && ctx.Err() == nil {
				s.logger().WarnContext(ctx, "reservation sweep failed", slog.Any("err", err))
			}
		}
	}
}

func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	ids, err := s.Ledger.ExpireDue(ctx, now())
	for _, id := range ids {
		s.logger().InfoContext(ctx, "reservation expired", slog.String("order_id", id))
		if s.OnExpired != nil {
			s.OnExpired(ctx, id)
		}
	}
	return len(ids), err
}

func (s *Sweeper) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}
