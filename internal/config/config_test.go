package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoad_Defaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, ":8081", cfg.HTTPAddr)
	assert.Equal(t, []string{"kafka:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, "USD", cfg.DefaultCurrency)
	assert.Equal(t, 15*time.Minute, cfg.ReservationTTL)
	assert.True(t, cfg.RefundRestock)
	assert.Equal(t, 4, cfg.RetryMaxAttempts)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", " k1:9092, ,k2:9092 ")
	t.Setenv("RESERVATION_TTL", "2m")
	t.Setenv("REFUND_RESTOCK", "false")
	t.Setenv("DEFAULT_CURRENCY", "eur")
	t.Setenv("RETRY_MAX_ATTEMPTS", "7")

	cfg := Load()

	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 2*time.Minute, cfg.ReservationTTL)
	assert.False(t, cfg.RefundRestock)
	assert.Equal(t, "EUR", cfg.DefaultCurrency)
	assert.Equal(t, 7, cfg.RetryMaxAttempts)
}

func TestLoad_InvalidValuesFallBack(t *testing.T) {
	t.Setenv("SWEEP_INTERVAL", "soon")
	t.Setenv("NOTIFIER_WORKERS", "-3")
	t.Setenv("REFUND_RESTOCK", "maybe")

	cfg := Load()

	assert.Equal(t, 30*time.Second, cfg.SweepInterval)
	assert.Equal(t, 4, cfg.NotifierWorkers)
	assert.True(t, cfg.RefundRestock)
}
