package redisx

import "time"

const (
	// Checkout request idempotency: idem:checkout:{owner}:{key} -> "processing:{fp}" | {fingerprint, result}
	KeyIdemCheckout = "idem:checkout:%s:%s"

	// Order status cache: hash order_status:{order_id} v -> updated_at in µs,
	// body -> status JSON, or "" for a tombstone left by a transition.
	KeyOrderStatus = "order_status:%s"

	// Event dedup for consumers: dedup:{service}:{event_id}
	KeyDedup = "dedup:%s:%s"

	// Webhook idempotency ledger: webhook:event:{provider_event_id} -> "processing" | "done"
	KeyWebhookEvent = "webhook:event:%s"

	// Cart lines: hash cart:{owner} sku -> qty
	KeyCart = "cart:%s"
)

var (
	TTLIdempotency = 24 * time.Hour
	TTLStatusCache = 5 * time.Minute
	TTLDedup       = 48 * time.Hour
	// TTLWebhookLease bounds how long a crashed worker blocks redelivery.
	TTLWebhookLease = 30 * time.Second
	TTLWebhookDone  = 7 * 24 * time.Hour
)
