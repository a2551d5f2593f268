package webhook

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ariefcatur/go-realtime-checkout/internal/redisx"
)

type Claim int

const (
	// Claimed means the caller holds the lease and must Complete or Abandon.
	Claimed Claim = iota
	AlreadyDone
	// InFlight means another worker holds an unexpired lease.
	InFlight
)

func (c Claim) String() string {
	switch c {
	case Claimed:
		return "claimed"
	case AlreadyDone:
		return "done"
	case InFlight:
		return "in_flight"
	}
	return fmt.Sprintf("claim(%d)", int(c))
}

// Ledger records provider event ids. Claim is insert-if-absent; the entry
// only becomes permanent on Complete.
type Ledger interface {
	Claim(ctx context.Context, eventID string) (Claim, error)
	Complete(ctx context.Context, eventID string) error
	Abandon(ctx context.Context, eventID string) error
}

const (
	valueProcessing = "processing"
	valueDone       = "done"
)

type memoryEntry struct {
	done  bool
	until time.Time
}

type MemoryLedger struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	Lease   time.Duration
	Now     func() time.Time
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{entries: make(map[string]memoryEntry), Lease: redisx.TTLWebhookLease, Now: time.Now}
}

func (l *MemoryLedger) Claim(_ context.Context, eventID string) (Claim, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.Now()
	if e, ok := l.entries[eventID]; ok {
		if e.done {
			return AlreadyDone, nil
		}
		if now.Before(e.until) {
			return InFlight, nil
		}
	}
	l.entries[eventID] = memoryEntry{until: now.Add(l.Lease)}
	return Claimed, nil
}

func (l *MemoryLedger) Complete(_ context.Context, eventID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries[eventID] = memoryEntry{done: true}
	return nil
}

func (l *MemoryLedger) Abandon(_ context.Context, eventID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.entries[eventID]; ok && !e.done {
		delete(l.entries, eventID)
	}
	return nil
}

// RedisLedger keeps webhook:event:{id} as "processing" under a short lease
// and "done" for a week.
type RedisLedger struct {
	RDB   redis.Cmdable
	Lease time.Duration
	Keep  time.Duration
}

func NewRedisLedger(rdb redis.Cmdable) *RedisLedger {
	return &RedisLedger{RDB: rdb, Lease: redisx.TTLWebhookLease, Keep: redisx.TTLWebhookDone}
}

// abandonScript deletes the key only while it still holds a lease.
var abandonScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

func (l *RedisLedger) Claim(ctx context.Context, eventID string) (Claim, error) {
	key := fmt.Sprintf(redisx.KeyWebhookEvent, eventID)
	// The lease may expire between SETNX and GET; one more round settles it.
	for range 2 {
		ok, err := l.RDB.SetNX(ctx, key, valueProcessing, l.Lease).Result()
		if err != nil {
			return 0, fmt.Errorf("claim webhook event %s: %w", eventID, err)
		}
		if ok {
			return Claimed, nil
		}
		v, err := l.RDB.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("read webhook event %s: %w", eventID, err)
		}
		if v == valueDone {
			return AlreadyDone, nil
		}
		return InFlight, nil
	}
	return InFlight, nil
}

func (l *RedisLedger) Complete(ctx context.Context, eventID string) error {
	key := fmt.Sprintf(redisx.KeyWebhookEvent, eventID)
	if err := l.RDB.Set(ctx, key, valueDone, l.Keep).Err(); err != nil {
		return fmt.Errorf("complete webhook event %s: %w", eventID, err)
	}
	return nil
}

func (l *RedisLedger) Abandon(ctx context.Context, eventID string) error {
	key := fmt.Sprintf(redisx.KeyWebhookEvent, eventID)
	if err := abandonScript.Run(ctx, l.RDB, []string{key}, valueProcessing).Err(); err != nil {
		return fmt.Errorf("abandon webhook event %s: %w", eventID, err)
	}
	return nil
}
