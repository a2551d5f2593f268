package checkout

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ariefcatur/go-realtime-checkout/internal/pricing"
	"github.com/ariefcatur/go-realtime-checkout/internal/redisx"
)

// ErrRequestInFlight means another request with the same Idempotency-Key has
// not finished yet.
var ErrRequestInFlight = errors.New("request with this idempotency key is in progress")

// ErrRequestMismatch means the Idempotency-Key was already used for a
// request with a different body.
var ErrRequestMismatch = errors.New("idempotency key reused with a different request")

// Requests remembers checkout results per (owner, Idempotency-Key), together
// with a fingerprint of the request that produced them.
type Requests interface {
	// Begin claims the key. It returns the stored result when the key already
	// finished, ErrRequestInFlight while another holder works on it, and
	// ErrRequestMismatch when fingerprint differs from the one it was
	// claimed with.
	Begin(ctx context.Context, owner, key, fingerprint string) (*Result, error)
	Finish(ctx context.Context, owner, key, fingerprint string, res *Result) error
	// Abort frees the key so the client may retry with it.
	Abort(ctx context.Context, owner, key string) error
}

// Fingerprint identifies what a checkout request asks for. Line order and
// code spelling do not matter.
func Fingerprint(req Request) string {
	lines := make([]pricing.Line, len(req.Lines))
	for i, l := range req.Lines {
		lines[i] = pricing.Line{SKU: strings.TrimSpace(l.SKU), Quantity: l.Quantity}
	}
	sort.Slice(lines, func(i, j int) bool {
		if lines[i].SKU != lines[j].SKU {
			return lines[i].SKU < lines[j].SKU
		}
		return lines[i].Quantity < lines[j].Quantity
	})
	h := sha256.New()
	fmt.Fprintf(h, "shipping=%s\ncoupon=%s\n", strings.TrimSpace(req.ShippingOption), pricing.NormalizeCode(req.CouponCode))
	for _, l := range lines {
		fmt.Fprintf(h, "%s=%d\n", l.SKU, l.Quantity)
	}
	return hex.EncodeToString(h.Sum(nil))
}

type storedRequest struct {
	Fingerprint string  `json:"fingerprint"`
	Result      *Result `json:"result,omitempty"`
}

type MemoryRequests struct {
	mu      sync.Mutex
	entries map[string]*storedRequest // nil Result means in flight
}

func NewMemoryRequests() *MemoryRequests {
	return &MemoryRequests{entries: make(map[string]*storedRequest)}
}

func (m *MemoryRequests) Begin(_ context.Context, owner, key, fingerprint string) (*Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := owner + "|" + key
	e, ok := m.entries[k]
	switch {
	case !ok:
		m.entries[k] = &storedRequest{Fingerprint: fingerprint}
		return nil, nil
	case e.Fingerprint != fingerprint:
		return nil, ErrRequestMismatch
	case e.Result == nil:
		return nil, ErrRequestInFlight
	}
	out := *e.Result
	return &out, nil
}

func (m *MemoryRequests) Finish(_ context.Context, owner, key, fingerprint string, res *Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := *res
	m.entries[owner+"|"+key] = &storedRequest{Fingerprint: fingerprint, Result: &out}
	return nil
}

func (m *MemoryRequests) Abort(_ context.Context, owner, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := owner + "|" + key
	if e, ok := m.entries[k]; ok && e.Result == nil {
		delete(m.entries, k)
	}
	return nil
}

// requestInFlight prefixes the fingerprint while a request holds its key.
const requestInFlight = "processing:"

// RedisRequests stores idem:checkout:{owner}:{key} as "processing:{fp}"
// under a short lease, then as the JSON storedRequest for TTLIdempotency.
type RedisRequests struct {
	RDB   redis.Cmdable
	Lease time.Duration
	Keep  time.Duration
}

func NewRedisRequests(rdb redis.Cmdable) *RedisRequests {
	return &RedisRequests{RDB: rdb, Lease: 2 * time.Minute, Keep: redisx.TTLIdempotency}
}

func (r *RedisRequests) Begin(ctx context.Context, owner, key, fingerprint string) (*Result, error) {
	k := fmt.Sprintf(redisx.KeyIdemCheckout, owner, key)
	ok, err := r.RDB.SetNX(ctx, k, requestInFlight+fingerprint, r.Lease).Result()
	if err != nil {
		return nil, fmt.Errorf("claim idempotency key: %w", err)
	}
	if ok {
		return nil, nil
	}
	v, err := r.RDB.Get(ctx, k).Result()
	if errors.Is(err, redis.Nil) {
		// Expired between the two calls; treat as still contended.
		return nil, ErrRequestInFlight
	}
	if err != nil {
		return nil, fmt.Errorf("read idempotency key: %w", err)
	}
	if fp, inFlight := strings.CutPrefix(v, requestInFlight); inFlight {
		if fp != fingerprint {
			return nil, ErrRequestMismatch
		}
		return nil, ErrRequestInFlight
	}
	var stored storedRequest
	if err := json.Unmarshal([]byte(v), &stored); err != nil {
		return nil, fmt.Errorf("decode stored checkout result: %w", err)
	}
	if stored.Result == nil {
		return nil, errors.New("stored checkout result is empty")
	}
	if stored.Fingerprint != fingerprint {
		return nil, ErrRequestMismatch
	}
	return stored.Result, nil
}

func (r *RedisRequests) Finish(ctx context.Context, owner, key, fingerprint string, res *Result) error {
	b, err := json.Marshal(storedRequest{Fingerprint: fingerprint, Result: res})
	if err != nil {
		return err
	}
	return r.RDB.Set(ctx, fmt.Sprintf(redisx.KeyIdemCheckout, owner, key), b, r.Keep).Err()
}

var abortScript = redis.NewScript(`
local v = redis.call("GET", KEYS[1])
if v and string.sub(v, 1, #ARGV[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

func (r *RedisRequests) Abort(ctx context.Context, owner, key string) error {
	k := fmt.Sprintf(redisx.KeyIdemCheckout, owner, key)
	return abortScript.Run(ctx, r.RDB, []string{k}, requestInFlight).Err()
}
