package redisx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// CachedStatus is what GET /orders/{id} serves without touching the store.
type CachedStatus struct {
	OrderID   string    `json:"order_id"`
	Owner     string    `json:"owner"`
	Status    string    `json:"status"`
	Total     int64     `json:"total"`
	Currency  string    `json:"currency"`
	UpdatedAt time.Time `json:"updated_at"`
}

// StatusCache is versioned by the order's UpdatedAt. A transition leaves a
// tombstone carrying its version, and a reader that loaded the order before
// the transition cannot write its older view over it.
type StatusCache struct {
	RDB redis.Cmdable
	TTL time.Duration
}

func NewStatusCache(rdb redis.Cmdable) *StatusCache {
	return &StatusCache{RDB: rdb, TTL: TTLStatusCache}
}

// Get reports false on a miss or a tombstone.
func (c *StatusCache) Get(ctx context.Context, orderID string) (CachedStatus, bool, error) {
	var cs CachedStatus
	body, err := c.RDB.HGet(ctx, fmt.Sprintf(KeyOrderStatus, orderID), "body").Result()
	if errors.Is(err, redis.Nil) || (err == nil && body == "") {
		return cs, false, nil
	}
	if err != nil {
		return cs, false, err
	}
	if err := json.Unmarshal([]byte(body), &cs); err != nil {
		return cs, false, err
	}
	return cs, true, nil
}

// setIfNewer writes ARGV = version, body, ttl_ms unless the stored version
// is newer, or equal and already holding a body.
var setIfNewer = redis.NewScript(`
local cur = redis.call('HMGET', KEYS[1], 'v', 'body')
if cur[1] then
	local v, mine = tonumber(cur[1]), tonumber(ARGV[1])
	if v > mine or (v == mine and cur[2] and cur[2] ~= '') then
		return 0
	end
end
redis.call('HSET', KEYS[1], 'v', ARGV[1], 'body', ARGV[2])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return 1
`)

// tombstone writes ARGV = version, ttl_ms unless the stored version is newer.
var tombstone = redis.NewScript(`
local v = redis.call('HGET', KEYS[1], 'v')
if v and tonumber(v) > tonumber(ARGV[1]) then
	return 0
end
redis.call('HSET', KEYS[1], 'v', ARGV[1], 'body', '')
redis.call('PEXPIRE', KEYS[1], ARGV[2])
return 1
`)

// Set caches cs unless a newer version, or the tombstone of a newer
// transition, is already there. It reports whether cs was written.
func (c *StatusCache) Set(ctx context.Context, cs CachedStatus) (bool, error) {
	b, err := json.Marshal(cs)
	if err != nil {
		return false, err
	}
	n, err := setIfNewer.Run(ctx, c.RDB, []string{fmt.Sprintf(KeyOrderStatus, cs.OrderID)},
		version(cs.UpdatedAt), string(b), c.TTL.Milliseconds()).Int()
	return n == 1, err
}

// Invalidate drops the cached view of an order that changed at updatedAt.
func (c *StatusCache) Invalidate(ctx context.Context, orderID string, updatedAt time.Time) error {
	return tombstone.Run(ctx, c.RDB, []string{fmt.Sprintf(KeyOrderStatus, orderID)},
		version(updatedAt), c.TTL.Milliseconds()).Err()
}

func version(t time.Time) string { return strconv.FormatInt(t.UnixMicro(), 10) }
