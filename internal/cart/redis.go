package cart

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ariefcatur/go-realtime-checkout/internal/pricing"
	"github.com/ariefcatur/go-realtime-checkout/internal/redisx"
)

// RedisStore keeps each cart as a hash cart:{owner} of sku -> quantity.
// Every write refreshes the idle TTL.
type RedisStore struct {
	RDB redis.Cmdable
	TTL time.Duration
}

func NewRedisStore(rdb redis.Cmdable, ttl time.Duration) *RedisStore {
	return &RedisStore{RDB: rdb, TTL: ttl}
}

func (s *RedisStore) Get(ctx context.Context, owner string) ([]pricing.Line, error) {
	m, err := s.RDB.HGetAll(ctx, fmt.Sprintf(redisx.KeyCart, owner)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis get cart: %w", err)
	}
	lines := make([]pricing.Line, 0, len(m))
	for sku, v := range m {
		q, err := strconv.Atoi(v)
		if err != nil || q <= 0 {
			continue
		}
		lines = append(lines, pricing.Line{SKU: sku, Quantity: q})
	}
	return sortLines(lines), nil
}

func (s *RedisStore) SetQuantity(ctx context.Context, owner, sku string, qty int) error {
	sku, err := validate(sku, qty)
	if err != nil {
		return err
	}
	key := fmt.Sprintf(redisx.KeyCart, owner)
	_, err = s.RDB.TxPipelined(ctx, func(p redis.Pipeliner) error {
		if qty == 0 {
			p.HDel(ctx, key, sku)
		} else {
			p.HSet(ctx, key, sku, qty)
		}
		if s.TTL > 0 {
			p.Expire(ctx, key, s.TTL)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis set cart line: %w", err)
	}
	return nil
}

// removeLines takes ARGV = ttl_ms, sku1, qty1, sku2, qty2, ...
var removeLines = redis.NewScript(`
local key = KEYS[1]
for i = 2, #ARGV, 2 do
	local left = tonumber(redis.call('HGET', key, ARGV[i]) or '0') - tonumber(ARGV[i + 1])
	if left > 0 then
		redis.call('HSET', key, ARGV[i], tostring(left))
	else
		redis.call('HDEL', key, ARGV[i])
	end
end
local ttl = tonumber(ARGV[1])
if ttl > 0 and redis.call('EXISTS', key) == 1 then
	redis.call('PEXPIRE', key, ARGV[1])
end
return 0
`)

func (s *RedisStore) Remove(ctx context.Context, owner string, lines []pricing.Line) error {
	if len(lines) == 0 {
		return nil
	}
	args := make([]any, 0, 1+2*len(lines))
	args = append(args, s.TTL.Milliseconds())
	for _, l := range lines {
		args = append(args, l.SKU, l.Quantity)
	}
	if err := removeLines.Run(ctx, s.RDB, []string{fmt.Sprintf(redisx.KeyCart, owner)}, args...).Err(); err != nil {
		return fmt.Errorf("redis remove cart lines: %w", err)
	}
	return nil
}

func (s *RedisStore) Clear(ctx context.Context, owner string) error {
	if err := s.RDB.Del(ctx, fmt.Sprintf(redisx.KeyCart, owner)).Err(); err != nil {
		return fmt.Errorf("redis delete cart: %w", err)
	}
	return nil
}
