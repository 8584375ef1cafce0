package storage

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	stockKeyPrefix        = "stock:"
	idempotencyKeyPrefix  = "idem:"
	defaultIdempotencyTTL = 24 * time.Hour
	defaultStockTTL       = 24 * time.Hour
)

// Mirrors are written after commit and may arrive out of order, so a write only
// lands when its ledger version is newer than the stored one. Every landed
// write renews the key's TTL.
var setStockScript = redis.NewScript(`
local key = KEYS[1]
local quantity = ARGV[1]
local version = tonumber(ARGV[2])
local ttl = tonumber(ARGV[3])

local current = redis.call('HGET', key, 'version')
if current and tonumber(current) >= version then
	return 0
end

redis.call('HSET', key, 'qty', quantity, 'version', version)
redis.call('PEXPIRE', key, ttl)
return 1
`)

type RedisAdapter struct {
	client         *redis.Client
	idempotencyTTL time.Duration
	stockTTL       time.Duration
}

// NewRedisAdapter returns the stock mirror and idempotency store. Mirrored
// stock expires stockTTL after its last write.
func NewRedisAdapter(client *redis.Client, idempotencyTTL, stockTTL time.Duration) *RedisAdapter {
	if idempotencyTTL <= 0 {
		idempotencyTTL = defaultIdempotencyTTL
	}
	if stockTTL <= 0 {
		stockTTL = defaultStockTTL
	}
	return &RedisAdapter{client: client, idempotencyTTL: idempotencyTTL, stockTTL: stockTTL}
}

func (r *RedisAdapter) SetStock(ctx context.Context, productID string, quantity int, version int64) error {
	key := stockKeyPrefix + productID
	return setStockScript.Run(ctx, r.client, []string{key}, quantity, version, r.stockTTL.Milliseconds()).Err()
}

// ResetStock overwrites the mirror whatever version it holds. Used when the
// ledger starts a new version sequence for the product.
func (r *RedisAdapter) ResetStock(ctx context.Context, productID string, quantity int, version int64) error {
	key := stockKeyPrefix + productID
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, "qty", quantity, "version", version)
		pipe.PExpire(ctx, key, r.stockTTL)
		return nil
	})
	return err
}

// GetStock reports the mirrored quantity. ok is false when nothing is mirrored.
func (r *RedisAdapter) GetStock(ctx context.Context, productID string) (quantity int, ok bool, err error) {
	key := stockKeyPrefix + productID

	quantity, err = r.client.HGet(ctx, key, "qty").Int()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return quantity, true, nil
}

func (r *RedisAdapter) SetIdempotency(ctx context.Context, key string) (bool, error) {
	ok, err := r.client.SetNX(ctx, idempotencyKeyPrefix+key, 1, r.idempotencyTTL).Result()
	if err != nil {
		return false, err
	}

	return ok, nil
}

func (r *RedisAdapter) ReleaseIdempotency(ctx context.Context, key string) error {
	return r.client.Del(ctx, idempotencyKeyPrefix+key).Err()
}
