package redisx

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/samber/lo"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// StockCache caches sellable stock per variant. Values are for display only;
// a fill racing an invalidation can leave a stale value until the TTL expires.
type StockCache struct {
	rdb *redis.Client
	ttl time.Duration
	log *zap.Logger
	sfg singleflight.Group
}

func NewStockCache(rdb *redis.Client, ttl time.Duration, log *zap.Logger) *StockCache {
	if ttl <= 0 {
		ttl = TTLSellable
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &StockCache{rdb: rdb, ttl: ttl, log: log}
}

// Sellable returns the cached value, or calls load once per variant across
// concurrent misses and caches its result. Redis errors fall through to load.
func (c *StockCache) Sellable(ctx context.Context, variantID int64, load func(ctx context.Context) (int, error)) (int, error) {
	key := fmt.Sprintf(KeySellable, variantID)

	n, err := c.rdb.Get(ctx, key).Int()
	if err == nil {
		return n, nil
	}
	if !errors.Is(err, redis.Nil) {
		c.log.Warn("stock cache get", zap.Int64("variant_id", variantID), zap.Error(err))
	}

	// the flight is shared, so one caller going away must not fail the others
	fctx := context.WithoutCancel(ctx)
	v, err, _ := c.sfg.Do(key, func() (any, error) {
		n, err := load(fctx)
		if err != nil {
			return 0, err
		}
		if err := c.rdb.Set(fctx, key, n, c.ttl).Err(); err != nil {
			c.log.Warn("stock cache set", zap.Int64("variant_id", variantID), zap.Error(err))
		}
		return n, nil
	})
	if err != nil {
		return 0, err
	}
	return v.(int), nil
}

func (c *StockCache) Invalidate(ctx context.Context, variantIDs ...int64) error {
	if len(variantIDs) == 0 {
		return nil
	}
	keys := lo.Map(variantIDs, func(id int64, _ int) string { return fmt.Sprintf(KeySellable, id) })
	if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("redis del %d keys: %w", len(keys), err)
	}
	return nil
}
