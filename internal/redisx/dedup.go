package redisx

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Dedup remembers processed event ids per consumer.
type Dedup struct {
	rdb     *redis.Client
	service string
	ttl     time.Duration
}

func NewDedup(rdb *redis.Client, service string) *Dedup {
	return &Dedup{rdb: rdb, service: service, ttl: TTLDedup}
}

// Claim marks eventID as taken and reports whether this caller is the first.
func (d *Dedup) Claim(ctx context.Context, eventID string) (bool, error) {
	ok, err := d.rdb.SetNX(ctx, d.key(eventID), "1", d.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx: %w", err)
	}
	return ok, nil
}

// Release forgets eventID so a redelivery is processed again.
func (d *Dedup) Release(ctx context.Context, eventID string) error {
	if err := d.rdb.Del(ctx, d.key(eventID)).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

func (d *Dedup) key(eventID string) string {
	return fmt.Sprintf(KeyDedup, d.service, eventID)
}
