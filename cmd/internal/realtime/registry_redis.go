package realtime

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRegistryTTL = 24 * time.Hour

// RedisRegistry keeps one Redis set per (hub, user). The set expires after
// ttl without writes, which bounds leftovers from crashed instances.
type RedisRegistry struct {
	rdb    redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func NewRedisRegistry(rdb redis.UniversalClient, ttl time.Duration) *RedisRegistry {
	if ttl <= 0 {
		ttl = defaultRegistryTTL
	}
	return &RedisRegistry{rdb: rdb, prefix: "avancira:hubs:", ttl: ttl}
}

func (r *RedisRegistry) key(hub, userID string) string {
	return r.prefix + registryKey(hub, userID)
}

func (r *RedisRegistry) Add(ctx context.Context, hub, userID, connID string) error {
	k := r.key(hub, userID)
	_, err := r.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.SAdd(ctx, k, connID)
		p.Expire(ctx, k, r.ttl)
		return nil
	})
	return err
}

func (r *RedisRegistry) Remove(ctx context.Context, hub, userID, connID string) error {
	return r.rdb.SRem(ctx, r.key(hub, userID), connID).Err()
}

func (r *RedisRegistry) Count(ctx context.Context, hub, userID string) (int, error) {
	n, err := r.rdb.SCard(ctx, r.key(hub, userID)).Result()
	return int(n), err
}
