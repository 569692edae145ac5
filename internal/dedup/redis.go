package dedup

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/listing-analytics/internal/config"
)

// RedisStore keeps session claims in Redis with SET NX EX.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

// OpenRedis connects to Redis and verifies the connection.
func OpenRedis(ctx context.Context, cfg config.RedisConfig, prefix string) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, eris.Wrapf(err, "dedup: ping redis %s", cfg.Addr)
	}
	zap.L().Info("dedup: connected to redis", zap.String("addr", cfg.Addr))
	return NewRedisStore(client, prefix), nil
}

// Claim implements Store. New keys are set to owner; existing keys count as
// held only when their value is owner.
func (r *RedisStore) Claim(ctx context.Context, owner string, keys []string, ttl time.Duration) ([]bool, error) {
	out := make([]bool, len(keys))

	pipe := r.client.Pipeline()
	sets := make([]*redis.BoolCmd, len(keys))
	for i, k := range keys {
		sets[i] = pipe.SetNX(ctx, r.key(k), owner, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, eris.Wrap(err, "dedup: setnx pipeline")
	}

	var taken []int
	for i, cmd := range sets {
		if cmd.Val() {
			out[i] = true
			continue
		}
		taken = append(taken, i)
	}
	if len(taken) == 0 {
		return out, nil
	}

	pipe = r.client.Pipeline()
	gets := make([]*redis.StringCmd, len(taken))
	for j, i := range taken {
		gets[j] = pipe.Get(ctx, r.key(keys[i]))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, eris.Wrap(err, "dedup: get pipeline")
	}
	for j, i := range taken {
		// A key that expired between the two round trips reads as redis.Nil;
		// treat it as claimed elsewhere rather than racing another window.
		out[i] = gets[j].Err() == nil && gets[j].Val() == owner
	}
	return out, nil
}

// Close closes the underlying client.
func (r *RedisStore) Close() error {
	return r.client.Close()
}

func (r *RedisStore) key(k string) string {
	if r.prefix == "" {
		return k
	}
	return r.prefix + ":" + k
}
