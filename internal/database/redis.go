package database

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisClients bundles the two Redis connections this service uses: one for
// keyspace commands (artifact cache) and a dedicated one for the broadcast
// bus subscription, so a blocked subscriber never starves cache reads.
type RedisClients struct {
	Cache  *redis.Client
	PubSub *redis.Client
}

// NewRedisClients connects both clients. An unreachable Redis is not fatal
// for this service (the bus and cache both fail open), so callers treat an
// error here as "run single-instance" rather than exiting.
func NewRedisClients(redisURL string) (*RedisClients, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cacheClient := redis.NewClient(opt)
	if err := cacheClient.Ping(ctx).Err(); err != nil {
		cacheClient.Close()
		return nil, fmt.Errorf("failed to ping Redis (cache): %w", err)
	}

	pubsubOpt := *opt
	pubsubClient := redis.NewClient(&pubsubOpt)
	if err := pubsubClient.Ping(ctx).Err(); err != nil {
		cacheClient.Close()
		pubsubClient.Close()
		return nil, fmt.Errorf("failed to ping Redis (pubsub): %w", err)
	}

	return &RedisClients{
		Cache:  cacheClient,
		PubSub: pubsubClient,
	}, nil
}

func (r *RedisClients) Close() {
	r.Cache.Close()
	r.PubSub.Close()
}
