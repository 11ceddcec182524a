package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ai-on-fhir/fhirquery/fhir"
	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
)

// KeyPrefix namespaces every key the service writes to Redis
const KeyPrefix = "fhirquery:search:"

var _ Cache = (*RedisCache)(nil)

// RedisCache stores bundles as JSON with a TTL
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisClient parses a redis:// URL and checks the server answers
func NewRedisClient(ctx context.Context, rawURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("could not connect to Redis: %w", err)
	}
	return client, nil
}

func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, ttl: ttl}
}

func (r *RedisCache) Get(ctx context.Context, key string) (*fhir.Bundle, bool, error) {
	data, err := r.client.Get(ctx, KeyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %s: %w", key, err)
	}

	var bundle fhir.Bundle
	if err := json.Unmarshal(data, &bundle); err != nil {
		return nil, false, fmt.Errorf("cannot unmarshal cached bundle %s: %w", key, err)
	}
	return &bundle, true, nil
}

func (r *RedisCache) Set(ctx context.Context, key string, bundle *fhir.Bundle) error {
	data, err := json.Marshal(bundle)
	if err != nil {
		return fmt.Errorf("cannot marshal bundle: %w", err)
	}
	if err := r.client.Set(ctx, KeyPrefix+key, data, r.ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// Ping reports whether Redis is reachable
func (r *RedisCache) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisCache) Close() error {
	return r.client.Close()
}
