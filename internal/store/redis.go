package store

import (
	"context"
	"time"

	"admission-gateway/internal/common/errors"
	"admission-gateway/internal/redis"
)

// RedisStore is the distributed CounterStore. Window logs are sorted sets
// mutated by a server-side script, stats are hashes.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisStore namespaces every key under keyPrefix.
func NewRedisStore(client *redis.Client, keyPrefix string) *RedisStore {
	return &RedisStore{
		client:    client,
		keyPrefix: keyPrefix,
	}
}

func (r *RedisStore) buildKey(key string) string {
	return r.keyPrefix + key
}

func (r *RedisStore) AcquireWindow(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (WindowResult, error) {
	admitted, count, err := r.client.AcquireWindow(ctx, r.buildKey(key), limit, window, now)
	if err != nil {
		return WindowResult{}, errors.StoreUnavailableError("acquire_window", err)
	}
	return WindowResult{Admitted: admitted, Count: count}, nil
}

func (r *RedisStore) UpdateStats(ctx context.Context, key string, delta StatsDelta, ttl time.Duration) error {
	incr := map[string]int64{
		redis.FieldTotal:  delta.Requests,
		redis.FieldErrors: delta.Errors,
		redis.FieldAbuse:  delta.Abuse,
	}
	var set map[string]int64
	if delta.LastResponseTimeMs != nil {
		set = map[string]int64{redis.FieldLastResponse: *delta.LastResponseTimeMs}
	}

	if err := r.client.UpdateStats(ctx, r.buildKey(key), incr, set, ttl); err != nil {
		return errors.StoreUnavailableError("update_stats", err)
	}
	return nil
}

func (r *RedisStore) GetStats(ctx context.Context, key string) (BehaviorStats, bool, error) {
	fields, err := r.client.GetStats(ctx, r.buildKey(key))
	if err != nil {
		return BehaviorStats{}, false, errors.StoreUnavailableError("get_stats", err)
	}
	if len(fields) == 0 {
		return BehaviorStats{}, false, nil
	}

	return BehaviorStats{
		TotalRequests:      fields[redis.FieldTotal],
		ErrorCount:         fields[redis.FieldErrors],
		AbuseCount:         fields[redis.FieldAbuse],
		LastResponseTimeMs: fields[redis.FieldLastResponse],
	}, true, nil
}

func (r *RedisStore) Health(ctx context.Context) error {
	if err := r.client.Health(ctx); err != nil {
		return errors.StoreUnavailableError("health", err)
	}
	return nil
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}
