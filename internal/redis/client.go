package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// Hash fields of a behavior stats record.
const (
	FieldTotal        = "total"
	FieldErrors       = "errors"
	FieldAbuse        = "abuse"
	FieldLastResponse = "last_ms"
)

// acquireScript evicts, counts and conditionally inserts in one server-side step.
// Scores are microseconds; cutoff and score arrive as strings so Lua never
// reformats them through a float.
//
// KEYS[1] window log key
// ARGV[1] cutoff score (inclusive upper bound of evicted entries)
// ARGV[2] score for this request
// ARGV[3] limit
// ARGV[4] unique member
// ARGV[5] key ttl in milliseconds
var acquireScript = redis.NewScript(`
local key = KEYS[1]
redis.call('ZREMRANGEBYSCORE', key, '-inf', ARGV[1])
local count = redis.call('ZCARD', key)
if count < tonumber(ARGV[3]) then
	redis.call('ZADD', key, ARGV[2], ARGV[4])
	redis.call('PEXPIRE', key, ARGV[5])
	return {1, count + 1}
end
return {0, count}
`)

type Client struct {
	rdb    *redis.Client
	config *Config
}

type Config struct {
	Address      string        `json:"address"`
	Password     string        `json:"password"`
	DB           int           `json:"db"`
	PoolSize     int           `json:"pool_size"`
	DialTimeout  time.Duration `json:"dial_timeout"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
}

func NewClient(config *Config) (*Client, error) {
	if config == nil {
		return nil, fmt.Errorf("redis config is required")
	}

	if config.Address == "" {
		config.Address = "localhost:6379"
	}
	if config.PoolSize == 0 {
		config.PoolSize = 10
	}
	if config.DialTimeout == 0 {
		config.DialTimeout = time.Second
	}
	if config.ReadTimeout == 0 {
		config.ReadTimeout = 500 * time.Millisecond
	}
	if config.WriteTimeout == 0 {
		config.WriteTimeout = 500 * time.Millisecond
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:         config.Address,
		Password:     config.Password,
		DB:           config.DB,
		PoolSize:     config.PoolSize,
		DialTimeout:  config.DialTimeout,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		MaxRetries:   -1, // a retry would outlive the caller's short deadline
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Client{
		rdb:    rdb,
		config: config,
	}, nil
}

func (c *Client) Close() error {
	return c.rdb.Close()
}

func (c *Client) Health(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// AcquireWindow runs the sliding-window log step for key. It reports whether the
// request was inserted and the live count after the step.
func (c *Client) AcquireWindow(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (bool, int, error) {
	nowMicros := now.UnixMicro()
	cutoff := nowMicros - window.Microseconds()
	// the uuid suffix keeps members unique when requests share a microsecond
	member := fmt.Sprintf("%d-%s", nowMicros, uuid.NewString())

	ttlMillis := window.Milliseconds()
	if ttlMillis < 1 {
		ttlMillis = 1
	}

	result, err := acquireScript.Run(ctx, c.rdb, []string{key},
		strconv.FormatInt(cutoff, 10),
		strconv.FormatInt(nowMicros, 10),
		limit,
		member,
		ttlMillis,
	).Result()
	if err != nil {
		return false, 0, fmt.Errorf("failed to run acquire script: %w", err)
	}

	values, ok := result.([]interface{})
	if !ok || len(values) != 2 {
		return false, 0, fmt.Errorf("unexpected acquire script reply: %v", result)
	}
	admitted, ok1 := values[0].(int64)
	count, ok2 := values[1].(int64)
	if !ok1 || !ok2 {
		return false, 0, fmt.Errorf("unexpected acquire script reply: %v", result)
	}

	return admitted == 1, int(count), nil
}

// UpdateStats applies counter increments and field overwrites to a stats hash and
// refreshes its expiry, all inside one MULTI/EXEC.
func (c *Client) UpdateStats(ctx context.Context, key string, incr map[string]int64, set map[string]int64, ttl time.Duration) error {
	pipe := c.rdb.TxPipeline()

	for field, delta := range incr {
		if delta != 0 {
			pipe.HIncrBy(ctx, key, field, delta)
		}
	}
	for field, value := range set {
		pipe.HSet(ctx, key, field, value)
	}
	pipe.PExpire(ctx, key, ttl)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to update stats: %w", err)
	}
	return nil
}

// GetStats returns the numeric fields of a stats hash. A missing key yields an empty map.
func (c *Client) GetStats(ctx context.Context, key string) (map[string]int64, error) {
	raw, err := c.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read stats: %w", err)
	}

	stats := make(map[string]int64, len(raw))
	for field, value := range raw {
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("stats field %s is not numeric: %w", field, err)
		}
		stats[field] = n
	}
	return stats, nil
}
