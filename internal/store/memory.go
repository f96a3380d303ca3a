package store

import (
	"context"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	gocache "github.com/patrickmn/go-cache"
	"github.com/samber/lo"
)

const shardCount = 64

type windowLog struct {
	// entries are request times in microseconds
	entries []int64
}

// MemoryStore keeps window logs and stats in process memory. It is meant for
// tests and single-process deployments; nothing is shared across processes.
type MemoryStore struct {
	cache  *gocache.Cache
	shards [shardCount]sync.Mutex
}

// NewMemoryStore creates a MemoryStore whose expired records are purged every cleanupInterval.
func NewMemoryStore(cleanupInterval time.Duration) *MemoryStore {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}
	return &MemoryStore{
		cache: gocache.New(gocache.NoExpiration, cleanupInterval),
	}
}

func (m *MemoryStore) lock(key string) func() {
	mu := &m.shards[xxhash.Sum64String(key)%shardCount]
	mu.Lock()
	return mu.Unlock
}

func (m *MemoryStore) AcquireWindow(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (WindowResult, error) {
	if err := ctx.Err(); err != nil {
		return WindowResult{}, err
	}

	unlock := m.lock(key)
	defer unlock()

	nowMicros := now.UnixMicro()
	cutoff := nowMicros - window.Microseconds()

	log := &windowLog{}
	if cached, found := m.cache.Get(key); found {
		log = cached.(*windowLog)
	}

	log.entries = lo.Filter(log.entries, func(ts int64, _ int) bool {
		return ts > cutoff
	})

	count := len(log.entries)
	if count >= limit {
		return WindowResult{Admitted: false, Count: count}, nil
	}

	log.entries = append(log.entries, nowMicros)
	m.cache.Set(key, log, window)
	return WindowResult{Admitted: true, Count: count + 1}, nil
}

func (m *MemoryStore) UpdateStats(ctx context.Context, key string, delta StatsDelta, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	unlock := m.lock(key)
	defer unlock()

	stats := &BehaviorStats{}
	if cached, found := m.cache.Get(key); found {
		stats = cached.(*BehaviorStats)
	}
	stats.apply(delta)
	m.cache.Set(key, stats, ttl)
	return nil
}

func (m *MemoryStore) GetStats(ctx context.Context, key string) (BehaviorStats, bool, error) {
	if err := ctx.Err(); err != nil {
		return BehaviorStats{}, false, err
	}

	unlock := m.lock(key)
	defer unlock()

	cached, found := m.cache.Get(key)
	if !found {
		return BehaviorStats{}, false, nil
	}
	return *cached.(*BehaviorStats), true, nil
}

func (m *MemoryStore) Health(ctx context.Context) error {
	return ctx.Err()
}

func (m *MemoryStore) Close() error {
	m.cache.Flush()
	return nil
}
