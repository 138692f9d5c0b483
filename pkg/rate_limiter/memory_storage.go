package rate_limiter

import (
	"log/slog"
	"math"
	"sync"
	"time"
)

type MemoryStorage struct {
	mu    *sync.Mutex
	db    map[string]tokenBucket
	clock func() time.Time
}

type tokenBucket struct {
	lastRefillUnixNano int64
	bucketSize         float64
}

type MemoryStorageOption func(m *MemoryStorage)

// WithClock replaces time.Now, letting tests move time by hand.
func WithClock(clock func() time.Time) MemoryStorageOption {
	return func(m *MemoryStorage) {
		m.clock = clock
	}
}

func NewMemoryStorage(opts ...MemoryStorageOption) *MemoryStorage {
	m := &MemoryStorage{
		mu:    &sync.Mutex{},
		db:    make(map[string]tokenBucket),
		clock: time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *MemoryStorage) CheckAndUpdateTokenBucket(key string, capacity int, refillRate float64, cost float64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock()
	match, ok := m.db[key]
	if !ok { // a new bucket starts full
		slog.Debug("Creating new token bucket", "key", key, "tokens", capacity)
		match = tokenBucket{
			lastRefillUnixNano: now.UnixNano(),
			bucketSize:         float64(capacity),
		}
	}

	timeElapsedSinceLastRefill := math.Max(0, now.Sub(time.Unix(0, match.lastRefillUnixNano)).Seconds())
	tokensToRefill := timeElapsedSinceLastRefill * refillRate
	newTokens := math.Min(float64(capacity), tokensToRefill+match.bucketSize)

	allowed := newTokens >= cost
	if allowed {
		newTokens -= cost
	}

	m.db[key] = tokenBucket{
		lastRefillUnixNano: now.UnixNano(),
		bucketSize:         newTokens,
	}

	return allowed
}

func (m *MemoryStorage) GetBucket(key string) (Bucket, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	match, ok := m.db[key]
	if !ok {
		return Bucket{}, false
	}

	return Bucket{
		Key:        key,
		Tokens:     match.bucketSize,
		LastRefill: time.Unix(0, match.lastRefillUnixNano),
	}, true
}

// RemoveIdleBuckets drops buckets untouched for at least idleFor and returns
// how many were removed.
func (m *MemoryStorage) RemoveIdleBuckets(idleFor time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	threshold := m.clock().Add(-idleFor).UnixNano()
	removed := 0
	for key, bucket := range m.db {
		if bucket.lastRefillUnixNano <= threshold {
			delete(m.db, key)
			removed++
		}
	}

	return removed
}
