package rate_limiter

import "time"

type RateLimiter interface {
	Allow(key string, cost int) bool
	Bucket(key string) (Bucket, bool)
}

type Storer interface {
	CheckAndUpdateTokenBucket(key string, capacity int, refillRate float64, cost float64) bool
	GetBucket(key string) (Bucket, bool)
	RemoveIdleBuckets(idleFor time.Duration) int
}
