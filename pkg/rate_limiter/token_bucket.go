package rate_limiter

import "time"

const (
	minRequestCost = 1
	maxRequestCost = 50
)

type TokenBucket struct {
	Capacity   int     // max tokens allowed in the bucket
	RefillRate float64 // number of tokens refilled per second
	storage    Storer
}

func NewTokenBucket(storage Storer, options *TokenBucket) *TokenBucket {
	options.storage = storage
	return options
}

// Allow spends cost tokens from key's bucket. Cost is clamped to [1,50] so a
// single malformed call cannot drain or bypass the bucket.
func (tb *TokenBucket) Allow(key string, cost int) bool {
	return tb.storage.CheckAndUpdateTokenBucket(key, tb.Capacity, tb.RefillRate, float64(clampCost(cost)))
}

// FullAfter is how long an untouched bucket takes to refill from empty to capacity.
func (tb *TokenBucket) FullAfter() time.Duration {
	return time.Duration(float64(tb.Capacity) / tb.RefillRate * float64(time.Second))
}

func clampCost(cost int) int {
	return max(minRequestCost, min(maxRequestCost, cost))
}
