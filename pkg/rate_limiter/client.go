package rate_limiter

import (
	"context"
	"github/martinmaurice/spoolr/pkg/config"
	"log/slog"
	"time"
)

type Client struct {
	rateStorage Storer
	bucket      *TokenBucket
	onDeny      func(key string)
}

type Option func(c *Client)

func WithStorage(storage Storer) Option {
	return func(c *Client) {
		c.rateStorage = storage
	}
}

// WithDenyHook is called with the key of every denied request.
func WithDenyHook(hook func(key string)) Option {
	return func(c *Client) {
		c.onDeny = hook
	}
}

func New(cfg config.RateLimitConfig, opts ...Option) *Client {
	c := &Client{
		rateStorage: NewMemoryStorage(),
		onDeny:      func(string) {},
	}
	for _, opt := range opts {
		opt(c)
	}

	c.bucket = NewTokenBucket(c.rateStorage, &TokenBucket{
		Capacity:   max(1, cfg.Burst),
		RefillRate: cfg.RefillRate(),
	})

	return c
}

func (c *Client) Allow(key string, cost int) bool {
	if c.bucket.Allow(key, cost) {
		slog.Debug("Request allowed", "key", key, "cost", cost)
		return true
	}

	slog.Info("Request not allowed", "key", key, "cost", cost)
	c.onDeny(key)
	return false
}

func (c *Client) Bucket(key string) (Bucket, bool) {
	return c.rateStorage.GetBucket(key)
}

// StartEviction periodically forgets buckets that have been idle long enough
// to be full again. A forgotten bucket is recreated full on next use, so
// eviction never changes what Allow returns.
func (c *Client) StartEviction(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}

	idleFor := c.bucket.FullAfter()
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if removed := c.rateStorage.RemoveIdleBuckets(idleFor); removed > 0 {
					slog.Debug("evicted idle token buckets", "count", removed)
				}
			}
		}
	}()
}
