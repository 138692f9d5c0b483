package rate_limiter

import "time"

type Bucket struct {
	Key        string    `json:"key"`
	Tokens     float64   `json:"tokens"`
	LastRefill time.Time `json:"last_refill"`
}
