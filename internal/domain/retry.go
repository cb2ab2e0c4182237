package domain

import (
	"math"
	"math/rand"
	"time"
)

// RetryConfig controls the job-retry backoff schedule (spec.md §4.2):
// delay = min(cap, base * 2^min(retry_count, 10)) * (1 + jitter), jitter in
// [0, 0.2). The source's own jitter expression, "(delay/5)*(rand%5)/5", is
// treated per the Open Question in spec.md §9 as "uniform jitter up to 20%"
// and implemented cleanly here rather than transliterated.
type RetryConfig struct {
	Base       time.Duration
	Cap        time.Duration
	MaxRetries int
}

// DefaultRetryConfig mirrors the defaults in spec.md §4.2: base=5s, cap=600s,
// max_retries=5.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{Base: 5 * time.Second, Cap: 600 * time.Second, MaxRetries: 5}
}

// NextRunDelay returns the delay to add to "now" for a job that has just
// accumulated retryCount retryable failures.
func (c RetryConfig) NextRunDelay(retryCount int, jitter float64) time.Duration {
	exp := retryCount
	if exp > 10 {
		exp = 10
	}
	raw := float64(c.Base) * math.Pow(2, float64(exp))
	if raw > float64(c.Cap) {
		raw = float64(c.Cap)
	}
	return time.Duration(raw * (1 + jitter))
}

// RandomJitter returns a value in [0, 0.2).
func RandomJitter() float64 { return rand.Float64() * 0.2 }
