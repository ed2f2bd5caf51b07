package storage

import (
	"math"
	"math/rand"
	"time"

	"github.com/searchcache/searchcache/internal/config"
	"github.com/searchcache/searchcache/pkg/cacheerr"
)

// Retryer reruns transient store failures with exponential backoff.
// Corruption and absence are terminal for a record and are never retried.
type Retryer struct {
	cfg config.RetryConfig
}

// NewRetryer applies defaults for zero values.
func NewRetryer(cfg config.RetryConfig) *Retryer {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = 50 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 2 * time.Second
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = 2.0
	}
	return &Retryer{cfg: cfg}
}

// Do runs fn up to MaxAttempts times, sleeping between attempts.
func (r *Retryer) Do(fn func() error) error {
	var err error
	for attempt := 0; attempt < r.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(r.delay(attempt))
		}
		err = fn()
		if err == nil || !cacheerr.Retryable(err) {
			return err
		}
	}
	return err
}

func (r *Retryer) delay(attempt int) time.Duration {
	d := float64(r.cfg.InitialDelay) * math.Pow(r.cfg.Multiplier, float64(attempt-1))
	if d > float64(r.cfg.MaxDelay) {
		d = float64(r.cfg.MaxDelay)
	}
	if r.cfg.Jitter {
		// Full jitter keeps concurrent retries from synchronizing.
		d = rand.Float64() * d
	}
	return time.Duration(d)
}
