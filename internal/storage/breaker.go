package storage

import (
	"sync"
	"time"

	"github.com/searchcache/searchcache/internal/config"
	"github.com/searchcache/searchcache/pkg/cacheerr"
)

// BreakerState is the circuit breaker state.
type BreakerState int

const (
	// StateClosed - requests pass through.
	StateClosed BreakerState = iota
	// StateOpen - requests are rejected until the timeout elapses.
	StateOpen
	// StateHalfOpen - a limited number of probe requests test recovery.
	StateHalfOpen
)

// String returns the state name for logs.
func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// breakerCounts tracks request outcomes within the current interval.
type breakerCounts struct {
	requests             uint32
	totalFailures        uint32
	consecutiveFailures  uint32
	consecutiveSuccesses uint32
}

// Breaker guards the cold tier's backing store. While open, store
// operations fail fast with ErrStorageUnavailable and the cold tier behaves
// as always-miss; the hot and warm tiers keep operating.
type Breaker struct {
	cfg config.BreakerConfig

	mu       sync.Mutex
	state    BreakerState
	counts   breakerCounts
	expiry   time.Time
	halfOpen uint32

	onStateChange func(from, to BreakerState)
}

// NewBreaker applies defaults for zero values.
func NewBreaker(cfg config.BreakerConfig, onStateChange func(from, to BreakerState)) *Breaker {
	if cfg.MaxRequests == 0 {
		cfg.MaxRequests = 1
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	return &Breaker{
		cfg:           cfg,
		state:         StateClosed,
		expiry:        time.Now().Add(cfg.Interval),
		onStateChange: onStateChange,
	}
}

// State returns the current state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refreshLocked(time.Now())
	return b.state
}

// Execute runs fn if the breaker allows it. Record corruption and absence
// count as successes: the storage itself answered.
func (b *Breaker) Execute(fn func() error) error {
	if err := b.beforeRequest(); err != nil {
		return err
	}
	err := fn()
	b.afterRequest(b.isSuccess(err))
	return err
}

func (b *Breaker) isSuccess(err error) bool {
	return !cacheerr.Retryable(err)
}

func (b *Breaker) beforeRequest() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	b.refreshLocked(now)

	switch b.state {
	case StateOpen:
		return cacheerr.New(cacheerr.CodeStorageUnavailable, "breaker",
			"circuit breaker open")
	case StateHalfOpen:
		if b.halfOpen >= b.cfg.MaxRequests {
			return cacheerr.New(cacheerr.CodeStorageUnavailable, "breaker",
				"circuit breaker half-open limit reached")
		}
		b.halfOpen++
	}
	b.counts.requests++
	return nil
}

func (b *Breaker) afterRequest(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	b.refreshLocked(now)

	if success {
		b.counts.consecutiveSuccesses++
		b.counts.consecutiveFailures = 0
		if b.state == StateHalfOpen && b.counts.consecutiveSuccesses >= b.cfg.MaxRequests {
			b.setStateLocked(StateClosed, now)
		}
		return
	}

	b.counts.totalFailures++
	b.counts.consecutiveFailures++
	b.counts.consecutiveSuccesses = 0

	switch b.state {
	case StateClosed:
		if b.readyToTrip() {
			b.setStateLocked(StateOpen, now)
		}
	case StateHalfOpen:
		b.setStateLocked(StateOpen, now)
	}
}

// readyToTrip opens the breaker after enough consecutive failures; a cold
// store that cannot answer that many requests in a row is down, not slow.
func (b *Breaker) readyToTrip() bool {
	return b.counts.consecutiveFailures >= b.cfg.FailureThreshold
}

func (b *Breaker) refreshLocked(now time.Time) {
	switch b.state {
	case StateClosed:
		if now.After(b.expiry) {
			b.counts = breakerCounts{}
			b.expiry = now.Add(b.cfg.Interval)
		}
	case StateOpen:
		if now.After(b.expiry) {
			b.setStateLocked(StateHalfOpen, now)
		}
	}
}

func (b *Breaker) setStateLocked(state BreakerState, now time.Time) {
	if b.state == state {
		return
	}
	prev := b.state
	b.state = state
	b.counts = breakerCounts{}
	b.halfOpen = 0

	switch state {
	case StateClosed:
		b.expiry = now.Add(b.cfg.Interval)
	case StateOpen:
		b.expiry = now.Add(b.cfg.Timeout)
	}

	if b.onStateChange != nil {
		b.onStateChange(prev, state)
	}
}
