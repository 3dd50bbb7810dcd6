package moderation

import (
	"log"
	"sync"
	"time"
)

// BreakerConfig holds the circuit breaker tuning parameters.
type BreakerConfig struct {
	// MaxErrorCount is the number of consecutive failures that opens the
	// breaker.
	MaxErrorCount int
	// ErrorResetTime is how long the breaker stays open before allowing a
	// probing call.
	ErrorResetTime time.Duration
	// CheckInterval throttles the availability evaluation so it does not
	// run on every single message.
	CheckInterval time.Duration
}

// DefaultBreakerConfig returns the production defaults: open after 5
// consecutive failures, probe again after 30 minutes, re-evaluate
// availability at most every 5 minutes.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxErrorCount:  5,
		ErrorResetTime: 30 * time.Minute,
		CheckInterval:  5 * time.Minute,
	}
}

// Breaker tracks consecutive remote-censor failures and short-circuits
// remote calls while the failure budget is exhausted. The half-open state is
// implicit: once the cool-down has elapsed, Available returns true again and
// the outcome of the next call decides between closed and re-opened.
//
// One Breaker instance lives for the whole process; all fields are guarded
// by its mutex.
type Breaker struct {
	config     BreakerConfig
	configured bool // remote credentials present at all
	now        func() time.Time

	mu        sync.Mutex
	failures  int
	openedAt  time.Time // zero while closed
	lastCheck time.Time // when availability was last evaluated
	lastAvail bool
}

// NewBreaker creates a closed breaker. configured should be false when no
// remote credentials exist; Available is then unconditionally false.
func NewBreaker(config BreakerConfig, configured bool) *Breaker {
	if config.MaxErrorCount <= 0 {
		config.MaxErrorCount = DefaultBreakerConfig().MaxErrorCount
	}
	if config.ErrorResetTime <= 0 {
		config.ErrorResetTime = DefaultBreakerConfig().ErrorResetTime
	}
	return &Breaker{config: config, configured: configured, now: time.Now}
}

// Available reports whether a remote call should be attempted. The
// evaluation is throttled to at most once per CheckInterval; in between,
// the cached result is returned. Success and Failure invalidate the cache
// so a state change is visible to the very next caller.
func (b *Breaker) Available() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.configured {
		return false
	}

	now := b.now()
	if !b.lastCheck.IsZero() && now.Sub(b.lastCheck) < b.config.CheckInterval {
		return b.lastAvail
	}

	avail := b.openedAt.IsZero() || now.Sub(b.openedAt) > b.config.ErrorResetTime
	if avail && !b.openedAt.IsZero() {
		log.Printf("moderation: breaker cool-down elapsed, allowing probe call")
	}
	b.lastCheck = now
	b.lastAvail = avail
	return avail
}

// Success records a successful remote call: the failure streak resets and
// the breaker closes.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	b.openedAt = time.Time{}
	b.lastCheck = time.Time{}
}

// Failure records a failed remote call. Reaching MaxErrorCount opens the
// breaker with a fresh openedAt; further failures (including a failed probe
// after the cool-down) re-open it and restart the cool-down.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	if b.failures >= b.config.MaxErrorCount {
		if b.openedAt.IsZero() {
			log.Printf("moderation: breaker opened after %d consecutive failures", b.failures)
		}
		b.openedAt = b.now()
	}
	b.lastCheck = time.Time{}
}

// Open reports whether the breaker is currently in the open state.
func (b *Breaker) Open() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.openedAt.IsZero()
}
