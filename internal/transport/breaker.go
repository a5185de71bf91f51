package transport

import (
	"sync"
	"time"
)

const (
	defaultFailureThreshold   = 3
	defaultCooldown           = 5 * time.Minute
	defaultRegisteredCooldown = 30 * time.Minute
)

// CircuitBreaker stops connection attempts after repeated failure. It is
// mutated only by the transport manager; everyone else reads snapshots.
type CircuitBreaker struct {
	mu sync.Mutex

	threshold          int
	cooldown           time.Duration
	registeredCooldown time.Duration

	consecutiveFailures int
	blocked             bool
	blockedUntil        time.Time
	lastCooldownClass   string

	now func() time.Time
}

// BreakerSnapshot is a read-only view for diagnostics.
type BreakerSnapshot struct {
	ConsecutiveFailures int       `json:"consecutive_failures"`
	Blocked             bool      `json:"blocked"`
	BlockedUntil        time.Time `json:"blocked_until,omitempty"`
	CooldownClass       string    `json:"cooldown_class,omitempty"`
}

// NewCircuitBreaker builds a breaker; non-positive arguments fall back to
// defaults (threshold 3, cooldown 5m, registered-rejection cooldown 30m).
func NewCircuitBreaker(threshold int, cooldown, registeredCooldown time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = defaultFailureThreshold
	}
	if cooldown <= 0 {
		cooldown = defaultCooldown
	}
	if registeredCooldown <= 0 {
		registeredCooldown = defaultRegisteredCooldown
	}
	return &CircuitBreaker{
		threshold:          threshold,
		cooldown:           cooldown,
		registeredCooldown: registeredCooldown,
		now:                time.Now,
	}
}

// TryAcquire reports whether a connection attempt is allowed. While the
// breaker is open it returns false without any I/O. On the first call after
// the cooldown elapses the breaker closes optimistically and the attempt's
// own outcome decides what happens next.
func (b *CircuitBreaker) TryAcquire() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.blocked {
		return true
	}
	if b.now().Before(b.blockedUntil) {
		return false
	}
	// Cooldown elapsed: close optimistically.
	b.blocked = false
	b.consecutiveFailures = 0
	b.blockedUntil = time.Time{}
	b.lastCooldownClass = ""
	return true
}

// RecordFailure counts a connect/configure failure; crossing the threshold
// opens the breaker for the standard cooldown. Returns true when this call
// opened the breaker.
func (b *CircuitBreaker) RecordFailure() bool {
	return b.recordFailure(b.cooldown, "short")
}

// RecordConfigRejected counts a duplicate-registration rejection from the
// configurator. The breaker opens immediately for the long cooldown since
// retrying sooner cannot succeed.
func (b *CircuitBreaker) RecordConfigRejected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutiveFailures++
	b.open(b.registeredCooldown, "long")
	return true
}

// RecordSuccess resets the failure streak and closes the breaker.
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutiveFailures = 0
	b.blocked = false
	b.blockedUntil = time.Time{}
	b.lastCooldownClass = ""
}

// Snapshot returns the current breaker state for diagnostics.
func (b *CircuitBreaker) Snapshot() BreakerSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BreakerSnapshot{
		ConsecutiveFailures: b.consecutiveFailures,
		Blocked:             b.blocked,
		BlockedUntil:        b.blockedUntil,
		CooldownClass:       b.lastCooldownClass,
	}
}

func (b *CircuitBreaker) recordFailure(cooldown time.Duration, class string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutiveFailures++
	if b.consecutiveFailures >= b.threshold && !b.blocked {
		b.open(cooldown, class)
		return true
	}
	return false
}

// open must be called with the mutex held.
func (b *CircuitBreaker) open(cooldown time.Duration, class string) {
	b.blocked = true
	b.blockedUntil = b.now().Add(cooldown)
	b.lastCooldownClass = class
}
