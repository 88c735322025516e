package resilience

import (
	"fmt"
	"sync"
	"time"
)

// BreakerState is the circuit breaker's admission state.
type BreakerState string

const (
	BreakerClosed   BreakerState = "CLOSED"
	BreakerOpen     BreakerState = "OPEN"
	BreakerHalfOpen BreakerState = "HALF_OPEN"
)

// BreakerConfig tunes a circuit breaker.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens
	// the breaker.
	FailureThreshold int
	// RecoveryTimeout is how long an OPEN breaker rejects calls before
	// admitting a single HALF_OPEN trial.
	RecoveryTimeout time.Duration
}

// CircuitBreaker stops invoking a failing dependency until a cooldown
// elapses. CLOSED permits all calls; after FailureThreshold consecutive
// failures it opens, rejecting calls immediately until RecoveryTimeout
// elapses; then exactly one trial call is admitted. Trial success closes
// the breaker, trial failure reopens it and resets the timeout.
type CircuitBreaker struct {
	name string
	cfg  BreakerConfig
	now  func() time.Time

	mu            sync.Mutex
	state         BreakerState
	failures      int
	openedAt      time.Time
	trialInFlight bool
}

// NewCircuitBreaker creates a CLOSED breaker. A zero threshold defaults
// to 5 failures; a zero recovery timeout defaults to 30s.
func NewCircuitBreaker(name string, cfg BreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 30 * time.Second
	}
	return &CircuitBreaker{
		name:  name,
		cfg:   cfg,
		now:   time.Now,
		state: BreakerClosed,
	}
}

// Name returns the logical resource this breaker guards.
func (b *CircuitBreaker) Name() string { return b.name }

// State returns the current admission state.
func (b *CircuitBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refresh()
	return b.state
}

// Execute runs op if the breaker admits the call and records its outcome.
// A rejected call returns [ErrCircuitOpen] without invoking op.
func (b *CircuitBreaker) Execute(op func() error) error {
	trial, err := b.admit()
	if err != nil {
		return err
	}
	opErr := op()
	b.record(trial, opErr == nil)
	return opErr
}

// admit decides whether a call may proceed, reserving the single trial
// slot when transitioning to HALF_OPEN.
func (b *CircuitBreaker) admit() (trial bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refresh()

	switch b.state {
	case BreakerClosed:
		return false, nil
	case BreakerHalfOpen:
		if b.trialInFlight {
			// HALF_OPEN admits exactly one trial; a concurrent second
			// call is rejected.
			return false, fmt.Errorf("%w: breaker %q half-open trial in flight", ErrCircuitOpen, b.name)
		}
		b.trialInFlight = true
		return true, nil
	default:
		return false, fmt.Errorf("%w: breaker %q open", ErrCircuitOpen, b.name)
	}
}

func (b *CircuitBreaker) record(trial, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if trial {
		b.trialInFlight = false
		if success {
			b.state = BreakerClosed
			b.failures = 0
		} else {
			b.state = BreakerOpen
			b.openedAt = b.now()
		}
		return
	}

	if success {
		b.failures = 0
		return
	}
	b.failures++
	if b.state == BreakerClosed && b.failures >= b.cfg.FailureThreshold {
		b.state = BreakerOpen
		b.openedAt = b.now()
	}
}

// refresh moves OPEN to HALF_OPEN once the recovery timeout has elapsed.
// Callers must hold b.mu.
func (b *CircuitBreaker) refresh() {
	if b.state == BreakerOpen && b.now().Sub(b.openedAt) >= b.cfg.RecoveryTimeout {
		b.state = BreakerHalfOpen
		b.trialInFlight = false
	}
}
