package resilience

import (
	"context"
	"sync"
	"time"
)

// State represents the circuit breaker state.
type State int

const (
	// StateClosed means calls flow through normally and failures are counted.
	StateClosed State = iota
	// StateOpen means all calls fail fast without invoking the collaborator.
	StateOpen
	// StateHalfOpen means a single probe call is allowed through.
	StateHalfOpen
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures a circuit breaker.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before the
	// circuit opens.
	// Default: 5
	FailureThreshold int

	// CoolDown is how long the circuit stays open before a probe is allowed.
	// Default: 30 seconds
	CoolDown time.Duration

	// OnStateChange is called when the circuit state changes.
	OnStateChange func(from, to State)

	// IsFailure determines whether an error counts against the threshold.
	// Default: every non-nil error counts except context cancellation.
	IsFailure func(err error) bool
}

// Breaker implements the circuit breaker pattern for one collaborator.
type Breaker struct {
	config BreakerConfig

	mu             sync.Mutex
	state          State
	failures       int
	lastFailure    time.Time
	lastTransition time.Time
	probing        bool
}

// NewBreaker creates a circuit breaker with defaults applied.
func NewBreaker(config BreakerConfig) *Breaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.CoolDown <= 0 {
		config.CoolDown = 30 * time.Second
	}
	if config.IsFailure == nil {
		config.IsFailure = func(err error) bool {
			return err != nil && err != context.Canceled
		}
	}

	return &Breaker{
		config:         config,
		state:          StateClosed,
		lastTransition: time.Now(),
	}
}

// Execute runs op through the breaker. When the circuit is open, or the
// half-open probe slot is already taken, it returns ErrCircuitOpen without
// invoking op.
func (b *Breaker) Execute(ctx context.Context, op func(context.Context) error) error {
	if err := b.beforeCall(); err != nil {
		return err
	}

	err := op(ctx)
	b.afterCall(err)
	return err
}

// State returns the current circuit state, applying the cool-down
// transition if it has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stateLocked()
}

// Reset forces the breaker back to closed with a clean failure count.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	old := b.state
	b.state = StateClosed
	b.failures = 0
	b.probing = false
	b.lastTransition = time.Now()

	if old != StateClosed && b.config.OnStateChange != nil {
		b.config.OnStateChange(old, StateClosed)
	}
}

func (b *Breaker) beforeCall() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.stateLocked() {
	case StateOpen:
		return ErrCircuitOpen
	case StateHalfOpen:
		if b.probing {
			return ErrCircuitOpen
		}
		b.probing = true
	}
	return nil
}

func (b *Breaker) afterCall(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	failed := b.config.IsFailure(err)
	old := b.state

	switch b.state {
	case StateClosed:
		if failed {
			b.failures++
			b.lastFailure = time.Now()
			if b.failures >= b.config.FailureThreshold {
				b.transitionLocked(StateOpen)
			}
		} else {
			b.failures = 0
		}

	case StateHalfOpen:
		b.probing = false
		if failed {
			// Probe failed: reopen and restart the cool-down clock.
			b.lastFailure = time.Now()
			b.transitionLocked(StateOpen)
		} else {
			b.failures = 0
			b.transitionLocked(StateClosed)
		}
	}

	if old != b.state && b.config.OnStateChange != nil {
		b.config.OnStateChange(old, b.state)
	}
}

// stateLocked moves Open to HalfOpen once the cool-down has elapsed.
func (b *Breaker) stateLocked() State {
	if b.state == StateOpen && time.Since(b.lastFailure) >= b.config.CoolDown {
		b.transitionLocked(StateHalfOpen)
		b.probing = false
		if b.config.OnStateChange != nil {
			b.config.OnStateChange(StateOpen, StateHalfOpen)
		}
	}
	return b.state
}

func (b *Breaker) transitionLocked(s State) {
	b.state = s
	b.lastTransition = time.Now()
}

// BreakerSnapshot contains circuit breaker statistics.
type BreakerSnapshot struct {
	State          State
	Failures       int
	LastFailure    time.Time
	LastTransition time.Time
}

// Snapshot returns current breaker statistics.
func (b *Breaker) Snapshot() BreakerSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	return BreakerSnapshot{
		State:          b.stateLocked(),
		Failures:       b.failures,
		LastFailure:    b.lastFailure,
		LastTransition: b.lastTransition,
	}
}
