package resilience

import (
	"sync"
	"time"
)

// LimitStrategy selects the admission algorithm for a key.
// The choice is made at configuration-load time, never per call.
type LimitStrategy int

const (
	// StrategyTokenBucket smooths bursts up to a capacity while enforcing
	// a steady average rate.
	StrategyTokenBucket LimitStrategy = iota
	// StrategySlidingWindow counts exact requests inside a trailing
	// interval; used for security-sensitive keys.
	StrategySlidingWindow
	// StrategyBoth admits a call only when both algorithms agree.
	StrategyBoth
)

// String returns the string representation of the strategy.
func (s LimitStrategy) String() string {
	switch s {
	case StrategyTokenBucket:
		return "token-bucket"
	case StrategySlidingWindow:
		return "sliding-window"
	case StrategyBoth:
		return "both"
	default:
		return "unknown"
	}
}

// LimiterConfig configures a keyed rate limiter.
type LimiterConfig struct {
	// Capacity is the token bucket capacity per key. Zero capacity
	// always rejects.
	// Default: 10
	Capacity float64

	// Refill is the token refill rate per key in tokens/second.
	// Default: 100
	Refill float64

	// Strategy selects the admission algorithm.
	// Default: StrategyTokenBucket
	Strategy LimitStrategy

	// WindowLimit is the maximum requests per Window for the
	// sliding-window strategies.
	// Default: 100
	WindowLimit int

	// Window is the sliding-window duration.
	// Default: 1 minute
	Window time.Duration

	// MinScale is the floor for adaptive tightening; the effective
	// capacity and refill never drop below MinScale times the configured
	// values.
	// Default: 0.1
	MinScale float64

	// LoadFunc reports current system load in [0,1]. Optional.
	LoadFunc func() float64

	// FailureRateFunc reports the downstream failure rate in [0,1] for
	// the collaborator a key maps to. Optional.
	FailureRateFunc func(key string) float64
}

// limitState is the per-key admission state. Mutated only under its own
// lock so unrelated keys never contend.
type limitState struct {
	mu         sync.Mutex
	tokens     float64
	lastRefill time.Time
	window     []time.Time
	lastUsed   time.Time
}

// KeyedLimiter is an admission controller combining a token bucket with a
// sliding-window exact counter, adaptively tightened under load.
type KeyedLimiter struct {
	config LimiterConfig

	mu    sync.RWMutex
	state map[string]*limitState
}

// NewKeyedLimiter creates a keyed limiter with defaults applied.
// A zero-valued Capacity field keeps the default; configure an explicit
// always-reject key with a negative capacity clamped to zero.
func NewKeyedLimiter(config LimiterConfig) *KeyedLimiter {
	if config.Capacity == 0 {
		config.Capacity = 10
	}
	if config.Capacity < 0 {
		config.Capacity = 0
	}
	if config.Refill <= 0 {
		config.Refill = 100
	}
	if config.WindowLimit <= 0 {
		config.WindowLimit = 100
	}
	if config.Window <= 0 {
		config.Window = time.Minute
	}
	if config.MinScale <= 0 || config.MinScale > 1 {
		config.MinScale = 0.1
	}

	return &KeyedLimiter{
		config: config,
		state:  make(map[string]*limitState),
	}
}

// Allow reports whether one call for key is admitted now. When denied,
// retryAfter is the wait until the call could succeed; a zero retryAfter
// on denial means no amount of waiting helps (zero-capacity key).
func (l *KeyedLimiter) Allow(key string) (bool, time.Duration) {
	st := l.get(key)

	st.mu.Lock()
	defer st.mu.Unlock()

	now := time.Now()
	st.lastUsed = now

	scale := l.scale(key)

	switch l.config.Strategy {
	case StrategySlidingWindow:
		return l.allowWindowLocked(st, now, scale)
	case StrategyBoth:
		// The window is consulted first so a bucket token is not burned
		// on a call the exact counter would deny.
		if ok, wait := l.allowWindowLocked(st, now, scale); !ok {
			return false, wait
		}
		return l.allowBucketLocked(st, now, scale)
	default:
		return l.allowBucketLocked(st, now, scale)
	}
}

func (l *KeyedLimiter) allowBucketLocked(st *limitState, now time.Time, scale float64) (bool, time.Duration) {
	capacity := l.config.Capacity * scale
	refill := l.config.Refill * scale

	if capacity < 1 {
		return false, 0
	}

	if st.lastRefill.IsZero() {
		st.tokens = capacity
	} else {
		st.tokens += now.Sub(st.lastRefill).Seconds() * refill
		if st.tokens > capacity {
			st.tokens = capacity
		}
	}
	st.lastRefill = now

	// Inclusive boundary: exactly one token admits.
	if st.tokens >= 1 {
		st.tokens--
		return true, 0
	}

	wait := time.Duration((1 - st.tokens) / refill * float64(time.Second))
	return false, wait
}

func (l *KeyedLimiter) allowWindowLocked(st *limitState, now time.Time, scale float64) (bool, time.Duration) {
	limit := int(float64(l.config.WindowLimit) * scale)
	if limit < 1 {
		limit = 1
	}

	// Prune entries that have left the window.
	cutoff := now.Add(-l.config.Window)
	keep := 0
	for _, ts := range st.window {
		if ts.After(cutoff) {
			st.window[keep] = ts
			keep++
		}
	}
	st.window = st.window[:keep]

	if len(st.window) < limit {
		st.window = append(st.window, now)
		return true, 0
	}

	// Denied: the oldest entry leaving the window frees a slot.
	wait := st.window[0].Add(l.config.Window).Sub(now)
	if wait < 0 {
		wait = 0
	}
	return false, wait
}

// scale computes the adaptive tightening factor for key: proportional to
// system load and the downstream failure rate, clamped to [MinScale, 1].
// Scaling only ever tightens; it never raises limits beyond configuration.
func (l *KeyedLimiter) scale(key string) float64 {
	pressure := 0.0
	if l.config.LoadFunc != nil {
		pressure = l.config.LoadFunc()
	}
	if l.config.FailureRateFunc != nil {
		if fr := l.config.FailureRateFunc(key); fr > pressure {
			pressure = fr
		}
	}
	if pressure <= 0 {
		return 1
	}
	if pressure > 1 {
		pressure = 1
	}

	scale := 1 - pressure
	if scale < l.config.MinScale {
		scale = l.config.MinScale
	}
	return scale
}

func (l *KeyedLimiter) get(key string) *limitState {
	l.mu.RLock()
	st, ok := l.state[key]
	l.mu.RUnlock()

	if ok {
		return st
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if st, ok = l.state[key]; !ok {
		st = &limitState{}
		l.state[key] = st
	}
	return st
}

// Sweep removes per-key state idle for at least maxIdle. Returns the
// number of keys removed.
func (l *KeyedLimiter) Sweep(maxIdle time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	cutoff := time.Now().Add(-maxIdle)
	for key, st := range l.state {
		st.mu.Lock()
		idle := st.lastUsed.Before(cutoff)
		st.mu.Unlock()
		if idle {
			delete(l.state, key)
			removed++
		}
	}
	return removed
}

// Utilization returns per-key utilization in [0,1]: the consumed share of
// the bucket, or of the window limit for window-only keys.
func (l *KeyedLimiter) Utilization() map[string]float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make(map[string]float64, len(l.state))
	for key, st := range l.state {
		st.mu.Lock()
		if l.config.Strategy == StrategySlidingWindow {
			out[key] = float64(len(st.window)) / float64(l.config.WindowLimit)
		} else if l.config.Capacity > 0 {
			used := l.config.Capacity - st.tokens
			if used < 0 {
				used = 0
			}
			out[key] = used / l.config.Capacity
		}
		st.mu.Unlock()
	}
	return out
}
