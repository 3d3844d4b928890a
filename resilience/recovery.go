package resilience

import (
	"context"
	"time"
)

// Strategy identifies which execution path produced a recovered result.
type Strategy string

const (
	// StrategyPrimary means the primary collaborator call succeeded.
	StrategyPrimary Strategy = "primary"
	// StrategyCache means the result was served from the result cache.
	StrategyCache Strategy = "cache"
	// StrategyAlternate means a registered alternate handler succeeded.
	StrategyAlternate Strategy = "alternate"
	// StrategyDegraded means a degraded placeholder result was returned.
	StrategyDegraded Strategy = "degraded"
)

// CacheSource looks up previously computed results by fingerprint.
// Satisfied by cache.ResultCache.
type CacheSource interface {
	Lookup(ctx context.Context, fingerprint string) (any, bool)
}

// Reporter observes every collaborator invocation outcome.
// Satisfied by health.Monitor.
type Reporter interface {
	Report(collaborator string, success bool, latency time.Duration)
}

// Call describes one protected collaborator invocation with its
// fallback chain.
type Call struct {
	// Collaborator identifies the downstream collaborator; it keys the
	// circuit breaker and the health monitor.
	Collaborator string

	// Fingerprint keys the cache fallback. Empty disables the cache
	// strategy.
	Fingerprint string

	// Admit is an optional admission check (rate limiting) run before
	// Primary. A denial skips the collaborator and walks the fallback
	// chain; it is not reported to the monitor and, provided the
	// breaker's IsFailure ignores it, does not count against the
	// failure threshold.
	Admit func() error

	// Primary is the collaborator call. Required.
	Primary func(context.Context) (any, error)

	// Alternate is an optional fallback handler with the same contract
	// as Primary.
	Alternate func(context.Context) (any, error)

	// Degraded optionally produces a last-resort placeholder result.
	Degraded func() any
}

// Outcome is the result of a recovered execution.
type Outcome struct {
	Value    any
	Strategy Strategy
	// Degraded is set when the value is a placeholder rather than a
	// real collaborator result.
	Degraded bool
	// Attempts lists every strategy tried, including the winner.
	Attempts []Attempt
}

// RecoveryConfig configures the recovery executor.
type RecoveryConfig struct {
	// Breaker is the per-collaborator circuit breaker group. Required.
	Breakers *BreakerGroup

	// Cache is the fallback result source. Optional.
	Cache CacheSource

	// Monitor observes invocation outcomes. Optional.
	Monitor Reporter

	// OnFallback is called whenever a non-primary strategy is attempted.
	OnFallback func(collaborator string, strategy Strategy)
}

// Recovery executes collaborator calls through a circuit breaker and, on
// failure or an open circuit, walks the fallback chain:
// cache, alternate handler, degraded result. The first success wins.
type Recovery struct {
	config RecoveryConfig
}

// NewRecovery creates a recovery executor.
func NewRecovery(config RecoveryConfig) *Recovery {
	if config.Breakers == nil {
		config.Breakers = NewBreakerGroup(BreakerConfig{})
	}
	return &Recovery{config: config}
}

// Breakers returns the breaker group, for state inspection.
func (r *Recovery) Breakers() *BreakerGroup {
	return r.config.Breakers
}

// Execute runs call.Primary through the collaborator's circuit breaker,
// falling back on failure. It fails only when every configured strategy
// is exhausted, returning a RecoveryExhaustedError with the attempt
// history.
func (r *Recovery) Execute(ctx context.Context, call Call) (Outcome, error) {
	var attempts []Attempt

	breaker := r.config.Breakers.Get(call.Collaborator)

	var value any
	start := time.Now()
	err := breaker.Execute(ctx, func(ctx context.Context) error {
		if call.Admit != nil {
			if aerr := call.Admit(); aerr != nil {
				return aerr
			}
		}
		invokeStart := time.Now()
		v, err := call.Primary(ctx)
		if err == nil {
			value = v
		}
		// The monitor sees only real invocations, never fail-fast
		// rejections or admission denials.
		if r.config.Monitor != nil {
			r.config.Monitor.Report(call.Collaborator, err == nil, time.Since(invokeStart))
		}
		return err
	})
	attempts = append(attempts, Attempt{Strategy: StrategyPrimary, Err: err, Latency: time.Since(start)})
	if err == nil {
		return Outcome{Value: value, Strategy: StrategyPrimary, Attempts: attempts}, nil
	}

	// Cancellation is not recoverable; surface it unchanged.
	if ctx.Err() != nil {
		return Outcome{Attempts: attempts}, ctx.Err()
	}

	if r.config.Cache != nil && call.Fingerprint != "" {
		r.fallback(call.Collaborator, StrategyCache)
		start = time.Now()
		if v, ok := r.config.Cache.Lookup(ctx, call.Fingerprint); ok {
			attempts = append(attempts, Attempt{Strategy: StrategyCache, Latency: time.Since(start)})
			return Outcome{Value: v, Strategy: StrategyCache, Attempts: attempts}, nil
		}
		attempts = append(attempts, Attempt{Strategy: StrategyCache, Err: ErrCacheMiss, Latency: time.Since(start)})
	}

	if call.Alternate != nil {
		r.fallback(call.Collaborator, StrategyAlternate)
		start = time.Now()
		v, altErr := call.Alternate(ctx)
		attempts = append(attempts, Attempt{Strategy: StrategyAlternate, Err: altErr, Latency: time.Since(start)})
		if altErr == nil {
			return Outcome{Value: v, Strategy: StrategyAlternate, Attempts: attempts}, nil
		}
	}

	if call.Degraded != nil {
		r.fallback(call.Collaborator, StrategyDegraded)
		attempts = append(attempts, Attempt{Strategy: StrategyDegraded})
		return Outcome{Value: call.Degraded(), Strategy: StrategyDegraded, Degraded: true, Attempts: attempts}, nil
	}

	return Outcome{Attempts: attempts}, &RecoveryExhaustedError{
		Collaborator: call.Collaborator,
		Attempts:     attempts,
	}
}

func (r *Recovery) fallback(collaborator string, strategy Strategy) {
	if r.config.OnFallback != nil {
		r.config.OnFallback(collaborator, strategy)
	}
}
