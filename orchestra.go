package orchestra

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/serenity-labs/orchestra/cache"
	"github.com/serenity-labs/orchestra/caller"
	"github.com/serenity-labs/orchestra/dispatch"
	"github.com/serenity-labs/orchestra/health"
	"github.com/serenity-labs/orchestra/observe"
	"github.com/serenity-labs/orchestra/pipeline"
	"github.com/serenity-labs/orchestra/resilience"
)

// sweepEvery is the period of the background state sweep; entries idle
// for sweepMaxIdle are dropped.
const (
	sweepEvery   = time.Minute
	sweepMaxIdle = 10 * time.Minute
)

// Orchestrator owns the full task orchestration core: the worker-pool
// distributor, the stage pipeline, keyed rate limiting, circuit
// breaking with fallback recovery, the result cache and the health
// monitor. All state is explicit; create as many independent instances
// as needed.
type Orchestrator struct {
	config   Config
	observer observe.Observer
	monitor  *health.Monitor
	limiter  *resilience.KeyedLimiter
	breakers *resilience.BreakerGroup
	recovery *resilience.Recovery
	results  *cache.ResultCache
	pipe     *pipeline.Pipeline
	tasks    *dispatch.Distributor
	resolver identityResolver

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New assembles an orchestrator around the given pipeline stages.
func New(ctx context.Context, config Config, stages []pipeline.StageConfig) (*Orchestrator, error) {
	if err := config.ExpandEnv(); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	observer, err := observe.NewObserver(ctx, config.telemetry())
	if err != nil {
		return nil, err
	}

	o := &Orchestrator{
		config:   config,
		observer: observer,
		stop:     make(chan struct{}),
	}

	o.monitor = health.NewMonitor(health.MonitorConfig{
		Window:           config.Health.Window,
		TargetThroughput: config.Health.TargetThroughput,
	})

	limiterCfg := resilience.LimiterConfig{
		Capacity:    config.RateLimit.Capacity,
		Refill:      config.RateLimit.Refill,
		Strategy:    config.limitStrategy(),
		WindowLimit: config.RateLimit.WindowLimit,
		Window:      config.RateLimit.Window,
		MinScale:    config.RateLimit.MinScale,
	}
	if config.RateLimit.Adaptive {
		limiterCfg.LoadFunc = o.monitor.CurrentLoad
		limiterCfg.FailureRateFunc = o.monitor.FailureRate
	}
	o.limiter = resilience.NewKeyedLimiter(limiterCfg)

	o.breakers = resilience.NewBreakerGroup(resilience.BreakerConfig{
		FailureThreshold: config.Breaker.FailureThreshold,
		CoolDown:         config.Breaker.CoolDown,
		// Admission denials and caller cancellation say nothing about
		// the collaborator's health.
		IsFailure: func(err error) bool {
			if err == nil || errors.Is(err, context.Canceled) {
				return false
			}
			return !errors.Is(err, resilience.ErrRateLimitExceeded)
		},
	})
	o.breakers.OnStateChange(func(collaborator string, from, to resilience.State) {
		bg := context.Background()
		observer.Metrics().RecordCircuitTransition(bg, collaborator, from.String(), to.String())
		observer.Logger().Warn(bg, "circuit state changed",
			observe.Field{Key: "collaborator", Value: collaborator},
			observe.Field{Key: "from", Value: from.String()},
			observe.Field{Key: "to", Value: to.String()},
		)
	})

	o.results = cache.New(cache.Config{
		MaxEntries:    config.Cache.MaxEntries,
		DefaultTTL:    config.Cache.TTL,
		SweepInterval: config.Cache.SweepInterval,
	})

	o.recovery = resilience.NewRecovery(resilience.RecoveryConfig{
		Breakers: o.breakers,
		Cache:    o.results,
		Monitor:  o.monitor,
		OnFallback: func(collaborator string, strategy resilience.Strategy) {
			observer.Metrics().RecordFallback(context.Background(), collaborator, string(strategy))
		},
	})

	o.pipe, err = pipeline.New(pipeline.Config{
		Stages:   stages,
		Recovery: o.recovery,
		Limiter:  o.limiter,
		Cache:    o.results,
		Observer: observer,
	})
	if err != nil {
		o.results.Close()
		return nil, err
	}

	o.tasks, err = dispatch.NewDistributor(dispatch.Config{
		Workers:    config.Dispatch.Workers,
		QueueDepth: config.Dispatch.QueueDepth,
		Retry: resilience.RetryConfig{
			MaxRetries: config.Dispatch.MaxRetries,
			BaseDelay:  config.Dispatch.BaseDelay,
			MaxDelay:   config.Dispatch.MaxDelay,
		},
		TaskTimeout: config.Dispatch.TaskTimeout,
		Retention:   config.Dispatch.Retention,
		Handler:     o.handle,
		Logger:      observer.Logger(),
		OnTerminal: func(res dispatch.Result) {
			observer.Metrics().RecordTask(context.Background(), res.Status.String(), res.Latency)
		},
	})
	if err != nil {
		o.results.Close()
		return nil, err
	}

	switch {
	case config.Auth.JWTKey != "":
		o.resolver = caller.NewJWTResolver(caller.JWTResolverConfig{
			Key:    []byte(config.Auth.JWTKey),
			Issuer: config.Auth.Issuer,
		})
	case len(config.Auth.APIKeys) > 0:
		keys := make(map[string]caller.Identity, len(config.Auth.APIKeys))
		for hash, subject := range config.Auth.APIKeys {
			keys[hash] = caller.Identity{Subject: subject}
		}
		o.resolver = caller.NewAPIKeyResolver(keys)
	}

	o.wg.Add(1)
	go o.sweeper()

	return o, nil
}

// identityResolver turns submitted credentials into a caller identity.
// Satisfied by caller.JWTResolver and caller.APIKeyResolver.
type identityResolver interface {
	Resolve(credentials string) (caller.Identity, error)
}

// handle runs one task attempt through the pipeline. A failed run
// surfaces its error so the distributor's retry policy can classify it;
// completed and short-circuited runs return the pipeline result.
func (o *Orchestrator) handle(ctx context.Context, task *dispatch.Task) (any, error) {
	res := o.pipe.Run(ctx, task.ID, task.Payload)
	if res.Status == pipeline.StatusFailed {
		return nil, res.Err
	}
	return res, nil
}

// SubmitRequest describes one conversational request entering the core.
type SubmitRequest struct {
	// Credentials is the caller's bearer token or raw API key. Ignored
	// unless auth is configured, in which case it is required.
	Credentials string

	// Endpoint scopes the caller's rate-limit key.
	// Default: "submit"
	Endpoint string

	// IdempotencyKey deduplicates repeated submissions.
	IdempotencyKey string

	Priority dispatch.Priority

	// Request is the pipeline input.
	Request any
}

// Submit admits, enqueues and eventually executes a request, returning
// the task ID to poll or await. A denied caller receives a
// *resilience.RateLimitError carrying the retry-after hint.
func (o *Orchestrator) Submit(req SubmitRequest) (string, error) {
	key := "anonymous"
	if o.resolver != nil {
		id, err := o.resolver.Resolve(req.Credentials)
		if err != nil {
			return "", err
		}
		endpoint := req.Endpoint
		if endpoint == "" {
			endpoint = "submit"
		}
		key = id.RateLimitKey(endpoint)
	}

	if ok, retryAfter := o.limiter.Allow(key); !ok {
		o.observer.Metrics().RecordRateLimited(context.Background(), key)
		return "", &resilience.RateLimitError{Key: key, RetryAfter: retryAfter}
	}

	return o.tasks.Submit(dispatch.Submission{
		Key:      req.IdempotencyKey,
		Priority: req.Priority,
		Payload:  req.Request,
	})
}

// Status returns a task's lifecycle state.
func (o *Orchestrator) Status(id string) (dispatch.Status, error) {
	return o.tasks.Status(id)
}

// AwaitResult blocks until the task finishes or the wait bound elapses.
// The task keeps running after an await timeout.
func (o *Orchestrator) AwaitResult(ctx context.Context, id string, timeout time.Duration) (dispatch.Result, error) {
	return o.tasks.AwaitResult(ctx, id, timeout)
}

// Cancel requests cooperative cancellation of a task.
func (o *Orchestrator) Cancel(id string) error {
	return o.tasks.Cancel(id)
}

// Monitor exposes the health monitor, for probes and dashboards.
func (o *Orchestrator) Monitor() *health.Monitor {
	return o.monitor
}

// RegisterHealth mounts the liveness, readiness and detail probes.
func (o *Orchestrator) RegisterHealth(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", health.LivenessHandler())
	mux.HandleFunc("/readyz", health.ReadinessHandler(o.monitor))
	mux.HandleFunc("/health", health.DetailedHandler(o.monitor))
}

// Snapshot summarizes the core's current state.
type Snapshot struct {
	Dispatch dispatch.Stats
	Circuits map[string]resilience.State
	Cache    cache.Stats
	Limiter  map[string]float64
	Load     float64
	Health   map[string]health.CollabHealth
}

// Snapshot returns current load, circuit, limiter and cache statistics.
func (o *Orchestrator) Snapshot() Snapshot {
	return Snapshot{
		Dispatch: o.tasks.Snapshot(),
		Circuits: o.breakers.States(),
		Cache:    o.results.Stats(),
		Limiter:  o.limiter.Utilization(),
		Load:     o.monitor.CurrentLoad(),
		Health:   o.monitor.Snapshot(),
	}
}

// Shutdown stops accepting work, drains the workers and flushes
// telemetry.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.stopOnce.Do(func() {
		close(o.stop)
	})
	o.tasks.Close()
	o.results.Close()
	o.wg.Wait()
	return o.observer.Shutdown(ctx)
}

// sweeper periodically drops idle per-key limiter and breaker state.
func (o *Orchestrator) sweeper() {
	defer o.wg.Done()
	ticker := time.NewTicker(sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-o.stop:
			return
		case <-ticker.C:
			o.limiter.Sweep(sweepMaxIdle)
			o.breakers.Sweep(sweepMaxIdle)
		}
	}
}
