package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/serenity-labs/orchestra/cache"
	"github.com/serenity-labs/orchestra/observe"
	"github.com/serenity-labs/orchestra/resilience"
)

// Status is the terminal state of one pipeline run.
type Status int

const (
	// StatusCompleted means every stage ran and the final stage's
	// output is the pipeline output.
	StatusCompleted Status = iota
	// StatusShortCircuited means a stage stopped the run early and its
	// output is the pipeline output.
	StatusShortCircuited
	// StatusFailed means a stage exhausted its recovery chain. Partial
	// outputs from completed stages are still available.
	StatusFailed
)

// String returns a human-readable status name.
func (s Status) String() string {
	switch s {
	case StatusCompleted:
		return "completed"
	case StatusShortCircuited:
		return "short_circuited"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// StageResult records how one stage resolved.
type StageResult struct {
	Stage    StageID
	Strategy resilience.Strategy
	// Cached is set when the stage was served from its result cache
	// without invoking the collaborator.
	Cached   bool
	Degraded bool
	Latency  time.Duration
	Err      error
}

// Result is the outcome of one pipeline run.
type Result struct {
	Status Status

	// Output is the final or short-circuiting stage's result. On
	// failure it holds the last completed stage's output, if any.
	Output any

	// Stages lists every stage reached, in order.
	Stages []StageResult

	// Degraded is set when any stage served a placeholder result or
	// the run failed with only partial outputs.
	Degraded bool

	// PriorityEscalated is set when any stage requested escalation.
	PriorityEscalated bool

	// FailedStage identifies the stage that ended a failed run.
	FailedStage StageID

	Err error
}

// Config configures a pipeline.
type Config struct {
	// Stages is the ordered stage list. IDs must be strictly
	// ascending. Required.
	Stages []StageConfig

	// Recovery executes each stage through its collaborator's circuit
	// breaker and fallback chain. A default is created when nil.
	Recovery *resilience.Recovery

	// Limiter admits stage invocations per collaborator. Optional.
	Limiter *resilience.KeyedLimiter

	// Cache serves repeated stage invocations. Optional; stages opt in
	// via CacheTTL.
	Cache *cache.ResultCache

	// Observer supplies tracing, metrics and logging. Optional.
	Observer observe.Observer
}

type stage struct {
	config StageConfig
	keyer  *cache.Keyer
}

// Pipeline runs a fixed sequence of stages over an exchange, with
// per-stage caching, rate-limit admission and failure recovery.
type Pipeline struct {
	stages   []stage
	recovery *resilience.Recovery
	limiter  *resilience.KeyedLimiter
	cache    *cache.ResultCache

	tracer  observe.Tracer
	metrics observe.Metrics
	logger  observe.Logger
}

// New creates a pipeline from config.
func New(config Config) (*Pipeline, error) {
	if len(config.Stages) == 0 {
		return nil, errors.New("pipeline: at least one stage is required")
	}

	p := &Pipeline{
		recovery: config.Recovery,
		limiter:  config.Limiter,
		cache:    config.Cache,
	}
	if p.recovery == nil {
		p.recovery = resilience.NewRecovery(resilience.RecoveryConfig{})
	}
	if config.Observer != nil {
		p.tracer = config.Observer.Tracer()
		p.metrics = config.Observer.Metrics()
		p.logger = config.Observer.Logger()
	}

	last := StageID(-1)
	for _, sc := range config.Stages {
		if sc.Handler == nil {
			return nil, fmt.Errorf("pipeline: stage %s has no handler", sc.ID)
		}
		if sc.Collaborator == "" {
			return nil, fmt.Errorf("pipeline: stage %s has no collaborator", sc.ID)
		}
		if sc.ID <= last {
			return nil, fmt.Errorf("pipeline: stage %s out of order", sc.ID)
		}
		last = sc.ID
		p.stages = append(p.stages, stage{config: sc, keyer: cache.NewKeyer(sc.KeyMode)})
	}
	return p, nil
}

// Run executes the stages in order against a fresh exchange. It stops
// at the first short circuit or unrecovered failure; completed stage
// outputs survive a failure as a degraded partial result.
func (p *Pipeline) Run(ctx context.Context, taskID string, request any) Result {
	ex := &Exchange{
		TaskID:  taskID,
		Request: request,
		Outputs: make(map[StageID]any),
	}
	res := Result{Status: StatusCompleted}

	for _, st := range p.stages {
		if err := ctx.Err(); err != nil {
			return p.fail(res, ex, st.config.ID, err)
		}

		outcome, sr, err := p.runStage(ctx, st, ex)
		res.Stages = append(res.Stages, sr)
		if err != nil {
			return p.fail(res, ex, st.config.ID, err)
		}

		ex.Outputs[st.config.ID] = outcome.Result
		if sr.Degraded {
			res.Degraded = true
		}
		if outcome.EscalatePriority {
			ex.PriorityEscalated = true
			res.PriorityEscalated = true
		}
		res.Output = outcome.Result

		if outcome.ShortCircuit {
			res.Status = StatusShortCircuited
			return res
		}
	}
	return res
}

func (p *Pipeline) runStage(ctx context.Context, st stage, ex *Exchange) (Outcome, StageResult, error) {
	sc := st.config
	meta := observe.StageMeta{
		Stage:        sc.ID.String(),
		Collaborator: sc.Collaborator,
		TaskID:       ex.TaskID,
	}
	sr := StageResult{Stage: sc.ID}
	start := time.Now()

	ctx, end := p.startSpan(ctx, meta)

	fingerprint := p.fingerprint(st, ex)
	if fingerprint != "" {
		if v, ok := p.cache.Get(ctx, fingerprint); ok {
			p.recordCache(ctx, meta.Stage, true)
			outcome, ok := v.(Outcome)
			if ok {
				sr.Strategy = resilience.StrategyCache
				sr.Cached = true
				sr.Latency = time.Since(start)
				p.recordStage(ctx, meta, sr.Latency, nil)
				end(nil)
				return outcome, sr, nil
			}
		} else {
			p.recordCache(ctx, meta.Stage, false)
		}
	}

	var outcome Outcome
	rec, err := p.recovery.Execute(ctx, resilience.Call{
		Collaborator: sc.Collaborator,
		Fingerprint:  fingerprint,
		Admit:        p.admit(ctx, sc.Collaborator),
		Primary: func(ctx context.Context) (any, error) {
			return p.invoke(ctx, sc.Timeout, sc.Handler, ex)
		},
		Alternate: p.alternate(st, ex),
		Degraded:  p.degraded(st, ex),
	})
	sr.Latency = time.Since(start)

	if err != nil {
		sr.Err = err
		p.recordStage(ctx, meta, sr.Latency, err)
		p.logStage(meta, func(l observe.Logger) {
			l.Error(ctx, "stage failed", observe.Field{Key: "error", Value: err.Error()})
		})
		end(err)
		return Outcome{}, sr, err
	}

	switch v := rec.Value.(type) {
	case Outcome:
		outcome = v
	default:
		outcome = Outcome{Result: v}
	}
	sr.Strategy = rec.Strategy
	sr.Degraded = rec.Degraded

	if fingerprint != "" && rec.Strategy == resilience.StrategyPrimary {
		_ = p.cache.Set(ctx, fingerprint, outcome, sc.CacheTTL)
	}

	p.recordStage(ctx, meta, sr.Latency, nil)
	p.logStage(meta, func(l observe.Logger) {
		l.Debug(ctx, "stage completed",
			observe.Field{Key: "strategy", Value: string(rec.Strategy)},
			observe.Field{Key: "short_circuit", Value: outcome.ShortCircuit},
		)
	})
	end(nil)
	return outcome, sr, nil
}

// invoke runs one handler under the stage timeout, normalizing the
// (Outcome, error) contract onto the recovery call shape. A panicking
// handler fails the stage as permanent rather than the process.
func (p *Pipeline) invoke(ctx context.Context, timeout time.Duration, h Handler, ex *Exchange) (any, error) {
	var out Outcome
	err := resilience.WithTimeout(ctx, timeout, func(ctx context.Context) (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = resilience.MarkPermanent(fmt.Errorf("pipeline: handler panic: %v", r))
			}
		}()
		o, herr := h.Handle(ctx, ex)
		if herr != nil {
			return herr
		}
		out = o
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (p *Pipeline) admit(ctx context.Context, collaborator string) func() error {
	if p.limiter == nil {
		return nil
	}
	return func() error {
		ok, retryAfter := p.limiter.Allow(collaborator)
		if ok {
			return nil
		}
		if p.metrics != nil {
			p.metrics.RecordRateLimited(ctx, collaborator)
		}
		return &resilience.RateLimitError{Key: collaborator, RetryAfter: retryAfter}
	}
}

func (p *Pipeline) alternate(st stage, ex *Exchange) func(context.Context) (any, error) {
	if st.config.Alternate == nil {
		return nil
	}
	return func(ctx context.Context) (any, error) {
		return p.invoke(ctx, st.config.Timeout, st.config.Alternate, ex)
	}
}

func (p *Pipeline) degraded(st stage, ex *Exchange) func() any {
	if st.config.Degraded == nil {
		return nil
	}
	return func() any {
		return Outcome{Result: st.config.Degraded(ex)}
	}
}

// fingerprint returns the stage's cache key, or "" when the stage does
// not cache.
func (p *Pipeline) fingerprint(st stage, ex *Exchange) string {
	if p.cache == nil || st.config.CacheTTL <= 0 {
		return ""
	}
	key, err := st.keyer.Key(st.config.ID.String(), ex.Request)
	if err != nil {
		// Unkeyable requests simply skip the cache.
		return ""
	}
	return key
}

func (p *Pipeline) fail(res Result, ex *Exchange, failed StageID, err error) Result {
	res.Status = StatusFailed
	res.FailedStage = failed
	res.Err = err
	if len(ex.Outputs) > 0 {
		res.Degraded = true
	}
	return res
}

func (p *Pipeline) startSpan(ctx context.Context, meta observe.StageMeta) (context.Context, func(error)) {
	if p.tracer == nil {
		return ctx, func(error) {}
	}
	ctx, span := p.tracer.StartSpan(ctx, meta)
	return ctx, func(err error) { p.tracer.EndSpan(span, err) }
}

func (p *Pipeline) recordStage(ctx context.Context, meta observe.StageMeta, latency time.Duration, err error) {
	if p.metrics != nil {
		p.metrics.RecordStage(ctx, meta, latency, err)
	}
}

func (p *Pipeline) recordCache(ctx context.Context, scope string, hit bool) {
	if p.metrics != nil {
		p.metrics.RecordCacheLookup(ctx, scope, hit)
	}
}

func (p *Pipeline) logStage(meta observe.StageMeta, fn func(observe.Logger)) {
	if p.logger != nil {
		fn(p.logger.WithStage(meta))
	}
}
