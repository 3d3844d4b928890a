package observe

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics records the orchestration core's mandatory counters: task and
// stage outcomes, cache effectiveness, rate-limit rejections and circuit
// transitions.
//
// Contract:
// - Concurrency: implementations must be safe for concurrent use.
// - Errors: implementations must not panic.
type Metrics interface {
	// RecordStage records one stage invocation with duration and outcome.
	RecordStage(ctx context.Context, meta StageMeta, duration time.Duration, err error)

	// RecordTask records one task reaching a terminal status.
	RecordTask(ctx context.Context, status string, duration time.Duration)

	// RecordCacheLookup records a cache hit or miss for a stage scope.
	RecordCacheLookup(ctx context.Context, scope string, hit bool)

	// RecordRateLimited records an admission denial for a key.
	RecordRateLimited(ctx context.Context, key string)

	// RecordCircuitTransition records a circuit state change for a
	// collaborator.
	RecordCircuitTransition(ctx context.Context, collaborator, from, to string)

	// RecordFallback records a recovery strategy attempt.
	RecordFallback(ctx context.Context, collaborator, strategy string)
}

type metricsImpl struct {
	stageTotal    metric.Int64Counter
	stageErrors   metric.Int64Counter
	stageDuration metric.Float64Histogram
	taskTotal     metric.Int64Counter
	taskDuration  metric.Float64Histogram
	cacheHits     metric.Int64Counter
	cacheMisses   metric.Int64Counter
	rateLimited   metric.Int64Counter
	circuitTrans  metric.Int64Counter
	fallbacks     metric.Int64Counter
}

func newMetrics(meter metric.Meter) (*metricsImpl, error) {
	m := &metricsImpl{}
	var err error

	if m.stageTotal, err = meter.Int64Counter(
		"pipeline.stage.total",
		metric.WithDescription("Total number of stage invocations"),
		metric.WithUnit("{call}"),
	); err != nil {
		return nil, err
	}
	if m.stageErrors, err = meter.Int64Counter(
		"pipeline.stage.errors",
		metric.WithDescription("Total number of stage invocation errors"),
		metric.WithUnit("{error}"),
	); err != nil {
		return nil, err
	}
	if m.stageDuration, err = meter.Float64Histogram(
		"pipeline.stage.duration_ms",
		metric.WithDescription("Stage invocation duration in milliseconds"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	if m.taskTotal, err = meter.Int64Counter(
		"task.total",
		metric.WithDescription("Total number of tasks by terminal status"),
		metric.WithUnit("{task}"),
	); err != nil {
		return nil, err
	}
	if m.taskDuration, err = meter.Float64Histogram(
		"task.duration_ms",
		metric.WithDescription("Task duration from submission to terminal status"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	if m.cacheHits, err = meter.Int64Counter(
		"cache.hits",
		metric.WithDescription("Result cache hits"),
		metric.WithUnit("{lookup}"),
	); err != nil {
		return nil, err
	}
	if m.cacheMisses, err = meter.Int64Counter(
		"cache.misses",
		metric.WithDescription("Result cache misses"),
		metric.WithUnit("{lookup}"),
	); err != nil {
		return nil, err
	}
	if m.rateLimited, err = meter.Int64Counter(
		"ratelimit.rejections",
		metric.WithDescription("Admission denials by the rate limiter"),
		metric.WithUnit("{call}"),
	); err != nil {
		return nil, err
	}
	if m.circuitTrans, err = meter.Int64Counter(
		"circuit.transitions",
		metric.WithDescription("Circuit breaker state transitions"),
		metric.WithUnit("{transition}"),
	); err != nil {
		return nil, err
	}
	if m.fallbacks, err = meter.Int64Counter(
		"recovery.fallbacks",
		metric.WithDescription("Recovery fallback strategy attempts"),
		metric.WithUnit("{attempt}"),
	); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *metricsImpl) RecordStage(ctx context.Context, meta StageMeta, duration time.Duration, err error) {
	opt := metric.WithAttributes(
		attribute.String("stage.name", meta.Stage),
		attribute.String("stage.collaborator", meta.Collaborator),
	)

	m.stageTotal.Add(ctx, 1, opt)
	if err != nil {
		m.stageErrors.Add(ctx, 1, opt)
	}
	m.stageDuration.Record(ctx, float64(duration)/float64(time.Millisecond), opt)
}

func (m *metricsImpl) RecordTask(ctx context.Context, status string, duration time.Duration) {
	opt := metric.WithAttributes(attribute.String("task.status", status))
	m.taskTotal.Add(ctx, 1, opt)
	m.taskDuration.Record(ctx, float64(duration)/float64(time.Millisecond), opt)
}

func (m *metricsImpl) RecordCacheLookup(ctx context.Context, scope string, hit bool) {
	opt := metric.WithAttributes(attribute.String("cache.scope", scope))
	if hit {
		m.cacheHits.Add(ctx, 1, opt)
	} else {
		m.cacheMisses.Add(ctx, 1, opt)
	}
}

func (m *metricsImpl) RecordRateLimited(ctx context.Context, key string) {
	m.rateLimited.Add(ctx, 1, metric.WithAttributes(attribute.String("ratelimit.key", key)))
}

func (m *metricsImpl) RecordCircuitTransition(ctx context.Context, collaborator, from, to string) {
	m.circuitTrans.Add(ctx, 1, metric.WithAttributes(
		attribute.String("circuit.collaborator", collaborator),
		attribute.String("circuit.from", from),
		attribute.String("circuit.to", to),
	))
}

func (m *metricsImpl) RecordFallback(ctx context.Context, collaborator, strategy string) {
	m.fallbacks.Add(ctx, 1, metric.WithAttributes(
		attribute.String("circuit.collaborator", collaborator),
		attribute.String("recovery.strategy", strategy),
	))
}
