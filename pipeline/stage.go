package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/serenity-labs/orchestra/cache"
)

// StageID identifies a pipeline stage. The set is closed; stages run in
// ascending ID order.
type StageID int

const (
	StagePerception StageID = iota
	StageCrisisCheck
	StageReasoning
	StageSynthesis
)

// String returns the stage's wire name.
func (s StageID) String() string {
	switch s {
	case StagePerception:
		return "perception"
	case StageCrisisCheck:
		return "crisis_check"
	case StageReasoning:
		return "reasoning"
	case StageSynthesis:
		return "synthesis"
	default:
		return "unknown"
	}
}

// ParseStageID maps a wire name back to its StageID.
func ParseStageID(name string) (StageID, error) {
	switch name {
	case "perception":
		return StagePerception, nil
	case "crisis_check":
		return StageCrisisCheck, nil
	case "reasoning":
		return StageReasoning, nil
	case "synthesis":
		return StageSynthesis, nil
	default:
		return 0, fmt.Errorf("pipeline: unknown stage %q", name)
	}
}

// Exchange carries one request through the stages. It is owned by a
// single Run call and is not safe for concurrent mutation.
type Exchange struct {
	// TaskID is the owning task, for telemetry correlation.
	TaskID string

	// Request is the original input; it also seeds stage fingerprints.
	Request any

	// Outputs holds each completed stage's result.
	Outputs map[StageID]any

	// PriorityEscalated is set when any stage requested escalation.
	PriorityEscalated bool
}

// Output returns a completed stage's result.
func (e *Exchange) Output(id StageID) (any, bool) {
	v, ok := e.Outputs[id]
	return v, ok
}

// Outcome is what a stage handler produces.
type Outcome struct {
	// Result becomes the stage's output on the exchange.
	Result any

	// ShortCircuit stops the pipeline; Result becomes the pipeline
	// output. Used by the crisis check to bypass normal processing.
	ShortCircuit bool

	// EscalatePriority asks the caller to raise the priority of any
	// follow-up work.
	EscalatePriority bool

	// Confidence is the handler's self-reported confidence, 0 to 1.
	Confidence float64
}

// Handler executes one stage against the exchange.
type Handler interface {
	Handle(ctx context.Context, ex *Exchange) (Outcome, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, ex *Exchange) (Outcome, error)

func (f HandlerFunc) Handle(ctx context.Context, ex *Exchange) (Outcome, error) {
	return f(ctx, ex)
}

// StageConfig configures one stage.
type StageConfig struct {
	// ID is the stage's position in the fixed order.
	ID StageID

	// Collaborator identifies the downstream dependency this stage
	// calls. It keys the circuit breaker, the health monitor and
	// rate-limit admission. Required.
	Collaborator string

	// Handler is the primary stage implementation. Required.
	Handler Handler

	// Alternate optionally serves the stage when the primary fails.
	Alternate Handler

	// Degraded optionally produces a placeholder outcome as the last
	// resort.
	Degraded func(ex *Exchange) any

	// Timeout bounds one handler invocation. Zero disables the bound.
	Timeout time.Duration

	// CacheTTL enables result caching for this stage when positive.
	CacheTTL time.Duration

	// KeyMode selects exact or semantic fingerprinting for the stage's
	// cache key.
	KeyMode cache.KeyMode
}
