package orchestra

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/serenity-labs/orchestra/cache"
	"github.com/serenity-labs/orchestra/caller"
	"github.com/serenity-labs/orchestra/dispatch"
	"github.com/serenity-labs/orchestra/pipeline"
	"github.com/serenity-labs/orchestra/resilience"
)

func newOrchestrator(t *testing.T, config Config, stages []pipeline.StageConfig) *Orchestrator {
	t.Helper()
	o, err := New(context.Background(), config, stages)
	if err != nil {
		t.Fatalf("New() = %v", err)
	}
	t.Cleanup(func() {
		if err := o.Shutdown(context.Background()); err != nil {
			t.Errorf("Shutdown() = %v", err)
		}
	})
	return o
}

func echoStages() []pipeline.StageConfig {
	return []pipeline.StageConfig{{
		ID:           pipeline.StageSynthesis,
		Collaborator: "synthesis-svc",
		Handler: pipeline.HandlerFunc(func(ctx context.Context, ex *pipeline.Exchange) (pipeline.Outcome, error) {
			return pipeline.Outcome{Result: "echo: " + ex.Request.(string)}, nil
		}),
	}}
}

func awaitTask(t *testing.T, o *Orchestrator, id string) dispatch.Result {
	t.Helper()
	res, err := o.AwaitResult(context.Background(), id, 5*time.Second)
	if err != nil {
		t.Fatalf("AwaitResult(%s) = %v", id, err)
	}
	return res
}

func TestOrchestrator_EndToEnd(t *testing.T) {
	o := newOrchestrator(t, Config{}, echoStages())

	id, err := o.Submit(SubmitRequest{Request: "hello"})
	if err != nil {
		t.Fatalf("Submit() = %v", err)
	}

	res := awaitTask(t, o, id)
	if res.Status != dispatch.StatusSucceeded {
		t.Fatalf("status = %v, err = %v", res.Status, res.Err)
	}
	run, ok := res.Value.(pipeline.Result)
	if !ok {
		t.Fatalf("value type = %T, want pipeline.Result", res.Value)
	}
	if run.Output != "echo: hello" {
		t.Errorf("output = %v, want echo: hello", run.Output)
	}
}

func TestOrchestrator_IdempotentSubmit(t *testing.T) {
	var executions atomic.Int32
	stages := []pipeline.StageConfig{{
		ID:           pipeline.StageSynthesis,
		Collaborator: "synthesis-svc",
		Handler: pipeline.HandlerFunc(func(ctx context.Context, ex *pipeline.Exchange) (pipeline.Outcome, error) {
			executions.Add(1)
			return pipeline.Outcome{Result: "done"}, nil
		}),
	}}
	o := newOrchestrator(t, Config{}, stages)

	first, err := o.Submit(SubmitRequest{IdempotencyKey: "msg-7", Request: "hi"})
	if err != nil {
		t.Fatalf("Submit() = %v", err)
	}
	second, err := o.Submit(SubmitRequest{IdempotencyKey: "msg-7", Request: "hi"})
	if err != nil {
		t.Fatalf("Submit(dup) = %v", err)
	}
	if second != first {
		t.Errorf("duplicate submit returned %s, want %s", second, first)
	}

	awaitTask(t, o, first)
	if got := executions.Load(); got != 1 {
		t.Errorf("executions = %d, want 1", got)
	}
}

func TestOrchestrator_CallerRateLimit(t *testing.T) {
	o := newOrchestrator(t, Config{
		RateLimit: RateLimitConfig{Capacity: 1, Refill: 1},
	}, echoStages())

	if _, err := o.Submit(SubmitRequest{Request: "first"}); err != nil {
		t.Fatalf("Submit() = %v", err)
	}

	_, err := o.Submit(SubmitRequest{Request: "second"})
	if !errors.Is(err, resilience.ErrRateLimitExceeded) {
		t.Fatalf("Submit() = %v, want rate limit denial", err)
	}

	var denied *resilience.RateLimitError
	if !errors.As(err, &denied) {
		t.Fatalf("err type = %T, want *resilience.RateLimitError", err)
	}
	// One token per second: the hint is about a second out.
	if denied.RetryAfter < 900*time.Millisecond || denied.RetryAfter > 1100*time.Millisecond {
		t.Errorf("retry after = %v, want about 1s", denied.RetryAfter)
	}

	// The consumed budget shows up in the state snapshot.
	if got := o.Snapshot().Limiter["anonymous"]; got < 0.9 {
		t.Errorf("limiter utilization = %v, want near 1 after exhausting the budget", got)
	}
}

func TestOrchestrator_CircuitOpensAndCacheStillServes(t *testing.T) {
	var fail atomic.Bool
	stages := []pipeline.StageConfig{{
		ID:           pipeline.StageReasoning,
		Collaborator: "reasoning-svc",
		CacheTTL:     time.Minute,
		KeyMode:      cache.ModeExact,
		Handler: pipeline.HandlerFunc(func(ctx context.Context, ex *pipeline.Exchange) (pipeline.Outcome, error) {
			if fail.Load() {
				return pipeline.Outcome{}, resilience.MarkPermanent(errors.New("model down"))
			}
			return pipeline.Outcome{Result: "answer"}, nil
		}),
	}}
	o := newOrchestrator(t, Config{
		Breaker: BreakerConfig{FailureThreshold: 2, CoolDown: time.Hour},
	}, stages)

	// A healthy run populates the cache for this request.
	id, _ := o.Submit(SubmitRequest{Request: "known question"})
	if res := awaitTask(t, o, id); res.Status != dispatch.StatusSucceeded {
		t.Fatalf("warmup status = %v, err = %v", res.Status, res.Err)
	}

	// Two failures trip the breaker.
	fail.Store(true)
	for i := 0; i < 2; i++ {
		id, _ := o.Submit(SubmitRequest{Request: "novel question"})
		if res := awaitTask(t, o, id); res.Status != dispatch.StatusFailed {
			t.Fatalf("failing run %d status = %v", i, res.Status)
		}
	}
	if state := o.Snapshot().Circuits["reasoning-svc"]; state != resilience.StateOpen {
		t.Fatalf("circuit state = %v, want open", state)
	}

	// The cached request is still served while the circuit is open.
	id, _ = o.Submit(SubmitRequest{Request: "known question"})
	res := awaitTask(t, o, id)
	if res.Status != dispatch.StatusSucceeded {
		t.Fatalf("cached run status = %v, err = %v", res.Status, res.Err)
	}
	run := res.Value.(pipeline.Result)
	if run.Output != "answer" {
		t.Errorf("output = %v, want answer", run.Output)
	}
	if !run.Stages[0].Cached {
		t.Error("open-circuit run was not served from cache")
	}
}

func TestOrchestrator_CrisisShortCircuit(t *testing.T) {
	var reasoned atomic.Bool
	stages := []pipeline.StageConfig{
		{
			ID:           pipeline.StageCrisisCheck,
			Collaborator: "crisis-svc",
			Handler: pipeline.HandlerFunc(func(ctx context.Context, ex *pipeline.Exchange) (pipeline.Outcome, error) {
				return pipeline.Outcome{
					Result:           "crisis response",
					ShortCircuit:     true,
					EscalatePriority: true,
				}, nil
			}),
		},
		{
			ID:           pipeline.StageReasoning,
			Collaborator: "reasoning-svc",
			Handler: pipeline.HandlerFunc(func(ctx context.Context, ex *pipeline.Exchange) (pipeline.Outcome, error) {
				reasoned.Store(true)
				return pipeline.Outcome{}, nil
			}),
		},
	}
	o := newOrchestrator(t, Config{}, stages)

	id, _ := o.Submit(SubmitRequest{Request: "urgent"})
	res := awaitTask(t, o, id)
	if res.Status != dispatch.StatusSucceeded {
		t.Fatalf("status = %v, err = %v", res.Status, res.Err)
	}

	run := res.Value.(pipeline.Result)
	if run.Status != pipeline.StatusShortCircuited {
		t.Errorf("pipeline status = %v, want short_circuited", run.Status)
	}
	if run.Output != "crisis response" {
		t.Errorf("output = %v", run.Output)
	}
	if !run.PriorityEscalated {
		t.Error("PriorityEscalated = false")
	}
	if reasoned.Load() {
		t.Error("reasoning stage ran after short circuit")
	}
}

func TestOrchestrator_AuthRequiredWhenConfigured(t *testing.T) {
	t.Setenv("ORCHESTRA_TEST_JWT_KEY", "unit-test-key")

	o := newOrchestrator(t, Config{
		Auth: AuthConfig{JWTKey: "${ORCHESTRA_TEST_JWT_KEY}"},
	}, echoStages())

	if _, err := o.Submit(SubmitRequest{Request: "no creds"}); err == nil {
		t.Error("Submit without credentials succeeded")
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "client-a",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte("unit-test-key"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	id, err := o.Submit(SubmitRequest{Credentials: "Bearer " + signed, Request: "hello"})
	if err != nil {
		t.Fatalf("Submit() = %v", err)
	}
	if res := awaitTask(t, o, id); res.Status != dispatch.StatusSucceeded {
		t.Errorf("status = %v", res.Status)
	}
}

func TestOrchestrator_APIKeyAuth(t *testing.T) {
	o := newOrchestrator(t, Config{
		Auth: AuthConfig{
			APIKeys: map[string]string{
				caller.HashKey("raw-key"): "client-b",
			},
		},
	}, echoStages())

	if _, err := o.Submit(SubmitRequest{Credentials: "wrong-key", Request: "hi"}); !errors.Is(err, caller.ErrInvalidCredentials) {
		t.Errorf("Submit with wrong key = %v, want ErrInvalidCredentials", err)
	}

	id, err := o.Submit(SubmitRequest{Credentials: "raw-key", Request: "hello"})
	if err != nil {
		t.Fatalf("Submit() = %v", err)
	}
	if res := awaitTask(t, o, id); res.Status != dispatch.StatusSucceeded {
		t.Errorf("status = %v", res.Status)
	}
}

func TestOrchestrator_HealthEndpoints(t *testing.T) {
	o := newOrchestrator(t, Config{}, echoStages())

	mux := http.NewServeMux()
	o.RegisterHealth(mux)

	for _, path := range []string{"/healthz", "/readyz", "/health"} {
		rr := httptest.NewRecorder()
		mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
		if rr.Code != http.StatusOK {
			t.Errorf("GET %s = %d, want 200", path, rr.Code)
		}
	}
}

func TestOrchestrator_SubmitAfterShutdown(t *testing.T) {
	o, err := New(context.Background(), Config{}, echoStages())
	if err != nil {
		t.Fatalf("New() = %v", err)
	}
	if err := o.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() = %v", err)
	}

	if _, err := o.Submit(SubmitRequest{Request: "late"}); !errors.Is(err, dispatch.ErrClosed) {
		t.Errorf("Submit after shutdown = %v, want ErrClosed", err)
	}
}
