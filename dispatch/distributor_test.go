package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/serenity-labs/orchestra/resilience"
)

func newTestDistributor(t *testing.T, config Config) *Distributor {
	t.Helper()
	d, err := NewDistributor(config)
	if err != nil {
		t.Fatalf("NewDistributor() = %v", err)
	}
	t.Cleanup(d.Close)
	return d
}

func await(t *testing.T, d *Distributor, id string) Result {
	t.Helper()
	res, err := d.AwaitResult(context.Background(), id, 5*time.Second)
	if err != nil {
		t.Fatalf("AwaitResult(%s) = %v", id, err)
	}
	return res
}

func TestDistributor_ExecutesTask(t *testing.T) {
	d := newTestDistributor(t, Config{
		Handler: func(ctx context.Context, task *Task) (any, error) {
			return task.Payload.(string) + "!", nil
		},
	})

	id, err := d.Submit(Submission{Payload: "hello"})
	if err != nil {
		t.Fatalf("Submit() = %v", err)
	}

	res := await(t, d, id)
	if res.Status != StatusSucceeded {
		t.Errorf("status = %v, want succeeded", res.Status)
	}
	if res.Value != "hello!" {
		t.Errorf("value = %v, want hello!", res.Value)
	}
	if res.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", res.Attempts)
	}
}

func TestDistributor_PriorityOrder(t *testing.T) {
	gate := make(chan struct{})
	var mu sync.Mutex
	var order []string

	d := newTestDistributor(t, Config{
		Workers: 1,
		Handler: func(ctx context.Context, task *Task) (any, error) {
			if task.Payload == "blocker" {
				<-gate
				return nil, nil
			}
			mu.Lock()
			order = append(order, task.Payload.(string))
			mu.Unlock()
			return nil, nil
		},
	})

	blockerID, _ := d.Submit(Submission{Payload: "blocker"})
	waitForStatus(t, d, blockerID, StatusRunning)

	lowID, _ := d.Submit(Submission{Priority: PriorityLow, Payload: "low"})
	critID, _ := d.Submit(Submission{Priority: PriorityCritical, Payload: "critical"})
	normalID, _ := d.Submit(Submission{Priority: PriorityNormal, Payload: "normal"})
	close(gate)

	await(t, d, lowID)
	await(t, d, critID)
	await(t, d, normalID)

	mu.Lock()
	defer mu.Unlock()
	want := []string{"critical", "normal", "low"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("execution order = %v, want %v", order, want)
		}
	}
}

func TestDistributor_IdempotencyDedup(t *testing.T) {
	started := make(chan struct{})
	gate := make(chan struct{})
	var executions atomic.Int32

	d := newTestDistributor(t, Config{
		Handler: func(ctx context.Context, task *Task) (any, error) {
			executions.Add(1)
			close(started)
			<-gate
			return "computed", nil
		},
	})

	first, err := d.Submit(Submission{Key: "req-42", Payload: 1})
	if err != nil {
		t.Fatalf("Submit() = %v", err)
	}
	<-started

	// Second submission while the first is still running attaches to it.
	second, err := d.Submit(Submission{Key: "req-42", Payload: 2})
	if err != nil {
		t.Fatalf("Submit(dup) = %v", err)
	}
	if second != first {
		t.Errorf("duplicate submit returned %s, want %s", second, first)
	}

	close(gate)
	res := await(t, d, second)
	if res.Value != "computed" {
		t.Errorf("value = %v, want computed", res.Value)
	}

	// A resubmission after completion, within retention, still
	// deduplicates.
	third, _ := d.Submit(Submission{Key: "req-42"})
	if third != first {
		t.Errorf("post-completion submit returned %s, want %s", third, first)
	}
	if got := executions.Load(); got != 1 {
		t.Errorf("executions = %d, want 1", got)
	}
}

func TestDistributor_RetryBound(t *testing.T) {
	var calls atomic.Int32
	d := newTestDistributor(t, Config{
		Retry: resilience.RetryConfig{
			MaxRetries: 2,
			BaseDelay:  time.Millisecond,
			NoJitter:   true,
		},
		Handler: func(ctx context.Context, task *Task) (any, error) {
			calls.Add(1)
			return nil, resilience.MarkTransient(errors.New("overloaded"))
		},
	})

	id, _ := d.Submit(Submission{})
	res := await(t, d, id)

	if res.Status != StatusFailed {
		t.Errorf("status = %v, want failed", res.Status)
	}
	// max_retries=2 means exactly 3 attempts.
	if res.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", res.Attempts)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("handler calls = %d, want 3", got)
	}
}

func TestDistributor_PermanentErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	d := newTestDistributor(t, Config{
		Retry: resilience.RetryConfig{MaxRetries: 5, BaseDelay: time.Millisecond},
		Handler: func(ctx context.Context, task *Task) (any, error) {
			calls.Add(1)
			return nil, resilience.MarkPermanent(errors.New("malformed"))
		},
	})

	id, _ := d.Submit(Submission{})
	res := await(t, d, id)

	if res.Status != StatusFailed || res.Attempts != 1 {
		t.Errorf("status = %v attempts = %d, want failed after 1", res.Status, res.Attempts)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("handler calls = %d, want 1", got)
	}
}

func TestDistributor_QueueFull(t *testing.T) {
	gate := make(chan struct{})
	defer close(gate)

	d := newTestDistributor(t, Config{
		Workers:    1,
		QueueDepth: 1,
		Handler: func(ctx context.Context, task *Task) (any, error) {
			select {
			case <-gate:
			case <-ctx.Done():
			}
			return nil, nil
		},
	})

	blockerID, _ := d.Submit(Submission{})
	waitForStatus(t, d, blockerID, StatusRunning)

	if _, err := d.Submit(Submission{}); err != nil {
		t.Fatalf("Submit(queued) = %v", err)
	}
	if _, err := d.Submit(Submission{}); !errors.Is(err, ErrQueueFull) {
		t.Errorf("Submit(overflow) = %v, want ErrQueueFull", err)
	}
}

func TestDistributor_CancelPending(t *testing.T) {
	gate := make(chan struct{})
	defer close(gate)
	var ran atomic.Bool

	d := newTestDistributor(t, Config{
		Workers: 1,
		Handler: func(ctx context.Context, task *Task) (any, error) {
			if task.Payload == "blocker" {
				select {
				case <-gate:
				case <-ctx.Done():
				}
				return nil, nil
			}
			ran.Store(true)
			return nil, nil
		},
	})

	blockerID, _ := d.Submit(Submission{Payload: "blocker"})
	waitForStatus(t, d, blockerID, StatusRunning)

	id, _ := d.Submit(Submission{Payload: "victim"})
	if err := d.Cancel(id); err != nil {
		t.Fatalf("Cancel() = %v", err)
	}

	res := await(t, d, id)
	if res.Status != StatusCancelled {
		t.Errorf("status = %v, want cancelled", res.Status)
	}
	if ran.Load() {
		t.Error("cancelled pending task was executed")
	}
}

func TestDistributor_CancelRunning(t *testing.T) {
	d := newTestDistributor(t, Config{
		Handler: func(ctx context.Context, task *Task) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	})

	id, _ := d.Submit(Submission{})
	waitForStatus(t, d, id, StatusRunning)

	if err := d.Cancel(id); err != nil {
		t.Fatalf("Cancel() = %v", err)
	}
	res := await(t, d, id)
	if res.Status != StatusCancelled {
		t.Errorf("status = %v, want cancelled", res.Status)
	}
	if !errors.Is(res.Err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", res.Err)
	}
}

func TestDistributor_AwaitTimeoutLeavesTaskRunning(t *testing.T) {
	gate := make(chan struct{})
	d := newTestDistributor(t, Config{
		Handler: func(ctx context.Context, task *Task) (any, error) {
			select {
			case <-gate:
				return "late", nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	})

	id, _ := d.Submit(Submission{})
	waitForStatus(t, d, id, StatusRunning)

	if _, err := d.AwaitResult(context.Background(), id, 10*time.Millisecond); !errors.Is(err, ErrAwaitTimeout) {
		t.Fatalf("AwaitResult() = %v, want ErrAwaitTimeout", err)
	}

	status, err := d.Status(id)
	if err != nil || status != StatusRunning {
		t.Errorf("Status() = %v, %v, want running", status, err)
	}

	close(gate)
	res := await(t, d, id)
	if res.Value != "late" {
		t.Errorf("value = %v, want late", res.Value)
	}
}

func TestDistributor_AttemptTimeout(t *testing.T) {
	d := newTestDistributor(t, Config{
		Retry:       resilience.RetryConfig{MaxRetries: -1},
		TaskTimeout: 20 * time.Millisecond,
		Handler: func(ctx context.Context, task *Task) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	})

	id, _ := d.Submit(Submission{})
	res := await(t, d, id)
	if res.Status != StatusFailed {
		t.Errorf("status = %v, want failed", res.Status)
	}
	if !errors.Is(res.Err, resilience.ErrTimeout) {
		t.Errorf("err = %v, want ErrTimeout", res.Err)
	}
}

func TestDistributor_LateHandlerValueDiscarded(t *testing.T) {
	done := make(chan struct{})
	d := newTestDistributor(t, Config{
		Retry:       resilience.RetryConfig{MaxRetries: -1},
		TaskTimeout: 10 * time.Millisecond,
		Handler: func(ctx context.Context, task *Task) (any, error) {
			defer close(done)
			// Keeps running past the attempt deadline and returns a
			// value the distributor must never surface.
			time.Sleep(50 * time.Millisecond)
			return "late", nil
		},
	})

	id, _ := d.Submit(Submission{})
	res := await(t, d, id)
	if res.Status != StatusFailed {
		t.Errorf("status = %v, want failed", res.Status)
	}
	if !errors.Is(res.Err, resilience.ErrTimeout) {
		t.Errorf("err = %v, want ErrTimeout", res.Err)
	}
	if res.Value != nil {
		t.Errorf("value = %v, want nil after timeout", res.Value)
	}
	<-done
}

func TestDistributor_HandlerPanicContained(t *testing.T) {
	d := newTestDistributor(t, Config{
		Handler: func(ctx context.Context, task *Task) (any, error) {
			panic("boom")
		},
	})

	id, _ := d.Submit(Submission{})
	res := await(t, d, id)
	if res.Status != StatusFailed {
		t.Errorf("status = %v, want failed", res.Status)
	}
	if res.Attempts != 1 {
		t.Errorf("attempts = %d, want 1 (panics are permanent)", res.Attempts)
	}
}

func TestDistributor_SweepEndsDedupWindow(t *testing.T) {
	d := newTestDistributor(t, Config{
		Handler: func(ctx context.Context, task *Task) (any, error) {
			return nil, nil
		},
	})

	id, _ := d.Submit(Submission{Key: "req-1"})
	await(t, d, id)

	d.sweep(time.Now().Add(time.Second))

	if _, err := d.Status(id); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("Status(swept) = %v, want ErrTaskNotFound", err)
	}
	fresh, err := d.Submit(Submission{Key: "req-1"})
	if err != nil {
		t.Fatalf("Submit() = %v", err)
	}
	if fresh == id {
		t.Error("resubmission after sweep reused the swept task")
	}
}

func TestDistributor_UnknownTask(t *testing.T) {
	d := newTestDistributor(t, Config{
		Handler: func(ctx context.Context, task *Task) (any, error) { return nil, nil },
	})

	if _, err := d.Status("nope"); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("Status(unknown) = %v, want ErrTaskNotFound", err)
	}
	if err := d.Cancel("nope"); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("Cancel(unknown) = %v, want ErrTaskNotFound", err)
	}
	if _, err := d.AwaitResult(context.Background(), "nope", time.Second); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("AwaitResult(unknown) = %v, want ErrTaskNotFound", err)
	}
}

func TestDistributor_SubmitAfterClose(t *testing.T) {
	d, err := NewDistributor(Config{
		Handler: func(ctx context.Context, task *Task) (any, error) { return nil, nil },
	})
	if err != nil {
		t.Fatalf("NewDistributor() = %v", err)
	}
	d.Close()

	if _, err := d.Submit(Submission{}); !errors.Is(err, ErrClosed) {
		t.Errorf("Submit after close = %v, want ErrClosed", err)
	}
}

func TestDistributor_CloseCancelsBackedOffTask(t *testing.T) {
	attempted := make(chan struct{}, 1)
	d := newTestDistributor(t, Config{
		Retry: resilience.RetryConfig{
			MaxRetries: 3,
			BaseDelay:  time.Minute,
			NoJitter:   true,
		},
		Handler: func(ctx context.Context, task *Task) (any, error) {
			select {
			case attempted <- struct{}{}:
			default:
			}
			return nil, resilience.MarkTransient(errors.New("overloaded"))
		},
	})

	id, _ := d.Submit(Submission{})
	<-attempted
	// The first attempt failed transiently; the task is now parked in a
	// minute-long backoff.
	waitForStatus(t, d, id, StatusPending)

	d.Close()

	res, err := d.AwaitResult(context.Background(), id, time.Second)
	if err != nil {
		t.Fatalf("AwaitResult after close = %v", err)
	}
	if res.Status != StatusCancelled {
		t.Errorf("status = %v, want cancelled", res.Status)
	}
}

func TestDistributor_RequiresHandler(t *testing.T) {
	if _, err := NewDistributor(Config{}); err == nil {
		t.Error("NewDistributor without handler succeeded")
	}
}

func waitForStatus(t *testing.T, d *Distributor, id string, want Status) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		status, err := d.Status(id)
		if err != nil {
			t.Fatalf("Status(%s) = %v", id, err)
		}
		if status == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("task %s never reached %v", id, want)
}
