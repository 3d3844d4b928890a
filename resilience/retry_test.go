package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRetry_SucceedsWithoutRetry(t *testing.T) {
	r := NewRetry(RetryConfig{MaxRetries: 3, BaseDelay: time.Millisecond})

	calls := 0
	err := r.Execute(context.Background(), func(ctx context.Context) error {
		calls++
		return nil
	})
	if err != nil {
		t.Errorf("Execute() = %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestRetry_AttemptBound(t *testing.T) {
	r := NewRetry(RetryConfig{MaxRetries: 2, BaseDelay: time.Millisecond, NoJitter: true})

	calls := 0
	transient := MarkTransient(errors.New("overloaded"))
	err := r.Execute(context.Background(), func(ctx context.Context) error {
		calls++
		return transient
	})

	// max_retries=2 means exactly 3 total attempts.
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
	if !errors.Is(err, transient) {
		t.Errorf("Execute() = %v, want last transient error", err)
	}
}

func TestRetry_PermanentErrorNotRetried(t *testing.T) {
	r := NewRetry(RetryConfig{MaxRetries: 5, BaseDelay: time.Millisecond})

	calls := 0
	permanent := MarkPermanent(errors.New("malformed input"))
	err := r.Execute(context.Background(), func(ctx context.Context) error {
		calls++
		return permanent
	})
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if !errors.Is(err, permanent) {
		t.Errorf("Execute() = %v, want permanent error", err)
	}
}

func TestRetry_BackoffDoubles(t *testing.T) {
	r := NewRetry(RetryConfig{MaxRetries: 3, BaseDelay: 10 * time.Millisecond, NoJitter: true})

	var delays []time.Duration
	r.config.OnRetry = func(attempt int, err error, delay time.Duration) {
		delays = append(delays, delay)
	}

	_ = r.Execute(context.Background(), func(ctx context.Context) error {
		return MarkTransient(errors.New("blip"))
	})

	want := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 40 * time.Millisecond}
	if len(delays) != len(want) {
		t.Fatalf("delays = %v, want %v", delays, want)
	}
	for i := range want {
		if delays[i] != want[i] {
			t.Errorf("delay[%d] = %v, want %v", i, delays[i], want[i])
		}
	}
}

func TestRetry_DelayCappedAtMax(t *testing.T) {
	r := NewRetry(RetryConfig{
		MaxRetries: 1,
		BaseDelay:  time.Second,
		MaxDelay:   time.Millisecond,
		NoJitter:   true,
	})

	if d := r.Delay(5); d != time.Millisecond {
		t.Errorf("delay = %v, want capped at 1ms", d)
	}
}

func TestRetry_ContextCancelStopsRetrying(t *testing.T) {
	r := NewRetry(RetryConfig{MaxRetries: 10, BaseDelay: 50 * time.Millisecond, NoJitter: true})

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := r.Execute(ctx, func(ctx context.Context) error {
		calls++
		return MarkTransient(errors.New("blip"))
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Execute() = %v, want context.Canceled", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (cancelled during backoff)", calls)
	}
}

func TestClassify(t *testing.T) {
	if Classify(errors.New("anything")) != ClassTransient {
		t.Error("unmarked error should default to transient")
	}
	if Classify(MarkPermanent(errors.New("bad"))) != ClassPermanent {
		t.Error("marked permanent error misclassified")
	}
	if Classify(ErrCircuitOpen) != ClassPermanent {
		t.Error("ErrCircuitOpen should not be locally retryable")
	}
	if Classify(&RateLimitError{Key: "k", RetryAfter: time.Second}) != ClassPermanent {
		t.Error("rate-limit denial should not be locally retryable")
	}
	if !IsTransient(MarkTransient(errors.New("blip"))) {
		t.Error("IsTransient(marked transient) = false")
	}
	if IsTransient(nil) {
		t.Error("IsTransient(nil) = true")
	}
}
