package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/serenity-labs/orchestra/observe"
	"github.com/serenity-labs/orchestra/resilience"
)

// Handler executes one task attempt. It must honor ctx cancellation.
type Handler func(ctx context.Context, task *Task) (any, error)

// Config configures the distributor.
type Config struct {
	// Workers is the number of worker goroutines.
	// Default: 4
	Workers int

	// QueueDepth bounds the pending queue; Submit returns ErrQueueFull
	// beyond it.
	// Default: 256
	QueueDepth int

	// Retry governs per-task retry with backoff. Failed attempts
	// re-enter the queue after the backoff delay rather than holding a
	// worker.
	Retry resilience.RetryConfig

	// TaskTimeout bounds each attempt. Zero disables the bound.
	// Default: 30s
	TaskTimeout time.Duration

	// Retention is how long terminal records stay queryable. Within it,
	// a resubmission with the same idempotency key returns the finished
	// task instead of re-executing.
	// Default: 5m
	Retention time.Duration

	// SweepInterval is the period of the background retention sweep.
	// Default: 1m
	SweepInterval time.Duration

	// Handler executes task attempts. Required.
	Handler Handler

	// Logger receives task lifecycle events. Optional.
	Logger observe.Logger

	// OnTerminal is called once per task with its terminal result.
	OnTerminal func(Result)
}

// record tracks one accepted task through its lifecycle.
type record struct {
	mu      sync.Mutex
	task    *Task
	status  Status
	attempt int
	result  Result

	terminalAt time.Time

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// Distributor runs submitted tasks on a bounded worker pool with
// priority ordering, retry with backoff, and idempotency deduplication.
type Distributor struct {
	config   Config
	retry    *resilience.Retry
	retryIf  func(error) bool
	queue    *taskQueue
	inFlight *resilience.Bulkhead

	mu    sync.RWMutex
	byID  map[string]*record
	byKey map[string]*record

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewDistributor creates a distributor with defaults applied and starts
// its workers.
func NewDistributor(config Config) (*Distributor, error) {
	if config.Handler == nil {
		return nil, fmt.Errorf("dispatch: Config.Handler is required")
	}
	if config.Workers <= 0 {
		config.Workers = 4
	}
	if config.QueueDepth <= 0 {
		config.QueueDepth = 256
	}
	if config.TaskTimeout < 0 {
		config.TaskTimeout = 0
	} else if config.TaskTimeout == 0 {
		config.TaskTimeout = 30 * time.Second
	}
	if config.Retention <= 0 {
		config.Retention = 5 * time.Minute
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = time.Minute
	}

	d := &Distributor{
		config:   config,
		retry:    resilience.NewRetry(config.Retry),
		queue:    newTaskQueue(config.QueueDepth),
		inFlight: resilience.NewBulkhead(resilience.BulkheadConfig{MaxInFlight: config.Workers}),
		byID:     make(map[string]*record),
		byKey:    make(map[string]*record),
		closed:   make(chan struct{}),
	}
	d.retryIf = config.Retry.RetryIf
	if d.retryIf == nil {
		d.retryIf = resilience.IsTransient
	}

	for i := 0; i < config.Workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	d.wg.Add(1)
	go d.sweeper()

	return d, nil
}

// Submission describes a task to submit.
type Submission struct {
	// Key is an optional idempotency key. Concurrent or repeated
	// submissions with the same key map to one task.
	Key string

	Priority Priority
	Payload  any
}

// Submit accepts a task and returns its ID. When sub.Key matches a live
// or recently finished task, that task's ID is returned and nothing new
// is executed.
func (d *Distributor) Submit(sub Submission) (string, error) {
	select {
	case <-d.closed:
		return "", ErrClosed
	default:
	}

	d.mu.Lock()
	if sub.Key != "" {
		if rec, ok := d.byKey[sub.Key]; ok {
			id := rec.task.ID
			d.mu.Unlock()
			return id, nil
		}
	}

	task := &Task{
		ID:         uuid.NewString(),
		Key:        sub.Key,
		Priority:   sub.Priority,
		Payload:    sub.Payload,
		EnqueuedAt: time.Now(),
	}
	// Execution outlives the submitting request, so the task carries
	// its own context.
	ctx, cancel := context.WithCancel(context.Background())
	rec := &record{
		task:   task,
		status: StatusPending,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	d.byID[task.ID] = rec
	if sub.Key != "" {
		d.byKey[sub.Key] = rec
	}
	d.mu.Unlock()

	if err := d.queue.push(rec, false); err != nil {
		cancel()
		d.mu.Lock()
		delete(d.byID, task.ID)
		if sub.Key != "" && d.byKey[sub.Key] == rec {
			delete(d.byKey, sub.Key)
		}
		d.mu.Unlock()
		return "", err
	}

	d.log(func(l observe.Logger) {
		l.Debug(ctx, "task accepted",
			observe.Field{Key: "task_id", Value: task.ID},
			observe.Field{Key: "priority", Value: task.Priority.String()},
		)
	})
	return task.ID, nil
}

// Status returns the task's current lifecycle state.
func (d *Distributor) Status(id string) (Status, error) {
	rec, err := d.record(id)
	if err != nil {
		return 0, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.status, nil
}

// Result returns the terminal result of a finished task.
func (d *Distributor) Result(id string) (Result, error) {
	rec, err := d.record(id)
	if err != nil {
		return Result{}, err
	}
	select {
	case <-rec.done:
	default:
		return Result{}, fmt.Errorf("dispatch: task %s not finished", id)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.result, nil
}

// AwaitResult blocks until the task finishes, the wait bound elapses,
// or ctx is cancelled. A timeout cancels only the wait, never the task.
func (d *Distributor) AwaitResult(ctx context.Context, id string, timeout time.Duration) (Result, error) {
	rec, err := d.record(id)
	if err != nil {
		return Result{}, err
	}

	var bound <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		bound = timer.C
	}

	select {
	case <-rec.done:
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return rec.result, nil
	case <-bound:
		return Result{}, ErrAwaitTimeout
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Cancel requests cooperative cancellation. Pending tasks finish
// immediately as cancelled; running tasks see their context cancelled
// and finish as cancelled once the handler returns.
func (d *Distributor) Cancel(id string) error {
	rec, err := d.record(id)
	if err != nil {
		return err
	}

	rec.mu.Lock()
	if rec.status.Terminal() {
		rec.mu.Unlock()
		return nil
	}
	pending := rec.status == StatusPending
	rec.mu.Unlock()

	rec.cancel()
	if pending {
		// Not yet picked up; finish now. Workers skip records whose
		// status is no longer pending.
		d.finish(rec, Result{
			TaskID: rec.task.ID,
			Status: StatusCancelled,
			Err:    context.Canceled,
		})
	}
	return nil
}

// Stats describes the distributor's current load.
type Stats struct {
	Queued   int
	InFlight int
	Peak     int
	Rejected int64
}

// Snapshot returns current load statistics.
func (d *Distributor) Snapshot() Stats {
	bh := d.inFlight.Snapshot()
	return Stats{
		Queued:   d.queue.len(),
		InFlight: bh.InFlight,
		Peak:     bh.Peak,
		Rejected: bh.Rejected,
	}
}

// Close stops accepting work, cancels outstanding tasks, and waits for
// the workers to exit. Tasks still queued or parked in a retry backoff
// when the workers stop finish as cancelled, so no waiter blocks on a
// task that can never run.
func (d *Distributor) Close() {
	d.closeOnce.Do(func() {
		close(d.closed)

		d.mu.RLock()
		records := make([]*record, 0, len(d.byID))
		for _, rec := range d.byID {
			records = append(records, rec)
		}
		d.mu.RUnlock()
		for _, rec := range records {
			rec.cancel()
		}
	})
	d.wg.Wait()

	d.mu.RLock()
	records := make([]*record, 0, len(d.byID))
	for _, rec := range d.byID {
		records = append(records, rec)
	}
	d.mu.RUnlock()
	for _, rec := range records {
		rec.mu.Lock()
		attempts := rec.attempt
		rec.mu.Unlock()
		d.finish(rec, Result{
			TaskID:   rec.task.ID,
			Status:   StatusCancelled,
			Err:      context.Canceled,
			Attempts: attempts,
		})
	}
}

func (d *Distributor) record(id string) (*record, error) {
	d.mu.RLock()
	rec, ok := d.byID[id]
	d.mu.RUnlock()
	if !ok {
		return nil, ErrTaskNotFound
	}
	return rec, nil
}

func (d *Distributor) worker() {
	defer d.wg.Done()
	for {
		rec, ok := d.queue.pop()
		if !ok {
			select {
			case <-d.closed:
				return
			case <-d.queue.wake():
				continue
			}
		}
		d.execute(rec)
	}
}

func (d *Distributor) execute(rec *record) {
	rec.mu.Lock()
	if rec.status != StatusPending {
		// Cancelled while queued.
		rec.mu.Unlock()
		return
	}
	if rec.ctx.Err() != nil {
		rec.mu.Unlock()
		d.finish(rec, Result{
			TaskID: rec.task.ID,
			Status: StatusCancelled,
			Err:    context.Canceled,
		})
		return
	}
	rec.status = StatusRunning
	rec.attempt++
	attempt := rec.attempt
	rec.mu.Unlock()

	if err := d.inFlight.Acquire(); err != nil {
		rec.mu.Lock()
		rec.status = StatusPending
		rec.attempt--
		rec.mu.Unlock()
		_ = d.queue.push(rec, true)
		return
	}

	start := time.Now()
	value, err := d.invoke(rec)
	latency := time.Since(start)
	d.inFlight.Release()

	switch {
	case err == nil:
		d.finish(rec, Result{
			TaskID:   rec.task.ID,
			Status:   StatusSucceeded,
			Value:    value,
			Latency:  latency,
			Attempts: attempt,
		})

	case rec.ctx.Err() != nil:
		d.finish(rec, Result{
			TaskID:   rec.task.ID,
			Status:   StatusCancelled,
			Err:      rec.ctx.Err(),
			Latency:  latency,
			Attempts: attempt,
		})

	case d.retryIf(err) && attempt < d.retry.Attempts():
		rec.mu.Lock()
		rec.status = StatusPending
		rec.mu.Unlock()

		delay := d.retry.Delay(attempt - 1)
		d.log(func(l observe.Logger) {
			l.Warn(rec.ctx, "task attempt failed, retrying",
				observe.Field{Key: "task_id", Value: rec.task.ID},
				observe.Field{Key: "attempt", Value: attempt},
				observe.Field{Key: "delay", Value: delay.String()},
				observe.Field{Key: "error", Value: err.Error()},
			)
		})
		// The backoff wait happens off-worker so the pool stays free
		// for other tasks. After close there are no workers left to
		// pick the task up again; Close finishes it as cancelled.
		time.AfterFunc(delay, func() {
			select {
			case <-d.closed:
			default:
				_ = d.queue.push(rec, true)
			}
		})

	default:
		d.finish(rec, Result{
			TaskID:   rec.task.ID,
			Status:   StatusFailed,
			Err:      err,
			Latency:  latency,
			Attempts: attempt,
		})
	}
}

// invoke runs one handler attempt with the per-attempt timeout. Panics
// are contained inside the attempt itself, so a handler panicking on
// the timeout goroutine fails the task instead of the process.
func (d *Distributor) invoke(rec *record) (any, error) {
	var value any
	run := func(ctx context.Context) (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = resilience.MarkPermanent(fmt.Errorf("dispatch: handler panic: %v", r))
			}
		}()
		v, herr := d.config.Handler(ctx, rec.task)
		if herr != nil {
			return herr
		}
		value = v
		return nil
	}

	var err error
	if d.config.TaskTimeout > 0 {
		err = resilience.WithTimeout(rec.ctx, d.config.TaskTimeout, run)
	} else {
		err = run(rec.ctx)
	}
	if err != nil {
		// A timed-out attempt may still be writing value on its own
		// goroutine; never read it on failure.
		return nil, err
	}
	return value, nil
}

func (d *Distributor) finish(rec *record, res Result) {
	rec.mu.Lock()
	if rec.status.Terminal() {
		rec.mu.Unlock()
		return
	}
	rec.status = res.Status
	rec.result = res
	rec.terminalAt = time.Now()
	rec.mu.Unlock()

	rec.cancel()
	close(rec.done)

	d.log(func(l observe.Logger) {
		fields := []observe.Field{
			{Key: "task_id", Value: res.TaskID},
			{Key: "status", Value: res.Status.String()},
			{Key: "attempts", Value: res.Attempts},
		}
		if res.Err != nil {
			fields = append(fields, observe.Field{Key: "error", Value: res.Err.Error()})
			l.Warn(rec.ctx, "task finished", fields...)
			return
		}
		l.Info(rec.ctx, "task finished", fields...)
	})

	if d.config.OnTerminal != nil {
		d.config.OnTerminal(res)
	}
}

func (d *Distributor) sweeper() {
	defer d.wg.Done()
	ticker := time.NewTicker(d.config.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-d.closed:
			return
		case <-ticker.C:
			d.sweep(time.Now().Add(-d.config.Retention))
		}
	}
}

// sweep drops terminal records older than cutoff, ending their
// idempotency dedup window.
func (d *Distributor) sweep(cutoff time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, rec := range d.byID {
		rec.mu.Lock()
		expired := rec.status.Terminal() && rec.terminalAt.Before(cutoff)
		key := rec.task.Key
		rec.mu.Unlock()
		if !expired {
			continue
		}
		delete(d.byID, id)
		if key != "" && d.byKey[key] == rec {
			delete(d.byKey, key)
		}
	}
}

func (d *Distributor) log(fn func(observe.Logger)) {
	if d.config.Logger != nil {
		fn(d.config.Logger)
	}
}
