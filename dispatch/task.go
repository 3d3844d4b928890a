package dispatch

import "time"

// Priority orders pending tasks. Higher priorities dequeue first; ties
// dequeue in submission order.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// String returns a human-readable priority name.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Status is the lifecycle state of a submitted task.
type Status int

const (
	// StatusPending means the task is queued or waiting out a retry
	// backoff.
	StatusPending Status = iota
	// StatusRunning means a worker is executing the task.
	StatusRunning
	// StatusSucceeded means the handler returned a value.
	StatusSucceeded
	// StatusFailed means every attempt failed or the error was
	// permanent.
	StatusFailed
	// StatusCancelled means the task was cancelled before completing.
	StatusCancelled
)

// String returns a human-readable status name.
func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusRunning:
		return "running"
	case StatusSucceeded:
		return "succeeded"
	case StatusFailed:
		return "failed"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCancelled
}

// Task is a unit of work accepted by the distributor.
type Task struct {
	// ID is the distributor-assigned identifier.
	ID string

	// Key is the caller-supplied idempotency key. Submissions sharing a
	// key within the retention window collapse onto one task.
	Key string

	Priority Priority
	Payload  any

	EnqueuedAt time.Time
}

// Result is the terminal outcome of a task.
type Result struct {
	TaskID string
	Status Status

	// Value is the handler's return value when Status is
	// StatusSucceeded.
	Value any

	// Err is the final attempt's error when Status is StatusFailed, or
	// the cancellation cause when StatusCancelled.
	Err error

	// Latency is the duration of the final attempt.
	Latency time.Duration

	// Attempts counts handler invocations, including retries.
	Attempts int
}
