package dispatch

import "errors"

var (
	// ErrQueueFull is returned by Submit when the pending queue is at
	// capacity. The caller should back off and resubmit.
	ErrQueueFull = errors.New("dispatch: queue full")

	// ErrTaskNotFound is returned when a task ID is unknown or its
	// record has been swept after retention.
	ErrTaskNotFound = errors.New("dispatch: task not found")

	// ErrAwaitTimeout is returned by AwaitResult when the wait bound
	// elapses. The task itself keeps running.
	ErrAwaitTimeout = errors.New("dispatch: await timeout")

	// ErrClosed is returned by Submit after Close.
	ErrClosed = errors.New("dispatch: distributor closed")
)
