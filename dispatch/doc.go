// Package dispatch runs tasks on a bounded worker pool.
//
// Tasks carry a priority and an optional idempotency key. The queue
// dequeues strictly by priority and FIFO within a priority; a full
// queue rejects immediately. Transient failures re-enter the queue
// after an exponential backoff, so a backing-off task never occupies a
// worker. Submissions that share an idempotency key collapse onto one
// execution, and the finished result stays queryable for a retention
// window.
package dispatch
