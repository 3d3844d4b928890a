// Package resilience protects downstream collaborators of the
// orchestration core.
//
// It provides the admission and failure-isolation building blocks the
// pipeline and distributor compose:
//
//   - Breaker / BreakerGroup: per-collaborator circuit breaking with
//     fail-fast, cool-down and a single half-open probe.
//
//   - KeyedLimiter: per-key admission combining a token bucket with a
//     sliding-window exact counter, adaptively tightened by system load
//     and downstream failure rate.
//
//   - Retry: exponential backoff with jitter for transient failures.
//
//   - Recovery: the fallback chain executed when a call fails or its
//     circuit is open: cache, alternate handler, degraded result.
//
//   - Bulkhead: a hard cap on concurrent work.
//
// Errors are classified as transient or permanent (see Classify); only
// transient errors are retried, and callers always receive one of the
// package's taxonomy errors rather than raw collaborator failures.
package resilience
