// Package pipeline runs requests through a fixed stage sequence:
// perception, crisis check, reasoning, synthesis.
//
// Stages execute in order over a shared exchange; each sees its
// predecessors' outputs. Any stage may short-circuit the run, turning
// its own output into the pipeline output. Every stage invocation goes
// through rate-limit admission, a per-collaborator circuit breaker and
// a fallback chain, so a failing stage degrades the response instead of
// failing the whole run whenever a fallback can serve it. Completed
// stage outputs survive a terminal failure as a degraded partial
// result.
package pipeline
