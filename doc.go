// Package orchestra is the task orchestration and resilience core for a
// conversational assistant backend.
//
// An Orchestrator accepts requests, admits them through keyed rate
// limiting, runs them on a bounded worker pool and pushes each one
// through the fixed stage pipeline. Every downstream collaborator call
// is protected by a circuit breaker with a cache, alternate and
// degraded fallback chain, and every outcome feeds a health monitor
// that adaptively tightens admission under load.
package orchestra
