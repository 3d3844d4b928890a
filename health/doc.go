// Package health aggregates collaborator invocation outcomes.
//
// Monitor records every collaborator success or failure with its latency
// and derives trailing-window failure rates and an overall load figure.
// Those feed back into the adaptive rate limiter and circuit breaking
// decisions of the resilience package, and surface through the HTTP
// probe handlers.
package health
