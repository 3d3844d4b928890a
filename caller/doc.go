// Package caller resolves caller identities for rate-limit keying.
//
// The orchestration core keys admission per caller and endpoint. This
// package turns the credentials a transport hands over (a bearer JWT or
// an API key) into a stable Identity whose RateLimitKey feeds the keyed
// limiter. It performs no authorization; it only answers "who is
// calling".
package caller
