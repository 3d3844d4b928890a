// Package cache provides the bounded result cache of the orchestration
// core.
//
// ResultCache maps request fingerprints to previously computed results
// with TTL expiry (lazy on read, eager on a periodic sweep) and LRU
// eviction over a configured maximum size. It doubles as the fallback
// source the recovery chain consults when a collaborator fails.
//
// Keyer derives fingerprints from the semantically relevant portion of a
// request. ModeExact keys identical payloads only; ModeSemantic
// normalizes case, whitespace and volatile fields so near-duplicate
// requests can share an entry. The mode is selected per stage at
// configuration time.
package cache
