package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// KeyMode selects how a request is fingerprinted.
type KeyMode int

const (
	// ModeExact fingerprints the input byte-for-byte (after canonical
	// serialization), so only identical requests share an entry.
	ModeExact KeyMode = iota
	// ModeSemantic normalizes the input first (case, whitespace,
	// volatile fields) so near-duplicate requests share an entry.
	ModeSemantic
)

// String returns the string representation of the mode.
func (m KeyMode) String() string {
	switch m {
	case ModeExact:
		return "exact"
	case ModeSemantic:
		return "semantic"
	default:
		return "unknown"
	}
}

// volatileFields never contribute to a semantic fingerprint; they vary
// between otherwise identical requests.
var volatileFields = map[string]bool{
	"timestamp":  true,
	"request_id": true,
	"trace_id":   true,
	"session_id": true,
	"nonce":      true,
}

// Keyer generates deterministic fingerprints for request payloads.
type Keyer struct {
	mode KeyMode
}

// NewKeyer creates a keyer with the given mode.
func NewKeyer(mode KeyMode) *Keyer {
	return &Keyer{mode: mode}
}

// Key generates a fingerprint for the scope (a stage or collaborator
// identity) and input.
// Format: fp:<scope>:<mode>:<hash>, hash being the first 16 hex chars of
// SHA-256 over the canonical serialization.
func (k *Keyer) Key(scope string, input any) (string, error) {
	if k.mode == ModeSemantic {
		input = normalize(input)
	}

	canonical, err := canonicalize(input)
	if err != nil {
		return "", fmt.Errorf("cache: failed to canonicalize input: %w", err)
	}

	hash := sha256.Sum256(canonical)
	return fmt.Sprintf("fp:%s:%s:%s", scope, k.mode, hex.EncodeToString(hash[:8])), nil
}

// normalize rewrites input so that near-duplicate requests collapse to
// the same fingerprint: strings are lowercased with whitespace folded,
// volatile map fields are dropped.
func normalize(v any) any {
	switch val := v.(type) {
	case string:
		return strings.Join(strings.Fields(strings.ToLower(val)), " ")
	case map[string]any:
		out := make(map[string]any, len(val))
		for key, inner := range val {
			if volatileFields[strings.ToLower(key)] {
				continue
			}
			out[key] = normalize(inner)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, inner := range val {
			out[i] = normalize(inner)
		}
		return out
	default:
		return v
	}
}

// canonicalize produces a deterministic JSON representation: map keys are
// sorted so iteration order never changes the fingerprint.
func canonicalize(v any) ([]byte, error) {
	if v == nil {
		return []byte("null"), nil
	}

	switch val := v.(type) {
	case map[string]any:
		return canonicalizeMap(val)
	case []any:
		return canonicalizeSlice(val)
	default:
		return json.Marshal(v)
	}
}

func canonicalizeMap(m map[string]any) ([]byte, error) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	result := []byte("{")
	for i, k := range keys {
		if i > 0 {
			result = append(result, ',')
		}
		keyBytes, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		result = append(result, keyBytes...)
		result = append(result, ':')

		valBytes, err := canonicalize(m[k])
		if err != nil {
			return nil, err
		}
		result = append(result, valBytes...)
	}
	return append(result, '}'), nil
}

func canonicalizeSlice(s []any) ([]byte, error) {
	result := []byte("[")
	for i, v := range s {
		if i > 0 {
			result = append(result, ',')
		}
		valBytes, err := canonicalize(v)
		if err != nil {
			return nil, err
		}
		result = append(result, valBytes...)
	}
	return append(result, ']'), nil
}
