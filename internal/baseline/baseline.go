// Package baseline turns raw metric snapshots into low-cardinality
// context buckets. Effect measurement is isolated per bucket so an
// improvement observed under light load is never used to justify a change
// under heavy load.
package baseline

import (
	"sort"
	"strings"
)

// Snapshot is a raw metrics snapshot at the serialization boundary.
// Numeric values may arrive as int, int64 or float64 depending on the
// decoder; Compute normalizes them.
type Snapshot map[string]any

// Signature is the ordered categorical bucket mapping derived from a
// snapshot. Equal maps always yield an equal Key regardless of insertion
// order.
type Signature map[string]string

// Compute derives a Signature from a snapshot. queue_depth buckets into
// {<=10, <=50, >50}, input_size into {<=1e3, <=1e5, >1e5}; mode and
// time_window pass through verbatim when present. Absent fields are
// omitted, never defaulted.
func Compute(metrics Snapshot) Signature {
	sig := Signature{}

	if v, ok := numeric(metrics["queue_depth"]); ok {
		switch {
		case v <= 10:
			sig["queue_depth"] = "le10"
		case v <= 50:
			sig["queue_depth"] = "le50"
		default:
			sig["queue_depth"] = "gt50"
		}
	}

	if v, ok := numeric(metrics["input_size"]); ok {
		switch {
		case v <= 1e3:
			sig["input_size"] = "le1k"
		case v <= 1e5:
			sig["input_size"] = "le100k"
		default:
			sig["input_size"] = "gt100k"
		}
	}

	if s, ok := metrics["mode"].(string); ok && s != "" {
		sig["mode"] = s
	}
	if s, ok := metrics["time_window"].(string); ok && s != "" {
		sig["time_window"] = s
	}

	return sig
}

// Key returns the canonical string form of the signature: dimensions
// sorted by name and joined as "name=value|name=value". The empty
// signature keys to "*".
func (s Signature) Key() string {
	if len(s) == 0 {
		return "*"
	}
	dims := make([]string, 0, len(s))
	for name := range s {
		dims = append(dims, name)
	}
	sort.Strings(dims)

	parts := make([]string, 0, len(dims))
	for _, name := range dims {
		parts = append(parts, name+"="+s[name])
	}
	return strings.Join(parts, "|")
}

// ParseKey reverses Key. Used when replaying persisted per-bucket state.
func ParseKey(key string) Signature {
	sig := Signature{}
	if key == "" || key == "*" {
		return sig
	}
	for _, part := range strings.Split(key, "|") {
		name, value, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		sig[name] = value
	}
	return sig
}

// Similarity scores how transferable evidence from donor is to s, averaged
// over shared dimensions: exact matches score 1.0, adjacent values (same
// leading alphabetic token, e.g. le10 vs le50) score 0.5, everything else
// 0.0. No shared dimensions scores 0.0.
func (s Signature) Similarity(donor Signature) float64 {
	var shared int
	var total float64
	for name, mine := range s {
		theirs, ok := donor[name]
		if !ok {
			continue
		}
		shared++
		switch {
		case mine == theirs:
			total += 1.0
		case leadingToken(mine) != "" && leadingToken(mine) == leadingToken(theirs):
			total += 0.5
		}
	}
	if shared == 0 {
		return 0.0
	}
	return total / float64(shared)
}

// leadingToken returns the leading alphabetic run of s.
func leadingToken(s string) string {
	for i, r := range s {
		if (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') {
			return s[:i]
		}
	}
	return s
}

func numeric(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}
