package promote

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"

	"tuneplane/internal/effects"
	"tuneplane/internal/envelope"
	"tuneplane/internal/ledger"
	"tuneplane/internal/logging"
)

// SafeSetSchemaVersion of the safe-set file format.
const SafeSetSchemaVersion = 1

// SafeSetConfig gates which attempted values are judged safe.
type SafeSetConfig struct {
	// MinAttempts below which a value has too little history to judge.
	MinAttempts int
	// MaxRollbackRate above which a value is excluded.
	MaxRollbackRate float64
	// GuardrailMetric optionally vetoes values whose observed mean delta
	// on this metric exceeds GuardrailMaxMean. Empty disables the check.
	GuardrailMetric  string
	GuardrailMaxMean float64
	// DecayCycles is how many ledger cycles an entry stays valid; stale
	// entries stop constraining rather than constraining on old evidence.
	DecayCycles int64
}

// SafeSetEntry constrains one (module, knob, baseline) to values that
// survived enough attempts without rolling back. Numeric values collapse
// to an interval; everything else is an explicit value set.
type SafeSetEntry struct {
	ModuleID    string   `json:"module_id"`
	Knob        string   `json:"knob"`
	BaselineKey string   `json:"baseline_signature"`
	Min         *float64 `json:"min,omitempty"`
	Max         *float64 `json:"max,omitempty"`
	Values      []string `json:"values,omitempty"`
	BuiltAtIdx  int64    `json:"built_at_idx"`
	UntilIdx    int64    `json:"until_idx"`
}

func safeSetKey(module, knob, baselineKey string) string {
	return module + "::" + knob + "::" + baselineKey
}

// permits reports whether the candidate value string falls inside the
// entry's constraint.
func (e *SafeSetEntry) permits(valueStr string) bool {
	if e.Min != nil && e.Max != nil {
		v, err := strconv.ParseFloat(valueStr, 64)
		if err != nil {
			return false
		}
		return v >= *e.Min && v <= *e.Max
	}
	for _, s := range e.Values {
		if s == valueStr {
			return true
		}
	}
	return false
}

// SafeSet is the file-backed collection of safe-set entries.
type SafeSet struct {
	path string
	log  *slog.Logger

	mu      sync.Mutex
	entries map[string]SafeSetEntry
}

type safeSetDoc struct {
	SchemaVersion int                     `json:"schema_version"`
	Entries       map[string]SafeSetEntry `json:"entries"`
}

// NewSafeSet returns an empty safe set persisting to path (empty for
// memory-only).
func NewSafeSet(path string) *SafeSet {
	return &SafeSet{path: path, log: logging.New("safeset"), entries: map[string]SafeSetEntry{}}
}

// LoadSafeSet reads the safe-set file; corrupt state degrades to empty.
func LoadSafeSet(path string) *SafeSet {
	s := NewSafeSet(path)

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s
	}
	if err != nil {
		s.log.Warn("safe set unreadable, starting empty", "path", path, "error", err)
		return s
	}
	var doc safeSetDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		s.log.Warn("safe set unparsable, starting empty", "path", path, "error", err)
		return s
	}
	if doc.Entries != nil {
		s.entries = doc.Entries
	}
	return s
}

// Save persists the safe set.
func (s *SafeSet) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(safeSetDoc{SchemaVersion: SafeSetSchemaVersion, Entries: s.entries}, "", "  ")
	if err != nil {
		return fmt.Errorf("promote: marshal safe set: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0o644); err != nil {
		return fmt.Errorf("promote: write safe set: %w", err)
	}
	return nil
}

// Get returns the entry for (module, knob, baseline) and whether one
// exists.
func (s *SafeSet) Get(module, knob, baselineKey string) (SafeSetEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[safeSetKey(module, knob, baselineKey)]
	return e, ok
}

// Len returns the number of entries.
func (s *SafeSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Entries returns all entries in sorted key order.
func (s *SafeSet) Entries() []SafeSetEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]string, 0, len(s.entries))
	for k := range s.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]SafeSetEntry, 0, len(keys))
	for _, k := range keys {
		out = append(out, s.entries[k])
	}
	return out
}

// Rebuild derives the safe set from a ledger tail and the effect store,
// replacing all entries. A value is safe when it was attempted at least
// MinAttempts times, rolled back at most MaxRollbackRate of the time,
// and passes the guardrail metric. Deterministic for identical inputs.
func (s *SafeSet) Rebuild(tail []ledger.Entry, eff *effects.Store, nowIdx int64, cfg SafeSetConfig) {
	t := tally(tail)

	// Surviving value strings per (module, knob, baseline) group, in
	// sorted attempt-key order.
	safe := map[string][]string{}

	keys := make([]string, 0, len(t.attempts))
	for k := range t.attempts {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		module, knob, valueStr, baselineKey, ok := splitExactKey(key)
		if !ok {
			continue
		}
		if t.attempts[key] < cfg.MinAttempts {
			continue
		}
		if t.rollbackRate(key) > cfg.MaxRollbackRate {
			continue
		}
		if cfg.GuardrailMetric != "" {
			if st, ok := eff.Lookup(module, knob, valueStr, baselineKey, cfg.GuardrailMetric); ok && st.Mean > cfg.GuardrailMaxMean {
				continue
			}
		}
		g := safeSetKey(module, knob, baselineKey)
		safe[g] = append(safe[g], valueStr)
	}

	entries := map[string]SafeSetEntry{}
	for g, values := range safe {
		module, knob, baselineKey := splitSafeSetKey(g)
		e := SafeSetEntry{
			ModuleID:    module,
			Knob:        knob,
			BaselineKey: baselineKey,
			BuiltAtIdx:  nowIdx,
			UntilIdx:    nowIdx + cfg.DecayCycles,
		}
		if lo, hi, ok := numericRange(values); ok {
			e.Min, e.Max = &lo, &hi
		} else {
			e.Values = values
		}
		entries[g] = e
	}

	s.mu.Lock()
	s.entries = entries
	s.mu.Unlock()
}

// numericRange collapses all-numeric value sets to [min, max].
func numericRange(values []string) (lo, hi float64, ok bool) {
	if len(values) == 0 {
		return 0, 0, false
	}
	for i, s := range values {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, 0, false
		}
		if i == 0 || v < lo {
			lo = v
		}
		if i == 0 || v > hi {
			hi = v
		}
	}
	return lo, hi, true
}

func splitSafeSetKey(key string) (module, knob, baselineKey string) {
	parts := strings.SplitN(key, "::", 3)
	return parts[0], parts[1], parts[2]
}

// SafeSetFilter adapts a SafeSet into a candidate filter for the
// optimizer. Knobs without a live entry are unconstrained; expired
// entries stop constraining.
type SafeSetFilter struct {
	Set    *SafeSet
	NowIdx int64
}

// Permit reports whether the candidate may be explored.
func (f *SafeSetFilter) Permit(module, knob, baselineKey string, c envelope.Candidate) bool {
	if f == nil || f.Set == nil {
		return true
	}
	e, ok := f.Set.Get(module, knob, baselineKey)
	if !ok || f.NowIdx >= e.UntilIdx {
		return true
	}
	return e.permits(c.Str)
}
