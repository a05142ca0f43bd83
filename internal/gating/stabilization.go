package gating

import "sort"

// Stabilization tracks cycles-since-change per (module, knob). A key that
// has never changed is treated as stabilized: the gate is conservative
// toward allowing first-time changes, not blocking them.
type Stabilization struct {
	cycles map[string]int
}

// NewStabilization returns an empty tracker.
func NewStabilization() *Stabilization {
	return &Stabilization{cycles: map[string]int{}}
}

func stabKey(module, knob string) string { return module + "::" + knob }

// Ready reports whether the knob has sat still for at least required
// cycles since its last change.
func (s *Stabilization) Ready(module, knob string, required int) bool {
	n, seen := s.cycles[stabKey(module, knob)]
	if !seen {
		return true
	}
	return n >= required
}

// NoteChange resets the counter for a knob that was just changed.
func (s *Stabilization) NoteChange(module, knob string) {
	s.cycles[stabKey(module, knob)] = 0
}

// TickCycle increments every counter. The router calls this exactly once
// per control-loop iteration; it is the only other mutation path.
func (s *Stabilization) TickCycle() {
	for k := range s.cycles {
		s.cycles[k]++
	}
}

// Snapshot returns the tracked keys and counters in sorted order, for
// inspection and tests.
func (s *Stabilization) Snapshot() map[string]int {
	out := make(map[string]int, len(s.cycles))
	keys := make([]string, 0, len(s.cycles))
	for k := range s.cycles {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out[k] = s.cycles[k]
	}
	return out
}
