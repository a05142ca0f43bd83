// Package envelope declares the tuning surface of a module: each knob's
// kind, bounds or enum domain, default, hot-apply flag, required
// capability, and stabilization requirement. Envelopes are immutable once
// loaded for a cycle.
package envelope

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	yaml "gopkg.in/yaml.v3"
)

// Kind enumerates knob value kinds.
type Kind string

const (
	KindInt        Kind = "int"
	KindFloat      Kind = "float"
	KindBool       Kind = "bool"
	KindEnum       Kind = "enum"
	KindDurationMS Kind = "duration_ms"
)

// KnobSpec declares one tunable parameter.
type KnobSpec struct {
	Kind                Kind     `json:"kind"`
	Min                 *float64 `json:"min,omitempty"`
	Max                 *float64 `json:"max,omitempty"`
	Enum                []string `json:"enum,omitempty"`
	Default             any      `json:"default"`
	HotApply            bool     `json:"hot_apply"`
	RequiredCapability  string   `json:"required_capability,omitempty"`
	StabilizationCycles int      `json:"stabilization_cycles"`
}

// Envelope is the declared tuning surface of one module.
type Envelope struct {
	ModuleID string              `json:"module_id"`
	Knobs    map[string]KnobSpec `json:"knobs"`
}

// KnobNames returns the knob names in sorted order. Every deterministic
// traversal over an envelope goes through this.
func (e *Envelope) KnobNames() []string {
	names := make([]string, 0, len(e.Knobs))
	for name := range e.Knobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

//go:embed envelope.schema.json
var schemaJSON string

var fileSchema = jsonschema.MustCompileString("envelope.schema.json", schemaJSON)

type fileDoc struct {
	SchemaVersion int        `json:"schema_version"`
	Modules       []Envelope `json:"modules"`
}

// LoadFile reads an envelope file (YAML or JSON; YAML is a superset, so
// one decoder covers both), validates it against the embedded schema, and
// returns the declared envelopes. A file that fails schema validation is
// rejected as a whole — a partially trusted envelope is worse than none.
func LoadFile(path string) ([]Envelope, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("envelope: read %s: %w", path, err)
	}
	return Load(raw)
}

// Load parses and validates envelope file bytes.
func Load(raw []byte) ([]Envelope, error) {
	var generic any
	if err := yaml.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("envelope: parse: %w", err)
	}

	// Normalize through JSON so schema validation sees exactly what a
	// JSON decoder would produce.
	normalized, err := json.Marshal(generic)
	if err != nil {
		return nil, fmt.Errorf("envelope: normalize: %w", err)
	}
	var jsonValue any
	if err := json.Unmarshal(normalized, &jsonValue); err != nil {
		return nil, fmt.Errorf("envelope: normalize: %w", err)
	}

	if err := fileSchema.Validate(jsonValue); err != nil {
		return nil, fmt.Errorf("envelope: schema: %w", err)
	}

	var doc fileDoc
	if err := json.Unmarshal(normalized, &doc); err != nil {
		return nil, fmt.Errorf("envelope: decode: %w", err)
	}

	seen := map[string]bool{}
	for _, env := range doc.Modules {
		if seen[env.ModuleID] {
			return nil, fmt.Errorf("envelope: duplicate module %q", env.ModuleID)
		}
		seen[env.ModuleID] = true
	}
	return doc.Modules, nil
}

// ValidateAssignments checks a proposed assignment map against the
// envelope: known knob, correct type, within bounds or enum domain.
// It returns a machine-readable reason for the first offending knob
// (knob names checked in sorted order) and ok=false, or ok=true.
func (e *Envelope) ValidateAssignments(assignments map[string]any) (string, bool) {
	names := make([]string, 0, len(assignments))
	for name := range assignments {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		spec, ok := e.Knobs[name]
		if !ok {
			return "unknown_knob:" + name, false
		}
		if reason, ok := spec.checkValue(name, assignments[name]); !ok {
			return reason, false
		}
	}
	return "", true
}

func (k *KnobSpec) checkValue(name string, v any) (string, bool) {
	switch k.Kind {
	case KindBool:
		if _, ok := v.(bool); !ok {
			return "type_mismatch:" + name, false
		}
	case KindEnum:
		s, ok := v.(string)
		if !ok {
			return "type_mismatch:" + name, false
		}
		if !containsString(k.Enum, s) {
			return "not_in_enum:" + name, false
		}
	case KindInt, KindDurationMS:
		f, ok := asNumber(v)
		if !ok || f != math.Trunc(f) {
			return "type_mismatch:" + name, false
		}
		if !k.inBounds(f) {
			return "out_of_bounds:" + name, false
		}
	case KindFloat:
		f, ok := asNumber(v)
		if !ok {
			return "type_mismatch:" + name, false
		}
		if !k.inBounds(f) {
			return "out_of_bounds:" + name, false
		}
	default:
		return "unknown_kind:" + name, false
	}
	return "", true
}

func (k *KnobSpec) inBounds(f float64) bool {
	if k.Min != nil && f < *k.Min {
		return false
	}
	if k.Max != nil && f > *k.Max {
		return false
	}
	return true
}

// Candidate is one enumerable value of a knob, carrying both the typed
// value and its canonical string form (the tie-break and store key).
type Candidate struct {
	Str   string
	Value any
}

// Candidates enumerates the learnable values of a knob: the enum domain,
// {false, true} for bool, or {min, max, default} for numeric kinds.
// Output is deduplicated and sorted by canonical string, so traversal
// order is deterministic.
func (k *KnobSpec) Candidates() []Candidate {
	var raw []any
	switch k.Kind {
	case KindEnum:
		for _, v := range k.Enum {
			raw = append(raw, v)
		}
	case KindBool:
		raw = []any{false, true}
	case KindInt, KindFloat, KindDurationMS:
		if k.Min != nil {
			raw = append(raw, *k.Min)
		}
		if k.Max != nil {
			raw = append(raw, *k.Max)
		}
		if k.Default != nil {
			raw = append(raw, k.Default)
		}
	}

	seen := map[string]bool{}
	var out []Candidate
	for _, v := range raw {
		s := ValueString(v)
		if seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, Candidate{Str: s, Value: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Str < out[j].Str })
	return out
}

// ValueString renders a knob value in its canonical string form, used in
// store keys and lexicographic tie-breaks.
func ValueString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		if t == math.Trunc(t) && math.Abs(t) < 1e15 {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'g', -1, 64)
	case float32:
		return ValueString(float64(t))
	default:
		return fmt.Sprintf("%v", t)
	}
}

func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// String implements fmt.Stringer for log readability.
func (e *Envelope) String() string {
	return fmt.Sprintf("envelope(%s: %s)", e.ModuleID, strings.Join(e.KnobNames(), ","))
}
