package promote

import (
	"tuneplane/internal/envelope"
)

// overlayBias is deliberately tiny. A promotion breaks ties toward the
// promoted value; it must never outweigh real observed effects.
const overlayBias = 1e-6

// Overlay projects the active promotion policy onto the tuning plane:
// it biases the optimizer toward promoted values and fills promoted
// defaults into assignment sets.
type Overlay struct {
	active map[string]string // module::knob::baseline → promoted value string
	values map[string]any    // same key → typed value
}

// NewOverlay builds an overlay from the non-revoked policy items.
func NewOverlay(pol *Policy) *Overlay {
	o := &Overlay{active: map[string]string{}, values: map[string]any{}}
	if pol == nil {
		return o
	}
	for _, it := range pol.Active() {
		key := safeSetKey(it.ModuleID, it.Knob, it.BaselineKey)
		o.active[key] = envelope.ValueString(it.Value)
		o.values[key] = it.Value
	}
	return o
}

// Bias returns a bounded additive preference for the promoted value of
// (module, knob, baseline), zero for everything else.
func (o *Overlay) Bias(module, knob, valueStr, baselineKey string) float64 {
	if o.active[safeSetKey(module, knob, baselineKey)] == valueStr {
		return overlayBias
	}
	return 0
}

// FillDefaults adds promoted values for knobs the assignment set leaves
// unset. Explicit assignments always win over promotions. The returned
// map lists the knobs that were filled.
func (o *Overlay) FillDefaults(module, baselineKey string, assignments map[string]any) map[string]any {
	filled := map[string]any{}
	for key, value := range o.values {
		m, knob, b := splitSafeSetKey(key)
		if m != module || b != baselineKey {
			continue
		}
		if _, ok := assignments[knob]; ok {
			continue
		}
		assignments[knob] = value
		filled[knob] = value
	}
	return filled
}
