// Package gating holds the independent policies every knob-change
// candidate must pass before it is eligible: capability allow-sets,
// stabilization windows, and cooldowns. Each gate records denials
// per knob; none is fatal to a batch.
package gating

// Capabilities is an explicit allow-set of capability names per module.
// No capability is ever granted implicitly.
type Capabilities struct {
	Allow map[string][]string `json:"allow" yaml:"allow"`
}

// CanApply reports whether the module holds the required capability.
// An empty requirement always passes; a pure membership check otherwise.
func (c *Capabilities) CanApply(moduleID, required string) bool {
	if required == "" {
		return true
	}
	if c == nil {
		return false
	}
	for _, granted := range c.Allow[moduleID] {
		if granted == required {
			return true
		}
	}
	return false
}
