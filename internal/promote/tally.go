package promote

import (
	"strings"

	"tuneplane/internal/envelope"
	"tuneplane/internal/ledger"
)

// Ledger entry types the governance scanners aggregate over. The canary
// path writes the canary_* types; the executor writes the promotion_*
// types with the same payload shape.
const (
	entryCanaryApplied    = "canary_applied"
	entryCanaryRolledBack = "canary_rolled_back"
	entryPromotionApplied = "promotion_applied"
	entryPromotionOK      = "promotion_canary_ok"
	entryPromotionRolled  = "promotion_rolled_back"
	entryCooldownSet      = "cooldown_set"
	entryCooldownCleared  = "cooldown_cleared"
)

// tallies aggregates attempt and rollback counts from a ledger tail,
// keyed exactly like the effect store: module::knob::value::baseline.
type tallies struct {
	attempts  map[string]int
	rollbacks map[string]int
}

// exactKey mirrors effects.Key without importing it, keeping the tally
// readable next to ledger payloads.
func exactKey(module, knob, valueStr, baselineKey string) string {
	return strings.Join([]string{module, knob, valueStr, baselineKey}, "::")
}

// tally walks the tail once. Unknown entry types and malformed payloads
// are skipped, never fatal: the ledger is an audit log, not a schema.
func tally(tail []ledger.Entry) tallies {
	t := tallies{
		attempts:  map[string]int{},
		rollbacks: map[string]int{},
	}

	for _, e := range tail {
		var assignField string
		var into map[string]int
		switch e.Type {
		case entryCanaryApplied, entryPromotionApplied:
			assignField, into = "assignments", t.attempts
		case entryCanaryRolledBack, entryPromotionRolled:
			assignField, into = "attempted", t.rollbacks
		default:
			continue
		}

		module, _ := e.Payload["module"].(string)
		baselineKey, _ := e.Payload["baseline"].(string)
		assignments, _ := e.Payload[assignField].(map[string]any)
		if module == "" || assignments == nil {
			continue
		}
		if baselineKey == "" {
			baselineKey = "*"
		}

		for knob, value := range assignments {
			into[exactKey(module, knob, envelope.ValueString(value), baselineKey)]++
		}
	}
	return t
}

// rollbackRate returns rollbacks/attempts for one exact key; zero when
// the key was never attempted.
func (t tallies) rollbackRate(key string) float64 {
	a := t.attempts[key]
	if a == 0 {
		return 0
	}
	return float64(t.rollbacks[key]) / float64(a)
}

// splitExactKey reverses exactKey. ok is false when the key does not
// have exactly four segments.
func splitExactKey(key string) (module, knob, valueStr, baselineKey string, ok bool) {
	parts := strings.SplitN(key, "::", 4)
	if len(parts) != 4 {
		return "", "", "", "", false
	}
	return parts[0], parts[1], parts[2], parts[3], true
}
