package promote

import (
	"fmt"
	"sort"

	"tuneplane/internal/gating"
	"tuneplane/internal/ledger"
)

// CooldownScanConfig gates which attempted values get cooled down.
type CooldownScanConfig struct {
	// MaxRollbackRate above which a value is suppressed.
	MaxRollbackRate float64
	// MinAttempts below which the rate is too noisy to act on.
	MinAttempts int
	// CooldownCycles is how many ledger indices the suppression lasts.
	CooldownCycles int64
}

// CooldownScanReport summarizes one scan pass.
type CooldownScanReport struct {
	SetKeys     []string
	ClearedKeys []string
}

// ScanCooldowns walks a ledger tail, cools down every exact key whose
// rollback rate exceeds the cap, and prunes expired entries. Each set or
// cleared key is recorded on the ledger. Keys already cooling are left
// alone so repeated scans over the same tail do not extend suppression.
func ScanCooldowns(tail []ledger.Entry, store *gating.CooldownStore, led *ledger.Ledger, nowIdx int64, cfg CooldownScanConfig) (CooldownScanReport, error) {
	var report CooldownScanReport
	t := tally(tail)

	keys := make([]string, 0, len(t.attempts))
	for k := range t.attempts {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		if t.attempts[key] < cfg.MinAttempts {
			continue
		}
		rate := t.rollbackRate(key)
		if rate <= cfg.MaxRollbackRate {
			continue
		}
		if store.IsActive(key, nowIdx) {
			continue
		}

		module, knob, valueStr, baselineKey, ok := splitExactKey(key)
		if !ok {
			continue
		}
		store.Set(key, gating.CooldownEntry{
			SetIdx:    nowIdx,
			UntilIdx:  nowIdx + cfg.CooldownCycles,
			Attempts:  t.attempts[key],
			Rollbacks: t.rollbacks[key],
			Reason:    fmt.Sprintf("rollback_rate %.4f > %.4f", rate, cfg.MaxRollbackRate),
		})
		report.SetKeys = append(report.SetKeys, key)

		if _, err := led.Append(entryCooldownSet, map[string]any{
			"module":        module,
			"knob":          knob,
			"value":         valueStr,
			"baseline":      baselineKey,
			"rollback_rate": rate,
			"until_idx":     nowIdx + cfg.CooldownCycles,
		}, nil); err != nil {
			return report, fmt.Errorf("promote: record cooldown: %w", err)
		}
	}

	for _, key := range store.Prune(nowIdx) {
		report.ClearedKeys = append(report.ClearedKeys, key)
		if _, err := led.Append(entryCooldownCleared, map[string]any{"key": key}, nil); err != nil {
			return report, fmt.Errorf("promote: record cooldown clear: %w", err)
		}
	}
	return report, nil
}
