package promote

import (
	"fmt"
	"math"
	"sort"

	"tuneplane/internal/canonjson"
	"tuneplane/internal/effects"
	"tuneplane/internal/ledger"
)

// ScanConfig gates which effect-store candidates become proposals.
type ScanConfig struct {
	Metric          string
	Maximize        bool
	MinSamples      int64
	MinAbsEffect    float64
	ZThreshold      float64
	MaxRollbackRate float64
}

// Proposal is one promotion candidate. Approval happens elsewhere; the
// scanner only nominates. Each proposal is independently reproducible
// from the same ledger + effect-store inputs.
type Proposal struct {
	ModuleID     string  `json:"module_id"`
	Knob         string  `json:"knob"`
	Value        any     `json:"value"`
	ValueStr     string  `json:"value_str"`
	BaselineKey  string  `json:"baseline_signature"`
	Metric       string  `json:"metric_name"`
	N            int64   `json:"n"`
	Mean         float64 `json:"mean"`
	Z            float64 `json:"z"` // math.MaxFloat64 stands in for +Inf in JSON
	RollbackRate float64 `json:"rollback_rate"`
	ProposalHash string  `json:"proposal_hash"`
}

func (p *Proposal) groupKey() string {
	return p.ModuleID + "::" + p.Knob + "::" + p.BaselineKey
}

// Scan reads a ledger tail and the effect store and nominates, per
// (module, knob, baseline), the best candidate value passing the
// statistical gates. Candidates whose exact-key rollback rate exceeds
// the cap are vetoed. Output is sorted and deterministic.
func Scan(tail []ledger.Entry, eff *effects.Store, cfg ScanConfig) ([]Proposal, error) {
	t := tally(tail)

	// Best candidate per (module, knob, baseline) group, traversed in
	// sorted store-key order so ties resolve to the lexicographically
	// smaller value string.
	best := map[string]Proposal{}

	for _, key := range eff.Keys() {
		module, knob, valueStr, baselineKey, ok := splitExactKey(key)
		if !ok {
			continue
		}
		st, ok := eff.Lookup(module, knob, valueStr, baselineKey, cfg.Metric)
		if !ok {
			continue
		}

		if st.N < cfg.MinSamples {
			continue
		}
		if math.Abs(st.Mean) < cfg.MinAbsEffect {
			continue
		}
		z := st.Z()
		if z < cfg.ZThreshold {
			continue
		}
		rate := t.rollbackRate(key)
		if rate > cfg.MaxRollbackRate {
			continue
		}

		p := Proposal{
			ModuleID:     module,
			Knob:         knob,
			Value:        valueStr,
			ValueStr:     valueStr,
			BaselineKey:  baselineKey,
			Metric:       cfg.Metric,
			N:            st.N,
			Mean:         st.Mean,
			Z:            capInf(z),
			RollbackRate: rate,
		}

		current, exists := best[p.groupKey()]
		if !exists || better(p, current, cfg.Maximize) {
			best[p.groupKey()] = p
		}
	}

	groups := make([]string, 0, len(best))
	for g := range best {
		groups = append(groups, g)
	}
	sort.Strings(groups)

	proposals := make([]Proposal, 0, len(groups))
	for _, g := range groups {
		p := best[g]
		hash, err := canonjson.Hash(p)
		if err != nil {
			return nil, fmt.Errorf("promote: hash proposal: %w", err)
		}
		p.ProposalHash = hash
		proposals = append(proposals, p)
	}
	return proposals, nil
}

// better prefers the stronger mean effect; store-key traversal order
// already breaks exact ties lexicographically.
func better(a, b Proposal, maximize bool) bool {
	if maximize {
		return a.Mean > b.Mean
	}
	return a.Mean < b.Mean
}

// capInf keeps the z-score JSON-encodable; +Inf is not valid JSON.
func capInf(z float64) float64 {
	if math.IsInf(z, 1) {
		return math.MaxFloat64
	}
	return z
}
