package promote

import (
	"context"
	"fmt"

	"tuneplane/internal/baseline"
	"tuneplane/internal/canary"
	"tuneplane/internal/envelope"
	"tuneplane/internal/ir"
	"tuneplane/internal/ledger"
)

// Executor skip reasons.
const (
	SkipNotApproved   = "not_approved"
	SkipCanaryBudget  = "canary_budget_exhausted"
	SkipRiskBudget    = "risk_budget_exhausted"
	SkipGlobalCap     = "global_cap_reached"
	SkipUnknownKnob   = "unknown_knob"
	SkipAlreadyActive = "already_promoted"
)

// BudgetState is the executor's spend tracker for one scan window. The
// caller owns persistence between windows; the executor only decrements.
type BudgetState struct {
	// CanaryRemaining is how many promotion canaries may still start.
	CanaryRemaining int
	// RiskUnitsRemaining is the abstract risk budget left to spend.
	RiskUnitsRemaining float64
	// GlobalActivePerturbations counts canaries currently in flight
	// across the whole plane, compared against GlobalActiveCap.
	GlobalActivePerturbations int
	GlobalActiveCap           int
}

// ExecConfig is the promotion executor policy.
type ExecConfig struct {
	Canary canary.Config
	// RiskUnitsPerPromotion is charged against the risk budget per
	// started canary.
	RiskUnitsPerPromotion float64
}

// ExecResult is the outcome of executing one proposal.
type ExecResult struct {
	Proposal   Proposal
	Skipped    bool
	SkipReason string
	Committed  bool
	RolledBack bool
	Canary     canary.Outcome
}

// Executor drives approved proposals through a budgeted promotion canary
// and maintains the standing policy. Approval is an explicit caller
// input; the executor never self-approves.
type Executor struct {
	Policy *Policy
	Ledger *ledger.Ledger
	Canary *canary.Controller
}

// Execute runs one approved proposal. The intent entry is appended
// before any apply so a crash mid-canary still leaves the attempt on the
// record. Budgets are charged when the canary starts, not when it
// commits.
func (x *Executor) Execute(ctx context.Context, p Proposal, approved bool, env *envelope.Envelope, prior map[string]any, sig baseline.Signature, budget *BudgetState, cfg ExecConfig) (ExecResult, error) {
	res := ExecResult{Proposal: p}

	if reason := x.admit(p, approved, env, budget); reason != "" {
		res.Skipped = true
		res.SkipReason = reason
		return res, nil
	}

	value, ok := typedValue(env, p.Knob, p.ValueStr)
	if !ok {
		res.Skipped = true
		res.SkipReason = SkipUnknownKnob
		return res, nil
	}
	assignments := map[string]any{p.Knob: value}

	tir := &ir.TuningIR{
		SourceCycleID: p.ProposalHash,
		Mode:          ir.ModePromotionCanary,
		ModuleID:      p.ModuleID,
		Assignments:   assignments,
		ReasonTags:    []string{"promotion", p.Metric},
	}
	if err := tir.Finalize(); err != nil {
		return res, fmt.Errorf("promote: finalize ir: %w", err)
	}

	intent, err := x.Ledger.Append(entryPromotionApplied, map[string]any{
		"module":        p.ModuleID,
		"ir_hash":       tir.IRHash,
		"baseline":      p.BaselineKey,
		"assignments":   assignments,
		"proposal_hash": p.ProposalHash,
	}, nil)
	if err != nil {
		return res, fmt.Errorf("promote: record intent: %w", err)
	}

	budget.CanaryRemaining--
	budget.RiskUnitsRemaining -= cfg.RiskUnitsPerPromotion
	budget.GlobalActivePerturbations++
	defer func() { budget.GlobalActivePerturbations-- }()

	out, err := x.Canary.Run(ctx, tir, env, prior, sig, cfg.Canary)
	res.Canary = out
	if err != nil {
		return res, fmt.Errorf("promote: canary: %w", err)
	}

	switch {
	case out.Committed:
		x.Policy.Upsert(PolicyItem{
			ModuleID:      p.ModuleID,
			Knob:          p.Knob,
			Value:         value,
			BaselineKey:   p.BaselineKey,
			Metric:        p.Metric,
			PromotedAtIdx: intent.Idx,
			ProposalHash:  p.ProposalHash,
		})
		res.Committed = true
		if _, err := x.Ledger.Append(entryPromotionOK, map[string]any{
			"module":        p.ModuleID,
			"ir_hash":       tir.IRHash,
			"baseline":      p.BaselineKey,
			"proposal_hash": p.ProposalHash,
		}, nil); err != nil {
			return res, fmt.Errorf("promote: record commit: %w", err)
		}

	case out.RolledBack:
		res.RolledBack = true
		e, err := x.Ledger.Append(entryPromotionRolled, map[string]any{
			"module":        p.ModuleID,
			"ir_hash":       tir.IRHash,
			"baseline":      p.BaselineKey,
			"attempted":     assignments,
			"proposal_hash": p.ProposalHash,
		}, nil)
		if err != nil {
			return res, fmt.Errorf("promote: record rollback: %w", err)
		}
		x.Policy.Revoke(p.ModuleID, p.Knob, p.BaselineKey, e.Idx)

	default:
		// Per-knob gates rejected the assignment; the canary already
		// recorded the skip.
		res.Skipped = true
		res.SkipReason = firstRejection(out.RejectedKnobs)
	}
	return res, nil
}

func (x *Executor) admit(p Proposal, approved bool, env *envelope.Envelope, budget *BudgetState) string {
	switch {
	case !approved:
		return SkipNotApproved
	case budget.CanaryRemaining <= 0:
		return SkipCanaryBudget
	case budget.RiskUnitsRemaining <= 0:
		return SkipRiskBudget
	case budget.GlobalActiveCap > 0 && budget.GlobalActivePerturbations >= budget.GlobalActiveCap:
		return SkipGlobalCap
	case alreadyPromoted(x.Policy, p):
		return SkipAlreadyActive
	}
	if _, ok := env.Knobs[p.Knob]; !ok {
		return SkipUnknownKnob
	}
	return ""
}

// alreadyPromoted reports whether an active policy item for the same
// (module, knob, baseline, metric) already carries this value.
func alreadyPromoted(pol *Policy, p Proposal) bool {
	for _, it := range pol.Active() {
		if it.ModuleID == p.ModuleID && it.Knob == p.Knob &&
			it.BaselineKey == p.BaselineKey && it.Metric == p.Metric &&
			envelope.ValueString(it.Value) == p.ValueStr {
			return true
		}
	}
	return false
}

// typedValue maps the proposal's canonical value string back to the
// typed domain value via the envelope's candidate set.
func typedValue(env *envelope.Envelope, knob, valueStr string) (any, bool) {
	spec, ok := env.Knobs[knob]
	if !ok {
		return nil, false
	}
	for _, c := range spec.Candidates() {
		if c.Str == valueStr {
			return c.Value, true
		}
	}
	return nil, false
}

func firstRejection(rejected map[string]string) string {
	for _, reason := range rejected {
		return reason
	}
	return "no_eligible_knobs"
}
