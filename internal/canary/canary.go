// Package canary executes a selected tuning change for a bounded
// observation window, measures drift against the pre-change baseline, and
// reverts with a recorded rollback artifact when the change is judged
// harmful. The path is deterministic given identical metric snapshots:
// the same inputs always produce the same rollback hash.
package canary

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"tuneplane/internal/baseline"
	"tuneplane/internal/canonjson"
	"tuneplane/internal/effects"
	"tuneplane/internal/envelope"
	"tuneplane/internal/gating"
	"tuneplane/internal/ir"
	"tuneplane/internal/ledger"
	"tuneplane/internal/logging"
)

// State of one attempted TuningIR.
type State string

const (
	StateProposed   State = "PROPOSED"
	StateValidated  State = "VALIDATED"
	StateApplied    State = "APPLIED"
	StateObserving  State = "OBSERVING"
	StateCommitted  State = "COMMITTED"
	StateRolledBack State = "ROLLED_BACK"
)

// Per-knob gate rejection reasons.
const (
	ReasonNotHotApply      = "not_hot_apply"
	ReasonCapabilityDenied = "capability_denied"
	ReasonNotStabilized    = "not_stabilized"
)

// Degradation metrics and their default weights.
const (
	MetricLatency   = "latency_ms"
	MetricCost      = "cost"
	MetricErrorRate = "error_rate"
)

// Weights combine relative degradation of latency, cost, and error rate
// into one score.
type Weights struct {
	Latency   float64
	Cost      float64
	ErrorRate float64
}

// DefaultWeights biases toward latency, the usual user-facing harm.
func DefaultWeights() Weights {
	return Weights{Latency: 0.5, Cost: 0.3, ErrorRate: 0.2}
}

// Config is the canary policy for one run.
type Config struct {
	// CanaryCycles is how many observation polls to take.
	CanaryCycles int
	// RollbackDegradedScoreThreshold triggers rollback when exceeded.
	RollbackDegradedScoreThreshold float64
	// RollbackPenalty is the fixed negative-evidence sample recorded for
	// a rolled-back value.
	RollbackPenalty float64
	// Metric is the objective the optimizer learns on; rollback penalties
	// are recorded under it.
	Metric string
	// PollInterval spaces observation polls. Zero polls back to back.
	PollInterval time.Duration
	Weights      Weights
}

// DefaultConfig returns a conservative canary policy.
func DefaultConfig(metric string) Config {
	return Config{
		CanaryCycles:                   3,
		RollbackDegradedScoreThreshold: 0.25,
		RollbackPenalty:                1.0,
		Metric:                         metric,
		Weights:                        DefaultWeights(),
	}
}

// Applier applies knob assignments to a live module. The embedding
// runtime supplies it; the canary never talks to modules directly.
type Applier interface {
	Apply(moduleID string, assignments map[string]any) error
}

// SnapshotFunc returns the current metric values for the module under
// observation. Its latency bounds the OBSERVING phase, so it must honor
// ctx.
type SnapshotFunc func(ctx context.Context) (map[string]float64, error)

// Outcome is the typed result of one canary attempt. Nothing in this
// package terminates the process; every failure mode resolves here.
type Outcome struct {
	State            State
	Committed        bool
	RolledBack       bool
	Reason           string            // fatal validation reason, if any
	RejectedKnobs    map[string]string // knob → gate denial reason
	AppliedKnobs     map[string]any
	DegradationScore float64
	Rollback         *ir.RollbackIR
}

// Controller wires the canary path to its collaborators.
type Controller struct {
	Capabilities  *gating.Capabilities
	Stabilization *gating.Stabilization
	Effects       *effects.Store
	Ledger        *ledger.Ledger
	Applier       Applier
	Snapshot      SnapshotFunc

	log *slog.Logger
}

// NewController builds a Controller. All collaborators are required
// except Capabilities (nil denies every non-empty requirement).
func NewController(caps *gating.Capabilities, stab *gating.Stabilization, eff *effects.Store, led *ledger.Ledger, applier Applier, snapshot SnapshotFunc) *Controller {
	return &Controller{
		Capabilities:  caps,
		Stabilization: stab,
		Effects:       eff,
		Ledger:        led,
		Applier:       applier,
		Snapshot:      snapshot,
		log:           logging.New("canary"),
	}
}

// Run drives one TuningIR through the state machine:
// PROPOSED → VALIDATED → APPLIED → OBSERVING → {COMMITTED | ROLLED_BACK}.
// prior carries the pre-canary assignments used for revert. Every attempt
// produces at least one ledger entry, whatever the outcome.
func (c *Controller) Run(ctx context.Context, tir *ir.TuningIR, env *envelope.Envelope, prior map[string]any, sig baseline.Signature, cfg Config) (Outcome, error) {
	out := Outcome{State: StateProposed, RejectedKnobs: map[string]string{}}

	// VALIDATED: structural check against the envelope. Failure is fatal
	// for this attempt; no side effect occurs.
	if reason, ok := env.ValidateAssignments(tir.Assignments); !ok {
		out.Reason = "invalid_ir:" + reason
		c.appendLedger("canary_rejected", map[string]any{
			"module":  tir.ModuleID,
			"ir_hash": tir.IRHash,
			"reason":  out.Reason,
		})
		return out, nil
	}
	out.State = StateValidated

	// Per-knob gates: each assignment passes capability and stabilization
	// independently. A denied knob is rejected individually, not the IR.
	applied := map[string]any{}
	for _, knob := range sortedKnobs(tir.Assignments) {
		spec := env.Knobs[knob]
		switch {
		case !spec.HotApply:
			out.RejectedKnobs[knob] = ReasonNotHotApply
		case !c.Capabilities.CanApply(tir.ModuleID, spec.RequiredCapability):
			out.RejectedKnobs[knob] = ReasonCapabilityDenied
		case !c.Stabilization.Ready(tir.ModuleID, knob, spec.StabilizationCycles):
			out.RejectedKnobs[knob] = ReasonNotStabilized
		default:
			applied[knob] = tir.Assignments[knob]
		}
	}

	if tir.Mode == ir.ModeShadowTune {
		// Shadow suggestions are never applied, by design.
		c.appendLedger("shadow_recorded", map[string]any{
			"module":      tir.ModuleID,
			"ir_hash":     tir.IRHash,
			"assignments": tir.Assignments,
		})
		return out, nil
	}

	if len(applied) == 0 {
		c.appendLedger("canary_skipped", map[string]any{
			"module":   tir.ModuleID,
			"ir_hash":  tir.IRHash,
			"rejected": toAnyMap(out.RejectedKnobs),
		})
		return out, nil
	}

	before, err := c.Snapshot(ctx)
	if err != nil {
		return out, fmt.Errorf("canary: before snapshot: %w", err)
	}

	if err := c.Applier.Apply(tir.ModuleID, applied); err != nil {
		return out, fmt.Errorf("canary: apply: %w", err)
	}
	for _, knob := range sortedKnobs(applied) {
		c.Stabilization.NoteChange(tir.ModuleID, knob)
	}
	out.State = StateApplied
	out.AppliedKnobs = applied

	c.appendLedger("canary_applied", map[string]any{
		"module":      tir.ModuleID,
		"ir_hash":     tir.IRHash,
		"mode":        string(tir.Mode),
		"assignments": applied,
		"baseline":    sig.Key(),
	})

	// OBSERVING: poll the caller-supplied snapshot function. A stuck
	// provider cannot wedge the cycle; ctx bounds every poll.
	out.State = StateObserving
	after, err := c.observe(ctx, cfg)
	if err != nil {
		return out, err
	}

	out.DegradationScore = DegradationScore(before, after, cfg.Weights)

	if out.DegradationScore > cfg.RollbackDegradedScoreThreshold {
		return c.rollBack(out, tir, env, prior, sig, cfg, before, after)
	}

	// COMMITTED: fold the observed deltas into the evidence base.
	for _, knob := range sortedKnobs(applied) {
		c.Effects.Record(tir.ModuleID, knob, envelope.ValueString(applied[knob]), sig.Key(), before, after)
	}
	out.State = StateCommitted
	out.Committed = true
	c.appendLedger("canary_committed", map[string]any{
		"module":         tir.ModuleID,
		"ir_hash":        tir.IRHash,
		"degraded_score": out.DegradationScore,
	})
	return out, nil
}

func (c *Controller) observe(ctx context.Context, cfg Config) (map[string]float64, error) {
	cycles := cfg.CanaryCycles
	if cycles < 1 {
		cycles = 1
	}
	var last map[string]float64
	for i := 0; i < cycles; i++ {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("canary: observation cancelled: %w", err)
		}
		snap, err := c.Snapshot(ctx)
		if err != nil {
			return nil, fmt.Errorf("canary: observe poll %d: %w", i, err)
		}
		last = snap
		if cfg.PollInterval > 0 && i < cycles-1 {
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("canary: observation cancelled: %w", ctx.Err())
			case <-time.After(cfg.PollInterval):
			}
		}
	}
	return last, nil
}

func (c *Controller) rollBack(out Outcome, tir *ir.TuningIR, env *envelope.Envelope, prior map[string]any, sig baseline.Signature, cfg Config, before, after map[string]float64) (Outcome, error) {
	reverted := map[string]any{}
	for _, knob := range sortedKnobs(out.AppliedKnobs) {
		if v, ok := prior[knob]; ok {
			reverted[knob] = v
		} else if spec, ok := env.Knobs[knob]; ok {
			reverted[knob] = spec.Default
		}
	}

	rb := &ir.RollbackIR{
		SourceIRHash:         tir.IRHash,
		AttemptedAssignments: out.AppliedKnobs,
		RevertedAssignments:  reverted,
		Reason:               fmt.Sprintf("degraded_score %.4f > %.4f", out.DegradationScore, cfg.RollbackDegradedScoreThreshold),
		BeforeMetricsHash:    canonjson.MustHash(before),
		AfterMetricsHash:     canonjson.MustHash(after),
	}
	if err := rb.Finalize(); err != nil {
		return out, err
	}

	// Re-apply the prior assignments through the same apply path.
	if err := c.Applier.Apply(tir.ModuleID, reverted); err != nil {
		return out, fmt.Errorf("canary: revert: %w", err)
	}
	for _, knob := range sortedKnobs(reverted) {
		c.Stabilization.NoteChange(tir.ModuleID, knob)
	}

	// Fixed negative-evidence sample for each attempted value, biasing
	// future optimizer runs away from it.
	for _, knob := range sortedKnobs(out.AppliedKnobs) {
		c.Effects.RecordSample(tir.ModuleID, knob, envelope.ValueString(out.AppliedKnobs[knob]), sig.Key(), cfg.Metric, cfg.RollbackPenalty)
	}

	out.State = StateRolledBack
	out.RolledBack = true
	out.Rollback = rb

	c.appendLedger("canary_rolled_back", map[string]any{
		"module":         tir.ModuleID,
		"ir_hash":        tir.IRHash,
		"rollback_hash":  rb.RollbackHash,
		"degraded_score": out.DegradationScore,
		"baseline":       sig.Key(),
		"attempted":      out.AppliedKnobs,
		"reverted":       reverted,
	})
	return out, nil
}

// DegradationScore combines relative changes in latency, cost, and error
// rate, each weighted, against the pre-change baseline. Only degradation
// counts; improvements do not offset it.
func DegradationScore(before, after map[string]float64, w Weights) float64 {
	score := w.Latency * relDegradation(before, after, MetricLatency)
	score += w.Cost * relDegradation(before, after, MetricCost)
	score += w.ErrorRate * relDegradation(before, after, MetricErrorRate)
	return score
}

func relDegradation(before, after map[string]float64, metric string) float64 {
	b, okB := before[metric]
	a, okA := after[metric]
	if !okB || !okA {
		return 0
	}
	denom := math.Max(math.Abs(b), 1e-9)
	rel := (a - b) / denom
	if rel < 0 {
		return 0
	}
	return rel
}

func (c *Controller) appendLedger(entryType string, payload map[string]any) {
	if c.Ledger == nil {
		return
	}
	if _, err := c.Ledger.Append(entryType, payload, nil); err != nil {
		c.log.Error("ledger append failed", "type", entryType, "error", err)
	}
}

func sortedKnobs(m map[string]any) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func toAnyMap(m map[string]string) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
