// Package router orchestrates one control-loop cycle: it buckets the
// current metrics snapshot, checks drift against the previous one,
// runs the portfolio optimizer per module under one shared change
// budget, proposes bounded shadow experiments on knobs without
// same-bucket evidence, and seals everything into a hash-locked bundle.
// Identical inputs always produce an identical bundle hash.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"

	"golang.org/x/sync/errgroup"

	"tuneplane/internal/baseline"
	"tuneplane/internal/canonjson"
	"tuneplane/internal/effects"
	"tuneplane/internal/envelope"
	"tuneplane/internal/gating"
	"tuneplane/internal/ir"
	"tuneplane/internal/ledger"
	"tuneplane/internal/logging"
	"tuneplane/internal/portfolio"
)

// Drift states of one cycle.
const (
	DriftNormal  = "normal"
	DriftHigh    = "high"    // exploration suspended
	DriftExtreme = "extreme" // circuit breaker: do nothing
)

// ReasonBudgetExhausted marks knobs the shared change budget could not
// cover this cycle.
const ReasonBudgetExhausted = "budget_exhausted"

// BundleSchemaVersion of the cycle bundle artifact.
const BundleSchemaVersion = 1

// Config is the per-cycle router policy.
type Config struct {
	// MaxChangesPerCycle is the shared budget across all modules,
	// exploit and explore together. Exploit spends first.
	MaxChangesPerCycle int
	// MaxExperimentsPerCycle bounds shadow experiments independently of
	// the shared budget.
	MaxExperimentsPerCycle int
	// DriftHighThreshold suspends exploration when exceeded.
	DriftHighThreshold float64
	// DriftExtremeThreshold suspends the whole cycle when exceeded.
	DriftExtremeThreshold float64

	Portfolio portfolio.Config
}

// DefaultConfig returns a conservative cycle policy.
func DefaultConfig(metric string) Config {
	return Config{
		MaxChangesPerCycle:     3,
		MaxExperimentsPerCycle: 1,
		DriftHighThreshold:     0.3,
		DriftExtremeThreshold:  1.0,
		Portfolio:              portfolio.DefaultConfig(metric),
	}
}

// Experiment is a proposed shadow trial of an unproven value. It is
// never applied; it exists to direct future evidence collection.
type Experiment struct {
	ModuleID string `json:"module_id"`
	Knob     string `json:"knob"`
	Value    any    `json:"value"`
	ValueStr string `json:"value_str"`
}

// ModuleResult is the merged optimizer output for one module.
type ModuleResult struct {
	Assignments map[string]any                      `json:"assignments"`
	Excluded    map[string]string                   `json:"excluded"`
	ShadowOnly  map[string]any                      `json:"shadow_only,omitempty"`
	CrossBucket map[string]portfolio.ShadowEstimate `json:"shadow_cross_bucket,omitempty"`
}

// Bundle is the sealed output of one cycle. BundleHash covers the
// policy, baseline, portfolio, and experiment sub-hashes; changing any
// field anywhere invalidates it.
type Bundle struct {
	SchemaVersion int    `json:"schema_version"`
	BundleHash    string `json:"bundle_hash"`
	CycleID       string `json:"cycle_id"`

	BaselineKey string  `json:"baseline_signature"`
	Drift       float64 `json:"drift"`
	DriftState  string  `json:"drift_state"`

	PolicyHash     string `json:"policy_hash"`
	BaselineHash   string `json:"baseline_hash"`
	PortfolioHash  string `json:"portfolio_hash"`
	ExperimentHash string `json:"experiment_hash"`

	Modules     map[string]ModuleResult `json:"modules"`
	Experiments []Experiment            `json:"experiments,omitempty"`
}

// IRs renders the bundle as tuning IRs: one applied_tune per module
// with assignments, one shadow_tune per experiment. Order is
// deterministic.
func (b *Bundle) IRs() ([]*ir.TuningIR, error) {
	var out []*ir.TuningIR

	modules := make([]string, 0, len(b.Modules))
	for m := range b.Modules {
		modules = append(modules, m)
	}
	sort.Strings(modules)

	for _, m := range modules {
		res := b.Modules[m]
		if len(res.Assignments) == 0 {
			continue
		}
		tir := &ir.TuningIR{
			SourceCycleID: b.CycleID,
			Mode:          ir.ModeAppliedTune,
			ModuleID:      m,
			Assignments:   res.Assignments,
			ReasonTags:    []string{"portfolio"},
		}
		if err := tir.Finalize(); err != nil {
			return nil, err
		}
		out = append(out, tir)
	}

	for _, ex := range b.Experiments {
		tir := &ir.TuningIR{
			SourceCycleID: b.CycleID,
			Mode:          ir.ModeShadowTune,
			ModuleID:      ex.ModuleID,
			Assignments:   map[string]any{ex.Knob: ex.Value},
			ReasonTags:    []string{"experiment"},
		}
		if err := tir.Finalize(); err != nil {
			return nil, err
		}
		out = append(out, tir)
	}
	return out, nil
}

// DefaultFiller supplies standing promoted values for knobs the
// optimizer left unassigned. It mutates assignments in place and returns
// the knobs it filled.
type DefaultFiller interface {
	FillDefaults(module, baselineKey string, assignments map[string]any) map[string]any
}

// Builder wires one router instance to its collaborators. Bias, Filter
// and Defaults may be nil.
type Builder struct {
	Effects       *effects.Store
	Cooldowns     *gating.CooldownStore
	Stabilization *gating.Stabilization
	Ledger        *ledger.Ledger
	Bias          portfolio.PromotionBias
	Filter        portfolio.CandidateFilter
	Defaults      DefaultFiller

	log *slog.Logger
}

// NewBuilder builds a Builder.
func NewBuilder(eff *effects.Store, cool *gating.CooldownStore, stab *gating.Stabilization, led *ledger.Ledger) *Builder {
	return &Builder{
		Effects:       eff,
		Cooldowns:     cool,
		Stabilization: stab,
		Ledger:        led,
		log:           logging.New("router"),
	}
}

// BuildBundle runs one cycle over the given envelopes and metrics
// snapshots. prev may be nil on the first cycle (drift reads as zero).
// The stabilization clock ticks exactly once per call, whatever the
// drift state.
func (b *Builder) BuildBundle(ctx context.Context, cycleID string, envs []*envelope.Envelope, prev, cur baseline.Snapshot, cfg Config) (*Bundle, error) {
	if b.Stabilization != nil {
		b.Stabilization.TickCycle()
	}

	sig := baseline.Compute(cur)
	drift := Drift(prev, cur)

	bundle := &Bundle{
		SchemaVersion: BundleSchemaVersion,
		CycleID:       cycleID,
		BaselineKey:   sig.Key(),
		Drift:         drift,
		DriftState:    driftState(drift, cfg),
		Modules:       map[string]ModuleResult{},
	}

	if bundle.DriftState == DriftExtreme {
		// Circuit breaker: a do-nothing bundle, still sealed.
		b.log.Warn("extreme drift, suspending cycle", "drift", drift, "threshold", cfg.DriftExtremeThreshold)
		return b.seal(bundle, cfg)
	}

	nowIdx, err := b.nowIdx()
	if err != nil {
		return nil, err
	}

	results, err := b.optimizeAll(ctx, envs, sig, nowIdx, cfg)
	if err != nil {
		return nil, err
	}

	// Merge in sorted module order under the shared budget. Exploit
	// spends before explore; overflow knobs are excluded, not dropped.
	budget := cfg.MaxChangesPerCycle
	for i, env := range sortedEnvs(envs) {
		res := results[i]
		mr := ModuleResult{
			Assignments: map[string]any{},
			Excluded:    res.Notes.Excluded,
			ShadowOnly:  res.Notes.ShadowOnly,
			CrossBucket: res.Notes.ShadowCrossBucket,
		}
		for _, knob := range sortedKnobs(res.Applied) {
			if budget <= 0 {
				mr.Excluded[knob] = ReasonBudgetExhausted
				continue
			}
			mr.Assignments[knob] = res.Applied[knob]
			budget--
		}

		// Promoted defaults are standing policy, not per-cycle changes:
		// they fill unassigned knobs without spending budget, and the
		// filled knob leaves the excluded/shadow buckets.
		if b.Defaults != nil {
			for knob := range b.Defaults.FillDefaults(env.ModuleID, bundle.BaselineKey, mr.Assignments) {
				delete(mr.Excluded, knob)
				delete(mr.ShadowOnly, knob)
			}
		}
		bundle.Modules[env.ModuleID] = mr
	}

	if bundle.DriftState == DriftNormal {
		bundle.Experiments = b.proposeExperiments(envs, results, sig, &budget, cfg)
	}

	return b.seal(bundle, cfg)
}

// optimizeAll runs the optimizer for every module in parallel. Results
// land in a slice indexed by the sorted envelope position, so the merge
// order never depends on goroutine scheduling.
func (b *Builder) optimizeAll(ctx context.Context, envs []*envelope.Envelope, sig baseline.Signature, nowIdx int64, cfg Config) ([]portfolio.Result, error) {
	sorted := sortedEnvs(envs)
	results := make([]portfolio.Result, len(sorted))

	g, _ := errgroup.WithContext(ctx)
	for i, env := range sorted {
		i, env := i, env
		g.Go(func() error {
			results[i] = portfolio.Optimize(portfolio.Input{
				Envelope:  env,
				Effects:   b.Effects,
				Baseline:  sig,
				Cooldowns: b.Cooldowns,
				NowIdx:    nowIdx,
				Bias:      b.Bias,
				Filter:    b.Filter,
			}, cfg.Portfolio)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("router: optimize: %w", err)
	}
	return results, nil
}

// proposeExperiments picks, per module in sorted order, the first
// candidate of each stat-less knob, bounded by the experiment cap and
// the remaining shared budget.
func (b *Builder) proposeExperiments(envs []*envelope.Envelope, results []portfolio.Result, sig baseline.Signature, budget *int, cfg Config) []Experiment {
	var out []Experiment
	baselineKey := sig.Key()

	for i, env := range sortedEnvs(envs) {
		for _, knob := range results[i].StatlessKnobs() {
			if len(out) >= cfg.MaxExperimentsPerCycle || *budget <= 0 {
				return out
			}
			spec := env.Knobs[knob]
			if c, ok := b.experimentCandidate(env.ModuleID, knob, baselineKey, spec); ok {
				out = append(out, Experiment{
					ModuleID: env.ModuleID,
					Knob:     knob,
					Value:    c.Value,
					ValueStr: c.Str,
				})
				*budget--
			}
		}
	}
	return out
}

// experimentCandidate returns the first permitted candidate that is not
// the knob's current default.
func (b *Builder) experimentCandidate(moduleID, knob, baselineKey string, spec envelope.KnobSpec) (envelope.Candidate, bool) {
	defaultStr := envelope.ValueString(spec.Default)
	for _, c := range spec.Candidates() {
		if c.Str == defaultStr {
			continue
		}
		if b.Filter != nil && !b.Filter.Permit(moduleID, knob, baselineKey, c) {
			continue
		}
		return c, true
	}
	return envelope.Candidate{}, false
}

// seal computes the sub-hashes and the bundle hash.
func (b *Builder) seal(bundle *Bundle, cfg Config) (*Bundle, error) {
	var err error
	if bundle.PolicyHash, err = canonjson.Hash(cfg); err != nil {
		return nil, fmt.Errorf("router: hash policy: %w", err)
	}
	baselinePart := map[string]any{"baseline": bundle.BaselineKey, "drift_state": bundle.DriftState}
	if bundle.BaselineHash, err = canonjson.Hash(baselinePart); err != nil {
		return nil, fmt.Errorf("router: hash baseline: %w", err)
	}
	if bundle.PortfolioHash, err = canonjson.Hash(bundle.Modules); err != nil {
		return nil, fmt.Errorf("router: hash portfolio: %w", err)
	}
	if bundle.ExperimentHash, err = canonjson.Hash(bundle.Experiments); err != nil {
		return nil, fmt.Errorf("router: hash experiments: %w", err)
	}

	bundle.BundleHash = ""
	hash, err := canonjson.Hash(bundle)
	if err != nil {
		return nil, fmt.Errorf("router: hash bundle: %w", err)
	}
	bundle.BundleHash = hash
	return bundle, nil
}

// VerifyHash recomputes the bundle hash and compares.
func (b *Bundle) VerifyHash() bool {
	copy := *b
	copy.BundleHash = ""
	hash, err := canonjson.Hash(&copy)
	return err == nil && hash == b.BundleHash
}

func (b *Builder) nowIdx() (int64, error) {
	if b.Ledger == nil {
		return 0, nil
	}
	idx, err := b.Ledger.NextIdx()
	if err != nil {
		return 0, fmt.Errorf("router: read ledger clock: %w", err)
	}
	return idx, nil
}

// Drift is the largest relative change across metrics present in both
// snapshots. A nil previous snapshot reads as zero drift.
func Drift(prev, cur baseline.Snapshot) float64 {
	if prev == nil || cur == nil {
		return 0
	}
	names := make([]string, 0, len(prev))
	for name := range prev {
		names = append(names, name)
	}
	sort.Strings(names)

	var worst float64
	for _, name := range names {
		p, ok := numeric(prev[name])
		if !ok {
			continue
		}
		c, ok := numeric(cur[name])
		if !ok {
			continue
		}
		rel := math.Abs(c-p) / math.Max(math.Abs(p), 1e-9)
		if rel > worst {
			worst = rel
		}
	}
	return worst
}

func driftState(drift float64, cfg Config) string {
	switch {
	case cfg.DriftExtremeThreshold > 0 && drift > cfg.DriftExtremeThreshold:
		return DriftExtreme
	case cfg.DriftHighThreshold > 0 && drift > cfg.DriftHighThreshold:
		return DriftHigh
	default:
		return DriftNormal
	}
}

func sortedEnvs(envs []*envelope.Envelope) []*envelope.Envelope {
	out := make([]*envelope.Envelope, len(envs))
	copy(out, envs)
	sort.Slice(out, func(i, j int) bool { return out[i].ModuleID < out[j].ModuleID })
	return out
}

func sortedKnobs(m map[string]any) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func numeric(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
