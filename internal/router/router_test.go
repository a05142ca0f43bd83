package router

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"

	"tuneplane/internal/baseline"
	"tuneplane/internal/effects"
	"tuneplane/internal/envelope"
	"tuneplane/internal/gating"
	"tuneplane/internal/portfolio"
	"tuneplane/internal/promote"
)

const testBucket = "queue_depth=le10"

func testEnvs() []*envelope.Envelope {
	lmin, lmax := 1.0, 64.0
	wmin, wmax := 1.0, 8.0
	return []*envelope.Envelope{
		{
			ModuleID: "b-mod",
			Knobs: map[string]envelope.KnobSpec{
				"workers": {Kind: envelope.KindInt, Min: &wmin, Max: &wmax, Default: 4, HotApply: true},
			},
		},
		{
			ModuleID: "a-mod",
			Knobs: map[string]envelope.KnobSpec{
				"level": {Kind: envelope.KindInt, Min: &lmin, Max: &lmax, Default: 16, HotApply: true},
				"mode":  {Kind: envelope.KindEnum, Enum: []string{"gzip", "lz4", "zstd"}, Default: "lz4", HotApply: true},
			},
		},
	}
}

func seededEffects() *effects.Store {
	eff := effects.New("")
	seed := func(module, knob, value string, delta float64) {
		for i := 0; i < 3; i++ {
			eff.RecordSample(module, knob, value, testBucket, "latency_ms", delta)
		}
	}
	seed("a-mod", "level", "1", -5)
	seed("a-mod", "level", "64", -1)
	seed("b-mod", "workers", "8", -3)
	// a-mod/mode has no evidence: stat-less, experiment material.
	return eff
}

func testBuilder() *Builder {
	return NewBuilder(seededEffects(), gating.NewCooldownStore(""), gating.NewStabilization(), nil)
}

func testConfig() Config {
	cfg := DefaultConfig("latency_ms")
	cfg.MaxChangesPerCycle = 3
	cfg.MaxExperimentsPerCycle = 1
	return cfg
}

func curSnapshot() baseline.Snapshot {
	return baseline.Snapshot{"queue_depth": 5, "latency_ms": 100.0}
}

func TestBuildBundleExploitAndExplore(t *testing.T) {
	b := testBuilder()
	bundle, err := b.BuildBundle(context.Background(), "cycle-1", testEnvs(), nil, curSnapshot(), testConfig())
	if err != nil {
		t.Fatalf("BuildBundle: %v", err)
	}

	if bundle.BaselineKey != testBucket {
		t.Errorf("baseline = %q, want %q", bundle.BaselineKey, testBucket)
	}
	if bundle.DriftState != DriftNormal {
		t.Errorf("drift state = %q, want normal", bundle.DriftState)
	}

	a := bundle.Modules["a-mod"]
	if got := envelope.ValueString(a.Assignments["level"]); got != "1" {
		t.Errorf("a-mod level = %q, want 1", got)
	}
	bm := bundle.Modules["b-mod"]
	if got := envelope.ValueString(bm.Assignments["workers"]); got != "8" {
		t.Errorf("b-mod workers = %q, want 8", got)
	}

	// The stat-less knob becomes a shadow experiment on a non-default
	// candidate.
	want := []Experiment{{ModuleID: "a-mod", Knob: "mode", Value: "gzip", ValueStr: "gzip"}}
	if diff := cmp.Diff(want, bundle.Experiments); diff != "" {
		t.Errorf("experiments (-want +got):\n%s", diff)
	}

	if !bundle.VerifyHash() {
		t.Error("bundle hash does not verify")
	}
}

func TestBuildBundleSharedBudget(t *testing.T) {
	b := testBuilder()
	cfg := testConfig()
	cfg.MaxChangesPerCycle = 1

	bundle, err := b.BuildBundle(context.Background(), "cycle-1", testEnvs(), nil, curSnapshot(), cfg)
	if err != nil {
		t.Fatalf("BuildBundle: %v", err)
	}

	// Modules merge in sorted order, so a-mod spends the single change.
	if len(bundle.Modules["a-mod"].Assignments) != 1 {
		t.Errorf("a-mod assignments = %v, want the one budgeted change", bundle.Modules["a-mod"].Assignments)
	}
	if got := bundle.Modules["b-mod"].Excluded["workers"]; got != ReasonBudgetExhausted {
		t.Errorf("b-mod workers excluded as %q, want %q", got, ReasonBudgetExhausted)
	}
	if len(bundle.Experiments) != 0 {
		t.Errorf("experiments = %v, want none with budget spent", bundle.Experiments)
	}
}

func TestBuildBundleDriftExtreme(t *testing.T) {
	b := testBuilder()
	prev := baseline.Snapshot{"latency_ms": 100.0}
	cur := baseline.Snapshot{"queue_depth": 5, "latency_ms": 250.0}

	bundle, err := b.BuildBundle(context.Background(), "cycle-1", testEnvs(), prev, cur, testConfig())
	if err != nil {
		t.Fatalf("BuildBundle: %v", err)
	}

	if bundle.DriftState != DriftExtreme {
		t.Fatalf("drift state = %q, want extreme (drift %v)", bundle.DriftState, bundle.Drift)
	}
	if len(bundle.Modules) != 0 || len(bundle.Experiments) != 0 {
		t.Errorf("circuit breaker leaked decisions: %+v", bundle)
	}
	if !bundle.VerifyHash() {
		t.Error("do-nothing bundle hash does not verify")
	}
}

func TestBuildBundleDriftHighSuspendsExploration(t *testing.T) {
	b := testBuilder()
	prev := baseline.Snapshot{"latency_ms": 100.0}
	cur := baseline.Snapshot{"queue_depth": 5, "latency_ms": 140.0}

	bundle, err := b.BuildBundle(context.Background(), "cycle-1", testEnvs(), prev, cur, testConfig())
	if err != nil {
		t.Fatalf("BuildBundle: %v", err)
	}

	if bundle.DriftState != DriftHigh {
		t.Fatalf("drift state = %q, want high (drift %v)", bundle.DriftState, bundle.Drift)
	}
	// Exploitation continues.
	if len(bundle.Modules["a-mod"].Assignments) == 0 {
		t.Error("high drift suspended exploitation")
	}
	// Exploration does not.
	if len(bundle.Experiments) != 0 {
		t.Errorf("experiments under high drift: %v", bundle.Experiments)
	}
}

func TestBuildBundleDeterministic(t *testing.T) {
	run := func() string {
		bundle, err := testBuilder().BuildBundle(context.Background(), "cycle-1", testEnvs(), nil, curSnapshot(), testConfig())
		if err != nil {
			t.Fatalf("BuildBundle: %v", err)
		}
		return bundle.BundleHash
	}

	first := run()
	for i := 0; i < 12; i++ {
		if got := run(); got != first {
			t.Fatalf("run %d hash = %s, want %s", i, got, first)
		}
	}
}

func TestBuildBundleTicksOncePerCycle(t *testing.T) {
	b := testBuilder()
	b.Stabilization.NoteChange("a-mod", "level")

	if _, err := b.BuildBundle(context.Background(), "cycle-1", testEnvs(), nil, curSnapshot(), testConfig()); err != nil {
		t.Fatal(err)
	}
	if got := b.Stabilization.Snapshot()["a-mod::level"]; got != 1 {
		t.Errorf("cycles since change = %d, want 1 after one cycle", got)
	}

	// The circuit breaker still advances the clock.
	prev := baseline.Snapshot{"latency_ms": 100.0}
	cur := baseline.Snapshot{"latency_ms": 300.0}
	if _, err := b.BuildBundle(context.Background(), "cycle-2", testEnvs(), prev, cur, testConfig()); err != nil {
		t.Fatal(err)
	}
	if got := b.Stabilization.Snapshot()["a-mod::level"]; got != 2 {
		t.Errorf("cycles since change = %d, want 2 after two cycles", got)
	}
}

func TestBundleTamperDetected(t *testing.T) {
	bundle, err := testBuilder().BuildBundle(context.Background(), "cycle-1", testEnvs(), nil, curSnapshot(), testConfig())
	if err != nil {
		t.Fatal(err)
	}
	bundle.Modules["a-mod"].Assignments["level"] = 64
	if bundle.VerifyHash() {
		t.Error("tampered bundle still verifies")
	}
}

func TestBundleIRs(t *testing.T) {
	bundle, err := testBuilder().BuildBundle(context.Background(), "cycle-1", testEnvs(), nil, curSnapshot(), testConfig())
	if err != nil {
		t.Fatal(err)
	}
	irs, err := bundle.IRs()
	if err != nil {
		t.Fatalf("IRs: %v", err)
	}
	if len(irs) != 3 {
		t.Fatalf("irs = %d, want 2 applied + 1 shadow", len(irs))
	}
	for _, tir := range irs {
		if !tir.VerifyHash() {
			t.Errorf("ir %s hash does not verify", tir.ModuleID)
		}
	}
	if irs[0].ModuleID != "a-mod" || irs[1].ModuleID != "b-mod" {
		t.Errorf("applied order = %s, %s", irs[0].ModuleID, irs[1].ModuleID)
	}
	if string(irs[2].Mode) != "shadow_tune" {
		t.Errorf("experiment mode = %s", irs[2].Mode)
	}
}

func TestDrift(t *testing.T) {
	tests := []struct {
		name      string
		prev, cur baseline.Snapshot
		want      float64
	}{
		{"nil prev", nil, baseline.Snapshot{"latency_ms": 100.0}, 0},
		{"no change", baseline.Snapshot{"latency_ms": 100.0}, baseline.Snapshot{"latency_ms": 100.0}, 0},
		{"doubling", baseline.Snapshot{"latency_ms": 100.0}, baseline.Snapshot{"latency_ms": 200.0}, 1.0},
		{"worst of several", baseline.Snapshot{"latency_ms": 100.0, "cost": 10.0}, baseline.Snapshot{"latency_ms": 110.0, "cost": 15.0}, 0.5},
		{"non-numeric ignored", baseline.Snapshot{"mode": "fast"}, baseline.Snapshot{"mode": "slow"}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Drift(tt.prev, tt.cur); got != tt.want {
				t.Errorf("Drift = %v, want %v", got, tt.want)
			}
		})
	}
}

var _ DefaultFiller = (*promote.Overlay)(nil)

func TestBuildBundleFillsPromotedDefaults(t *testing.T) {
	pol := promote.NewPolicy("")
	pol.Upsert(promote.PolicyItem{
		ModuleID:    "a-mod",
		Knob:        "mode",
		Value:       "zstd",
		BaselineKey: testBucket,
		Metric:      "latency_ms",
	})

	b := testBuilder()
	b.Defaults = promote.NewOverlay(pol)

	bundle, err := b.BuildBundle(context.Background(), "cycle-1", testEnvs(), nil, curSnapshot(), testConfig())
	if err != nil {
		t.Fatalf("BuildBundle: %v", err)
	}

	// The stat-less knob carries its promoted value instead of sitting
	// excluded.
	a := bundle.Modules["a-mod"]
	if got := envelope.ValueString(a.Assignments["mode"]); got != "zstd" {
		t.Errorf("a-mod mode = %q, want promoted zstd", got)
	}
	if reason, ok := a.Excluded["mode"]; ok {
		t.Errorf("filled knob still excluded as %q", reason)
	}
	// The optimizer's own pick wins over the promotion path.
	if got := envelope.ValueString(a.Assignments["level"]); got != "1" {
		t.Errorf("a-mod level = %q, want 1", got)
	}
	// Filling spends no budget: b-mod still gets its change.
	if got := envelope.ValueString(bundle.Modules["b-mod"].Assignments["workers"]); got != "8" {
		t.Errorf("b-mod workers = %q, want 8", got)
	}
	if !bundle.VerifyHash() {
		t.Error("bundle hash does not verify")
	}
}

var _ portfolio.CandidateFilter = denyValue("")

// denyValue filters out one candidate value string everywhere.
type denyValue string

func (d denyValue) Permit(module, knob, baselineKey string, c envelope.Candidate) bool {
	return c.Str != string(d)
}

func TestExperimentsRespectFilter(t *testing.T) {
	b := testBuilder()
	b.Filter = denyValue("gzip")

	bundle, err := b.BuildBundle(context.Background(), "cycle-1", testEnvs(), nil, curSnapshot(), testConfig())
	if err != nil {
		t.Fatal(err)
	}
	// gzip is denied and lz4 is the default, so the experiment falls
	// through to zstd.
	want := []Experiment{{ModuleID: "a-mod", Knob: "mode", Value: "zstd", ValueStr: "zstd"}}
	if diff := cmp.Diff(want, bundle.Experiments); diff != "" {
		t.Errorf("experiments (-want +got):\n%s", diff)
	}
}
