package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadYAMLOverridesDefaults(t *testing.T) {
	doc := `
metric: cost
maximize: false
min_samples: 10
max_changes_per_cycle: 1
capabilities:
  codec: [restart, hot_tune]
paths:
  ledger: /var/lib/tuneplane/ledger.jsonl
`
	cfg, err := Load([]byte(doc), ".yaml")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Metric != "cost" || cfg.MinSamples != 10 || cfg.MaxChangesPerCycle != 1 {
		t.Errorf("overrides not applied: %+v", cfg)
	}
	// Untouched keys keep the shipped defaults.
	if cfg.ZThreshold != 3.0 || cfg.MinSimilarity != 0.75 || cfg.ShadowPenalty != 0.5 {
		t.Errorf("defaults lost: z=%v sim=%v penalty=%v", cfg.ZThreshold, cfg.MinSimilarity, cfg.ShadowPenalty)
	}
	if cfg.Paths.Ledger != "/var/lib/tuneplane/ledger.jsonl" {
		t.Errorf("ledger path = %q", cfg.Paths.Ledger)
	}
	if cfg.Paths.Effects != "effects.json" {
		t.Errorf("effects path default lost: %q", cfg.Paths.Effects)
	}
	if !cfg.CapabilitySet().CanApply("codec", "hot_tune") {
		t.Error("capability allow-set not loaded")
	}
}

func TestLoadJSONByContent(t *testing.T) {
	cfg, err := Load([]byte(`{"metric": "error_rate", "canary_cycles": 5}`), "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Metric != "error_rate" || cfg.CanaryCycles != 5 {
		t.Errorf("json content detection failed: %+v", cfg)
	}
}

func TestLoadFromPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plane.yml")
	if err := os.WriteFile(path, []byte("metric: cost\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadFromPath(path)
	if err != nil {
		t.Fatalf("LoadFromPath: %v", err)
	}
	if cfg.Metric != "cost" {
		t.Errorf("metric = %q, want cost", cfg.Metric)
	}
}

func TestConversions(t *testing.T) {
	cfg := Default()

	scan := cfg.ScanConfig()
	if scan.MinSamples != 5 || scan.ZThreshold != 3.0 {
		t.Errorf("scan config = %+v", scan)
	}

	can := cfg.CanaryConfig()
	if can.CanaryCycles != 3 || can.RollbackDegradedScoreThreshold != 0.25 || can.Metric != "latency_ms" {
		t.Errorf("canary config = %+v", can)
	}

	rt := cfg.RouterConfig()
	if rt.MaxChangesPerCycle != 3 || rt.Portfolio.MinSimilarity != 0.75 {
		t.Errorf("router config = %+v", rt)
	}

	budget := cfg.Budget()
	if budget.CanaryRemaining != 2 || budget.RiskUnitsRemaining != 2.0 || budget.GlobalActiveCap != 3 {
		t.Errorf("budget = %+v", budget)
	}
}
