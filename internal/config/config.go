// Package config loads the plane configuration file: every governance
// policy knob in one explicit document, with defaults preserved from the
// shipped policy maps. Core packages never read this directly; the CLI
// converts it into each package's config struct.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"tuneplane/internal/canary"
	"tuneplane/internal/gating"
	"tuneplane/internal/portfolio"
	"tuneplane/internal/promote"
	"tuneplane/internal/router"
)

// Paths locates the plane's persisted stores.
type Paths struct {
	Ledger    string `yaml:"ledger" json:"ledger"`
	Effects   string `yaml:"effects" json:"effects"`
	Policy    string `yaml:"policy" json:"policy"`
	SafeSet   string `yaml:"safe_set" json:"safe_set"`
	Cooldowns string `yaml:"cooldowns" json:"cooldowns"`
}

// PlaneConfig is the full governance policy document.
type PlaneConfig struct {
	Metric   string `yaml:"metric" json:"metric"`
	Maximize bool   `yaml:"maximize" json:"maximize"`

	// Promotion scanner.
	MinSamples      int64   `yaml:"min_samples" json:"min_samples"`
	ZThreshold      float64 `yaml:"z_threshold" json:"z_threshold"`
	MinAbsEffect    float64 `yaml:"min_abs_effect" json:"min_abs_effect"`
	MaxRollbackRate float64 `yaml:"max_rollback_rate" json:"max_rollback_rate"`

	// Cooldown scanner.
	CooldownCycles int64 `yaml:"cooldown_cycles" json:"cooldown_cycles"`

	// Safe sets.
	MinAttempts         int     `yaml:"min_attempts" json:"min_attempts"`
	SafeMaxRollbackRate float64 `yaml:"safe_max_rollback_rate" json:"safe_max_rollback_rate"`
	SafeSetDecayCycles  int64   `yaml:"safe_set_decay_cycles" json:"safe_set_decay_cycles"`
	GuardrailMetric     string  `yaml:"guardrail_metric" json:"guardrail_metric"`
	GuardrailMaxMean    float64 `yaml:"guardrail_max_mean" json:"guardrail_max_mean"`

	// Canary.
	CanaryCycles                   int     `yaml:"canary_cycles" json:"canary_cycles"`
	RollbackDegradedScoreThreshold float64 `yaml:"rollback_degraded_score_threshold" json:"rollback_degraded_score_threshold"`
	RollbackPenalty                float64 `yaml:"rollback_penalty" json:"rollback_penalty"`

	// Router.
	MaxChangesPerCycle     int     `yaml:"max_changes_per_cycle" json:"max_changes_per_cycle"`
	MaxExperimentsPerCycle int     `yaml:"max_experiments_per_cycle" json:"max_experiments_per_cycle"`
	DriftHighThreshold     float64 `yaml:"drift_high_threshold" json:"drift_high_threshold"`
	DriftExtremeThreshold  float64 `yaml:"drift_extreme_threshold" json:"drift_extreme_threshold"`

	// Cross-bucket shadow inference.
	EnableCrossBucketShadow bool    `yaml:"enable_cross_bucket_shadow" json:"enable_cross_bucket_shadow"`
	MinSimilarity           float64 `yaml:"min_similarity" json:"min_similarity"`
	ShadowPenalty           float64 `yaml:"shadow_penalty" json:"shadow_penalty"`
	ZThresholdShadow        float64 `yaml:"z_threshold_shadow" json:"z_threshold_shadow"`

	// Promotion executor budgets per scan window.
	CanaryBudget          int     `yaml:"canary_budget" json:"canary_budget"`
	RiskUnits             float64 `yaml:"risk_units" json:"risk_units"`
	RiskUnitsPerPromotion float64 `yaml:"risk_units_per_promotion" json:"risk_units_per_promotion"`
	GlobalActiveCap       int     `yaml:"global_active_cap" json:"global_active_cap"`

	// Capability allow-sets per module.
	Capabilities map[string][]string `yaml:"capabilities" json:"capabilities"`

	Paths Paths `yaml:"paths" json:"paths"`
}

// Default returns the shipped policy defaults.
func Default() PlaneConfig {
	return PlaneConfig{
		Metric:                         "latency_ms",
		MinSamples:                     5,
		ZThreshold:                     3.0,
		MinAbsEffect:                   1.0,
		MaxRollbackRate:                0.34,
		CooldownCycles:                 20,
		MinAttempts:                    3,
		SafeMaxRollbackRate:            0.25,
		SafeSetDecayCycles:             200,
		CanaryCycles:                   3,
		RollbackDegradedScoreThreshold: 0.25,
		RollbackPenalty:                1.0,
		MaxChangesPerCycle:             3,
		MaxExperimentsPerCycle:         1,
		DriftHighThreshold:             0.3,
		DriftExtremeThreshold:          1.0,
		MinSimilarity:                  0.75,
		ShadowPenalty:                  0.5,
		ZThresholdShadow:               3.0,
		CanaryBudget:                   2,
		RiskUnits:                      2.0,
		RiskUnitsPerPromotion:          1.0,
		GlobalActiveCap:                3,
		Paths: Paths{
			Ledger:    "ledger.jsonl",
			Effects:   "effects.json",
			Policy:    "policy.json",
			SafeSet:   "safeset.json",
			Cooldowns: "cooldowns.json",
		},
	}
}

// LoadFromPath reads a plane config file (YAML or JSON) over the
// defaults. Format is detected by extension or by content.
func LoadFromPath(path string) (PlaneConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return PlaneConfig{}, fmt.Errorf("config: read: %w", err)
	}
	return Load(data, filepath.Ext(path))
}

// Load parses config bytes over the defaults. ext is the format hint;
// empty detects from content.
func Load(data []byte, ext string) (PlaneConfig, error) {
	cfg := Default()

	ext = strings.ToLower(ext)
	if ext == ".yml" {
		ext = ".yaml"
	}
	useJSON := ext == ".json"
	if ext == "" {
		useJSON = strings.HasPrefix(strings.TrimSpace(string(data)), "{")
	}

	if useJSON {
		if err := json.Unmarshal(data, &cfg); err != nil {
			return PlaneConfig{}, fmt.Errorf("config: parse json: %w", err)
		}
		return cfg, nil
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return PlaneConfig{}, fmt.Errorf("config: parse yaml: %w", err)
	}
	return cfg, nil
}

// ScanConfig converts to the promotion scanner policy.
func (c PlaneConfig) ScanConfig() promote.ScanConfig {
	return promote.ScanConfig{
		Metric:          c.Metric,
		Maximize:        c.Maximize,
		MinSamples:      c.MinSamples,
		MinAbsEffect:    c.MinAbsEffect,
		ZThreshold:      c.ZThreshold,
		MaxRollbackRate: c.MaxRollbackRate,
	}
}

// CanaryConfig converts to the canary policy.
func (c PlaneConfig) CanaryConfig() canary.Config {
	cfg := canary.DefaultConfig(c.Metric)
	cfg.CanaryCycles = c.CanaryCycles
	cfg.RollbackDegradedScoreThreshold = c.RollbackDegradedScoreThreshold
	cfg.RollbackPenalty = c.RollbackPenalty
	return cfg
}

// RouterConfig converts to the per-cycle router policy.
func (c PlaneConfig) RouterConfig() router.Config {
	pc := portfolio.DefaultConfig(c.Metric)
	pc.Maximize = c.Maximize
	pc.EnableCrossBucketShadow = c.EnableCrossBucketShadow
	pc.MinSimilarity = c.MinSimilarity
	pc.ShadowPenalty = c.ShadowPenalty
	pc.ZThresholdShadow = c.ZThresholdShadow

	return router.Config{
		MaxChangesPerCycle:     c.MaxChangesPerCycle,
		MaxExperimentsPerCycle: c.MaxExperimentsPerCycle,
		DriftHighThreshold:     c.DriftHighThreshold,
		DriftExtremeThreshold:  c.DriftExtremeThreshold,
		Portfolio:              pc,
	}
}

// SafeSetConfig converts to the safe-set builder policy.
func (c PlaneConfig) SafeSetConfig() promote.SafeSetConfig {
	return promote.SafeSetConfig{
		MinAttempts:      c.MinAttempts,
		MaxRollbackRate:  c.SafeMaxRollbackRate,
		GuardrailMetric:  c.GuardrailMetric,
		GuardrailMaxMean: c.GuardrailMaxMean,
		DecayCycles:      c.SafeSetDecayCycles,
	}
}

// CooldownScanConfig converts to the cooldown scanner policy.
func (c PlaneConfig) CooldownScanConfig() promote.CooldownScanConfig {
	return promote.CooldownScanConfig{
		MaxRollbackRate: c.MaxRollbackRate,
		MinAttempts:     c.MinAttempts,
		CooldownCycles:  c.CooldownCycles,
	}
}

// ExecConfig converts to the promotion executor policy.
func (c PlaneConfig) ExecConfig() promote.ExecConfig {
	return promote.ExecConfig{
		Canary:                c.CanaryConfig(),
		RiskUnitsPerPromotion: c.RiskUnitsPerPromotion,
	}
}

// Budget returns a fresh budget state for one scan window.
func (c PlaneConfig) Budget() promote.BudgetState {
	return promote.BudgetState{
		CanaryRemaining:    c.CanaryBudget,
		RiskUnitsRemaining: c.RiskUnits,
		GlobalActiveCap:    c.GlobalActiveCap,
	}
}

// CapabilitySet returns the capability allow-sets.
func (c PlaneConfig) CapabilitySet() *gating.Capabilities {
	return &gating.Capabilities{Allow: c.Capabilities}
}
