// Package ir defines the immutable decision artifacts of the tuning
// plane. A TuningIR is created once per decision and never mutated; a
// later decision is a new IR. Hashes are self-referential: computed over
// the artifact with its own hash field blanked.
package ir

import (
	"errors"
	"fmt"

	"tuneplane/internal/canonjson"
)

// SchemaVersion of the IR artifacts.
const SchemaVersion = 1

// Mode classifies how an IR's assignments are meant to take effect.
type Mode string

const (
	// ModeShadowTune records a suggestion that is never applied.
	ModeShadowTune Mode = "shadow_tune"
	// ModeAppliedTune is an ordinary optimizer-driven change.
	ModeAppliedTune Mode = "applied_tune"
	// ModePromotedTune is a standing promoted default.
	ModePromotedTune Mode = "promoted_tune"
	// ModePromotionCanary is a budgeted canary run by the promotion
	// executor.
	ModePromotionCanary Mode = "promotion_canary"
)

var validModes = map[Mode]bool{
	ModeShadowTune:      true,
	ModeAppliedTune:     true,
	ModePromotedTune:    true,
	ModePromotionCanary: true,
}

// ErrMissingEvidence is returned when a promoted_tune IR lacks an
// evidence bundle hash.
var ErrMissingEvidence = errors.New("ir: promoted_tune requires evidence_bundle_hash")

// TuningIR is an immutable, content-hashed record of a proposed or
// applied set of knob assignments.
type TuningIR struct {
	SchemaVersion      int            `json:"schema_version"`
	IRHash             string         `json:"ir_hash"`
	SourceCycleID      string         `json:"source_cycle_id"`
	Mode               Mode           `json:"mode"`
	ModuleID           string         `json:"module_id"`
	NodeID             string         `json:"node_id,omitempty"`
	Assignments        map[string]any `json:"assignments"`
	ReasonTags         []string       `json:"reason_tags,omitempty"`
	EvidenceBundleHash string         `json:"evidence_bundle_hash,omitempty"`
}

// Finalize validates the IR and computes its self-referential hash.
// Call exactly once, after which the IR must not change.
func (t *TuningIR) Finalize() error {
	if !validModes[t.Mode] {
		return fmt.Errorf("ir: unknown mode %q", t.Mode)
	}
	if t.Mode == ModePromotedTune && t.EvidenceBundleHash == "" {
		return ErrMissingEvidence
	}
	if t.SchemaVersion == 0 {
		t.SchemaVersion = SchemaVersion
	}
	if t.Assignments == nil {
		t.Assignments = map[string]any{}
	}

	t.IRHash = ""
	hash, err := canonjson.Hash(t)
	if err != nil {
		return fmt.Errorf("ir: hash: %w", err)
	}
	t.IRHash = hash
	return nil
}

// VerifyHash recomputes the hash with the field blanked and compares.
func (t *TuningIR) VerifyHash() bool {
	copy := *t
	copy.IRHash = ""
	hash, err := canonjson.Hash(&copy)
	return err == nil && hash == t.IRHash
}

// RollbackIR is the immutable record of a reverted change and the
// evidence that triggered it. Only the canary path creates one, on
// detected degradation.
type RollbackIR struct {
	SchemaVersion        int            `json:"schema_version"`
	SourceIRHash         string         `json:"source_ir_hash"`
	AttemptedAssignments map[string]any `json:"attempted_assignments"`
	RevertedAssignments  map[string]any `json:"reverted_assignments"`
	Reason               string         `json:"reason"`
	BeforeMetricsHash    string         `json:"before_metrics_hash"`
	AfterMetricsHash     string         `json:"after_metrics_hash"`
	RollbackHash         string         `json:"rollback_hash"`
}

// Finalize computes the self-referential rollback hash.
func (r *RollbackIR) Finalize() error {
	if r.SchemaVersion == 0 {
		r.SchemaVersion = SchemaVersion
	}
	if r.AttemptedAssignments == nil {
		r.AttemptedAssignments = map[string]any{}
	}
	if r.RevertedAssignments == nil {
		r.RevertedAssignments = map[string]any{}
	}

	r.RollbackHash = ""
	hash, err := canonjson.Hash(r)
	if err != nil {
		return fmt.Errorf("ir: hash rollback: %w", err)
	}
	r.RollbackHash = hash
	return nil
}

// VerifyHash recomputes the rollback hash and compares.
func (r *RollbackIR) VerifyHash() bool {
	copy := *r
	copy.RollbackHash = ""
	hash, err := canonjson.Hash(&copy)
	return err == nil && hash == r.RollbackHash
}
