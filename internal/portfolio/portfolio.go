// Package portfolio selects which knob changes to make this cycle, given
// accumulated effect evidence, a module's envelope, and the current
// baseline bucket. Selection is deterministic: knobs traverse in sorted
// name order, candidates in sorted value order, ties break
// lexicographically. Two runs over identical inputs produce identical
// output.
package portfolio

import (
	"sort"

	"tuneplane/internal/baseline"
	"tuneplane/internal/effects"
	"tuneplane/internal/envelope"
	"tuneplane/internal/gating"
)

// Exclusion reasons emitted in Notes.Excluded.
const (
	ReasonNoCandidates      = "no_candidates"
	ReasonNoSameBucketStats = "no_same_bucket_stats"
	ReasonCooledDown        = "cooled_down"
)

// Config carries the optimizer policy. The cross-bucket defaults come
// from the governing policy maps; they are configurable, not hard-coded.
type Config struct {
	Metric   string
	Maximize bool // false: lower delta is better (latency, cost)

	// ShadowOnly routes winners to Notes.ShadowOnly instead of Applied.
	ShadowOnly bool

	// Cross-bucket shadow inference. Estimates are shadow suggestions
	// only — cross-bucket generalization is unproven, so they are never
	// applied.
	EnableCrossBucketShadow bool
	MinSimilarity           float64 // default 0.75
	ShadowPenalty           float64 // default 0.5
	ZThresholdShadow        float64 // default 3.0
}

// DefaultConfig returns the policy defaults preserved from the governing
// policy maps.
func DefaultConfig(metric string) Config {
	return Config{
		Metric:                  metric,
		MinSimilarity:           0.75,
		ShadowPenalty:           0.5,
		ZThresholdShadow:        3.0,
		EnableCrossBucketShadow: false,
	}
}

// PromotionBias supplies a bounded additive preference for promoted
// values. It biases tie-breaks; it never hard-overrides evidence.
type PromotionBias interface {
	Bias(module, knob, valueStr, baselineKey string) float64
}

// CandidateFilter optionally restricts candidate exploration (safe sets).
// Consulted, not required: a nil filter permits everything.
type CandidateFilter interface {
	Permit(module, knob, baselineKey string, c envelope.Candidate) bool
}

// ShadowEstimate is a cross-bucket inference for one knob.
type ShadowEstimate struct {
	Value        any     `json:"value"`
	ValueStr     string  `json:"value_str"`
	WeightedMean float64 `json:"weighted_mean"` // after damping
	Donors       int     `json:"donors"`
}

// Notes classifies every knob that did not land in Applied.
type Notes struct {
	Excluded          map[string]string         `json:"excluded"`
	ShadowOnly        map[string]any            `json:"shadow_only"`
	ShadowCrossBucket map[string]ShadowEstimate `json:"shadow_cross_bucket"`
}

// Result is the optimizer output. Every knob of the envelope ends up in
// exactly one of Applied, Notes.Excluded, or Notes.ShadowOnly — never
// silently dropped.
type Result struct {
	Applied map[string]any `json:"applied"`
	Notes   Notes          `json:"notes"`
}

// Input bundles the evidence the optimizer reads. Cooldowns and the
// bias/filter hooks may be nil.
type Input struct {
	Envelope  *envelope.Envelope
	Effects   *effects.Store
	Baseline  baseline.Signature
	Cooldowns *gating.CooldownStore
	NowIdx    int64
	Bias      PromotionBias
	Filter    CandidateFilter
}

// Optimize runs the deterministic selection for one module.
func Optimize(in Input, cfg Config) Result {
	res := Result{
		Applied: map[string]any{},
		Notes: Notes{
			Excluded:          map[string]string{},
			ShadowOnly:        map[string]any{},
			ShadowCrossBucket: map[string]ShadowEstimate{},
		},
	}
	baselineKey := in.Baseline.Key()

	for _, knob := range in.Envelope.KnobNames() {
		spec := in.Envelope.Knobs[knob]

		candidates := spec.Candidates()
		if in.Filter != nil {
			candidates = filterCandidates(in, knob, baselineKey, candidates)
		}
		if len(candidates) < 2 {
			// Nothing to learn from a single value.
			res.Notes.Excluded[knob] = ReasonNoCandidates
			continue
		}

		if winner, ok := pickSameBucket(in, cfg, knob, baselineKey, candidates); ok {
			if winner.cooled {
				res.Notes.Excluded[knob] = ReasonCooledDown
				continue
			}
			if cfg.ShadowOnly {
				res.Notes.ShadowOnly[knob] = winner.cand.Value
			} else {
				res.Applied[knob] = winner.cand.Value
			}
			continue
		}

		if cfg.EnableCrossBucketShadow {
			if est, ok := crossBucketEstimate(in, cfg, knob, candidates); ok {
				res.Notes.ShadowOnly[knob] = est.Value
				res.Notes.ShadowCrossBucket[knob] = est
				continue
			}
		}

		res.Notes.Excluded[knob] = ReasonNoSameBucketStats
	}
	return res
}

type pick struct {
	cand   envelope.Candidate
	cooled bool // all evidence-bearing candidates were cooled down
}

// pickSameBucket chooses the candidate with the best same-bucket mean
// delta. Returns ok=false when no candidate has same-bucket evidence.
func pickSameBucket(in Input, cfg Config, knob, baselineKey string, candidates []envelope.Candidate) (pick, bool) {
	type scored struct {
		cand  envelope.Candidate
		score float64
	}
	var withStats []scored
	anyEvidence := false

	for _, c := range candidates {
		st, ok := in.Effects.Lookup(in.Envelope.ModuleID, knob, c.Str, baselineKey, cfg.Metric)
		if !ok || st.N == 0 {
			continue
		}
		anyEvidence = true
		if cooledDown(in, knob, c.Str, baselineKey) {
			continue
		}
		score := st.Mean
		if cfg.Maximize {
			score = -score
		}
		if in.Bias != nil {
			score -= in.Bias.Bias(in.Envelope.ModuleID, knob, c.Str, baselineKey)
		}
		withStats = append(withStats, scored{cand: c, score: score})
	}

	if !anyEvidence {
		return pick{}, false
	}
	if len(withStats) == 0 {
		return pick{cooled: true}, true
	}

	// Candidates arrive sorted by value string, so keeping the strictly
	// better score breaks ties lexicographically.
	best := withStats[0]
	for _, s := range withStats[1:] {
		if s.score < best.score {
			best = s
		}
	}
	return pick{cand: best.cand}, true
}

// crossBucketEstimate infers a shadow suggestion from other buckets'
// evidence: donor means weighted by baseline similarity, gated on
// similarity and z-score, then damped by the shadow penalty.
func crossBucketEstimate(in Input, cfg Config, knob string, candidates []envelope.Candidate) (ShadowEstimate, bool) {
	baselineKey := in.Baseline.Key()

	type scored struct {
		est   ShadowEstimate
		score float64
	}
	var estimates []scored

	for _, c := range candidates {
		donors := in.Effects.DonorBuckets(in.Envelope.ModuleID, knob, c.Str, cfg.Metric, baselineKey)
		donorKeys := make([]string, 0, len(donors))
		for k := range donors {
			donorKeys = append(donorKeys, k)
		}
		sort.Strings(donorKeys)

		var weightSum, weightedMean float64
		var used int
		for _, dk := range donorKeys {
			st := donors[dk]
			sim := in.Baseline.Similarity(baseline.ParseKey(dk))
			if sim < cfg.MinSimilarity {
				continue
			}
			if st.Z() < cfg.ZThresholdShadow {
				continue
			}
			weightSum += sim
			weightedMean += sim * st.Mean
			used++
		}
		if used == 0 || weightSum == 0 {
			continue
		}
		mean := (weightedMean / weightSum) * cfg.ShadowPenalty

		score := mean
		if cfg.Maximize {
			score = -score
		}
		estimates = append(estimates, scored{
			est: ShadowEstimate{
				Value:        c.Value,
				ValueStr:     c.Str,
				WeightedMean: mean,
				Donors:       used,
			},
			score: score,
		})
	}

	if len(estimates) == 0 {
		return ShadowEstimate{}, false
	}
	best := estimates[0]
	for _, e := range estimates[1:] {
		if e.score < best.score {
			best = e
		}
	}
	return best.est, true
}

func cooledDown(in Input, knob, valueStr, baselineKey string) bool {
	if in.Cooldowns == nil {
		return false
	}
	key := gating.CooldownKey(in.Envelope.ModuleID, knob, valueStr, baselineKey)
	return in.Cooldowns.IsActive(key, in.NowIdx)
}

func filterCandidates(in Input, knob, baselineKey string, candidates []envelope.Candidate) []envelope.Candidate {
	out := candidates[:0:0]
	for _, c := range candidates {
		if in.Filter.Permit(in.Envelope.ModuleID, knob, baselineKey, c) {
			out = append(out, c)
		}
	}
	return out
}

// StatlessKnobs returns, in sorted order, the knobs the optimizer
// excluded for lack of same-bucket evidence. The router proposes shadow
// experiments on exactly these.
func (r Result) StatlessKnobs() []string {
	var out []string
	for knob, reason := range r.Notes.Excluded {
		if reason == ReasonNoSameBucketStats {
			out = append(out, knob)
		}
	}
	sort.Strings(out)
	return out
}
