// Copyright 2025 James Ross

// Package confidence implements the weighted multi-factor scoring function
// that turns a relationship candidate's evidence into a final confidence
// value, level, and escalation decision. Score is pure and deterministic:
// it touches no I/O and depends only on its arguments, so the same
// (candidate, ordered evidence, config) triple always yields the same
// result — the property exercised by TestScoreIsPureAndOrderIndependent
// in score_test.go.
package confidence

import (
	"math"
	"sort"

	"github.com/flyingrobots/cognitive-triangulation/internal/config"
	"github.com/flyingrobots/cognitive-triangulation/internal/model"
)

// certaintyFloor bounds how much the uncertainty adjustment may pull the
// final score down from its raw value: even maximally sparse, discordant
// evidence retains at least this fraction of raw, so strong concordant
// evidence is not capped out of the HIGH band by an adjustment that can
// only ever subtract.
const certaintyFloor = 0.85

// Score computes the full confidence breakdown for a candidate given its
// evidence, per §4.7. Evidence order does not affect the result (factor
// scores are order-independent maxima; the uncertainty adjustment is a
// function of the evidence multiset).
func Score(evidence []model.EvidenceItem, cfg config.Confidence) model.ConfidenceBreakdown {
	syntax, syntaxOK := maxConfidence(evidence, 0.5, model.EvidenceSyntaxPattern)
	semantic, semanticOK := maxConfidence(evidence, 0, model.EvidenceSemanticDomain, model.EvidenceDomainConsistency, model.EvidenceLLMReasoning)
	context, contextOK := maxConfidence(evidence, 0, model.EvidenceArchitecturalPattern, model.EvidenceAPIIntegration)
	crossRef, crossRefOK := maxConfidence(evidence, 0.5, model.EvidenceCrossReference)

	w := cfg.Weights
	weightedSum := weightedAverage([]weightedFactor{
		{w.Syntax, syntax, syntaxOK},
		{w.Semantic, semantic, semanticOK},
		{w.Context, context, contextOK},
		{w.CrossRef, crossRef, crossRefOK},
	})

	penaltyFactor := 1.0
	penaltyFactor -= penaltyIfFlagged(evidence, "dynamic_import", cfg.Penalties.DynamicImport)
	penaltyFactor -= penaltyIfFlagged(evidence, "indirect_ref", cfg.Penalties.IndirectRef)
	penaltyFactor -= penaltyIfFlagged(evidence, "conflict", cfg.Penalties.Conflict)
	penaltyFactor -= penaltyIfFlagged(evidence, "ambiguous", cfg.Penalties.Ambiguous)
	penaltyFactor = clamp01(penaltyFactor)

	uncertainty := uncertaintyAdjustment(evidence)

	raw := weightedSum * penaltyFactor
	// The adjustment interpolates between certaintyFloor and 1 rather than
	// scaling from 0, so it only ever discounts raw by at most 1-certaintyFloor.
	final := clamp01(raw * (certaintyFloor + (1-certaintyFloor)*uncertainty))

	b := model.ConfidenceBreakdown{
		Syntax:                syntax,
		Semantic:              semantic,
		Context:               context,
		CrossRef:              crossRef,
		WeightedSum:           weightedSum,
		PenaltyFactor:         penaltyFactor,
		UncertaintyAdjustment: uncertainty,
		RawScore:              raw,
		FinalConfidence:       final,
		Level:                 level(final, cfg.Thresholds),
	}

	b.EscalationNeeded, b.TriggeredBy = escalation(final, uncertainty, cfg)
	return b
}

// weightedFactor is one term of the weighted sum: its configured weight,
// the factor value maxConfidence produced, and whether that value came
// from matching evidence rather than the factor's neutral default.
type weightedFactor struct {
	weight  float64
	value   float64
	present bool
}

// weightedAverage renormalizes the configured weights over only the
// factors that matched actual evidence, so a candidate with no context or
// cross-reference signal isn't dragged down by those factors' neutral
// defaults. When no factor matched any evidence (no evidence at all, or
// only kinds that feed no factor, such as DYNAMIC_PATTERN), every factor
// falls back to its default and the full weighted sum of defaults is used
// instead.
func weightedAverage(factors []weightedFactor) float64 {
	var num, den, fullSum float64
	for _, f := range factors {
		fullSum += f.weight * f.value
		if f.present {
			num += f.weight * f.value
			den += f.weight
		}
	}
	if den == 0 {
		return fullSum
	}
	return num / den
}

func maxConfidence(evidence []model.EvidenceItem, def float64, kinds ...model.EvidenceKind) (float64, bool) {
	want := make(map[model.EvidenceKind]bool, len(kinds))
	for _, k := range kinds {
		want[k] = true
	}
	max := -1.0
	for _, e := range evidence {
		if want[e.Kind] && e.Confidence > max {
			max = e.Confidence
		}
	}
	if max < 0 {
		return def, false
	}
	return max, true
}

// penaltyIfFlagged returns the penalty weight if any evidence item's
// context map carries a truthy flag for key, else 0.
func penaltyIfFlagged(evidence []model.EvidenceItem, key string, weight float64) float64 {
	for _, e := range evidence {
		if e.Context == nil {
			continue
		}
		if v, ok := e.Context[key]; ok {
			if b, ok := v.(bool); ok && b {
				return weight
			}
		}
	}
	return 0
}

// uncertaintyAdjustment is monotonic in evidence count and inversely
// related to inter-evidence variance: more independent, concordant
// evidence pushes the adjustment toward 1; sparse or discordant evidence
// pushes it toward 0. The exact closed form is an implementation choice
// (left open by the source material); this satisfies the documented
// monotonicity contract.
func uncertaintyAdjustment(evidence []model.EvidenceItem) float64 {
	n := len(evidence)
	if n == 0 {
		return 0
	}
	confidences := make([]float64, n)
	var sum float64
	for i, e := range evidence {
		confidences[i] = e.Confidence
		sum += e.Confidence
	}
	mean := sum / float64(n)
	var variance float64
	for _, c := range confidences {
		d := c - mean
		variance += d * d
	}
	variance /= float64(n)
	stddev := math.Sqrt(variance)

	// Count factor: reaches full trust once three independent items
	// corroborate each other; a single item caps well below it.
	countFactor := math.Min(1, 0.5+0.2*float64(n))
	// Concordance factor: 1 when evidence agrees (stddev 0), falling off
	// toward 0 as disagreement grows.
	concordance := clamp01(1 - stddev*2)

	return clamp01(0.5*countFactor + 0.5*concordance)
}

func level(final float64, t config.ConfidenceThresholds) model.ConfidenceLevel {
	switch {
	case final >= t.High:
		return model.LevelHigh
	case final >= t.Medium:
		return model.LevelMedium
	case final >= t.Low:
		return model.LevelLow
	default:
		return model.LevelVeryLow
	}
}

func escalation(final, uncertainty float64, cfg config.Confidence) (bool, []string) {
	var triggered []string
	for _, trigger := range cfg.EscalationTriggers {
		switch trigger {
		case "LOW_CONFIDENCE":
			if final < cfg.Thresholds.EscalationThreshold {
				triggered = append(triggered, trigger)
			}
		case "HIGH_UNCERTAINTY":
			if uncertainty < cfg.Thresholds.HighUncertainty {
				triggered = append(triggered, trigger)
			}
		}
	}
	sort.Strings(triggered)
	return len(triggered) > 0, triggered
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
