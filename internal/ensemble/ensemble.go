// Package ensemble combines individual detector results into one composite
// risk score.
//
// Aggregation is a weighted mean of the raw detector scores plus a weighted
// mean of their confidences; dampening toward the neutral point is applied
// once, to the composite, and only when the aggregate confidence is below
// 0.5. Detectors that failed or timed out contribute a neutral
// low-confidence result instead of being dropped, so a roster outage pulls
// the composite toward neutral rather than silently shrinking the
// denominator.
package ensemble

import "github.com/sentrapay/fraud-engine/internal/detectors"

// NeutralScore is the resting point of the ensemble: the score a detector
// with nothing to say contributes, and the value uncertain scores are pulled
// toward.
const NeutralScore = 0.3

// Composite is the aggregate of one evaluation round.
type Composite struct {
	// Score is the weighted risk score in [0, 1].
	Score float64
	// Confidence is the weighted mean confidence of the contributing
	// detectors, used by the policy layer to bias uncertain decisions toward
	// customer-friendly outcomes.
	Confidence float64
	// Contributing lists every roster detector's result, including the
	// neutral stand-ins for failures. Order follows the roster.
	Contributing []detectors.Result
	// Failed counts detectors that errored or timed out this round.
	Failed int
}

// AllFailed reports whether no detector produced a usable result.
func (c Composite) AllFailed() bool {
	return len(c.Contributing) > 0 && c.Failed == len(c.Contributing)
}

// Dampen pulls a raw score toward the neutral point in proportion to how
// unsure the round is. At confidence 0.5 and above the raw score passes
// through untouched; at confidence 0 the result is exactly neutral.
func Dampen(raw, confidence float64) float64 {
	if confidence >= 0.5 {
		return clamp01(raw)
	}
	adjusted := NeutralScore + (raw-NeutralScore)*confidence*2
	return clamp01(adjusted)
}

// Aggregate folds one round of detector results into a composite using the
// given roster weights (keyed by detector name, missing entries weigh 1).
//
// Failed results are replaced by the neutral fallback {0.3, 0} before
// weighting. Detectors reporting zero confidence are excluded from both
// numerator and denominator; if that excludes everyone the composite is the
// neutral fallback itself. Raw scores are weighted undamped; dampening
// happens once at the end, driven by the aggregate confidence.
func Aggregate(results []detectors.Result, weights map[string]float64) Composite {
	comp := Composite{Contributing: make([]detectors.Result, 0, len(results))}

	var scoreSum, confSum, usedWeight float64
	for _, res := range results {
		if res.Failed() {
			comp.Failed++
			res.Score = NeutralScore
			res.Confidence = 0
		}
		comp.Contributing = append(comp.Contributing, res)

		if res.Confidence <= 0 {
			continue
		}
		w := 1.0
		if rw, ok := weights[res.Detector]; ok && rw > 0 {
			w = rw
		}
		scoreSum += res.Score * w
		confSum += res.Confidence * w
		usedWeight += w
	}

	if usedWeight == 0 {
		comp.Score = NeutralScore
		comp.Confidence = 0
		return comp
	}
	comp.Confidence = clamp01(confSum / usedWeight)
	comp.Score = Dampen(scoreSum/usedWeight, comp.Confidence)
	return comp
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
