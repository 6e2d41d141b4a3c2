package ensemble

import (
	"errors"
	"math"
	"testing"

	"github.com/sentrapay/fraud-engine/internal/detectors"
)

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestDampenZeroConfidenceIsNeutral(t *testing.T) {
	for _, raw := range []float64{0, 0.3, 0.5, 1} {
		if got := Dampen(raw, 0); !almostEqual(got, NeutralScore) {
			t.Errorf("Dampen(%.2f, 0) = %.4f, want %.2f", raw, got, NeutralScore)
		}
	}
}

func TestDampenHighConfidencePassesThrough(t *testing.T) {
	for _, conf := range []float64{0.5, 0.7, 1} {
		for _, raw := range []float64{0, 0.25, 0.9, 1} {
			if got := Dampen(raw, conf); !almostEqual(got, raw) {
				t.Errorf("Dampen(%.2f, %.2f) = %.4f, want passthrough", raw, conf, got)
			}
		}
	}
}

func TestDampenLowConfidencePullsTowardNeutral(t *testing.T) {
	// adjusted = 0.3 + (raw - 0.3) * confidence * 2
	cases := []struct {
		raw, conf, want float64
	}{
		{0.9, 0.25, 0.3 + 0.6*0.5},
		{0.9, 0.1, 0.3 + 0.6*0.2},
		{0.0, 0.25, 0.3 - 0.3*0.5},
		{0.3, 0.1, 0.3},
	}
	for _, c := range cases {
		if got := Dampen(c.raw, c.conf); !almostEqual(got, c.want) {
			t.Errorf("Dampen(%.2f, %.2f) = %.4f, want %.4f", c.raw, c.conf, got, c.want)
		}
	}
}

func TestDampenClampsRange(t *testing.T) {
	if got := Dampen(1.5, 1); got != 1 {
		t.Errorf("Dampen(1.5, 1) = %.2f, want clamp to 1", got)
	}
	if got := Dampen(-0.5, 1); got != 0 {
		t.Errorf("Dampen(-0.5, 1) = %.2f, want clamp to 0", got)
	}
}

func TestAggregateWeightedMean(t *testing.T) {
	results := []detectors.Result{
		{Detector: "velocity", Score: 0.8, Confidence: 0.9},
		{Detector: "device", Score: 0.2, Confidence: 0.9},
	}
	weights := map[string]float64{"velocity": 3, "device": 1}

	comp := Aggregate(results, weights)
	want := (0.8*3 + 0.2*1) / 4
	if !almostEqual(comp.Score, want) {
		t.Errorf("Score = %.4f, want %.4f", comp.Score, want)
	}
	if !almostEqual(comp.Confidence, 0.9) {
		t.Errorf("Confidence = %.4f, want 0.9", comp.Confidence)
	}
}

func TestAggregateFailedDetectorBecomesNeutral(t *testing.T) {
	results := []detectors.Result{
		{Detector: "velocity", Score: 0.9, Confidence: 0.9},
		{Detector: "geo", Err: errors.New("timeout")},
	}
	comp := Aggregate(results, nil)

	if comp.Failed != 1 {
		t.Fatalf("Failed = %d, want 1", comp.Failed)
	}
	if len(comp.Contributing) != 2 {
		t.Fatalf("Contributing = %d results, want 2 including the failure", len(comp.Contributing))
	}
	// The failed detector has zero confidence, so only velocity is weighted.
	if !almostEqual(comp.Score, 0.9) {
		t.Errorf("Score = %.4f, want 0.9", comp.Score)
	}
	failed := comp.Contributing[1]
	if !almostEqual(failed.Score, NeutralScore) || failed.Confidence != 0 {
		t.Errorf("failed result = {%.2f, %.2f}, want neutral {0.3, 0}", failed.Score, failed.Confidence)
	}
}

func TestAggregateAllFailed(t *testing.T) {
	results := []detectors.Result{
		{Detector: "velocity", Err: errors.New("panic")},
		{Detector: "geo", Err: errors.New("timeout")},
	}
	comp := Aggregate(results, nil)

	if !comp.AllFailed() {
		t.Fatal("expected AllFailed")
	}
	if !almostEqual(comp.Score, NeutralScore) || comp.Confidence != 0 {
		t.Errorf("composite = {%.4f, %.4f}, want neutral fallback {0.3, 0}", comp.Score, comp.Confidence)
	}
}

func TestAggregateZeroConfidenceExcludedFromDenominator(t *testing.T) {
	results := []detectors.Result{
		{Detector: "velocity", Score: 0.6, Confidence: 0.8},
		{Detector: "behavior", Score: 1.0, Confidence: 0},
	}
	comp := Aggregate(results, nil)
	if !almostEqual(comp.Score, 0.6) {
		t.Errorf("Score = %.4f, want 0.6 with zero-confidence result excluded", comp.Score)
	}
}

func TestAggregateMixedConfidenceSufficientEvidencePassesRawThrough(t *testing.T) {
	// One sure and one unsure detector agreeing on a high score: the
	// aggregate confidence is 0.55, which counts as sufficient evidence, so
	// the raw weighted score must pass through undamped.
	results := []detectors.Result{
		{Detector: "velocity", Score: 0.9, Confidence: 0.9},
		{Detector: "geo", Score: 0.9, Confidence: 0.2},
	}
	comp := Aggregate(results, nil)
	if !almostEqual(comp.Confidence, 0.55) {
		t.Fatalf("Confidence = %.4f, want 0.55", comp.Confidence)
	}
	if !almostEqual(comp.Score, 0.9) {
		t.Errorf("Score = %.4f, want 0.9 undamped at aggregate confidence >= 0.5", comp.Score)
	}
}

func TestAggregateMixedConfidenceDampensCompositeOnce(t *testing.T) {
	// Aggregate confidence 0.4: the composite raw of 0.9 is dampened once
	// with the aggregate confidence, not per detector.
	results := []detectors.Result{
		{Detector: "velocity", Score: 0.9, Confidence: 0.6},
		{Detector: "geo", Score: 0.9, Confidence: 0.2},
	}
	comp := Aggregate(results, nil)
	if !almostEqual(comp.Confidence, 0.4) {
		t.Fatalf("Confidence = %.4f, want 0.4", comp.Confidence)
	}
	want := 0.3 + (0.9-0.3)*0.4*2
	if !almostEqual(comp.Score, want) {
		t.Errorf("Score = %.4f, want %.4f", comp.Score, want)
	}
}

func TestAggregateUncertainHighScoreStaysModerate(t *testing.T) {
	// A degraded snapshot caps confidence at 0.3; even a maximal raw score
	// must not push the composite into BLOCK territory on its own.
	results := []detectors.Result{
		{Detector: "velocity", Score: 1.0, Confidence: 0.3},
	}
	comp := Aggregate(results, nil)
	if comp.Score > 0.75 {
		t.Errorf("Score = %.4f, want dampened below 0.75", comp.Score)
	}
	if comp.Confidence >= 0.5 {
		t.Errorf("Confidence = %.4f, want < 0.5", comp.Confidence)
	}
}

func TestAggregateEmptyRoster(t *testing.T) {
	comp := Aggregate(nil, nil)
	if comp.AllFailed() {
		t.Error("empty roster is not an all-failed round")
	}
	if !almostEqual(comp.Score, NeutralScore) {
		t.Errorf("Score = %.4f, want neutral", comp.Score)
	}
}
