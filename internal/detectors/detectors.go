// Package detectors defines the pluggable scoring units of the decision engine.
//
// Each detector consumes the transaction event plus the feature snapshot and
// produces a (score, confidence) pair in [0,1]. Detectors are stateless with
// respect to the request — all mutable state lives in the feature store — so
// the orchestrator can fan out to all of them in parallel. A detector fault
// never crosses its boundary: Evaluate wraps every call and converts panics
// into a zero-confidence result.
package detectors

import (
	"context"
	"fmt"

	"github.com/sentrapay/fraud-engine/internal/event"
	"github.com/sentrapay/fraud-engine/internal/features"
)

// Result is one detector's verdict on a transaction.
type Result struct {
	Detector   string         `json:"detector"`
	Score      float64        `json:"score"`
	Confidence float64        `json:"confidence"`
	Evidence   map[string]any `json:"evidence,omitempty"`
	Error      string         `json:"error,omitempty"`

	Err error `json:"-"`
}

// Failed reports whether the detector faulted or timed out.
func (r Result) Failed() bool { return r.Err != nil }

// Detector is the fixed contract every scoring unit implements.
// Evaluate must honor the context deadline; a late result is discarded by the
// orchestrator, not cancelled.
type Detector interface {
	Name() string
	Evaluate(ctx context.Context, ev *event.TransactionEvent, snap *features.Snapshot) Result
}

// Weighted pairs a detector with its static aggregation weight.
type Weighted struct {
	Detector Detector
	Weight   float64
}

// Registry holds the detector roster selected at startup. Detectors are added
// via registration, and the set is fixed once the engine starts serving.
type Registry struct {
	detectors []Weighted
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a detector with the given weight. Non-positive weights fall
// back to 1 so a misconfigured entry still participates rather than silently
// vanishing from the ensemble.
func (r *Registry) Register(d Detector, weight float64) {
	if weight <= 0 {
		weight = 1
	}
	r.detectors = append(r.detectors, Weighted{Detector: d, Weight: weight})
}

// All returns the registered detectors in registration order.
func (r *Registry) All() []Weighted {
	return r.detectors
}

// Len returns the roster size.
func (r *Registry) Len() int { return len(r.detectors) }

// Evaluate runs one detector with panic isolation and range normalization.
// Any internal fault becomes Result{Score: 0, Confidence: 0, Err: set}.
func Evaluate(ctx context.Context, d Detector, ev *event.TransactionEvent, snap *features.Snapshot) (res Result) {
	defer func() {
		if rec := recover(); rec != nil {
			res = failure(d.Name(), fmt.Errorf("detector panic: %v", rec))
		}
	}()

	res = d.Evaluate(ctx, ev, snap)
	res.Detector = d.Name()
	if res.Err != nil {
		return failure(d.Name(), res.Err)
	}
	res.Score = clamp01(res.Score)
	res.Confidence = clamp01(res.Confidence)
	return res
}

func failure(name string, err error) Result {
	return Result{Detector: name, Score: 0, Confidence: 0, Err: err, Error: err.Error()}
}

// Timeout builds the result recorded for a detector whose answer did not
// arrive before the shared deadline.
func Timeout(name string) Result {
	return failure(name, context.DeadlineExceeded)
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
