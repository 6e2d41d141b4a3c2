// Package engine orchestrates a single fraud decision: feature fetch,
// detector fan-out, ensemble aggregation, policy application and evidence
// capture, all inside a hard latency budget.
//
// The orchestrator degrades instead of failing. A dead feature store, a
// panicking detector or an exhausted budget each narrow the inputs and bias
// the outcome toward the customer, but /decide still answers. The only hard
// error is a missing policy, which cannot happen after bootstrap.
package engine

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"

	"github.com/sentrapay/fraud-engine/internal/detectors"
	"github.com/sentrapay/fraud-engine/internal/ensemble"
	"github.com/sentrapay/fraud-engine/internal/event"
	"github.com/sentrapay/fraud-engine/internal/evidence"
	"github.com/sentrapay/fraud-engine/internal/features"
	"github.com/sentrapay/fraud-engine/internal/health"
	"github.com/sentrapay/fraud-engine/internal/idgen"
	"github.com/sentrapay/fraud-engine/internal/logging"
	"github.com/sentrapay/fraud-engine/internal/metrics"
	"github.com/sentrapay/fraud-engine/internal/policy"
	"github.com/sentrapay/fraud-engine/internal/traces"
)

// Degraded-mode reasons attached to decisions and evidence.
const (
	ReasonFeatureStore     = "feature_store"
	ReasonPartialResults   = "partial_results"
	ReasonAllDetectorsDown = "all_detectors_failed"
	ReasonBudgetExceeded   = "budget_exceeded"
	ReasonCallerCancelled  = "caller_cancelled"
)

// ErrNoPolicy is returned when no policy version is active.
var ErrNoPolicy = errors.New("engine: no active policy version")

// Decision is the engine's answer for one transaction.
type Decision struct {
	ID              string    `json:"id"`
	TransactionID   string    `json:"transaction_id"`
	Tier            string    `json:"tier"`
	RiskScore       float64   `json:"risk_score"`
	Confidence      float64   `json:"confidence"`
	PolicyVersionID string    `json:"policy_version_id"`
	OverrideReason  string    `json:"override_reason,omitempty"`
	Signals         []Signal  `json:"signals"`
	Degraded        bool      `json:"degraded"`
	DegradedReasons []string  `json:"degraded_reasons,omitempty"`
	ElapsedMs       float64   `json:"elapsed_ms"`
	Timestamp       time.Time `json:"timestamp"`
}

// Signal summarizes one detector's contribution. The full evidence map stays
// in the evidence record; the response carries only what callers route on.
type Signal struct {
	Detector   string  `json:"detector"`
	Score      float64 `json:"score"`
	Confidence float64 `json:"confidence"`
	Failed     bool    `json:"failed,omitempty"`
}

// Options configures the orchestrator.
type Options struct {
	Features features.Store
	Registry *detectors.Registry
	Policy   *policy.Engine
	Recorder *evidence.Recorder
	Monitor  *health.Monitor

	// Budget is the end-to-end deadline for one decision.
	Budget time.Duration
	// DetectorTimeout is the shared deadline for the detector fan-out. It is
	// clipped to whatever remains of the budget.
	DetectorTimeout time.Duration
}

// Orchestrator runs the decision pipeline.
type Orchestrator struct {
	features features.Store
	registry *detectors.Registry
	policy   *policy.Engine
	recorder *evidence.Recorder
	monitor  *health.Monitor

	budget          time.Duration
	detectorTimeout time.Duration
}

// New creates an orchestrator.
func New(opts Options) *Orchestrator {
	return &Orchestrator{
		features:        opts.Features,
		registry:        opts.Registry,
		policy:          opts.Policy,
		recorder:        opts.Recorder,
		monitor:         opts.Monitor,
		budget:          opts.Budget,
		detectorTimeout: opts.DetectorTimeout,
	}
}

// Decide evaluates one transaction. It always returns a decision unless no
// policy is active; every internal failure mode is folded into the decision
// as a degraded reason instead.
func (o *Orchestrator) Decide(ctx context.Context, ev *event.TransactionEvent) (*Decision, error) {
	start := time.Now()
	ctx, span := traces.StartSpan(ctx, "engine.Decide", traces.TransactionID(ev.TransactionID))
	defer span.End()

	active := o.policy.Active()
	if active == nil {
		return nil, ErrNoPolicy
	}

	timer := prometheus.NewTimer(metrics.DecisionDuration)
	defer timer.ObserveDuration()

	bctx, cancel := context.WithTimeout(ctx, o.budget)
	defer cancel()

	// Hard overrides fire before any scoring so they hold even when every
	// downstream dependency is dark.
	if tier, reason, ok := active.Override(ev); ok {
		d := o.finish(ctx, ev, active, &Decision{
			TransactionID:  ev.TransactionID,
			Tier:           tier,
			RiskScore:      1,
			Confidence:     1,
			OverrideReason: reason,
		}, nil, start)
		return d, nil
	}

	snap, _ := o.features.GetSnapshot(bctx, ev.Keys())
	if snap == nil {
		snap = features.ZeroSnapshot()
	}

	var reasons []string
	if snap.Degraded {
		reasons = append(reasons, ReasonFeatureStore)
	}

	results, fanoutReasons := o.fanOut(bctx, ctx, ev, snap)
	reasons = append(reasons, fanoutReasons...)

	comp := ensemble.Aggregate(results, o.effectiveWeights(active))

	tier := active.TierFor(comp.Score)
	if floor, reason, ok := active.VelocityFloor(snap); ok {
		tier = policy.MaxTier(tier, floor)
		span.SetAttributes(traces.Detector("velocity_rule:" + reason))
	}
	if comp.AllFailed() {
		// The neutral composite still goes through the threshold mapping; a
		// policy with a friction threshold at or below neutral gets FRICTION,
		// not a hardcoded ALLOW.
		reasons = appendReason(reasons, ReasonAllDetectorsDown)
	}
	if comp.Confidence < 0.5 {
		// Uncertain rounds never escalate past FRICTION; wrongly blocking a
		// customer costs more than letting one risky transaction through.
		tier = policy.CapTier(tier, policy.TierFriction)
	}

	d := &Decision{
		TransactionID:   ev.TransactionID,
		Tier:            tier,
		RiskScore:       comp.Score,
		Confidence:      comp.Confidence,
		DegradedReasons: reasons,
	}
	return o.finish(ctx, ev, active, d, comp.Contributing, start), nil
}

// fanOut runs every registered detector in parallel under a shared deadline.
// It returns one result per detector: real answers for those that finished,
// timeout stand-ins for those that did not. Stragglers are drained in the
// background and counted, never joined.
func (o *Orchestrator) fanOut(bctx, callerCtx context.Context, ev *event.TransactionEvent, snap *features.Snapshot) ([]detectors.Result, []string) {
	roster := o.registry.All()
	n := len(roster)
	if n == 0 {
		return nil, nil
	}

	dctx, cancel := context.WithTimeout(bctx, o.detectorTimeout)
	defer cancel()

	resCh := make(chan detectors.Result, n)
	for _, w := range roster {
		go func(d detectors.Detector) {
			resCh <- detectors.Evaluate(dctx, d, ev, snap)
		}(w.Detector)
	}

	done := make(map[string]detectors.Result, n)
	var cancelled, deadlineHit bool

collect:
	for len(done) < n {
		select {
		case res := <-resCh:
			done[res.Detector] = res
			outcome := "ok"
			if res.Failed() {
				outcome = "error"
			}
			metrics.DetectorResultsTotal.WithLabelValues(res.Detector, outcome).Inc()
		case <-dctx.Done():
			deadlineHit = true
			break collect
		case <-callerCtx.Done():
			cancelled = true
			break collect
		}
	}

	results := make([]detectors.Result, 0, n)
	missing := 0
	for _, w := range roster {
		name := w.Detector.Name()
		if res, ok := done[name]; ok {
			results = append(results, res)
			continue
		}
		missing++
		metrics.DetectorResultsTotal.WithLabelValues(name, "timeout").Inc()
		results = append(results, detectors.Timeout(name))
	}

	if missing > 0 {
		// Discard stragglers off the hot path so their goroutines do not
		// leak; their answers arrived too late to matter.
		go func(expect int) {
			for i := 0; i < expect; i++ {
				res := <-resCh
				metrics.DetectorResultsTotal.WithLabelValues(res.Detector, "late").Inc()
			}
		}(missing)
	}

	var reasons []string
	if cancelled {
		reasons = append(reasons, ReasonCallerCancelled)
	} else if deadlineHit && bctx.Err() != nil {
		reasons = append(reasons, ReasonBudgetExceeded)
	}

	failed := 0
	for _, res := range results {
		if res.Failed() {
			failed++
		}
	}
	if failed > 0 && failed < n {
		reasons = append(reasons, ReasonPartialResults)
	}
	return results, reasons
}

// effectiveWeights merges the static roster weights with the active policy's
// per-detector overrides.
func (o *Orchestrator) effectiveWeights(active *policy.Version) map[string]float64 {
	weights := make(map[string]float64, o.registry.Len())
	for _, w := range o.registry.All() {
		weights[w.Detector.Name()] = w.Weight
	}
	for name, w := range active.Weights() {
		weights[name] = w
	}
	return weights
}

// finish stamps the decision, records metrics, enqueues evidence and kicks
// off the asynchronous feature updates.
func (o *Orchestrator) finish(ctx context.Context, ev *event.TransactionEvent, active *policy.Version, d *Decision, contributing []detectors.Result, start time.Time) *Decision {
	d.ID = idgen.WithPrefix("dec_")
	d.PolicyVersionID = active.ID
	d.Signals = make([]Signal, 0, len(contributing))
	for _, res := range contributing {
		d.Signals = append(d.Signals, Signal{
			Detector:   res.Detector,
			Score:      res.Score,
			Confidence: res.Confidence,
			Failed:     res.Failed(),
		})
	}
	d.Degraded = len(d.DegradedReasons) > 0
	d.Timestamp = time.Now().UTC()
	d.ElapsedMs = float64(time.Since(start).Microseconds()) / 1000

	trace.SpanFromContext(ctx).SetAttributes(
		traces.Tier(d.Tier),
		traces.PolicyVersion(d.PolicyVersionID),
		traces.Degraded(d.Degraded),
	)

	metrics.DecisionsTotal.WithLabelValues(d.Tier).Inc()
	for _, reason := range d.DegradedReasons {
		metrics.DegradedDecisionsTotal.WithLabelValues(reason).Inc()
	}

	o.recorder.Enqueue(&evidence.Record{
		TransactionID:   ev.TransactionID,
		Event:           *ev,
		RiskScore:       d.RiskScore,
		Confidence:      d.Confidence,
		Tier:            d.Tier,
		OverrideReason:  d.OverrideReason,
		PolicyVersionID: active.ID,
		Detectors:       contributing,
		HealthFlags:     o.monitor.Flags(),
		DegradedReasons: d.DegradedReasons,
	})

	// Feature updates happen off the request path; the store dedupes by
	// transaction id, so a retried request is harmless.
	go o.updateFeatures(context.WithoutCancel(ctx), ev, d.Tier)

	logging.L(ctx).Info("decision",
		"transaction", ev.TransactionID,
		"tier", d.Tier,
		"score", d.RiskScore,
		"confidence", d.Confidence,
		"policy_version", d.PolicyVersionID,
		"degraded", d.Degraded,
		"elapsed_ms", d.ElapsedMs,
	)
	return d
}

func (o *Orchestrator) updateFeatures(ctx context.Context, ev *event.TransactionEvent, tier string) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := o.features.Increment(ctx, ev); err != nil && !errors.Is(err, features.ErrUnavailable) {
		logging.L(ctx).Warn("feature increment failed", "transaction", ev.TransactionID, "error", err)
	}
	if err := o.features.RecordDecision(ctx, ev.TransactionID, ev.Keys(), tier); err != nil && !errors.Is(err, features.ErrUnavailable) {
		logging.L(ctx).Warn("feature decision update failed", "transaction", ev.TransactionID, "error", err)
	}
}

func appendReason(reasons []string, reason string) []string {
	for _, r := range reasons {
		if r == reason {
			return reasons
		}
	}
	return append(reasons, reason)
}
