// Package health tracks dependency health for degraded-mode decisions.
//
// The Monitor keeps a rolling window of latency/error observations per
// dependency (feature store, evidence store, policy store). The orchestrator
// consults it to decide whether to trust live features and tags evidence
// records with the health flags active at decision time. A separate checker
// registry backs the /health endpoint with on-demand probes.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/sentrapay/fraud-engine/internal/metrics"
)

// Dependency names used across the engine.
const (
	DepFeatureStore  = "feature_store"
	DepEvidenceStore = "evidence_store"
	DepPolicyStore   = "policy_store"
)

const (
	windowSize     = 256
	windowDuration = time.Minute
	// A dependency is unhealthy once half its recent calls fail.
	unhealthyErrorRate = 0.5
)

type observation struct {
	at      time.Time
	latency time.Duration
	failed  bool
}

type depWindow struct {
	obs  [windowSize]observation
	next int
	len  int
}

// Status describes one dependency's rolling health.
type Status struct {
	Name         string  `json:"name"`
	Healthy      bool    `json:"healthy"`
	ErrorRate    float64 `json:"errorRate"`
	AvgLatencyMs float64 `json:"avgLatencyMs"`
	Observations int     `json:"observations"`
}

// Monitor aggregates rolling per-dependency health.
type Monitor struct {
	mu   sync.Mutex
	deps map[string]*depWindow
}

// NewMonitor creates an empty monitor. Dependencies appear on first Observe.
func NewMonitor() *Monitor {
	return &Monitor{deps: make(map[string]*depWindow)}
}

// Observe records one call against a dependency.
func (m *Monitor) Observe(dep string, latency time.Duration, err error) {
	m.mu.Lock()
	w, ok := m.deps[dep]
	if !ok {
		w = &depWindow{}
		m.deps[dep] = w
	}
	w.obs[w.next] = observation{at: time.Now(), latency: latency, failed: err != nil}
	w.next = (w.next + 1) % windowSize
	if w.len < windowSize {
		w.len++
	}
	s := statusLocked(dep, w)
	m.mu.Unlock()

	gauge := 0.0
	if s.Healthy {
		gauge = 1.0
	}
	metrics.DependencyHealthy.WithLabelValues(dep).Set(gauge)
}

// Healthy reports whether a dependency is currently considered healthy.
// Unknown dependencies are healthy — absence of evidence is not failure.
func (m *Monitor) Healthy(dep string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.deps[dep]
	if !ok {
		return true
	}
	return statusLocked(dep, w).Healthy
}

// Snapshot returns the rolling status of every observed dependency.
func (m *Monitor) Snapshot() map[string]Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]Status, len(m.deps))
	for dep, w := range m.deps {
		out[dep] = statusLocked(dep, w)
	}
	return out
}

// Flags returns the set of currently unhealthy dependencies, recorded into
// evidence so a decision can be audited against the conditions it was made
// under.
func (m *Monitor) Flags() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var flags []string
	for dep, w := range m.deps {
		if !statusLocked(dep, w).Healthy {
			flags = append(flags, dep)
		}
	}
	return flags
}

// statusLocked computes the rolling status. Caller holds m.mu.
func statusLocked(dep string, w *depWindow) Status {
	cutoff := time.Now().Add(-windowDuration)
	var failed, total int
	var latencySum time.Duration
	for i := 0; i < w.len; i++ {
		o := w.obs[i]
		if o.at.Before(cutoff) {
			continue
		}
		total++
		latencySum += o.latency
		if o.failed {
			failed++
		}
	}

	s := Status{Name: dep, Healthy: true, Observations: total}
	if total == 0 {
		return s
	}
	s.ErrorRate = float64(failed) / float64(total)
	s.AvgLatencyMs = float64(latencySum.Milliseconds()) / float64(total)
	s.Healthy = s.ErrorRate < unhealthyErrorRate
	return s
}

// -----------------------------------------------------------------------------
// Checker registry (on-demand probes for /health)
// -----------------------------------------------------------------------------

// CheckResult is the outcome of a single probe.
type CheckResult struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// Checker is a function that probes the health of a subsystem.
type Checker func(ctx context.Context) CheckResult

// Registry holds named health checkers and runs them on demand.
type Registry struct {
	mu       sync.RWMutex
	checkers []namedChecker
}

type namedChecker struct {
	name  string
	check Checker
}

// NewRegistry creates a new health check registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a named health checker.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	r.checkers = append(r.checkers, namedChecker{name: name, check: check})
	r.mu.Unlock()
}

// CheckAll runs all registered checkers and returns the aggregate health
// status plus individual subsystem results.
func (r *Registry) CheckAll(ctx context.Context) (healthy bool, results []CheckResult) {
	r.mu.RLock()
	checkers := make([]namedChecker, len(r.checkers))
	copy(checkers, r.checkers)
	r.mu.RUnlock()

	healthy = true
	results = make([]CheckResult, len(checkers))

	for i, nc := range checkers {
		results[i] = nc.check(ctx)
		if !results[i].Healthy {
			healthy = false
		}
	}

	return healthy, results
}
