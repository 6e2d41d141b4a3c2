// Package evidence records the full context of every decision for audit,
// chargeback disputes and offline model training.
//
// Recording is asynchronous and at-least-once: the orchestrator enqueues and
// returns, a drain goroutine persists with retries, and a transient store
// outage delays records instead of losing them. When the queue itself
// overflows the oldest record is dropped and counted; evidence loss is
// tolerated only under sustained overload, never silently.
package evidence

import (
	"context"
	"errors"
	"time"

	"github.com/sentrapay/fraud-engine/internal/detectors"
	"github.com/sentrapay/fraud-engine/internal/event"
)

// ErrNotFound is returned when no evidence exists for a transaction.
var ErrNotFound = errors.New("evidence: not found")

// Record is one decision's audit trail.
type Record struct {
	ID              string                 `json:"id"`
	TransactionID   string                 `json:"transaction_id"`
	Event           event.TransactionEvent `json:"event"`
	RiskScore       float64                `json:"risk_score"`
	Confidence      float64                `json:"confidence"`
	Tier            string                 `json:"tier"`
	OverrideReason  string                 `json:"override_reason,omitempty"`
	PolicyVersionID string                 `json:"policy_version_id"`
	Detectors       []detectors.Result     `json:"detectors,omitempty"`
	HealthFlags     []string               `json:"health_flags,omitempty"`
	DegradedReasons []string               `json:"degraded_reasons,omitempty"`
	RecordedAt      time.Time              `json:"recorded_at"`
}

// Sink accepts records for delivery. Append must be idempotent per record ID;
// the recorder retries on transient failure, so a sink may see the same
// record twice.
type Sink interface {
	Append(ctx context.Context, rec *Record) error
}

// Store is a queryable sink backing the decision lookup API.
type Store interface {
	Sink
	// ListByTransaction returns records for one transaction, oldest first.
	ListByTransaction(ctx context.Context, txID string) ([]*Record, error)
}
