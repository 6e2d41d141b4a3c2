// Package features implements the entity feature store.
//
// The store keeps sliding-window velocity counters and historical aggregates
// per entity (card, device, IP, account). Detectors never touch the store
// directly: the orchestrator takes one read-consistent Snapshot per decision
// and hands it to every detector. Writes are fire-and-forget and idempotent
// per transaction id so at-least-once delivery from the decision path is safe.
package features

import (
	"context"
	"errors"
	"time"

	"github.com/sentrapay/fraud-engine/internal/event"
)

// Window identifiers used by counters and velocity rules.
const (
	WindowMinute = time.Minute
	Window10Min  = 10 * time.Minute
	WindowHour   = time.Hour
	WindowDay    = 24 * time.Hour
)

// ErrUnavailable is returned when the backing store cannot be reached.
var ErrUnavailable = errors.New("features: store unavailable")

// WindowCounts holds attempt counts over the standard sliding windows.
type WindowCounts struct {
	OneMin  int `json:"1m"`
	TenMin  int `json:"10m"`
	OneHour int `json:"1h"`
	Day     int `json:"24h"`
}

// EntityStats is the per-entity slice of a snapshot.
type EntityStats struct {
	Seen             bool         `json:"seen"`
	Attempts         WindowCounts `json:"attempts"`
	DistinctCards24h int          `json:"distinctCards24h"` // meaningful for device and IP entities
	AvgAmount24h     float64      `json:"avgAmount24h"`
	LastCountry      string       `json:"lastCountry,omitempty"`
	LastSeenAt       time.Time    `json:"lastSeenAt"`
	ChargebackRate   float64      `json:"chargebackRate"`
	PriorReviews     int          `json:"priorReviews"`
	PriorBlocks      int          `json:"priorBlocks"`
}

// Snapshot is a read-consistent view of every entity a transaction touches,
// taken once at the start of a decision.
type Snapshot struct {
	Card    EntityStats `json:"card"`
	Device  EntityStats `json:"device"`
	IP      EntityStats `json:"ip"`
	Account EntityStats `json:"account"`

	// Degraded is set when this snapshot came from a cache or is zero-valued
	// because the backing store timed out or failed.
	Degraded bool      `json:"degraded"`
	Source   string    `json:"source"` // "live", "cached", "zero"
	TakenAt  time.Time `json:"takenAt"`
}

// ZeroSnapshot returns an empty snapshot flagged degraded. Used when the
// store is unavailable and nothing is cached for the entity.
func ZeroSnapshot() *Snapshot {
	return &Snapshot{Degraded: true, Source: "zero", TakenAt: time.Now()}
}

// Store is the feature store contract.
//
// GetSnapshot must respect the context deadline; callers give it a
// sub-deadline strictly smaller than the decision budget. Increment and
// RecordDecision are eventually consistent and must be idempotent per
// transaction id — the orchestrator calls them asynchronously and may retry.
type Store interface {
	GetSnapshot(ctx context.Context, keys event.Keys) (*Snapshot, error)
	Increment(ctx context.Context, ev *event.TransactionEvent) error
	RecordDecision(ctx context.Context, txID string, keys event.Keys, tier string) error
}
