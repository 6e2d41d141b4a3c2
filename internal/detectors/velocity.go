package detectors

import (
	"context"

	"github.com/sentrapay/fraud-engine/internal/event"
	"github.com/sentrapay/fraud-engine/internal/features"
)

// VelocityConfig holds the attempt thresholds the velocity detector scores
// against. Zero values are replaced with defaults at construction.
type VelocityConfig struct {
	// CardAttempts10Min is the 10-minute attempt count on a single card at
	// which the detector reports strong card-testing evidence.
	CardAttempts10Min int
	// DeviceAttempts10Min is the equivalent threshold for a single device.
	DeviceAttempts10Min int
	// DistinctCards24h is the number of distinct cards seen on one device or
	// IP in a day before the pattern looks like enumeration.
	DistinctCards24h int
	// MicroAmount is the amount (in major units) under which repeated
	// attempts are treated as probe transactions.
	MicroAmount float64
}

func (c VelocityConfig) withDefaults() VelocityConfig {
	if c.CardAttempts10Min <= 0 {
		c.CardAttempts10Min = 5
	}
	if c.DeviceAttempts10Min <= 0 {
		c.DeviceAttempts10Min = 8
	}
	if c.DistinctCards24h <= 0 {
		c.DistinctCards24h = 3
	}
	if c.MicroAmount <= 0 {
		c.MicroAmount = 2.0
	}
	return c
}

// Velocity flags card-testing and enumeration patterns: bursts of attempts on
// one card or device, many distinct cards funneled through one device or IP,
// and streams of micro-amount probes.
type Velocity struct {
	cfg VelocityConfig
}

// NewVelocity builds the velocity detector.
func NewVelocity(cfg VelocityConfig) *Velocity {
	return &Velocity{cfg: cfg.withDefaults()}
}

func (v *Velocity) Name() string { return "velocity" }

func (v *Velocity) Evaluate(_ context.Context, ev *event.TransactionEvent, snap *features.Snapshot) Result {
	score := 0.0
	evidence := map[string]any{}

	if n := snap.Card.Attempts.TenMin; n >= v.cfg.CardAttempts10Min {
		score += 0.8 + 0.05*float64(n-v.cfg.CardAttempts10Min)
		evidence["card_attempts_10m"] = n
	} else if n >= v.cfg.CardAttempts10Min/2 && n > 1 {
		score += 0.3
		evidence["card_attempts_10m"] = n
	}

	if n := snap.Device.Attempts.TenMin; n >= v.cfg.DeviceAttempts10Min {
		score += 0.5
		evidence["device_attempts_10m"] = n
	}

	distinct := snap.Device.DistinctCards24h
	if snap.IP.DistinctCards24h > distinct {
		distinct = snap.IP.DistinctCards24h
	}
	if distinct >= v.cfg.DistinctCards24h {
		score += 0.4
		evidence["distinct_cards_24h"] = distinct
	}

	if ev.Amount > 0 && ev.Amount < v.cfg.MicroAmount && snap.Card.Attempts.OneHour > 1 {
		score += 0.25
		evidence["micro_amount"] = ev.Amount
	}

	return Result{
		Score:      score,
		Confidence: velocityConfidence(ev, snap),
		Evidence:   evidence,
	}
}

func velocityConfidence(ev *event.TransactionEvent, snap *features.Snapshot) float64 {
	if snap.Degraded {
		return 0.3
	}
	if ev.CardToken == "" && ev.DeviceID == "" {
		// No stable entity to count against.
		return 0.4
	}
	if !snap.Card.Seen && !snap.Device.Seen && !snap.IP.Seen {
		// First contact; counters are trivially zero.
		return 0.6
	}
	return 0.9
}
