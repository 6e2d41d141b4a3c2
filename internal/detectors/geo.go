package detectors

import (
	"context"
	"time"

	"github.com/sentrapay/fraud-engine/internal/event"
	"github.com/sentrapay/fraud-engine/internal/features"
)

// defaultHighRiskCountries is the starting origin list; operators extend it
// through the detector config.
var defaultHighRiskCountries = []string{"KP", "IR", "SY", "CU"}

// GeoConfig tunes the geolocation detector.
type GeoConfig struct {
	// HighRiskCountries is the ISO-3166 alpha-2 list of origins scored as
	// elevated risk on their own.
	HighRiskCountries []string
	// TravelWindow bounds how recently the account must have been seen in a
	// different country for the jump to count as impossible travel.
	TravelWindow time.Duration
}

func (c GeoConfig) withDefaults() GeoConfig {
	if len(c.HighRiskCountries) == 0 {
		c.HighRiskCountries = defaultHighRiskCountries
	}
	if c.TravelWindow <= 0 {
		c.TravelWindow = 6 * time.Hour
	}
	return c
}

// Geo scores geographic inconsistencies: IP country diverging from the card
// issuing country, traffic from high-risk origins, and account activity
// jumping countries faster than a person can travel.
type Geo struct {
	highRisk map[string]bool
	window   time.Duration
}

// NewGeo builds the geolocation detector.
func NewGeo(cfg GeoConfig) *Geo {
	cfg = cfg.withDefaults()
	hr := make(map[string]bool, len(cfg.HighRiskCountries))
	for _, c := range cfg.HighRiskCountries {
		hr[c] = true
	}
	return &Geo{highRisk: hr, window: cfg.TravelWindow}
}

func (g *Geo) Name() string { return "geo" }

func (g *Geo) Evaluate(_ context.Context, ev *event.TransactionEvent, snap *features.Snapshot) Result {
	if ev.IPCountry == "" && ev.CardCountry == "" {
		return Result{Score: 0, Confidence: 0.2}
	}

	score := 0.0
	evidence := map[string]any{}

	if ev.IPCountry != "" && ev.CardCountry != "" && ev.IPCountry != ev.CardCountry {
		score += 0.5
		evidence["country_mismatch"] = ev.IPCountry + "/" + ev.CardCountry
	}
	if g.highRisk[ev.IPCountry] {
		score += 0.35
		evidence["high_risk_origin"] = ev.IPCountry
	}

	if last := snap.Account.LastCountry; last != "" && ev.IPCountry != "" && last != ev.IPCountry {
		if !snap.Account.LastSeenAt.IsZero() && ev.Timestamp.Sub(snap.Account.LastSeenAt) < g.window {
			score += 0.45
			evidence["impossible_travel"] = last + "->" + ev.IPCountry
		}
	}

	conf := 0.85
	if snap.Degraded {
		// Travel evidence depends on account history we could not read.
		conf = 0.3
	} else if ev.IPCountry == "" || ev.CardCountry == "" {
		conf = 0.5
	}

	return Result{Score: score, Confidence: conf, Evidence: evidence}
}
