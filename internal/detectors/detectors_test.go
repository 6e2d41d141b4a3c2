package detectors

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sentrapay/fraud-engine/internal/event"
	"github.com/sentrapay/fraud-engine/internal/features"
)

func baseEvent() *event.TransactionEvent {
	return &event.TransactionEvent{
		TransactionID: "tx-1",
		CardToken:     "card-1",
		DeviceID:      "dev-1",
		IP:            "198.51.100.7",
		AccountID:     "acct-1",
		Amount:        50,
		Currency:      "USD",
		Type:          event.TypePurchase,
		Timestamp:     time.Now(),
		IPCountry:     "US",
		CardCountry:   "US",
	}
}

func liveSnapshot() *features.Snapshot {
	s := features.ZeroSnapshot()
	s.Source = "live"
	s.Degraded = false
	s.Card.Seen = true
	s.Device.Seen = true
	s.Account.Seen = true
	return s
}

func TestVelocityCardTestingBurst(t *testing.T) {
	ev := baseEvent()
	ev.Amount = 1
	snap := liveSnapshot()
	snap.Card.Attempts.TenMin = 6
	snap.Card.Attempts.OneHour = 6
	snap.Device.DistinctCards24h = 4

	res := Evaluate(context.Background(), NewVelocity(VelocityConfig{}), ev, snap)
	if res.Score < 0.8 {
		t.Errorf("score = %.2f, want >= 0.8 for a card-testing burst", res.Score)
	}
	if res.Confidence < 0.8 {
		t.Errorf("confidence = %.2f, want >= 0.8 with a live snapshot", res.Confidence)
	}
	if _, ok := res.Evidence["card_attempts_10m"]; !ok {
		t.Error("expected card_attempts_10m in evidence")
	}
}

func TestVelocityQuietCard(t *testing.T) {
	res := Evaluate(context.Background(), NewVelocity(VelocityConfig{}), baseEvent(), liveSnapshot())
	if res.Score >= 0.2 {
		t.Errorf("score = %.2f, want < 0.2 for a quiet card", res.Score)
	}
}

func TestVelocityDegradedSnapshotCapsConfidence(t *testing.T) {
	snap := features.ZeroSnapshot()
	res := Evaluate(context.Background(), NewVelocity(VelocityConfig{}), baseEvent(), snap)
	if res.Confidence > 0.3 {
		t.Errorf("confidence = %.2f, want <= 0.3 on a degraded snapshot", res.Confidence)
	}
}

func TestGeoCountryMismatch(t *testing.T) {
	ev := baseEvent()
	ev.IPCountry = "NG"
	ev.CardCountry = "US"

	res := Evaluate(context.Background(), NewGeo(GeoConfig{}), ev, liveSnapshot())
	if res.Score < 0.4 {
		t.Errorf("score = %.2f, want >= 0.4 for a country mismatch", res.Score)
	}
}

func TestGeoImpossibleTravel(t *testing.T) {
	ev := baseEvent()
	snap := liveSnapshot()
	snap.Account.LastCountry = "JP"
	snap.Account.LastSeenAt = ev.Timestamp.Add(-30 * time.Minute)

	res := Evaluate(context.Background(), NewGeo(GeoConfig{}), ev, snap)
	if _, ok := res.Evidence["impossible_travel"]; !ok {
		t.Fatalf("expected impossible_travel evidence, got %v", res.Evidence)
	}

	// Same jump a week later is ordinary travel.
	snap.Account.LastSeenAt = ev.Timestamp.Add(-7 * 24 * time.Hour)
	res = Evaluate(context.Background(), NewGeo(GeoConfig{}), ev, snap)
	if _, ok := res.Evidence["impossible_travel"]; ok {
		t.Error("did not expect impossible_travel outside the window")
	}
}

func TestGeoNoCountryData(t *testing.T) {
	ev := baseEvent()
	ev.IPCountry = ""
	ev.CardCountry = ""

	res := Evaluate(context.Background(), NewGeo(GeoConfig{}), ev, liveSnapshot())
	if res.Confidence > 0.3 {
		t.Errorf("confidence = %.2f, want low with no country data", res.Confidence)
	}
}

func TestDeviceEmulator(t *testing.T) {
	ev := baseEvent()
	ev.Flags.Emulator = true

	res := Evaluate(context.Background(), NewDevice(), ev, liveSnapshot())
	if res.Score < 0.9 {
		t.Errorf("score = %.2f, want >= 0.9 for an emulator", res.Score)
	}
	if res.Confidence < 0.9 {
		t.Errorf("confidence = %.2f, want high for SDK flags", res.Confidence)
	}
}

func TestDeviceCleanKeepsLowScore(t *testing.T) {
	res := Evaluate(context.Background(), NewDevice(), baseEvent(), liveSnapshot())
	if res.Score != 0 {
		t.Errorf("score = %.2f, want 0 with no flags", res.Score)
	}
}

func TestBehaviorChargebackHistory(t *testing.T) {
	snap := liveSnapshot()
	snap.Account.ChargebackRate = 0.08
	snap.Account.PriorBlocks = 1

	res := Evaluate(context.Background(), NewBehavior(), baseEvent(), snap)
	if res.Score < 0.8 {
		t.Errorf("score = %.2f, want >= 0.8 with heavy chargeback history", res.Score)
	}
}

func TestBehaviorAmountAnomaly(t *testing.T) {
	ev := baseEvent()
	ev.Amount = 900
	snap := liveSnapshot()
	snap.Account.AvgAmount24h = 45

	res := Evaluate(context.Background(), NewBehavior(), ev, snap)
	if _, ok := res.Evidence["amount_ratio"]; !ok {
		t.Fatalf("expected amount_ratio evidence, got %v", res.Evidence)
	}
}

type panicDetector struct{}

func (panicDetector) Name() string { return "panicky" }
func (panicDetector) Evaluate(context.Context, *event.TransactionEvent, *features.Snapshot) Result {
	panic("boom")
}

func TestEvaluateIsolatesPanics(t *testing.T) {
	res := Evaluate(context.Background(), panicDetector{}, baseEvent(), liveSnapshot())
	if !res.Failed() {
		t.Fatal("expected a failed result from a panicking detector")
	}
	if res.Score != 0 || res.Confidence != 0 {
		t.Errorf("got score=%.2f confidence=%.2f, want zeroes", res.Score, res.Confidence)
	}
}

type errDetector struct{}

func (errDetector) Name() string { return "erroring" }
func (errDetector) Evaluate(context.Context, *event.TransactionEvent, *features.Snapshot) Result {
	return Result{Err: errors.New("backend unavailable")}
}

func TestEvaluateNormalizesErrorResults(t *testing.T) {
	res := Evaluate(context.Background(), errDetector{}, baseEvent(), liveSnapshot())
	if !res.Failed() {
		t.Fatal("expected Failed()")
	}
	if res.Error == "" {
		t.Error("expected Error string for evidence records")
	}
}

func TestRegistryClampAndWeights(t *testing.T) {
	r := DefaultRegistry(map[string]float64{"velocity": 0.5})
	if r.Len() != 4 {
		t.Fatalf("roster size = %d, want 4", r.Len())
	}
	for _, w := range r.All() {
		if w.Detector.Name() == "velocity" && w.Weight != 0.5 {
			t.Errorf("velocity weight = %.2f, want override 0.5", w.Weight)
		}
		if w.Weight <= 0 {
			t.Errorf("%s weight = %.2f, want > 0", w.Detector.Name(), w.Weight)
		}
	}
}
