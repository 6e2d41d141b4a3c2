package detectors

import (
	"context"

	"github.com/sentrapay/fraud-engine/internal/event"
	"github.com/sentrapay/fraud-engine/internal/features"
)

// Behavior scores longer-horizon account history: chargeback rates, prior
// REVIEW and BLOCK outcomes, and amounts far outside the account's usual
// spend.
type Behavior struct{}

// NewBehavior builds the behavioral-history detector.
func NewBehavior() *Behavior { return &Behavior{} }

func (b *Behavior) Name() string { return "behavior" }

func (b *Behavior) Evaluate(_ context.Context, ev *event.TransactionEvent, snap *features.Snapshot) Result {
	score := 0.0
	evidence := map[string]any{}

	cb := snap.Account.ChargebackRate
	if snap.Card.ChargebackRate > cb {
		cb = snap.Card.ChargebackRate
	}
	switch {
	case cb >= 0.05:
		score += 0.7
		evidence["chargeback_rate"] = cb
	case cb >= 0.01:
		score += 0.35
		evidence["chargeback_rate"] = cb
	}

	blocks := snap.Account.PriorBlocks + snap.Card.PriorBlocks + snap.Device.PriorBlocks
	if blocks > 0 {
		score += 0.3 * float64(min(blocks, 3))
		evidence["prior_blocks"] = blocks
	}
	reviews := snap.Account.PriorReviews + snap.Card.PriorReviews
	if reviews >= 2 {
		score += 0.2
		evidence["prior_reviews"] = reviews
	}

	if avg := snap.Account.AvgAmount24h; avg > 0 && ev.Amount > 0 {
		ratio := ev.Amount / avg
		switch {
		case ratio >= 10:
			score += 0.3
			evidence["amount_ratio"] = ratio
		case ratio >= 5:
			score += 0.2
			evidence["amount_ratio"] = ratio
		case ratio >= 3:
			score += 0.1
			evidence["amount_ratio"] = ratio
		}
	}

	conf := 0.85
	switch {
	case snap.Degraded:
		conf = 0.3
	case !snap.Account.Seen && !snap.Card.Seen:
		// No history to judge against.
		conf = 0.4
	}

	return Result{Score: score, Confidence: conf, Evidence: evidence}
}
