package features

import (
	"context"
	"sync"
	"time"

	"github.com/sentrapay/fraud-engine/internal/event"
)

const (
	maxWindowSize = 2000
	seenTxTTL     = WindowDay
)

// attempt records a single observed transaction for sliding-window analysis.
type attempt struct {
	TxID      string
	Amount    float64
	Card      string
	Country   string
	Timestamp time.Time
}

// history holds the slow-moving aggregates for an entity.
type history struct {
	ChargebackRate float64
	PriorReviews   int
	PriorBlocks    int
}

// entityWindow is the per-entity sliding window plus aggregates.
type entityWindow struct {
	mu      sync.Mutex
	entries []attempt
	hist    history
}

// MemoryStore is an in-memory feature store for tests and demo mode.
// Counters are derived from a pruned, capped window of recent attempts.
type MemoryStore struct {
	windows sync.Map // map[string]*entityWindow, key "card:x" / "device:x" / "ip:x" / "account:x"

	seenMu sync.Mutex
	seen   map[string]time.Time // txID -> first seen, for idempotent increments
}

// NewMemoryStore creates a new in-memory feature store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{seen: make(map[string]time.Time)}
}

func (m *MemoryStore) getWindow(key string) *entityWindow {
	v, _ := m.windows.LoadOrStore(key, &entityWindow{})
	return v.(*entityWindow)
}

// GetSnapshot builds a read-consistent snapshot for the given entity keys.
func (m *MemoryStore) GetSnapshot(ctx context.Context, keys event.Keys) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	snap := &Snapshot{Source: "live", TakenAt: time.Now()}
	snap.Card = m.statsFor("card:"+keys.Card, keys.Card != "")
	snap.Device = m.statsFor("device:"+keys.Device, keys.Device != "")
	snap.IP = m.statsFor("ip:"+keys.IP, keys.IP != "")
	snap.Account = m.statsFor("account:"+keys.Account, keys.Account != "")
	return snap, nil
}

func (m *MemoryStore) statsFor(key string, present bool) EntityStats {
	if !present {
		return EntityStats{}
	}
	v, ok := m.windows.Load(key)
	if !ok {
		return EntityStats{}
	}
	w := v.(*entityWindow)

	w.mu.Lock()
	defer w.mu.Unlock()

	now := time.Now()
	stats := EntityStats{
		Seen:           true,
		ChargebackRate: w.hist.ChargebackRate,
		PriorReviews:   w.hist.PriorReviews,
		PriorBlocks:    w.hist.PriorBlocks,
	}

	cards := make(map[string]struct{})
	var total float64
	var count int
	for _, a := range w.entries {
		age := now.Sub(a.Timestamp)
		if age > WindowDay {
			continue
		}
		stats.Attempts.Day++
		total += a.Amount
		count++
		if a.Card != "" {
			cards[a.Card] = struct{}{}
		}
		if age <= WindowHour {
			stats.Attempts.OneHour++
		}
		if age <= Window10Min {
			stats.Attempts.TenMin++
		}
		if age <= WindowMinute {
			stats.Attempts.OneMin++
		}
		if a.Timestamp.After(stats.LastSeenAt) {
			stats.LastSeenAt = a.Timestamp
			if a.Country != "" {
				stats.LastCountry = a.Country
			}
		}
	}
	stats.DistinctCards24h = len(cards)
	if count > 0 {
		stats.AvgAmount24h = total / float64(count)
	}
	if count == 0 {
		// Entity known only through history, no recent attempts.
		stats.Seen = w.hist != (history{})
	}
	return stats
}

// Increment records an attempt against every entity the event touches.
// Idempotent per transaction id.
func (m *MemoryStore) Increment(ctx context.Context, ev *event.TransactionEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !m.markSeen(ev.TransactionID) {
		return nil // retry of an already-counted transaction
	}

	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	a := attempt{
		TxID:      ev.TransactionID,
		Amount:    ev.Amount,
		Card:      ev.CardToken,
		Country:   ev.IPCountry,
		Timestamp: ts,
	}
	keys := ev.Keys()
	for _, k := range entityKeys(keys) {
		w := m.getWindow(k)
		w.mu.Lock()
		w.entries = append(w.entries, a)
		pruneWindow(w)
		w.mu.Unlock()
	}
	return nil
}

// RecordDecision folds a decision outcome into the entity histories.
func (m *MemoryStore) RecordDecision(ctx context.Context, txID string, keys event.Keys, tier string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if tier != "REVIEW" && tier != "BLOCK" {
		return nil
	}
	for _, k := range entityKeys(keys) {
		w := m.getWindow(k)
		w.mu.Lock()
		switch tier {
		case "REVIEW":
			w.hist.PriorReviews++
		case "BLOCK":
			w.hist.PriorBlocks++
		}
		w.mu.Unlock()
	}
	return nil
}

// SetHistory seeds historical aggregates for an entity key such as
// "card:tok_1". Exposed for tests and backfill tooling.
func (m *MemoryStore) SetHistory(entityKey string, chargebackRate float64, priorReviews, priorBlocks int) {
	w := m.getWindow(entityKey)
	w.mu.Lock()
	w.hist = history{
		ChargebackRate: chargebackRate,
		PriorReviews:   priorReviews,
		PriorBlocks:    priorBlocks,
	}
	w.mu.Unlock()
}

// markSeen returns false if the transaction id was already counted.
func (m *MemoryStore) markSeen(txID string) bool {
	m.seenMu.Lock()
	defer m.seenMu.Unlock()

	now := time.Now()
	if first, ok := m.seen[txID]; ok && now.Sub(first) < seenTxTTL {
		return false
	}
	m.seen[txID] = now

	// Opportunistic pruning keeps the map bounded without a background goroutine.
	if len(m.seen) > 4*maxWindowSize {
		cutoff := now.Add(-seenTxTTL)
		for id, t := range m.seen {
			if t.Before(cutoff) {
				delete(m.seen, id)
			}
		}
	}
	return true
}

// pruneWindow removes entries older than 24h and caps the window size.
// Caller holds w.mu.
func pruneWindow(w *entityWindow) {
	cutoff := time.Now().Add(-WindowDay)
	start := 0
	for start < len(w.entries) && w.entries[start].Timestamp.Before(cutoff) {
		start++
	}
	if start > 0 {
		w.entries = w.entries[start:]
	}
	if len(w.entries) > maxWindowSize {
		w.entries = w.entries[len(w.entries)-maxWindowSize:]
	}
}

func entityKeys(keys event.Keys) []string {
	out := make([]string, 0, 4)
	if keys.Card != "" {
		out = append(out, "card:"+keys.Card)
	}
	if keys.Device != "" {
		out = append(out, "device:"+keys.Device)
	}
	if keys.IP != "" {
		out = append(out, "ip:"+keys.IP)
	}
	if keys.Account != "" {
		out = append(out, "account:"+keys.Account)
	}
	return out
}
