package evidence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sentrapay/fraud-engine/internal/event"
)

func testRecord(txID string) *Record {
	return &Record{
		TransactionID:   txID,
		Event:           event.TransactionEvent{TransactionID: txID, CardToken: "card-1"},
		RiskScore:       0.42,
		Tier:            "FRICTION",
		PolicyVersionID: "pv_test",
	}
}

func TestMemoryStoreDeduplicatesReplays(t *testing.T) {
	store := NewMemoryStore()
	rec := testRecord("tx-1")
	rec.ID = "ev_fixed"

	for i := 0; i < 3; i++ {
		if err := store.Append(context.Background(), rec); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	recs, err := store.ListByTransaction(context.Background(), "tx-1")
	if err != nil {
		t.Fatalf("ListByTransaction: %v", err)
	}
	if len(recs) != 1 {
		t.Errorf("got %d records after replays, want 1", len(recs))
	}
}

func TestMemoryStoreNotFound(t *testing.T) {
	store := NewMemoryStore()
	if _, err := store.ListByTransaction(context.Background(), "tx-none"); err != ErrNotFound {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

// flakyStore fails the first failures calls to Append, then recovers.
type flakyStore struct {
	mu       sync.Mutex
	failures int
	calls    int
	inner    *MemoryStore
}

func (f *flakyStore) Append(ctx context.Context, rec *Record) error {
	f.mu.Lock()
	f.calls++
	fail := f.calls <= f.failures
	f.mu.Unlock()
	if fail {
		return errors.New("store unavailable")
	}
	return f.inner.Append(ctx, rec)
}

func (f *flakyStore) ListByTransaction(ctx context.Context, txID string) ([]*Record, error) {
	return f.inner.ListByTransaction(ctx, txID)
}

func TestRecorderDeliversAtLeastOnce(t *testing.T) {
	store := &flakyStore{failures: 2, inner: NewMemoryStore()}
	rec := NewRecorder(store)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go rec.Start(ctx)

	rec.Enqueue(testRecord("tx-1"))

	deadline := time.After(5 * time.Second)
	for {
		recs, err := store.ListByTransaction(context.Background(), "tx-1")
		if err == nil && len(recs) == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("record never persisted despite retries")
		case <-time.After(20 * time.Millisecond):
		}
	}

	store.mu.Lock()
	calls := store.calls
	store.mu.Unlock()
	if calls < 3 {
		t.Errorf("calls = %d, want >= 3 (two failures then success)", calls)
	}
	if rec.Dropped() != 0 {
		t.Errorf("Dropped = %d, want 0", rec.Dropped())
	}
}

func TestRecorderRequeuesAfterRetryExhaustion(t *testing.T) {
	// One more failure than a single write pass can absorb, so the record
	// must come back around through the queue before it lands.
	store := &flakyStore{failures: writeAttempts + 1, inner: NewMemoryStore()}
	rec := NewRecorder(store)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go rec.Start(ctx)

	rec.Enqueue(testRecord("tx-outage"))

	deadline := time.After(10 * time.Second)
	for {
		recs, err := store.ListByTransaction(context.Background(), "tx-outage")
		if err == nil && len(recs) == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("record lost across an outage longer than one retry window")
		case <-time.After(20 * time.Millisecond):
		}
	}

	store.mu.Lock()
	calls := store.calls
	store.mu.Unlock()
	if calls != writeAttempts+2 {
		t.Errorf("calls = %d, want %d", calls, writeAttempts+2)
	}
	if rec.Dropped() != 0 {
		t.Errorf("Dropped = %d, want 0", rec.Dropped())
	}
}

// gatedStore holds Append open until released, to park the drain loop
// mid-write.
type gatedStore struct {
	entered chan struct{}
	release chan struct{}
	inner   *MemoryStore
}

func (g *gatedStore) Append(ctx context.Context, rec *Record) error {
	select {
	case g.entered <- struct{}{}:
	default:
	}
	<-g.release
	return g.inner.Append(ctx, rec)
}

func (g *gatedStore) ListByTransaction(ctx context.Context, txID string) ([]*Record, error) {
	return g.inner.ListByTransaction(ctx, txID)
}

func TestRecorderStopDuringInFlightWrite(t *testing.T) {
	store := &gatedStore{entered: make(chan struct{}, 1), release: make(chan struct{}), inner: NewMemoryStore()}
	rec := NewRecorder(store)

	go rec.Start(context.Background())
	rec.Enqueue(testRecord("tx-busy"))

	select {
	case <-store.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("write never started")
	}

	// Stop lands while the loop is inside Append; it must still take effect
	// once the write completes.
	rec.Stop()
	rec.Stop() // idempotent
	close(store.release)

	deadline := time.After(2 * time.Second)
	for rec.Running() {
		select {
		case <-deadline:
			t.Fatal("recorder kept running after Stop during an in-flight write")
		case <-time.After(10 * time.Millisecond):
		}
	}

	recs, err := store.ListByTransaction(context.Background(), "tx-busy")
	if err != nil {
		t.Fatalf("ListByTransaction: %v", err)
	}
	if len(recs) != 1 {
		t.Errorf("got %d records, want 1", len(recs))
	}
}

func TestRecorderStopDrainsQueue(t *testing.T) {
	store := NewMemoryStore()
	rec := NewRecorder(store)

	go rec.Start(context.Background())
	for i := 0; i < 10; i++ {
		rec.Enqueue(testRecord("tx-drain"))
	}
	time.Sleep(50 * time.Millisecond)
	rec.Stop()

	deadline := time.After(2 * time.Second)
	for rec.Running() {
		select {
		case <-deadline:
			t.Fatal("recorder did not stop")
		case <-time.After(10 * time.Millisecond):
		}
	}

	recs, err := store.ListByTransaction(context.Background(), "tx-drain")
	if err != nil {
		t.Fatalf("ListByTransaction: %v", err)
	}
	if len(recs) != 10 {
		t.Errorf("got %d records after drain, want 10", len(recs))
	}
}

func TestRecorderAssignsIDs(t *testing.T) {
	rec := NewRecorder(NewMemoryStore())
	r := testRecord("tx-id")
	rec.Enqueue(r)
	if r.ID == "" {
		t.Error("Enqueue must assign a record id")
	}
	if r.RecordedAt.IsZero() {
		t.Error("Enqueue must stamp RecordedAt")
	}
}

func TestRecorderFullQueueEvictsOldest(t *testing.T) {
	// No drain goroutine running, so the queue only fills.
	rec := NewRecorder(NewMemoryStore())
	for i := 0; i < defaultQueueSize+5; i++ {
		rec.Enqueue(testRecord("tx-full"))
	}
	if rec.Dropped() != 5 {
		t.Errorf("Dropped = %d, want 5", rec.Dropped())
	}
	if len(rec.ch) != defaultQueueSize {
		t.Errorf("queue depth = %d, want %d", len(rec.ch), defaultQueueSize)
	}
}

type failingSink struct{ calls int }

func (s *failingSink) Append(context.Context, *Record) error {
	s.calls++
	return errors.New("broker down")
}

func TestRecorderSinkFailureDoesNotBlockPrimary(t *testing.T) {
	store := NewMemoryStore()
	sink := &failingSink{}
	rec := NewRecorder(store, sink)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go rec.Start(ctx)

	rec.Enqueue(testRecord("tx-sink"))

	deadline := time.After(2 * time.Second)
	for {
		if recs, err := store.ListByTransaction(context.Background(), "tx-sink"); err == nil && len(recs) == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("primary write never landed")
		case <-time.After(10 * time.Millisecond):
		}
	}
}
