//go:build integration

package evidence

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sentrapay/fraud-engine/internal/detectors"
	"github.com/sentrapay/fraud-engine/internal/event"
	"github.com/sentrapay/fraud-engine/internal/testutil"
)

func pgRecord(id, txID string, at time.Time) *Record {
	return &Record{
		ID:            id,
		TransactionID: txID,
		Event: event.TransactionEvent{
			TransactionID: txID,
			CardToken:     "tok_4242",
			Amount:        49.99,
			Currency:      "USD",
			Type:          event.TypePurchase,
		},
		RiskScore:       0.42,
		Confidence:      0.9,
		Tier:            "FRICTION",
		PolicyVersionID: "pv_test",
		Detectors: []detectors.Result{
			{Detector: "velocity", Score: 0.6, Confidence: 0.9},
		},
		RecordedAt: at,
	}
}

func TestPostgresStore_AppendAndList(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	if err := store.Append(ctx, pgRecord("ev_1", "txn_pg_1", now)); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if err := store.Append(ctx, pgRecord("ev_2", "txn_pg_1", now.Add(time.Second))); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	records, err := store.ListByTransaction(ctx, "txn_pg_1")
	if err != nil {
		t.Fatalf("ListByTransaction failed: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	// Oldest first.
	if records[0].ID != "ev_1" || records[1].ID != "ev_2" {
		t.Fatalf("wrong order: %s, %s", records[0].ID, records[1].ID)
	}

	got := records[0]
	if got.Tier != "FRICTION" || got.RiskScore != 0.42 || got.PolicyVersionID != "pv_test" {
		t.Fatalf("record fields lost in round trip: %+v", got)
	}
	if len(got.Detectors) != 1 || got.Detectors[0].Detector != "velocity" {
		t.Fatalf("detector results lost in round trip: %+v", got.Detectors)
	}
	if got.Event.CardToken != "tok_4242" {
		t.Fatalf("event lost in round trip: %+v", got.Event)
	}
}

func TestPostgresStore_AppendIdempotent(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()
	rec := pgRecord("ev_dup", "txn_pg_2", time.Now().UTC())

	// At-least-once delivery replays the same record.
	for i := 0; i < 3; i++ {
		if err := store.Append(ctx, rec); err != nil {
			t.Fatalf("Append replay %d failed: %v", i, err)
		}
	}

	records, err := store.ListByTransaction(ctx, "txn_pg_2")
	if err != nil {
		t.Fatalf("ListByTransaction failed: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 record after replays, got %d", len(records))
	}
}

func TestPostgresStore_ListUnknownTransaction(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)

	_, err := store.ListByTransaction(context.Background(), "txn_missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
