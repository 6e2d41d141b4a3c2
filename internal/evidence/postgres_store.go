package evidence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// PostgresStore persists evidence records in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed evidence store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Append(ctx context.Context, rec *Record) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	// ON CONFLICT DO NOTHING absorbs at-least-once replays.
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO evidence_records (id, transaction_id, tier, risk_score, policy_version_id, body, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING`,
		rec.ID, rec.TransactionID, rec.Tier, rec.RiskScore, rec.PolicyVersionID, body, rec.RecordedAt,
	)
	return err
}

func (p *PostgresStore) ListByTransaction(ctx context.Context, txID string) ([]*Record, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT body FROM evidence_records
		WHERE transaction_id = $1
		ORDER BY recorded_at ASC`, txID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Record
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		rec := &Record{}
		if err := json.Unmarshal(body, rec); err != nil {
			return nil, fmt.Errorf("corrupt evidence record for %s: %w", txID, err)
		}
		result = append(result, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(result) == 0 {
		return nil, ErrNotFound
	}
	return result, nil
}

// Migrate creates the evidence_records table if it doesn't exist.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS evidence_records (
			id                TEXT PRIMARY KEY,
			transaction_id    TEXT NOT NULL,
			tier              TEXT NOT NULL,
			risk_score        DOUBLE PRECISION NOT NULL,
			policy_version_id TEXT NOT NULL,
			body              JSONB NOT NULL,
			recorded_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_evidence_records_tx ON evidence_records(transaction_id);
		CREATE INDEX IF NOT EXISTS idx_evidence_records_recorded ON evidence_records(recorded_at DESC);
	`)
	return err
}

var _ Store = (*PostgresStore)(nil)
