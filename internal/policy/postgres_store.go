package policy

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// PostgresStore persists the policy version history in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed policy history.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Save(ctx context.Context, v *Version) error {
	docJSON, err := json.Marshal(v.Document)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO policy_versions (id, hash, document, status, source, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		v.ID, v.Hash, docJSON, v.Status, v.Source, v.CreatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Version, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, hash, document, status, source, created_at
		FROM policy_versions WHERE id = $1`, id)
	return scanVersion(row.Scan)
}

func (p *PostgresStore) List(ctx context.Context, limit int) ([]*Version, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, hash, document, status, source, created_at
		FROM policy_versions
		ORDER BY created_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Version
	for rows.Next() {
		v, err := scanVersion(rows.Scan)
		if err != nil {
			return nil, err
		}
		result = append(result, v)
	}
	return result, rows.Err()
}

func (p *PostgresStore) MarkSuperseded(ctx context.Context, id string) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE policy_versions SET status = $1 WHERE id = $2`, StatusSuperseded, id)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrVersionNotFound
	}
	return nil
}

// Migrate creates the policy_versions table if it doesn't exist.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS policy_versions (
			id         TEXT PRIMARY KEY,
			hash       TEXT NOT NULL,
			document   JSONB NOT NULL,
			status     TEXT NOT NULL,
			source     TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_policy_versions_created ON policy_versions(created_at DESC);
	`)
	return err
}

func scanVersion(scan func(dest ...any) error) (*Version, error) {
	v := &Version{}
	var docJSON []byte
	err := scan(&v.ID, &v.Hash, &docJSON, &v.Status, &v.Source, &v.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrVersionNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(docJSON, &v.Document); err != nil {
		return nil, fmt.Errorf("corrupt document for policy version %s: %w", v.ID, err)
	}
	v.index()
	return v, nil
}

var _ Store = (*PostgresStore)(nil)
