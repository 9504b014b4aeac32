package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/sgrastar/authrim-sub004/internal/model"
)

var _ model.ColdStore = (*ColdStore)(nil)

// ColdStore is the relational cold-storage backend. Every entity kind maps
// to rows in one table keyed by (kind, key); the row payload is opaque JSON
// so the core stays schema-agnostic.
type ColdStore struct {
	db *Connection
}

func NewColdStore(db *Connection) *ColdStore {
	return &ColdStore{db: db}
}

func (s *ColdStore) Read(ctx context.Context, table, key string) ([]byte, error) {
	const query = `
        SELECT row FROM core_records WHERE kind = $1 AND key = $2
    `
	var row []byte
	err := s.db.QueryRow(ctx, query, table, key).Scan(&row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrNotFound
		}
		return nil, fmt.Errorf("failed to read %s/%s: %w", table, key, err)
	}
	return row, nil
}

func (s *ColdStore) Write(ctx context.Context, table, key string, row []byte) error {
	const query = `
        INSERT INTO core_records (kind, key, row, updated_at)
        VALUES ($1, $2, $3, NOW())
        ON CONFLICT (kind, key) DO UPDATE SET row = EXCLUDED.row, updated_at = NOW()
    `
	if _, err := s.db.Exec(ctx, query, table, key, row); err != nil {
		return fmt.Errorf("failed to write %s/%s: %w", table, key, err)
	}
	return nil
}

func (s *ColdStore) Delete(ctx context.Context, table, key string) error {
	const query = `
        DELETE FROM core_records WHERE kind = $1 AND key = $2
    `
	if _, err := s.db.Exec(ctx, query, table, key); err != nil {
		return fmt.Errorf("failed to delete %s/%s: %w", table, key, err)
	}
	return nil
}

func (s *ColdStore) List(ctx context.Context, table string) (map[string][]byte, error) {
	const query = `
        SELECT key, row FROM core_records WHERE kind = $1
    `
	rows, err := s.db.Query(ctx, query, table)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", table, err)
	}
	defer rows.Close()

	out := map[string][]byte{}
	for rows.Next() {
		var (
			key string
			row []byte
		)
		if err := rows.Scan(&key, &row); err != nil {
			return nil, fmt.Errorf("failed to scan %s row: %w", table, err)
		}
		out[key] = row
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate %s rows: %w", table, err)
	}
	return out, nil
}
