package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// PostgresStore is a Store over a state_entries table. It relies on upsert
// semantics so a Set never leaves a half-written row behind.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore returns a Store backed by the given database handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Get(ctx context.Context, owner, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM state_entries WHERE owner = $1 AND key = $2`,
		owner, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get state entry %s/%s: %w", owner, key, err)
	}
	return value, nil
}

func (s *PostgresStore) Set(ctx context.Context, owner, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO state_entries (owner, key, value, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (owner, key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`,
		owner, key, value)
	if err != nil {
		return fmt.Errorf("set state entry %s/%s: %w", owner, key, err)
	}
	return nil
}

func (s *PostgresStore) Has(ctx context.Context, owner, key string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM state_entries WHERE owner = $1 AND key = $2)`,
		owner, key).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check state entry %s/%s: %w", owner, key, err)
	}
	return exists, nil
}

func (s *PostgresStore) Delete(ctx context.Context, owner, key string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM state_entries WHERE owner = $1 AND key = $2`, owner, key); err != nil {
		return fmt.Errorf("delete state entry %s/%s: %w", owner, key, err)
	}
	return nil
}
