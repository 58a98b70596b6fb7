package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PgStore persists ledger snapshots in Postgres, one row per owner. The
// upsert replaces the whole snapshot so a reader never observes a partially
// written ledger.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore returns a Store backed by the given connection pool.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

func (s *PgStore) Save(ctx context.Context, owner string, snapshot []byte) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO timer_ledgers (owner, ranges, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (owner) DO UPDATE SET ranges = EXCLUDED.ranges, updated_at = now()`,
		owner, snapshot)
	if err != nil {
		return fmt.Errorf("save timer ledger for %s: %w", owner, err)
	}
	return nil
}

func (s *PgStore) Load(ctx context.Context, owner string) ([]byte, error) {
	var snapshot []byte
	err := s.pool.QueryRow(ctx, `SELECT ranges FROM timer_ledgers WHERE owner = $1`, owner).Scan(&snapshot)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNoSnapshot
	}
	if err != nil {
		return nil, fmt.Errorf("load timer ledger for %s: %w", owner, err)
	}
	return snapshot, nil
}
