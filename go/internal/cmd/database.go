package main

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"

	"github.com/rgoulet/examd/go/internal/dbconfig"
)

// setupDatabase opens both database handles: database/sql for the session,
// state and outbox repositories, and a pgx pool for the ledger snapshot
// store.
func setupDatabase() (*sql.DB, *pgxpool.Pool, error) {
	cfg := dbconfig.NewConfigFromEnv()

	database, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create database connection: %w", err)
	}
	if err := database.Ping(); err != nil {
		return nil, nil, fmt.Errorf("failed to ping database: %w", err)
	}

	pool, err := pgxpool.New(context.Background(), cfg.DSN())
	if err != nil {
		database.Close()
		return nil, nil, fmt.Errorf("failed to create pgx pool: %w", err)
	}
	if err := pool.Ping(context.Background()); err != nil {
		database.Close()
		pool.Close()
		return nil, nil, fmt.Errorf("failed to ping pgx pool: %w", err)
	}

	log.Info().
		Str("host", cfg.Host).
		Int("port", cfg.Port).
		Str("database", cfg.Database).
		Msg("connected to database")
	return database, pool, nil
}
