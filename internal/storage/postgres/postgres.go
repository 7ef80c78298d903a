// Package postgres keeps the assessment ledger and the patient registry in
// PostgreSQL through a pgx connection pool.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DB is the subset of *pgxpool.Pool the stores use.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Connect opens a pool and pings it within five seconds.
func Connect(ctx context.Context, url string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse db url: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	return pool, nil
}

// Advisory lock keys. Each serializes one kind of schema or seed write
// across every process sharing the database.
const (
	migrateLockKey int64 = 0x63617264696f01
	seedLockKey    int64 = 0x63617264696f02
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS assessments (
		assessment_id       TEXT PRIMARY KEY,
		timestamp           TIMESTAMPTZ NOT NULL,
		patient_id          TEXT NOT NULL DEFAULT '',
		risk_level          TEXT NOT NULL,
		risk_score          DOUBLE PRECISION NOT NULL,
		input_snapshot      JSONB NOT NULL,
		prediction_snapshot JSONB NOT NULL,
		visual_snapshot     JSONB
	)`,
	`CREATE INDEX IF NOT EXISTS idx_assessments_timestamp_desc ON assessments (timestamp DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_assessments_patient ON assessments (patient_id)`,
	`CREATE TABLE IF NOT EXISTS patients (
		patient_id   TEXT PRIMARY KEY,
		status_label TEXT NOT NULL,
		features     JSONB NOT NULL
	)`,
}

// Migrate creates the tables and indexes if they are missing.
func Migrate(ctx context.Context, db DB) error {
	return withLock(ctx, db, migrateLockKey, func(tx pgx.Tx) error {
		for _, stmt := range schema {
			if _, err := tx.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
		}
		return nil
	})
}

// withLock runs fn in a transaction holding a transaction-scoped advisory
// lock.
func withLock(ctx context.Context, db DB, key int64, fn func(pgx.Tx) error) error {
	tx, err := db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, key); err != nil {
		return fmt.Errorf("acquire advisory lock: %w", err)
	}
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}
