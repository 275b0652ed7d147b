package store

import (
	"context"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// =============================================================================
// DATABASE BOOTSTRAP
// =============================================================================
//
// Single Postgres database shared by the content store, the job queue, the
// search queue, and the nuclear failure store. The schema is applied
// idempotently at startup; every statement is CREATE ... IF NOT EXISTS so a
// restart against an existing database is a no-op.
//
// =============================================================================

const (
	maxOpenConns    = 10
	maxIdleConns    = 5
	connMaxLifetime = 30 * time.Minute
)

// Open connects to Postgres and verifies the connection.
func Open(ctx context.Context, databaseURL string) (*sqlx.DB, error) {
	db, err := sqlx.ConnectContext(ctx, "pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(connMaxLifetime)
	return db, nil
}

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS content (
		url          TEXT PRIMARY KEY,
		fingerprint  TEXT NOT NULL,
		title        TEXT NOT NULL DEFAULT '',
		content      TEXT NOT NULL DEFAULT '',
		content_type TEXT NOT NULL DEFAULT 'article',
		metadata     JSONB,
		created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_content_fingerprint ON content (fingerprint)`,

	`CREATE TABLE IF NOT EXISTS worker_jobs (
		id              TEXT PRIMARY KEY,
		type            TEXT NOT NULL DEFAULT 'url',
		data            JSONB NOT NULL,
		priority        INT NOT NULL DEFAULT 50,
		status          TEXT NOT NULL DEFAULT 'pending',
		assigned_worker TEXT,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
		assigned_at     TIMESTAMPTZ,
		completed_at    TIMESTAMPTZ,
		result          JSONB,
		retry_count     INT NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_worker_jobs_dequeue ON worker_jobs (status, priority DESC, created_at ASC)`,

	`CREATE TABLE IF NOT EXISTS search_queue (
		id            TEXT PRIMARY KEY,
		query         TEXT NOT NULL,
		priority      INT NOT NULL DEFAULT 2,
		status        TEXT NOT NULL DEFAULT 'pending',
		attempts      INT NOT NULL DEFAULT 0,
		max_attempts  INT NOT NULL DEFAULT 3,
		created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
		last_attempt  TIMESTAMPTZ,
		result_url    TEXT,
		error_message TEXT,
		metadata      JSONB
	)`,
	`CREATE INDEX IF NOT EXISTS idx_search_queue_dequeue ON search_queue (status, priority ASC, created_at ASC)`,

	`CREATE TABLE IF NOT EXISTS search_stats (
		date                 DATE PRIMARY KEY,
		searches_performed   INT NOT NULL DEFAULT 0,
		successful_searches  INT NOT NULL DEFAULT 0,
		failed_searches      INT NOT NULL DEFAULT 0,
		quota_used           INT NOT NULL DEFAULT 0
	)`,

	`CREATE TABLE IF NOT EXISTS nuclear_failures (
		id              TEXT PRIMARY KEY,
		failure_type    TEXT NOT NULL DEFAULT 'unknown',
		original_url    TEXT NOT NULL,
		content_title   TEXT NOT NULL DEFAULT '',
		error_message   TEXT NOT NULL DEFAULT '',
		retry_status    TEXT NOT NULL DEFAULT 'pending',
		retry_count     INT NOT NULL DEFAULT 0,
		first_failed_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		last_retry_at   TIMESTAMPTZ,
		next_retry_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
		metadata        JSONB,
		success_url     TEXT,
		human_notes     TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_nuclear_due ON nuclear_failures (retry_status, next_retry_at)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_nuclear_url ON nuclear_failures (original_url)`,
}

// Migrate applies the schema.
func Migrate(ctx context.Context, db *sqlx.DB, log *zap.SugaredLogger) error {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	for _, stmt := range schemaStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	log.Debugw("schema applied", "statements", len(schemaStatements))
	return nil
}
