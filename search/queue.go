package search

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"harvest/shared"
	"harvest/store"
)

// Request statuses. A rate-limited attempt keeps the row pending so a later
// dequeue retries it.
const (
	StatusPending    = "pending"
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Priority values; lower dequeues first.
const (
	PriorityUrgent     = 1
	PriorityNormal     = 2
	PriorityBackground = 3
)

// Request is one persisted search request.
type Request struct {
	ID           string         `db:"id"`
	Query        string         `db:"query"`
	Priority     int            `db:"priority"`
	Status       string         `db:"status"`
	Attempts     int            `db:"attempts"`
	MaxAttempts  int            `db:"max_attempts"`
	CreatedAt    time.Time      `db:"created_at"`
	LastAttempt  sql.NullTime   `db:"last_attempt"`
	ResultURL    sql.NullString `db:"result_url"`
	ErrorMessage sql.NullString `db:"error_message"`
	Metadata     store.JSONMap  `db:"metadata"`
}

// Queue is the persisted search request queue plus its daily statistics.
type Queue struct {
	db  *sqlx.DB
	log *zap.SugaredLogger
}

// NewQueue creates the queue over an open database.
func NewQueue(db *sqlx.DB, log *zap.SugaredLogger) *Queue {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Queue{db: db, log: log.With("component", "search_queue")}
}

// Enqueue inserts a pending request and returns its id.
func (q *Queue) Enqueue(ctx context.Context, query string, priority, maxAttempts int, metadata map[string]string) (string, error) {
	if query == "" {
		return "", errors.New("search query is required")
	}
	if priority <= 0 {
		priority = PriorityNormal
	}
	if maxAttempts <= 0 {
		maxAttempts = 3
	}

	id := shared.GenerateIDWithPrefix("search")
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO search_queue (id, query, priority, status, attempts, max_attempts, created_at, metadata)
		VALUES ($1, $2, $3, 'pending', 0, $4, now(), $5)`,
		id, query, priority, maxAttempts, store.JSONMap(metadata))
	if err != nil {
		return "", fmt.Errorf("enqueue search %q: %w", query, err)
	}
	return id, nil
}

// Dequeue atomically claims the most urgent pending request with attempts
// left, or returns nil when the queue is drained.
func (q *Queue) Dequeue(ctx context.Context) (*Request, error) {
	var req Request
	err := q.db.GetContext(ctx, &req, `
		UPDATE search_queue SET status = 'in_progress', last_attempt = now()
		WHERE id = (
			SELECT id FROM search_queue
			WHERE status = 'pending' AND attempts < max_attempts
			ORDER BY priority ASC, created_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, query, priority, status, attempts, max_attempts,
			created_at, last_attempt, result_url, error_message, metadata`)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue search request: %w", err)
	}
	return &req, nil
}

// MarkCompleted stores the found URL and closes the request.
func (q *Queue) MarkCompleted(ctx context.Context, id, resultURL string) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE search_queue SET status = 'completed', result_url = $2, error_message = NULL
		WHERE id = $1`, id, resultURL)
	if err != nil {
		return fmt.Errorf("mark search %s completed: %w", id, err)
	}
	return nil
}

// MarkFailed records the failure. attempts is how many API calls the failed
// pass consumed; they count toward the request's cap.
func (q *Queue) MarkFailed(ctx context.Context, id, message string, attempts int) error {
	if attempts < 0 {
		attempts = 0
	}
	_, err := q.db.ExecContext(ctx, `
		UPDATE search_queue SET status = 'failed', attempts = attempts + $3, error_message = $2
		WHERE id = $1`, id, message, attempts)
	if err != nil {
		return fmt.Errorf("mark search %s failed: %w", id, err)
	}
	return nil
}

// MarkRateLimited burns an attempt but leaves the request pending for a
// later dequeue.
func (q *Queue) MarkRateLimited(ctx context.Context, id string) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE search_queue SET status = 'pending', attempts = attempts + 1
		WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("mark search %s rate limited: %w", id, err)
	}
	return nil
}

// CompletedResult returns the cached result URL for a query, if any request
// for it already completed.
func (q *Queue) CompletedResult(ctx context.Context, query string) (string, error) {
	var url string
	err := q.db.GetContext(ctx, &url, `
		SELECT result_url FROM search_queue
		WHERE query = $1 AND status = 'completed' AND result_url IS NOT NULL
		ORDER BY last_attempt DESC NULLS LAST
		LIMIT 1`, query)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("lookup cached search result: %w", err)
	}
	return url, nil
}

// ResetFailed flips every failed request back to pending with a fresh attempt
// budget. Used by the nuclear retry batch.
func (q *Queue) ResetFailed(ctx context.Context) (int, error) {
	res, err := q.db.ExecContext(ctx, `
		UPDATE search_queue SET status = 'pending', attempts = 0, error_message = NULL
		WHERE status = 'failed'`)
	if err != nil {
		return 0, fmt.Errorf("reset failed searches: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// RecordStats accumulates today's counters in the daily statistics row.
func (q *Queue) RecordStats(ctx context.Context, performed, successful, failed, quota int) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO search_stats (date, searches_performed, successful_searches, failed_searches, quota_used)
		VALUES (CURRENT_DATE, $1, $2, $3, $4)
		ON CONFLICT (date) DO UPDATE SET
			searches_performed = search_stats.searches_performed + EXCLUDED.searches_performed,
			successful_searches = search_stats.successful_searches + EXCLUDED.successful_searches,
			failed_searches = search_stats.failed_searches + EXCLUDED.failed_searches,
			quota_used = search_stats.quota_used + EXCLUDED.quota_used`,
		performed, successful, failed, quota)
	if err != nil {
		return fmt.Errorf("record search stats: %w", err)
	}
	return nil
}
