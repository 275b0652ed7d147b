package nuclear

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"harvest/shared"
	"harvest/store"
)

// =============================================================================
// NUCLEAR FAILURE STORE
// =============================================================================
//
// Everything that survived the full strategy cascade AND the search fallback
// lands here. Records are retried on an exponential schedule for days; only
// after a configured number of rounds does a record escalate to a human and
// leave the automatic path for good.
//
// =============================================================================

// Retry statuses. A record is in-progress only while a scheduler pass holds
// it; every pass ends by moving it to succeeded, back to pending, or to
// human intervention.
const (
	RetryPending           = "pending"
	RetryInProgress        = "in-progress"
	RetrySucceeded         = "succeeded"
	RetryHumanIntervention = "human-intervention-required"
)

// Failure types, by which subsystem gave up on the record.
const (
	FailureTypeURLProcessing = "url-processing"
	FailureTypeSearch        = "search"
	FailureTypeExtraction    = "extraction"
	FailureTypeAPI           = "api"
	FailureTypeNetwork       = "network"
	FailureTypeUnknown       = "unknown"
)

var knownFailureTypes = map[string]bool{
	FailureTypeURLProcessing: true,
	FailureTypeSearch:        true,
	FailureTypeExtraction:    true,
	FailureTypeAPI:           true,
	FailureTypeNetwork:       true,
	FailureTypeUnknown:       true,
}

const (
	backoffBase = 60 * time.Second
	backoffMax  = 24 * time.Hour

	// DefaultHumanThreshold is the retry count after which a record needs a
	// human. DefaultMaxRetries is the hard scheduler bound.
	DefaultHumanThreshold = 30
	DefaultMaxRetries     = 100
)

// Failure is one persisted long-horizon failure record.
type Failure struct {
	ID           string         `db:"id"`
	FailureType  string         `db:"failure_type"`
	OriginalURL  string         `db:"original_url"`
	ContentTitle string         `db:"content_title"`
	ErrorMessage string         `db:"error_message"`
	RetryStatus  string         `db:"retry_status"`
	RetryCount   int            `db:"retry_count"`
	FirstFailed  time.Time      `db:"first_failed_at"`
	LastRetry    sql.NullTime   `db:"last_retry_at"`
	NextRetry    time.Time      `db:"next_retry_at"`
	Metadata     store.JSONMap  `db:"metadata"`
	SuccessURL   sql.NullString `db:"success_url"`
	HumanNotes   sql.NullString `db:"human_notes"`
}

// Store persists nuclear failures.
type Store struct {
	db             *sqlx.DB
	humanThreshold int
	maxRetries     int
	log            *zap.SugaredLogger
}

// NewStore creates the store. Non-positive thresholds use the defaults.
func NewStore(db *sqlx.DB, humanThreshold, maxRetries int, log *zap.SugaredLogger) *Store {
	if humanThreshold <= 0 {
		humanThreshold = DefaultHumanThreshold
	}
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Store{
		db:             db,
		humanThreshold: humanThreshold,
		maxRetries:     maxRetries,
		log:            log.With("component", "nuclear_store"),
	}
}

// Record registers a failure for the URL. A repeat failure of a known URL
// refreshes the error message without resetting its retry schedule. An
// unrecognized failureType is stored as unknown.
func (s *Store) Record(ctx context.Context, failureType, url, title, errMsg string, metadata map[string]string) error {
	if url == "" {
		return errors.New("original url is required")
	}
	if !knownFailureTypes[failureType] {
		failureType = FailureTypeUnknown
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO nuclear_failures
			(id, failure_type, original_url, content_title, error_message,
			 retry_status, retry_count, first_failed_at, next_retry_at, metadata)
		VALUES ($1, $2, $3, $4, $5, 'pending', 0, now(), now(), $6)
		ON CONFLICT (original_url) DO UPDATE SET
			error_message = EXCLUDED.error_message,
			content_title = CASE WHEN nuclear_failures.content_title = ''
				THEN EXCLUDED.content_title ELSE nuclear_failures.content_title END`,
		shared.GenerateIDWithPrefix("nuke"), failureType, url, title, errMsg, store.JSONMap(metadata))
	if err != nil {
		return fmt.Errorf("record nuclear failure for %s: %w", url, err)
	}
	return nil
}

// Due atomically claims due records with retry budget left, stamping them
// in-progress so concurrent schedulers skip them. Records stranded
// in-progress by a crashed pass become claimable again after an hour.
func (s *Store) Due(ctx context.Context, limit int) ([]Failure, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []Failure
	err := s.db.SelectContext(ctx, &out, `
		UPDATE nuclear_failures SET retry_status = 'in-progress', last_retry_at = now()
		WHERE id IN (
			SELECT id FROM nuclear_failures
			WHERE (retry_status = 'pending'
				OR (retry_status = 'in-progress' AND last_retry_at < now() - interval '1 hour'))
				AND next_retry_at <= now() AND retry_count < $1
			ORDER BY next_retry_at ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, failure_type, original_url, content_title, error_message,
			retry_status, retry_count, first_failed_at, last_retry_at,
			next_retry_at, metadata, success_url, human_notes`, s.maxRetries, limit)
	if err != nil {
		return nil, fmt.Errorf("claim due nuclear failures: %w", err)
	}
	return out, nil
}

// MarkSucceeded closes a record with the URL that finally worked.
func (s *Store) MarkSucceeded(ctx context.Context, id, successURL string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE nuclear_failures
		SET retry_status = 'succeeded', success_url = $2, last_retry_at = now()
		WHERE id = $1`, id, successURL)
	if err != nil {
		return fmt.Errorf("mark nuclear %s succeeded: %w", id, err)
	}
	return nil
}

// MarkRetryFailed advances the retry schedule. Crossing the human threshold
// escalates the record out of the automatic path.
func (s *Store) MarkRetryFailed(ctx context.Context, rec *Failure, errMsg string) error {
	newCount := rec.RetryCount + 1
	status := RetryPending
	if newCount >= s.humanThreshold {
		status = RetryHumanIntervention
		s.log.Warnw("nuclear failure escalated to human intervention",
			"url", rec.OriginalURL, "retries", newCount)
	}

	_, err := s.db.ExecContext(ctx, `
		UPDATE nuclear_failures
		SET retry_status = $2, retry_count = $3, error_message = $4,
			last_retry_at = now(), next_retry_at = now() + $5 * interval '1 second'
		WHERE id = $1`,
		rec.ID, status, newCount, errMsg, int(Backoff(rec.RetryCount).Seconds()))
	if err != nil {
		return fmt.Errorf("mark nuclear %s failed: %w", rec.ID, err)
	}
	return nil
}

// Backoff is the delay before retry number count+1:
// min(24h, 60s * 2^count).
func Backoff(count int) time.Duration {
	d := time.Duration(float64(backoffBase) * math.Pow(2, float64(count)))
	if d > backoffMax || d <= 0 {
		return backoffMax
	}
	return d
}

// Counts returns records per retry status.
func (s *Store) Counts(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryxContext(ctx,
		`SELECT retry_status, count(*) FROM nuclear_failures GROUP BY retry_status`)
	if err != nil {
		return nil, fmt.Errorf("count nuclear failures: %w", err)
	}
	defer rows.Close()

	out := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[status] = n
	}
	return out, rows.Err()
}
