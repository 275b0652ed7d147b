package worker

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"harvest/shared"
)

// Job statuses. Transitions are monotonic except running -> pending, which
// only happens on stale-job recovery after a worker crash.
const (
	JobPending   = "pending"
	JobRunning   = "running"
	JobCompleted = "completed"
	JobFailed    = "failed"
)

// DefaultPriority is assigned when the caller does not specify one.
const DefaultPriority = 50

// JobData is the payload of a URL job.
type JobData struct {
	URL         string    `json:"url"`
	Source      string    `json:"source,omitempty"`
	SubmittedAt time.Time `json:"submitted_at"`
}

func (d JobData) Value() (driver.Value, error) { return json.Marshal(d) }

func (d *JobData) Scan(src any) error {
	var data []byte
	switch v := src.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	case nil:
		return nil
	default:
		return fmt.Errorf("unsupported job data type %T", src)
	}
	return json.Unmarshal(data, d)
}

// JobResult is the free-form result payload of a finished job.
type JobResult map[string]any

func (r JobResult) Value() (driver.Value, error) {
	if r == nil {
		return nil, nil
	}
	return json.Marshal(r)
}

func (r *JobResult) Scan(src any) error {
	var data []byte
	switch v := src.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	case nil:
		return nil
	default:
		return fmt.Errorf("unsupported job result type %T", src)
	}
	return json.Unmarshal(data, r)
}

// Job is one persisted URL job.
type Job struct {
	ID             string         `db:"id"`
	Type           string         `db:"type"`
	Data           JobData        `db:"data"`
	Priority       int            `db:"priority"`
	Status         string         `db:"status"`
	AssignedWorker sql.NullString `db:"assigned_worker"`
	CreatedAt      time.Time      `db:"created_at"`
	AssignedAt     sql.NullTime   `db:"assigned_at"`
	CompletedAt    sql.NullTime   `db:"completed_at"`
	Result         JobResult      `db:"result"`
	RetryCount     int            `db:"retry_count"`
}

// JobQueue is the queue surface the pool depends on. *JobStore implements it;
// tests substitute an in-memory fake.
type JobQueue interface {
	Submit(ctx context.Context, url string, priority int, source string) (string, error)
	Dequeue(ctx context.Context, workerID string) (*Job, error)
	Complete(ctx context.Context, id string, result JobResult) error
	Fail(ctx context.Context, id string, result JobResult) error
	Retry(ctx context.Context, id string) error
}

// JobStore persists URL jobs in the worker_jobs table.
type JobStore struct {
	db  *sqlx.DB
	log *zap.SugaredLogger
}

// NewJobStore creates the store.
func NewJobStore(db *sqlx.DB, log *zap.SugaredLogger) *JobStore {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &JobStore{db: db, log: log.With("component", "job_store")}
}

// Submit inserts one pending job. The URL is normalized first so equivalent
// submissions share a fingerprint downstream.
func (s *JobStore) Submit(ctx context.Context, url string, priority int, source string) (string, error) {
	id, err := s.submit(ctx, s.db, url, priority, source)
	if err != nil {
		return "", err
	}
	return id, nil
}

// SubmitBulk inserts many jobs in a single transaction.
func (s *JobStore) SubmitBulk(ctx context.Context, urls []string, priority int, source string) ([]string, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin bulk submit: %w", err)
	}
	defer tx.Rollback()

	ids := make([]string, 0, len(urls))
	for _, url := range urls {
		id, err := s.submit(ctx, tx, url, priority, source)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit bulk submit: %w", err)
	}
	return ids, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *JobStore) submit(ctx context.Context, ex execer, url string, priority int, source string) (string, error) {
	normalized := shared.NormalizeURL(url)
	if normalized == "" {
		return "", fmt.Errorf("invalid url %q", url)
	}
	if priority <= 0 {
		priority = DefaultPriority
	}

	id := shared.GenerateIDWithPrefix("job")
	_, err := ex.ExecContext(ctx, `
		INSERT INTO worker_jobs (id, type, data, priority, status, created_at, retry_count)
		VALUES ($1, 'url', $2, $3, 'pending', now(), 0)`,
		id, JobData{URL: normalized, Source: source, SubmittedAt: time.Now().UTC()}, priority)
	if err != nil {
		return "", fmt.Errorf("submit job for %s: %w", url, err)
	}
	return id, nil
}

// Dequeue atomically claims the highest-priority oldest pending job for the
// worker, or returns nil when none is available.
func (s *JobStore) Dequeue(ctx context.Context, workerID string) (*Job, error) {
	var job Job
	err := s.db.GetContext(ctx, &job, `
		UPDATE worker_jobs SET status = 'running', assigned_worker = $1, assigned_at = now()
		WHERE id = (
			SELECT id FROM worker_jobs
			WHERE status = 'pending'
			ORDER BY priority DESC, created_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, type, data, priority, status, assigned_worker,
			created_at, assigned_at, completed_at, result, retry_count`, workerID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue job: %w", err)
	}
	return &job, nil
}

// Complete closes a job with its result payload.
func (s *JobStore) Complete(ctx context.Context, id string, result JobResult) error {
	return s.finish(ctx, id, JobCompleted, result)
}

// Fail closes a job as failed.
func (s *JobStore) Fail(ctx context.Context, id string, result JobResult) error {
	return s.finish(ctx, id, JobFailed, result)
}

func (s *JobStore) finish(ctx context.Context, id, status string, result JobResult) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE worker_jobs SET status = $2, result = $3, completed_at = now()
		WHERE id = $1`, id, status, result)
	if err != nil {
		return fmt.Errorf("finish job %s as %s: %w", id, status, err)
	}
	return nil
}

// Retry returns a job to the pending pool with its retry counter bumped.
func (s *JobStore) Retry(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE worker_jobs
		SET status = 'pending', assigned_worker = NULL, retry_count = retry_count + 1
		WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("retry job %s: %w", id, err)
	}
	return nil
}

// RecoverStale returns running jobs assigned longer ago than maxAge to
// pending. Run at startup to pick up after a crashed worker.
func (s *JobStore) RecoverStale(ctx context.Context, maxAge time.Duration) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE worker_jobs
		SET status = 'pending', assigned_worker = NULL
		WHERE status = 'running' AND assigned_at < now() - $1 * interval '1 second'`,
		int(maxAge.Seconds()))
	if err != nil {
		return 0, fmt.Errorf("recover stale jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.log.Warnw("recovered stale running jobs", "count", n)
	}
	return int(n), nil
}

// Counts returns jobs per status.
func (s *JobStore) Counts(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryxContext(ctx,
		`SELECT status, count(*) FROM worker_jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
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
