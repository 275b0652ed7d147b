package search

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
)

func newMockQueue(t *testing.T) (*Queue, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	db := sqlx.NewDb(mockDB, "pgx")
	t.Cleanup(func() { db.Close() })
	return NewQueue(db, nil), mock
}

func requestColumns() []string {
	return []string{"id", "query", "priority", "status", "attempts", "max_attempts",
		"created_at", "last_attempt", "result_url", "error_message", "metadata"}
}

func TestQueueEnqueueInsertsPending(t *testing.T) {
	q, mock := newMockQueue(t)

	mock.ExpectExec(`INSERT INTO search_queue`).
		WithArgs(sqlmock.AnyArg(), "site:example.com article", PriorityUrgent, 3, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	id, err := q.Enqueue(context.Background(), "site:example.com article", PriorityUrgent, 0, nil)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if id == "" {
		t.Fatal("want a generated id")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestQueueEnqueueDefaultsToNormalPriority(t *testing.T) {
	q, mock := newMockQueue(t)

	mock.ExpectExec(`INSERT INTO search_queue`).
		WithArgs(sqlmock.AnyArg(), "some article", PriorityNormal, 3, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if _, err := q.Enqueue(context.Background(), "some article", 0, 0, nil); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if PriorityNormal != 2 || PriorityBackground != 3 {
		t.Fatalf("priority values = %d/%d, want 2/3", PriorityNormal, PriorityBackground)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestQueueEnqueueRejectsEmptyQuery(t *testing.T) {
	q, _ := newMockQueue(t)
	if _, err := q.Enqueue(context.Background(), "", 1, 3, nil); err == nil {
		t.Fatal("expected error for empty query")
	}
}

func TestQueueDequeueClaimsMostUrgent(t *testing.T) {
	q, mock := newMockQueue(t)

	rows := sqlmock.NewRows(requestColumns()).AddRow(
		"search_abc", "find it", 1, "in_progress", 0, 3,
		time.Now(), time.Now(), nil, nil, nil)
	mock.ExpectQuery(`UPDATE search_queue SET status = 'in_progress'`).
		WillReturnRows(rows)

	req, err := q.Dequeue(context.Background())
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if req == nil || req.ID != "search_abc" || req.Status != StatusInProgress {
		t.Fatalf("req = %+v", req)
	}
}

func TestQueueDequeueEmptyReturnsNil(t *testing.T) {
	q, mock := newMockQueue(t)

	mock.ExpectQuery(`UPDATE search_queue SET status = 'in_progress'`).
		WillReturnRows(sqlmock.NewRows(requestColumns()))

	req, err := q.Dequeue(context.Background())
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if req != nil {
		t.Fatalf("req = %+v, want nil on drained queue", req)
	}
}

func TestQueueMarkRateLimitedKeepsPending(t *testing.T) {
	q, mock := newMockQueue(t)

	mock.ExpectExec(`UPDATE search_queue SET status = 'pending', attempts = attempts \+ 1`).
		WithArgs("search_abc").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := q.MarkRateLimited(context.Background(), "search_abc"); err != nil {
		t.Fatalf("MarkRateLimited: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestQueueMarkFailedCountsConsumedAttempts(t *testing.T) {
	q, mock := newMockQueue(t)

	mock.ExpectExec(`UPDATE search_queue SET status = 'failed'`).
		WithArgs("search_abc", "api kept failing", 3).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := q.MarkFailed(context.Background(), "search_abc", "api kept failing", 3); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestQueueCompletedResultCacheMiss(t *testing.T) {
	q, mock := newMockQueue(t)

	mock.ExpectQuery(`SELECT result_url FROM search_queue`).
		WithArgs("never searched").
		WillReturnRows(sqlmock.NewRows([]string{"result_url"}))

	url, err := q.CompletedResult(context.Background(), "never searched")
	if err != nil {
		t.Fatalf("CompletedResult: %v", err)
	}
	if url != "" {
		t.Fatalf("url = %q, want empty on miss", url)
	}
}

func TestQueueResetFailedReturnsCount(t *testing.T) {
	q, mock := newMockQueue(t)

	mock.ExpectExec(`UPDATE search_queue SET status = 'pending', attempts = 0`).
		WillReturnResult(sqlmock.NewResult(0, 4))

	n, err := q.ResetFailed(context.Background())
	if err != nil {
		t.Fatalf("ResetFailed: %v", err)
	}
	if n != 4 {
		t.Fatalf("n = %d, want 4", n)
	}
}

func TestQueueRecordStatsUpserts(t *testing.T) {
	q, mock := newMockQueue(t)

	mock.ExpectExec(`INSERT INTO search_stats`).
		WithArgs(1, 1, 0, 1).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := q.RecordStats(context.Background(), 1, 1, 0, 1); err != nil {
		t.Fatalf("RecordStats: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}
