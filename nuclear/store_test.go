package nuclear

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
)

func newMockStore(t *testing.T, humanThreshold int) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	db := sqlx.NewDb(mockDB, "pgx")
	t.Cleanup(func() { db.Close() })
	return NewStore(db, humanThreshold, 0, nil), mock
}

func TestBackoffDoublesAndClamps(t *testing.T) {
	cases := []struct {
		count int
		want  time.Duration
	}{
		{0, 60 * time.Second},
		{1, 2 * time.Minute},
		{5, 32 * time.Minute},
		{10, 24 * time.Hour},
		{60, 24 * time.Hour},
	}
	for _, tc := range cases {
		if got := Backoff(tc.count); got != tc.want {
			t.Errorf("Backoff(%d) = %v, want %v", tc.count, got, tc.want)
		}
	}
}

func TestRecordInsertsFailure(t *testing.T) {
	s, mock := newMockStore(t, 0)

	mock.ExpectExec(`INSERT INTO nuclear_failures`).
		WithArgs(sqlmock.AnyArg(), FailureTypeURLProcessing, "https://example.com/dead",
			"Dead Article", "all strategies failed", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := s.Record(context.Background(), FailureTypeURLProcessing,
		"https://example.com/dead", "Dead Article", "all strategies failed", nil)
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestRecordCoercesUnknownFailureType(t *testing.T) {
	s, mock := newMockStore(t, 0)

	mock.ExpectExec(`INSERT INTO nuclear_failures`).
		WithArgs(sqlmock.AnyArg(), FailureTypeUnknown, "https://example.com/dead",
			"", "boom", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := s.Record(context.Background(), "misfiled", "https://example.com/dead", "", "boom", nil)
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestRecordRequiresURL(t *testing.T) {
	s, _ := newMockStore(t, 0)
	if err := s.Record(context.Background(), FailureTypeURLProcessing, "", "t", "e", nil); err == nil {
		t.Fatal("expected error for empty url")
	}
}

func TestMarkRetryFailedSchedulesNextAttempt(t *testing.T) {
	s, mock := newMockStore(t, 30)

	rec := &Failure{ID: "nuke_1", OriginalURL: "https://example.com/a", RetryCount: 2}
	mock.ExpectExec(`UPDATE nuclear_failures`).
		WithArgs("nuke_1", RetryPending, 3, "still failing", 240).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := s.MarkRetryFailed(context.Background(), rec, "still failing"); err != nil {
		t.Fatalf("MarkRetryFailed: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestMarkRetryFailedEscalatesAtThreshold(t *testing.T) {
	s, mock := newMockStore(t, 2)

	rec := &Failure{ID: "nuke_1", OriginalURL: "https://example.com/a", RetryCount: 1}
	mock.ExpectExec(`UPDATE nuclear_failures`).
		WithArgs("nuke_1", RetryHumanIntervention, 2, "still failing", 120).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := s.MarkRetryFailed(context.Background(), rec, "still failing"); err != nil {
		t.Fatalf("MarkRetryFailed: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestDueClaimsRecordsInProgress(t *testing.T) {
	s, mock := newMockStore(t, 0)

	rows := sqlmock.NewRows([]string{
		"id", "failure_type", "original_url", "content_title", "error_message",
		"retry_status", "retry_count", "first_failed_at", "last_retry_at",
		"next_retry_at", "metadata", "success_url", "human_notes",
	}).AddRow("nuke_1", FailureTypeURLProcessing, "https://example.com/a", "T", "err",
		RetryInProgress, 3, time.Now(), time.Now(), time.Now(), nil, nil, nil)

	mock.ExpectQuery(`UPDATE nuclear_failures SET retry_status = 'in-progress'`).
		WithArgs(DefaultMaxRetries, 50).
		WillReturnRows(rows)

	due, err := s.Due(context.Background(), 0)
	if err != nil {
		t.Fatalf("Due: %v", err)
	}
	if len(due) != 1 || due[0].ID != "nuke_1" || due[0].RetryStatus != RetryInProgress {
		t.Fatalf("due = %+v", due)
	}
}
