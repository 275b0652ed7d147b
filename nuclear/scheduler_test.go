package nuclear

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/go-cmp/cmp"
)

type fakeReprocessor struct {
	succeedOn map[string]bool
	calls     []string
}

func (f *fakeReprocessor) ProcessURL(ctx context.Context, target string) (bool, error) {
	f.calls = append(f.calls, target)
	if f.succeedOn[target] {
		return true, nil
	}
	return false, errors.New("fetch failed")
}

type fakeSearcher struct {
	results map[string]string
	queries []string
}

func (f *fakeSearcher) Search(ctx context.Context, query string, priority int) (string, error) {
	f.queries = append(f.queries, query)
	return f.results[query], nil
}

func TestSearchVariations(t *testing.T) {
	got := searchVariations("https://news.example.com/2024/why-the-sky-is-blue.html", "Why the Sky Is Blue")
	want := []string{
		"Why the Sky Is Blue",
		"why the sky is blue",
		"Why the Sky Is Blue site:news.example.com",
		"why the sky is blue news.example.com",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("variations mismatch (-want +got):\n%s", diff)
	}
}

func TestSearchVariationsWithoutTitle(t *testing.T) {
	got := searchVariations("https://example.com/posts/some_article", "")
	want := []string{"some article", "some article example.com"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("variations mismatch (-want +got):\n%s", diff)
	}
}

func TestProcessRecordDirectRetrySucceeds(t *testing.T) {
	store, mock := newMockStore(t, 0)
	rep := &fakeReprocessor{succeedOn: map[string]bool{"https://example.com/a": true}}
	search := &fakeSearcher{}
	sched := NewScheduler(store, rep, search, time.Minute, nil)

	mock.ExpectExec(`UPDATE nuclear_failures`).
		WithArgs("nuke_1", "https://example.com/a").
		WillReturnResult(sqlmock.NewResult(0, 1))

	sched.processRecord(context.Background(), &Failure{ID: "nuke_1", OriginalURL: "https://example.com/a"})

	if len(search.queries) != 0 {
		t.Fatalf("search ran %v, direct retry should have been enough", search.queries)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestProcessRecordFallsBackToSearch(t *testing.T) {
	store, mock := newMockStore(t, 0)
	rep := &fakeReprocessor{succeedOn: map[string]bool{"https://mirror.example.org/a": true}}
	search := &fakeSearcher{results: map[string]string{
		"https://example.com/a": "https://mirror.example.org/a",
	}}
	sched := NewScheduler(store, rep, search, time.Minute, nil)

	mock.ExpectExec(`UPDATE nuclear_failures`).
		WithArgs("nuke_1", "https://mirror.example.org/a").
		WillReturnResult(sqlmock.NewResult(0, 1))

	sched.processRecord(context.Background(), &Failure{ID: "nuke_1", OriginalURL: "https://example.com/a"})
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestProcessRecordTriesVariationsThenReschedules(t *testing.T) {
	store, mock := newMockStore(t, 30)
	rep := &fakeReprocessor{}
	search := &fakeSearcher{}
	sched := NewScheduler(store, rep, search, time.Minute, nil)

	mock.ExpectExec(`UPDATE nuclear_failures`).
		WithArgs("nuke_1", RetryPending, 1, "all retry passes failed", 60).
		WillReturnResult(sqlmock.NewResult(0, 1))

	rec := &Failure{ID: "nuke_1", OriginalURL: "https://example.com/lost-story", ContentTitle: "Lost Story"}
	sched.processRecord(context.Background(), rec)

	// One search for the URL itself plus one per variation.
	if len(search.queries) != 1+len(searchVariations(rec.OriginalURL, rec.ContentTitle)) {
		t.Fatalf("queries = %v", search.queries)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestRunPassRecoversFromPanic(t *testing.T) {
	store, mock := newMockStore(t, 0)
	rows := sqlmock.NewRows([]string{
		"id", "failure_type", "original_url", "content_title", "error_message",
		"retry_status", "retry_count", "first_failed_at", "last_retry_at",
		"next_retry_at", "metadata", "success_url", "human_notes",
	}).AddRow("nuke_1", FailureTypeURLProcessing, "https://example.com/a", "", "err",
		RetryInProgress, 0, time.Now(), time.Now(), time.Now(), nil, nil, nil)
	mock.ExpectQuery(`UPDATE nuclear_failures SET retry_status = 'in-progress'`).WillReturnRows(rows)

	sched := NewScheduler(store, &panickyReprocessor{}, &fakeSearcher{}, time.Minute, nil)
	if err := sched.runPassSafe(context.Background()); err == nil {
		t.Fatal("a panicking pass must surface as an error, not crash")
	}
}

type panickyReprocessor struct{}

func (panickyReprocessor) ProcessURL(ctx context.Context, target string) (bool, error) {
	panic("boom")
}
