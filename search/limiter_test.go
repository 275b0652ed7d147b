package search

import (
	"context"
	"testing"
	"time"
)

func TestLimiterConsumesDailyQuota(t *testing.T) {
	l := NewLimiter(3, "", nil)
	for i := 0; i < 3; i++ {
		if err := l.WaitIfNeeded(context.Background()); err != nil {
			t.Fatalf("WaitIfNeeded #%d: %v", i+1, err)
		}
	}
	if l.Remaining() != 0 {
		t.Fatalf("remaining = %d, want 0", l.Remaining())
	}
}

func TestLimiterBlocksUntilMidnightWhenExhausted(t *testing.T) {
	l := NewLimiter(1, "", nil)

	now := time.Date(2026, 8, 24, 23, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	var slept time.Duration
	l.sleep = func(ctx context.Context, d time.Duration) error {
		slept = d
		now = now.Add(d)
		return nil
	}

	if err := l.WaitIfNeeded(context.Background()); err != nil {
		t.Fatalf("first unit: %v", err)
	}
	if err := l.WaitIfNeeded(context.Background()); err != nil {
		t.Fatalf("second unit should wait then succeed: %v", err)
	}
	if slept != time.Hour {
		t.Fatalf("slept %v, want 1h until UTC midnight", slept)
	}
	if l.Remaining() != 0 {
		t.Fatalf("remaining = %d after rollover consumption, want 0", l.Remaining())
	}
}

func TestLimiterRollsOverOnNewDay(t *testing.T) {
	l := NewLimiter(2, "", nil)
	day := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return day }

	l.WaitIfNeeded(context.Background())
	l.WaitIfNeeded(context.Background())
	if l.Remaining() != 0 {
		t.Fatalf("remaining = %d", l.Remaining())
	}

	day = day.AddDate(0, 0, 1)
	if l.Remaining() != 2 {
		t.Fatalf("remaining = %d after rollover, want full quota", l.Remaining())
	}
}

func TestLimiterCancelledWhileWaiting(t *testing.T) {
	l := NewLimiter(1, "", nil)
	l.WaitIfNeeded(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := l.WaitIfNeeded(ctx); err == nil {
		t.Fatal("cancelled context must abort the wait")
	}
}

func TestLimiterHourlyCap(t *testing.T) {
	if cap := NewLimiter(8000, "", nil).HourlyCap(); cap != 333 {
		t.Fatalf("hourly cap = %d, want 333", cap)
	}
}

func TestLimiterPersistsAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	l := NewLimiter(10, dir, nil)
	l.WaitIfNeeded(context.Background())
	l.WaitIfNeeded(context.Background())

	reloaded := NewLimiter(10, dir, nil)
	if reloaded.Remaining() != 8 {
		t.Fatalf("remaining = %d after reload, want 8", reloaded.Remaining())
	}
}
