package db

import (
	"strings"
	"testing"
	"time"
)

func TestRetryBackoff(t *testing.T) {
	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{0, time.Minute},
		{1, time.Minute},
		{2, 2 * time.Minute},
		{3, 5 * time.Minute},
		{4, 10 * time.Minute},
		{5, 30 * time.Minute},
		{6, 60 * time.Minute},
		{7, 60 * time.Minute},
		{50, 60 * time.Minute},
	}

	for _, tt := range tests {
		if got := RetryBackoff(tt.attempts); got != tt.want {
			t.Errorf("RetryBackoff(%d) = %v, want %v", tt.attempts, got, tt.want)
		}
	}
}

func TestRetryBackoff_Monotonic(t *testing.T) {
	prev := RetryBackoff(1)
	for attempts := 2; attempts <= 20; attempts++ {
		cur := RetryBackoff(attempts)
		if cur < prev {
			t.Fatalf("backoff decreased at attempts=%d: %v < %v", attempts, cur, prev)
		}
		prev = cur
	}
}

func TestRetryEligible(t *testing.T) {
	updated := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	if RetryEligible(3, updated, updated.Add(4*time.Minute+59*time.Second)) {
		t.Error("attempts=3 should not be eligible before 5 minutes")
	}
	if !RetryEligible(3, updated, updated.Add(5*time.Minute)) {
		t.Error("attempts=3 should be eligible at 5 minutes")
	}
	if RetryEligible(6, updated, updated.Add(59*time.Minute)) {
		t.Error("attempts=6 should wait 60 minutes")
	}
	if !RetryEligible(9, updated, updated.Add(60*time.Minute)) {
		t.Error("attempts=9 should be eligible at 60 minutes")
	}
}

func TestBackoffIntervalSQL(t *testing.T) {
	sql := backoffIntervalSQL("attempts")

	for _, want := range []string{
		"WHEN attempts <= 1 THEN interval '60 seconds'",
		"WHEN attempts <= 3 THEN interval '300 seconds'",
		"ELSE interval '3600 seconds' END",
	} {
		if !strings.Contains(sql, want) {
			t.Errorf("expected %q in %q", want, sql)
		}
	}
}

func TestTruncateError(t *testing.T) {
	short := "boom"
	if got := TruncateError(short); got != short {
		t.Errorf("expected %q, got %q", short, got)
	}

	long := strings.Repeat("é", MaxLastErrorLength+10)
	got := TruncateError(long)
	if n := len([]rune(got)); n != MaxLastErrorLength {
		t.Errorf("expected %d runes, got %d", MaxLastErrorLength, n)
	}
}
