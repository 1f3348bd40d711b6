package util

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"orderpilot/internal/domain"
)

func TestRetry(t *testing.T) {
	attempts := 0
	targetAttempts := 3

	err := Retry(context.Background(), 5, 0, func() error {
		attempts++
		if attempts < targetAttempts {
			return errors.New("transient error")
		}
		return nil
	})

	if err != nil {
		t.Fatalf("Retry returned unexpected error: %v", err)
	}
	if attempts != targetAttempts {
		t.Errorf("Retry called fn %d times, want %d", attempts, targetAttempts)
	}
}

func TestRetryAllFail(t *testing.T) {
	attempts := 0
	maxAttempts := 3

	err := Retry(context.Background(), maxAttempts, 0, func() error {
		attempts++
		return errors.New("persistent error")
	})

	if err == nil {
		t.Fatal("Retry should return error when all attempts fail")
	}
	if attempts != maxAttempts {
		t.Errorf("Retry called fn %d times, want %d", attempts, maxAttempts)
	}
}

func TestRetryPermanent(t *testing.T) {
	sentinel := errors.New("bad request")
	attempts := 0

	err := Retry(context.Background(), 5, 0, func() error {
		attempts++
		return Permanent(sentinel)
	})

	if !errors.Is(err, sentinel) {
		t.Errorf("Retry() = %v, want %v", err, sentinel)
	}
	if attempts != 1 {
		t.Errorf("Retry called fn %d times, want 1", attempts)
	}
}

func TestSleepCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	if err := Sleep(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Errorf("Sleep() = %v, want context.Canceled", err)
	}
	if time.Since(start) > time.Second {
		t.Error("Sleep did not return promptly on cancellation")
	}
}

func TestRateLimiterBurst(t *testing.T) {
	rl := NewRateLimiter(60, 3)
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 3; i++ {
		if err := rl.Wait(ctx); err != nil {
			t.Fatalf("Wait() = %v", err)
		}
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Error("burst tokens should be available immediately")
	}
}

func TestRateLimiterCancelled(t *testing.T) {
	rl := NewRateLimiter(1, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := rl.Wait(ctx); err != nil {
		t.Fatalf("first Wait() = %v", err)
	}
	if err := rl.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("second Wait() = %v, want deadline exceeded", err)
	}
}

func TestRateLimiterDisabled(t *testing.T) {
	rl := NewRateLimiter(0, 1)
	for i := 0; i < 100; i++ {
		if err := rl.Wait(context.Background()); err != nil {
			t.Fatalf("Wait() = %v", err)
		}
	}
}

func TestTradingCalendar(t *testing.T) {
	cal, err := NewTradingCalendar(domain.MarketUS)
	if err != nil {
		t.Fatal(err)
	}
	ny := cal.Location()

	tests := []struct {
		name string
		at   time.Time
		want bool
	}{
		{"before open", time.Date(2025, 3, 5, 9, 29, 0, 0, ny), false},
		{"at open", time.Date(2025, 3, 5, 9, 30, 0, 0, ny), true},
		{"midday", time.Date(2025, 3, 5, 12, 0, 0, 0, ny), true},
		{"at close", time.Date(2025, 3, 5, 16, 0, 0, 0, ny), false},
		{"saturday", time.Date(2025, 3, 8, 12, 0, 0, 0, ny), false},
	}
	for _, tt := range tests {
		if got := cal.IsMarketOpen(tt.at); got != tt.want {
			t.Errorf("%s: IsMarketOpen(%v) = %v, want %v", tt.name, tt.at, got, tt.want)
		}
	}

	friday := time.Date(2025, 3, 7, 17, 0, 0, 0, ny)
	want := time.Date(2025, 3, 10, 9, 30, 0, 0, ny)
	if got := cal.NextOpen(friday); !got.Equal(want) {
		t.Errorf("NextOpen(%v) = %v, want %v", friday, got, want)
	}
	wantClose := time.Date(2025, 3, 7, 16, 0, 0, 0, ny)
	if got := cal.NextClose(time.Date(2025, 3, 7, 10, 0, 0, 0, ny)); !got.Equal(wantClose) {
		t.Errorf("NextClose() = %v, want %v", got, wantClose)
	}
}

func TestTradingCalendarUnknownMarket(t *testing.T) {
	if _, err := NewTradingCalendar("cn"); err == nil {
		t.Error("expected error for market without a calendar")
	}
}

func TestWriteFileAtomic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.yaml")
	if err := os.WriteFile(path, []byte("old"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := WriteFileAtomic(path, []byte("new"), 0o644); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "new" {
		t.Errorf("contents = %q, want %q", data, "new")
	}

	entries, _ := os.ReadDir(filepath.Dir(path))
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".history.yaml.") {
			t.Errorf("temp file left behind: %s", e.Name())
		}
	}
}

func TestCreateExclusive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "log.txt")
	if err := CreateExclusive(path, nil); err != nil {
		t.Fatalf("first CreateExclusive() = %v", err)
	}
	if err := CreateExclusive(path, nil); !errors.Is(err, os.ErrExist) {
		t.Errorf("second CreateExclusive() = %v, want os.ErrExist", err)
	}
}

func TestLockFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.yaml")

	l, err := LockFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := l.Unlock(); err != nil {
		t.Errorf("Unlock() = %v", err)
	}
	// Reacquiring after release must not block.
	l2, err := LockFile(path)
	if err != nil {
		t.Fatal(err)
	}
	l2.Unlock()
}

func TestNewLoggerFormat(t *testing.T) {
	var buf bytes.Buffer
	newLogger(&buf, "debug", "json").Debug("hello", "k", "v")
	if !strings.HasPrefix(buf.String(), "{") {
		t.Errorf("json logger output = %q", buf.String())
	}

	buf.Reset()
	newLogger(&buf, "warn", "text").Info("dropped")
	if buf.Len() != 0 {
		t.Errorf("info record should be filtered at warn level, got %q", buf.String())
	}
}
