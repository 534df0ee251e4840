package store

import (
	"context"
	"errors"
	"testing"
	"time"
)

var fastRetry = retryConfig{maxRetries: 3, baseDelay: time.Millisecond, maxDelay: 5 * time.Millisecond}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"constraint", errors.New("UNIQUE constraint failed: agents.id"), false},
		{"busy text", errors.New("SQLITE_BUSY"), true},
		{"locked text", errors.New("database is locked"), true},
		{"table locked", errors.New("database table is locked"), true},
		{"busy code", errors.New("sqlite: (5) database is busy"), true},
		{"busy snapshot", errors.New("sqlite: (517) busy snapshot"), true},
		{"short read", errors.New("(522) IOERR_SHORT_READ"), true},
		{"wrapped", errors.New("acquire claim: SQLITE_BUSY: locked"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isTransient(tt.err); got != tt.want {
				t.Errorf("isTransient(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestRetryOp_SucceedsAfterContention(t *testing.T) {
	calls := 0
	err := retryOp(context.Background(), fastRetry, func() error {
		calls++
		if calls < 3 {
			return errors.New("SQLITE_BUSY")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestRetryOp_PermanentErrorNotRetried(t *testing.T) {
	calls := 0
	perm := errors.New("no such table: claims")
	err := retryOp(context.Background(), fastRetry, func() error {
		calls++
		return perm
	})
	if !errors.Is(err, perm) || calls != 1 {
		t.Fatalf("err=%v calls=%d, want perm after 1 call", err, calls)
	}
}

func TestRetryOp_Exhausts(t *testing.T) {
	calls := 0
	err := retryOp(context.Background(), fastRetry, func() error {
		calls++
		return errors.New("database is locked")
	})
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if calls != fastRetry.maxRetries+1 {
		t.Fatalf("calls = %d, want %d", calls, fastRetry.maxRetries+1)
	}
}

func TestRetryOp_StopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := retryConfig{maxRetries: 10, baseDelay: time.Hour, maxDelay: time.Hour}
	calls := 0
	done := make(chan error, 1)
	go func() {
		done <- retryOp(ctx, cfg, func() error {
			calls++
			return errors.New("SQLITE_BUSY")
		})
	}()
	cancel()
	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected the last transient error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("retryOp did not return after cancel")
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestBackoffDelay(t *testing.T) {
	cfg := retryConfig{baseDelay: 50 * time.Millisecond, maxDelay: 500 * time.Millisecond}
	for attempt, lo := range []time.Duration{50, 100, 200, 400} {
		lo *= time.Millisecond
		d := backoffDelay(cfg, attempt)
		if d < lo || d >= lo+cfg.baseDelay {
			t.Errorf("attempt %d: delay %v not in [%v, %v)", attempt, d, lo, lo+cfg.baseDelay)
		}
	}
	if d := backoffDelay(cfg, 8); d >= cfg.maxDelay+cfg.baseDelay {
		t.Errorf("attempt 8: delay %v exceeds cap", d)
	}
}
