package store

import (
	"context"
	"math/rand/v2"
	"strings"
	"time"
)

// retryConfig bounds the retries of one store operation.
type retryConfig struct {
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

// Several server processes can write the same ledger at once; short retries
// absorb WAL contention without surfacing it to the arbiter.
var defaultRetryConfig = retryConfig{
	maxRetries: 4,
	baseDelay:  20 * time.Millisecond,
	maxDelay:   400 * time.Millisecond,
}

var transientMarkers = []string{
	"SQLITE_BUSY",
	"SQLITE_LOCKED",
	"IOERR_SHORT_READ",
	"database is locked",
	"database table is locked",
	"(5)",
	"(6)",
	"(517)", // SQLITE_BUSY_SNAPSHOT
	"(522)",
}

// isTransient reports whether err is SQLite lock contention that a retry
// can clear. modernc.org/sqlite exposes codes only in the message text.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, m := range transientMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

// retryOp runs fn until it succeeds, fails permanently, runs out of
// attempts or ctx ends. Waits grow exponentially with jitter.
func retryOp(ctx context.Context, cfg retryConfig, fn func() error) error {
	var err error
	for attempt := 0; ; attempt++ {
		if err = fn(); err == nil || !isTransient(err) || attempt >= cfg.maxRetries {
			return err
		}
		t := time.NewTimer(backoffDelay(cfg, attempt))
		select {
		case <-ctx.Done():
			t.Stop()
			return err
		case <-t.C:
		}
	}
}

// backoffDelay is min(base·2^attempt, max) plus up to one base of jitter.
func backoffDelay(cfg retryConfig, attempt int) time.Duration {
	d := cfg.baseDelay << uint(attempt)
	if d > cfg.maxDelay || d <= 0 {
		d = cfg.maxDelay
	}
	if cfg.baseDelay > 0 {
		d += rand.N(cfg.baseDelay)
	}
	return d
}
