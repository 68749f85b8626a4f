package store

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// IsBusyError checks if the error is a SQLITE_BUSY or "database is locked"
// error. Both are SQLite concurrency errors that warrant a retry.
func IsBusyError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

const (
	busyMaxRetries = 3
	busyBaseDelay  = 50 * time.Millisecond
)

// withBusyRetry runs fn with exponential backoff on busy errors: 50ms, 100ms.
func withBusyRetry(ctx context.Context, op string, fn func() error) error {
	var err error
	for i := 0; i < busyMaxRetries; i++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !IsBusyError(err) || i == busyMaxRetries-1 {
			break
		}

		delay := busyBaseDelay * time.Duration(1<<i)
		slog.Debug("Database busy, retrying", "op", op, "attempt", i+1, "delay", delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return fmt.Errorf("%s: %w", op, ctx.Err())
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}
