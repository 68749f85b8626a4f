package store

import (
	"context"
	"log/slog"
	"time"
)

const retentionWorkerInterval = time.Hour

// StartRetentionWorker runs a background goroutine that periodically prunes
// ledger entries older than retention. A non-positive retention disables it.
func StartRetentionWorker(ctx context.Context, repo Repository, retention time.Duration) {
	startRetentionWorker(ctx, repo, retention, retentionWorkerInterval)
}

func startRetentionWorker(ctx context.Context, repo Repository, retention, interval time.Duration) {
	if retention <= 0 {
		slog.Info("Retention worker disabled")
		return
	}

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		slog.Info("Retention worker started", "interval", interval, "retention", retention)

		prune(ctx, repo, retention)
		for {
			select {
			case <-ticker.C:
				prune(ctx, repo, retention)
			case <-ctx.Done():
				slog.Info("Retention worker shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

func prune(ctx context.Context, repo Repository, retention time.Duration) {
	deleted, err := repo.PruneBefore(ctx, time.Now().Add(-retention))
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		slog.Error("Retention worker failed to prune ledger", "error", err)
		return
	}
	if deleted > 0 {
		slog.Info("Retention worker pruned ledger", "count", deleted)
	}
}
