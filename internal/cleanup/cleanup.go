package cleanup

import (
	"context"
	"fmt"
	"time"

	"github.com/italolelis/background_downloader/internal/logctx"
	"github.com/italolelis/background_downloader/internal/storage"
)

// DeleteExpiredTransfers removes finished transfer records older than keepFor.
func DeleteExpiredTransfers(ctx context.Context, repo storage.TransferWriteRepository, keepFor time.Duration, now time.Time) (int64, error) {
	logger := logctx.LoggerFromContext(ctx)

	deleted, err := repo.DeleteFinishedBefore(ctx, now.Add(-keepFor))
	if err != nil {
		logger.Error("Failed to delete expired transfers", "err", err)

		return 0, err
	}

	if deleted > 0 {
		logger.Info("Deleted expired transfers", "count", deleted, "keep_for", keepFor.String())
	}

	return deleted, nil
}

// Run deletes expired transfer records every interval until ctx is done.
// Failures are logged and retried on the next tick.
func Run(ctx context.Context, repo storage.TransferWriteRepository, interval, keepFor time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("cleanup interval must be positive, got %s", interval)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			_, _ = DeleteExpiredTransfers(ctx, repo, keepFor, now)
		}
	}
}
