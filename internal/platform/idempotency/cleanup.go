package idempotency

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// RunCleanup deletes expired keys every interval until ctx is cancelled. Each tick drains up
// to batch records per call and keeps going while full batches come back.
func RunCleanup(ctx context.Context, store Store, interval time.Duration, batch int, logger *zap.Logger) {
	if store == nil || interval <= 0 {
		return
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := cleanupOnce(ctx, store, time.Now(), batch)
			if err != nil {
				logger.Warn("idempotency cleanup failed", zap.Error(err), zap.Int("removed", removed))
				continue
			}
			if removed > 0 {
				logger.Info("idempotency cleanup completed", zap.Int("removed", removed))
			}
		}
	}
}

func cleanupOnce(ctx context.Context, store Store, now time.Time, batch int) (int, error) {
	total := 0
	for {
		removed, err := store.CleanupExpired(ctx, now, batch)
		total += removed
		if err != nil || batch <= 0 || removed < batch {
			return total, err
		}
	}
}
