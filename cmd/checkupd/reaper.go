package main

import (
	"context"
	"time"

	"go.uber.org/zap"
)

const reaperBatchSize = 100

type staleCheckupReaper interface {
	MarkStaleCheckupsFailed(ctx context.Context, olderThan time.Duration, limit int) (int, error)
}

// runReaper fails checkups left pending past staleAfter until ctx ends.
func runReaper(ctx context.Context, reaper staleCheckupReaper, logger *zap.Logger, interval time.Duration, staleAfter time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reapOnce(ctx, reaper, logger, staleAfter)
		}
	}
}

func reapOnce(ctx context.Context, reaper staleCheckupReaper, logger *zap.Logger, staleAfter time.Duration) {
	for {
		failed, err := reaper.MarkStaleCheckupsFailed(ctx, staleAfter, reaperBatchSize)
		if err != nil {
			logger.Warn("stale checkup reaper failed", zap.Error(err))
			return
		}
		if failed > 0 {
			logger.Info("stale checkups failed", zap.Int("count", failed))
		}
		if failed < reaperBatchSize {
			return
		}
	}
}
