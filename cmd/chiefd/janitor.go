package main

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/chiefd/chiefd/internal/common/logger"
)

const janitorInterval = 2 * time.Minute

// runJanitor is the recovery loop: it sweeps session rows whose windows
// died, settles executions orphaned by those deaths, and revives the Chief
// if its agent is gone. Normal dispatch belongs to the schedulers; this
// loop only repairs.
func runJanitor(ctx context.Context, svcs *Services, repos *Repositories, log *logger.Logger) {
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if n, err := svcs.Sessions.CleanupOrphans(ctx); err != nil {
			log.Warn("Orphan session sweep failed", zap.Error(err))
		} else if n > 0 {
			log.Info("Closed orphaned sessions", zap.Int("count", n))
		}

		if n, err := repos.Executions.CloseOrphans(ctx); err != nil {
			log.Warn("Orphan execution sweep failed", zap.Error(err))
		} else if n > 0 {
			log.Info("Settled orphaned executions", zap.Int("count", n))
		}

		if _, spawned, err := svcs.Sessions.EnsureChief(ctx); err != nil {
			log.Warn("Chief revive failed", zap.Error(err))
		} else if spawned {
			log.Info("Chief revived")
		}
	}
}
