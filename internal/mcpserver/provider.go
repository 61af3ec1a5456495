package mcpserver

import (
	"context"
	"sync"
	"time"

	"github.com/chiefd/chiefd/internal/common/logger"
)

// Provide starts the MCP tool server and returns a cleanup function that
// stops it exactly once. Engine wiring defers the cleanup.
func Provide(ctx context.Context, cfg Config, svcs Services, log *logger.Logger) (*Server, func() error, error) {
	srv := New(cfg, svcs, log)
	if err := srv.Start(ctx); err != nil {
		return nil, nil, err
	}

	var stopOnce sync.Once
	cleanup := func() error {
		var stopErr error
		stopOnce.Do(func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			stopErr = srv.Stop(stopCtx)
		})
		return stopErr
	}

	return srv, cleanup, nil
}
