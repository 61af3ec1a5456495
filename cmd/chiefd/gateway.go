package main

import (
	"context"
	"fmt"

	"github.com/chiefd/chiefd/internal/common/config"
	"github.com/chiefd/chiefd/internal/common/logger"
	"github.com/chiefd/chiefd/internal/events/bus"
	"github.com/chiefd/chiefd/internal/gateway"
)

// provideGateway starts the HTTP gateway: health, notify-event, the chief
// message drop, the conversation SSE stream and the websocket event tap.
func provideGateway(ctx context.Context, cfg *config.Config, svcs *Services, repos *Repositories, eventBus bus.EventBus, log *logger.Logger) (func() error, error) {
	_, cleanup, err := gateway.Provide(ctx, cfg, gateway.Services{
		Stream:   svcs.Stream,
		Sessions: repos.Sessions,
		Chief:    svcs.Sessions,
		Bus:      eventBus,
		Snapshot: componentSnapshot(svcs),
	}, log)
	if err != nil {
		return nil, fmt.Errorf("failed to start gateway: %w", err)
	}
	return cleanup, nil
}

// componentSnapshot feeds the /health component list from the loop states.
func componentSnapshot(svcs *Services) gateway.SnapshotFunc {
	return func() []gateway.ComponentStatus {
		return []gateway.ComponentStatus{
			{Name: "duty_scheduler", Running: svcs.Duties.IsRunning()},
			{Name: "mission_scheduler", Running: svcs.Missions.IsRunning()},
			{Name: "worker_executor", Running: svcs.Workers.IsRunning()},
			{Name: "messaging", Running: svcs.Messaging.IsRunning()},
		}
	}
}
