package main

import (
	"context"
	"fmt"

	"github.com/chiefd/chiefd/internal/common/config"
	"github.com/chiefd/chiefd/internal/common/logger"
	"github.com/chiefd/chiefd/internal/mcpserver"
)

// provideMcpServer starts the embedded MCP tool server if enabled. It must
// be listening before the first agent spawns, since every agent's MCP
// config points at it. Returns a cleanup function, nil when disabled.
func provideMcpServer(ctx context.Context, cfg *config.Config, svcs *Services, repos *Repositories, log *logger.Logger) (func() error, error) {
	if !cfg.Agent.McpServerEnabled {
		return nil, nil
	}

	_, cleanup, err := mcpserver.Provide(ctx,
		mcpserver.Config{Port: cfg.Agent.McpServerPort},
		mcpserver.Services{
			Reports:    svcs.Workers,
			Executions: repos.Executions,
			Sessions:   svcs.Sessions,
		}, log)
	if err != nil {
		return nil, fmt.Errorf("failed to start MCP server: %w", err)
	}
	return cleanup, nil
}
