package main

import (
	"go.uber.org/zap"

	"github.com/chiefd/chiefd/internal/common/config"
	"github.com/chiefd/chiefd/internal/common/logger"
	"github.com/chiefd/chiefd/internal/events"
	"github.com/chiefd/chiefd/internal/events/bus"
)

// provideEventBus selects the bus backend from config and wraps its cleanup
// with a drop report, so slow-subscriber losses surface in the shutdown log
// instead of vanishing with the process.
func provideEventBus(cfg *config.Config, log *logger.Logger) (bus.EventBus, func() error, error) {
	provider, cleanup, err := events.Provide(cfg, log)
	if err != nil {
		return nil, nil, err
	}

	closeBus := func() error {
		if counter, ok := provider.Bus.(interface{ Dropped() uint64 }); ok {
			if n := counter.Dropped(); n > 0 {
				log.Warn("Event bus dropped events from slow subscribers",
					zap.Uint64("count", n))
			}
		}
		return cleanup()
	}
	return provider.Bus, closeBus, nil
}
