package main

import (
	"context"
	"fmt"

	"github.com/chiefd/chiefd/internal/catalog"
	"github.com/chiefd/chiefd/internal/common/config"
	"github.com/chiefd/chiefd/internal/common/logger"
	"github.com/chiefd/chiefd/internal/daybook"
	"github.com/chiefd/chiefd/internal/db"
	"github.com/chiefd/chiefd/internal/duty"
	"github.com/chiefd/chiefd/internal/events/bus"
	"github.com/chiefd/chiefd/internal/messaging"
	"github.com/chiefd/chiefd/internal/mission"
	"github.com/chiefd/chiefd/internal/session"
	"github.com/chiefd/chiefd/internal/settings"
	"github.com/chiefd/chiefd/internal/stream"
	"github.com/chiefd/chiefd/internal/tmux"
	"github.com/chiefd/chiefd/internal/worker"
)

// provideServices builds the engine components in dependency order. Nothing
// here starts a loop; main owns Start/Stop pairing.
func provideServices(ctx context.Context, cfg *config.Config, log *logger.Logger, store *db.Store, repos *Repositories, eventBus bus.EventBus) (*Services, error) {
	if err := catalog.Scaffold(cfg, log); err != nil {
		return nil, fmt.Errorf("scaffold runtime tree: %w", err)
	}
	if err := catalog.SyncToDB(ctx, store, cfg, log); err != nil {
		return nil, fmt.Errorf("sync catalog: %w", err)
	}
	prompts, err := catalog.LoadWorkerPrompts(catalog.WorkerPromptsPath(cfg))
	if err != nil {
		return nil, fmt.Errorf("load worker prompts: %w", err)
	}

	driver := tmux.NewDriver(cfg.Tmux, log)
	sst := settings.NewService(store, log)

	sessionMgr, err := session.NewManager(repos.Sessions, driver, cfg, sst, eventBus, log)
	if err != nil {
		return nil, fmt.Errorf("session manager: %w", err)
	}

	calendar, email, activity := buildAdapters(cfg)

	messagingSvc, err := messaging.NewService(repos.Messages, repos.Sessions, driver, sst, email, eventBus, cfg, log)
	if err != nil {
		return nil, fmt.Errorf("messaging: %w", err)
	}
	// Initial prompts go through the messaging cadence instead of a raw paste.
	sessionMgr.SetPromptDeliverer(messagingSvc)

	daybookSvc, err := daybook.NewService(repos.Daybook, eventBus, cfg, log)
	if err != nil {
		return nil, fmt.Errorf("daybook: %w", err)
	}

	heartbeat, err := mission.NewHeartbeat(sst, repos.Sessions, sessionMgr, calendar, activity, messagingSvc, eventBus, cfg, log)
	if err != nil {
		return nil, fmt.Errorf("heartbeat: %w", err)
	}
	heartbeat.SetDaybook(daybookSvc)

	missionSched, err := mission.NewScheduler(repos.Missions, repos.Executions, repos.Sessions, sessionMgr, heartbeat, eventBus, cfg, log)
	if err != nil {
		return nil, fmt.Errorf("mission scheduler: %w", err)
	}

	dutySched, err := duty.NewScheduler(repos.Duties, repos.Executions, repos.Sessions, sessionMgr, eventBus, cfg, log)
	if err != nil {
		return nil, fmt.Errorf("duty scheduler: %w", err)
	}

	return &Services{
		Settings:  sst,
		Tmux:      driver,
		Sessions:  sessionMgr,
		Messaging: messagingSvc,
		Daybook:   daybookSvc,
		Heartbeat: heartbeat,
		Missions:  missionSched,
		Duties:    dutySched,
		Workers:   worker.NewExecutor(repos.Workers, prompts, messagingSvc, eventBus, cfg, log),
		Stream:    stream.NewService(cfg, log),
	}, nil
}
