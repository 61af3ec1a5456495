package main

import (
	"context"
	"fmt"

	"github.com/chiefd/chiefd/internal/common/config"
	"github.com/chiefd/chiefd/internal/common/logger"
	"github.com/chiefd/chiefd/internal/daybook"
	"github.com/chiefd/chiefd/internal/db"
	"github.com/chiefd/chiefd/internal/duty"
	"github.com/chiefd/chiefd/internal/execution"
	"github.com/chiefd/chiefd/internal/messaging"
	"github.com/chiefd/chiefd/internal/mission"
	"github.com/chiefd/chiefd/internal/session"
	"github.com/chiefd/chiefd/internal/worker"
)

// provideStorage opens the SQLite store, brings the schema up to date and
// constructs every domain repository. The returned cleanup closes the pool.
func provideStorage(ctx context.Context, cfg *config.Config, log *logger.Logger) (*db.Store, *Repositories, func() error, error) {
	if err := db.EnsureSeedFiles(cfg.EngineConfigDir()); err != nil {
		return nil, nil, nil, fmt.Errorf("seed schema files: %w", err)
	}

	pool, err := db.Open(cfg.DBPath())
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Migrate(ctx, pool, cfg.EngineConfigDir(), log); err != nil {
		_ = pool.Close()
		return nil, nil, nil, fmt.Errorf("apply migrations: %w", err)
	}

	store := db.NewStore(pool)
	repos := &Repositories{
		Sessions:   session.NewRepository(store),
		Executions: execution.NewRepository(store),
		Duties:     duty.NewRepository(store),
		Missions:   mission.NewRepository(store),
		Workers:    worker.NewRepository(store),
		Messages:   messaging.NewRepository(store),
		Daybook:    daybook.NewRepository(store),
	}
	return store, repos, store.Close, nil
}
