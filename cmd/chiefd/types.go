package main

import (
	"github.com/chiefd/chiefd/internal/daybook"
	"github.com/chiefd/chiefd/internal/duty"
	"github.com/chiefd/chiefd/internal/execution"
	"github.com/chiefd/chiefd/internal/messaging"
	"github.com/chiefd/chiefd/internal/mission"
	"github.com/chiefd/chiefd/internal/session"
	"github.com/chiefd/chiefd/internal/settings"
	"github.com/chiefd/chiefd/internal/stream"
	"github.com/chiefd/chiefd/internal/tmux"
	"github.com/chiefd/chiefd/internal/worker"
)

type Repositories struct {
	Sessions   *session.Repository
	Executions *execution.Repository
	Duties     *duty.Repository
	Missions   *mission.Repository
	Workers    *worker.Repository
	Messages   *messaging.Repository
	Daybook    *daybook.Repository
}

type Services struct {
	Settings  *settings.Service
	Tmux      *tmux.Driver
	Sessions  *session.Manager
	Messaging *messaging.Service
	Daybook   *daybook.Service
	Heartbeat *mission.Heartbeat
	Missions  *mission.Scheduler
	Duties    *duty.Scheduler
	Workers   *worker.Executor
	Stream    *stream.Service
}
