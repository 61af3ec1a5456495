package worker

import (
	"context"
	"encoding/json"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/chiefd/chiefd/internal/common/constants"
	"github.com/chiefd/chiefd/internal/events"
	"github.com/chiefd/chiefd/internal/events/bus"
)

// outputEmitter owns one worker's rolling live_output buffer. Every hook
// emission appends exactly one JSON object plus newline, persists the capped
// buffer, and publishes worker.output_updated at most once per second.
type outputEmitter struct {
	repo *Repository
	bus  bus.EventBus
	id   string
	now  func() time.Time

	mu            sync.Mutex
	buf           string
	lastPublished time.Time
}

func newOutputEmitter(repo *Repository, eventBus bus.EventBus, id string) *outputEmitter {
	return &outputEmitter{repo: repo, bus: eventBus, id: id, now: time.Now}
}

// emit appends one structured event line. Persistence and publish failures
// are swallowed: live output is advisory and must never kill the run.
func (o *outputEmitter) emit(ctx context.Context, kind string, fields map[string]interface{}) {
	line := map[string]interface{}{
		"type": kind,
		"ts":   o.now().UTC().Format(time.RFC3339),
	}
	for k, v := range fields {
		line[k] = v
	}
	data, err := json.Marshal(line)
	if err != nil {
		return
	}

	o.mu.Lock()
	o.buf = capLiveOutput(o.buf + string(data) + "\n")
	buf := o.buf
	publish := o.lastPublished.IsZero() || o.now().Sub(o.lastPublished) >= constants.OutputEventMinInterval
	if publish {
		o.lastPublished = o.now()
	}
	o.mu.Unlock()

	_ = o.repo.SetLiveOutput(ctx, o.id, buf)

	if publish && o.bus != nil {
		ev := bus.NewEvent(events.WorkerOutputUpdated, "worker", map[string]interface{}{
			"worker_id": o.id,
		})
		_ = o.bus.Publish(ctx, events.BuildWorkerOutputSubject(o.id), ev)
	}
}

func (o *outputEmitter) snapshot() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.buf
}

// capLiveOutput enforces the live output size cap, dropping the head at a
// rune boundary behind a truncation marker.
func capLiveOutput(buf string) string {
	if len(buf) <= constants.LiveOutputMaxChars {
		return buf
	}
	marker := constants.LiveOutputTruncationMarker
	keep := constants.LiveOutputMaxChars - len(marker)
	start := len(buf) - keep
	for start < len(buf) && !utf8.RuneStart(buf[start]) {
		start++
	}
	return marker + buf[start:]
}
