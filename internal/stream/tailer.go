package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/chiefd/chiefd/internal/common/logger"
)

// transcriptQueueMax bounds the tailer's undrained event queue; the oldest
// events are dropped first so a slow consumer never stalls the reader.
const transcriptQueueMax = 512

// transcriptEvent is one parsed transcript line plus its raw bytes, which go
// to the consumer verbatim.
type transcriptEvent struct {
	Raw          json.RawMessage
	UUID         string
	ThinkingOnly bool
}

// tailState is what the tailer has learned from the lines it has seen so
// far. The multiplexer polls it to derive activity, context and meta events.
type tailState struct {
	Model      string
	TokenCount int
	CostUSD    float64
	ActiveTask string
	LastTask   string
	IsThinking bool
}

// tailer follows one transcript JSONL file. It watches the parent directory
// with fsnotify and keeps a polling ticker as fallback, so a missing watch
// (exhausted inotify instances, network filesystems) degrades to polling
// instead of silence. The file may not exist yet when the tailer starts.
type tailer struct {
	path         string
	afterUUID    string
	fromEnd      bool
	pollInterval time.Duration
	logger       *logger.Logger

	mu    sync.Mutex
	queue []transcriptEvent
	state tailState

	file    *os.File
	offset  int64
	pending []byte

	cancel context.CancelFunc
	done   chan struct{}
}

// newTailer prepares a tailer; start launches it. afterUUID resumes the
// initial scan just past that line; fromEnd skips everything already in the
// file (used after session boundaries).
func newTailer(path, afterUUID string, fromEnd bool, log *logger.Logger) *tailer {
	return &tailer{
		path:         path,
		afterUUID:    afterUUID,
		fromEnd:      fromEnd,
		pollInterval: 250 * time.Millisecond,
		logger:       log.WithFields(zap.String("transcript", filepath.Base(path))),
		done:         make(chan struct{}),
	}
}

func (t *tailer) start(ctx context.Context) {
	ctx, t.cancel = context.WithCancel(ctx)
	go t.run(ctx)
}

// stop cancels the tailer and waits for its goroutine to exit.
func (t *tailer) stop() {
	if t.cancel != nil {
		t.cancel()
	}
	<-t.done
}

// drain removes and returns up to max queued events.
func (t *tailer) drain(max int) []transcriptEvent {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.queue) == 0 {
		return nil
	}
	n := max
	if n > len(t.queue) {
		n = len(t.queue)
	}
	out := make([]transcriptEvent, n)
	copy(out, t.queue[:n])
	t.queue = append(t.queue[:0:0], t.queue[n:]...)
	return out
}

// snapshot returns the current tail-derived state.
func (t *tailer) snapshot() tailState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *tailer) run(ctx context.Context) {
	defer close(t.done)
	defer func() {
		if t.file != nil {
			t.file.Close()
		}
	}()

	// Initial scan: position for fromEnd, otherwise replay history with
	// the cursor applied. The cursor only ever applies to this scan.
	t.initialScan()

	var events chan fsnotify.Event
	var errs chan error
	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		if werr := watcher.Add(filepath.Dir(t.path)); werr != nil {
			t.logger.Debug("transcript watch failed, polling only", zap.Error(werr))
			watcher.Close()
			watcher = nil
		}
	} else {
		t.logger.Debug("fsnotify unavailable, polling only", zap.Error(err))
		watcher = nil
	}
	if watcher != nil {
		defer watcher.Close()
		events = watcher.Events
		errs = watcher.Errors
	}

	ticker := time.NewTicker(t.pollInterval)
	defer ticker.Stop()

	base := filepath.Base(t.path)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if filepath.Base(ev.Name) != base || ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			t.ingest()
		case _, ok := <-errs:
			if !ok {
				errs = nil
			}
		case <-ticker.C:
			t.ingest()
		}
	}
}

// initialScan reads whatever the file already holds. fromEnd seeks past it;
// a cursor suppresses everything up to and including the matching uuid. A
// cursor that never matches (rotated transcript) falls back to full replay.
func (t *tailer) initialScan() {
	if !t.open() {
		return
	}
	if t.fromEnd {
		if info, err := t.file.Stat(); err == nil {
			t.offset = info.Size()
		}
		return
	}
	evs := t.readNew()
	if t.afterUUID != "" {
		for i, ev := range evs {
			if ev.UUID == t.afterUUID {
				evs = evs[i+1:]
				break
			}
		}
	}
	t.enqueue(evs)
}

// open attempts to open the transcript; false means it does not exist yet.
func (t *tailer) open() bool {
	if t.file != nil {
		return true
	}
	f, err := os.Open(t.path)
	if err != nil {
		return false
	}
	t.file = f
	t.offset = 0
	t.pending = nil
	return true
}

func (t *tailer) ingest() {
	if !t.open() {
		return
	}
	t.enqueue(t.readNew())
}

// readNew reads bytes appended since the last read and returns the complete
// lines among them, parsed. A shrunken file (rewritten transcript) restarts
// from the top.
func (t *tailer) readNew() []transcriptEvent {
	info, err := t.file.Stat()
	if err != nil {
		return nil
	}
	size := info.Size()
	if size < t.offset {
		t.offset = 0
		t.pending = nil
	}
	if size == t.offset {
		return nil
	}

	buf := make([]byte, size-t.offset)
	n, err := t.file.ReadAt(buf, t.offset)
	if n == 0 && err != nil {
		return nil
	}
	t.offset += int64(n)
	t.pending = append(t.pending, buf[:n]...)

	var out []transcriptEvent
	for {
		idx := bytes.IndexByte(t.pending, '\n')
		if idx < 0 {
			break
		}
		line := bytes.TrimSpace(t.pending[:idx])
		t.pending = t.pending[idx+1:]
		if len(line) == 0 {
			continue
		}
		ev, ok := t.parseLine(line)
		if !ok {
			continue
		}
		out = append(out, ev)
	}
	return out
}

// parseLine turns one JSONL line into a transcript event and folds its
// facts into the tail state.
func (t *tailer) parseLine(raw []byte) (transcriptEvent, bool) {
	var line transcriptLine
	if err := json.Unmarshal(raw, &line); err != nil {
		t.logger.Debug("skipping malformed transcript line", zap.Error(err))
		return transcriptEvent{}, false
	}

	t.mu.Lock()
	if line.Message != nil {
		if line.Message.Model != "" {
			t.state.Model = line.Message.Model
		}
		if line.Message.Usage != nil {
			t.state.TokenCount = line.Message.Usage.total()
		}
	}
	if line.CostUSD > 0 {
		t.state.CostUSD += line.CostUSD
	}
	switch line.Type {
	case "assistant":
		bs := line.Message.blocks()
		for _, b := range bs {
			if b.Type == "tool_use" && b.Name != "" {
				t.state.ActiveTask = b.Name
				t.state.LastTask = b.Name
			}
		}
		t.state.IsThinking = len(bs) > 0 && bs[len(bs)-1].Type == "thinking"
	case "user":
		// Tool results and fresh user input both mean nothing is in flight.
		t.state.ActiveTask = ""
		t.state.IsThinking = false
	}
	t.mu.Unlock()

	rawCopy := make([]byte, len(raw))
	copy(rawCopy, raw)
	return transcriptEvent{
		Raw:          rawCopy,
		UUID:         line.UUID,
		ThinkingOnly: line.thinkingOnly(),
	}, true
}

func (t *tailer) enqueue(evs []transcriptEvent) {
	if len(evs) == 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.queue = append(t.queue, evs...)
	if over := len(t.queue) - transcriptQueueMax; over > 0 {
		t.queue = append(t.queue[:0:0], t.queue[over:]...)
	}
}
