package worker

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/chiefd/chiefd/internal/common/constants"
	"github.com/chiefd/chiefd/internal/common/logger"
	"github.com/chiefd/chiefd/internal/events"
	"github.com/chiefd/chiefd/internal/events/bus"
)

func TestCapLiveOutputOverflow(t *testing.T) {
	huge := strings.Repeat("x", constants.LiveOutputMaxChars+1000)
	capped := capLiveOutput(huge)

	assert.LessOrEqual(t, len(capped), constants.LiveOutputMaxChars)
	assert.True(t, strings.HasPrefix(capped, constants.LiveOutputTruncationMarker))
	assert.True(t, strings.HasSuffix(capped, "x"))

	small := "just a line\n"
	assert.Equal(t, small, capLiveOutput(small))
}

func TestCapLiveOutputProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		chunks := rapid.SliceOfN(rapid.StringN(0, 4000, -1), 1, 40).Draw(rt, "chunks")
		buf := ""
		for _, c := range chunks {
			buf = capLiveOutput(buf + c + "\n")
			if len(buf) > constants.LiveOutputMaxChars {
				rt.Fatalf("buffer exceeded cap: %d", len(buf))
			}
			if !utf8.ValidString(buf) {
				rt.Fatalf("buffer is not valid UTF-8")
			}
		}
	})
}

func TestOutputEmitterThrottlesEvents(t *testing.T) {
	repo := setupWorkerRepo(t)
	ctx := context.Background()
	w := enqueueTestWorker(t, repo, nil)

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	memBus := bus.NewMemoryEventBus(log)
	t.Cleanup(memBus.Close)

	var mu sync.Mutex
	published := 0
	_, err = memBus.Subscribe(events.BuildWorkerOutputWildcardSubject(), func(ctx context.Context, ev *bus.Event) error {
		mu.Lock()
		published++
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	em := newOutputEmitter(repo, memBus, w.ID)
	em.now = func() time.Time { return now }

	for i := 0; i < 5; i++ {
		em.emit(ctx, "text", map[string]interface{}{"text": "chunk"})
	}
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return published == 1
	}, 2*time.Second, 10*time.Millisecond, "burst within one second publishes once")
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	assert.Equal(t, 1, published)
	mu.Unlock()

	now = now.Add(time.Second)
	em.emit(ctx, "text", map[string]interface{}{"text": "later"})
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return published == 2
	}, 2*time.Second, 10*time.Millisecond)

	// Every emission still landed in the buffer and on the row.
	assert.Equal(t, 6, strings.Count(em.snapshot(), "\n"))
	got, err := repo.Get(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, em.snapshot(), got.LiveOutput)
	assert.Contains(t, got.LiveOutput, `"type":"text"`)
}
