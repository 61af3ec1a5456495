package catalog

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chiefd/chiefd/internal/common/config"
	"github.com/chiefd/chiefd/internal/common/logger"
	"github.com/chiefd/chiefd/internal/db"
	"github.com/chiefd/chiefd/internal/session"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{}
	cfg.Home.Root = t.TempDir()
	cfg.Home.Timezone = "UTC"
	return cfg
}

func TestScaffoldWritesSeedsAndPrompts(t *testing.T) {
	cfg := testConfig(t)
	log := testLogger(t)

	require.NoError(t, Scaffold(cfg, log))

	for _, name := range []string{DutiesFile, MissionsFile, WorkerPromptsFile} {
		_, err := os.Stat(filepath.Join(cfg.EngineConfigDir(), name))
		assert.NoError(t, err, name)
	}
	_, err := os.Stat(filepath.Join(cfg.RolesDir(), "chief", "role.md"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(cfg.ScheduledDir(), "morning-brief.md"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(cfg.MissionsDir(), "inbox-triage.md"))
	assert.NoError(t, err)
}

func TestDefaultRoleTemplatesMatchRoleEnum(t *testing.T) {
	entries, err := defaultsFS.ReadDir("defaults/roles")
	require.NoError(t, err)

	known := map[string]bool{}
	for _, role := range session.WindowRoles() {
		known[role] = true
	}

	shipped := map[string]bool{}
	for _, e := range entries {
		require.True(t, e.IsDir(), e.Name())
		assert.True(t, known[e.Name()], "shipped role template %q is not a known role", e.Name())
		shipped[e.Name()] = true

		_, err := defaultsFS.ReadFile("defaults/roles/" + e.Name() + "/role.md")
		assert.NoError(t, err, "role %q ships without role.md", e.Name())
	}

	for _, role := range session.WindowRoles() {
		assert.True(t, shipped[role], "role %q ships no template", role)
	}

	// Every role the seed missions target has a persona to load.
	missions, err := LoadMissions(writeEmbedded(t, MissionsFile))
	require.NoError(t, err)
	for _, m := range missions {
		assert.True(t, shipped[m.Role], "mission %q targets role %q with no template", m.Slug, m.Role)
	}
}

// writeEmbedded materializes an embedded seed into a temp file so the
// loaders, which read from disk, can parse it.
func writeEmbedded(t *testing.T, name string) string {
	t.Helper()
	data, err := defaultsFS.ReadFile("defaults/" + name)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestScaffoldPreservesUserEdits(t *testing.T) {
	cfg := testConfig(t)
	log := testLogger(t)

	require.NoError(t, Scaffold(cfg, log))

	custom := filepath.Join(cfg.ScheduledDir(), "morning-brief.md")
	require.NoError(t, os.WriteFile(custom, []byte("my own brief"), 0o644))

	require.NoError(t, Scaffold(cfg, log))

	data, err := os.ReadFile(custom)
	require.NoError(t, err)
	assert.Equal(t, "my own brief", string(data))
}

func TestLoadDutiesValidates(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "duties.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
duties:
  - slug: broken
    name: Broken
    schedule_time: "25:00"
`), 0o644))

	_, err := LoadDuties(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "schedule_time")
}

func TestLoadMissionsRejectsChiefRole(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "missions.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
missions:
  - slug: bad
    name: Bad
    role: chief
    schedule_type: time
    schedule_time: "09:00"
`), 0o644))

	_, err := LoadMissions(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chief")
}

func TestWorkerPromptRender(t *testing.T) {
	cfg := testConfig(t)
	require.NoError(t, Scaffold(cfg, testLogger(t)))

	prompts, err := LoadWorkerPrompts(WorkerPromptsPath(cfg))
	require.NoError(t, err)
	assert.True(t, prompts.Has("research"))

	out, err := prompts.Render("research", map[string]string{
		"worker_id": "w-123",
		"topic":     "sqlite wal mode",
	})
	require.NoError(t, err)
	assert.Contains(t, out, "w-123")
	assert.Contains(t, out, "sqlite wal mode")
	assert.NotContains(t, out, "{topic}")
}

func TestWorkerPromptRenderFallsBackToGeneric(t *testing.T) {
	cfg := testConfig(t)
	require.NoError(t, Scaffold(cfg, testLogger(t)))

	prompts, err := LoadWorkerPrompts(WorkerPromptsPath(cfg))
	require.NoError(t, err)

	out, err := prompts.Render("no-such-type", map[string]string{
		"worker_id": "w-9",
		"task":      "do the thing",
	})
	require.NoError(t, err)
	assert.Contains(t, out, "do the thing")
}

func TestSyncToDBUpsertsAndPreservesRuntimeState(t *testing.T) {
	cfg := testConfig(t)
	log := testLogger(t)
	require.NoError(t, Scaffold(cfg, log))

	require.NoError(t, db.EnsureSeedFiles(cfg.EngineConfigDir()))
	pool, err := db.Open(cfg.DBPath())
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })
	require.NoError(t, db.Migrate(context.Background(), pool, cfg.EngineConfigDir(), log))
	store := db.NewStore(pool)

	ctx := context.Background()
	require.NoError(t, SyncToDB(ctx, store, cfg, log))

	var count int
	require.NoError(t, store.FetchOne(ctx, &count, `SELECT COUNT(*) FROM duties`))
	assert.Equal(t, 3, count)
	require.NoError(t, store.FetchOne(ctx, &count, `SELECT COUNT(*) FROM missions`))
	assert.Equal(t, 3, count)

	// Disable a duty, change its last status, then re-sync: runtime state
	// must survive while definition fields refresh.
	_, err = store.Execute(ctx,
		`UPDATE duties SET enabled = 0, last_status = 'failure' WHERE slug = 'morning-brief'`)
	require.NoError(t, err)

	require.NoError(t, SyncToDB(ctx, store, cfg, log))

	var row struct {
		Enabled    int     `db:"enabled"`
		LastStatus *string `db:"last_status"`
		Name       string  `db:"name"`
	}
	require.NoError(t, store.FetchOne(ctx, &row,
		`SELECT enabled, last_status, name FROM duties WHERE slug = 'morning-brief'`))
	assert.Equal(t, 0, row.Enabled)
	require.NotNil(t, row.LastStatus)
	assert.Equal(t, "failure", *row.LastStatus)
	assert.Equal(t, "Morning brief", row.Name)

	// No duplicate rows on repeat sync.
	require.NoError(t, store.FetchOne(ctx, &count, `SELECT COUNT(*) FROM duties`))
	assert.Equal(t, 3, count)
}
