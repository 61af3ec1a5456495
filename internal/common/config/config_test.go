package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadWithPath(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 8765, cfg.Server.Port)
	assert.Equal(t, "chief", cfg.Tmux.Session)
	assert.Equal(t, "claude", cfg.Agent.Binary)
	assert.Equal(t, "America/Los_Angeles", cfg.Home.Timezone)
	assert.Equal(t, 30, cfg.Scheduler.TickSeconds)
	assert.Equal(t, 3, cfg.Worker.MaxConcurrent)

	// Enabled MCP server with no explicit URL gets the local SSE endpoint.
	assert.True(t, cfg.Agent.McpServerEnabled)
	assert.Equal(t, "http://localhost:9091/sse", cfg.Agent.McpServerURL)

	loc, err := cfg.Home.Location()
	require.NoError(t, err)
	assert.Equal(t, "America/Los_Angeles", loc.String())
}

func TestLoadReadsConfigFile(t *testing.T) {
	dir := t.TempDir()
	yaml := `
server:
  port: 9900
home:
  root: ` + dir + `
  timezone: UTC
agent:
  defaultModel: opus
  mcpServerEnabled: false
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

	cfg, err := LoadWithPath(dir)
	require.NoError(t, err)

	assert.Equal(t, 9900, cfg.Server.Port)
	assert.Equal(t, dir, cfg.Home.Root)
	assert.Equal(t, "UTC", cfg.Home.Timezone)
	assert.Equal(t, "opus", cfg.Agent.DefaultModel)
	assert.False(t, cfg.Agent.McpServerEnabled)
	// Disabled server means no URL is synthesized.
	assert.Empty(t, cfg.Agent.McpServerURL)
	// Untouched sections keep their defaults.
	assert.Equal(t, "claude", cfg.Agent.Binary)
}

func TestLoadEnvOverrides(t *testing.T) {
	home := t.TempDir()
	t.Setenv("CHIEFD_SERVER_PORT", "7777")
	t.Setenv("CHIEFD_HOME", home)
	t.Setenv("CHIEFD_AGENT_DEFAULT_MODEL", "haiku")

	cfg, err := LoadWithPath(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, 7777, cfg.Server.Port)
	assert.Equal(t, home, cfg.Home.Root)
	assert.Equal(t, "haiku", cfg.Agent.DefaultModel)
}

func TestLoadExpandsTildeHome(t *testing.T) {
	t.Setenv("CHIEFD_HOME", "~/chief-test-home")

	cfg, err := LoadWithPath(t.TempDir())
	require.NoError(t, err)

	userHome, err := os.UserHomeDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(userHome, "chief-test-home"), cfg.Home.Root)
}

func TestLoadValidation(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "bad port",
			yaml: "server:\n  port: 0\n",
			want: "server.port",
		},
		{
			name: "bad timezone",
			yaml: "home:\n  timezone: Mars/Olympus\n",
			want: "home.timezone",
		},
		{
			name: "inverted heartbeat hours",
			yaml: "scheduler:\n  heartbeatStartHour: 22\n  heartbeatEndHour: 7\n",
			want: "heartbeat hours",
		},
		{
			name: "bad log level",
			yaml: "logging:\n  level: loud\n",
			want: "logging.level",
		},
		{
			name: "zero workers",
			yaml: "worker:\n  maxConcurrent: 0\n",
			want: "worker.maxConcurrent",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			dir := t.TempDir()
			require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(tc.yaml), 0o644))

			_, err := LoadWithPath(dir)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestLoadRejectsMalformedFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("server: [not a map"), 0o644))

	_, err := LoadWithPath(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reading config file")
}

func TestPathHelpers(t *testing.T) {
	cfg := &Config{}
	cfg.Home.Root = "/home/u/chief"

	assert.Equal(t, "/home/u/chief/.engine/data/db/system.db", cfg.DBPath())
	assert.Equal(t, "/home/u/chief/.engine/data/pids", cfg.PidsDir())
	assert.Equal(t, "/home/u/chief/.engine/config/migrations", cfg.MigrationsDir())
	assert.Equal(t, "/home/u/chief/.claude/roles", cfg.RolesDir())
	assert.Equal(t, "/home/u/chief/.claude/missions", cfg.MissionsDir())
	assert.Equal(t, "/home/u/chief/.claude/scheduled", cfg.ScheduledDir())
	assert.Equal(t, "/home/u/chief/Desktop/conversations", cfg.ConversationsDir())

	cfg.Database.Path = "/tmp/other.db"
	assert.Equal(t, "/tmp/other.db", cfg.DBPath())
}
