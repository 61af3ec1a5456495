// Package config provides configuration management for chiefd.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for chiefd.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Home      HomeConfig      `mapstructure:"home"`
	Database  DatabaseConfig  `mapstructure:"database"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Tmux      TmuxConfig      `mapstructure:"tmux"`
	Agent     AgentConfig     `mapstructure:"agent"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// HomeConfig locates the orchestrated repository root. Everything the
// engine touches on disk lives under this root: .engine/ (db, pids,
// schema), .claude/ (role, mission and duty prompts) and Desktop/
// (session artifacts, conversation workspaces, daily files).
type HomeConfig struct {
	Root     string `mapstructure:"root"`
	Timezone string `mapstructure:"timezone"` // fixed user tz for wall-clock scheduling
}

// DatabaseConfig holds the embedded database configuration.
// An empty path resolves to <home>/.engine/data/db/system.db.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-process event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClusterID     string `mapstructure:"clusterId"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// TmuxConfig holds terminal multiplexer configuration.
type TmuxConfig struct {
	Binary  string `mapstructure:"binary"`
	Session string `mapstructure:"session"` // root tmux session holding all agent windows
}

// AgentConfig holds configuration for the external agent binary and the
// embedded MCP tool server the agents call back into.
type AgentConfig struct {
	// Binary is the agent CLI invoked inside tmux windows and worker subprocesses.
	Binary string `mapstructure:"binary"`

	// DefaultModel is used when no per-role model setting exists.
	DefaultModel string `mapstructure:"defaultModel"`

	// ReadyTimeout is how long spawn waits for the agent prompt, in seconds.
	ReadyTimeout int `mapstructure:"readyTimeout"`

	// McpServerEnabled enables the embedded MCP tool server (default: true)
	McpServerEnabled bool `mapstructure:"mcpServerEnabled"`

	// McpServerPort is the port for the embedded MCP tool server (default: 9091)
	McpServerPort int `mapstructure:"mcpServerPort"`

	// McpServerURL overrides the URL handed to spawned agents.
	// If McpServerEnabled is true and this is empty, it is auto-set to
	// http://localhost:{McpServerPort}/sse
	McpServerURL string `mapstructure:"mcpServerUrl"`
}

// SchedulerConfig holds duty/mission scheduler configuration.
type SchedulerConfig struct {
	TickSeconds        int `mapstructure:"tickSeconds"`        // duty/mission check cadence
	HeartbeatStartHour int `mapstructure:"heartbeatStartHour"` // chief wake window start (local)
	HeartbeatEndHour   int `mapstructure:"heartbeatEndHour"`   // chief wake window end (local)
	IdleThreshold      int `mapstructure:"idleThreshold"`      // min user idle seconds before a wake
}

// WorkerConfig holds background worker executor configuration.
type WorkerConfig struct {
	MaxConcurrent int `mapstructure:"maxConcurrent"`
	PollSeconds   int `mapstructure:"pollSeconds"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// ReadyTimeoutDuration returns the agent ready timeout as a time.Duration.
func (a *AgentConfig) ReadyTimeoutDuration() time.Duration {
	return time.Duration(a.ReadyTimeout) * time.Second
}

// TickDuration returns the scheduler tick as a time.Duration.
func (s *SchedulerConfig) TickDuration() time.Duration {
	return time.Duration(s.TickSeconds) * time.Second
}

// Location resolves the configured user time zone.
func (h *HomeConfig) Location() (*time.Location, error) {
	return time.LoadLocation(h.Timezone)
}

// EngineDir returns <home>/.engine.
func (c *Config) EngineDir() string { return filepath.Join(c.Home.Root, ".engine") }

// DataDir returns <home>/.engine/data.
func (c *Config) DataDir() string { return filepath.Join(c.EngineDir(), "data") }

// PidsDir returns <home>/.engine/data/pids (worker PID markers).
func (c *Config) PidsDir() string { return filepath.Join(c.DataDir(), "pids") }

// DBPath returns the database file path, honoring an explicit override.
func (c *Config) DBPath() string {
	if c.Database.Path != "" {
		return c.Database.Path
	}
	return filepath.Join(c.DataDir(), "db", "system.db")
}

// EngineConfigDir returns <home>/.engine/config (schema.sql, migrations, catalogs).
func (c *Config) EngineConfigDir() string { return filepath.Join(c.EngineDir(), "config") }

// MigrationsDir returns <home>/.engine/config/migrations.
func (c *Config) MigrationsDir() string { return filepath.Join(c.EngineConfigDir(), "migrations") }

// RolesDir returns <home>/.claude/roles.
func (c *Config) RolesDir() string { return filepath.Join(c.Home.Root, ".claude", "roles") }

// MissionsDir returns <home>/.claude/missions.
func (c *Config) MissionsDir() string { return filepath.Join(c.Home.Root, ".claude", "missions") }

// ScheduledDir returns <home>/.claude/scheduled (duty prompts).
func (c *Config) ScheduledDir() string { return filepath.Join(c.Home.Root, ".claude", "scheduled") }

// DesktopDir returns <home>/Desktop.
func (c *Config) DesktopDir() string { return filepath.Join(c.Home.Root, "Desktop") }

// SessionsDir returns <home>/Desktop/sessions.
func (c *Config) SessionsDir() string { return filepath.Join(c.DesktopDir(), "sessions") }

// ConversationsDir returns <home>/Desktop/conversations.
func (c *Config) ConversationsDir() string { return filepath.Join(c.DesktopDir(), "conversations") }

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	// launchd/systemd capture stdout; JSON keeps those captures parseable
	if os.Getenv("INVOCATION_ID") != "" || os.Getenv("XPC_SERVICE_NAME") != "" {
		return "json"
	}

	if env := os.Getenv("CHIEFD_ENV"); env == "production" || env == "prod" {
		return "json"
	}

	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8765)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Home defaults
	v.SetDefault("home.root", defaultHomeRoot())
	v.SetDefault("home.timezone", "America/Los_Angeles")

	// Database defaults - empty path means <home>/.engine/data/db/system.db
	v.SetDefault("database.path", "")

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clusterId", "chiefd-cluster")
	v.SetDefault("nats.clientId", "chiefd-client")
	v.SetDefault("nats.maxReconnects", 10)

	// Tmux defaults
	v.SetDefault("tmux.binary", "tmux")
	v.SetDefault("tmux.session", "chief")

	// Agent defaults
	v.SetDefault("agent.binary", "claude")
	v.SetDefault("agent.defaultModel", "sonnet")
	v.SetDefault("agent.readyTimeout", 30)
	v.SetDefault("agent.mcpServerEnabled", true)
	v.SetDefault("agent.mcpServerPort", 9091)
	v.SetDefault("agent.mcpServerUrl", "") // auto-set when mcpServerEnabled is true

	// Scheduler defaults
	v.SetDefault("scheduler.tickSeconds", 30)
	v.SetDefault("scheduler.heartbeatStartHour", 7)
	v.SetDefault("scheduler.heartbeatEndHour", 23)
	v.SetDefault("scheduler.idleThreshold", 10)

	// Worker defaults
	v.SetDefault("worker.maxConcurrent", 3)
	v.SetDefault("worker.pollSeconds", 5)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

func defaultHomeRoot() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, "chief")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix CHIEFD_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory,
// <home>/.engine/config/, or /etc/chiefd/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("CHIEFD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys)
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so we explicitly bind keys where env var naming differs from config key naming.
	_ = v.BindEnv("home.root", "CHIEFD_HOME", "CHIEFD_HOME_ROOT")
	_ = v.BindEnv("home.timezone", "CHIEFD_TIMEZONE", "CHIEFD_HOME_TIMEZONE")
	_ = v.BindEnv("agent.defaultModel", "CHIEFD_AGENT_DEFAULT_MODEL")
	_ = v.BindEnv("agent.mcpServerPort", "CHIEFD_AGENT_MCP_SERVER_PORT")
	_ = v.BindEnv("agent.mcpServerUrl", "CHIEFD_AGENT_MCP_SERVER_URL")
	_ = v.BindEnv("scheduler.tickSeconds", "CHIEFD_SCHEDULER_TICK_SECONDS")
	_ = v.BindEnv("worker.maxConcurrent", "CHIEFD_WORKER_MAX_CONCURRENT")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/chiefd/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Home.Root == "" {
		errs = append(errs, "home.root is required")
	} else if expanded, err := expandTilde(cfg.Home.Root); err == nil {
		cfg.Home.Root = expanded
	}

	if _, err := cfg.Home.Location(); err != nil {
		errs = append(errs, fmt.Sprintf("home.timezone %q is not a valid IANA zone", cfg.Home.Timezone))
	}

	if cfg.Tmux.Binary == "" {
		errs = append(errs, "tmux.binary is required")
	}
	if cfg.Tmux.Session == "" {
		errs = append(errs, "tmux.session is required")
	}

	if cfg.Agent.Binary == "" {
		errs = append(errs, "agent.binary is required")
	}
	if cfg.Agent.ReadyTimeout <= 0 {
		errs = append(errs, "agent.readyTimeout must be positive")
	}
	if cfg.Agent.McpServerEnabled {
		if cfg.Agent.McpServerPort <= 0 || cfg.Agent.McpServerPort > 65535 {
			errs = append(errs, "agent.mcpServerPort must be between 1 and 65535")
		}
		if cfg.Agent.McpServerURL == "" {
			cfg.Agent.McpServerURL = fmt.Sprintf("http://localhost:%d/sse", cfg.Agent.McpServerPort)
		}
	}

	if cfg.Scheduler.TickSeconds <= 0 {
		errs = append(errs, "scheduler.tickSeconds must be positive")
	}
	if cfg.Scheduler.HeartbeatStartHour < 0 || cfg.Scheduler.HeartbeatStartHour > 23 ||
		cfg.Scheduler.HeartbeatEndHour < 0 || cfg.Scheduler.HeartbeatEndHour > 23 ||
		cfg.Scheduler.HeartbeatStartHour >= cfg.Scheduler.HeartbeatEndHour {
		errs = append(errs, "scheduler heartbeat hours must satisfy 0 <= start < end <= 23")
	}

	if cfg.Worker.MaxConcurrent <= 0 {
		errs = append(errs, "worker.maxConcurrent must be positive")
	}
	if cfg.Worker.PollSeconds <= 0 {
		errs = append(errs, "worker.pollSeconds must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

func expandTilde(path string) (string, error) {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path, err
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
	}
	return path, nil
}
