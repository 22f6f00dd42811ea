// Package config provides YAML-based configuration loading for TeleClaude.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the top-level TeleClaude configuration, loaded from config.yaml.
type Config struct {
	MachineName  string         `yaml:"machine_name"`
	User         string         `yaml:"user"`
	Host         string         `yaml:"host"`
	DBPath       string         `yaml:"db_path"`
	EventsDB     string         `yaml:"events_db_path"`
	RedisURL     string         `yaml:"redis_url"`
	APISocket    string         `yaml:"api_socket"`
	ToolSocket   string         `yaml:"tool_socket"`
	ProjectsRoot string         `yaml:"projects_root"`
	LogLevel     string         `yaml:"log_level"`
	Session      SessionConfig  `yaml:"session"`
	Mesh         MeshConfig     `yaml:"mesh"`
	Output       OutputConfig   `yaml:"output"`
	Adapters     AdaptersConfig `yaml:"adapters"`
	Relay        RelayConfig    `yaml:"relay"`
}

// SessionConfig holds session lifecycle policy.
type SessionConfig struct {
	IdleTimeoutMin    int `yaml:"idle_timeout_min"`    // admin sessions; 0 = default 30
	CustomerSweepHrs  int `yaml:"customer_sweep_hrs"`  // customer sessions; 0 = default 72
	StickyCap         int `yaml:"sticky_cap"`          // 0 = default 5
	AdapterTimeoutSec int `yaml:"adapter_timeout_sec"` // per outbound send; 0 = default 30
}

// MeshConfig holds cross-machine transport settings.
type MeshConfig struct {
	HeartbeatSec      int   `yaml:"heartbeat_sec"`       // publish interval; 0 = default 10
	TTLMultiplier     int   `yaml:"ttl_multiplier"`      // online iff last beat within N*heartbeat; 0 = default 3
	StreamMaxLen      int64 `yaml:"stream_maxlen"`       // 0 = default 10000
	CommandTimeoutSec int   `yaml:"command_timeout_sec"` // cross-machine dispatch; 0 = default 120
}

// OutputConfig holds output pipeline settings.
type OutputConfig struct {
	PollIntervalMS int `yaml:"poll_interval_ms"` // 0 = default 1000
	MaxPollers     int `yaml:"max_pollers"`      // 0 = default 32
}

// AdaptersConfig toggles the built-in adapters. Tokens live in secrets.yaml.
type AdaptersConfig struct {
	Telegram bool `yaml:"telegram"`
	Discord  bool `yaml:"discord"`
	Redis    bool `yaml:"redis"`
	Web      bool `yaml:"web"`
	Rest     bool `yaml:"rest"`

	// TelegramAllowedIDs restricts who may talk to the Telegram bot.
	// Empty means any user.
	TelegramAllowedIDs []int64 `yaml:"telegram_allowed_ids"`
	// DiscordChannelID is the channel session threads hang off.
	DiscordChannelID string `yaml:"discord_channel_id"`
}

// RelayConfig holds help-desk relay settings.
type RelayConfig struct {
	AdminChannelID string `yaml:"admin_channel_id"` // Discord channel that receives escalation threads
}

// Load reads a YAML config file from path and returns a validated Config.
// Environment variables override file values after parsing.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	cfg.applyEnv()
	return cfg, nil
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.MachineName == "" {
		if hn, err := os.Hostname(); err == nil {
			c.MachineName = hn
		}
	}
	if c.User == "" {
		c.User = os.Getenv("USER")
	}
	if c.DBPath == "" {
		c.DBPath = defaultStatePath("teleclaude.db")
	}
	if c.EventsDB == "" {
		c.EventsDB = defaultStatePath("events.db")
	}
	if c.RedisURL == "" {
		c.RedisURL = "redis://127.0.0.1:6379/0"
	}
	if c.APISocket == "" {
		c.APISocket = "/tmp/teleclaude-api.sock"
	}
	if c.ToolSocket == "" {
		c.ToolSocket = "/tmp/teleclaude-tools.sock"
	}
	if c.ProjectsRoot == "" {
		if home, err := os.UserHomeDir(); err == nil {
			c.ProjectsRoot = filepath.Join(home, "projects")
		}
	}
	if c.Session.IdleTimeoutMin == 0 {
		c.Session.IdleTimeoutMin = 30
	}
	if c.Session.CustomerSweepHrs == 0 {
		c.Session.CustomerSweepHrs = 72
	}
	if c.Session.StickyCap == 0 {
		c.Session.StickyCap = 5
	}
	if c.Session.AdapterTimeoutSec == 0 {
		c.Session.AdapterTimeoutSec = 30
	}
	if c.Mesh.HeartbeatSec == 0 {
		c.Mesh.HeartbeatSec = 10
	}
	if c.Mesh.TTLMultiplier == 0 {
		c.Mesh.TTLMultiplier = 3
	}
	if c.Mesh.StreamMaxLen == 0 {
		c.Mesh.StreamMaxLen = 10000
	}
	if c.Mesh.CommandTimeoutSec == 0 {
		c.Mesh.CommandTimeoutSec = 120
	}
	if c.Output.PollIntervalMS == 0 {
		c.Output.PollIntervalMS = 1000
	}
	if c.Output.MaxPollers == 0 {
		c.Output.MaxPollers = 32
	}
}

// applyEnv applies environment variable overrides.
func (c *Config) applyEnv() {
	if v := os.Getenv("TELECLAUDE_DB_PATH"); v != "" {
		c.DBPath = v
	}
	if v := os.Getenv("TELECLAUDE_EVENTS_DB_PATH"); v != "" {
		c.EventsDB = v
	}
	if v := os.Getenv("TELECLAUDE_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("TELECLAUDE_REDIS_URL"); v != "" {
		c.RedisURL = v
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	if c.MachineName == "" {
		errs = append(errs, "machine_name is required")
	}
	if c.Adapters.Discord && c.Relay.AdminChannelID == "" {
		errs = append(errs, "relay.admin_channel_id is required when the discord adapter is enabled")
	}
	if c.Adapters.Discord && c.Adapters.DiscordChannelID == "" {
		errs = append(errs, "adapters.discord_channel_id is required when the discord adapter is enabled")
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// defaultStatePath returns ~/.teleclaude/<name>, falling back to the
// current directory when the home directory cannot be resolved.
func defaultStatePath(name string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return name
	}
	return filepath.Join(home, ".teleclaude", name)
}
