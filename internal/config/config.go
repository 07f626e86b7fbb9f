// ABOUTME: Configuration loading and parsing for toolgate
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// DefaultDatabasePath is the ledger location used when the config does not set database.path.
const DefaultDatabasePath = "~/.local/share/toolgate/toolgate.db"

// Startup policies for calls that arrive while a provider is starting or restarting.
const (
	StartupPolicyQueue    = "queue"
	StartupPolicyFailFast = "fail_fast"
)

// Config represents the complete toolgate configuration
type Config struct {
	Server     ServerConfig     `yaml:"server" toml:"server"`
	Database   DatabaseConfig   `yaml:"database" toml:"database"`
	Logging    LoggingConfig    `yaml:"logging" toml:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics" toml:"metrics"`
	Supervisor SupervisorConfig `yaml:"supervisor" toml:"supervisor"`
	Router     RouterConfig     `yaml:"router" toml:"router"`
	Sessions   SessionsConfig   `yaml:"sessions" toml:"sessions"`
	Providers  []ProviderConfig `yaml:"providers" toml:"providers"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr" toml:"grpc_addr"` // optional gRPC health service
}

// DatabaseConfig holds the event ledger location. An explicitly empty path
// disables the ledger.
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

// SupervisorConfig holds provider lifecycle timing
type SupervisorConfig struct {
	HandshakeTimeout   time.Duration `yaml:"-" toml:"-"`
	HeartbeatInterval  time.Duration `yaml:"-" toml:"-"`
	RestartBackoffBase time.Duration `yaml:"-" toml:"-"`
	RestartBackoffMax  time.Duration `yaml:"-" toml:"-"`
	RestartWindow      time.Duration `yaml:"-" toml:"-"`
	StopTimeout        time.Duration `yaml:"-" toml:"-"`
	MaxRestarts        int           `yaml:"max_restarts" toml:"max_restarts"`

	// Raw string values for unmarshaling
	HandshakeTimeoutRaw   string `yaml:"handshake_timeout" toml:"handshake_timeout"`
	HeartbeatIntervalRaw  string `yaml:"heartbeat_interval" toml:"heartbeat_interval"`
	RestartBackoffBaseRaw string `yaml:"restart_backoff_base" toml:"restart_backoff_base"`
	RestartBackoffMaxRaw  string `yaml:"restart_backoff_max" toml:"restart_backoff_max"`
	RestartWindowRaw      string `yaml:"restart_window" toml:"restart_window"`
	StopTimeoutRaw        string `yaml:"stop_timeout" toml:"stop_timeout"`
}

// RouterConfig holds tool call dispatch policy
type RouterConfig struct {
	CallTimeout          time.Duration `yaml:"-" toml:"-"`
	StartupWait          time.Duration `yaml:"-" toml:"-"`
	StartupPolicy        string        `yaml:"startup_policy" toml:"startup_policy"`
	SerializePerProvider bool          `yaml:"serialize_per_provider" toml:"serialize_per_provider"`

	CallTimeoutRaw string `yaml:"call_timeout" toml:"call_timeout"`
	StartupWaitRaw string `yaml:"startup_wait" toml:"startup_wait"`
}

// SessionsConfig holds SSE session configuration
type SessionsConfig struct {
	HeartbeatInterval    time.Duration `yaml:"-" toml:"-"`
	BufferSize           int           `yaml:"buffer_size" toml:"buffer_size"`
	HeartbeatIntervalRaw string        `yaml:"heartbeat_interval" toml:"heartbeat_interval"`
}

// ProviderConfig describes one backend process the supervisor launches.
type ProviderConfig struct {
	ID         string            `yaml:"id" toml:"id"`
	Command    string            `yaml:"command" toml:"command"`
	Args       []string          `yaml:"args" toml:"args"`
	WorkingDir string            `yaml:"working_dir" toml:"working_dir"`
	Env        map[string]string `yaml:"env" toml:"env"`
	Disabled   bool              `yaml:"disabled" toml:"disabled"`

	// Tools are registered for the provider in addition to whatever it
	// reports from tools/list. Providers that do not implement tools/list
	// are reachable only through these.
	Tools []ToolConfig `yaml:"tools" toml:"tools"`
}

// ToolConfig declares one tool a provider serves.
type ToolConfig struct {
	Name        string         `yaml:"name" toml:"name"`
	Description string         `yaml:"description" toml:"description"`
	InputSchema map[string]any `yaml:"input_schema" toml:"input_schema"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Files ending in .toml are decoded as TOML, everything else as YAML.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	cfg := Default()
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expandedData, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expandedData), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()
	cfg.Database.Path = expandHome(cfg.Database.Path)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Default returns a configuration with every default applied and no providers.
func Default() *Config {
	cfg := &Config{
		Server:   ServerConfig{HTTPAddr: "127.0.0.1:8765"},
		Database: DatabaseConfig{Path: expandHome(DefaultDatabasePath)},
		Logging:  LoggingConfig{Level: "info", Format: "text"},
		Metrics:  MetricsConfig{Enabled: true, Path: "/metrics"},
	}
	cfg.applyDefaults()
	return cfg
}

// applyDefaults fills zero values left after unmarshaling.
func (c *Config) applyDefaults() {
	s := &c.Supervisor
	if s.HandshakeTimeout == 0 {
		s.HandshakeTimeout = 5 * time.Second
	}
	if s.HeartbeatInterval == 0 {
		s.HeartbeatInterval = 15 * time.Second
	}
	if s.RestartBackoffBase == 0 {
		s.RestartBackoffBase = time.Second
	}
	if s.RestartBackoffMax == 0 {
		s.RestartBackoffMax = 60 * time.Second
	}
	if s.RestartWindow == 0 {
		s.RestartWindow = 10 * time.Minute
	}
	if s.StopTimeout == 0 {
		s.StopTimeout = 5 * time.Second
	}
	if s.MaxRestarts == 0 {
		s.MaxRestarts = 5
	}

	r := &c.Router
	if r.CallTimeout == 0 {
		r.CallTimeout = 30 * time.Second
	}
	if r.StartupWait == 0 {
		r.StartupWait = 2 * time.Second
	}
	if r.StartupPolicy == "" {
		r.StartupPolicy = StartupPolicyQueue
	}

	if c.Sessions.HeartbeatInterval == 0 {
		c.Sessions.HeartbeatInterval = 30 * time.Second
	}
	if c.Sessions.BufferSize == 0 {
		c.Sessions.BufferSize = 64
	}

	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// expandHome resolves a leading ~/ against the user's home directory.
func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[2:])
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}

	switch c.Router.StartupPolicy {
	case StartupPolicyQueue, StartupPolicyFailFast:
	default:
		return fmt.Errorf("router.startup_policy must be %q or %q, got %q",
			StartupPolicyQueue, StartupPolicyFailFast, c.Router.StartupPolicy)
	}

	if c.Supervisor.MaxRestarts < 0 {
		return fmt.Errorf("supervisor.max_restarts must not be negative")
	}
	if c.Supervisor.RestartBackoffMax < c.Supervisor.RestartBackoffBase {
		return fmt.Errorf("supervisor.restart_backoff_max must be >= restart_backoff_base")
	}
	if c.Sessions.BufferSize < 1 {
		return fmt.Errorf("sessions.buffer_size must be positive")
	}
	if !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path must start with '/'")
	}

	seen := make(map[string]bool, len(c.Providers))
	for i, p := range c.Providers {
		if p.ID == "" {
			return fmt.Errorf("providers[%d].id is required", i)
		}
		if p.Command == "" {
			return fmt.Errorf("providers[%d].command is required for provider %q", i, p.ID)
		}
		if seen[p.ID] {
			return fmt.Errorf("duplicate provider id %q", p.ID)
		}
		seen[p.ID] = true

		tools := make(map[string]bool, len(p.Tools))
		for j, t := range p.Tools {
			if t.Name == "" {
				return fmt.Errorf("providers[%d].tools[%d].name is required", i, j)
			}
			if tools[t.Name] {
				return fmt.Errorf("provider %q declares tool %q twice", p.ID, t.Name)
			}
			tools[t.Name] = true
		}
	}

	return nil
}

// EnabledProviders returns the providers that are not disabled, in file order.
func (c *Config) EnabledProviders() []ProviderConfig {
	out := make([]ProviderConfig, 0, len(c.Providers))
	for _, p := range c.Providers {
		if !p.Disabled {
			out = append(out, p)
		}
	}
	return out
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"supervisor.handshake_timeout", cfg.Supervisor.HandshakeTimeoutRaw, &cfg.Supervisor.HandshakeTimeout},
		{"supervisor.heartbeat_interval", cfg.Supervisor.HeartbeatIntervalRaw, &cfg.Supervisor.HeartbeatInterval},
		{"supervisor.restart_backoff_base", cfg.Supervisor.RestartBackoffBaseRaw, &cfg.Supervisor.RestartBackoffBase},
		{"supervisor.restart_backoff_max", cfg.Supervisor.RestartBackoffMaxRaw, &cfg.Supervisor.RestartBackoffMax},
		{"supervisor.restart_window", cfg.Supervisor.RestartWindowRaw, &cfg.Supervisor.RestartWindow},
		{"supervisor.stop_timeout", cfg.Supervisor.StopTimeoutRaw, &cfg.Supervisor.StopTimeout},
		{"router.call_timeout", cfg.Router.CallTimeoutRaw, &cfg.Router.CallTimeout},
		{"router.startup_wait", cfg.Router.StartupWaitRaw, &cfg.Router.StartupWait},
		{"sessions.heartbeat_interval", cfg.Sessions.HeartbeatIntervalRaw, &cfg.Sessions.HeartbeatInterval},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d <= 0 {
			return fmt.Errorf("parsing %s %q: must be positive", f.name, f.raw)
		}
		*f.dst = d
	}

	return nil
}
