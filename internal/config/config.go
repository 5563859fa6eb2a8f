// ABOUTME: Configuration loading and parsing for the fabric router and agents.
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing.

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// RouterConfig is the complete fabric-router configuration.
type RouterConfig struct {
	Server  ServerConfig  `yaml:"server"`
	Agents  AgentsConfig  `yaml:"agents"`
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// ServerConfig holds the router listen address.
type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// AgentsConfig holds per-connection policy for accepted agents.
type AgentsConfig struct {
	HeartbeatInterval time.Duration `yaml:"-"`
	HeartbeatTimeout  time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	HeartbeatIntervalRaw string `yaml:"heartbeat_interval"`
	HeartbeatTimeoutRaw  string `yaml:"heartbeat_timeout"`

	// ReadLimit caps the size of a single inbound frame in bytes.
	ReadLimit int64 `yaml:"read_limit"`

	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// RateLimitConfig holds the optional per-connection inbound rate limit.
type RateLimitConfig struct {
	Enabled   bool    `yaml:"enabled"`
	PerSecond float64 `yaml:"per_second"`
	Burst     int     `yaml:"burst"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig holds the Prometheus endpoint configuration.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// AgentConfig is the complete configuration for a fabric agent process.
type AgentConfig struct {
	RouterURL    string            `yaml:"router_url"`
	AgentID      string            `yaml:"agent_id"`
	Name         string            `yaml:"name"`
	AgentType    string            `yaml:"agent_type"`
	Capabilities []string          `yaml:"capabilities"`
	Metadata     map[string]string `yaml:"metadata"`

	Heartbeat HeartbeatConfig `yaml:"heartbeat"`
	Connect   ConnectConfig   `yaml:"connect"`
	Logging   LoggingConfig   `yaml:"logging"`

	RequestTimeout time.Duration `yaml:"-"`

	RequestTimeoutRaw string `yaml:"request_timeout"`
}

// HeartbeatConfig holds the agent-side heartbeat interval.
type HeartbeatConfig struct {
	Interval time.Duration `yaml:"-"`

	IntervalRaw string `yaml:"interval"`
}

// ConnectConfig holds the connect retry budget for an agent.
type ConnectConfig struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	InitialDelay time.Duration `yaml:"-"`
	MaxDelay     time.Duration `yaml:"-"`

	InitialDelayRaw string `yaml:"initial_delay"`
	MaxDelayRaw     string `yaml:"max_delay"`
}

// DefaultRouterConfig returns a RouterConfig with development defaults.
func DefaultRouterConfig() *RouterConfig {
	return &RouterConfig{
		Server: ServerConfig{ListenAddr: "localhost:8420"},
		Agents: AgentsConfig{
			HeartbeatInterval: 30 * time.Second,
			HeartbeatTimeout:  90 * time.Second,
			ReadLimit:         1 << 20,
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
		Metrics: MetricsConfig{Enabled: true, Path: "/metrics"},
	}
}

// DefaultAgentConfig returns an AgentConfig with development defaults.
// AgentID and capabilities must still be supplied by the caller.
func DefaultAgentConfig() *AgentConfig {
	return &AgentConfig{
		RouterURL: "ws://localhost:8420",
		AgentType: "worker",
		Heartbeat: HeartbeatConfig{Interval: 30 * time.Second},
		Connect: ConnectConfig{
			MaxAttempts:  5,
			InitialDelay: 500 * time.Millisecond,
			MaxDelay:     15 * time.Second,
		},
		Logging:        LoggingConfig{Level: "info", Format: "text"},
		RequestTimeout: 30 * time.Second,
	}
}

// LoadRouter reads a router configuration file from the given path.
// Environment variables in the format ${VAR_NAME} are expanded and duration
// strings are parsed into time.Duration values.
func LoadRouter(path string) (*RouterConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		// A missing file means development defaults.
		if os.IsNotExist(err) {
			return DefaultRouterConfig(), nil
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultRouterConfig()
	if err := yaml.Unmarshal([]byte(expandEnvVars(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseRouterDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// LoadAgent reads an agent configuration file from the given path.
func LoadAgent(path string) (*AgentConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		// A missing file means defaults; AgentID must then come from flags.
		if os.IsNotExist(err) {
			return DefaultAgentConfig(), nil
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultAgentConfig()
	if err := yaml.Unmarshal([]byte(expandEnvVars(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseAgentDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding
// environment variable values. Unset variables expand to the empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required router fields are present and coherent.
func (c *RouterConfig) Validate() error {
	if c.Server.ListenAddr == "" {
		return fmt.Errorf("server.listen_addr is required")
	}
	if c.Agents.HeartbeatInterval <= 0 {
		return fmt.Errorf("agents.heartbeat_interval must be positive")
	}
	if c.Agents.HeartbeatTimeout < c.Agents.HeartbeatInterval {
		return fmt.Errorf("agents.heartbeat_timeout must be at least the heartbeat interval")
	}
	if c.Agents.RateLimit.Enabled && c.Agents.RateLimit.PerSecond <= 0 {
		return fmt.Errorf("agents.rate_limit.per_second must be positive when rate limiting is enabled")
	}
	if c.Metrics.Enabled && c.Metrics.Path == "" {
		return fmt.Errorf("metrics.path is required when metrics are enabled")
	}
	return nil
}

// Validate checks that all required agent fields are present and coherent.
func (c *AgentConfig) Validate() error {
	if c.RouterURL == "" {
		return fmt.Errorf("router_url is required")
	}
	if c.AgentID == "" {
		return fmt.Errorf("agent_id is required")
	}
	if c.Heartbeat.Interval <= 0 {
		return fmt.Errorf("heartbeat.interval must be positive")
	}
	if c.Connect.MaxAttempts < 1 {
		return fmt.Errorf("connect.max_attempts must be at least 1")
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("request_timeout must be positive")
	}
	return nil
}

// parseRouterDurations converts raw duration strings into time.Duration values.
func parseRouterDurations(cfg *RouterConfig) error {
	if err := parseDuration(cfg.Agents.HeartbeatIntervalRaw, "agents.heartbeat_interval", &cfg.Agents.HeartbeatInterval); err != nil {
		return err
	}
	return parseDuration(cfg.Agents.HeartbeatTimeoutRaw, "agents.heartbeat_timeout", &cfg.Agents.HeartbeatTimeout)
}

// parseAgentDurations converts raw duration strings into time.Duration values.
func parseAgentDurations(cfg *AgentConfig) error {
	if err := parseDuration(cfg.Heartbeat.IntervalRaw, "heartbeat.interval", &cfg.Heartbeat.Interval); err != nil {
		return err
	}
	if err := parseDuration(cfg.Connect.InitialDelayRaw, "connect.initial_delay", &cfg.Connect.InitialDelay); err != nil {
		return err
	}
	if err := parseDuration(cfg.Connect.MaxDelayRaw, "connect.max_delay", &cfg.Connect.MaxDelay); err != nil {
		return err
	}
	return parseDuration(cfg.RequestTimeoutRaw, "request_timeout", &cfg.RequestTimeout)
}

// parseDuration parses raw into dst when raw is non-empty.
func parseDuration(raw, field string, dst *time.Duration) error {
	if raw == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parsing %s %q: %w", field, raw, err)
	}
	*dst = d
	return nil
}
