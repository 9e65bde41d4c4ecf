// ABOUTME: Configuration loading and parsing for forge-gateway
// ABOUTME: YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete forge-gateway configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Sessions SessionsConfig `yaml:"sessions"`
	Stream   StreamConfig   `yaml:"stream"`
	Client   ClientConfig   `yaml:"client"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig holds server address configuration.
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// PipelineConfig holds generation pipeline tuning.
type PipelineConfig struct {
	MaxIterations  int    `yaml:"max_iterations"`
	ScoreThreshold int    `yaml:"score_threshold"`
	AgentsFile     string `yaml:"agents_file"`

	InputTimeout time.Duration `yaml:"-"`

	// Raw string value for YAML unmarshaling
	InputTimeoutRaw string `yaml:"input_timeout"`
}

// SessionsConfig holds session registry tuning.
type SessionsConfig struct {
	QueueSize int `yaml:"queue_size"`

	IdleTimeout     time.Duration `yaml:"-"`
	CleanupInterval time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	IdleTimeoutRaw     string `yaml:"idle_timeout"`
	CleanupIntervalRaw string `yaml:"cleanup_interval"`
}

// StreamConfig holds push-channel tuning.
type StreamConfig struct {
	HeartbeatInterval time.Duration `yaml:"-"`

	// Raw string value for YAML unmarshaling
	HeartbeatIntervalRaw string `yaml:"heartbeat_interval"`
}

// ClientConfig holds subscriber-side reconnection tuning.
type ClientConfig struct {
	MaxRetries int `yaml:"max_retries"`

	RetryBaseDelay time.Duration `yaml:"-"`
	RetryMaxDelay  time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	RetryBaseDelayRaw string `yaml:"retry_base_delay"`
	RetryMaxDelayRaw  string `yaml:"retry_max_delay"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns a configuration with all defaults applied, suitable for
// running without a config file.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads a configuration file from the given path and returns a parsed
// Config. Environment variables in the format ${VAR_NAME} are expanded and
// duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding
// environment variable values. Unset variables become empty strings.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func (c *Config) applyDefaults() {
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = ":8080"
	}
	if c.Pipeline.MaxIterations <= 0 {
		c.Pipeline.MaxIterations = 3
	}
	if c.Pipeline.ScoreThreshold <= 0 {
		c.Pipeline.ScoreThreshold = 85
	}
	if c.Pipeline.InputTimeout <= 0 {
		c.Pipeline.InputTimeout = 10 * time.Minute
	}
	if c.Sessions.QueueSize <= 0 {
		c.Sessions.QueueSize = 1000
	}
	if c.Sessions.IdleTimeout <= 0 {
		c.Sessions.IdleTimeout = 30 * time.Minute
	}
	if c.Sessions.CleanupInterval <= 0 {
		c.Sessions.CleanupInterval = time.Minute
	}
	if c.Stream.HeartbeatInterval <= 0 {
		c.Stream.HeartbeatInterval = 5 * time.Second
	}
	if c.Client.MaxRetries <= 0 {
		c.Client.MaxRetries = 5
	}
	if c.Client.RetryBaseDelay <= 0 {
		c.Client.RetryBaseDelay = time.Second
	}
	if c.Client.RetryMaxDelay <= 0 {
		c.Client.RetryMaxDelay = 30 * time.Second
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks that all configuration fields are consistent.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Pipeline.MaxIterations > 10 {
		return fmt.Errorf("pipeline.max_iterations must be at most 10")
	}
	if c.Pipeline.ScoreThreshold > 100 {
		return fmt.Errorf("pipeline.score_threshold must be at most 100")
	}
	if c.Client.RetryBaseDelay > c.Client.RetryMaxDelay {
		return fmt.Errorf("client.retry_base_delay must not exceed client.retry_max_delay")
	}
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json")
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values.
func parseDurations(cfg *Config) error {
	fields := []struct {
		raw  string
		name string
		dst  *time.Duration
	}{
		{cfg.Pipeline.InputTimeoutRaw, "input_timeout", &cfg.Pipeline.InputTimeout},
		{cfg.Sessions.IdleTimeoutRaw, "idle_timeout", &cfg.Sessions.IdleTimeout},
		{cfg.Sessions.CleanupIntervalRaw, "cleanup_interval", &cfg.Sessions.CleanupInterval},
		{cfg.Stream.HeartbeatIntervalRaw, "heartbeat_interval", &cfg.Stream.HeartbeatInterval},
		{cfg.Client.RetryBaseDelayRaw, "retry_base_delay", &cfg.Client.RetryBaseDelay},
		{cfg.Client.RetryMaxDelayRaw, "retry_max_delay", &cfg.Client.RetryMaxDelay},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}
