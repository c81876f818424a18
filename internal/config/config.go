// ABOUTME: Configuration loading and parsing for matryxd
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete matryxd configuration
type Config struct {
	Matrix    MatrixConfig    `yaml:"matrix"`
	Database  DatabaseConfig  `yaml:"database"`
	SendQueue SendQueueConfig `yaml:"send_queue"`
	Bridge    BridgeConfig    `yaml:"bridge"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// MatrixConfig holds homeserver connection configuration
type MatrixConfig struct {
	Homeserver  string `yaml:"homeserver"`
	UserID      string `yaml:"user_id"`
	AccessToken string `yaml:"access_token"`
}

// DatabaseConfig holds the replica database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// SendQueueConfig holds retry tuning for the outbound send queue
type SendQueueConfig struct {
	MaxAttempts int `yaml:"max_attempts"`

	BackoffBase time.Duration `yaml:"-"`
	BackoffMax  time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	BackoffBaseRaw string `yaml:"backoff_base"`
	BackoffMaxRaw  string `yaml:"backoff_max"`
}

// BridgeConfig sizes the synchronous bridge's worker pool
type BridgeConfig struct {
	Workers   int `yaml:"workers"`
	QueueSize int `yaml:"queue_size"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
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

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Matrix.Homeserver == "" {
		return fmt.Errorf("matrix.homeserver is required")
	}
	if c.Matrix.UserID == "" {
		return fmt.Errorf("matrix.user_id is required")
	}
	if c.Matrix.AccessToken == "" {
		return fmt.Errorf("matrix.access_token is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.SendQueue.MaxAttempts < 0 {
		return fmt.Errorf("send_queue.max_attempts must not be negative")
	}
	if c.Bridge.Workers < 0 || c.Bridge.QueueSize < 0 {
		return fmt.Errorf("bridge.workers and bridge.queue_size must not be negative")
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.SendQueue.BackoffBaseRaw != "" {
		cfg.SendQueue.BackoffBase, err = time.ParseDuration(cfg.SendQueue.BackoffBaseRaw)
		if err != nil {
			return fmt.Errorf("parsing backoff_base %q: %w", cfg.SendQueue.BackoffBaseRaw, err)
		}
	}

	if cfg.SendQueue.BackoffMaxRaw != "" {
		cfg.SendQueue.BackoffMax, err = time.ParseDuration(cfg.SendQueue.BackoffMaxRaw)
		if err != nil {
			return fmt.Errorf("parsing backoff_max %q: %w", cfg.SendQueue.BackoffMaxRaw, err)
		}
	}

	return nil
}
