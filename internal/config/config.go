// Package config provides configuration management for OpsMend.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all OpsMend configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Redis     RedisConfig     `yaml:"redis"`
	Engine    EngineConfig    `yaml:"engine"`
	Advisor   AdvisorConfig   `yaml:"advisor"`
	Executor  ExecutorConfig  `yaml:"executor"`
	Inventory InventoryConfig `yaml:"inventory"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	RateLimit       int           `yaml:"rate_limit"` // requests per minute per IP
}

// RedisConfig holds Redis connection settings. When disabled the server
// falls back to the in-memory store.
type RedisConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Addr        string `yaml:"addr"`
	PasswordEnv string `yaml:"password_env"`
	DB          int    `yaml:"db"`
	PoolSize    int    `yaml:"pool_size"`
}

// EngineConfig holds incident lifecycle policy.
type EngineConfig struct {
	// ApprovalMode requires operator sign-off before remediation runs.
	ApprovalMode bool `yaml:"approval_mode"`
	// ArchiveBucket is the object-storage bucket referenced by the disk
	// remediation runbook.
	ArchiveBucket string `yaml:"archive_bucket"`
	// RunbookPath optionally overrides the built-in runbooks from a YAML file.
	RunbookPath string `yaml:"runbook_path"`
}

// AdvisorConfig holds suggestion-service settings.
type AdvisorConfig struct {
	Enabled   bool          `yaml:"enabled"`
	APIKeyEnv string        `yaml:"api_key_env"`
	BaseURL   string        `yaml:"base_url"`
	Model     string        `yaml:"model"`
	Timeout   time.Duration `yaml:"timeout"`
}

// ExecutorConfig holds command agent settings.
type ExecutorConfig struct {
	BaseURL      string        `yaml:"base_url"`
	Timeout      time.Duration `yaml:"timeout"`
	PollInterval time.Duration `yaml:"poll_interval"`
	MaxPolls     int           `yaml:"max_polls"`
}

// InventoryConfig holds fleet inventory settings.
type InventoryConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, console
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			RateLimit:       60,
		},
		Redis: RedisConfig{
			Enabled:     false,
			Addr:        "localhost:6379",
			PasswordEnv: "REDIS_PASSWORD",
			DB:          0,
			PoolSize:    10,
		},
		Engine: EngineConfig{
			ApprovalMode:  true,
			ArchiveBucket: "incident-logs-archive",
		},
		Advisor: AdvisorConfig{
			Enabled:   true,
			APIKeyEnv: "OPENAI_API_KEY",
			Timeout:   60 * time.Second,
		},
		Executor: ExecutorConfig{
			BaseURL:      "http://localhost:9090",
			Timeout:      15 * time.Second,
			PollInterval: 2 * time.Second,
			MaxPolls:     60,
		},
		Inventory: InventoryConfig{
			BaseURL: "http://localhost:9091",
			Timeout: 15 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}
