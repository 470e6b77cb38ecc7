package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all application configuration.
type Config struct {
	Server     ServerConfig
	Logging    LogConfig
	RateLimit  RateLimitConfig
	Isolation  IsolationConfig
	Coverage   CoverageConfig
	Extensions ExtensionsConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port string `envconfig:"PORT" default:"8000"`
	Host string `envconfig:"HOST" default:"0.0.0.0"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
}

// RateLimitConfig holds rate limiting configuration for processing requests.
type RateLimitConfig struct {
	RequestsPerSecond int  `envconfig:"RATE_LIMIT_RPS" default:"10"`
	Burst             int  `envconfig:"RATE_LIMIT_BURST" default:"20"`
	Enabled           bool `envconfig:"RATE_LIMIT_ENABLED" default:"true"`

	// Cap across all clients; zero disables it.
	GlobalRequestsPerSecond int `envconfig:"RATE_LIMIT_GLOBAL_RPS" default:"50"`
	GlobalBurst             int `envconfig:"RATE_LIMIT_GLOBAL_BURST" default:"100"`
}

// IsolationConfig controls how extension processors are hosted.
type IsolationConfig struct {
	Mode            string        `envconfig:"ISOLATION_MODE" default:"auto"`
	StartTimeout    time.Duration `envconfig:"ISOLATION_START_TIMEOUT" default:"15s"`
	ShutdownTimeout time.Duration `envconfig:"ISOLATION_SHUTDOWN_TIMEOUT" default:"5s"`
	SocketDir       string        `envconfig:"ISOLATION_SOCKET_DIR"`
	Compression     string        `envconfig:"ISOLATION_COMPRESSION" default:"zstd"`
	BreakerFailures uint32        `envconfig:"ISOLATION_BREAKER_FAILURES" default:"3"`
	BreakerCooldown time.Duration `envconfig:"ISOLATION_BREAKER_COOLDOWN" default:"1m"`
}

// CoverageConfig configures the built-in coverage merge processor.
type CoverageConfig struct {
	Merger    string   `envconfig:"COVERAGE_MERGER" default:"command"`
	MergeTool string   `envconfig:"COVERAGE_MERGE_TOOL" default:"dotnet-coverage"`
	MergeArgs []string `envconfig:"COVERAGE_MERGE_ARGS" default:"merge"`
	MergeMode string   `envconfig:"COVERAGE_MERGE_MODE" default:"coverage"`
}

// ExtensionsConfig controls collector manifest discovery.
type ExtensionsConfig struct {
	Dirs    []string `envconfig:"EXTENSION_DIRS"`
	Pattern string   `envconfig:"EXTENSION_PATTERN" default:"**/*.collector.yaml"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

// LoadOrDefault loads configuration from environment or returns default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port: "8000",
			Host: "0.0.0.0",
		},
		Logging: LogConfig{
			Level:       "info",
			Development: false,
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond:       10,
			Burst:                   20,
			Enabled:                 true,
			GlobalRequestsPerSecond: 50,
			GlobalBurst:             100,
		},
		Isolation: IsolationConfig{
			Mode:            "auto",
			StartTimeout:    15 * time.Second,
			ShutdownTimeout: 5 * time.Second,
			Compression:     "zstd",
			BreakerFailures: 3,
			BreakerCooldown: time.Minute,
		},
		Coverage: CoverageConfig{
			Merger:    "command",
			MergeTool: "dotnet-coverage",
			MergeArgs: []string{"merge"},
			MergeMode: "coverage",
		},
		Extensions: ExtensionsConfig{
			Pattern: "**/*.collector.yaml",
		},
	}
}
