// Package config loads runtime configuration from environment variables
// and an optional config file using viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level runtime configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Anthropic AnthropicConfig `mapstructure:"anthropic"`
	GitHub    GitHubConfig    `mapstructure:"github"`
	Sandbox   SandboxConfig   `mapstructure:"sandbox"`
	Docker    DockerConfig    `mapstructure:"docker"`
	Runs      RunConfig       `mapstructure:"runs"`
	Artifacts ArtifactConfig  `mapstructure:"artifacts"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
}

// DatabaseConfig holds the database connector URL. The scheme selects
// the backing store: sqlite paths, postgres:// URLs, or "memory".
type DatabaseConfig struct {
	URL string `mapstructure:"url"`
}

// AnthropicConfig holds decision-maker settings.
type AnthropicConfig struct {
	APIKey    string `mapstructure:"api_key"`
	Model     string `mapstructure:"model"`
	MaxTokens int64  `mapstructure:"max_tokens"`
}

// GitHubConfig holds repository-hosting credentials.
type GitHubConfig struct {
	Token string `mapstructure:"token"`
}

// SandboxConfig selects and tunes the sandbox backend.
type SandboxConfig struct {
	Backend string `mapstructure:"backend"` // local or docker
}

// DockerConfig holds settings for the docker sandbox backend.
type DockerConfig struct {
	Host        string `mapstructure:"host"`
	APIVersion  string `mapstructure:"api_version"`
	Image       string `mapstructure:"image"`
	NetworkMode string `mapstructure:"network_mode"`
	MemoryLimit int64  `mapstructure:"memory_limit"`
	CPUQuota    int64  `mapstructure:"cpu_quota"`
}

// RunConfig bounds agent run execution.
type RunConfig struct {
	MaxRuntime    time.Duration `mapstructure:"max_runtime"`
	MaxIterations int           `mapstructure:"max_iterations"`
	MaxConcurrent int           `mapstructure:"max_concurrent"`
}

// ArtifactConfig holds artifact storage settings.
type ArtifactConfig struct {
	Dir       string `mapstructure:"dir"`
	MaxSizeMB int64  `mapstructure:"max_size_mb"`
}

// NATSConfig holds optional event-bus bridge settings. Leave URL empty
// to keep events in-process.
type NATSConfig struct {
	URL string `mapstructure:"url"`
}

// LoggingConfig holds logger settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration from the environment (RAMPAGENT_ prefix) and
// an optional config file, applying defaults for anything unset.
func Load() (*Config, error) {
	v := viper.New()

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.cors_origins", []string{"http://localhost:3000"})
	v.SetDefault("database.url", "rampagent.db")
	v.SetDefault("anthropic.model", "claude-sonnet-4-20250514")
	v.SetDefault("anthropic.max_tokens", 16384)
	v.SetDefault("sandbox.backend", "local")
	v.SetDefault("docker.image", "rampagent-sandbox:latest")
	v.SetDefault("docker.network_mode", "bridge")
	v.SetDefault("runs.max_runtime", 300*time.Second)
	v.SetDefault("runs.max_iterations", 50)
	v.SetDefault("runs.max_concurrent", 10)
	v.SetDefault("artifacts.dir", "./artifacts")
	v.SetDefault("artifacts.max_size_mb", 10)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetEnvPrefix("RAMPAGENT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("rampagent")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/rampagent")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}
