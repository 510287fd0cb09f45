package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// =============================================================================
// Config Types
// =============================================================================

// Config holds all application configuration.
type Config struct {
	Log          LogConfig          `mapstructure:"log"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Docker       DockerConfig       `mapstructure:"docker"`
	Build        BuildConfig        `mapstructure:"build"`
	Registry     RegistryConfig     `mapstructure:"registry"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Lock         LockConfig         `mapstructure:"lock"`
	AWS          AWSConfig          `mapstructure:"aws"`
	Webhook      WebhookConfig      `mapstructure:"webhook"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DatabaseConfig holds run-store configuration.
type DatabaseConfig struct {
	DSN string `mapstructure:"dsn"`
}

// DockerConfig holds Docker client configuration.
type DockerConfig struct {
	Host string `mapstructure:"host"`
}

// BuildConfig holds image build configuration.
type BuildConfig struct {
	Context    string `mapstructure:"context"`
	Dockerfile string `mapstructure:"dockerfile"`
}

// RegistryConfig holds container registry configuration.
type RegistryConfig struct {
	Repository string `mapstructure:"repository"`
}

// OrchestratorConfig holds service orchestration configuration.
type OrchestratorConfig struct {
	Cluster      string        `mapstructure:"cluster"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	WaitTimeout  time.Duration `mapstructure:"wait_timeout"`
}

// LockConfig holds environment lock configuration.
type LockConfig struct {
	// TTL is how long a lock survives before another run may break it.
	TTL time.Duration `mapstructure:"ttl"`
}

// AWSConfig holds per-environment AWS credential pairs. Each environment
// lives in its own account, so prod and dev each carry their own pair.
type AWSConfig struct {
	Prod CredentialsConfig `mapstructure:"prod"`
	Dev  CredentialsConfig `mapstructure:"dev"`
}

// CredentialsConfig holds one static credential pair and its region.
type CredentialsConfig struct {
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	Region          string `mapstructure:"region"`
}

// WebhookConfig holds webhook listener configuration.
type WebhookConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Secret          string        `mapstructure:"secret"`
	Branches        []string      `mapstructure:"branches"`
	QueueSize       int           `mapstructure:"queue_size"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Address returns the listener address in host:port format.
func (c WebhookConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// =============================================================================
// Config Loading
// =============================================================================

// LoadConfig loads configuration from file and environment.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("database.dsn", "./data/shipper.db")
	v.SetDefault("docker.host", "")
	v.SetDefault("build.context", ".")
	v.SetDefault("build.dockerfile", "Dockerfile")
	v.SetDefault("registry.repository", "game-jam")
	v.SetDefault("orchestrator.cluster", "game-jam-cluster")
	v.SetDefault("orchestrator.poll_interval", "15s")
	v.SetDefault("orchestrator.wait_timeout", "10m")
	v.SetDefault("lock.ttl", "30m")

	// Per-environment AWS credentials (empty defaults so environment
	// variables bind)
	v.SetDefault("aws.prod.access_key_id", "")
	v.SetDefault("aws.prod.secret_access_key", "")
	v.SetDefault("aws.prod.region", "eu-central-1")
	v.SetDefault("aws.dev.access_key_id", "")
	v.SetDefault("aws.dev.secret_access_key", "")
	v.SetDefault("aws.dev.region", "eu-central-1")

	// Webhook listener defaults
	v.SetDefault("webhook.host", "0.0.0.0")
	v.SetDefault("webhook.port", 8000)
	v.SetDefault("webhook.secret", "")
	v.SetDefault("webhook.branches", []string{"main", "dev"})
	v.SetDefault("webhook.queue_size", 16)
	v.SetDefault("webhook.read_timeout", "30s")
	v.SetDefault("webhook.write_timeout", "30s")
	v.SetDefault("webhook.shutdown_timeout", "30s")

	// Load from file if provided
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			// Only return error if file was explicitly specified and is invalid
			if _, ok := err.(viper.ConfigParseError); ok {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
			// File not found is OK, we'll use defaults
		}
	}

	// Enable environment variable overrides
	v.SetEnvPrefix("SHIPPER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Unmarshal config
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// =============================================================================
// Logger Setup
// =============================================================================

// SetupLogger creates a logger with the configured level and format.
func SetupLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if strings.ToLower(cfg.Log.Format) == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
