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

// Config holds all orchestrator configuration.
type Config struct {
	Fleet    FleetConfig    `mapstructure:"fleet"`
	SSH      SSHConfig      `mapstructure:"ssh"`
	Rollout  RolloutConfig  `mapstructure:"rollout"`
	Backup   BackupConfig   `mapstructure:"backup"`
	Database DatabaseConfig `mapstructure:"database"`
	LB       LBConfig       `mapstructure:"lb"`
	Notify   NotifyConfig   `mapstructure:"notify"`
	Provider ProviderConfig `mapstructure:"provider"`
	Log      LogConfig      `mapstructure:"log"`
}

// FleetConfig locates the inventory file.
type FleetConfig struct {
	File string `mapstructure:"file"`
}

// SSHConfig holds remote execution configuration.
type SSHConfig struct {
	KeyFile        string        `mapstructure:"key_file"`
	CommandTimeout time.Duration `mapstructure:"command_timeout"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

// RolloutConfig holds the rollout policy knobs.
type RolloutConfig struct {
	HealthRetries      int           `mapstructure:"health_retries"`
	HealthRetryDelay   time.Duration `mapstructure:"health_retry_delay"`
	HealthTimeout      time.Duration `mapstructure:"health_timeout"`
	RollbackOnFailure  bool          `mapstructure:"rollback_on_failure"`
	RollbackEscalation string        `mapstructure:"rollback_escalation"`
	DrainTimeout       time.Duration `mapstructure:"drain_timeout"`
	StartTimeout       time.Duration `mapstructure:"start_timeout"`
	InstallCommand     string        `mapstructure:"install_command"`
	MaxConcurrent      int           `mapstructure:"max_concurrent"`

	// Lifecycle selects the service driver: "script" runs the artifact's
	// stop/start scripts over SSH, "docker" drives the container named in
	// the artifact's compose file (or the host's "container" var).
	Lifecycle string `mapstructure:"lifecycle"`
}

// BackupConfig holds backup storage and retention configuration.
type BackupConfig struct {
	Dir       string        `mapstructure:"dir"`
	RetainFor time.Duration `mapstructure:"retain_for"`
}

// DatabaseConfig holds database configuration.
type DatabaseConfig struct {
	DSN string `mapstructure:"dsn"`
}

// LBConfig holds load balancer admin endpoint configuration.
type LBConfig struct {
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// NotifyConfig holds webhook notification configuration.
type NotifyConfig struct {
	WebhookURL string        `mapstructure:"webhook_url"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// ProviderConfig holds cloud inventory provider credentials. Secrets
// are set via ROLLOUT_PROVIDER_* environment variables.
type ProviderConfig struct {
	AWSAccessKeyID     string `mapstructure:"aws_access_key_id"`
	AWSSecretAccessKey string `mapstructure:"aws_secret_access_key"`
	AWSRegion          string `mapstructure:"aws_region"`
	DOToken            string `mapstructure:"do_token"`
	HetznerToken       string `mapstructure:"hetzner_token"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// =============================================================================
// Config Loading
// =============================================================================

// LoadConfig loads configuration from file and environment.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	v.SetDefault("fleet.file", "./fleet.yaml")
	v.SetDefault("ssh.key_file", "")
	v.SetDefault("ssh.command_timeout", "60s")
	v.SetDefault("ssh.connect_timeout", "10s")
	v.SetDefault("rollout.health_retries", 5)
	v.SetDefault("rollout.health_retry_delay", "3s")
	v.SetDefault("rollout.health_timeout", "5s")
	v.SetDefault("rollout.rollback_on_failure", true)
	v.SetDefault("rollout.rollback_escalation", "immediate")
	v.SetDefault("rollout.drain_timeout", "30s")
	v.SetDefault("rollout.start_timeout", "60s")
	v.SetDefault("rollout.install_command", "if [ -x ./setup.sh ]; then ./setup.sh; fi")
	v.SetDefault("rollout.lifecycle", "script")
	v.SetDefault("rollout.max_concurrent", 4)
	v.SetDefault("backup.dir", "./data/backups")
	v.SetDefault("backup.retain_for", "168h") // 7 days
	v.SetDefault("database.dsn", "./data/rollout.db")
	v.SetDefault("lb.url", "")
	v.SetDefault("lb.timeout", "10s")
	v.SetDefault("notify.webhook_url", "")
	v.SetDefault("notify.timeout", "5s")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

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
	v.SetEnvPrefix("ROLLOUT")
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
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}

	return slog.New(handler)
}
