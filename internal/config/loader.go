package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "orchestrator.yaml"

// CLIFlags holds command-line flag values. Nil pointers indicate unset flags
// that should not override the config. Use ParseFlags to populate this struct.
type CLIFlags struct {
	ConfigPath *string
	Port       *string
	LogLevel   *string
	DSN        *string
	NatsURL    *string
}

// ParseFlags parses command-line arguments into CLIFlags.
// Call this before Load/LoadWithCLI. Passing nil args parses os.Args[1:].
func ParseFlags(args []string) (CLIFlags, error) {
	var flags CLIFlags

	fs := flag.NewFlagSet("orchestrator", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to YAML config file")
	fs.StringVar(configPath, "c", "", "path to YAML config file (shorthand)")
	port := fs.String("port", "", "HTTP server port")
	fs.StringVar(port, "p", "", "HTTP server port (shorthand)")
	logLevel := fs.String("log-level", "", "logging level (debug, info, warn, error)")
	dsn := fs.String("dsn", "", "PostgreSQL connection string")
	natsURL := fs.String("nats-url", "", "NATS server URL")

	if err := fs.Parse(args); err != nil {
		return flags, fmt.Errorf("parse flags: %w", err)
	}

	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "config", "c":
			flags.ConfigPath = configPath
		case "port", "p":
			flags.Port = port
		case "log-level":
			flags.LogLevel = logLevel
		case "dsn":
			flags.DSN = dsn
		case "nats-url":
			flags.NatsURL = natsURL
		}
	})

	return flags, nil
}

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// YAML file is optional; missing file is not an error.
func Load() (*Config, error) {
	return LoadFrom(DefaultConfigFile)
}

// LoadWithCLI returns a Config using the full hierarchy:
// defaults < YAML < ENV < CLI flags. The YAML path can be overridden
// via CLIFlags.ConfigPath.
func LoadWithCLI(flags CLIFlags) (*Config, string, error) {
	yamlPath := DefaultConfigFile
	if flags.ConfigPath != nil {
		yamlPath = *flags.ConfigPath
	}

	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, "", fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)
	applyCLI(&cfg, flags)

	if err := validate(&cfg); err != nil {
		return nil, "", fmt.Errorf("config validate: %w", err)
	}

	return &cfg, yamlPath, nil
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV. The YAML file is optional.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return &cfg, nil
}

// applyCLI overlays CLI flag values onto cfg. Only non-nil flags override.
func applyCLI(cfg *Config, flags CLIFlags) {
	if flags.Port != nil {
		cfg.Server.Port = *flags.Port
	}
	if flags.LogLevel != nil {
		cfg.Logging.Level = *flags.LogLevel
	}
	if flags.DSN != nil {
		cfg.Postgres.DSN = *flags.DSN
	}
	if flags.NatsURL != nil {
		cfg.NATS.URL = *flags.NatsURL
	}
}

// loadYAML reads the YAML file and unmarshals it over cfg.
// Returns nil if the file does not exist.
func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is validated by caller
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	return nil
}

// loadEnv overlays environment variables onto cfg, using the flat
// operator-facing names the orchestrator documents (not a CODEFORGE_*
// internal namespace). Only non-empty env values override the current config.
func loadEnv(cfg *Config) {
	setString(&cfg.Server.Port, "PORT")
	setString(&cfg.Server.Domain, "DOMAIN")
	setString(&cfg.Postgres.DSN, "DATABASE_URL")
	setInt32(&cfg.Postgres.MaxConns, "PG_MAX_CONNS")
	setInt32(&cfg.Postgres.MinConns, "PG_MIN_CONNS")
	setDuration(&cfg.Postgres.MaxConnLifetime, "PG_MAX_CONN_LIFETIME")
	setDuration(&cfg.Postgres.MaxConnIdleTime, "PG_MAX_CONN_IDLE_TIME")
	setDuration(&cfg.Postgres.HealthCheck, "PG_HEALTH_CHECK")
	setString(&cfg.NATS.URL, "NATS_URL")

	setString(&cfg.Logging.Level, "LOG_LEVEL")
	setString(&cfg.Logging.Service, "LOG_SERVICE")
	setBool(&cfg.Logging.Async, "LOG_ASYNC")

	setInt(&cfg.Breaker.MaxFailures, "BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.Timeout, "BREAKER_TIMEOUT")

	setInt64(&cfg.Cache.L1MaxSizeMB, "CACHE_L1_SIZE_MB")
	setDuration(&cfg.Cache.TokenPositiveTTL, "TOKEN_CACHE_POSITIVE_TTL")
	setDuration(&cfg.Cache.TokenNegativeTTL, "TOKEN_CACHE_NEGATIVE_TTL")

	setBool(&cfg.OTEL.Enabled, "OTEL_ENABLED")
	setString(&cfg.OTEL.Endpoint, "OTEL_ENDPOINT")
	setString(&cfg.OTEL.ServiceName, "OTEL_SERVICE_NAME")
	setBool(&cfg.OTEL.Insecure, "OTEL_INSECURE")
	setFloat64(&cfg.OTEL.SampleRate, "OTEL_SAMPLE_RATE")

	setInt(&cfg.Git.MaxConcurrent, "GIT_MAX_CONCURRENT")
	setString(&cfg.Git.ImportRoot, "DATA_DIR")

	setString(&cfg.Editor.Image, "EDITOR_IMAGE")
	setString(&cfg.Editor.DataDir, "DATA_DIR")
	setDurationFromMinutes(&cfg.Editor.IdleTimeout, "IDLE_TIMEOUT_MINUTES")
	setDurationFromMillis(&cfg.Editor.PollInterval, "POLL_INTERVAL_MS")
	setDurationFromMillis(&cfg.Editor.SaveDebounce, "SAVE_DEBOUNCE_MS")
	setDurationFromMillis(&cfg.Editor.DocCleanupDelay, "DOC_CLEANUP_DELAY_MS")

	setString(&cfg.Services.AuthServiceURL, "AUTH_SERVICE_URL")
	setString(&cfg.Services.ComputeManagerURL, "COMPUTE_MANAGER_URL")
	setString(&cfg.Services.PublishServiceURL, "PUBLISH_SERVICE_URL")
	setString(&cfg.Services.ResourceMonitorURL, "RESOURCE_MONITOR_URL")

	setString(&cfg.SyncRelay.URL, "SYNC_RELAY_URL")
	setString(&cfg.SyncRelay.Port, "SYNC_RELAY_PORT")
	setBool(&cfg.SyncRelay.NoAuth, "SYNC_RELAY_NO_AUTH")
	setInt(&cfg.SyncRelay.MaxConns, "SYNC_RELAY_MAX_CONNS")

	setString(&cfg.Sync.Mode, "SYNC_MODE")

	setString(&cfg.Caddy.AdminURL, "CADDY_ADMIN_URL")

	setString(&cfg.OAuth.GitHubClientID, "GITHUB_CLIENT_ID")
	setString(&cfg.OAuth.GitHubClientSecret, "GITHUB_CLIENT_SECRET")
	setString(&cfg.OAuth.GoogleClientID, "GOOGLE_CLIENT_ID")
	setString(&cfg.OAuth.GoogleClientSecret, "GOOGLE_CLIENT_SECRET")
	setString(&cfg.OAuth.AWSRegion, "AWS_REGION")

	setDuration(&cfg.Lifecycle.ReconcileInterval, "LIFECYCLE_RECONCILE_INTERVAL")

	setString(&cfg.Webhook.ResourceMonitorSecret, "RESOURCE_MONITOR_WEBHOOK_SECRET")
}

// validate checks that required fields are set and security constraints are met.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server.port is required")
	}
	if cfg.Postgres.DSN == "" {
		return errors.New("postgres.dsn is required")
	}
	if cfg.NATS.URL == "" {
		return errors.New("nats.url is required")
	}
	if cfg.Postgres.MaxConns < 1 {
		return errors.New("postgres.max_conns must be >= 1")
	}
	if cfg.Breaker.MaxFailures < 1 {
		return errors.New("breaker.max_failures must be >= 1")
	}
	switch cfg.Sync.Mode {
	case "legacy", "mirror", "relay_primary":
	default:
		return fmt.Errorf("sync.mode must be one of legacy|mirror|relay_primary, got %q", cfg.Sync.Mode)
	}
	if cfg.SyncRelay.Port == "" {
		return errors.New("sync_relay.port is required")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt32(dst *int32, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			*dst = int32(n)
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

// setDurationFromMillis reads a bare integer (milliseconds) env var, the
// convention used by SAVE_DEBOUNCE_MS/DOC_CLEANUP_DELAY_MS/POLL_INTERVAL_MS.
func setDurationFromMillis(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = time.Duration(n) * time.Millisecond
		}
	}
}

// setDurationFromMinutes reads a bare integer (minutes) env var, the
// convention used by IDLE_TIMEOUT_MINUTES.
func setDurationFromMinutes(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = time.Duration(n) * time.Minute
		}
	}
}
