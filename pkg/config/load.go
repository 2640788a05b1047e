package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Load reads configuration from a YAML file, applies defaults, applies
// MERIDIAN_* environment overrides, and validates the result. An empty
// path yields the default configuration (plus overrides).
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read configuration file %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse configuration file %q: %w", path, err)
		}
	}

	ApplyDefaults(&cfg)
	applyEnvOverrides(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

// applyEnvOverrides applies MERIDIAN_SECTION_FIELD environment variables.
// Environment always wins over file values.
func applyEnvOverrides(cfg *Config) {
	setString := func(key string, dst *string) {
		if val := os.Getenv(key); val != "" {
			*dst = val
		}
	}
	setDuration := func(key string, dst *time.Duration) {
		if val := os.Getenv(key); val != "" {
			if d, err := time.ParseDuration(val); err == nil {
				*dst = d
			}
		}
	}
	setInt := func(key string, dst *int) {
		if val := os.Getenv(key); val != "" {
			if i, err := strconv.Atoi(val); err == nil {
				*dst = i
			}
		}
	}
	setBool := func(key string, dst *bool) {
		if val := os.Getenv(key); val != "" {
			if b, err := strconv.ParseBool(val); err == nil {
				*dst = b
			}
		}
	}

	setString("MERIDIAN_SERVER_LISTEN_ADDRESS", &cfg.Server.ListenAddress)
	setDuration("MERIDIAN_SERVER_SHUTDOWN_TIMEOUT", &cfg.Server.ShutdownTimeout)

	setString("MERIDIAN_ACCOUNTS_STORE_PATH", &cfg.Accounts.StorePath)
	setString("MERIDIAN_ACCOUNTS_ROUTES_PATH", &cfg.Accounts.RoutesPath)
	setBool("MERIDIAN_ACCOUNTS_WATCH", &cfg.Accounts.Watch)

	setString("MERIDIAN_UPSTREAM_USER_AGENT", &cfg.Upstream.UserAgent)
	setDuration("MERIDIAN_UPSTREAM_CONNECT_TIMEOUT", &cfg.Upstream.ConnectTimeout)
	setString("MERIDIAN_UPSTREAM_OAUTH_CLIENT_ID", &cfg.Upstream.OAuth.ClientID)
	setString("MERIDIAN_UPSTREAM_OAUTH_CLIENT_SECRET", &cfg.Upstream.OAuth.ClientSecret)
	setString("MERIDIAN_UPSTREAM_OAUTH_TOKEN_URL", &cfg.Upstream.OAuth.TokenURL)

	setInt("MERIDIAN_PIPELINE_MAX_SAME_ACCOUNT_RETRIES", &cfg.Pipeline.MaxSameAccountRetries)
	setInt("MERIDIAN_PIPELINE_MAX_TRANSPORT_ATTEMPTS", &cfg.Pipeline.MaxTransportAttempts)
	setDuration("MERIDIAN_PIPELINE_REQUEST_TIMEOUT", &cfg.Pipeline.RequestTimeout)
	setDuration("MERIDIAN_PIPELINE_IDLE_STREAM_TIMEOUT", &cfg.Pipeline.IdleStreamTimeout)
	setBool("MERIDIAN_PIPELINE_ALLOW_ROTATION", &cfg.Pipeline.AllowRotation)

	setBool("MERIDIAN_USAGE_ENABLED", &cfg.Usage.Enabled)
	setString("MERIDIAN_USAGE_PATH", &cfg.Usage.Path)
	setString("MERIDIAN_USAGE_RETENTION_SCHEDULE", &cfg.Usage.Retention.Schedule)
	setDuration("MERIDIAN_USAGE_RETENTION_KEEP_FOR", &cfg.Usage.Retention.KeepFor)

	setString("MERIDIAN_TELEMETRY_LOGGING_LEVEL", &cfg.Telemetry.Logging.Level)
	setString("MERIDIAN_TELEMETRY_LOGGING_FORMAT", &cfg.Telemetry.Logging.Format)
	setBool("MERIDIAN_TELEMETRY_METRICS_ENABLED", &cfg.Telemetry.Metrics.Enabled)
	setString("MERIDIAN_TELEMETRY_METRICS_PATH", &cfg.Telemetry.Metrics.Path)
}
