package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/robfig/cron/v3"
)

// Validate checks the configuration for internal consistency. It returns
// the first problem found.
func Validate(cfg *Config) error {
	if _, _, err := net.SplitHostPort(cfg.Server.ListenAddress); err != nil {
		return fmt.Errorf("server.listen_address %q is not host:port: %w", cfg.Server.ListenAddress, err)
	}
	if cfg.Server.ShutdownTimeout < 0 {
		return fmt.Errorf("server.shutdown_timeout must not be negative")
	}

	if cfg.Accounts.StorePath == "" {
		return fmt.Errorf("accounts.store_path is required")
	}

	for _, ep := range cfg.Upstream.Endpoints {
		u, err := url.Parse(ep)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("upstream.endpoints entry %q is not an absolute URL", ep)
		}
	}
	if cfg.Upstream.OAuth.TokenURL == "" {
		return fmt.Errorf("upstream.oauth.token_url is required")
	}

	if cfg.Pipeline.MaxSameAccountRetries < 0 || cfg.Pipeline.MaxTransportAttempts < 1 {
		return fmt.Errorf("pipeline retry bounds out of range")
	}
	if cfg.Pipeline.RetryDelayCap <= 0 {
		return fmt.Errorf("pipeline.retry_delay_cap must be positive")
	}

	if cfg.Usage.Enabled && cfg.Usage.Path == "" {
		return fmt.Errorf("usage.path is required when usage is enabled")
	}
	if cfg.Usage.Retention.Schedule != "" {
		if _, err := cron.ParseStandard(cfg.Usage.Retention.Schedule); err != nil {
			return fmt.Errorf("usage.retention.schedule %q: %w", cfg.Usage.Retention.Schedule, err)
		}
		if cfg.Usage.Retention.KeepFor <= 0 {
			return fmt.Errorf("usage.retention.keep_for must be positive when a schedule is set")
		}
	}

	switch strings.ToLower(cfg.Telemetry.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("telemetry.logging.level %q is not one of debug, info, warn, error", cfg.Telemetry.Logging.Level)
	}
	switch strings.ToLower(cfg.Telemetry.Logging.Format) {
	case "json", "text":
	default:
		return fmt.Errorf("telemetry.logging.format %q is not json or text", cfg.Telemetry.Logging.Format)
	}

	if cfg.Telemetry.Metrics.Enabled && !strings.HasPrefix(cfg.Telemetry.Metrics.Path, "/") {
		return fmt.Errorf("telemetry.metrics.path must start with /")
	}
	return nil
}
