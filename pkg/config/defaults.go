package config

import "time"

// Default values applied to any zero-valued field after loading.
const (
	DefaultListenAddress     = "127.0.0.1:8085"
	DefaultReadHeaderTimeout = 10 * time.Second
	DefaultIdleTimeout       = 120 * time.Second
	DefaultShutdownTimeout   = 15 * time.Second
	DefaultMaxHeaderBytes    = 1 << 20

	DefaultStorePath  = "data/accounts.json"
	DefaultRoutesPath = "data/routes.json"

	DefaultUserAgent             = "antigravity/1.15.8 windows/amd64"
	DefaultConnectTimeout        = 20 * time.Second
	DefaultResponseHeaderTimeout = 60 * time.Second
	DefaultTokenURL              = "https://oauth2.googleapis.com/token"
	DefaultCodeAssistURL         = "https://cloudcode-pa.googleapis.com"

	DefaultMaxSameAccountRetries = 2
	DefaultMaxTransportAttempts  = 3
	DefaultRetryDelayCap         = 2 * time.Second
	DefaultRequestTimeout        = 2 * time.Minute
	DefaultIdleStreamTimeout     = 3 * time.Minute

	DefaultUsagePath      = "data/usage.db"
	DefaultUsageQueueSize = 256

	DefaultLogLevel    = "info"
	DefaultLogFormat   = "json"
	DefaultMetricsPath = "/metrics"
)

// ApplyDefaults fills zero-valued fields with production defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddress == "" {
		cfg.Server.ListenAddress = DefaultListenAddress
	}
	if cfg.Server.ReadHeaderTimeout == 0 {
		cfg.Server.ReadHeaderTimeout = DefaultReadHeaderTimeout
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.Server.MaxHeaderBytes == 0 {
		cfg.Server.MaxHeaderBytes = DefaultMaxHeaderBytes
	}

	if cfg.Accounts.StorePath == "" {
		cfg.Accounts.StorePath = DefaultStorePath
	}
	if cfg.Accounts.RoutesPath == "" {
		cfg.Accounts.RoutesPath = DefaultRoutesPath
	}

	if cfg.Upstream.UserAgent == "" {
		cfg.Upstream.UserAgent = DefaultUserAgent
	}
	if cfg.Upstream.ConnectTimeout == 0 {
		cfg.Upstream.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.Upstream.ResponseHeaderTimeout == 0 {
		cfg.Upstream.ResponseHeaderTimeout = DefaultResponseHeaderTimeout
	}
	if cfg.Upstream.OAuth.TokenURL == "" {
		cfg.Upstream.OAuth.TokenURL = DefaultTokenURL
	}
	if cfg.Upstream.OAuth.CodeAssistURL == "" {
		cfg.Upstream.OAuth.CodeAssistURL = DefaultCodeAssistURL
	}

	if cfg.Pipeline.MaxSameAccountRetries == 0 {
		cfg.Pipeline.MaxSameAccountRetries = DefaultMaxSameAccountRetries
	}
	if cfg.Pipeline.MaxTransportAttempts == 0 {
		cfg.Pipeline.MaxTransportAttempts = DefaultMaxTransportAttempts
	}
	if cfg.Pipeline.RetryDelayCap == 0 {
		cfg.Pipeline.RetryDelayCap = DefaultRetryDelayCap
	}
	if cfg.Pipeline.RequestTimeout == 0 {
		cfg.Pipeline.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.Pipeline.IdleStreamTimeout == 0 {
		cfg.Pipeline.IdleStreamTimeout = DefaultIdleStreamTimeout
	}

	if cfg.Usage.Path == "" {
		cfg.Usage.Path = DefaultUsagePath
	}
	if cfg.Usage.QueueSize == 0 {
		cfg.Usage.QueueSize = DefaultUsageQueueSize
	}

	if cfg.Telemetry.Logging.Level == "" {
		cfg.Telemetry.Logging.Level = DefaultLogLevel
	}
	if cfg.Telemetry.Logging.Format == "" {
		cfg.Telemetry.Logging.Format = DefaultLogFormat
	}
	if cfg.Telemetry.Metrics.Path == "" {
		cfg.Telemetry.Metrics.Path = DefaultMetricsPath
	}
}

// NewDefault returns a configuration with every default applied.
func NewDefault() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}
