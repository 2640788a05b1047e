package config

import "time"

// Config is the root configuration for the meridian proxy.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Accounts  AccountsConfig  `yaml:"accounts"`
	Upstream  UpstreamConfig  `yaml:"upstream"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Usage     UsageConfig     `yaml:"usage"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig configures the caller-facing HTTP listener.
type ServerConfig struct {
	// ListenAddress is the host:port to bind.
	ListenAddress string `yaml:"listen_address"`

	// ReadHeaderTimeout bounds request header reads.
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`

	// IdleTimeout closes idle keep-alive connections.
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// MaxHeaderBytes limits request header size.
	MaxHeaderBytes int `yaml:"max_header_bytes"`
}

// AccountsConfig configures the pooled-account registry.
type AccountsConfig struct {
	// StorePath is the durable JSON account store.
	StorePath string `yaml:"store_path"`

	// RoutesPath persists per-model account pins.
	RoutesPath string `yaml:"routes_path"`

	// Watch reloads the store when it changes on disk, picking up
	// externally imported credentials.
	Watch bool `yaml:"watch"`
}

// UpstreamConfig configures the backend endpoints and OAuth application.
type UpstreamConfig struct {
	// Endpoints is the ordered endpoint list, primary first. Empty uses
	// the built-in defaults.
	Endpoints []string `yaml:"endpoints"`

	// UserAgent is sent on every upstream call.
	UserAgent string `yaml:"user_agent"`

	// ConnectTimeout bounds TCP connection establishment.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`

	// ResponseHeaderTimeout bounds the wait for upstream response headers.
	ResponseHeaderTimeout time.Duration `yaml:"response_header_timeout"`

	OAuth OAuthConfig `yaml:"oauth"`
}

// OAuthConfig identifies the OAuth application used for token refresh.
type OAuthConfig struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`

	// TokenURL is the OAuth token endpoint.
	TokenURL string `yaml:"token_url"`

	// CodeAssistURL is the base URL for project-scope discovery.
	CodeAssistURL string `yaml:"code_assist_url"`
}

// PipelineConfig bounds retry and rotation behavior.
type PipelineConfig struct {
	MaxSameAccountRetries int           `yaml:"max_same_account_retries"`
	MaxTransportAttempts  int           `yaml:"max_transport_attempts"`
	RetryDelayCap         time.Duration `yaml:"retry_delay_cap"`
	RequestTimeout        time.Duration `yaml:"request_timeout"`
	IdleStreamTimeout     time.Duration `yaml:"idle_stream_timeout"`

	// AllowRotation permits failover to another account when one fails.
	AllowRotation bool `yaml:"allow_rotation"`
}

// UsageConfig configures the token-usage recorder.
type UsageConfig struct {
	Enabled bool `yaml:"enabled"`

	// Path is the SQLite database file.
	Path string `yaml:"path"`

	// QueueSize bounds the async write queue.
	QueueSize int `yaml:"queue_size"`

	Retention RetentionConfig `yaml:"retention"`
}

// RetentionConfig schedules usage-record pruning.
type RetentionConfig struct {
	// Schedule is a standard cron expression; empty disables pruning.
	Schedule string `yaml:"schedule"`

	// KeepFor is how long records are retained.
	KeepFor time.Duration `yaml:"keep_for"`
}

// TelemetryConfig configures logging and metrics.
type TelemetryConfig struct {
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`

	// Format is json or text.
	Format string `yaml:"format"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}
