package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadEmptyPathUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.ListenAddress != DefaultListenAddress {
		t.Errorf("ListenAddress = %q", cfg.Server.ListenAddress)
	}
	if cfg.Upstream.UserAgent != DefaultUserAgent {
		t.Errorf("UserAgent = %q", cfg.Upstream.UserAgent)
	}
	if cfg.Pipeline.MaxSameAccountRetries != DefaultMaxSameAccountRetries {
		t.Errorf("MaxSameAccountRetries = %d", cfg.Pipeline.MaxSameAccountRetries)
	}
	if cfg.Telemetry.Logging.Format != "json" {
		t.Errorf("logging format = %q", cfg.Telemetry.Logging.Format)
	}
}

func TestLoadYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
server:
  listen_address: "0.0.0.0:9090"
accounts:
  store_path: /var/lib/meridian/accounts.json
  watch: true
pipeline:
  max_same_account_retries: 4
  request_timeout: 90s
  allow_rotation: true
usage:
  enabled: true
  retention:
    schedule: "0 3 * * *"
    keep_for: 720h
telemetry:
  logging:
    level: debug
    format: text
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.ListenAddress != "0.0.0.0:9090" {
		t.Errorf("ListenAddress = %q", cfg.Server.ListenAddress)
	}
	if cfg.Accounts.StorePath != "/var/lib/meridian/accounts.json" || !cfg.Accounts.Watch {
		t.Errorf("accounts = %+v", cfg.Accounts)
	}
	if cfg.Pipeline.MaxSameAccountRetries != 4 || cfg.Pipeline.RequestTimeout != 90*time.Second {
		t.Errorf("pipeline = %+v", cfg.Pipeline)
	}
	if !cfg.Pipeline.AllowRotation {
		t.Error("AllowRotation not set")
	}
	if cfg.Usage.Retention.Schedule != "0 3 * * *" || cfg.Usage.Retention.KeepFor != 720*time.Hour {
		t.Errorf("retention = %+v", cfg.Usage.Retention)
	}
	if cfg.Telemetry.Logging.Level != "debug" || cfg.Telemetry.Logging.Format != "text" {
		t.Errorf("logging = %+v", cfg.Telemetry.Logging)
	}

	// Unset fields still get defaults.
	if cfg.Upstream.OAuth.TokenURL != DefaultTokenURL {
		t.Errorf("TokenURL = %q", cfg.Upstream.OAuth.TokenURL)
	}
	if cfg.Pipeline.MaxTransportAttempts != DefaultMaxTransportAttempts {
		t.Errorf("MaxTransportAttempts = %d", cfg.Pipeline.MaxTransportAttempts)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("MERIDIAN_SERVER_LISTEN_ADDRESS", "127.0.0.1:7000")
	t.Setenv("MERIDIAN_PIPELINE_REQUEST_TIMEOUT", "45s")
	t.Setenv("MERIDIAN_PIPELINE_ALLOW_ROTATION", "true")
	t.Setenv("MERIDIAN_UPSTREAM_OAUTH_CLIENT_ID", "env-client")

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("server:\n  listen_address: \"0.0.0.0:9090\"\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.ListenAddress != "127.0.0.1:7000" {
		t.Errorf("environment should win over the file: %q", cfg.Server.ListenAddress)
	}
	if cfg.Pipeline.RequestTimeout != 45*time.Second {
		t.Errorf("RequestTimeout = %v", cfg.Pipeline.RequestTimeout)
	}
	if !cfg.Pipeline.AllowRotation {
		t.Error("AllowRotation override not applied")
	}
	if cfg.Upstream.OAuth.ClientID != "env-client" {
		t.Errorf("ClientID = %q", cfg.Upstream.OAuth.ClientID)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("Load of a named but missing file should fail")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "defaults pass",
			mutate: func(cfg *Config) {},
		},
		{
			name:    "bad listen address",
			mutate:  func(cfg *Config) { cfg.Server.ListenAddress = "no-port" },
			wantErr: "listen_address",
		},
		{
			name:    "relative endpoint",
			mutate:  func(cfg *Config) { cfg.Upstream.Endpoints = []string{"/v1internal"} },
			wantErr: "absolute URL",
		},
		{
			name:    "missing store path",
			mutate:  func(cfg *Config) { cfg.Accounts.StorePath = "" },
			wantErr: "store_path",
		},
		{
			name:    "zero transport attempts",
			mutate:  func(cfg *Config) { cfg.Pipeline.MaxTransportAttempts = 0 },
			wantErr: "retry bounds",
		},
		{
			name:    "bad cron expression",
			mutate:  func(cfg *Config) { cfg.Usage.Retention.Schedule = "whenever" },
			wantErr: "retention.schedule",
		},
		{
			name: "schedule without keep_for",
			mutate: func(cfg *Config) {
				cfg.Usage.Retention.Schedule = "0 3 * * *"
				cfg.Usage.Retention.KeepFor = 0
			},
			wantErr: "keep_for",
		},
		{
			name:    "unknown log level",
			mutate:  func(cfg *Config) { cfg.Telemetry.Logging.Level = "verbose" },
			wantErr: "logging.level",
		},
		{
			name: "metrics path without slash",
			mutate: func(cfg *Config) {
				cfg.Telemetry.Metrics.Enabled = true
				cfg.Telemetry.Metrics.Path = "metrics"
			},
			wantErr: "metrics.path",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefault()
			tt.mutate(cfg)
			err := Validate(cfg)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("err = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}
