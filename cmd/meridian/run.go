package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"meridian-hq/meridian/pkg/accounts"
	"meridian-hq/meridian/pkg/config"
	"meridian-hq/meridian/pkg/pipeline"
	"meridian-hq/meridian/pkg/routing"
	"meridian-hq/meridian/pkg/server"
	"meridian-hq/meridian/pkg/telemetry/logging"
	"meridian-hq/meridian/pkg/telemetry/metrics"
	"meridian-hq/meridian/pkg/usage"
)

var runFlags struct {
	listenAddress string
	logLevel      string
	dryRun        bool
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the Meridian proxy server",
	Long: `Start the Meridian proxy server with the specified configuration.

Examples:
  # Start with default config
  meridian run

  # Start with custom config
  meridian run --config /etc/meridian/config.yaml

  # Override listen address
  meridian run --listen 0.0.0.0:8085

  # Validate config without starting the server
  meridian run --dry-run`,
	RunE: runServer,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVarP(&runFlags.listenAddress, "listen", "l", "", "override listen address")
	runCmd.Flags().StringVar(&runFlags.logLevel, "log-level", "", "override log level (debug, info, warn, error)")
	runCmd.Flags().BoolVar(&runFlags.dryRun, "dry-run", false, "validate config without starting the server")
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	if runFlags.listenAddress != "" {
		cfg.Server.ListenAddress = runFlags.listenAddress
	}
	if runFlags.logLevel != "" {
		cfg.Telemetry.Logging.Level = runFlags.logLevel
	}
	if verbose {
		cfg.Telemetry.Logging.Level = "debug"
	}

	logging.Setup(cfg.Telemetry.Logging.Level, cfg.Telemetry.Logging.Format, nil)

	if runFlags.dryRun {
		fmt.Println("configuration valid")
		return nil
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	// Account registry over the durable store.
	store := accounts.NewStore(cfg.Accounts.StorePath)
	refresher := accounts.NewOAuthRefresher(
		cfg.Upstream.OAuth.ClientID,
		cfg.Upstream.OAuth.ClientSecret,
		cfg.Upstream.OAuth.TokenURL,
		cfg.Upstream.OAuth.CodeAssistURL,
		cfg.Upstream.UserAgent,
	)
	registry := accounts.NewRegistry(store, refresher)
	registry.Load()
	slog.Info("account registry loaded", "accounts", registry.Count())

	if cfg.Accounts.Watch {
		watcher, err := accounts.NewStoreWatcher(registry, 0)
		if err != nil {
			slog.Warn("account store watcher unavailable", "error", err)
		} else {
			go func() {
				if err := watcher.Run(ctx); err != nil && ctx.Err() == nil {
					slog.Warn("account store watcher stopped", "error", err)
				}
			}()
		}
	}

	router := routing.New(registry, cfg.Accounts.RoutesPath)
	if err := router.Load(); err != nil {
		slog.Warn("route pins unavailable", "error", err)
	}

	// Usage accounting, optional.
	var recorder *usage.Recorder
	if cfg.Usage.Enabled {
		recorder, err = usage.NewRecorder(&usage.Config{
			Path:      cfg.Usage.Path,
			QueueSize: cfg.Usage.QueueSize,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize usage recorder: %w", err)
		}
		defer recorder.Close()

		retention := usage.NewScheduler(recorder, usage.RetentionConfig{
			Schedule: cfg.Usage.Retention.Schedule,
			KeepFor:  cfg.Usage.Retention.KeepFor,
		})
		if err := retention.Start(ctx); err != nil {
			slog.Warn("usage retention unavailable", "error", err)
		} else {
			defer retention.Stop()
		}
	}

	m := metrics.New()

	client := pipeline.NewClient(pipeline.ClientConfig{
		Endpoints:             cfg.Upstream.Endpoints,
		UserAgent:             cfg.Upstream.UserAgent,
		ConnectTimeout:        cfg.Upstream.ConnectTimeout,
		ResponseHeaderTimeout: cfg.Upstream.ResponseHeaderTimeout,
	})

	pipeOpts := []pipeline.PipelineOption{pipeline.WithMetrics(m)}
	if recorder != nil {
		pipeOpts = append(pipeOpts, pipeline.WithUsageRecorder(recorder))
	}
	pipe := pipeline.New(registry, client, pipeline.Config{
		MaxSameAccountRetries: cfg.Pipeline.MaxSameAccountRetries,
		MaxTransportAttempts:  cfg.Pipeline.MaxTransportAttempts,
		RetryDelayCap:         cfg.Pipeline.RetryDelayCap,
		RequestTimeout:        cfg.Pipeline.RequestTimeout,
		IdleStreamTimeout:     cfg.Pipeline.IdleStreamTimeout,
	}, pipeOpts...)

	srv := server.New(cfg.Server, cfg.Telemetry.Metrics, cfg.Pipeline.AllowRotation, server.Dependencies{
		Registry: registry,
		Pipeline: pipe,
		Router:   router,
		Usage:    recorder,
		Metrics:  m,
	})
	return srv.Start(ctx)
}
