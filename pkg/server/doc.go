// Package server provides the caller-facing HTTP front end of the proxy.
//
// It ties the request pipeline, account registry, and router together and
// manages server lifecycle: start, graceful shutdown, and OS signals
// (SIGTERM, SIGINT).
//
// # Routes
//
//   - POST /v1/messages - chat calls, buffered or streaming per the
//     request's stream flag
//   - GET /healthz - liveness plus account-pool summary
//   - GET/POST /admin/accounts, DELETE /admin/accounts/{id} - pool admin
//   - POST /admin/accounts/healthy - clear every lockout
//   - GET /admin/usage - per-model token totals
//   - GET /metrics - Prometheus metrics, when enabled
//
// # Middleware Chain
//
// Requests pass through Recovery, RequestID, and Logging, outermost first.
//
// # Basic Usage
//
//	srv := server.New(cfg.Server, cfg.Telemetry.Metrics, cfg.Pipeline.AllowRotation, server.Dependencies{
//	    Registry: registry,
//	    Pipeline: pipe,
//	    Router:   router,
//	})
//	if err := srv.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
// Shutdown happens automatically on SIGTERM/SIGINT or context
// cancellation; in-flight requests drain within the configured timeout.
package server
