// Package telemetry groups the observability subpackages for Meridian.
//
//   - logging: structured slog setup with credential redaction
//   - metrics: Prometheus metrics collection
//
// Both subpackages are safe to leave unconfigured: logging falls back to
// an info-level JSON logger on stdout, and all methods on a nil
// *metrics.Metrics are no-ops.
package telemetry
