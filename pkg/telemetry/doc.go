// Package telemetry provides structured logging, Prometheus metrics, and
// OpenTelemetry tracing for the PipeWarden orchestration engine.
//
// Logging is built on zerolog with field helpers for the identifiers that
// recur throughout the engine (run id, scraper, step, worker id). Metrics
// cover step completion, work queue flow, lease sweeps, and preflight
// outcomes. Tracing is optional and off by default.
package telemetry
