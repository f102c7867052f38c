// Package telemetry sets up OpenTelemetry tracing and metrics export for
// recalld.
//
// When disabled, Tracer and Meter fall back to the global (no-op) providers,
// so instrumented packages never need to check whether export is on.
// Exporter setup failures mark the instance degraded instead of stopping the
// service.
package telemetry
