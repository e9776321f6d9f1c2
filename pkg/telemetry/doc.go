// Package telemetry wires OpenTelemetry tracing and metric instruments for the
// scanning service.
//
// It centralises tracer provider setup and offers recording helpers for scans,
// detector runs and job transitions, so that operators can correlate verdicts
// with latency and failure rates without ever exporting scanned content.
package telemetry
