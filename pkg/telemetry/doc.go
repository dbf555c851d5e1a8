// Package telemetry provides structured logging, Prometheus metrics and
// OpenTelemetry tracing for renewd. Logging rides on zerolog with component
// child loggers and context carriage; metrics and traces are opt-in, since
// a renewal run is a short-lived one-shot process.
package telemetry
