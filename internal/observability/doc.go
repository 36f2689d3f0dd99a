// Package observability sets up logging and Prometheus metrics.
//
// Logging always goes through log/slog; Instrument decides where records end up.
// Metrics are registered on a caller-supplied registry so tests can use a fresh
// one per case.
package observability
