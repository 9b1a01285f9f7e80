// Package observability wires logging, metrics and tracing for Pulse.
//
// Logging uses log/slog with redaction of credentials, metrics are Prometheus
// collectors registered on a caller-supplied registerer, and tracing uses
// OpenTelemetry with an OTLP gRPC exporter when an endpoint is configured.
//
// Example usage:
//
//	logger := observability.NewLogger(observability.LogConfig{Level: "info", Format: "json"})
//	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
//	tracer, shutdown := observability.NewTracer(observability.TraceConfig{ServiceName: "pulse"})
//	defer shutdown(context.Background())
package observability
