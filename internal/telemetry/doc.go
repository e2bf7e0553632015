// Package telemetry wires OpenTelemetry metrics for wardend.
//
// The engine records metrics through the otel metric API (otel.Meter
// per package). This package installs the global MeterProvider backed
// by the Prometheus exporter, so all recorded metrics surface on the
// engine's /metrics endpoint and no collector is required.
//
// Usage:
//
//	provider, err := telemetry.NewProvider(telemetry.NewDefaultConfig())
//	if err != nil { ... }
//	defer provider.Shutdown(ctx)
//
//	http.Handle("/metrics", provider.Handler())
package telemetry
