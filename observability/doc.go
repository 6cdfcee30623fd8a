// Package observability exposes the client's Prometheus collectors and
// OpenTelemetry tracing helpers. Collectors register on the default
// registry via promauto; applications that scrape their own registry can
// gather them from prometheus.DefaultGatherer as usual.
package observability
