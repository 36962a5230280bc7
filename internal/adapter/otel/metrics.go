package otel

// NewMetrics and a dedicated OTel-native Metrics struct were dropped here:
// internal/metrics already declares every counter/histogram this process
// needs via promauto, scraped through /metrics. Running a second,
// OTLP-exported metric set alongside it would duplicate every instrument
// for no consumer — nothing subscribes to OTLP metrics in this deployment,
// only to the Prometheus scrape endpoint. The trace pipeline InitTracer
// sets up is kept: traces have no Prometheus equivalent.
