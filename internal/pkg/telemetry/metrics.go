package telemetry

// SLI metric names used for instrumentation.
const (
	// Latency
	MetricAPILatencyP50 = "api.latency.p50"
	MetricAPILatencyP95 = "api.latency.p95"
	MetricAPILatencyP99 = "api.latency.p99"

	// Throughput
	MetricRequestsPerSec = "api.requests_per_second"

	// Data freshness
	MetricLocationAge  = "locations.data_age_seconds"
	MetricEventLatency = "events.publish_latency"

	// Availability
	MetricUptime = "service.uptime_percentage"

	// Business
	MetricZoneEntries = "business.zone_entries"
	MetricDwellAlerts = "business.dwell_alerts_sent"
)
