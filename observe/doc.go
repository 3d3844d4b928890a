// Package observe wires telemetry for the orchestration core.
//
// Observer bundles an OpenTelemetry tracer (one span per stage
// invocation), a meter backing the mandatory counters (task and stage
// totals, latency histograms, cache hits/misses, rate-limit rejections,
// circuit transitions) and a structured JSON logger with payload
// redaction. Exporters are selected by name through the exporters
// subpackage: otlp, prometheus, stdout or none.
package observe
