/*
Package metrics exposes Prometheus metrics and a health endpoint for redotail.

Metrics cover the whole pipeline: bytes read and validated by the reader,
change vectors decoded by the parser (labelled by opcode), transaction
assembly counters, memory-arena gauges, swap traffic, and the writer's
sent/confirmed counters with the acknowledged SCN watermark.

Register once at startup, then Serve on the configured bind address:

	metrics.Register()
	go metrics.Serve("0.0.0.0:9161")

Components report liveness through UpdateComponent; /healthz aggregates the
reports and returns 503 when any component is unhealthy.
*/
package metrics
