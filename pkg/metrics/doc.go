/*
Package metrics provides Prometheus collectors and component health
tracking for Gale's storage engine.

Collectors are flat package-level vars registered at init: write path
counters and gauges (points written, memtable and WAL sizes), flush
and compaction counters, summary edits, and raft indexes. Handler()
returns the scrape handler; HealthHandler() serves the aggregated
component health (wal, summary, raft, flush, compaction) as JSON,
returning 503 while any component is unhealthy.
*/
package metrics
