/*
Package metrics provides Prometheus metrics collection and exposition for the
agent.

The metrics package defines and registers agent metrics using the Prometheus
client library, giving observability into the last sampled system telemetry,
security event volume, command execution outcomes, backup activity, and the
local sync queue's backlog. Metrics are exposed via the debug HTTP endpoint
for scraping.

# Metrics Catalog

Telemetry:

	protekt_cpu_percent, protekt_memory_percent, protekt_disk_percent,
	protekt_processes_count - gauges refreshed from the latest stored
	telemetry sample every 30s by Collector.

Security events:

	protekt_security_events_total{event_type,severity} - counter; registered,
	but no subsystem increments it.
	protekt_security_events_unresolved - gauge, unresolved events in the last
	hour.

Commands:

	protekt_commands_executed_total{command_type,status} - counter;
	registered, but the command loop does not increment it.

Backups:

	protekt_backups_created_total, protekt_backups_uploaded_total,
	protekt_backup_size_bytes - counters/histogram; registered, but the
	backup engine does not update them.

Sync and backend:

	protekt_queue_depth{status} - gauge, refreshed from the store's queue
	status counts.
	protekt_sync_drains_total{outcome} - counter, incremented by the sync
	worker after each drain cycle.
	protekt_backend_healthy - gauge, refreshed from the backend liveness
	probe.

Alerts:

	protekt_alerts_sent_total{channel,outcome} - counter; registered, but the
	alert dispatcher does not increment it.

Anomaly:

	protekt_anomaly_score_last - gauge; registered, but the anomaly engine
	does not set it.

# Usage

	timer := metrics.NewTimer()
	// ... perform operation ...
	timer.ObserveDuration(durationHistogram) // a histogram measured in seconds

	http.Handle("/metrics", metrics.Handler())
*/
package metrics
