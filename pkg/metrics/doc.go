/*
Package metrics provides Prometheus metrics and health reporting for seedhost.

All metrics are package-level collectors registered with the default
Prometheus registry at init time and exposed by Handler on /metrics.

# Architecture

	┌──────────────────── METRICS SYSTEM ──────────────────────┐
	│                                                            │
	│  stream ─────────┐                                         │
	│  monitor ────────┤                                         │
	│  orchestrator ───┼──► package collectors ──► Handler()    │
	│  reconciler ─────┤                            /metrics     │
	│  Collector ──────┘  (record gauges from the store)         │
	│                                                            │
	│  api.HealthProbe ──► RegisterComponent ──► /health /ready  │
	└────────────────────────────────────────────────────────────┘

# Metrics Catalog

Stream metrics:
  - seedhost_process_sessions: live event subprocess sessions
  - seedhost_process_spawns_total{result}: ok, error, conflict, aborted
  - seedhost_stream_subscribers: attached subscribers
  - seedhost_stream_events_total{result}: delivered, malformed

Monitor metrics:
  - seedhost_monitor_sessions: nodes being polled
  - seedhost_status_polls_total{result}: ok, error
  - seedhost_status_changes_total: published snapshots

Orchestrator metrics:
  - seedhost_provisioning_total{result}: ok, error, concurrent
  - seedhost_drift_recoveries_total
  - seedhost_container_op_duration_seconds{op}: pull, create, start, stop, remove

Reconciler and record metrics:
  - seedhost_reconciliation_duration_seconds
  - seedhost_reconciliation_cycles_total
  - seedhost_users_total{state}: active, inactive
  - seedhost_nodes_total{state}: started, never_started

# Timing

	timer := metrics.NewTimer()
	err := rt.StartContainer(ctx, name)
	timer.ObserveDurationVec(metrics.ContainerOpDuration, "start")

# Health

Components report their state with RegisterComponent. GetHealth is
unhealthy when any registered component is. GetReadiness only looks at the
components named by SetCriticalComponents and is not_ready until each of them
has reported healthy.
*/
package metrics
