/*
Package metrics exposes Prometheus instrumentation for the Ark core.

Collectors are package-level and registered in init, so any package can
record without plumbing a registry. The metrics server is separate from the
public API listener and binds to loopback by default (api.metrics_addr).

Families:

  - ark_requests_total{state} — pipeline requests reaching a terminal state
  - ark_stage_duration_seconds{stage} — per-stage latency histogram
  - ark_bus_messages_published_total{kind} / ark_bus_messages_dropped_total{reason}
  - ark_escalations_total{severity}
  - ark_lattice_nodes{kind} / ark_lattice_writes_total
  - ark_federation_peers{reachable} / ark_federation_syncs_total{outcome}
  - ark_federation_conflicts_resolved_total / ark_federation_sync_bytes_total{direction}
*/
package metrics
