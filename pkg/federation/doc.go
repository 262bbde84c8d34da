/*
Package federation implements the peer registry, discovery, and the sync
engine.

# Registry

The registry is the peer table: id, endpoint, public key, reachability,
and per-peer sync stats. Peer ids are always the derived hash of the
public key; records violating that are rejected at registration and during
gossip merges. A janitor loop ages peers out (unreachable after peer_ttl,
removed after a further peer_gc) and the table is snapshotted to
store/peers.json on every change.

Peers arrive from three sources: static configuration, a UDP multicast
responder announcing {peer_id, endpoint_url, public_key, produced_at} on
the local network, and gossip exchanged during sync (union of both sides'
tables, capped at max_peers with least-recently-seen eviction).

# Sync

Sync is a two-phase exchange of ed25519-signed envelopes. Phase one swaps
manifests; equal manifest hashes end the sync as a no-op. Phase two swaps
deltas — every record the other side lacks or holds a different version
of — and applies them through the store's deterministic conflict
resolution, tombstones included. Apply is per-node and best-effort: a node
that fails (a cycle, say) is recorded in the failure summary and the rest
of the batch still lands.

Topology follows the peer role: local initiates against every known peer,
edge only against its hub, cloud accepts inbound and never initiates.
Transport faults trip a per-peer circuit breaker and mark the peer
unreachable; repeated manifest integrity failures escalate and put the
peer in a sync_period x4 backoff.
*/
package federation
