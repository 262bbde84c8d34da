/*
Package lattice implements the persistent capability-node graph.

The store is a single bbolt file (store/lattice.dat). bbolt gives exactly
the concurrency discipline the core requires: any number of readers on
consistent snapshots, writers serialized, and durability on every commit.
Nodes are stored as JSON values keyed by id in one bucket; tombstones live
in the same bucket flagged Deleted so replication treats deletions as
ordinary writes.

# Write paths

There are two distinct write paths with different stamping rules:

  - Put/Delete are local writes. They compute the content hash, stamp
    updated_at with the local clock and peer id, and enforce the acyclic
    dependency invariant. Rewriting identical content is a no-op that keeps
    the existing stamp, which makes put(get(id)) idempotent.

  - Apply is the federation write. The incoming node keeps its remote stamp
    and is merged under deterministic conflict resolution: newer wall clock
    wins, and an equal wall clock falls to the lexicographically larger
    origin peer id. Both sides of a sync run the same comparison and
    converge without coordination. An incoming node that would close a
    dependency cycle is rejected with ErrInvalidGraph; the sync engine
    records it as a failed entry and continues.

# Queries

Query applies AND-combined selectors (kind, category, capability, text) and
orders results by relevance: one point per capability selector hit, one per
text token hit, ties broken by updated_at descending. Cycle checking at
write time keeps the read side simple: the generation engine can walk
dependencies depth-first with no cycle-breaking logic.

Failure modes are three sentinels: ErrNotFound, ErrInvalidGraph, and
ErrStoreUnavailable (transient I/O, retryable).
*/
package lattice
