/*
Package types defines the shared domain types for the Ark core.

Every subsystem speaks in terms of these types: capability nodes and logical
timestamps (lattice and federation), agent messages and escalations (buses),
peer records and manifests (federation), and the pipeline state machine
(orchestrator). The package has no dependencies beyond the standard library
so any package can import it without cycles.

# Logical time

LogicalTime is the ordering primitive for replication. It pairs a wall-clock
millisecond with the writing peer's id and compares lexicographically, which
gives a strict total order across the fleet without synchronized clocks. Two
peers that write in the same millisecond are ordered by peer id, and that
tiebreak is what makes federation conflict resolution deterministic: both
sides of a conflict compute the same winner with no coordination.

# Tombstones

Deletion is represented as a CapabilityNode with Deleted set and a fresh
UpdatedAt. Tombstones flow through manifests and deltas like ordinary writes,
so a deletion replicates with the same ordering guarantees as an update: a
newer tombstone erases an older node, and an older tombstone cannot erase a
newer node.

# Severity

Severity carries its own ordering (debug < info < warning < error <
critical). Rank-based comparisons are used by the error bus for handler
routing and by the agent bus for overflow drop policy.
*/
package types
