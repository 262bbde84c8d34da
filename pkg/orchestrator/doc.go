/*
Package orchestrator drives the per-request agent pipeline.

Each submission gets a correlation id and a track holding its state
machine:

	Received → Enriched → Composed → Validated → {Approved, Rejected}
	                                            → Reflected → Finalized
	                                                        ↘ Archived
	Any non-terminal state → Failed

Transitions are triggered by bus responses. The orchestrator publishes one
request per stage in pipeline order and waits for the matching response by
causation id, under a per-stage timeout. Recoverable stage errors and
timeouts retry with exponential backoff up to max_retries; unrecoverable
errors fail the pipeline and escalate. The mirror stage is advisory: its
failure degrades the result but never blocks delivery.

Cancellation is cooperative. Cancel closes a per-correlation channel that
agents poll through the Cancelled check; an in-flight stage is then given
grace_period to yield before being recorded as misbehaving_agent and having
its eventual output discarded. Cancelling a request already in a terminal
state is a no-op.
*/
package orchestrator
