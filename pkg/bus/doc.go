/*
Package bus implements the correlation-tracked agent message bus.

Every message carries a correlation id shared by all traffic for one
external request, and optionally a causation id naming the message that
caused it. The bus keeps a bounded FIFO history ring with a correlation
index (updated under the same lock, so the two never disagree) and can
reconstruct a causal conversation tree from the causation edges.

# Delivery model

	Publish ──► history ring
	        └─► subscriber inboxes ──► delivery goroutine ──► handler

Each subscription owns a bounded inbox and one delivery goroutine. Publish
never blocks on a slow handler: it appends to the inbox and returns. A full
inbox evicts by message class, oldest first: events (the info/debug tier),
then requests, then responses. Error messages are never evicted; an error
arriving at a full inbox is admitted over capacity. Every overflow drop
produces a warning escalation tagged with the dropped message's correlation
id.

Because one goroutine drains each inbox in FIFO order and Publish appends
under a single lock, a receiver sees messages from any given sender in
publish order within a correlation. No ordering holds across correlations.

Handler errors and panics are contained: they are logged, escalated to the
error bus with the originating message attached, and the delivery loop
moves on. The bus itself never crashes because of a subscriber fault.

Messages whose TTL elapsed while queued are discarded at delivery time,
satisfying the rule that expired messages are never delivered.
*/
package bus
