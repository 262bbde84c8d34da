/*
Package api is the HTTP and WebSocket surface of the node.

The REST routes front the pipeline (submit, inspect, cancel), the lattice
(stats, query, node CRUD), direct generation and validation, and the
federation layer (peer table, manual sync, and the two signed exchange
endpoints peers call during sync). Failures are returned as
{error: {code, message, correlation_id, recoverable}}.

Two WebSocket streams exist: /ws/requests/{cid} replays and follows one
request's bus conversation and escalations until the pipeline terminates,
and /ws/federation follows peer and sync events.

Federation endpoints authenticate by envelope signature against the
registered peer key; everything else is unauthenticated.
*/
package api
