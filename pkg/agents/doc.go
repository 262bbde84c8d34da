/*
Package agents implements the six pipeline roles as bus subscribers.

Scanner normalizes raw submissions into Requests, Scholar enriches them
with lattice context, Builder composes an artifact through the generation
engine, Arbiter applies the configured validation ruleset, Mirror produces
the reflection and documentation outline, and Reflector folds outcomes back
into the lattice after the pipeline completes.

Roles share one shape: a bus subscription whose handler reads the stage
payload, does its work, and publishes a response (or a typed stage error)
back to the orchestrator. The orchestrator supplies the per-correlation
cancellation check through Deps; handlers consult it before long work and
return promptly when it fires, letting the orchestrator fail the request
within its grace period instead of declaring the agent misbehaving.
*/
package agents
