/*
Package errbus implements severity-routed error escalation.

Escalations carry a severity tier, a correlation id, and a stable error
code. They land in three places: a bounded in-memory history serving the
query operations (by correlation, by agent, by severity, unresolved), the
append-only newline-delimited JSON log at store/errors.log, and the
handlers registered for their severity tier.

Handlers run synchronously inside Escalate and are panic-contained. For
critical escalations the containment matters most: every registered
critical handler runs even when an earlier one panics, so a broken alert
hook cannot suppress the remaining ones.

A failure to write the on-disk log is itself logged and swallowed; the log
is a trail, and losing a line of it must never mask the error being
escalated.
*/
package errbus
