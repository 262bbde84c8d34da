/*
Package log provides structured logging for Ark using zerolog.

The package wraps zerolog behind a global logger initialized once at boot
via Init. Components take child loggers with WithComponent; pipeline code
attaches the request correlation id with WithCorrelationID so every log line
for one external request can be grepped by a single field; federation code
uses WithPeerID.

Usage:

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})

	busLog := log.WithComponent("bus")
	busLog.Warn().
		Str("correlation_id", msg.CorrelationID).
		Str("to", msg.To).
		Msg("inbox overflow, message dropped")

JSON output is the production default; console output is for development.
Never log key material or message payloads at info level or above.
*/
package log
