/*
Package config loads, validates, and hot-reloads Ark configuration.

Precedence, lowest to highest: built-in defaults, store/config.toml,
ARK_<SECTION>_<KEY> environment variables (dot becomes underscore), CLI
flags. Flags are applied by the cobra layer after Load.

The file is TOML. Durations are written as strings ("30s", "5m"). Example:

	[peer]
	role = "local"
	endpoint_url = "http://10.0.0.5:8420"

	[federation]
	sync_period = "60s"
	peer_ttl = "5m"
	max_peers = 256

	[validator.rulesets]
	[[validator.rulesets.trading_basic]]
	id = "max-position"
	selector = "position_pct"
	operator = "lte"
	threshold = 0.10
	severity = "error"

# Hot reload

Manager keeps the live *Config behind an atomic pointer. A reload parses and
validates a complete new Config, then swaps the pointer; readers that
already took the old pointer finish with the old values. If the new file
does not validate, the swap is skipped and the old config remains active.
The fsnotify watcher triggers reloads on file writes.

Validation combines struct tags (go-playground/validator) with cross-field
rules: an edge peer requires a hub URL, and generation weights must sum to 1.
*/
package config
