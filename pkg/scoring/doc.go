/*
Package scoring provides the two pure evaluation capabilities of the core:
the weighted multi-factor scorer and the rule validator.

Both are side-effect free. The scorer turns a set of factor inputs and a
weight map into a Breakdown with per-factor contributions, a weighted total,
and a confidence figure derived from which inputs were actually available.
Weights must sum to 1 within 1e-6 or the call fails with ErrInvalidWeights.

The validator evaluates a ruleset against an action record. Selectors use
dot-notation into nested maps; operators cover eq, gt, lt, gte, lte,
between, exists, and regex. A rule states the condition the action must
satisfy, so a violation is recorded when the condition does not hold, and an
unresolved selector fails every operator except exists. The decision is
approved unless a violation of severity error or above matched.

Because both functions are deterministic and take no locks, callers may run
them concurrently from any agent without coordination.
*/
package scoring
