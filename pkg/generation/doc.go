/*
Package generation composes artifacts from lattice nodes.

Generation runs in four steps: query the lattice for candidates per
requirement, choose one candidate per requirement with the weighted scorer
(relevance, language fit, recency, popularity), resolve the chosen nodes'
dependencies transitively, and assemble the artifact. A template node among
the chosen set anchors the artifact through {{key}} substitution; otherwise
example sections are concatenated under heading comments naming their
source node.

Every choice point is deterministic. Ties fall to the candidate with fewer
dependencies, then the lexicographically smaller id, and recency is scored
relative to the newest candidate rather than the wall clock, so identical
requirements against an identical lattice snapshot produce byte-identical
artifacts.

The engine also carries the reflection and documentation stages: Reflect
critiques a result against its validation decision and records observed
kind combinations as composition patterns, and Document renders the
structured outline served alongside the artifact.
*/
package generation
