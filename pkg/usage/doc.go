/*
Package usage polls per-user traffic counters from running engines and
commits byte-accurate usage deltas to durable storage.

Engines report counters accumulated since their own process start, so a
restart makes the counter shrink. The collector treats any decrease as a
post-restart reset and books the full new value as the delta, never a
negative one.

Commits use accumulate-then-commit semantics: deltas accumulate in memory
between commit intervals, and each node's poll cursor advances only inside
the same transaction that commits its deltas. A crash between poll and
commit loses at most one interval of data and never double-counts bytes
that were already committed.

Threshold crossings (usage percent, days left) are emitted as facts to the
policy collaborator, deduplicated per quota window; the collector makes no
policy decisions.
*/
package usage
