/*
Package syncer applies intent changes across the node fleet.

Two paths exist. User-credential changes take the incremental path:
OnUserChange queues the change, a debounce window coalesces bursts into a
single batched delta per node, and the flush fans out through a bounded
worker pool. Structural changes (inbound edits, TLS rotation, node
enable/disable) take the full path: a fresh snapshot is built into a
per-node document and pushed to every enabled handle.

Per-node outcomes are always independent. An unreachable node records a
local failure in the Result; the health supervisor owns its recovery. A
fan-out never aborts because one node failed.
*/
package syncer
