/*
Package storage provides the BoltDB-backed durable state of the control
plane.

Stored state falls into three groups:

  - Intent: the cached persistence snapshot and per-node view overrides,
    written by the persistence collaborator and read by the syncer.
  - Fleet: node records with their last persisted status, for the admin
    status surface.
  - Telemetry: committed usage counters, an append-only usage log for
    window queries, per-node poll cursors, and threshold-reminder marks.

CommitUsage is the consistency pivot: usage deltas and the node's poll
cursor move in a single transaction, so a crash between poll and commit
loses at most one interval and never double-counts committed bytes.
*/
package storage
