/*
Package types defines the core data structures used throughout Nodewarden.

This package contains all fundamental types that represent the control
plane's domain model: nodes and their lifecycle status, users and their
proxy credentials, inbound templates, TLS certificates, persisted-intent
snapshots, rendered engine configuration documents, incremental credential
deltas, and usage counters.

All types are designed to be:
  - Serializable (JSON)
  - Deterministically orderable where documents are fingerprinted
  - Self-documenting (clear field names and status enums)
*/
package types
