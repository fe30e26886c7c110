/*
Package registry holds the synchronized node-id → {Node, Handle} map.

The registry is owned by the composition root and injected into every
component that needs fleet access; there are no ambient globals. Snapshot
returns a point-in-time copy so callers doing slow network work never hold
the registry lock, and register/unregister on the same id are strictly
serialized.
*/
package registry
