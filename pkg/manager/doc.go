/*
Package manager is the composition root of the control plane.

It assembles the registry, syncer, health supervisor, usage collector, and
event broker; restores persisted nodes at startup; runs the static table
of scheduled background tasks; and exposes the admin surface consumed by
the API layer: RegisterNode, RemoveNode, SetNodeEnabled, ForceResync,
GetNodeStatus, GetUsage, and the user/structural change entry points.
*/
package manager
