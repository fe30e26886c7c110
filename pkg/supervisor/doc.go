/*
Package supervisor runs the background health loop over the node fleet.

Each cycle probes every enabled node and classifies the outcome as healthy
(reachable, fingerprint matches), drifted (reachable, fingerprint mismatch,
resync scheduled), unreachable (probe timeout or error), or crashed (handle
failed, restarted under the restart budget).

The per-node state machine is:

	Connected → Disconnected (after K consecutive probe failures)
	          → Reconnecting → {Connected | Error}

Error is terminal until connectivity returns or an admin forces a resync;
while in error the probing cadence backs off exponentially so a dead node
does not burn probe capacity. One unreachable node never blocks probing of
the rest of the fleet.
*/
package supervisor
