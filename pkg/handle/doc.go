/*
Package handle owns the lifecycle of one engine instance.

A Handle wraps a node's control connection and tracks the fingerprint of
the last document the engine acknowledged. The state machine is:

	Stopped → Starting → Running → {Restarting → Running | Failed} → Stopped

Transport failures during push/delta are retried with bounded exponential
backoff; exhausted retries mark the handle Failed and surface through
State/LastError for the health supervisor to pick up. Restarts are bounded
by a rolling-window budget so a crash-looping engine escalates to Failed
instead of flapping forever.

A single mutex serializes every operation on a handle, which gives the
per-node total ordering the rest of the control plane relies on.
*/
package handle
