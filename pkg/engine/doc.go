/*
Package engine wraps the control API of the external proxy engine.

The engine is treated as an opaque contract with four operations: full
configuration replace, incremental credential delta, live traffic-stat
query, and health ping. The Client interface expresses that contract;
RESTClient implements it over the engine's JSON control endpoint, with
liveness pings routed through the standard gRPC health service so a wedged
HTTP handler does not pass for a healthy engine.

Failures are classified into a small taxonomy consumed by the rest of the
control plane:

  - TransportError: network-level failure, retryable with bounded backoff
  - ProtocolError: the engine rejected the request, schedule a full resync
  - ErrResourceExhausted: too many operations in flight, caller backs off
*/
package engine
