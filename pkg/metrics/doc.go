/*
Package metrics defines the Prometheus collectors exported by Nodewarden.

Collectors cover the three background responsibilities: sync fan-out
(push/delta counters, batch sizes, durations), health supervision (probe
failures, reconnects, restarts), and usage collection (committed bytes,
poll durations, counter resets). Handler exposes the standard promhttp
endpoint served by the daemon.
*/
package metrics
