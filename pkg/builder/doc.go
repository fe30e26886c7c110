/*
Package builder turns persistence snapshots into engine configuration
documents.

Build is a pure function: no I/O, no clock, no dependencies. Determinism is
the load-bearing property. Inbounds and clients are canonically ordered so
identical snapshots produce byte-identical documents, which makes the
Fingerprint hash a reliable drift detector for the whole fleet.
*/
package builder
