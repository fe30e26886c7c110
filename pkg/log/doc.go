/*
Package log provides structured logging for Nodewarden using zerolog.

The log package wraps the zerolog library to provide JSON-structured logging
with component-specific loggers, configurable log levels, and helper functions
for common logging patterns. All logs include timestamps and support filtering
by severity level for production debugging.

Components obtain child loggers via WithComponent, WithNodeID, or WithUsername
so that every line carries enough context to trace a single node or user
through the sync, supervision, and usage pipelines.
*/
package log
