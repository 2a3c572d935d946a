// Package progress provides the event primitives, non-blocking hub, and emitter
// interface the ingestion pipeline uses to report run and triple progress. The
// hub batches events on a background goroutine and fans them out to pluggable
// sinks such as the console, structured logs, Prometheus, or the run history
// store.
package progress
