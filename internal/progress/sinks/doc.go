// Package sinks implements concrete progress consumers: an interactive console
// printer, structured logging, Prometheus collectors, and the run history
// store. Each sink satisfies the progress.Sink interface.
package sinks
