// Package audit buffers fetch and extraction attempt records and fans them out
// to durable sinks without ever blocking the pipeline that produced them.
//
// Producers call Hub.Record, which enqueues onto a buffered channel. A single
// background goroutine batches records by size or age and hands each batch to
// every Sink under a per-sink timeout. Sink errors are logged and counted,
// never returned to producers. When the buffer is full the record is dropped,
// written to the local log at error level in full, and counted so operators
// can reconcile the durable trail.
package audit
