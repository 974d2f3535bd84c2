package storage

// Well-known state names written by producers and the worker pool. The
// engine itself treats state names as opaque text; these are the
// conventions the monitor aggregates by.
const (
	StateEnqueued   = "Enqueued"
	StateProcessing = "Processing"
	StateSucceeded  = "Succeeded"
	StateFailed     = "Failed"
)
