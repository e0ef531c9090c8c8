// Package sink feeds batches of upstream records through a FHIR submitter.
//
// A Worker processes one batch in input order and stops at the first record
// that fails; the caller's queue decides whether and when the batch is
// redelivered. Blank records are skipped.
//
// Example usage:
//
//	worker := sink.NewWorker(submitter)
//	result, err := worker.Put(ctx, records)
//	var batchErr *sink.BatchError
//	if errors.As(err, &batchErr) {
//	    // batchErr.Record.Offset is the failure point
//	}
//
// PutPartitioned runs independent topic/partition streams on a bounded
// worker pool while keeping each stream sequential.
package sink
