package sink

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/Sternrassler/fhir-secure-sink/pkg/client"
	"github.com/Sternrassler/fhir-secure-sink/pkg/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for batch processing.
var (
	recordsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fhir_sink_records_total",
		Help: "Total records processed by result (succeeded, skipped, failed)",
	}, []string{"result"})

	batchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fhir_sink_batch_duration_seconds",
		Help:    "Duration of a Put call in seconds",
		Buckets: []float64{0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 120},
	})
)

// Record is one message delivered by the upstream queue.
type Record struct {
	Topic     string
	Partition int32
	Offset    int64
	Value     []byte
}

// Submitter delivers one payload. *client.Submitter implements it.
type Submitter interface {
	Submit(ctx context.Context, payload []byte) (client.Outcome, error)
}

// BatchResult summarizes a processed batch.
type BatchResult struct {
	Total     int
	Succeeded int
	Skipped   int
	// Outcomes holds one entry per submitted (non-skipped) record, in order.
	Outcomes []client.Outcome
}

// BatchError reports the record a batch stopped at. Records after Index
// were not attempted.
type BatchError struct {
	Index   int
	Record  Record
	Outcome client.Outcome
	Err     error
}

// Error implements the error interface.
func (e *BatchError) Error() string {
	return fmt.Sprintf("record %d (%s/%d@%d) failed: %v",
		e.Index, e.Record.Topic, e.Record.Partition, e.Record.Offset, e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *BatchError) Unwrap() error {
	return e.Err
}

// Worker submits batches sequentially.
type Worker struct {
	submitter Submitter
	logger    zerolog.Logger
}

// NewWorker creates a worker around submitter.
func NewWorker(submitter Submitter) *Worker {
	if submitter == nil {
		panic("sink: submitter must not be nil")
	}
	return &Worker{
		submitter: submitter,
		logger:    logging.NewLogger("sink-worker"),
	}
}

// Put submits records in order and stops at the first failure, returning a
// *BatchError that wraps the submitter's error. A cancelled ctx stops the
// batch before the next record.
func (w *Worker) Put(ctx context.Context, records []Record) (BatchResult, error) {
	result := BatchResult{Total: len(records)}
	if len(records) == 0 {
		return result, nil
	}

	start := time.Now()
	defer func() {
		batchDuration.Observe(time.Since(start).Seconds())
	}()

	w.logger.Info().Int("records", len(records)).Msg("Processing batch of FHIR records")

	for i, rec := range records {
		logger := w.logger.With().
			Str("topic", rec.Topic).
			Int32("partition", rec.Partition).
			Int64("offset", rec.Offset).
			Logger()

		if err := ctx.Err(); err != nil {
			recordsTotal.WithLabelValues("failed").Inc()
			logger.Warn().Int("index", i).Msg("Batch interrupted before record")
			return result, &BatchError{
				Index:  i,
				Record: rec,
				Err:    fmt.Errorf("%w: %w", client.ErrContextCancelled, err),
			}
		}

		if len(bytes.TrimSpace(rec.Value)) == 0 {
			result.Skipped++
			recordsTotal.WithLabelValues("skipped").Inc()
			logger.Warn().Msg("Skipping empty FHIR record")
			continue
		}

		logger.Debug().Int("bytes", len(rec.Value)).Msg("Submitting record")

		outcome, err := w.submitter.Submit(ctx, rec.Value)
		result.Outcomes = append(result.Outcomes, outcome)

		if err != nil {
			recordsTotal.WithLabelValues("failed").Inc()
			logger.Error().
				Err(err).
				Int("index", i+1).
				Int("total", len(records)).
				Str("record_id", outcome.RecordID).
				Int("attempts", outcome.Attempts).
				Msg("Record processing failed, stopping batch")
			w.logger.Info().
				Int("succeeded", result.Succeeded).
				Int("skipped", result.Skipped).
				Int("errors", 1).
				Msg("Batch processing aborted")
			return result, &BatchError{Index: i, Record: rec, Outcome: outcome, Err: err}
		}

		result.Succeeded++
		recordsTotal.WithLabelValues("succeeded").Inc()
		logger.Debug().
			Str("record_id", outcome.RecordID).
			Int("index", i+1).
			Int("total", len(records)).
			Msg("Record processed")
	}

	w.logger.Info().
		Int("succeeded", result.Succeeded).
		Int("skipped", result.Skipped).
		Int("errors", 0).
		Dur("duration", time.Since(start)).
		Msg("Batch processing completed")

	return result, nil
}
