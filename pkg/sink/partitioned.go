package sink

import (
	"context"
	"errors"
	"sync"
)

// DefaultMaxConcurrency bounds PutPartitioned when no limit is given.
const DefaultMaxConcurrency = 4

type streamKey struct {
	topic     string
	partition int32
}

// stream is the ordered slice of one topic/partition, with the index of each
// record in the caller's batch.
type stream struct {
	key     streamKey
	records []Record
	indexes []int
}

type streamResult struct {
	stream *stream
	result BatchResult
	err    error
}

// PutPartitioned splits records by topic and partition and runs each stream
// through Put on a pool of at most maxConcurrency goroutines. Order and
// stop-at-first-failure hold per stream; a failing stream does not stop the
// others. Every failure is returned as a *BatchError (indexes refer to
// records), joined with errors.Join.
func (w *Worker) PutPartitioned(ctx context.Context, records []Record, maxConcurrency int) (BatchResult, error) {
	if maxConcurrency <= 0 {
		maxConcurrency = DefaultMaxConcurrency
	}

	streams := splitStreams(records)
	if len(streams) <= 1 {
		return w.Put(ctx, records)
	}
	if maxConcurrency > len(streams) {
		maxConcurrency = len(streams)
	}

	queue := make(chan *stream, len(streams))
	for _, s := range streams {
		queue <- s
	}
	close(queue)

	results := make(chan streamResult, len(streams))

	var wg sync.WaitGroup
	for i := 0; i < maxConcurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for s := range queue {
				res, err := w.Put(ctx, s.records)
				results <- streamResult{stream: s, result: res, err: err}
			}
		}()
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	total := BatchResult{Total: len(records)}
	var errs []error
	for r := range results {
		total.Succeeded += r.result.Succeeded
		total.Skipped += r.result.Skipped
		total.Outcomes = append(total.Outcomes, r.result.Outcomes...)

		if r.err != nil {
			var batchErr *BatchError
			if errors.As(r.err, &batchErr) {
				batchErr.Index = r.stream.indexes[batchErr.Index]
			}
			errs = append(errs, r.err)
		}
	}

	w.logger.Info().
		Int("streams", len(streams)).
		Int("succeeded", total.Succeeded).
		Int("skipped", total.Skipped).
		Int("errors", len(errs)).
		Msg("Partitioned batch completed")

	return total, errors.Join(errs...)
}

// splitStreams groups records by topic/partition in first-seen order.
func splitStreams(records []Record) []*stream {
	byKey := make(map[streamKey]*stream)
	var streams []*stream

	for i, rec := range records {
		key := streamKey{topic: rec.Topic, partition: rec.Partition}
		s, ok := byKey[key]
		if !ok {
			s = &stream{key: key}
			byKey[key] = s
			streams = append(streams, s)
		}
		s.records = append(s.records, rec)
		s.indexes = append(s.indexes, i)
	}

	return streams
}
