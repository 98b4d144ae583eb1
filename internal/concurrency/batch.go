package concurrency

import (
	"context"
	"sync"
)

// BatchFunc processes one contiguous batch of items, returning its
// per-item results in the same order as batch.
type BatchFunc[I any, O any] func(ctx context.Context, batch []I) ([]O, error)

// ProgressFunc is invoked after each batch completes, with the number of
// batches completed so far and the total batch count.
type ProgressFunc func(completed, total int)

// BatchProcessor is C9: it partitions items into contiguous batches of
// BatchSize and runs at most MaxConcurrentBatches of them in parallel,
// aggregating results in input order. If any batch fails, the first error
// is returned and the remaining batches are cancelled.
type BatchProcessor[I any, O any] struct {
	BatchSize             int
	MaxConcurrentBatches int
}

// NewBatchProcessor constructs a BatchProcessor.
func NewBatchProcessor[I any, O any](batchSize, maxConcurrentBatches int) *BatchProcessor[I, O] {
	return &BatchProcessor[I, O]{BatchSize: batchSize, MaxConcurrentBatches: maxConcurrentBatches}
}

// Process splits items into batches and runs fn over each with bounded
// concurrency. Empty input returns an empty result without invoking fn.
func (b *BatchProcessor[I, O]) Process(ctx context.Context, items []I, fn BatchFunc[I, O], progress ProgressFunc) ([]O, error) {
	if len(items) == 0 {
		return []O{}, nil
	}

	batches := partition(items, b.BatchSize)
	total := len(batches)
	results := make([][]O, total)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sem := make(chan struct{}, max(1, b.MaxConcurrentBatches))
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error
	var completed int

dispatch:
	for i, batch := range batches {
		mu.Lock()
		stop := firstErr != nil
		mu.Unlock()
		if stop {
			break dispatch
		}

		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			break dispatch
		}

		wg.Add(1)
		go func(idx int, batch []I) {
			defer wg.Done()
			defer func() { <-sem }()

			out, err := fn(ctx, batch)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if firstErr == nil {
					firstErr = err
					cancel()
				}
				return
			}
			results[idx] = out
			completed++
			if progress != nil {
				progress(completed, total)
			}
		}(i, batch)
	}

	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}

	flat := make([]O, 0, len(items))
	for _, r := range results {
		flat = append(flat, r...)
	}
	return flat, nil
}

// partition splits items into contiguous slices of size batchSize (the
// last may be shorter).
func partition[I any](items []I, batchSize int) [][]I {
	if batchSize <= 0 {
		batchSize = len(items)
	}
	var batches [][]I
	for start := 0; start < len(items); start += batchSize {
		end := start + batchSize
		if end > len(items) {
			end = len(items)
		}
		batches = append(batches, items[start:end])
	}
	return batches
}
