// Package batch fans a list of items out to a bounded number of workers and
// gathers the results back in input order.
package batch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// DefaultMaxWorkers mirrors the configuration default for batch.maxWorkers.
const DefaultMaxWorkers = 10

var ErrInvalidWorkers = errors.New("batch: max workers must be positive")

// ChunkError reports a chunk whose per-batch function failed or panicked. The
// remaining chunks still contribute their results.
type ChunkError struct {
	Index int
	Err   error
}

func (e *ChunkError) Error() string {
	return fmt.Sprintf("batch: chunk %d: %v", e.Index, e.Err)
}

func (e *ChunkError) Unwrap() error { return e.Err }

// Executor splits work into at most MaxWorkers contiguous chunks.
type Executor struct {
	maxWorkers atomic.Int64
}

func New(maxWorkers int) (*Executor, error) {
	if maxWorkers <= 0 {
		return nil, ErrInvalidWorkers
	}
	e := &Executor{}
	e.maxWorkers.Store(int64(maxWorkers))
	return e, nil
}

// MaxWorkers returns the current worker bound.
func (e *Executor) MaxWorkers() int {
	return int(e.maxWorkers.Load())
}

// SetMaxWorkers changes the bound for subsequent Run calls. Runs already in
// progress keep the chunking they started with.
func (e *Executor) SetMaxWorkers(n int) error {
	if n <= 0 {
		return ErrInvalidWorkers
	}
	e.maxWorkers.Store(int64(n))
	return nil
}

// Chunk splits items into contiguous slices of ceil(len/k) elements. The
// returned chunks share the backing array but are capped so appends cannot
// overwrite a neighbour.
func Chunk[T any](items []T, k int) [][]T {
	if len(items) == 0 || k <= 0 {
		return nil
	}
	size := (len(items) + k - 1) / k
	chunks := make([][]T, 0, (len(items)+size-1)/size)
	for start := 0; start < len(items); start += size {
		end := min(start+size, len(items))
		chunks = append(chunks, items[start:end:end])
	}
	return chunks
}

// Run applies perBatch to each chunk concurrently and concatenates the
// results in chunk order. Failed chunks are skipped and reported together as a
// joined error of *ChunkError values alongside the surviving results.
func Run[T, R any](ctx context.Context, e *Executor, items []T, perBatch func(context.Context, []T) ([]R, error)) ([]R, error) {
	if e == nil {
		return nil, ErrInvalidWorkers
	}
	chunks := Chunk(items, e.MaxWorkers())
	if len(chunks) == 0 {
		return []R{}, nil
	}

	results := make([][]R, len(chunks))
	failures := make([]error, len(chunks))

	// Goroutines never return errors to the group so one failing chunk does
	// not cancel its siblings.
	var g errgroup.Group
	for i, chunk := range chunks {
		i, chunk := i, chunk
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					failures[i] = &ChunkError{Index: i, Err: fmt.Errorf("panic: %v\n%s", r, debug.Stack())}
				}
			}()
			out, err := perBatch(ctx, chunk)
			if err != nil {
				failures[i] = &ChunkError{Index: i, Err: err}
				return nil
			}
			results[i] = out
			return nil
		})
	}
	_ = g.Wait()

	total := 0
	for _, r := range results {
		total += len(r)
	}
	merged := make([]R, 0, total)
	for _, r := range results {
		merged = append(merged, r...)
	}
	return merged, errors.Join(failures...)
}
