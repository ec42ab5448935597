package common

import (
	"context"
	"runtime"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/turtacn/nl2sql-engine/internal/infrastructure/monitoring/logging"
	"github.com/turtacn/nl2sql-engine/pkg/errors"
)

// ChunkFunc processes one chunk and returns exactly one result per item.
type ChunkFunc[T, R any] func(ctx context.Context, chunk []T) ([]R, error)

// BatchRunner splits a dataset into fixed-size chunks and processes them
// with bounded concurrency. Results keep input order. The first failing
// chunk cancels the others and its error is returned unchanged.
type BatchRunner struct {
	name           string
	chunkSize      int
	maxConcurrency int
	metrics        IntelligenceMetrics
	logger         logging.Logger
}

// BatchOption configures a BatchRunner.
type BatchOption func(*BatchRunner)

// WithChunkSize sets the number of items per chunk.
func WithChunkSize(n int) BatchOption {
	return func(r *BatchRunner) {
		if n > 0 {
			r.chunkSize = n
		}
	}
}

// WithMaxConcurrency sets how many chunks run at once.
func WithMaxConcurrency(n int) BatchOption {
	return func(r *BatchRunner) {
		if n > 0 {
			r.maxConcurrency = n
		}
	}
}

// WithBatchName labels metrics and logs.
func WithBatchName(name string) BatchOption {
	return func(r *BatchRunner) { r.name = name }
}

// WithBatchMetrics sets the metrics sink.
func WithBatchMetrics(m IntelligenceMetrics) BatchOption {
	return func(r *BatchRunner) {
		if m != nil {
			r.metrics = m
		}
	}
}

// WithBatchLogger sets the logger.
func WithBatchLogger(l logging.Logger) BatchOption {
	return func(r *BatchRunner) { r.logger = logging.OrNop(l) }
}

// NewBatchRunner creates a runner. Defaults: 32 items per chunk and one
// chunk per CPU.
func NewBatchRunner(opts ...BatchOption) *BatchRunner {
	r := &BatchRunner{
		name:           "batch",
		chunkSize:      32,
		maxConcurrency: runtime.NumCPU(),
		metrics:        NewNoopIntelligenceMetrics(),
		logger:         logging.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ChunkSize returns the configured chunk size.
func (r *BatchRunner) ChunkSize() int { return r.chunkSize }

// Chunk splits items into consecutive slices of at most size entries.
func Chunk[T any](items []T, size int) [][]T {
	if size <= 0 {
		size = len(items)
	}
	if len(items) == 0 {
		return nil
	}
	chunks := make([][]T, 0, (len(items)+size-1)/size)
	for start := 0; start < len(items); start += size {
		end := start + size
		if end > len(items) {
			end = len(items)
		}
		chunks = append(chunks, items[start:end:end])
	}
	return chunks
}

// RunChunks applies fn to every chunk of items.
func RunChunks[T, R any](ctx context.Context, r *BatchRunner, items []T, fn ChunkFunc[T, R]) ([]R, error) {
	out := make([]R, len(items))
	chunks := Chunk(items, r.chunkSize)
	if len(chunks) == 0 {
		return out, nil
	}

	start := time.Now()
	var failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.maxConcurrency)
	for i, chunk := range chunks {
		offset := i * r.chunkSize
		chunk := chunk
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			res, err := fn(gctx, chunk)
			if err == nil && len(res) != len(chunk) {
				err = errors.Newf(errors.ErrCodeLengthMismatch,
					"%s: %d results for a chunk of %d", r.name, len(res), len(chunk))
			}
			if err != nil {
				failed.Add(1)
				return err
			}
			copy(out[offset:], res)
			return nil
		})
	}
	err := g.Wait()

	r.metrics.RecordBatchProcessing(ctx, &BatchMetricParams{
		BatchName:       r.name,
		TotalItems:      len(items),
		Chunks:          len(chunks),
		FailedChunks:    int(failed.Load()),
		TotalDurationMs: float64(time.Since(start).Milliseconds()),
		MaxConcurrency:  r.maxConcurrency,
	})
	if err != nil {
		r.logger.Error("batch run failed", logging.String("batch", r.name), logging.Err(err))
		return nil, err
	}
	r.logger.Debug("batch run done",
		logging.String("batch", r.name),
		logging.Count("items", len(items)),
		logging.Duration("elapsed", time.Since(start)))
	return out, nil
}
