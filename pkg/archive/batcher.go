// Package archive mirrors captured pipeline failures into an analytics sink
// for audit and analysis. Writes are batched and fire-and-forget: the
// archive must never slow down or fail a pipeline run.
package archive

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DataBatchInserter is a generic interface for inserting a batch of items
// into a data store. It abstracts the destination, making the batcher
// testable without a live sink.
type DataBatchInserter[T any] interface {
	// InsertBatch inserts a slice of items into the data store.
	InsertBatch(ctx context.Context, items []*T) error
	// Close handles any necessary cleanup of the inserter's resources.
	Close() error
}

// BatcherConfig holds configuration for the Batcher.
type BatcherConfig struct {
	BatchSize     int
	FlushInterval time.Duration // How often to flush a partial batch.
	InsertTimeout time.Duration // The timeout for a single flush operation.
}

// Batcher collects items of type T and flushes them to the inserter when the
// batch fills or the flush interval elapses.
type Batcher[T any] struct {
	config    BatcherConfig
	inserter  DataBatchInserter[T]
	logger    zerolog.Logger
	inputChan chan *T
	wg        sync.WaitGroup
}

// NewBatcher creates a new generic Batcher.
func NewBatcher[T any](config BatcherConfig, inserter DataBatchInserter[T], logger zerolog.Logger) *Batcher[T] {
	if config.BatchSize <= 0 {
		config.BatchSize = 50
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = 5 * time.Second
	}
	if config.InsertTimeout <= 0 {
		config.InsertTimeout = 30 * time.Second
	}
	return &Batcher[T]{
		config:    config,
		inserter:  inserter,
		logger:    logger.With().Str("component", "Batcher").Logger(),
		inputChan: make(chan *T, config.BatchSize*2),
	}
}

// Start begins the batching worker.
func (b *Batcher[T]) Start(ctx context.Context) {
	b.logger.Info().
		Int("batch_size", b.config.BatchSize).
		Dur("flush_interval", b.config.FlushInterval).
		Msg("Starting batch worker...")
	b.wg.Add(1)
	go b.worker(ctx)
}

// Stop closes the input, waits for the worker to flush what remains, then
// closes the inserter. The context bounds the wait.
func (b *Batcher[T]) Stop(ctx context.Context) error {
	b.logger.Info().Msg("Stopping batcher...")
	close(b.inputChan)

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		b.logger.Info().Msg("Batch worker stopped gracefully.")
	case <-ctx.Done():
		b.logger.Error().Err(ctx.Err()).Msg("Timeout waiting for batch worker to stop.")
		return ctx.Err()
	}

	if err := b.inserter.Close(); err != nil {
		b.logger.Error().Err(err).Msg("Error closing underlying inserter.")
	}
	return nil
}

// Input returns the channel items should be sent to.
func (b *Batcher[T]) Input() chan<- *T {
	return b.inputChan
}

// worker collects items into a batch and flushes on size or interval.
func (b *Batcher[T]) worker(ctx context.Context) {
	defer b.wg.Done()

	batch := make([]*T, 0, b.config.BatchSize)
	ticker := time.NewTicker(b.config.FlushInterval)
	defer ticker.Stop()

	flush := func(reason string) {
		if len(batch) == 0 {
			return
		}
		insertCtx, cancel := context.WithTimeout(context.Background(), b.config.InsertTimeout)
		defer cancel()

		if err := b.inserter.InsertBatch(insertCtx, batch); err != nil {
			b.logger.Error().Err(err).Int("batch_size", len(batch)).Str("reason", reason).Msg("Failed to insert batch.")
		} else {
			b.logger.Debug().Int("batch_size", len(batch)).Str("reason", reason).Msg("Batch flushed.")
		}
		batch = make([]*T, 0, b.config.BatchSize)
	}

	for {
		select {
		case item, ok := <-b.inputChan:
			if !ok {
				flush("shutdown")
				return
			}
			batch = append(batch, item)
			if len(batch) >= b.config.BatchSize {
				flush("size")
			}
		case <-ticker.C:
			flush("interval")
		case <-ctx.Done():
			flush("context cancelled")
			return
		}
	}
}
