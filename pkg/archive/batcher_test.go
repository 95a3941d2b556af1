package archive_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/illmade-knight/go-conduit/pkg/archive"
	"github.com/illmade-knight/go-conduit/pkg/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testRow struct {
	ID int
}

// MockDataBatchInserter records every batch it receives.
type MockDataBatchInserter[T any] struct {
	mu         sync.Mutex
	batches    [][]*T
	insertErr  error
	closeCount int
}

func (m *MockDataBatchInserter[T]) InsertBatch(_ context.Context, items []*T) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.insertErr != nil {
		return m.insertErr
	}
	batchCopy := make([]*T, len(items))
	copy(batchCopy, items)
	m.batches = append(m.batches, batchCopy)
	return nil
}

func (m *MockDataBatchInserter[T]) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeCount++
	return nil
}

func (m *MockDataBatchInserter[T]) batchCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.batches)
}

func (m *MockDataBatchInserter[T]) totalItems() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0
	for _, b := range m.batches {
		total += len(b)
	}
	return total
}

func newTestBatcher(t *testing.T, batchSize int, flushInterval time.Duration) (*archive.Batcher[testRow], *MockDataBatchInserter[testRow]) {
	t.Helper()

	mockInserter := &MockDataBatchInserter[testRow]{}
	batcher := archive.NewBatcher[testRow](archive.BatcherConfig{
		BatchSize:     batchSize,
		FlushInterval: flushInterval,
		InsertTimeout: 2 * time.Second,
	}, mockInserter, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	batcher.Start(ctx)

	return batcher, mockInserter
}

func TestBatcher_BatchSizeTrigger(t *testing.T) {
	batcher, mockInserter := newTestBatcher(t, 3, 10*time.Second)

	for i := 0; i < 3; i++ {
		batcher.Input() <- &testRow{ID: i}
	}

	require.Eventually(t, func() bool { return mockInserter.batchCount() == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, 3, mockInserter.totalItems())

	stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, batcher.Stop(stopCtx))
}

func TestBatcher_FlushIntervalTrigger(t *testing.T) {
	batcher, mockInserter := newTestBatcher(t, 100, 20*time.Millisecond)

	batcher.Input() <- &testRow{ID: 1}

	require.Eventually(t, func() bool { return mockInserter.batchCount() == 1 }, time.Second, 10*time.Millisecond,
		"a partial batch must flush on the interval")

	stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, batcher.Stop(stopCtx))
}

func TestBatcher_StopFlushesRemainder(t *testing.T) {
	batcher, mockInserter := newTestBatcher(t, 100, 10*time.Second)

	batcher.Input() <- &testRow{ID: 1}
	batcher.Input() <- &testRow{ID: 2}

	stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, batcher.Stop(stopCtx))

	assert.Equal(t, 2, mockInserter.totalItems())
	assert.Equal(t, 1, mockInserter.closeCount)
}

func TestBatcher_InsertErrorIsLoggedNotFatal(t *testing.T) {
	batcher, mockInserter := newTestBatcher(t, 1, 10*time.Second)
	mockInserter.mu.Lock()
	mockInserter.insertErr = errors.New("sink down")
	mockInserter.mu.Unlock()

	batcher.Input() <- &testRow{ID: 1}

	// The worker must survive the failed flush and keep accepting input.
	batcher.Input() <- &testRow{ID: 2}

	stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, batcher.Stop(stopCtx))
	assert.Equal(t, 0, mockInserter.batchCount())
}

func TestArchiver_ObserveFailureEnqueuesRecord(t *testing.T) {
	mockInserter := &MockDataBatchInserter[archive.FailureRecord]{}
	batcher := archive.NewBatcher[archive.FailureRecord](archive.BatcherConfig{
		BatchSize:     1,
		FlushInterval: 10 * time.Second,
		InsertTimeout: time.Second,
	}, mockInserter, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	batcher.Start(ctx)

	archiver := archive.NewArchiver("orders", batcher, zerolog.Nop())
	archiver.ObserveFailure(ctx, types.Message{
		ID:        types.NewMessageID(),
		Content:   "payload",
		ErrorInfo: &types.ErrorInfo{Message: "sink: down"},
	})

	require.Eventually(t, func() bool { return mockInserter.totalItems() == 1 }, time.Second, 10*time.Millisecond)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
	defer stopCancel()
	require.NoError(t, batcher.Stop(stopCtx))

	record := mockInserter.batches[0][0]
	assert.Equal(t, "orders", record.ChannelName)
	assert.Equal(t, "sink: down", record.Error)
	assert.Contains(t, record.Payload, "payload")
}
