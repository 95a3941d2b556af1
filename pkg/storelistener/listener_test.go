package storelistener_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/illmade-knight/go-conduit/pkg/messagestore"
	"github.com/illmade-knight/go-conduit/pkg/storelistener"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestListener(t *testing.T, cfg storelistener.Config, store messagestore.MessageStore) *storelistener.Listener {
	t.Helper()
	if cfg.PollingInterval == 0 {
		cfg.PollingInterval = 10 * time.Millisecond
	}
	listener, err := storelistener.New(cfg, store, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(listener.ImmediateStop)
	return listener
}

func TestNew_Validation(t *testing.T) {
	store := messagestore.NewInMemoryStore(messagestore.InMemoryConfig{})

	_, err := storelistener.New(storelistener.Config{PollingInterval: 10 * time.Millisecond}, nil, zerolog.Nop())
	require.Error(t, err)

	_, err = storelistener.New(storelistener.Config{}, store, zerolog.Nop())
	require.Error(t, err, "polling interval is required")

	_, err = storelistener.New(storelistener.Config{PollingInterval: time.Millisecond, MaxRetries: -1}, store, zerolog.Nop())
	require.Error(t, err)
}

func TestListener_AttachSemantics(t *testing.T) {
	store := messagestore.NewInMemoryStore(messagestore.InMemoryConfig{})
	listener := newTestListener(t, storelistener.Config{}, store)

	handler := func(context.Context, interface{}) error { return nil }
	require.NoError(t, listener.Attach(handler))
	assert.ErrorIs(t, listener.Attach(handler), storelistener.ErrHandlerAttached)

	listener.Detach()
	require.NoError(t, listener.Attach(handler), "detach must clear the attachment")
}

func TestListener_DispatchAndAck(t *testing.T) {
	ctx := context.Background()
	store := messagestore.NewInMemoryStore(messagestore.InMemoryConfig{})
	require.NoError(t, store.Store(ctx, "payload"))

	var calls atomic.Int32
	listener := newTestListener(t, storelistener.Config{}, store)
	require.NoError(t, listener.Attach(func(_ context.Context, content interface{}) error {
		assert.Equal(t, "payload", content)
		calls.Add(1)
		return nil
	}))

	listener.Start(ctx)

	require.Eventually(t, func() bool { return store.Size() == 0 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
}

func TestListener_RetriesThenSucceeds(t *testing.T) {
	// Handler fails twice then succeeds: 3 invocations, positive ack, store empty.
	ctx := context.Background()
	store := messagestore.NewInMemoryStore(messagestore.InMemoryConfig{})
	require.NoError(t, store.Store(ctx, "flaky"))

	var calls atomic.Int32
	listener := newTestListener(t, storelistener.Config{
		MaxRetries:    3,
		RetryInterval: 10 * time.Millisecond,
	}, store)
	require.NoError(t, listener.Attach(func(context.Context, interface{}) error {
		if calls.Add(1) <= 2 {
			return errors.New("not yet")
		}
		return nil
	}))

	listener.Start(ctx)

	require.Eventually(t, func() bool { return store.Size() == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(3), calls.Load())
}

func TestListener_DeadLetterRouting(t *testing.T) {
	// Handler always fails with a DLQ configured: 1 + MaxRetries invocations,
	// main store drained, exactly one DLQ entry with equal content.
	ctx := context.Background()
	store := messagestore.NewInMemoryStore(messagestore.InMemoryConfig{})
	dlq := messagestore.NewInMemoryStore(messagestore.InMemoryConfig{})
	require.NoError(t, store.Store(ctx, map[string]interface{}{"k": "v"}))

	var calls atomic.Int32
	listener := newTestListener(t, storelistener.Config{
		MaxRetries:      2,
		RetryInterval:   5 * time.Millisecond,
		DeadLetterStore: dlq,
	}, store)
	require.NoError(t, listener.Attach(func(context.Context, interface{}) error {
		calls.Add(1)
		return errors.New("always fails")
	}))

	listener.Start(ctx)

	require.Eventually(t, func() bool { return dlq.Size() == 1 }, 2*time.Second, 10*time.Millisecond)
	listener.ImmediateStop()

	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, 0, store.Size())

	dead, err := dlq.Retrieve(ctx)
	require.NoError(t, err)
	require.NotNil(t, dead)
	assert.Equal(t, map[string]interface{}{"k": "v"}, dead.Content)
}

func TestListener_DropVersusKeep(t *testing.T) {
	alwaysFail := func(context.Context, interface{}) error { return errors.New("no") }

	t.Run("keep returns the message to the store", func(t *testing.T) {
		ctx := context.Background()
		store := messagestore.NewInMemoryStore(messagestore.InMemoryConfig{})
		require.NoError(t, store.Store(ctx, "sticky"))

		var calls atomic.Int32
		listener := newTestListener(t, storelistener.Config{
			MaxRetries:                 1,
			RetryInterval:              5 * time.Millisecond,
			DropMessageAfterMaxRetries: false,
		}, store)
		require.NoError(t, listener.Attach(func(ctx context.Context, c interface{}) error {
			calls.Add(1)
			return alwaysFail(ctx, c)
		}))

		listener.Start(ctx)
		require.Eventually(t, func() bool { return calls.Load() >= 2 }, 2*time.Second, 10*time.Millisecond)
		stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		require.NoError(t, listener.GracefulStop(stopCtx))

		assert.Equal(t, 1, store.Size(), "negative ack keeps the message")
	})

	t.Run("drop removes the message", func(t *testing.T) {
		ctx := context.Background()
		store := messagestore.NewInMemoryStore(messagestore.InMemoryConfig{})
		require.NoError(t, store.Store(ctx, "droppable"))

		listener := newTestListener(t, storelistener.Config{
			MaxRetries:                 1,
			RetryInterval:              5 * time.Millisecond,
			DropMessageAfterMaxRetries: true,
		}, store)
		require.NoError(t, listener.Attach(alwaysFail))

		listener.Start(ctx)
		require.Eventually(t, func() bool { return store.Size() == 0 }, 2*time.Second, 10*time.Millisecond)
	})
}

func TestListener_DLQFailureFallsBackToDropPolicy(t *testing.T) {
	ctx := context.Background()
	store := messagestore.NewInMemoryStore(messagestore.InMemoryConfig{})
	require.NoError(t, store.Store(ctx, "unlucky"))

	var calls atomic.Int32
	listener := newTestListener(t, storelistener.Config{
		MaxRetries:                 0,
		DeadLetterStore:            failingStore{},
		DropMessageAfterMaxRetries: false,
	}, store)
	require.NoError(t, listener.Attach(func(context.Context, interface{}) error {
		calls.Add(1)
		return errors.New("no")
	}))

	listener.Start(ctx)
	require.Eventually(t, func() bool { return calls.Load() >= 1 }, 2*time.Second, 10*time.Millisecond)
	stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, listener.GracefulStop(stopCtx))

	// A failed dead-letter write with the drop flag unset keeps the message.
	assert.Equal(t, 1, store.Size())
}

func TestListener_HandlerPanicIsAnError(t *testing.T) {
	ctx := context.Background()
	store := messagestore.NewInMemoryStore(messagestore.InMemoryConfig{})
	require.NoError(t, store.Store(ctx, "boom"))

	var calls atomic.Int32
	listener := newTestListener(t, storelistener.Config{
		MaxRetries:                 0,
		DropMessageAfterMaxRetries: true,
	}, store)
	require.NoError(t, listener.Attach(func(context.Context, interface{}) error {
		calls.Add(1)
		panic("handler exploded")
	}))

	listener.Start(ctx)

	// The panic is treated like a returned error: retries exhaust and the
	// drop policy applies.
	require.Eventually(t, func() bool { return store.Size() == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
}

func TestListener_StartWithoutHandlerIsNoOp(t *testing.T) {
	ctx := context.Background()
	store := messagestore.NewInMemoryStore(messagestore.InMemoryConfig{})
	require.NoError(t, store.Store(ctx, "untouched"))

	listener := newTestListener(t, storelistener.Config{}, store)
	listener.Start(ctx)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, store.Size())
}

func TestListener_GracefulStopWaitsForInFlightTick(t *testing.T) {
	ctx := context.Background()
	store := messagestore.NewInMemoryStore(messagestore.InMemoryConfig{})
	require.NoError(t, store.Store(ctx, "slow"))

	started := make(chan struct{})
	var finished atomic.Bool
	listener := newTestListener(t, storelistener.Config{}, store)
	require.NoError(t, listener.Attach(func(context.Context, interface{}) error {
		close(started)
		time.Sleep(100 * time.Millisecond)
		finished.Store(true)
		return nil
	}))

	listener.Start(ctx)
	<-started

	stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, listener.GracefulStop(stopCtx))
	assert.True(t, finished.Load(), "graceful stop must wait for the in-flight dispatch")
}

// failingStore satisfies MessageStore but rejects every operation.
type failingStore struct{}

func (failingStore) Store(context.Context, interface{}) error { return errors.New("store down") }
func (failingStore) Retrieve(context.Context) (*messagestore.Retrieved, error) {
	return nil, errors.New("store down")
}
func (failingStore) Acknowledge(context.Context, messagestore.Handle, bool) error {
	return errors.New("store down")
}
