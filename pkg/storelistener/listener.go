// Package storelistener drives a user handler from a message store: it polls
// on an interval, dispatches each retrieved entry, and applies the configured
// retry, dead-letter and drop policy before acknowledging.
package storelistener

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/illmade-knight/go-conduit/pkg/messagestore"
	"github.com/rs/zerolog"
)

// Handler processes one retrieved content value. A nil return acknowledges
// the entry positively; an error (or a panic, which is recovered) triggers
// the retry policy.
type Handler func(ctx context.Context, content interface{}) error

// ErrHandlerAttached is returned by Attach when a handler is already attached.
var ErrHandlerAttached = errors.New("storelistener: a handler is already attached")

// Config holds the listener's polling and failure policy.
type Config struct {
	// PollingInterval is the period between poll attempts. Required.
	PollingInterval time.Duration

	// MaxRetries is the number of additional attempts after the initial
	// failure.
	MaxRetries int

	// RetryInterval is the delay between retry attempts. There is no sleep
	// after the final attempt.
	RetryInterval time.Duration

	// DropMessageAfterMaxRetries chooses, when retries are exhausted and no
	// dead-letter store is configured (or its write failed), between
	// positively acknowledging the entry (drop) and negatively acknowledging
	// it (keep).
	DropMessageAfterMaxRetries bool

	// DeadLetterStore, when set, receives the content after exhausted
	// retries and dominates DropMessageAfterMaxRetries.
	DeadLetterStore messagestore.MessageStore
}

// Listener polls a store and dispatches to an attached handler. At most one
// handler is attached at a time, and ticks are strictly serial: a tick runs
// to completion before the next poll fires.
type Listener struct {
	store  messagestore.MessageStore
	cfg    Config
	logger zerolog.Logger

	mu      sync.Mutex
	handler Handler
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New validates the config and returns a listener for the given store.
func New(cfg Config, store messagestore.MessageStore, logger zerolog.Logger) (*Listener, error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if cfg.PollingInterval <= 0 {
		return nil, fmt.Errorf("polling interval must be positive, got %s", cfg.PollingInterval)
	}
	if cfg.MaxRetries < 0 {
		return nil, fmt.Errorf("max retries cannot be negative, got %d", cfg.MaxRetries)
	}
	if cfg.RetryInterval < 0 {
		return nil, fmt.Errorf("retry interval cannot be negative, got %s", cfg.RetryInterval)
	}
	return &Listener{
		store:  store,
		cfg:    cfg,
		logger: logger.With().Str("component", "StoreListener").Logger(),
	}, nil
}

// Attach binds the handler. It fails if one is already attached.
func (l *Listener) Attach(handler Handler) error {
	if handler == nil {
		return fmt.Errorf("handler cannot be nil")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.handler != nil {
		return ErrHandlerAttached
	}
	l.handler = handler
	return nil
}

// Detach stops the poll job if it is running and clears the attachment.
func (l *Listener) Detach() {
	l.ImmediateStop()
	l.mu.Lock()
	l.handler = nil
	l.mu.Unlock()
}

// Start launches the poll job. It is a no-op when no handler is attached or
// the job is already running.
func (l *Listener) Start(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.handler == nil {
		l.logger.Warn().Msg("Start called with no handler attached; ignoring.")
		return
	}
	if l.cancel != nil {
		l.logger.Debug().Msg("Start called while poll job is running; ignoring.")
		return
	}

	pollCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	handler := l.handler

	l.wg.Add(1)
	go l.poll(pollCtx, handler)
	l.logger.Info().Dur("polling_interval", l.cfg.PollingInterval).Msg("Store listener started.")
}

// GracefulStop stops new polls and waits for any in-flight dispatch to
// finish, bounded by the given context.
func (l *Listener) GracefulStop(ctx context.Context) error {
	l.stopPolling()

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		l.logger.Info().Msg("Store listener stopped gracefully.")
		return nil
	case <-ctx.Done():
		l.logger.Error().Err(ctx.Err()).Msg("Timeout waiting for in-flight dispatch to finish.")
		return ctx.Err()
	}
}

// ImmediateStop cancels the poll job without waiting for an in-flight
// dispatch. Handlers in progress are not interrupted.
func (l *Listener) ImmediateStop() {
	l.stopPolling()
}

func (l *Listener) stopPolling() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancel != nil {
		l.cancel()
		l.cancel = nil
	}
}

// poll is the single goroutine that serializes ticks.
func (l *Listener) poll(ctx context.Context, handler Handler) {
	defer l.wg.Done()

	ticker := time.NewTicker(l.cfg.PollingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.logger.Debug().Msg("Poll job shutting down.")
			return
		case <-ticker.C:
			l.tick(ctx, handler)
		}
	}
}

// tick performs one full poll cycle: retrieve, dispatch with retries, then
// resolve the handle per the dead-letter and drop policy. Store errors are
// logged and never abort the listener.
func (l *Listener) tick(ctx context.Context, handler Handler) {
	retrieved, err := l.store.Retrieve(ctx)
	if err != nil {
		l.logger.Error().Err(err).Msg("Failed to retrieve from store.")
		return
	}
	if retrieved == nil {
		return
	}

	for attempt := 0; attempt <= l.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(l.cfg.RetryInterval):
			case <-ctx.Done():
				l.acknowledge(retrieved.Handle, false)
				return
			}
		}
		if err := l.dispatch(ctx, handler, retrieved.Content); err != nil {
			l.logger.Warn().Err(err).Int("attempt", attempt+1).Msg("Handler failed.")
			continue
		}
		l.acknowledge(retrieved.Handle, true)
		return
	}

	l.resolveExhausted(ctx, retrieved)
}

// dispatch invokes the handler, converting a panic into an error.
func (l *Listener) dispatch(ctx context.Context, handler Handler, content interface{}) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, content)
}

// resolveExhausted applies the dead-letter and drop policy once every
// attempt has failed.
func (l *Listener) resolveExhausted(ctx context.Context, retrieved *messagestore.Retrieved) {
	if l.cfg.DeadLetterStore != nil {
		err := l.cfg.DeadLetterStore.Store(ctx, retrieved.Content)
		if err == nil {
			l.logger.Info().Msg("Message routed to dead-letter store.")
			l.acknowledge(retrieved.Handle, true)
			return
		}
		l.logger.Error().Err(err).Msg("Failed to write to dead-letter store; falling back to drop policy.")
	}

	if l.cfg.DropMessageAfterMaxRetries {
		l.logger.Warn().Msg("Retries exhausted; dropping message.")
		l.acknowledge(retrieved.Handle, true)
		return
	}
	l.logger.Warn().Msg("Retries exhausted; returning message to the store.")
	l.acknowledge(retrieved.Handle, false)
}

// acknowledge resolves a handle, logging failures. Ack errors are not
// retried; durability is the store's concern.
func (l *Listener) acknowledge(handle messagestore.Handle, success bool) {
	// Acknowledgement uses a background context: the entry's fate must be
	// recorded even when the poll context has been cancelled.
	if err := l.store.Acknowledge(context.Background(), handle, success); err != nil {
		l.logger.Error().Err(err).Bool("success", success).Msg("Failed to acknowledge handle.")
	}
}
