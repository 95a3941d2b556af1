// Package channel implements the pipeline executor at the core of the
// fabric: sequential source processors feeding parallel destinations, with
// failure capture into a message store and automatic replay that skips
// destinations that have already succeeded.
package channel

import (
	"context"
	"fmt"
	"sync"

	"github.com/illmade-knight/go-conduit/pkg/messagestore"
	"github.com/illmade-knight/go-conduit/pkg/storelistener"
	"github.com/illmade-knight/go-conduit/pkg/types"
	"github.com/rs/zerolog"
)

// ExecutionResult is the success side of a pipeline run.
type ExecutionResult struct {
	Message types.Message

	// DestinationResults holds each invoked destination's return value,
	// keyed by destination name. Empty on a short-circuited run.
	DestinationResults map[string]interface{}
}

// DestinationsFlow configures where a channel fans out to: a fixed set of
// destinations, or a router that picks the set per run.
type DestinationsFlow struct {
	Destinations []*Destination
	Router       *DestinationRouter
}

// FailureObserver is notified of every message captured for replay. Used for
// best-effort mirrors such as an analytics archive; it must not block long.
type FailureObserver interface {
	ObserveFailure(ctx context.Context, msg types.Message)
}

// FailureConfig couples a channel to its failure handling.
type FailureConfig struct {
	// FailureStore receives the replayable Message of every failed run.
	FailureStore messagestore.MessageStore

	// ReplayStore, when set, is polled for replay instead of FailureStore.
	ReplayStore messagestore.MessageStore

	// ReplayListener enables the auto-wired replay listener. Its MaxRetries
	// and RetryInterval are applied at the replay-service layer so each
	// retry sees the freshly-updated message; the listener itself runs with
	// zero retries. Dead-letter and drop policy apply unchanged.
	ReplayListener *storelistener.Config

	// Observer, when set, is told about every captured failure.
	Observer FailureObserver
}

// Config declares a channel.
type Config struct {
	Name string

	// Source is the ordered list of source processors. At least one is required.
	Source []*Processor

	Destinations DestinationsFlow

	Failure *FailureConfig
}

// Channel executes a declared pipeline. Construction registers the channel
// under its unique process-wide name and wires the replay listener;
// Start/Stop control the listener's lifecycle.
type Channel struct {
	name           string
	source         []*Processor
	destinations   DestinationsFlow
	failure        *FailureConfig
	replayListener *storelistener.Listener
	logger         zerolog.Logger
}

// New validates the configuration, wires replay if configured, and registers
// the channel. A duplicate name, empty source flow, or missing handler name
// is a configuration error.
func New(cfg Config, logger zerolog.Logger) (*Channel, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("channel name cannot be empty")
	}
	if len(cfg.Source) == 0 {
		return nil, fmt.Errorf("channel %q: source flow cannot be empty", cfg.Name)
	}
	if len(cfg.Destinations.Destinations) == 0 && cfg.Destinations.Router == nil {
		return nil, fmt.Errorf("channel %q: destinations flow cannot be empty", cfg.Name)
	}
	if len(cfg.Destinations.Destinations) > 0 && cfg.Destinations.Router != nil {
		return nil, fmt.Errorf("channel %q: configure either destinations or a destination router, not both", cfg.Name)
	}
	if err := validateHandlers(cfg); err != nil {
		return nil, fmt.Errorf("channel %q: %w", cfg.Name, err)
	}

	c := &Channel{
		name:         cfg.Name,
		source:       cfg.Source,
		destinations: cfg.Destinations,
		failure:      cfg.Failure,
		logger:       logger.With().Str("component", "Channel").Str("channel", cfg.Name).Logger(),
	}

	if err := c.wireReplay(logger); err != nil {
		return nil, fmt.Errorf("channel %q: %w", cfg.Name, err)
	}
	if err := register(c); err != nil {
		return nil, err
	}

	c.logger.Info().Int("source_processors", len(cfg.Source)).Msg("Channel registered.")
	return c, nil
}

// validateHandlers checks that every handler has a function and a unique,
// non-empty name.
func validateHandlers(cfg Config) error {
	seen := make(map[string]struct{})
	note := func(name string) error {
		if name == "" {
			return fmt.Errorf("handler name cannot be empty")
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("duplicate handler name %q", name)
		}
		seen[name] = struct{}{}
		return nil
	}

	for _, p := range cfg.Source {
		if p == nil || !p.valid() {
			return fmt.Errorf("source flow contains an invalid processor")
		}
		if err := note(p.name); err != nil {
			return err
		}
	}
	for _, d := range cfg.Destinations.Destinations {
		if d == nil || d.deliver == nil {
			return fmt.Errorf("destinations flow contains an invalid destination")
		}
		if err := note(d.name); err != nil {
			return err
		}
		for _, p := range d.preprocessors {
			if p == nil || !p.valid() {
				return fmt.Errorf("destination %q has an invalid preprocessor", d.name)
			}
			if err := note(p.name); err != nil {
				return err
			}
		}
	}
	if r := cfg.Destinations.Router; r != nil {
		if r.route == nil {
			return fmt.Errorf("destination router is invalid")
		}
		if err := note(r.name); err != nil {
			return err
		}
	}
	return nil
}

// Name returns the channel's registered name.
func (c *Channel) Name() string { return c.name }

// Start launches the replay listener, when one is wired.
func (c *Channel) Start(ctx context.Context) {
	if c.replayListener != nil {
		c.replayListener.Start(ctx)
	}
}

// Stop gracefully stops the replay listener, bounded by the given context.
func (c *Channel) Stop(ctx context.Context) error {
	if c.replayListener != nil {
		return c.replayListener.GracefulStop(ctx)
	}
	return nil
}

// Execute runs the pipeline over fresh content. A new message id is
// assigned; any skipDestinations given are honored from the first run.
// The returned error, when execution-level, is an *ExecutionError whose
// Message has been written to the failure store (best-effort).
func (c *Channel) Execute(ctx context.Context, content interface{}, skipDestinations ...string) (*ExecutionResult, error) {
	mc := newMessageContext(content, skipDestinations)
	c.logger.Debug().Str("msg_id", mc.ID()).Msg("Executing channel.")
	return c.run(ctx, mc, true)
}

// ReplayOptions tunes a replay.
type ReplayOptions struct {
	// PersistFailure re-writes the message to the failure store if the
	// replay fails again. Off by default: the replay listener polls that
	// store, and re-writing would loop forever.
	PersistFailure bool
}

// Replay re-runs the pipeline for a previously captured message. The
// message's id and skip set are preserved, its error info is cleared, and
// destinations that already succeeded are not invoked again.
func (c *Channel) Replay(ctx context.Context, msg types.Message) (*ExecutionResult, error) {
	return c.ReplayWithOptions(ctx, msg, ReplayOptions{})
}

// ReplayWithOptions is Replay with explicit failure-persistence control.
func (c *Channel) ReplayWithOptions(ctx context.Context, msg types.Message, opts ReplayOptions) (*ExecutionResult, error) {
	mc := contextFromMessage(msg)
	mc.CleanErrorInfoForReplay()
	c.logger.Debug().Str("msg_id", mc.ID()).Strs("skip_destinations", mc.SkipDestinations()).Msg("Replaying channel.")
	return c.run(ctx, mc, opts.PersistFailure)
}

// run drives one pipeline pass: ordered source processors, then the
// destination fan-out. It never panics outward; all handler panics become
// errors.
func (c *Channel) run(ctx context.Context, mc *MessageContext, persistFailure bool) (*ExecutionResult, error) {
	for _, p := range c.source {
		snapshot := mc.Clone()
		proceed, failedName, err := c.executeProcessor(ctx, p, mc)
		if err != nil {
			execErr := newExecutionError(snapshot, map[string]string{failedName: err.Error()})
			c.captureFailure(ctx, execErr, persistFailure)
			return nil, execErr
		}
		if !proceed {
			c.logger.Debug().Str("msg_id", mc.ID()).Str("processor", p.name).Msg("Source flow short-circuited.")
			return &ExecutionResult{Message: mc.Export(), DestinationResults: map[string]interface{}{}}, nil
		}
	}

	destinations := c.destinations.Destinations
	if router := c.destinations.Router; router != nil {
		snapshot := mc.Clone()
		selected, err := c.routeDestinations(ctx, router, mc)
		if err != nil {
			execErr := newExecutionError(snapshot, map[string]string{router.name: err.Error()})
			c.captureFailure(ctx, execErr, persistFailure)
			return nil, execErr
		}
		if selected == nil {
			return &ExecutionResult{Message: mc.Export(), DestinationResults: map[string]interface{}{}}, nil
		}
		for _, d := range selected {
			if d == nil || d.name == "" || d.deliver == nil {
				execErr := newExecutionError(snapshot, map[string]string{
					router.name: "router returned a destination with no name",
				})
				c.captureFailure(ctx, execErr, persistFailure)
				return nil, execErr
			}
		}
		destinations = selected
	}

	snapshot := mc.Clone()
	successes, failures := c.dispatchDestinations(ctx, destinations, mc)

	for name := range successes {
		mc.addSkipDestination(name)
		snapshot.addSkipDestination(name)
	}

	if len(failures) > 0 {
		execErr := newExecutionError(snapshot, failures)
		c.captureFailure(ctx, execErr, persistFailure)
		return nil, execErr
	}
	return &ExecutionResult{Message: mc.Export(), DestinationResults: successes}, nil
}

// executeProcessor applies one processor to the context. It reports whether
// the pipeline should proceed and, on error, which handler failed (a failure
// inside a routed processor is attributed to that processor; the router's own
// failure to the router).
func (c *Channel) executeProcessor(ctx context.Context, p *Processor, mc *MessageContext) (proceed bool, failedName string, err error) {
	switch p.kind {
	case KindGenericProcessor:
		err = guard(func() error { return p.generic(ctx, mc) })
		return err == nil, p.name, err

	case KindFilter:
		var pass bool
		err = guard(func() error {
			var filterErr error
			pass, filterErr = p.filter(ctx, mc)
			return filterErr
		})
		return err == nil && pass, p.name, err

	case KindTransformer:
		var content interface{}
		err = guard(func() error {
			var transformErr error
			content, transformErr = p.transform(ctx, mc)
			return transformErr
		})
		if err != nil {
			return false, p.name, err
		}
		mc.SetContent(content)
		return true, p.name, nil

	case KindProcessorRouter:
		var next *Processor
		err = guard(func() error {
			var routeErr error
			next, routeErr = p.route(ctx, mc)
			return routeErr
		})
		if err != nil {
			return false, p.name, err
		}
		if next == nil {
			return false, p.name, nil
		}
		if !next.valid() || next.name == "" {
			return false, p.name, fmt.Errorf("router returned an invalid processor")
		}
		return c.executeProcessor(ctx, next, mc)

	default:
		return false, p.name, fmt.Errorf("unknown processor kind %q", p.kind)
	}
}

// routeDestinations invokes the destination router once for this run.
func (c *Channel) routeDestinations(ctx context.Context, router *DestinationRouter, mc *MessageContext) (selected []*Destination, err error) {
	err = guard(func() error {
		var routeErr error
		selected, routeErr = router.route(ctx, mc)
		return routeErr
	})
	return selected, err
}

// dispatchDestinations fans out to every destination not in the skip set,
// each on its own goroutine with its own context clone, and aggregates
// results keyed by name. Destination errors are collected, never fast-failed.
func (c *Channel) dispatchDestinations(ctx context.Context, destinations []*Destination, mc *MessageContext) (map[string]interface{}, map[string]string) {
	successes := make(map[string]interface{})
	failures := make(map[string]string)

	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, d := range destinations {
		if mc.shouldSkip(d.name) {
			c.logger.Debug().Str("msg_id", mc.ID()).Str("destination", d.name).Msg("Destination already succeeded; skipping.")
			continue
		}

		wg.Add(1)
		go func(d *Destination) {
			defer wg.Done()
			clone := mc.Clone()

			for _, p := range d.preprocessors {
				proceed, failedName, err := c.executeProcessor(ctx, p, clone)
				if err != nil {
					mu.Lock()
					failures[failedName] = err.Error()
					mu.Unlock()
					return
				}
				if !proceed {
					// Skipped by its preprocessor: neither a success nor a
					// failure, and not added to the skip set, so the
					// destination is attempted again on replay.
					c.logger.Debug().Str("msg_id", mc.ID()).Str("destination", d.name).Str("preprocessor", p.name).Msg("Destination skipped by preprocessor.")
					return
				}
			}

			var result interface{}
			err := guard(func() error {
				var deliverErr error
				result, deliverErr = d.deliver(ctx, clone)
				return deliverErr
			})

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures[d.name] = err.Error()
				return
			}
			successes[d.name] = result
		}(d)
	}

	wg.Wait()
	return successes, failures
}

// captureFailure persists the replayable message best-effort and notifies
// the observer. Persistence failures are logged; they never shadow the
// execution error.
func (c *Channel) captureFailure(ctx context.Context, execErr *ExecutionError, persist bool) {
	if c.failure == nil || !persist {
		return
	}
	if c.failure.FailureStore != nil {
		if err := c.failure.FailureStore.Store(ctx, execErr.Message); err != nil {
			c.logger.Error().Err(err).Str("msg_id", execErr.Message.ID).Msg("Failed to persist message to failure store.")
		}
	}
	if c.failure.Observer != nil {
		c.failure.Observer.ObserveFailure(ctx, execErr.Message)
	}
}

// guard converts a handler panic into an error.
func guard(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return fn()
}
