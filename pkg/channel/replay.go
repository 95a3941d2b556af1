package channel

import (
	"context"
	"errors"
	"time"

	"github.com/illmade-knight/go-conduit/pkg/storelistener"
	"github.com/illmade-knight/go-conduit/pkg/types"
	"github.com/rs/zerolog"
)

// wireReplay binds a listener on the replay store to a service that re-runs
// captured failures through the channel.
//
// Retries live at the service layer, not the listener: the listener's retry
// loop would resend the original stored content, but a replay retry must see
// the freshly-updated message so destinations that succeeded on the previous
// attempt are skipped. The listener therefore runs with zero retries of its
// own, and its dead-letter/drop policy fires as soon as the service returns
// an error.
func (c *Channel) wireReplay(logger zerolog.Logger) error {
	if c.failure == nil || c.failure.ReplayListener == nil {
		return nil
	}

	target := c.failure.ReplayStore
	if target == nil {
		target = c.failure.FailureStore
	}
	if target == nil {
		c.logger.Warn().Msg("Replay listener configured with neither replay nor failure store; skipping replay wiring.")
		return nil
	}

	listenerCfg := *c.failure.ReplayListener
	service := &replayService{
		channel:       c,
		maxRetries:    listenerCfg.MaxRetries,
		retryInterval: listenerCfg.RetryInterval,
		logger:        logger.With().Str("component", "ReplayService").Str("channel", c.name).Logger(),
	}
	listenerCfg.MaxRetries = 0

	listener, err := storelistener.New(listenerCfg, target, logger)
	if err != nil {
		return err
	}
	if err := listener.Attach(service.handle); err != nil {
		return err
	}

	c.replayListener = listener
	return nil
}

// replayService adapts Channel.Replay to the store-listener handler contract.
type replayService struct {
	channel       *Channel
	maxRetries    int
	retryInterval time.Duration
	logger        zerolog.Logger
}

// handle deserializes a stored failure and replays it, retrying with the
// updated message each time so the skip set keeps growing. The final error
// is handed back to the listener, whose dead-letter/drop policy decides the
// stored entry's fate.
func (s *replayService) handle(ctx context.Context, content interface{}) error {
	msg, err := types.FromStored(content)
	if err != nil {
		s.logger.Error().Err(err).Msg("Stored value does not decode as a replayable message.")
		return err
	}

	current := msg
	var lastErr error
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(s.retryInterval):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		_, err := s.channel.Replay(ctx, current)
		if err == nil {
			s.logger.Info().Str("msg_id", current.ID).Int("attempts", attempt+1).Msg("Replay succeeded.")
			return nil
		}
		lastErr = err

		var execErr *ExecutionError
		if errors.As(err, &execErr) {
			// Thread the evolving message into the next attempt.
			current = execErr.Message
			s.logger.Warn().Err(err).Str("msg_id", current.ID).Int("attempt", attempt+1).Msg("Replay attempt failed.")
			continue
		}
		return err
	}
	return lastErr
}
