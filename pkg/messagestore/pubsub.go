package messagestore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// PubsubConfig holds configuration for a PubsubStore.
type PubsubConfig struct {
	TopicID        string
	SubscriptionID string

	// MaxBuffered bounds how many deliveries are pulled ahead of Retrieve calls.
	MaxBuffered int
}

// LoadDefaultPubsubConfig returns a config with sensible buffering for the
// given topic/subscription pair.
func LoadDefaultPubsubConfig(topicID, subID string) PubsubConfig {
	return PubsubConfig{
		TopicID:        topicID,
		SubscriptionID: subID,
		MaxBuffered:    16,
	}
}

// PubsubStore backs the store contract with a Pub/Sub topic/subscription
// pair. Store publishes to the topic; Retrieve drains a buffer fed by a
// background Receive goroutine that starts on first use. Acknowledgement is
// broker-level: a positive ack Acks the delivery and a negative ack Nacks it
// so the subscription redelivers.
type PubsubStore struct {
	client       *pubsub.Client
	topic        *pubsub.Topic
	subscription *pubsub.Subscription
	logger       zerolog.Logger

	buffer      chan *pubsub.Message
	receiveOnce sync.Once
	cancelRecv  context.CancelFunc
	doneChan    chan struct{}

	mu      sync.Mutex
	pending map[Handle]*pubsub.Message
}

// NewPubsubStore verifies the topic and subscription exist and returns the
// store. The client's lifecycle is managed by the caller.
func NewPubsubStore(ctx context.Context, cfg PubsubConfig, client *pubsub.Client, logger zerolog.Logger) (*PubsubStore, error) {
	if client == nil {
		return nil, fmt.Errorf("pubsub client cannot be nil")
	}
	if cfg.MaxBuffered <= 0 {
		cfg.MaxBuffered = 16
	}

	topic := client.Topic(cfg.TopicID)
	exists, err := topic.Exists(ctx)
	if !exists || err != nil {
		return nil, fmt.Errorf("topic %s does not exist: %w", cfg.TopicID, err)
	}
	sub := client.Subscription(cfg.SubscriptionID)
	exists, err = sub.Exists(ctx)
	if !exists || err != nil {
		return nil, fmt.Errorf("subscription %s does not exist: %w", cfg.SubscriptionID, err)
	}
	sub.ReceiveSettings.MaxOutstandingMessages = cfg.MaxBuffered
	sub.ReceiveSettings.NumGoroutines = 1

	return &PubsubStore{
		client:       client,
		topic:        topic,
		subscription: sub,
		logger:       logger.With().Str("component", "PubsubStore").Str("subscription_id", cfg.SubscriptionID).Logger(),
		buffer:       make(chan *pubsub.Message, cfg.MaxBuffered),
		doneChan:     make(chan struct{}),
		pending:      make(map[Handle]*pubsub.Message),
	}, nil
}

// Store publishes content to the topic and waits for the server id.
func (s *PubsubStore) Store(ctx context.Context, content interface{}) error {
	raw, err := marshalContent(content)
	if err != nil {
		return err
	}
	result := s.topic.Publish(ctx, &pubsub.Message{Data: raw})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("failed to publish to topic: %w", err)
	}
	return nil
}

// Retrieve returns the next buffered delivery, starting the background
// receiver on first use. It does not wait for the broker: an empty buffer is
// an empty store.
func (s *PubsubStore) Retrieve(_ context.Context) (*Retrieved, error) {
	s.receiveOnce.Do(s.startReceiving)

	select {
	case msg, ok := <-s.buffer:
		if !ok {
			return nil, nil
		}
		handle := Handle(uuid.NewString())
		s.mu.Lock()
		s.pending[handle] = msg
		s.mu.Unlock()
		return &Retrieved{Handle: handle, Content: decodeBody(msg.Data)}, nil
	default:
		return nil, nil
	}
}

// startReceiving launches the background Receive goroutine feeding the buffer.
func (s *PubsubStore) startReceiving() {
	receiveCtx, cancel := context.WithCancel(context.Background())
	s.cancelRecv = cancel

	go func() {
		defer close(s.doneChan)
		s.logger.Info().Msg("Pub/Sub Receive goroutine started.")
		err := s.subscription.Receive(receiveCtx, func(_ context.Context, msg *pubsub.Message) {
			select {
			case s.buffer <- msg:
			case <-receiveCtx.Done():
				msg.Nack()
			}
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error().Err(err).Msg("Pub/Sub Receive call exited with error.")
		}
		s.logger.Info().Msg("Pub/Sub Receive goroutine stopped.")
	}()
}

// Acknowledge resolves a handle at the broker: Ack removes the delivery, Nack
// makes the subscription redeliver it.
func (s *PubsubStore) Acknowledge(_ context.Context, handle Handle, success bool) error {
	s.mu.Lock()
	msg, ok := s.pending[handle]
	if ok {
		delete(s.pending, handle)
	}
	s.mu.Unlock()

	if !ok {
		return ErrUnknownHandle
	}
	if success {
		msg.Ack()
	} else {
		msg.Nack()
	}
	return nil
}

// Close stops the background receiver and nacks any buffered deliveries so
// the broker can hand them to another consumer.
func (s *PubsubStore) Close() error {
	if s.cancelRecv == nil {
		return nil
	}
	s.cancelRecv()
	select {
	case <-s.doneChan:
	case <-time.After(30 * time.Second):
		s.logger.Error().Msg("Timeout waiting for Pub/Sub Receive goroutine to stop.")
	}
	for {
		select {
		case msg := <-s.buffer:
			msg.Nack()
		default:
			return nil
		}
	}
}
