package messagestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisConfig holds the configuration for the Redis-backed store.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int

	// Key is the Redis list the store lives in. In-flight entries are held
	// in the sibling list <Key>:processing until acknowledged.
	Key string
}

// RedisStore keeps entries in a Redis list: RPUSH on store, so the list head
// is the oldest entry. Retrieve reserves rather than removes: the head entry
// is atomically LMOVEd into a processing list, where it survives a process
// crash between retrieve and acknowledge. A positive ack removes it from the
// processing list; a negative ack moves it back to the head of the main list.
type RedisStore struct {
	client        *redis.Client
	key           string
	processingKey string
	logger        zerolog.Logger
	mu            sync.Mutex
	pending       map[Handle]string
}

// NewRedisStore creates and connects the store. It pings the Redis server to
// ensure connectivity before returning.
func NewRedisStore(ctx context.Context, cfg RedisConfig, logger zerolog.Logger) (*RedisStore, error) {
	if cfg.Key == "" {
		return nil, fmt.Errorf("redis list key cannot be empty")
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info().Str("redis_address", cfg.Addr).Str("key", cfg.Key).Msg("Successfully connected to Redis.")

	return &RedisStore{
		client:        rdb,
		key:           cfg.Key,
		processingKey: cfg.Key + ":processing",
		logger:        logger.With().Str("component", "RedisStore").Str("key", cfg.Key).Logger(),
		pending:       make(map[Handle]string),
	}, nil
}

// Store appends content to the tail of the list.
func (s *RedisStore) Store(ctx context.Context, content interface{}) error {
	raw, err := marshalContent(content)
	if err != nil {
		return err
	}
	if err := s.client.RPush(ctx, s.key, raw).Err(); err != nil {
		return fmt.Errorf("failed to push to redis list %s: %w", s.key, err)
	}
	return nil
}

// Retrieve moves the head of the list into the processing list and hands out
// a handle for it. The entry stays in Redis until acknowledged.
func (s *RedisStore) Retrieve(ctx context.Context) (*Retrieved, error) {
	raw, err := s.client.LMove(ctx, s.key, s.processingKey, "LEFT", "RIGHT").Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to reserve from redis list %s: %w", s.key, err)
	}

	var content interface{}
	if err := json.Unmarshal([]byte(raw), &content); err != nil {
		// Entries are written by Store as json; treat anything else as opaque.
		content = []byte(raw)
	}

	handle := Handle(uuid.NewString())
	s.mu.Lock()
	s.pending[handle] = raw
	s.mu.Unlock()

	return &Retrieved{Handle: handle, Content: content}, nil
}

// Acknowledge removes the reserved entry from the processing list and, on
// failure, returns it to the head of the main list so the next retrieve
// sees it again.
func (s *RedisStore) Acknowledge(ctx context.Context, handle Handle, success bool) error {
	s.mu.Lock()
	raw, ok := s.pending[handle]
	if ok {
		delete(s.pending, handle)
	}
	s.mu.Unlock()

	if !ok {
		return ErrUnknownHandle
	}
	if err := s.client.LRem(ctx, s.processingKey, 1, raw).Err(); err != nil {
		return fmt.Errorf("failed to clear entry from processing list %s: %w", s.processingKey, err)
	}
	if success {
		return nil
	}
	if err := s.client.LPush(ctx, s.key, raw).Err(); err != nil {
		return fmt.Errorf("failed to return entry to redis list %s: %w", s.key, err)
	}
	return nil
}

// RecoverProcessing moves every entry parked in the processing list back to
// the head of the main list. Call it at startup to re-queue work that was
// in flight when a previous process died; running it next to live consumers
// would re-queue their reserved entries too.
func (s *RedisStore) RecoverProcessing(ctx context.Context) (int, error) {
	recovered := 0
	for {
		err := s.client.LMove(ctx, s.processingKey, s.key, "RIGHT", "LEFT").Err()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return recovered, nil
			}
			return recovered, fmt.Errorf("failed to recover processing list %s: %w", s.processingKey, err)
		}
		recovered++
	}
}

// Close closes the Redis client connection.
func (s *RedisStore) Close() error {
	s.logger.Info().Msg("Closing Redis client connection...")
	return s.client.Close()
}
