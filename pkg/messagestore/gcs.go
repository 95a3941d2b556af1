package messagestore

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"cloud.google.com/go/storage"
	"github.com/illmade-knight/go-conduit/pkg/types"
	"github.com/rs/zerolog"
	"google.golang.org/api/iterator"
)

// GCSConfig holds configuration for a GCSStore.
type GCSConfig struct {
	BucketName string

	// Prefix namespaces the store's objects within the bucket.
	Prefix string
}

// GCSStore persists each entry as a bucket object named <prefix>/<id>.json.
// Object listings are lexicographic and ids are time-ordered, so retrieval
// is FIFO. The handle is the object name; a positive ack deletes the object.
type GCSStore struct {
	client *storage.Client
	bucket *storage.BucketHandle
	prefix string
	logger zerolog.Logger

	mu       sync.Mutex
	reserved map[string]struct{}
}

// NewGCSStore returns a store over the given bucket. The client's lifecycle
// is managed by the caller.
func NewGCSStore(cfg GCSConfig, client *storage.Client, logger zerolog.Logger) (*GCSStore, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client cannot be nil")
	}
	if cfg.BucketName == "" {
		return nil, fmt.Errorf("bucket name cannot be empty")
	}
	prefix := cfg.Prefix
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &GCSStore{
		client:   client,
		bucket:   client.Bucket(cfg.BucketName),
		prefix:   prefix,
		logger:   logger.With().Str("component", "GCSStore").Str("bucket", cfg.BucketName).Logger(),
		reserved: make(map[string]struct{}),
	}, nil
}

// Store writes content to a freshly named object.
func (s *GCSStore) Store(ctx context.Context, content interface{}) error {
	raw, err := marshalContent(content)
	if err != nil {
		return err
	}
	name := s.prefix + types.NewMessageID() + ".json"
	writer := s.bucket.Object(name).NewWriter(ctx)
	if _, err := writer.Write(raw); err != nil {
		_ = writer.Close()
		return fmt.Errorf("failed to write object %s: %w", name, err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to finalize object %s: %w", name, err)
	}
	s.logger.Debug().Str("object", name).Msg("Stored message object.")
	return nil
}

// Retrieve reserves the first readable, unreserved json object in listing
// order. Non-json and unreadable objects are skipped with a warning.
func (s *GCSStore) Retrieve(ctx context.Context) (*Retrieved, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	it := s.bucket.Objects(ctx, &storage.Query{Prefix: s.prefix})
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list bucket objects: %w", err)
		}
		if !strings.HasSuffix(attrs.Name, ".json") {
			s.logger.Warn().Str("object", attrs.Name).Msg("Skipping non-json object in store prefix.")
			continue
		}
		if _, taken := s.reserved[attrs.Name]; taken {
			continue
		}

		reader, err := s.bucket.Object(attrs.Name).NewReader(ctx)
		if err != nil {
			s.logger.Warn().Err(err).Str("object", attrs.Name).Msg("Skipping unreadable message object.")
			continue
		}
		raw, err := io.ReadAll(reader)
		_ = reader.Close()
		if err != nil {
			s.logger.Warn().Err(err).Str("object", attrs.Name).Msg("Skipping unreadable message object.")
			continue
		}
		var content interface{}
		if err := json.Unmarshal(raw, &content); err != nil {
			s.logger.Warn().Err(err).Str("object", attrs.Name).Msg("Skipping message object with invalid json.")
			continue
		}

		s.reserved[attrs.Name] = struct{}{}
		return &Retrieved{Handle: Handle(attrs.Name), Content: content}, nil
	}
}

// Acknowledge deletes the reserved object on success or releases the
// reservation on failure.
func (s *GCSStore) Acknowledge(ctx context.Context, handle Handle, success bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	name := string(handle)
	if _, ok := s.reserved[name]; !ok {
		return ErrUnknownHandle
	}
	delete(s.reserved, name)

	if !success {
		return nil
	}
	if err := s.bucket.Object(name).Delete(ctx); err != nil {
		return fmt.Errorf("failed to delete acknowledged object %s: %w", name, err)
	}
	return nil
}
