package messagestore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/illmade-knight/go-conduit/pkg/types"
	"github.com/rs/zerolog"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreConfig holds configuration for a FirestoreStore.
type FirestoreConfig struct {
	CollectionName string
}

// firestoreEntry is the document shape. The payload is kept as a json string
// so the persisted wire shape round-trips exactly.
type firestoreEntry struct {
	Payload  string    `firestore:"payload"`
	StoredAt time.Time `firestore:"storedAt"`
}

// FirestoreStore persists one document per entry, keyed by a time-ordered id
// so ordering by document id is chronological. The handle is the document
// id; a positive ack deletes the document.
//
// Suited to low-volume deployments - that's what the broker-backed stores
// are for at higher volume.
type FirestoreStore struct {
	client     *firestore.Client
	collection string
	logger     zerolog.Logger

	mu       sync.Mutex
	reserved map[string]struct{}
}

// NewFirestoreStore returns a store over the given collection. The client's
// lifecycle is managed by the caller.
func NewFirestoreStore(cfg FirestoreConfig, client *firestore.Client, logger zerolog.Logger) (*FirestoreStore, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client cannot be nil")
	}
	if cfg.CollectionName == "" {
		return nil, fmt.Errorf("collection name cannot be empty")
	}
	return &FirestoreStore{
		client:     client,
		collection: cfg.CollectionName,
		logger:     logger.With().Str("component", "FirestoreStore").Str("collection", cfg.CollectionName).Logger(),
		reserved:   make(map[string]struct{}),
	}, nil
}

// Store writes content as a new document.
func (s *FirestoreStore) Store(ctx context.Context, content interface{}) error {
	raw, err := marshalContent(content)
	if err != nil {
		return err
	}
	docID := types.NewMessageID()
	_, err = s.client.Collection(s.collection).Doc(docID).Set(ctx, firestoreEntry{
		Payload:  string(raw),
		StoredAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("firestore set for %s: %w", docID, err)
	}
	return nil
}

// Retrieve reserves the oldest unreserved document. Documents that fail to
// decode are skipped with a warning.
func (s *FirestoreStore) Retrieve(ctx context.Context) (*Retrieved, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	it := s.client.Collection(s.collection).
		OrderBy(firestore.DocumentID, firestore.Asc).
		Documents(ctx)
	defer it.Stop()

	for {
		doc, err := it.Next()
		if err == iterator.Done {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("firestore query for collection %s: %w", s.collection, err)
		}
		if _, taken := s.reserved[doc.Ref.ID]; taken {
			continue
		}

		var entry firestoreEntry
		if err := doc.DataTo(&entry); err != nil {
			s.logger.Warn().Err(err).Str("doc", doc.Ref.ID).Msg("Skipping document with unexpected shape.")
			continue
		}
		var content interface{}
		if err := json.Unmarshal([]byte(entry.Payload), &content); err != nil {
			s.logger.Warn().Err(err).Str("doc", doc.Ref.ID).Msg("Skipping document with invalid json payload.")
			continue
		}

		s.reserved[doc.Ref.ID] = struct{}{}
		return &Retrieved{Handle: Handle(doc.Ref.ID), Content: content}, nil
	}
}

// Acknowledge deletes the reserved document on success or releases the
// reservation on failure.
func (s *FirestoreStore) Acknowledge(ctx context.Context, handle Handle, success bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	docID := string(handle)
	if _, ok := s.reserved[docID]; !ok {
		return ErrUnknownHandle
	}
	delete(s.reserved, docID)

	if !success {
		return nil
	}
	_, err := s.client.Collection(s.collection).Doc(docID).Delete(ctx)
	if err != nil && status.Code(err) != codes.NotFound {
		return fmt.Errorf("firestore delete for %s: %w", docID, err)
	}
	return nil
}
