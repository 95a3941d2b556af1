package messagestore

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/illmade-knight/go-conduit/pkg/types"
)

// RetrievalOrder fixes the direction an in-memory store hands entries out in.
type RetrievalOrder string

const (
	FIFO RetrievalOrder = "FIFO"
	LIFO RetrievalOrder = "LIFO"
)

// InMemoryConfig holds configuration for an InMemoryStore.
type InMemoryConfig struct {
	Order RetrievalOrder
}

type inMemoryEntry struct {
	value    interface{}
	reserved bool
}

// InMemoryStore is a thread-safe, ordered in-process store. Retrieval order
// is fixed at construction. Acknowledgement removes the specific entry bound
// to the handle, not the head, so interleaved retrievals stay correct.
type InMemoryStore struct {
	mu      sync.Mutex
	entries []*inMemoryEntry
	pending map[Handle]*inMemoryEntry
	order   RetrievalOrder
}

// NewInMemoryStore creates an in-memory store. An unset order defaults to FIFO.
func NewInMemoryStore(cfg InMemoryConfig) *InMemoryStore {
	order := cfg.Order
	if order == "" {
		order = FIFO
	}
	return &InMemoryStore{
		pending: make(map[Handle]*inMemoryEntry),
		order:   order,
	}
}

// Store appends a deep clone of content.
func (s *InMemoryStore) Store(_ context.Context, content interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, &inMemoryEntry{value: types.CloneValue(content)})
	return nil
}

// Retrieve reserves and returns the next unreserved entry, or nil when every
// entry is either absent or already reserved by another handle.
func (s *InMemoryStore) Retrieve(_ context.Context) (*Retrieved, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := s.nextUnreservedLocked()
	if entry == nil {
		return nil, nil
	}

	handle := Handle(uuid.NewString())
	entry.reserved = true
	s.pending[handle] = entry

	return &Retrieved{Handle: handle, Content: types.CloneValue(entry.value)}, nil
}

func (s *InMemoryStore) nextUnreservedLocked() *inMemoryEntry {
	if s.order == LIFO {
		for i := len(s.entries) - 1; i >= 0; i-- {
			if !s.entries[i].reserved {
				return s.entries[i]
			}
		}
		return nil
	}
	for _, entry := range s.entries {
		if !entry.reserved {
			return entry
		}
	}
	return nil
}

// Acknowledge resolves a handle: success removes the entry, failure releases
// it back into retrieval order at its original position.
func (s *InMemoryStore) Acknowledge(_ context.Context, handle Handle, success bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.pending[handle]
	if !ok {
		return ErrUnknownHandle
	}
	delete(s.pending, handle)

	if success {
		for i, candidate := range s.entries {
			if candidate == entry {
				s.entries = append(s.entries[:i], s.entries[i+1:]...)
				break
			}
		}
		return nil
	}

	entry.reserved = false
	return nil
}

// Size reports the number of entries currently held, reserved or not.
func (s *InMemoryStore) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
