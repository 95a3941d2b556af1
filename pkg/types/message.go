package types

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// MetadataSkipDestinations is the reserved metadata key holding the names of
// destinations that have already succeeded for a message. The channel
// executor maintains it; it only ever grows across replays.
const MetadataSkipDestinations = "skipDestinations"

// ErrorInfo describes why a pipeline run failed, with one entry per failing
// handler.
type ErrorInfo struct {
	Message string            `json:"message"`
	Causes  map[string]string `json:"causes,omitempty"`
}

// Message is the persisted form of a pipeline message. It is what gets
// written to a failure store and what a replay reads back, so its shape is
// the wire contract between processes sharing a store.
type Message struct {
	// ID is assigned exactly once, at first execution, and survives
	// serialization and replay.
	ID string `json:"id"`

	// Content is an arbitrary JSON-serializable tree.
	Content interface{} `json:"content"`

	// Metadata holds executor-maintained state, including the reserved
	// skipDestinations key. Unknown keys round-trip untouched.
	Metadata map[string]interface{} `json:"metadata,omitempty"`

	// Properties are freely mutated by processors.
	Properties map[string]interface{} `json:"properties,omitempty"`

	ErrorInfo *ErrorInfo `json:"errorInfo,omitempty"`
}

// NewMessageID returns a time-ordered unique identifier. UUIDv7 sorts
// lexicographically by creation time, which the directory and object stores
// rely on for FIFO retrieval.
func NewMessageID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails if the random source is exhausted; fall back to v4.
		return uuid.NewString()
	}
	return id.String()
}

// SkipDestinations returns the skip set recorded in the message metadata.
// It normalizes the two shapes a json round-trip can produce ([]string in
// memory, []interface{} after decoding).
func (m *Message) SkipDestinations() []string {
	if m.Metadata == nil {
		return nil
	}
	switch v := m.Metadata[MetadataSkipDestinations].(type) {
	case []string:
		return v
	case []interface{}:
		names := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				names = append(names, s)
			}
		}
		return names
	default:
		return nil
	}
}

// AddSkipDestination appends a destination name to the skip set if it is not
// already present.
func (m *Message) AddSkipDestination(name string) {
	current := m.SkipDestinations()
	for _, existing := range current {
		if existing == name {
			return
		}
	}
	if m.Metadata == nil {
		m.Metadata = make(map[string]interface{})
	}
	m.Metadata[MetadataSkipDestinations] = append(current, name)
}

// Clone returns a deep copy of the message via a json round-trip.
func (m *Message) Clone() Message {
	raw, err := json.Marshal(m)
	if err != nil {
		// Content is required to be json-serializable; a failure here means
		// the caller handed us something the stores could not persist either.
		return *m
	}
	var cloned Message
	if err := json.Unmarshal(raw, &cloned); err != nil {
		return *m
	}
	return cloned
}

// CloneValue deep-copies an arbitrary json-serializable value. Stores use it
// so they never share mutable references with callers.
func CloneValue(v interface{}) interface{} {
	if v == nil {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return v
	}
	return out
}

// FromStored decodes a value read back from a message store into a Message.
// Stores hand back whatever their medium produced: a decoded
// map[string]interface{}, raw json bytes, or a json string.
func FromStored(v interface{}) (Message, error) {
	var raw []byte
	switch value := v.(type) {
	case Message:
		raw, _ = json.Marshal(value)
	case *Message:
		raw, _ = json.Marshal(value)
	case []byte:
		raw = value
	case string:
		raw = []byte(value)
	default:
		encoded, err := json.Marshal(value)
		if err != nil {
			return Message{}, fmt.Errorf("stored value is not json-serializable: %w", err)
		}
		raw = encoded
	}

	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Message{}, fmt.Errorf("stored value does not decode as a message: %w", err)
	}
	if msg.ID == "" {
		return Message{}, fmt.Errorf("stored value has no message id")
	}
	return msg, nil
}
