package messagestore

import (
	"context"
	"errors"
)

// ====================================================================================
// This file defines the store contract shared by every variant: an ordered
// holding area with an explicit retrieve/acknowledge protocol. Listeners and
// channels only ever see this interface.
// ====================================================================================

// Handle is the opaque token a Retrieve hands out. It is distinct from the
// message id and is the only token Acknowledge accepts. Each handle is used
// exactly once.
type Handle string

// Retrieved pairs a handle with the content it reserves.
type Retrieved struct {
	Handle  Handle
	Content interface{}
}

// ErrUnknownHandle is returned by Acknowledge when the handle was never
// issued, or was already acknowledged.
var ErrUnknownHandle = errors.New("messagestore: unknown or already acknowledged handle")

// MessageStore is the three-operation contract every store variant satisfies.
//
// Retrieve returns the next entry per the store's ordering without removing
// it; a nil Retrieved means the store was empty at the instant of the call.
// Two concurrent Retrieves never return the same handle. A positive
// Acknowledge permanently removes the reserved entry; a negative one
// releases it so a later Retrieve can return it again.
//
// Content is deep-cloned on both sides of the boundary: a store never shares
// mutable references with its callers.
type MessageStore interface {
	Store(ctx context.Context, content interface{}) error
	Retrieve(ctx context.Context) (*Retrieved, error)
	Acknowledge(ctx context.Context, handle Handle, success bool) error
}
