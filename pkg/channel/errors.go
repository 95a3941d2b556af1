package channel

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/illmade-knight/go-conduit/pkg/types"
)

// ErrDuplicateChannelName is returned by New when a channel with the same
// name already exists in the process registry.
var ErrDuplicateChannelName = errors.New("channel: duplicate channel name")

// ExecutionError is the failure side of a pipeline run. It carries the
// replayable Message: content snapshotted before the failing step, the skip
// set grown by every destination that did succeed, and per-handler causes.
type ExecutionError struct {
	// Message is suitable for persistence in a failure store and later replay.
	Message types.Message

	// Causes maps the failing handler's name to its error description.
	Causes map[string]string
}

// Error lists the causes comma-separated in handler-name order.
func (e *ExecutionError) Error() string {
	names := make([]string, 0, len(e.Causes))
	for name := range e.Causes {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, fmt.Sprintf("%s: %s", name, e.Causes[name]))
	}
	return "channel execution failed: " + strings.Join(parts, ", ")
}

// newExecutionError snapshots the message with error info attached.
func newExecutionError(snapshot *MessageContext, causes map[string]string) *ExecutionError {
	execErr := &ExecutionError{Causes: causes}
	msg := snapshot.Export()
	msg.ErrorInfo = &types.ErrorInfo{
		Message: execErr.Error(),
		Causes:  causes,
	}
	execErr.Message = msg
	return execErr
}
