package channel

import (
	"github.com/illmade-knight/go-conduit/pkg/types"
)

// MessageContext wraps a message for the duration of one pipeline run.
// Processors mutate it freely; the executor clones it before every handler
// invocation so the pre-failure state is what gets persisted, and hands
// parallel destinations their own clones so they cannot observe each other's
// mutations. A context is owned by its run and never shared across runs.
type MessageContext struct {
	id         string
	content    interface{}
	metadata   map[string]interface{}
	properties map[string]interface{}
	errorInfo  *types.ErrorInfo
}

// newMessageContext starts a fresh run: a new time-ordered id, the caller's
// content, and any destinations to skip from the outset.
func newMessageContext(content interface{}, skipDestinations []string) *MessageContext {
	mc := &MessageContext{
		id:         types.NewMessageID(),
		content:    content,
		metadata:   make(map[string]interface{}),
		properties: make(map[string]interface{}),
	}
	for _, name := range skipDestinations {
		mc.addSkipDestination(name)
	}
	return mc
}

// contextFromMessage rebuilds a run context from a persisted message,
// preserving its id, metadata (including the skip set) and properties.
func contextFromMessage(msg types.Message) *MessageContext {
	cloned := msg.Clone()
	if cloned.Metadata == nil {
		cloned.Metadata = make(map[string]interface{})
	}
	if cloned.Properties == nil {
		cloned.Properties = make(map[string]interface{})
	}
	return &MessageContext{
		id:         cloned.ID,
		content:    cloned.Content,
		metadata:   cloned.Metadata,
		properties: cloned.Properties,
		errorInfo:  cloned.ErrorInfo,
	}
}

// ID returns the message id, assigned exactly once at first execution.
func (mc *MessageContext) ID() string { return mc.id }

// Content returns the current content.
func (mc *MessageContext) Content() interface{} { return mc.content }

// SetContent replaces the current content.
func (mc *MessageContext) SetContent(content interface{}) { mc.content = content }

// Property returns a property set by an earlier processor.
func (mc *MessageContext) Property(key string) (interface{}, bool) {
	value, ok := mc.properties[key]
	return value, ok
}

// SetProperty records a property for later processors.
func (mc *MessageContext) SetProperty(key string, value interface{}) {
	mc.properties[key] = value
}

// MetadataValue returns a metadata entry.
func (mc *MessageContext) MetadataValue(key string) (interface{}, bool) {
	value, ok := mc.metadata[key]
	return value, ok
}

// SetMetadata records a metadata entry. The skip-destination key is managed
// by the executor; writes to it are ignored to keep the set append-only.
func (mc *MessageContext) SetMetadata(key string, value interface{}) {
	if key == types.MetadataSkipDestinations {
		return
	}
	mc.metadata[key] = value
}

// SkipDestinations returns the names of destinations that have already
// succeeded for this message.
func (mc *MessageContext) SkipDestinations() []string {
	msg := types.Message{Metadata: mc.metadata}
	return msg.SkipDestinations()
}

// shouldSkip reports whether the named destination already succeeded.
func (mc *MessageContext) shouldSkip(name string) bool {
	for _, existing := range mc.SkipDestinations() {
		if existing == name {
			return true
		}
	}
	return false
}

// addSkipDestination grows the skip set.
func (mc *MessageContext) addSkipDestination(name string) {
	msg := types.Message{Metadata: mc.metadata}
	msg.AddSkipDestination(name)
	mc.metadata = msg.Metadata
}

// CleanErrorInfoForReplay clears the previous run's error info while
// preserving the skip set.
func (mc *MessageContext) CleanErrorInfoForReplay() {
	mc.errorInfo = nil
}

// Clone returns a deep copy of the context.
func (mc *MessageContext) Clone() *MessageContext {
	return contextFromMessage(mc.Export())
}

// Export produces the persistable message record for the current state.
func (mc *MessageContext) Export() types.Message {
	msg := types.Message{
		ID:         mc.id,
		Content:    mc.content,
		Metadata:   mc.metadata,
		Properties: mc.properties,
		ErrorInfo:  mc.errorInfo,
	}
	return msg.Clone()
}
