package channel

import (
	"fmt"
	"sync"
)

// Process-wide channel registry. Entries are added at construction and stay
// for the life of the process; tests use ResetRegistry for deterministic
// cleanup.
var registry = struct {
	mu       sync.Mutex
	channels map[string]*Channel
}{
	channels: make(map[string]*Channel),
}

func register(c *Channel) error {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	if _, exists := registry.channels[c.name]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateChannelName, c.name)
	}
	registry.channels[c.name] = c
	return nil
}

// Lookup returns the registered channel with the given name.
func Lookup(name string) (*Channel, bool) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	c, ok := registry.channels[name]
	return c, ok
}

// RegisteredNames returns the names of all registered channels.
func RegisteredNames() []string {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	names := make([]string, 0, len(registry.channels))
	for name := range registry.channels {
		names = append(names, name)
	}
	return names
}

// ResetRegistry empties the registry. Intended for test environments.
func ResetRegistry() {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	registry.channels = make(map[string]*Channel)
}
