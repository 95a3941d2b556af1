package messagestore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/illmade-knight/go-conduit/pkg/types"
	"github.com/rs/zerolog"
)

// DirectoryConfig holds configuration for a DirectoryStore.
type DirectoryConfig struct {
	// DirectoryName is the directory the store owns. It is created if absent.
	DirectoryName string
}

// DirectoryStore persists each entry as a json file in a local directory.
// Filenames are time-ordered ids, so a lexicographic listing is FIFO. The
// handle is the file's absolute path; a positive ack deletes the file and a
// negative ack releases the in-process reservation.
type DirectoryStore struct {
	dir      string
	logger   zerolog.Logger
	mu       sync.Mutex
	reserved map[string]struct{}
}

// NewDirectoryStore creates the backing directory if needed and returns the store.
func NewDirectoryStore(cfg DirectoryConfig, logger zerolog.Logger) (*DirectoryStore, error) {
	if cfg.DirectoryName == "" {
		return nil, fmt.Errorf("directory name cannot be empty")
	}
	absDir, err := filepath.Abs(cfg.DirectoryName)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve directory %s: %w", cfg.DirectoryName, err)
	}
	if err := os.MkdirAll(absDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory %s: %w", absDir, err)
	}
	return &DirectoryStore{
		dir:      absDir,
		logger:   logger.With().Str("component", "DirectoryStore").Str("directory", absDir).Logger(),
		reserved: make(map[string]struct{}),
	}, nil
}

// Store writes content to a freshly named json file.
func (s *DirectoryStore) Store(_ context.Context, content interface{}) error {
	raw, err := json.Marshal(content)
	if err != nil {
		return fmt.Errorf("content is not json-serializable: %w", err)
	}
	path := filepath.Join(s.dir, types.NewMessageID()+".json")
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("failed to write message file %s: %w", path, err)
	}
	s.logger.Debug().Str("file", path).Msg("Stored message file.")
	return nil
}

// Retrieve reserves the first readable, unreserved json file in listing order.
// Non-json and unreadable files are skipped with a warning.
func (s *DirectoryStore) Retrieve(_ context.Context) (*Retrieved, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dirEntries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory %s: %w", s.dir, err)
	}
	names := make([]string, 0, len(dirEntries))
	for _, entry := range dirEntries {
		if !entry.IsDir() {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		if !strings.HasSuffix(name, ".json") {
			s.logger.Warn().Str("file", name).Msg("Skipping non-json entry in store directory.")
			continue
		}
		path := filepath.Join(s.dir, name)
		if _, taken := s.reserved[path]; taken {
			continue
		}
		raw, err := os.ReadFile(path)
		if err != nil {
			s.logger.Warn().Err(err).Str("file", path).Msg("Skipping unreadable message file.")
			continue
		}
		var content interface{}
		if err := json.Unmarshal(raw, &content); err != nil {
			s.logger.Warn().Err(err).Str("file", path).Msg("Skipping message file with invalid json.")
			continue
		}
		s.reserved[path] = struct{}{}
		return &Retrieved{Handle: Handle(path), Content: content}, nil
	}
	return nil, nil
}

// Acknowledge deletes the reserved file on success or releases the
// reservation on failure.
func (s *DirectoryStore) Acknowledge(_ context.Context, handle Handle, success bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := string(handle)
	if _, ok := s.reserved[path]; !ok {
		return ErrUnknownHandle
	}
	delete(s.reserved, path)

	if !success {
		return nil
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("failed to remove acknowledged message file %s: %w", path, err)
	}
	return nil
}
