package messagestore_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/illmade-knight/go-conduit/pkg/messagestore"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newDirectoryStore(t *testing.T) (*messagestore.DirectoryStore, string) {
	t.Helper()
	dir := t.TempDir()
	store, err := messagestore.NewDirectoryStore(messagestore.DirectoryConfig{DirectoryName: dir}, zerolog.Nop())
	require.NoError(t, err)
	return store, dir
}

func TestDirectoryStore_StoreCreatesJSONFile(t *testing.T) {
	ctx := context.Background()
	store, dir := newDirectoryStore(t)

	require.NoError(t, store.Store(ctx, map[string]interface{}{"k": "v"}))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, ".json", filepath.Ext(entries[0].Name()))
}

func TestDirectoryStore_FIFOAcrossFiles(t *testing.T) {
	ctx := context.Background()
	store, _ := newDirectoryStore(t)

	// Filenames are time-ordered ids, so storage order is retrieval order.
	for _, content := range []string{"first", "second", "third"} {
		require.NoError(t, store.Store(ctx, content))
	}
	for _, expected := range []string{"first", "second", "third"} {
		retrieved, err := store.Retrieve(ctx)
		require.NoError(t, err)
		require.NotNil(t, retrieved)
		assert.Equal(t, expected, retrieved.Content)
		require.NoError(t, store.Acknowledge(ctx, retrieved.Handle, true))
	}
}

func TestDirectoryStore_PositiveAckDeletesFile(t *testing.T) {
	ctx := context.Background()
	store, dir := newDirectoryStore(t)

	require.NoError(t, store.Store(ctx, "x"))
	retrieved, err := store.Retrieve(ctx)
	require.NoError(t, err)
	require.NotNil(t, retrieved)

	require.NoError(t, store.Acknowledge(ctx, retrieved.Handle, true))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)

	// The handle is spent.
	err = store.Acknowledge(ctx, retrieved.Handle, true)
	assert.ErrorIs(t, err, messagestore.ErrUnknownHandle)
}

func TestDirectoryStore_NegativeAckReleasesReservation(t *testing.T) {
	ctx := context.Background()
	store, _ := newDirectoryStore(t)

	require.NoError(t, store.Store(ctx, "x"))

	first, err := store.Retrieve(ctx)
	require.NoError(t, err)
	require.NotNil(t, first)

	hidden, err := store.Retrieve(ctx)
	require.NoError(t, err)
	assert.Nil(t, hidden, "reserved file must not be retrieved twice")

	require.NoError(t, store.Acknowledge(ctx, first.Handle, false))

	second, err := store.Retrieve(ctx)
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, "x", second.Content)
}

func TestDirectoryStore_SkipsForeignFiles(t *testing.T) {
	ctx := context.Background()
	store, dir := newDirectoryStore(t)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "0000-notes.txt"), []byte("ignore me"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "0000-broken.json"), []byte("{not json"), 0o644))
	require.NoError(t, store.Store(ctx, "real"))

	retrieved, err := store.Retrieve(ctx)
	require.NoError(t, err)
	require.NotNil(t, retrieved)
	assert.Equal(t, "real", retrieved.Content)
}

func TestDirectoryStore_EmptyDirectory(t *testing.T) {
	ctx := context.Background()
	store, _ := newDirectoryStore(t)

	retrieved, err := store.Retrieve(ctx)
	require.NoError(t, err)
	assert.Nil(t, retrieved)
}
