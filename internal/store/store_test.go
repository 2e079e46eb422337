package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleSnapshot() *Snapshot {
	return &Snapshot{
		Messages:          []json.RawMessage{json.RawMessage(`{"id":"a","messageType":"sent"}`)},
		TypingMessages:    []json.RawMessage{json.RawMessage(`{"id":"b","messageType":"typing"}`)},
		UnmatchedReceipts: []json.RawMessage{json.RawMessage(`{"id":"c","messageType":"receipt"}`)},
	}
}

func TestBackends(t *testing.T) {
	for _, backend := range []string{BackendFile, BackendSQLite, BackendPebble} {
		t.Run(backend, func(t *testing.T) {
			dir := t.TempDir()
			s, err := Open(backend, dir, "+15550001")
			require.NoError(t, err)

			_, err = s.Load()
			assert.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, s.Save(sampleSnapshot()))

			// Overwrite to prove saves replace rather than append.
			snap := sampleSnapshot()
			snap.StoryMessages = []json.RawMessage{json.RawMessage(`{"id":"d","messageType":"story"}`)}
			require.NoError(t, s.Save(snap))
			require.NoError(t, s.Close())

			s, err = Open(backend, dir, "+15550001")
			require.NoError(t, err)
			defer func() { _ = s.Close() }()

			got, err := s.Load()
			require.NoError(t, err)
			assert.Equal(t, SnapshotVersion, got.Version)
			require.Len(t, got.Messages, 1)
			assert.JSONEq(t, `{"id":"a","messageType":"sent"}`, string(got.Messages[0]))
			assert.Len(t, got.StoryMessages, 1)
			assert.Len(t, got.UnmatchedReceipts, 1)
			assert.Empty(t, got.SyncMessages)
		})
	}
}

func TestSQLiteAccountsAreSeparate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shared.db")
	a, err := NewSQLiteStore(path, "+15550001")
	require.NoError(t, err)
	defer func() { _ = a.Close() }()
	require.NoError(t, a.Save(sampleSnapshot()))

	b, err := NewSQLiteStore(path, "+15550002")
	require.NoError(t, err)
	defer func() { _ = b.Close() }()
	_, err = b.Load()
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFileStoreCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "messages.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0600))

	s, err := NewFileStore(path)
	require.NoError(t, err)
	_, err = s.Load()
	assert.ErrorIs(t, err, ErrCorrupt)

	require.NoError(t, os.WriteFile(path, []byte(`{"version":99}`), 0600))
	_, err = s.Load()
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestOpenUnknownBackend(t *testing.T) {
	_, err := Open("redis", t.TempDir(), "+1")
	assert.Error(t, err)
}
