// Package store persists ledger snapshots.
//
// A snapshot is one structured document holding every ledger sequence. It is
// rewritten in full after each mutating ledger operation.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
)

// SnapshotVersion is the current snapshot document version.
const SnapshotVersion = 1

var (
	// ErrNotFound means nothing has been saved yet.
	ErrNotFound = errors.New("snapshot not found")
	// ErrCorrupt means a snapshot exists but cannot be decoded.
	ErrCorrupt = errors.New("snapshot corrupt")
)

// Snapshot is the persisted ledger document. Each entry is an encoded
// message record.
type Snapshot struct {
	Version           int               `json:"version"`
	Messages          []json.RawMessage `json:"messages"`
	SyncMessages      []json.RawMessage `json:"syncMessages"`
	TypingMessages    []json.RawMessage `json:"typingMessages"`
	StoryMessages     []json.RawMessage `json:"storyMessages"`
	UnmatchedReceipts []json.RawMessage `json:"unmatchedReceipts"`
	PendingReactions  []json.RawMessage `json:"pendingReactions"`
}

// Store loads and saves one account's snapshot.
type Store interface {
	// Load returns ErrNotFound when no snapshot exists and wraps ErrCorrupt
	// when one exists but is unreadable.
	Load() (*Snapshot, error)
	Save(snap *Snapshot) error
	Close() error
}

// Backend names accepted by Open.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
	BackendPebble = "pebble"
)

// Open creates the configured backend inside an account data directory.
func Open(backend, accountDir, account string) (Store, error) {
	switch backend {
	case BackendFile, "":
		return NewFileStore(filepath.Join(accountDir, "messages.json"))
	case BackendSQLite:
		return NewSQLiteStore(filepath.Join(accountDir, "ledger.db"), account)
	case BackendPebble:
		return NewPebbleStore(filepath.Join(accountDir, "ledger.pebble"), account)
	}
	return nil, fmt.Errorf("unknown store backend %q", backend)
}

func decodeSnapshot(data []byte) (*Snapshot, error) {
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if snap.Version > SnapshotVersion {
		return nil, fmt.Errorf("%w: version %d is newer than %d", ErrCorrupt, snap.Version, SnapshotVersion)
	}
	return &snap, nil
}

func encodeSnapshot(snap *Snapshot) ([]byte, error) {
	snap.Version = SnapshotVersion
	data, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}
	return data, nil
}
