package store

import (
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"
)

// PebbleStore keeps snapshots in a Pebble key-value store under
// "ledger:<account>".
type PebbleStore struct {
	db  *pebble.DB
	key []byte
}

// NewPebbleStore opens or creates the database directory at path.
func NewPebbleStore(path, account string) (*PebbleStore, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble: %w", err)
	}
	return &PebbleStore{db: db, key: []byte("ledger:" + account)}, nil
}

func (s *PebbleStore) Load() (*Snapshot, error) {
	val, closer, err := s.db.Get(s.key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get snapshot: %w", err)
	}
	data := make([]byte, len(val))
	copy(data, val)
	_ = closer.Close()
	return decodeSnapshot(data)
}

func (s *PebbleStore) Save(snap *Snapshot) error {
	data, err := encodeSnapshot(snap)
	if err != nil {
		return err
	}
	if err := s.db.Set(s.key, data, pebble.Sync); err != nil {
		return fmt.Errorf("set snapshot: %w", err)
	}
	return nil
}

func (s *PebbleStore) Close() error {
	return s.db.Close()
}
