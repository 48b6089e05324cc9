// Package consolidate derives graph structure from ledger events.
//
// The worker is a cursor-driven consumer: it reads batches of events
// past its durable cursor, projects each into idempotent graph
// upserts (event node, FOLLOWS/CAUSED_BY/REFERENCES edges, inline
// stage-1 knowledge synthesis for explicit-preference events) and then
// commits the cursor. Re-processing after a crash before commit
// produces no duplication because every write is keyed by a
// deterministic ID.
package consolidate

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	badger "github.com/dgraph-io/badger/v4"
)

const prefixCursor = byte(0x30) // partition name -> position (8 bytes BE)

// CursorStore persists the last-processed global position per
// partition.
type CursorStore interface {
	// Load returns the committed position for a partition, zero if
	// none was ever committed.
	Load(ctx context.Context, partition string) (uint64, error)

	// Commit durably records the position.
	Commit(ctx context.Context, partition string, position uint64) error
}

// BadgerCursorStore persists cursors in badger, typically sharing the
// ledger's database.
type BadgerCursorStore struct {
	db *badger.DB
}

// NewBadgerCursorStore wraps an open badger database.
func NewBadgerCursorStore(db *badger.DB) *BadgerCursorStore {
	return &BadgerCursorStore{db: db}
}

func cursorKey(partition string) []byte {
	return append([]byte{prefixCursor}, []byte(partition)...)
}

// Load returns the committed position for the partition.
func (s *BadgerCursorStore) Load(ctx context.Context, partition string) (uint64, error) {
	var pos uint64
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(cursorKey(partition))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			pos = binary.BigEndian.Uint64(val)
			return nil
		})
	})
	if err != nil {
		return 0, fmt.Errorf("loading cursor %s: %w", partition, err)
	}
	return pos, nil
}

// Commit durably records the position.
func (s *BadgerCursorStore) Commit(ctx context.Context, partition string, position uint64) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, position)
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(cursorKey(partition), buf)
	})
	if err != nil {
		return fmt.Errorf("committing cursor %s: %w", partition, err)
	}
	return nil
}

// MemoryCursorStore is the in-memory CursorStore for tests.
type MemoryCursorStore struct {
	mu        sync.RWMutex
	positions map[string]uint64
}

// NewMemoryCursorStore creates an empty cursor store.
func NewMemoryCursorStore() *MemoryCursorStore {
	return &MemoryCursorStore{positions: make(map[string]uint64)}
}

// Load returns the committed position.
func (s *MemoryCursorStore) Load(ctx context.Context, partition string) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.positions[partition], nil
}

// Commit records the position.
func (s *MemoryCursorStore) Commit(ctx context.Context, partition string, position uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions[partition] = position
	return nil
}
