package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
)

// Payload storage errors.
var (
	ErrPayloadNotFound = errors.New("ledger: payload not found")
	ErrPayloadErased   = errors.New("ledger: payload erased")
)

const (
	prefixPayload     = byte(0x20) // ref -> content
	prefixPayloadGone = byte(0x21) // ref -> nil (erasure tombstone)
)

// PayloadStore holds event content outside the ledger.
//
// Events carry only a PayloadRef; erasing a payload (right-to-be-
// forgotten) deletes the content but leaves a tombstone, so the event
// record and its reference remain valid forever.
type PayloadStore interface {
	// Put stores content and returns an opaque reference.
	Put(ctx context.Context, content []byte) (string, error)

	// Get returns the content for a reference. Returns
	// ErrPayloadErased if the content was erased.
	Get(ctx context.Context, ref string) ([]byte, error)

	// Erase deletes the content leaving a tombstone. Erasing an
	// already-erased payload is a no-op.
	Erase(ctx context.Context, ref string) error

	Close() error
}

// BadgerPayloadStore stores payloads in badger, sharing the database
// files with the ledger when constructed from an open DB.
type BadgerPayloadStore struct {
	db *badger.DB
}

// NewBadgerPayloadStore wraps an open badger database. The payload
// keyspace uses its own prefixes, so sharing a DB with BadgerLedger is
// safe.
func NewBadgerPayloadStore(db *badger.DB) *BadgerPayloadStore {
	return &BadgerPayloadStore{db: db}
}

func payloadKey(ref string) []byte {
	return append([]byte{prefixPayload}, []byte(ref)...)
}

func payloadTombstoneKey(ref string) []byte {
	return append([]byte{prefixPayloadGone}, []byte(ref)...)
}

// Put stores content under a freshly generated reference.
func (s *BadgerPayloadStore) Put(ctx context.Context, content []byte) (string, error) {
	ref := "pay_" + uuid.NewString()
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(payloadKey(ref), content)
	})
	if err != nil {
		return "", fmt.Errorf("storing payload: %w", err)
	}
	return ref, nil
}

// Get returns the content, distinguishing erased from unknown refs.
func (s *BadgerPayloadStore) Get(ctx context.Context, ref string) ([]byte, error) {
	var content []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(payloadKey(ref))
		if err == nil {
			content, err = item.ValueCopy(nil)
			return err
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if _, terr := txn.Get(payloadTombstoneKey(ref)); terr == nil {
			return ErrPayloadErased
		}
		return ErrPayloadNotFound
	})
	if err != nil {
		return nil, err
	}
	return content, nil
}

// Erase deletes the content and writes the tombstone atomically.
func (s *BadgerPayloadStore) Erase(ctx context.Context, ref string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(payloadKey(ref))
		if errors.Is(err, badger.ErrKeyNotFound) {
			if _, terr := txn.Get(payloadTombstoneKey(ref)); terr == nil {
				return nil // already erased
			}
			return ErrPayloadNotFound
		}
		if err != nil {
			return err
		}
		if err := txn.Delete(payloadKey(ref)); err != nil {
			return err
		}
		return txn.Set(payloadTombstoneKey(ref), nil)
	})
}

// Close is a no-op; the DB is owned by the ledger.
func (s *BadgerPayloadStore) Close() error { return nil }

// MemoryPayloadStore is the in-memory PayloadStore for tests.
type MemoryPayloadStore struct {
	mu      sync.RWMutex
	content map[string][]byte
	erased  map[string]struct{}
}

// NewMemoryPayloadStore creates an empty in-memory payload store.
func NewMemoryPayloadStore() *MemoryPayloadStore {
	return &MemoryPayloadStore{
		content: make(map[string][]byte),
		erased:  make(map[string]struct{}),
	}
}

// Put stores content under a fresh reference.
func (s *MemoryPayloadStore) Put(ctx context.Context, content []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ref := "pay_" + uuid.NewString()
	stored := make([]byte, len(content))
	copy(stored, content)
	s.content[ref] = stored
	return ref, nil
}

// Get returns the content for a reference.
func (s *MemoryPayloadStore) Get(ctx context.Context, ref string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if c, ok := s.content[ref]; ok {
		out := make([]byte, len(c))
		copy(out, c)
		return out, nil
	}
	if _, ok := s.erased[ref]; ok {
		return nil, ErrPayloadErased
	}
	return nil, ErrPayloadNotFound
}

// Erase deletes the content leaving a tombstone.
func (s *MemoryPayloadStore) Erase(ctx context.Context, ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.content[ref]; ok {
		delete(s.content, ref)
		s.erased[ref] = struct{}{}
		return nil
	}
	if _, ok := s.erased[ref]; ok {
		return nil
	}
	return ErrPayloadNotFound
}

// Close is a no-op.
func (s *MemoryPayloadStore) Close() error { return nil }
