package ledger

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	badger "github.com/dgraph-io/badger/v4"
)

// Key prefixes for the ledger keyspace.
const (
	prefixEvent    = byte(0x10) // position (8 bytes BE) -> Event JSON
	prefixEventID  = byte(0x11) // event_id -> position (8 bytes BE)
	prefixArchived = byte(0x12) // position (8 bytes BE) -> nil
	keyCounter     = byte(0x13) // singleton -> last position (8 bytes BE)
)

// BadgerLedger is the durable Ledger implementation.
//
// Appends are serialized by a mutex so the position counter advances
// atomically with the event write in one transaction; this is what
// keeps global positions gap-free even across crashes (an aborted
// transaction rolls back both the counter and the record).
type BadgerLedger struct {
	db *badger.DB

	appendMu sync.Mutex
}

// NewBadgerLedger opens (or creates) a badger-backed ledger at dir.
func NewBadgerLedger(dir string) (*BadgerLedger, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening ledger: %w", err)
	}
	return &BadgerLedger{db: db}, nil
}

// NewBadgerLedgerInMemory opens an ephemeral ledger for tests.
func NewBadgerLedgerInMemory() (*BadgerLedger, error) {
	opts := badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening ledger: %w", err)
	}
	return &BadgerLedger{db: db}, nil
}

func positionKey(pos uint64) []byte {
	key := make([]byte, 9)
	key[0] = prefixEvent
	binary.BigEndian.PutUint64(key[1:], pos)
	return key
}

func eventIDKey(id string) []byte {
	return append([]byte{prefixEventID}, []byte(id)...)
}

func archivedKey(pos uint64) []byte {
	key := make([]byte, 9)
	key[0] = prefixArchived
	binary.BigEndian.PutUint64(key[1:], pos)
	return key
}

// Append validates and stores the event in a single transaction.
func (l *BadgerLedger) Append(ctx context.Context, e *Event) (AppendResult, error) {
	if err := e.Validate(); err != nil {
		return AppendResult{}, err
	}

	l.appendMu.Lock()
	defer l.appendMu.Unlock()

	var result AppendResult
	err := l.db.Update(func(txn *badger.Txn) error {
		// Idempotent ingestion: same event_id is a no-op.
		if item, err := txn.Get(eventIDKey(e.EventID)); err == nil {
			var pos uint64
			if err := item.Value(func(val []byte) error {
				pos = binary.BigEndian.Uint64(val)
				return nil
			}); err != nil {
				return err
			}
			result = AppendResult{Status: StatusDuplicate, GlobalPosition: pos}
			return nil
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		last, err := readCounter(txn)
		if err != nil {
			return err
		}
		pos := last + 1

		stored := e.Clone()
		stored.GlobalPosition = pos
		data, err := json.Marshal(stored)
		if err != nil {
			return fmt.Errorf("encoding event: %w", err)
		}

		posBytes := make([]byte, 8)
		binary.BigEndian.PutUint64(posBytes, pos)

		if err := txn.Set(positionKey(pos), data); err != nil {
			return err
		}
		if err := txn.Set(eventIDKey(stored.EventID), posBytes); err != nil {
			return err
		}
		if err := txn.Set([]byte{keyCounter}, posBytes); err != nil {
			return err
		}
		result = AppendResult{Status: StatusAccepted, GlobalPosition: pos}
		return nil
	})
	if err != nil {
		return AppendResult{}, err
	}
	return result, nil
}

func readCounter(txn *badger.Txn) (uint64, error) {
	item, err := txn.Get([]byte{keyCounter})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var last uint64
	err = item.Value(func(val []byte) error {
		last = binary.BigEndian.Uint64(val)
		return nil
	})
	return last, err
}

// ReadFrom returns up to limit events with position >= from.
func (l *BadgerLedger) ReadFrom(ctx context.Context, from uint64, limit int) ([]*Event, error) {
	if from < 1 {
		from = 1
	}
	var out []*Event
	err := l.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte{prefixEvent}
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(positionKey(from)); it.ValidForPrefix([]byte{prefixEvent}); it.Next() {
			pos := binary.BigEndian.Uint64(it.Item().Key()[1:])
			if archived, err := isArchived(txn, pos); err != nil {
				return err
			} else if archived {
				continue
			}
			var e Event
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &e)
			}); err != nil {
				return fmt.Errorf("decoding event at %d: %w", pos, err)
			}
			out = append(out, &e)
			if limit > 0 && len(out) >= limit {
				return nil
			}
		}
		return nil
	})
	return out, err
}

func isArchived(txn *badger.Txn, pos uint64) (bool, error) {
	_, err := txn.Get(archivedKey(pos))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Get returns the event by event_id.
func (l *BadgerLedger) Get(ctx context.Context, eventID string) (*Event, error) {
	var out *Event
	err := l.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(eventIDKey(eventID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		var pos uint64
		if err := item.Value(func(val []byte) error {
			pos = binary.BigEndian.Uint64(val)
			return nil
		}); err != nil {
			return err
		}
		record, err := txn.Get(positionKey(pos))
		if err != nil {
			return err
		}
		var e Event
		if err := record.Value(func(val []byte) error {
			return json.Unmarshal(val, &e)
		}); err != nil {
			return err
		}
		out = &e
		return nil
	})
	return out, err
}

// Find scans the hot range applying the query. Lineage queries are
// bounded in practice by session/trace cardinality, so a position scan
// with filtering is adequate here.
func (l *BadgerLedger) Find(ctx context.Context, q Query) ([]*Event, error) {
	var out []*Event
	err := l.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte{prefixEvent}
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.ValidForPrefix([]byte{prefixEvent}); it.Next() {
			pos := binary.BigEndian.Uint64(it.Item().Key()[1:])
			if archived, err := isArchived(txn, pos); err != nil {
				return err
			} else if archived {
				continue
			}
			var e Event
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &e)
			}); err != nil {
				return err
			}
			if q.Matches(&e) {
				out = append(out, &e)
				if q.Limit > 0 && len(out) >= q.Limit {
					return nil
				}
			}
		}
		return nil
	})
	return out, err
}

// LastPosition returns the highest assigned position.
func (l *BadgerLedger) LastPosition(ctx context.Context) (uint64, error) {
	var last uint64
	err := l.db.View(func(txn *badger.Txn) error {
		var err error
		last, err = readCounter(txn)
		return err
	})
	return last, err
}

// ArchiveBefore marks events occurring before the cutoff as archived.
// Records stay in place under their original positions.
func (l *BadgerLedger) ArchiveBefore(ctx context.Context, cutoff time.Time) (int, error) {
	archived := 0
	err := l.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte{prefixEvent}
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.ValidForPrefix([]byte{prefixEvent}); it.Next() {
			pos := binary.BigEndian.Uint64(it.Item().Key()[1:])
			if done, err := isArchived(txn, pos); err != nil {
				return err
			} else if done {
				continue
			}
			var e Event
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &e)
			}); err != nil {
				return err
			}
			if e.OccurredAt.Before(cutoff) {
				if err := txn.Set(archivedKey(pos), nil); err != nil {
					return err
				}
				archived++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return archived, nil
}

// DB exposes the underlying database so the payload store and the
// consolidation cursor can share the same files.
func (l *BadgerLedger) DB() *badger.DB {
	return l.db
}

// Close closes the underlying database.
func (l *BadgerLedger) Close() error {
	return l.db.Close()
}
