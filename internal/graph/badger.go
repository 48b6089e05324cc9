package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	badger "github.com/dgraph-io/badger/v4"
)

// Key prefixes for the badger keyspace. Single-byte prefixes keep the
// keys compact and give each index its own contiguous scan range.
const (
	prefixGraphNode    = byte(0x01) // node:nodeID -> Node JSON
	prefixGraphEdge    = byte(0x02) // edge:edgeID -> Edge JSON
	prefixGraphOut     = byte(0x03) // out:nodeID \x00 edgeID -> edge type
	prefixGraphIn      = byte(0x04) // in:nodeID \x00 edgeID -> edge type
	prefixGraphKindIdx = byte(0x05) // kind:kind \x00 nodeID -> nil
)

// BadgerStore is a badger-backed Store for durable graphs.
//
// Durability here is a convenience, not a requirement: the graph can
// always be rebuilt from the ledger. Running badger in-memory is also
// supported for tests via NewBadgerStoreInMemory.
type BadgerStore struct {
	db *badger.DB
}

// NewBadgerStore opens (or creates) a badger-backed graph store at dir.
func NewBadgerStore(dir string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening graph store: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

// NewBadgerStoreInMemory opens an ephemeral badger-backed store.
func NewBadgerStoreInMemory() (*BadgerStore, error) {
	opts := badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening graph store: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

func nodeKey(id NodeID) []byte {
	return append([]byte{prefixGraphNode}, []byte(id)...)
}

func edgeKey(id EdgeID) []byte {
	return append([]byte{prefixGraphEdge}, []byte(id)...)
}

func adjacencyKey(prefix byte, node NodeID, edge EdgeID) []byte {
	key := []byte{prefix}
	key = append(key, []byte(node)...)
	key = append(key, 0x00)
	key = append(key, []byte(edge)...)
	return key
}

func adjacencyPrefix(prefix byte, node NodeID) []byte {
	key := []byte{prefix}
	key = append(key, []byte(node)...)
	key = append(key, 0x00)
	return key
}

func kindIndexKey(kind NodeKind, id NodeID) []byte {
	key := []byte{prefixGraphKindIdx}
	key = append(key, []byte(kind)...)
	key = append(key, 0x00)
	key = append(key, []byte(id)...)
	return key
}

// UpsertNode inserts or updates a node in a single transaction.
func (s *BadgerStore) UpsertNode(ctx context.Context, n *Node) error {
	if err := ValidateNode(n); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		now := time.Now()
		stored := n.Clone()

		existing, err := getNodeTxn(txn, n.ID)
		switch {
		case err == nil:
			if existing.Kind != n.Kind {
				return ErrKindMismatch
			}
			existing.Properties = stored.Properties
			existing.UpdatedAt = now
			stored = existing
		case errors.Is(err, ErrNotFound):
			if stored.CreatedAt.IsZero() {
				stored.CreatedAt = now
			}
			stored.UpdatedAt = now
		default:
			return err
		}

		data, err := json.Marshal(stored)
		if err != nil {
			return fmt.Errorf("encoding node: %w", err)
		}
		if err := txn.Set(nodeKey(stored.ID), data); err != nil {
			return err
		}
		return txn.Set(kindIndexKey(stored.Kind, stored.ID), nil)
	})
}

// UpdateAnnotations writes the access/decay fields for a node.
func (s *BadgerStore) UpdateAnnotations(ctx context.Context, id NodeID, accessCount int64, lastAccessed time.Time, decayScore float64) error {
	return s.db.Update(func(txn *badger.Txn) error {
		n, err := getNodeTxn(txn, id)
		if err != nil {
			return err
		}
		n.AccessCount = accessCount
		n.LastAccessed = lastAccessed
		n.DecayScore = decayScore
		data, err := json.Marshal(n)
		if err != nil {
			return fmt.Errorf("encoding node: %w", err)
		}
		return txn.Set(nodeKey(n.ID), data)
	})
}

// GetNode returns the node or ErrNotFound.
func (s *BadgerStore) GetNode(ctx context.Context, id NodeID) (*Node, error) {
	var node *Node
	err := s.db.View(func(txn *badger.Txn) error {
		n, err := getNodeTxn(txn, id)
		if err != nil {
			return err
		}
		node = n
		return nil
	})
	return node, err
}

func getNodeTxn(txn *badger.Txn, id NodeID) (*Node, error) {
	item, err := txn.Get(nodeKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var n Node
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &n)
	}); err != nil {
		return nil, fmt.Errorf("decoding node %s: %w", id, err)
	}
	return &n, nil
}

// UpsertEdge inserts or updates an edge and maintains adjacency
// indexes in the same transaction.
func (s *BadgerStore) UpsertEdge(ctx context.Context, e *Edge) error {
	edge := e.Clone()
	if err := ValidateEdge(edge); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		from, err := getNodeTxn(txn, edge.From)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		to, err := getNodeTxn(txn, edge.To)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		if err := CheckEndpoints(edge, from, to); err != nil {
			return err
		}

		now := time.Now()
		existing, err := getEdgeTxn(txn, edge.ID)
		switch {
		case err == nil:
			existing.Properties = edge.Properties
			existing.UpdatedAt = now
			edge = existing
		case errors.Is(err, ErrNotFound):
			if edge.CreatedAt.IsZero() {
				edge.CreatedAt = now
			}
			edge.UpdatedAt = now
		default:
			return err
		}

		data, err := json.Marshal(edge)
		if err != nil {
			return fmt.Errorf("encoding edge: %w", err)
		}
		if err := txn.Set(edgeKey(edge.ID), data); err != nil {
			return err
		}
		if err := txn.Set(adjacencyKey(prefixGraphOut, edge.From, edge.ID), []byte(edge.Type)); err != nil {
			return err
		}
		return txn.Set(adjacencyKey(prefixGraphIn, edge.To, edge.ID), []byte(edge.Type))
	})
}

// GetEdge returns the edge or ErrNotFound.
func (s *BadgerStore) GetEdge(ctx context.Context, id EdgeID) (*Edge, error) {
	var edge *Edge
	err := s.db.View(func(txn *badger.Txn) error {
		e, err := getEdgeTxn(txn, id)
		if err != nil {
			return err
		}
		edge = e
		return nil
	})
	return edge, err
}

func getEdgeTxn(txn *badger.Txn, id EdgeID) (*Edge, error) {
	item, err := txn.Get(edgeKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var e Edge
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &e)
	}); err != nil {
		return nil, fmt.Errorf("decoding edge %s: %w", id, err)
	}
	return &e, nil
}

// Outgoing returns edges leaving the node, plus undirected SIMILAR_TO
// edges stored in the other direction.
func (s *BadgerStore) Outgoing(ctx context.Context, id NodeID, types ...EdgeType) ([]*Edge, error) {
	var out []*Edge
	err := s.db.View(func(txn *badger.Txn) error {
		edges, err := scanAdjacency(txn, prefixGraphOut, id, types)
		if err != nil {
			return err
		}
		out = edges

		// Undirected edges reachable from the To side.
		incoming, err := scanAdjacency(txn, prefixGraphIn, id, types)
		if err != nil {
			return err
		}
		for _, e := range incoming {
			if e.Type == EdgeSimilarTo {
				out = append(out, e)
			}
		}
		return nil
	})
	return out, err
}

// Incoming returns edges arriving at the node.
func (s *BadgerStore) Incoming(ctx context.Context, id NodeID, types ...EdgeType) ([]*Edge, error) {
	var out []*Edge
	err := s.db.View(func(txn *badger.Txn) error {
		edges, err := scanAdjacency(txn, prefixGraphIn, id, types)
		if err != nil {
			return err
		}
		out = edges
		return nil
	})
	return out, err
}

func scanAdjacency(txn *badger.Txn, prefix byte, id NodeID, types []EdgeType) ([]*Edge, error) {
	scanPrefix := adjacencyPrefix(prefix, id)
	opts := badger.DefaultIteratorOptions
	opts.Prefix = scanPrefix
	it := txn.NewIterator(opts)
	defer it.Close()

	var out []*Edge
	for it.Rewind(); it.ValidForPrefix(scanPrefix); it.Next() {
		var typ EdgeType
		if err := it.Item().Value(func(val []byte) error {
			typ = EdgeType(val)
			return nil
		}); err != nil {
			return nil, err
		}
		if !typeMatch(typ, types) {
			continue
		}
		edgeID := EdgeID(bytes.TrimPrefix(it.Item().Key(), scanPrefix))
		e, err := getEdgeTxn(txn, edgeID)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// FindNodes scans the kind index (or all nodes) applying the filter.
func (s *BadgerStore) FindNodes(ctx context.Context, f NodeFilter) ([]*Node, error) {
	var out []*Node
	err := s.db.View(func(txn *badger.Txn) error {
		scanPrefix := []byte{prefixGraphNode}
		if f.Kind != "" {
			scanPrefix = append([]byte{prefixGraphKindIdx}, []byte(f.Kind)...)
			scanPrefix = append(scanPrefix, 0x00)
		}
		opts := badger.DefaultIteratorOptions
		opts.Prefix = scanPrefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.ValidForPrefix(scanPrefix); it.Next() {
			var n *Node
			var err error
			if f.Kind != "" {
				id := NodeID(bytes.TrimPrefix(it.Item().Key(), scanPrefix))
				n, err = getNodeTxn(txn, id)
			} else {
				var decoded Node
				err = it.Item().Value(func(val []byte) error {
					return json.Unmarshal(val, &decoded)
				})
				n = &decoded
			}
			if err != nil {
				return err
			}
			if f.Matches(n) {
				out = append(out, n)
				if f.Limit > 0 && len(out) >= f.Limit {
					return nil
				}
			}
		}
		return nil
	})
	return out, err
}

// NodeCount counts stored nodes.
func (s *BadgerStore) NodeCount(ctx context.Context) (int, error) {
	return s.countPrefix(prefixGraphNode)
}

// EdgeCount counts stored edges.
func (s *BadgerStore) EdgeCount(ctx context.Context) (int, error) {
	return s.countPrefix(prefixGraphEdge)
}

func (s *BadgerStore) countPrefix(prefix byte) (int, error) {
	count := 0
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte{prefix}
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.ValidForPrefix([]byte{prefix}); it.Next() {
			count++
		}
		return nil
	})
	return count, err
}

// Reset drops all graph data.
func (s *BadgerStore) Reset(ctx context.Context) error {
	return s.db.DropAll()
}

// Close closes the underlying badger database.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}
