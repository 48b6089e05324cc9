package graph

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is a thread-safe in-memory Store.
//
// Used in tests and as the rebuild target for ledger replay. Adjacency
// is indexed per node so traversal does not scan the full edge set.
type MemoryStore struct {
	mu     sync.RWMutex
	closed bool

	nodes map[NodeID]*Node
	edges map[EdgeID]*Edge

	outgoing map[NodeID]map[EdgeID]struct{}
	incoming map[NodeID]map[EdgeID]struct{}
}

// NewMemoryStore creates an empty in-memory graph store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nodes:    make(map[NodeID]*Node),
		edges:    make(map[EdgeID]*Edge),
		outgoing: make(map[NodeID]map[EdgeID]struct{}),
		incoming: make(map[NodeID]map[EdgeID]struct{}),
	}
}

// UpsertNode inserts or updates a node.
func (s *MemoryStore) UpsertNode(ctx context.Context, n *Node) error {
	if err := ValidateNode(n); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	now := time.Now()
	existing, ok := s.nodes[n.ID]
	if !ok {
		stored := n.Clone()
		if stored.CreatedAt.IsZero() {
			stored.CreatedAt = now
		}
		stored.UpdatedAt = now
		s.nodes[n.ID] = stored
		return nil
	}
	if existing.Kind != n.Kind {
		return ErrKindMismatch
	}
	// Last-writer-wins on properties; identity and creation time are
	// preserved, annotation fields are left to the annotate task.
	existing.Properties = n.Clone().Properties
	existing.UpdatedAt = now
	return nil
}

// UpdateAnnotations writes the access/decay fields for a node.
func (s *MemoryStore) UpdateAnnotations(ctx context.Context, id NodeID, accessCount int64, lastAccessed time.Time, decayScore float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	n, ok := s.nodes[id]
	if !ok {
		return ErrNotFound
	}
	n.AccessCount = accessCount
	n.LastAccessed = lastAccessed
	n.DecayScore = decayScore
	return nil
}

// GetNode returns a copy of the node.
func (s *MemoryStore) GetNode(ctx context.Context, id NodeID) (*Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	n, ok := s.nodes[id]
	if !ok {
		return nil, ErrNotFound
	}
	return n.Clone(), nil
}

// UpsertEdge inserts or updates an edge after schema and endpoint
// validation.
func (s *MemoryStore) UpsertEdge(ctx context.Context, e *Edge) error {
	edge := e.Clone()
	if err := ValidateEdge(edge); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	if err := CheckEndpoints(edge, s.nodes[edge.From], s.nodes[edge.To]); err != nil {
		return err
	}

	now := time.Now()
	existing, ok := s.edges[edge.ID]
	if ok {
		existing.Properties = edge.Properties
		existing.UpdatedAt = now
		return nil
	}
	if edge.CreatedAt.IsZero() {
		edge.CreatedAt = now
	}
	edge.UpdatedAt = now
	s.edges[edge.ID] = edge

	if s.outgoing[edge.From] == nil {
		s.outgoing[edge.From] = make(map[EdgeID]struct{})
	}
	if s.incoming[edge.To] == nil {
		s.incoming[edge.To] = make(map[EdgeID]struct{})
	}
	s.outgoing[edge.From][edge.ID] = struct{}{}
	s.incoming[edge.To][edge.ID] = struct{}{}
	return nil
}

// GetEdge returns a copy of the edge.
func (s *MemoryStore) GetEdge(ctx context.Context, id EdgeID) (*Edge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	e, ok := s.edges[id]
	if !ok {
		return nil, ErrNotFound
	}
	return e.Clone(), nil
}

// Outgoing returns edges leaving the node. SIMILAR_TO edges incident
// to the node are included regardless of stored direction, since the
// type is undirected.
func (s *MemoryStore) Outgoing(ctx context.Context, id NodeID, types ...EdgeType) ([]*Edge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	var out []*Edge
	for eid := range s.outgoing[id] {
		if e := s.edges[eid]; e != nil && typeMatch(e.Type, types) {
			out = append(out, e.Clone())
		}
	}
	for eid := range s.incoming[id] {
		if e := s.edges[eid]; e != nil && e.Type == EdgeSimilarTo && typeMatch(e.Type, types) {
			out = append(out, e.Clone())
		}
	}
	return out, nil
}

// Incoming returns edges arriving at the node.
func (s *MemoryStore) Incoming(ctx context.Context, id NodeID, types ...EdgeType) ([]*Edge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	var out []*Edge
	for eid := range s.incoming[id] {
		if e := s.edges[eid]; e != nil && typeMatch(e.Type, types) {
			out = append(out, e.Clone())
		}
	}
	return out, nil
}

// FindNodes returns nodes matching the filter.
func (s *MemoryStore) FindNodes(ctx context.Context, f NodeFilter) ([]*Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	var out []*Node
	for _, n := range s.nodes {
		if f.Matches(n) {
			out = append(out, n.Clone())
			if f.Limit > 0 && len(out) >= f.Limit {
				break
			}
		}
	}
	return out, nil
}

// NodeCount returns the number of stored nodes.
func (s *MemoryStore) NodeCount(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.nodes), nil
}

// EdgeCount returns the number of stored edges.
func (s *MemoryStore) EdgeCount(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.edges), nil
}

// Reset drops all graph data.
func (s *MemoryStore) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	s.nodes = make(map[NodeID]*Node)
	s.edges = make(map[EdgeID]*Edge)
	s.outgoing = make(map[NodeID]map[EdgeID]struct{})
	s.incoming = make(map[NodeID]map[EdgeID]struct{})
	return nil
}

// Close marks the store closed.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func typeMatch(t EdgeType, types []EdgeType) bool {
	if len(types) == 0 {
		return true
	}
	for _, want := range types {
		if t == want {
			return true
		}
	}
	return false
}
