package store

import (
	"context"
	"sync"
	"time"

	"civreg/internal/location"
	"civreg/pkg/platform/sentinel"
)

// InMemoryStore keeps nodes and their archived versions in maps.
type InMemoryStore struct {
	mu      sync.RWMutex
	nextID  int64
	nodes   map[int64]*location.Node
	history map[int64][]location.NodeVersion
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		nodes:   make(map[int64]*location.Node),
		history: make(map[int64][]location.NodeVersion),
	}
}

func (s *InMemoryStore) FindByID(_ context.Context, id int64) (*location.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[id]
	if !ok || n.ValidityTo != nil {
		return nil, sentinel.ErrNotFound
	}
	return copyNode(n), nil
}

func (s *InMemoryStore) FindAnyByID(_ context.Context, id int64) (*location.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[id]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return copyNode(n), nil
}

func (s *InMemoryStore) FindRoot(_ context.Context, name string) (*location.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, n := range s.nodes {
		if n.Level == location.LevelRegion && n.Name == name && n.ValidityTo == nil {
			return copyNode(n), nil
		}
	}
	return nil, sentinel.ErrNotFound
}

func (s *InMemoryStore) Create(_ context.Context, n *location.Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	n.ID = s.nextID
	s.nodes[n.ID] = copyNode(n)
	return nil
}

func (s *InMemoryStore) Archive(_ context.Context, n *location.Node, at time.Time) (*location.NodeVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.nodes[n.ID]
	if !ok || current.ValidityTo != nil {
		return nil, sentinel.ErrNotFound
	}
	v := location.NodeVersion{
		NodeID:    current.ID,
		Name:      current.Name,
		Level:     current.Level,
		ParentID:  current.ParentID,
		ValidFrom: current.ValidityFrom,
		ValidTo:   at,
	}
	s.history[n.ID] = append(s.history[n.ID], v)
	return &v, nil
}

func (s *InMemoryStore) Update(_ context.Context, n *location.Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.nodes[n.ID]
	if !ok || current.ValidityTo != nil {
		return sentinel.ErrNotFound
	}
	s.nodes[n.ID] = copyNode(n)
	return nil
}

func (s *InMemoryStore) AssignCode(_ context.Context, id int64, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[id]
	if !ok {
		return sentinel.ErrNotFound
	}
	n.Code = code
	return nil
}

func (s *InMemoryStore) Retire(_ context.Context, id int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[id]
	if !ok || n.ValidityTo != nil {
		return sentinel.ErrNotFound
	}
	n.ValidityTo = &at
	return nil
}

func (s *InMemoryStore) History(_ context.Context, id int64) ([]location.NodeVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]location.NodeVersion(nil), s.history[id]...), nil
}

// Current returns every node that has not been retired.
func (s *InMemoryStore) Current() []location.Node {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []location.Node
	for _, n := range s.nodes {
		if n.ValidityTo == nil {
			out = append(out, *n)
		}
	}
	return out
}

func copyNode(n *location.Node) *location.Node {
	copied := *n
	return &copied
}
