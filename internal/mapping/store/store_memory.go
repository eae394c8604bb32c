package store

import (
	"context"
	"sync"
	"time"

	"civreg/internal/mapping"
	"civreg/pkg/platform/sentinel"
)

// InMemoryStore keeps mappings in a map keyed by ID.
type InMemoryStore struct {
	mu       sync.RWMutex
	nextID   int64
	mappings map[int64]*mapping.Mapping
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{mappings: make(map[int64]*mapping.Mapping)}
}

func (s *InMemoryStore) FindActive(_ context.Context, kind mapping.Kind, code string) (*mapping.Mapping, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if m := s.activeLocked(kind, code); m != nil {
		copied := *m
		return &copied, nil
	}
	return nil, sentinel.ErrNotFound
}

func (s *InMemoryStore) Exists(_ context.Context, kind mapping.Kind, code string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, m := range s.mappings {
		if m.Kind == kind && m.ExternalCode == code {
			return true, nil
		}
	}
	return false, nil
}

func (s *InMemoryStore) Create(_ context.Context, m *mapping.Mapping) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activeLocked(m.Kind, m.ExternalCode) != nil {
		return sentinel.ErrConflict
	}
	s.nextID++
	m.ID = s.nextID
	copied := *m
	s.mappings[m.ID] = &copied
	return nil
}

func (s *InMemoryStore) Touch(_ context.Context, id int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.mappings[id]
	if !ok {
		return sentinel.ErrNotFound
	}
	m.LastAccess = at
	return nil
}

func (s *InMemoryStore) MarkDeleted(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.mappings[id]
	if !ok || m.Deleted {
		return sentinel.ErrNotFound
	}
	m.Deleted = true
	return nil
}

func (s *InMemoryStore) activeLocked(kind mapping.Kind, code string) *mapping.Mapping {
	for _, m := range s.mappings {
		if m.Kind == kind && m.ExternalCode == code && !m.Deleted {
			return m
		}
	}
	return nil
}
