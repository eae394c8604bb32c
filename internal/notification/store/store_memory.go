package store

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"civreg/internal/notification"
	"civreg/pkg/platform/sentinel"
)

// InMemoryStore keeps events in a map keyed by ID.
type InMemoryStore struct {
	mu     sync.RWMutex
	events map[uuid.UUID]*notification.Event
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{events: make(map[uuid.UUID]*notification.Event)}
}

func (s *InMemoryStore) Create(_ context.Context, ev *notification.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.events[ev.ID]; ok {
		return sentinel.ErrConflict
	}
	s.events[ev.ID] = copyEvent(ev)
	return nil
}

func (s *InMemoryStore) FindByID(_ context.Context, id uuid.UUID) (*notification.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ev, ok := s.events[id]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return copyEvent(ev), nil
}

func (s *InMemoryStore) UpdateStatus(_ context.Context, id uuid.UUID, status notification.Status, message string, processedAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[id]
	if !ok {
		return sentinel.ErrNotFound
	}
	ev.Status = status
	ev.Message = message
	ev.ProcessedAt = nil
	if processedAt != nil {
		at := *processedAt
		ev.ProcessedAt = &at
	}
	return nil
}

func (s *InMemoryStore) ListByStatus(_ context.Context, statuses []notification.Status, limit int) ([]*notification.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*notification.Event
	for _, ev := range s.events {
		if slices.Contains(statuses, ev.Status) {
			out = append(out, copyEvent(ev))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ReceivedAt.After(out[j].ReceivedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func copyEvent(ev *notification.Event) *notification.Event {
	copied := *ev
	copied.Payload = append([]byte(nil), ev.Payload...)
	if ev.ProcessedAt != nil {
		at := *ev.ProcessedAt
		copied.ProcessedAt = &at
	}
	return &copied
}
