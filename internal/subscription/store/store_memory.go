package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"civreg/internal/subscription"
	"civreg/pkg/platform/sentinel"
)

type InMemoryStore struct {
	mu   sync.RWMutex
	subs map[uuid.UUID]*subscription.Subscription
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{subs: make(map[uuid.UUID]*subscription.Subscription)}
}

func (s *InMemoryStore) Create(_ context.Context, sub *subscription.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subs[sub.UUID]; ok {
		return sentinel.ErrConflict
	}
	s.subs[sub.UUID] = copySub(sub)
	return nil
}

func (s *InMemoryStore) FindActive(_ context.Context, id uuid.UUID) (*subscription.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.subs[id]
	if !ok || !sub.Active {
		return nil, sentinel.ErrNotFound
	}
	return copySub(sub), nil
}

func (s *InMemoryStore) Cancel(_ context.Context, id uuid.UUID, by string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[id]
	if !ok || !sub.Active {
		return sentinel.ErrNotFound
	}
	sub.Active = false
	sub.CancelledBy = by
	sub.CancelledAt = &at
	return nil
}

func (s *InMemoryStore) List(_ context.Context, activeOnly bool) ([]*subscription.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*subscription.Subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		if activeOnly && !sub.Active {
			continue
		}
		out = append(out, copySub(sub))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func copySub(sub *subscription.Subscription) *subscription.Subscription {
	copied := *sub
	if sub.CancelledAt != nil {
		at := *sub.CancelledAt
		copied.CancelledAt = &at
	}
	return &copied
}
