package store

import (
	"context"
	"sync"
	"time"

	"civreg/internal/facility"
	"civreg/pkg/platform/sentinel"
)

// InMemoryStore keeps facilities and their archived versions in maps.
type InMemoryStore struct {
	mu         sync.RWMutex
	nextID     int64
	facilities map[int64]*facility.Facility
	history    map[int64][]facility.Version
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		facilities: make(map[int64]*facility.Facility),
		history:    make(map[int64][]facility.Version),
	}
}

func (s *InMemoryStore) FindByID(_ context.Context, id int64) (*facility.Facility, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.facilities[id]
	if !ok || f.ValidityTo != nil {
		return nil, sentinel.ErrNotFound
	}
	copied := *f
	return &copied, nil
}

func (s *InMemoryStore) ExistsByNameInLocation(_ context.Context, name string, locationID int64) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nameTakenLocked(name, locationID, 0), nil
}

func (s *InMemoryStore) Create(_ context.Context, f *facility.Facility) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.nameTakenLocked(f.Name, f.LocationID, 0) {
		return sentinel.ErrConflict
	}
	s.nextID++
	f.ID = s.nextID
	copied := *f
	s.facilities[f.ID] = &copied
	return nil
}

func (s *InMemoryStore) Archive(_ context.Context, f *facility.Facility, at time.Time) (*facility.Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.facilities[f.ID]
	if !ok || current.ValidityTo != nil {
		return nil, sentinel.ErrNotFound
	}
	v := facility.Version{
		FacilityID: current.ID,
		Name:       current.Name,
		CareLevel:  current.CareLevel,
		LegalForm:  current.LegalForm,
		LocationID: current.LocationID,
		ValidFrom:  current.ValidityFrom,
		ValidTo:    at,
	}
	s.history[f.ID] = append(s.history[f.ID], v)
	return &v, nil
}

func (s *InMemoryStore) Update(_ context.Context, f *facility.Facility) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.facilities[f.ID]
	if !ok || current.ValidityTo != nil {
		return sentinel.ErrNotFound
	}
	if s.nameTakenLocked(f.Name, f.LocationID, f.ID) {
		return sentinel.ErrConflict
	}
	copied := *f
	s.facilities[f.ID] = &copied
	return nil
}

func (s *InMemoryStore) AssignCode(_ context.Context, id int64, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.facilities[id]
	if !ok {
		return sentinel.ErrNotFound
	}
	f.Code = code
	return nil
}

func (s *InMemoryStore) Retire(_ context.Context, id int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.facilities[id]
	if !ok || f.ValidityTo != nil {
		return sentinel.ErrNotFound
	}
	f.ValidityTo = &at
	return nil
}

func (s *InMemoryStore) History(_ context.Context, id int64) ([]facility.Version, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]facility.Version(nil), s.history[id]...), nil
}

// All returns every current facility. Tests use it to assert nothing was
// created.
func (s *InMemoryStore) All() []facility.Facility {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []facility.Facility
	for _, f := range s.facilities {
		if f.ValidityTo == nil {
			out = append(out, *f)
		}
	}
	return out
}

func (s *InMemoryStore) nameTakenLocked(name string, locationID, except int64) bool {
	for _, f := range s.facilities {
		if f.ID != except && f.ValidityTo == nil && f.Name == name && f.LocationID == locationID {
			return true
		}
	}
	return false
}
