package store

import (
	"context"
	"sync"
	"time"

	"civreg/internal/person"
	"civreg/pkg/platform/sentinel"
)

// InMemoryStore keeps persons, households and professions in maps.
type InMemoryStore struct {
	mu          sync.RWMutex
	nextID      int64
	persons     map[int64]*person.Person
	households  map[int64]*person.Household
	professions map[string]*person.Profession
	history     map[int64][]person.Version
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		persons:     make(map[int64]*person.Person),
		households:  make(map[int64]*person.Household),
		professions: make(map[string]*person.Profession),
		history:     make(map[int64][]person.Version),
	}
}

// AddProfession seeds the controlled profession list.
func (s *InMemoryStore) AddProfession(name string) *person.Profession {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	p := &person.Profession{ID: s.nextID, Name: name}
	s.professions[name] = p
	return p
}

func (s *InMemoryStore) FindCurrentByNationalID(_ context.Context, nin string) (*person.Person, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.persons {
		if p.NationalID == nin && p.ValidityTo == nil {
			copied := *p
			return &copied, nil
		}
	}
	return nil, sentinel.ErrNotFound
}

func (s *InMemoryStore) FindProfession(_ context.Context, name string) (*person.Profession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.professions[name]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	copied := *p
	return &copied, nil
}

func (s *InMemoryStore) CreateHousehold(_ context.Context, h *person.Household) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	h.ID = s.nextID
	copied := *h
	s.households[h.ID] = &copied
	return nil
}

func (s *InMemoryStore) FindHousehold(_ context.Context, id int64) (*person.Household, error) {
	h, ok := s.Household(id)
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return h, nil
}

func (s *InMemoryStore) MarkEnrolled(_ context.Context, householdID int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.households[householdID]
	if !ok {
		return sentinel.ErrNotFound
	}
	h.EnrolledAt = &at
	return nil
}

func (s *InMemoryStore) CreatePerson(_ context.Context, p *person.Person) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.households[p.HouseholdID]; !ok {
		return sentinel.ErrNotFound
	}
	s.nextID++
	p.ID = s.nextID
	copied := *p
	s.persons[p.ID] = &copied
	return nil
}

func (s *InMemoryStore) SetHouseholdHead(_ context.Context, householdID, personID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.households[householdID]
	if !ok {
		return sentinel.ErrNotFound
	}
	h.HeadID = &personID
	return nil
}

func (s *InMemoryStore) Archive(_ context.Context, p *person.Person, at time.Time) (*person.Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.persons[p.ID]
	if !ok || current.ValidityTo != nil {
		return nil, sentinel.ErrNotFound
	}
	v := person.Version{
		PersonID:     current.ID,
		OtherNames:   current.OtherNames,
		LastName:     current.LastName,
		Phone:        current.Phone,
		DateOfBirth:  current.DateOfBirth,
		Gender:       current.Gender,
		ProfessionID: current.ProfessionID,
		Extra:        current.Extra,
		ValidFrom:    current.ValidityFrom,
		ValidTo:      at,
	}
	s.history[p.ID] = append(s.history[p.ID], v)
	return &v, nil
}

func (s *InMemoryStore) Update(_ context.Context, p *person.Person) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.persons[p.ID]
	if !ok || current.ValidityTo != nil {
		return sentinel.ErrNotFound
	}
	copied := *p
	s.persons[p.ID] = &copied
	return nil
}

func (s *InMemoryStore) History(_ context.Context, id int64) ([]person.Version, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]person.Version(nil), s.history[id]...), nil
}

// Household returns a household by id.
func (s *InMemoryStore) Household(id int64) (*person.Household, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.households[id]
	if !ok {
		return nil, false
	}
	copied := *h
	return &copied, true
}

// Count returns the number of current persons.
func (s *InMemoryStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, p := range s.persons {
		if p.ValidityTo == nil {
			n++
		}
	}
	return n
}
