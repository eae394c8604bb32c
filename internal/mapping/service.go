// Package mapping keeps the link between registry codes and local entities.
package mapping

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	dErrors "civreg/pkg/domain-errors"
	"civreg/pkg/platform/sentinel"
	"civreg/pkg/requestcontext"
)

// Store persists mappings. FindActive returns sentinel.ErrNotFound on a miss
// and Create returns sentinel.ErrConflict when an active row already holds the
// code.
type Store interface {
	FindActive(ctx context.Context, kind Kind, code string) (*Mapping, error)
	Exists(ctx context.Context, kind Kind, code string) (bool, error)
	Create(ctx context.Context, m *Mapping) error
	Touch(ctx context.Context, id int64, at time.Time) error
	MarkDeleted(ctx context.Context, id int64) error
}

// EntityRetirer archives the local entity behind a mapping.
type EntityRetirer interface {
	Retire(ctx context.Context, entityID int64) error
}

// Service implements lookup, create and soft delete over a Store.
type Service struct {
	store    Store
	policy   ReusePolicy
	retirers map[Kind]EntityRetirer
	logger   *slog.Logger
}

type Option func(*Service)

func WithReusePolicy(p ReusePolicy) Option {
	return func(s *Service) {
		s.policy = p
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithRetirer registers the cascade target for mappings of kind.
func WithRetirer(kind Kind, r EntityRetirer) Option {
	return func(s *Service) {
		s.retirers[kind] = r
	}
}

func New(store Store, opts ...Option) *Service {
	s := &Service{
		store:    store,
		policy:   ReuseAllow,
		retirers: make(map[Kind]EntityRetirer),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register adds a retirer after construction. The composition root uses it
// when reconcilers and the mapping service depend on each other.
func (s *Service) Register(kind Kind, r EntityRetirer) {
	s.retirers[kind] = r
}

// Lookup returns the active mapping for code. A non-empty subKind must match
// the stored one. Hits refresh LastAccess.
func (s *Service) Lookup(ctx context.Context, kind Kind, code, subKind string) (*Mapping, error) {
	m, err := s.store.FindActive(ctx, kind, code)
	if err != nil {
		return nil, err
	}
	if subKind != "" && m.SubKind != subKind {
		return nil, sentinel.ErrNotFound
	}
	now := requestcontext.Now(ctx)
	if err := s.store.Touch(ctx, m.ID, now); err != nil {
		return nil, fmt.Errorf("touch mapping %d: %w", m.ID, err)
	}
	m.LastAccess = now
	return m, nil
}

// Available reports whether Create would accept code. Reconcilers call it
// before writing the entity so a refused code leaves nothing behind.
func (s *Service) Available(ctx context.Context, kind Kind, code string) error {
	_, err := s.store.FindActive(ctx, kind, code)
	switch {
	case err == nil:
		return dErrors.New(dErrors.CodeDuplicate, fmt.Sprintf("%s code %s is already mapped", kind, code))
	case !errors.Is(err, sentinel.ErrNotFound):
		return fmt.Errorf("check mapping %s: %w", code, err)
	}
	return s.checkReuse(ctx, kind, code)
}

func (s *Service) checkReuse(ctx context.Context, kind Kind, code string) error {
	if s.policy != ReuseDeny {
		return nil
	}
	exists, err := s.store.Exists(ctx, kind, code)
	if err != nil {
		return fmt.Errorf("check mapping %s: %w", code, err)
	}
	if exists {
		return dErrors.New(dErrors.CodeDuplicate, fmt.Sprintf("%s code %s was already used", kind, code))
	}
	return nil
}

// Create maps code to entityID.
func (s *Service) Create(ctx context.Context, kind Kind, code string, entityID int64, subKind string) (*Mapping, error) {
	if err := s.checkReuse(ctx, kind, code); err != nil {
		return nil, err
	}

	now := requestcontext.Now(ctx)
	m := &Mapping{
		Kind:         kind,
		SubKind:      subKind,
		ExternalCode: code,
		EntityID:     entityID,
		CreatedAt:    now,
		LastAccess:   now,
	}
	if err := s.store.Create(ctx, m); err != nil {
		if errors.Is(err, sentinel.ErrConflict) {
			return nil, dErrors.New(dErrors.CodeDuplicate, fmt.Sprintf("%s code %s is already mapped", kind, code))
		}
		return nil, fmt.Errorf("create mapping %s: %w", code, err)
	}
	return m, nil
}

// SoftDelete retires the mapped entity, then marks the mapping deleted.
func (s *Service) SoftDelete(ctx context.Context, m *Mapping) error {
	r, ok := s.retirers[m.Kind]
	if !ok {
		return dErrors.New(dErrors.CodeInternal, "no retirer registered for "+string(m.Kind))
	}
	if err := r.Retire(ctx, m.EntityID); err != nil {
		return fmt.Errorf("retire %s %d: %w", m.Kind, m.EntityID, err)
	}
	if err := s.store.MarkDeleted(ctx, m.ID); err != nil {
		return fmt.Errorf("delete mapping %d: %w", m.ID, err)
	}
	s.logger.InfoContext(ctx, "mapping deleted",
		"kind", m.Kind,
		"external_code", m.ExternalCode,
		"entity_id", m.EntityID,
	)
	return nil
}
