// Package subscription manages the registry push subscriptions that deliver
// events to the webhook.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"civreg/internal/payload"
	"civreg/internal/registry"
	dErrors "civreg/pkg/domain-errors"
	"civreg/pkg/platform/sentinel"
	"civreg/pkg/requestcontext"
)

// Store persists subscriptions. FindActive returns sentinel.ErrNotFound
// when no active subscription has the id.
type Store interface {
	Create(ctx context.Context, sub *Subscription) error
	FindActive(ctx context.Context, id uuid.UUID) (*Subscription, error)
	Cancel(ctx context.Context, id uuid.UUID, by string, at time.Time) error
	List(ctx context.Context, activeOnly bool) ([]*Subscription, error)
}

//go:generate mockgen -source=service.go -destination=mocks/subscription-mocks.go -package=mocks Registry

// Registry is the subscription part of the registry client.
type Registry interface {
	Subscribe(ctx context.Context, topic payload.Topic) (*registry.SubscriptionDoc, error)
	Unsubscribe(ctx context.Context, id uuid.UUID) (bool, error)
}

type Service struct {
	store    Store
	registry Registry
	logger   *slog.Logger
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func New(store Store, reg Registry, opts ...Option) *Service {
	s := &Service{store: store, registry: reg, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Subscribe asks the registry to push topic to the webhook and records the
// subscription it returns. The actor is taken from ctx.
func (s *Service) Subscribe(ctx context.Context, topic payload.Topic) (*Subscription, error) {
	doc, err := s.registry.Subscribe(ctx, topic)
	if err != nil {
		return nil, err
	}
	sub := &Subscription{
		UUID:      doc.UUID,
		Topic:     topic,
		CreatedBy: requestcontext.Actor(ctx),
		CreatedAt: requestcontext.Now(ctx),
		Active:    true,
	}
	if err := s.store.Create(ctx, sub); err != nil {
		if errors.Is(err, sentinel.ErrConflict) {
			return nil, dErrors.New(dErrors.CodeConflict, fmt.Sprintf("subscription %s is already recorded", doc.UUID))
		}
		// The registry now pushes to us without a local record; log enough
		// for an operator to cancel it by hand.
		s.logger.ErrorContext(ctx, "registry subscription created but not recorded",
			"subscription", doc.UUID,
			"topic", topic,
			"error", err,
		)
		return nil, fmt.Errorf("record subscription: %w", err)
	}
	s.logger.InfoContext(ctx, "subscription recorded",
		"subscription", sub.UUID,
		"topic", topic,
		"actor", sub.CreatedBy,
	)
	return sub, nil
}

// Cancel unsubscribes at the registry, then marks the local record inactive.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID) error {
	sub, err := s.store.FindActive(ctx, id)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return dErrors.New(dErrors.CodeNotFound, fmt.Sprintf("no active subscription %s", id))
		}
		return fmt.Errorf("load subscription: %w", err)
	}
	if _, err := s.registry.Unsubscribe(ctx, sub.UUID); err != nil {
		return err
	}
	actor := requestcontext.Actor(ctx)
	if err := s.store.Cancel(ctx, sub.UUID, actor, requestcontext.Now(ctx)); err != nil {
		return fmt.Errorf("cancel subscription: %w", err)
	}
	s.logger.InfoContext(ctx, "subscription cancelled",
		"subscription", sub.UUID,
		"topic", sub.Topic,
		"actor", actor,
	)
	return nil
}

func (s *Service) List(ctx context.Context, activeOnly bool) ([]*Subscription, error) {
	subs, err := s.store.List(ctx, activeOnly)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	return subs, nil
}
