// Package notification receives registry change events, records them and
// routes each one to the reconciler for its context family.
package notification

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"civreg/internal/location"
	"civreg/internal/lock"
	"civreg/internal/payload"
	"civreg/internal/registry"
	dErrors "civreg/pkg/domain-errors"
	"civreg/pkg/platform/sentinel"
	"civreg/pkg/platform/tx"
	"civreg/pkg/requestcontext"
)

// invalidMessage is reported for events whose topic, operation or context is
// not a known value.
const invalidMessage = "invalid or unknown values for context, operation or topic"

// Store persists events. FindByID returns sentinel.ErrNotFound on a miss.
type Store interface {
	Create(ctx context.Context, ev *Event) error
	FindByID(ctx context.Context, id uuid.UUID) (*Event, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status Status, message string, processedAt *time.Time) error
	ListByStatus(ctx context.Context, statuses []Status, limit int) ([]*Event, error)
}

// LocationReconciler applies district, ward and village events.
type LocationReconciler interface {
	Apply(ctx context.Context, op payload.Operation, level location.Level, loc *payload.Location) error
}

// FacilityReconciler applies health facility events.
type FacilityReconciler interface {
	Apply(ctx context.Context, op payload.Operation, loc *payload.Location) error
}

// PersonReconciler applies birth registrations. Fetch calls the registry and
// runs before the transaction opens, so a slow registry never holds one.
type PersonReconciler interface {
	Fetch(ctx context.Context, nin string) (*registry.Person, error)
	Reconcile(ctx context.Context, nin string, doc *registry.Person) error
}

// route is one entry of the handler table. key names the lock that
// serializes events about the same entity. prepare does any work that must
// happen outside the transaction and returns the transactional step.
type route struct {
	topic   payload.Topic
	key     func(env *payload.Envelope) (string, error)
	prepare func(ctx context.Context, op payload.Operation, env *payload.Envelope) (func(ctx context.Context) error, error)
}

// Dispatcher records events and routes them to reconcilers. Each event is
// reconciled inside one transaction while holding the lock for its subject.
type Dispatcher struct {
	store   Store
	routes  map[Family]route
	txr     tx.Runner
	locker  lock.Locker
	metrics *Metrics
	logger  *slog.Logger
	tracer  trace.Tracer
}

type Option func(*Dispatcher)

func WithTxRunner(r tx.Runner) Option {
	return func(d *Dispatcher) {
		d.txr = r
	}
}

func WithLocker(l lock.Locker) Option {
	return func(d *Dispatcher) {
		d.locker = l
	}
}

func WithMetrics(m *Metrics) Option {
	return func(d *Dispatcher) {
		d.metrics = m
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

func NewDispatcher(store Store, locations LocationReconciler, facilities FacilityReconciler, persons PersonReconciler, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:  store,
		txr:    tx.NoopRunner{},
		locker: lock.NewLocal(),
		logger: slog.Default(),
		tracer: otel.Tracer("civreg/internal/notification"),
	}
	for _, opt := range opts {
		opt(d)
	}

	locationRoute := func(level location.Level) route {
		return route{
			topic: payload.TopicLocationEvent,
			key:   subjectKey("location:"),
			prepare: func(_ context.Context, op payload.Operation, env *payload.Envelope) (func(ctx context.Context) error, error) {
				subject, err := env.Subject()
				if err != nil {
					return nil, err
				}
				return func(ctx context.Context) error {
					return locations.Apply(ctx, op, level, subject)
				}, nil
			},
		}
	}
	d.routes = map[Family]route{
		FamilyDistrict: locationRoute(location.LevelDistrict),
		FamilyWard:     locationRoute(location.LevelWard),
		FamilyVillage:  locationRoute(location.LevelVillage),
		FamilyFacility: {
			topic: payload.TopicLocationEvent,
			key:   subjectKey("facility:"),
			prepare: func(_ context.Context, op payload.Operation, env *payload.Envelope) (func(ctx context.Context) error, error) {
				subject, err := env.Subject()
				if err != nil {
					return nil, err
				}
				return func(ctx context.Context) error {
					return facilities.Apply(ctx, op, subject)
				}, nil
			},
		},
		FamilyBirth: {
			topic: payload.TopicLifeEvent,
			key: func(env *payload.Envelope) (string, error) {
				if env.NIN == "" {
					return "", dErrors.New(dErrors.CodeStructural, "life event has no nin")
				}
				return "person:" + env.NIN, nil
			},
			prepare: func(ctx context.Context, _ payload.Operation, env *payload.Envelope) (func(ctx context.Context) error, error) {
				doc, err := persons.Fetch(ctx, env.NIN)
				if err != nil {
					return nil, err
				}
				return func(ctx context.Context) error {
					return persons.Reconcile(ctx, env.NIN, doc)
				}, nil
			},
		},
	}
	return d
}

func subjectKey(prefix string) func(env *payload.Envelope) (string, error) {
	return func(env *payload.Envelope) (string, error) {
		subject, err := env.Subject()
		if err != nil {
			return "", err
		}
		return prefix + subject.Code, nil
	}
}

// Receive decodes and records an event, then processes it when it is valid.
// A document that is not JSON is rejected before anything is stored.
func (d *Dispatcher) Receive(ctx context.Context, raw []byte) (*Outcome, error) {
	env, err := payload.Decode(raw)
	if err != nil {
		return nil, err
	}

	ev := &Event{
		ID:         uuid.New(),
		Topic:      env.TopicName,
		Operation:  env.Operation,
		Context:    env.Context,
		Status:     Classify(env.TopicName, env.Operation, env.Context),
		Payload:    append([]byte(nil), raw...),
		ReceivedAt: requestcontext.Now(ctx),
	}
	if ev.Status == StatusInvalid {
		ev.Message = invalidMessage
	}
	if err := d.store.Create(ctx, ev); err != nil {
		return nil, fmt.Errorf("record event: %w", err)
	}
	d.logger.InfoContext(ctx, "registry event received",
		"event_id", ev.ID,
		"topic", ev.Topic,
		"operation", ev.Operation,
		"context", ev.Context,
	)

	if ev.Status == StatusInvalid {
		d.metrics.IncEvent(string(ev.Topic), string(StatusInvalid))
		d.logger.ErrorContext(ctx, "invalid registry event",
			"event_id", ev.ID,
			"topic", ev.Topic,
			"operation", ev.Operation,
			"context", ev.Context,
		)
		return &Outcome{EventID: ev.ID, Status: StatusInvalid, Message: invalidMessage}, nil
	}

	if err := d.Process(ctx, ev); err != nil {
		return &Outcome{EventID: ev.ID, Status: StatusError, Message: err.Error()}, err
	}
	return &Outcome{EventID: ev.ID, Status: StatusSuccess}, nil
}

// Process reconciles a recorded event and stores its final status. Known
// reconciliation failures come back as *Failure; anything else is returned
// as is after being logged.
func (d *Dispatcher) Process(ctx context.Context, ev *Event) error {
	if ev.Status == StatusInvalid {
		return dErrors.New(dErrors.CodeValidation, "invalid events are not dispatched")
	}
	family := FamilyOf(ev.Context)
	ctx, span := d.tracer.Start(ctx, "notification.process", trace.WithAttributes(
		attribute.String("event.id", ev.ID.String()),
		attribute.String("event.topic", string(ev.Topic)),
		attribute.String("event.context", ev.Context),
		attribute.String("event.family", string(family)),
	))
	defer span.End()
	start := time.Now()

	err := d.dispatch(ctx, family, ev)

	if err == nil {
		processedAt := requestcontext.Now(ctx)
		ev.Status, ev.Message, ev.ProcessedAt = StatusSuccess, "", &processedAt
	} else {
		ev.Status, ev.Message = StatusError, err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	d.metrics.ObserveProcessing(string(family), string(ev.Status), start)
	d.metrics.IncEvent(string(ev.Topic), string(ev.Status))

	// The status write is outside the reconciliation transaction so a
	// rollback still leaves the event marked as failed.
	if uerr := d.store.UpdateStatus(ctx, ev.ID, ev.Status, ev.Message, ev.ProcessedAt); uerr != nil {
		d.logger.ErrorContext(ctx, "failed to record event status",
			"event_id", ev.ID,
			"status", ev.Status,
			"error", uerr,
		)
		if err == nil {
			return fmt.Errorf("record event status: %w", uerr)
		}
	}

	switch {
	case err == nil:
		d.logger.InfoContext(ctx, "registry event processed", "event_id", ev.ID, "context", ev.Context)
		return nil
	case dErrors.IsDomain(err):
		d.logger.WarnContext(ctx, "registry event rejected",
			"event_id", ev.ID,
			"context", ev.Context,
			"code", dErrors.CodeOf(err),
			"error", err,
		)
		return &Failure{
			EventID: ev.ID,
			Code:    dErrors.CodeOf(err),
			Message: err.Error(),
			Payload: ev.Payload,
			Err:     err,
		}
	default:
		d.logger.ErrorContext(ctx, "registry event failed",
			"event_id", ev.ID,
			"topic", ev.Topic,
			"operation", ev.Operation,
			"context", ev.Context,
			"payload", string(ev.Payload),
			"error", err,
		)
		return err
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, family Family, ev *Event) error {
	r, ok := d.routes[family]
	if !ok {
		return dErrors.New(dErrors.CodeInternal, fmt.Sprintf("no handler for context %s", ev.Context))
	}
	if r.topic != ev.Topic {
		return dErrors.New(dErrors.CodeInternal, fmt.Sprintf("context %s does not belong to topic %s", ev.Context, ev.Topic))
	}
	env, err := payload.Decode(ev.Payload)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeStructural, "stored event payload cannot be decoded")
	}
	key, err := r.key(env)
	if err != nil {
		return err
	}

	unlock, err := d.locker.Lock(ctx, key)
	if err != nil {
		return err
	}
	defer unlock()

	// Registry reads happen here, before the transaction opens, so a slow
	// fetch does not hold a connection or eat the transaction timeout.
	apply, err := r.prepare(ctx, ev.Operation, env)
	if err != nil {
		return err
	}
	return d.txr.RunInTx(ctx, apply)
}

// Replay feeds the payload of a failed event through Receive again. The
// original event keeps its ERROR status; the replay is a new event.
func (d *Dispatcher) Replay(ctx context.Context, id uuid.UUID) (*Outcome, error) {
	ev, err := d.store.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, fmt.Sprintf("event %s not found", id))
		}
		return nil, fmt.Errorf("load event: %w", err)
	}
	if ev.Status != StatusError {
		return nil, dErrors.New(dErrors.CodeValidation, fmt.Sprintf("event %s is %s, only failed events can be replayed", id, ev.Status))
	}
	d.logger.InfoContext(ctx, "replaying registry event", "event_id", id)
	return d.Receive(ctx, ev.Payload)
}

// Failed lists the most recent events that ended in ERROR.
func (d *Dispatcher) Failed(ctx context.Context, limit int) ([]*Event, error) {
	return d.List(ctx, []Status{StatusError}, limit)
}

// List returns the most recent events in any of statuses, newest first.
func (d *Dispatcher) List(ctx context.Context, statuses []Status, limit int) ([]*Event, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if len(statuses) == 0 {
		statuses = []Status{StatusReceived, StatusSuccess, StatusError, StatusInvalid}
	}
	events, err := d.store.ListByStatus(ctx, statuses, limit)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	return events, nil
}
