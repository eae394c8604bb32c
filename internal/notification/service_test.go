package notification_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/suite"

	"civreg/internal/location"
	"civreg/internal/notification"
	notificationstore "civreg/internal/notification/store"
	"civreg/internal/payload"
	"civreg/internal/registry"
	dErrors "civreg/pkg/domain-errors"
	"civreg/pkg/requestcontext"
)

type locationCall struct {
	op    payload.Operation
	level location.Level
	code  string
}

// fakeReconcilers records calls and returns the configured error.
type fakeReconcilers struct {
	mu         sync.Mutex
	locations  []locationCall
	facilities []string
	persons    []string
	err        error
}

func (f *fakeReconcilers) locationFn() notification.LocationReconciler {
	return locationFunc(func(_ context.Context, op payload.Operation, level location.Level, loc *payload.Location) error {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.locations = append(f.locations, locationCall{op, level, loc.Code})
		return f.err
	})
}

type locationFunc func(ctx context.Context, op payload.Operation, level location.Level, loc *payload.Location) error

func (fn locationFunc) Apply(ctx context.Context, op payload.Operation, level location.Level, loc *payload.Location) error {
	return fn(ctx, op, level, loc)
}

type facilityFunc func(ctx context.Context, op payload.Operation, loc *payload.Location) error

func (fn facilityFunc) Apply(ctx context.Context, op payload.Operation, loc *payload.Location) error {
	return fn(ctx, op, loc)
}

// fakePersons splits the person route the way the reconciler does: Fetch
// returns a stub document and Reconcile records the nin.
type fakePersons struct {
	fetch     func(ctx context.Context, nin string) error
	reconcile func(ctx context.Context, nin string) error
}

func (f fakePersons) Fetch(ctx context.Context, nin string) (*registry.Person, error) {
	if f.fetch != nil {
		if err := f.fetch(ctx, nin); err != nil {
			return nil, err
		}
	}
	return &registry.Person{FirstName: nin}, nil
}

func (f fakePersons) Reconcile(ctx context.Context, nin string, doc *registry.Person) error {
	if doc == nil || doc.FirstName != nin {
		return errors.New("reconcile called without the fetched document")
	}
	return f.reconcile(ctx, nin)
}

type txMarker struct{}

// markingRunner tags the context it hands to fn so tests can tell what ran
// inside the transaction.
type markingRunner struct{}

func (markingRunner) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(context.WithValue(ctx, txMarker{}, true))
}

func inTx(ctx context.Context) bool {
	v, _ := ctx.Value(txMarker{}).(bool)
	return v
}

var receivedAt = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type DispatcherSuite struct {
	suite.Suite
	ctx        context.Context
	store      *notificationstore.InMemoryStore
	fakes      *fakeReconcilers
	metrics    *notification.Metrics
	dispatcher *notification.Dispatcher
}

func TestDispatcherSuite(t *testing.T) {
	suite.Run(t, new(DispatcherSuite))
}

func (s *DispatcherSuite) SetupTest() {
	s.ctx = requestcontext.WithTime(context.Background(), receivedAt)
	s.store = notificationstore.NewInMemoryStore()
	s.fakes = &fakeReconcilers{}
	s.metrics = notification.NewMetrics(prometheus.NewRegistry())

	facilities := facilityFunc(func(_ context.Context, _ payload.Operation, loc *payload.Location) error {
		s.fakes.mu.Lock()
		defer s.fakes.mu.Unlock()
		s.fakes.facilities = append(s.fakes.facilities, loc.Code)
		return s.fakes.err
	})
	persons := fakePersons{reconcile: func(_ context.Context, nin string) error {
		s.fakes.mu.Lock()
		defer s.fakes.mu.Unlock()
		s.fakes.persons = append(s.fakes.persons, nin)
		return s.fakes.err
	}}
	s.dispatcher = notification.NewDispatcher(s.store, s.fakes.locationFn(), facilities, persons,
		notification.WithMetrics(s.metrics),
		notification.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
}

func locationEvent(topic payload.Topic, op payload.Operation, ctxName, code string) []byte {
	return fmt.Appendf(nil, `{"topicName":%q,"operation":%q,"context":%q,"location":{"locationCode":%q,"locationValueList":[{"langCode":"ENGLISH","newValue":"X"}],"location":{"locationCode":"P-1"}}}`,
		topic, op, ctxName, code)
}

func (s *DispatcherSuite) stored(id uuid.UUID) *notification.Event {
	ev, err := s.store.FindByID(s.ctx, id)
	s.Require().NoError(err)
	return ev
}

func (s *DispatcherSuite) TestRoutesByFamily() {
	cases := []struct {
		context string
		level   location.Level
	}{
		{notification.ContextProvinceCreated, location.LevelDistrict},
		{notification.ContextDistrictUpdated, location.LevelWard},
		{notification.ContextPlaceDeleted, location.LevelVillage},
	}
	for i, tc := range cases {
		code := fmt.Sprintf("L-%d", i)
		outcome, err := s.dispatcher.Receive(s.ctx, locationEvent(payload.TopicLocationEvent, payload.OperationCreate, tc.context, code))
		s.Require().NoError(err)
		s.Equal(notification.StatusSuccess, outcome.Status)
		s.Equal(locationCall{payload.OperationCreate, tc.level, code}, s.fakes.locations[i])
	}

	_, err := s.dispatcher.Receive(s.ctx, locationEvent(payload.TopicLocationEvent, payload.OperationUpdate, notification.ContextFacilityUpdated, "HF-1"))
	s.Require().NoError(err)
	s.Equal([]string{"HF-1"}, s.fakes.facilities)

	_, err = s.dispatcher.Receive(s.ctx, []byte(`{"topicName":"LifeEventTopic","operation":"CREATE","context":"BIRTH_REGISTRATION_CREATED","nin":"NIN-1"}`))
	s.Require().NoError(err)
	s.Equal([]string{"NIN-1"}, s.fakes.persons)
}

func (s *DispatcherSuite) TestSuccessRecordsProcessedAt() {
	outcome, err := s.dispatcher.Receive(s.ctx, locationEvent(payload.TopicLocationEvent, payload.OperationCreate, notification.ContextPlaceCreated, "V-1"))
	s.Require().NoError(err)

	ev := s.stored(outcome.EventID)
	s.Equal(notification.StatusSuccess, ev.Status)
	s.Require().NotNil(ev.ProcessedAt)
	s.Equal(receivedAt, *ev.ProcessedAt)
	s.Equal(notification.ContextPlaceCreated, ev.Context)
	s.Equal(float64(1), testutil.ToFloat64(s.metrics.Events.WithLabelValues("LocationEventTopic", "SUCCESS")))
}

func (s *DispatcherSuite) TestInvalidEventIsRecordedButNotDispatched() {
	outcome, err := s.dispatcher.Receive(s.ctx, locationEvent(payload.TopicLocationEvent, "MERGE", notification.ContextPlaceCreated, "V-1"))
	s.Require().NoError(err)
	s.Equal(notification.StatusInvalid, outcome.Status)
	s.NotEmpty(outcome.Message)
	s.Empty(s.fakes.locations)

	ev := s.stored(outcome.EventID)
	s.Equal(notification.StatusInvalid, ev.Status)
	s.Nil(ev.ProcessedAt)

	s.Run("process refuses it", func() {
		err := s.dispatcher.Process(s.ctx, ev)
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))
		s.Empty(s.fakes.locations)
	})
}

func (s *DispatcherSuite) TestUnreadableEventIsNotRecorded() {
	outcome, err := s.dispatcher.Receive(s.ctx, []byte(`{"topicName":`))
	s.Nil(outcome)
	s.True(dErrors.HasCode(err, dErrors.CodeBadRequest))

	events, err := s.dispatcher.List(s.ctx, nil, 0)
	s.Require().NoError(err)
	s.Empty(events)
}

func (s *DispatcherSuite) TestDomainFailure() {
	s.fakes.err = dErrors.New(dErrors.CodeUnresolvedParent, "unknown parent P-1")
	raw := locationEvent(payload.TopicLocationEvent, payload.OperationCreate, notification.ContextDistrictCreated, "W-1")

	outcome, err := s.dispatcher.Receive(s.ctx, raw)
	s.Require().Error(err)

	var failure *notification.Failure
	s.Require().True(errors.As(err, &failure))
	s.Equal(outcome.EventID, failure.EventID)
	s.Equal(dErrors.CodeUnresolvedParent, failure.Code)
	s.Equal("unknown parent P-1", failure.Message)
	s.JSONEq(string(raw), string(failure.Payload))
	s.True(dErrors.HasCode(err, dErrors.CodeUnresolvedParent))

	ev := s.stored(outcome.EventID)
	s.Equal(notification.StatusError, ev.Status)
	s.Equal("unknown parent P-1", ev.Message)
	s.Nil(ev.ProcessedAt)
}

func (s *DispatcherSuite) TestUnexpectedFailure() {
	s.fakes.err = errors.New("connection reset")
	outcome, err := s.dispatcher.Receive(s.ctx, locationEvent(payload.TopicLocationEvent, payload.OperationCreate, notification.ContextPlaceCreated, "V-1"))
	s.Require().Error(err)

	var failure *notification.Failure
	s.False(errors.As(err, &failure))
	s.Equal(notification.StatusError, s.stored(outcome.EventID).Status)
}

func (s *DispatcherSuite) TestContextOnWrongTopic() {
	outcome, err := s.dispatcher.Receive(s.ctx, locationEvent(payload.TopicLifeEvent, payload.OperationCreate, notification.ContextPlaceCreated, "V-1"))
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeInternal))
	s.Empty(s.fakes.locations)
	s.Equal(notification.StatusError, s.stored(outcome.EventID).Status)
}

func (s *DispatcherSuite) TestMissingSubject() {
	outcome, err := s.dispatcher.Receive(s.ctx, []byte(`{"topicName":"LocationEventTopic","operation":"CREATE","context":"PLACE_CREATED"}`))
	s.True(dErrors.HasCode(err, dErrors.CodeStructural))
	s.Equal(notification.StatusError, s.stored(outcome.EventID).Status)

	outcome, err = s.dispatcher.Receive(s.ctx, []byte(`{"topicName":"LifeEventTopic","operation":"CREATE","context":"BIRTH_REGISTRATION_CREATED"}`))
	s.True(dErrors.HasCode(err, dErrors.CodeStructural))
	s.Equal(notification.StatusError, s.stored(outcome.EventID).Status)
	s.Empty(s.fakes.persons)
}

func (s *DispatcherSuite) TestPersonFetchRunsOutsideTransaction() {
	var fetchedInTx, reconciledInTx bool
	persons := fakePersons{
		fetch: func(ctx context.Context, _ string) error {
			fetchedInTx = inTx(ctx)
			return nil
		},
		reconcile: func(ctx context.Context, _ string) error {
			reconciledInTx = inTx(ctx)
			return nil
		},
	}
	d := notification.NewDispatcher(s.store, nil, nil, persons,
		notification.WithTxRunner(markingRunner{}),
		notification.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))

	outcome, err := d.Receive(s.ctx, []byte(`{"topicName":"LifeEventTopic","operation":"CREATE","context":"BIRTH_REGISTRATION_CREATED","nin":"NIN-1"}`))
	s.Require().NoError(err)
	s.Equal(notification.StatusSuccess, outcome.Status)
	s.False(fetchedInTx)
	s.True(reconciledInTx)

	s.Run("fetch failure marks the event without reconciling", func() {
		called := false
		persons := fakePersons{
			fetch: func(context.Context, string) error {
				return dErrors.New(dErrors.CodeFetch, "registry person NIN-2 fetch failed")
			},
			reconcile: func(context.Context, string) error {
				called = true
				return nil
			},
		}
		d := notification.NewDispatcher(s.store, nil, nil, persons,
			notification.WithTxRunner(markingRunner{}),
			notification.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))

		outcome, err := d.Receive(s.ctx, []byte(`{"topicName":"LifeEventTopic","operation":"CREATE","context":"BIRTH_REGISTRATION_CREATED","nin":"NIN-2"}`))
		s.True(dErrors.HasCode(err, dErrors.CodeFetch))
		s.False(called)
		s.Equal(notification.StatusError, s.stored(outcome.EventID).Status)
	})
}

func (s *DispatcherSuite) TestReplay() {
	s.fakes.err = dErrors.New(dErrors.CodeUnresolvedParent, "unknown parent P-1")
	failed, _ := s.dispatcher.Receive(s.ctx, locationEvent(payload.TopicLocationEvent, payload.OperationCreate, notification.ContextPlaceCreated, "V-1"))

	s.fakes.err = nil
	outcome, err := s.dispatcher.Replay(s.ctx, failed.EventID)
	s.Require().NoError(err)
	s.Equal(notification.StatusSuccess, outcome.Status)
	s.NotEqual(failed.EventID, outcome.EventID)
	s.Equal(notification.StatusError, s.stored(failed.EventID).Status)

	s.Run("successful events are not replayed", func() {
		_, err := s.dispatcher.Replay(s.ctx, outcome.EventID)
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))
	})

	s.Run("unknown event", func() {
		_, err := s.dispatcher.Replay(s.ctx, uuid.New())
		s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
	})
}

func (s *DispatcherSuite) TestFailedListsNewestFirst() {
	s.fakes.err = dErrors.New(dErrors.CodeDuplicate, "duplicate")
	var ids []uuid.UUID
	for i := range 3 {
		ctx := requestcontext.WithTime(s.ctx, receivedAt.Add(time.Duration(i)*time.Minute))
		outcome, _ := s.dispatcher.Receive(ctx, locationEvent(payload.TopicLocationEvent, payload.OperationCreate, notification.ContextPlaceCreated, "V-1"))
		ids = append(ids, outcome.EventID)
	}
	s.fakes.err = nil
	_, err := s.dispatcher.Receive(s.ctx, locationEvent(payload.TopicLocationEvent, payload.OperationCreate, notification.ContextPlaceCreated, "V-2"))
	s.Require().NoError(err)

	failed, err := s.dispatcher.Failed(s.ctx, 2)
	s.Require().NoError(err)
	s.Require().Len(failed, 2)
	s.Equal(ids[2], failed[0].ID)
	s.Equal(ids[1], failed[1].ID)
}

func (s *DispatcherSuite) TestSameSubjectIsSerialized() {
	var (
		mu      sync.Mutex
		active  int
		maxSeen int
	)
	locations := locationFunc(func(context.Context, payload.Operation, location.Level, *payload.Location) error {
		mu.Lock()
		active++
		maxSeen = max(maxSeen, active)
		mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		mu.Lock()
		active--
		mu.Unlock()
		return nil
	})
	d := notification.NewDispatcher(s.store, locations, nil, nil,
		notification.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := d.Receive(s.ctx, locationEvent(payload.TopicLocationEvent, payload.OperationCreate, notification.ContextPlaceCreated, "V-1"))
			s.NoError(err)
		}()
	}
	wg.Wait()
	s.Equal(1, maxSeen)
}
