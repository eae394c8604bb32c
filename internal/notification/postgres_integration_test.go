//go:build integration

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

	"github.com/stretchr/testify/suite"

	"civreg/internal/enrollment"
	"civreg/internal/facility"
	facilitystore "civreg/internal/facility/store"
	"civreg/internal/location"
	locationstore "civreg/internal/location/store"
	"civreg/internal/mapping"
	mappingstore "civreg/internal/mapping/store"
	"civreg/internal/notification"
	notificationstore "civreg/internal/notification/store"
	"civreg/internal/payload"
	"civreg/internal/person"
	personstore "civreg/internal/person/store"
	"civreg/internal/registry"
	dErrors "civreg/pkg/domain-errors"
	"civreg/pkg/platform/tx"
	"civreg/pkg/testutil/containers"
)

type fetcherFunc func(ctx context.Context, nin string) (*registry.Person, error)

func (fn fetcherFunc) FetchPerson(ctx context.Context, nin string) (*registry.Person, error) {
	return fn(ctx, nin)
}

// PostgresDispatchSuite runs events end to end against the real schema.
type PostgresDispatchSuite struct {
	suite.Suite
	postgres   *containers.PostgresContainer
	events     *notificationstore.PostgresStore
	persons    *personstore.PostgresStore
	dispatcher *notification.Dispatcher
}

func TestPostgresDispatchSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(PostgresDispatchSuite))
}

func (s *PostgresDispatchSuite) SetupSuite() {
	s.postgres = containers.GetManager().GetPostgres(s.T())
}

func (s *PostgresDispatchSuite) SetupTest() {
	ctx := context.Background()
	s.Require().NoError(s.postgres.TruncateTables(ctx,
		"person_history", "persons", "households", "professions",
		"health_facility_history", "health_facilities",
		"location_history", "locations", "external_mappings", "notifications",
	))

	db := s.postgres.DB
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	nodes := locationstore.NewPostgres(db)
	s.Require().NoError(nodes.Create(ctx, &location.Node{Name: "The Gambia", Level: location.LevelRegion, AuditUserID: -1, ValidityFrom: time.Now()}))

	mappings := mapping.New(mappingstore.NewPostgres(db), mapping.WithLogger(logger))
	locations := location.NewReconciler(nodes, mappings, location.WithLogger(logger))
	facilities := facility.NewReconciler(facilitystore.NewPostgres(db), mappings, facility.WithLogger(logger))
	mappings.Register(mapping.KindLocation, locations)
	mappings.Register(mapping.KindFacility, facilities)

	s.persons = personstore.NewPostgres(db)
	fetcher := fetcherFunc(func(_ context.Context, nin string) (*registry.Person, error) {
		return &registry.Person{
			FirstName:           "Awa",
			LastName:            "Jallow",
			DateOfBirth:         "2023-02-11",
			Gender:              "SEX::FEMALE",
			RegistrationVillage: "V-1",
			Raw:                 []byte(fmt.Sprintf(`{"nin":%q}`, nin)),
		}, nil
	})
	persons := person.NewReconciler(s.persons, fetcher, mappings, enrollment.NewLog(logger), person.WithLogger(logger))

	s.events = notificationstore.NewPostgres(db)
	s.dispatcher = notification.NewDispatcher(s.events, locations, facilities, persons,
		notification.WithTxRunner(tx.NewSQLRunner(db)),
		notification.WithLogger(logger),
	)
}

func (s *PostgresDispatchSuite) receive(raw string) (*notification.Outcome, error) {
	return s.dispatcher.Receive(context.Background(), []byte(raw))
}

func (s *PostgresDispatchSuite) seedTree() {
	for _, raw := range []string{
		`{"topicName":"LocationEventTopic","operation":"CREATE","context":"PROVINCE_CREATED","location":{"locationCode":"D-1","locationValueList":[{"langCode":"ENGLISH","newValue":"Banjul"}]}}`,
		`{"topicName":"LocationEventTopic","operation":"CREATE","context":"DISTRICT_CREATED","location":{"locationCode":"W-1","locationValueList":[{"langCode":"ENGLISH","newValue":"Ward"}],"location":{"locationCode":"D-1"}}}`,
		`{"topicName":"LocationEventTopic","operation":"CREATE","context":"PLACE_CREATED","location":{"locationCode":"V-1","locationValueList":[{"langCode":"ENGLISH","newValue":"Village"}],"location":{"locationCode":"W-1"}}}`,
	} {
		outcome, err := s.receive(raw)
		s.Require().NoError(err)
		s.Require().Equal(notification.StatusSuccess, outcome.Status)
	}
}

func (s *PostgresDispatchSuite) TestEndToEnd() {
	s.seedTree()

	outcome, err := s.receive(`{"topicName":"LocationEventTopic","operation":"CREATE","context":"HEALTH_FACILITY_CREATED","location":{"locationCode":"HF-1","type":"Hospital","locationValueList":[{"langCode":"ENGLISH","newValue":"Royal Victoria"}],"location":{"locationCode":"V-1","location":{"locationCode":"W-1","location":{"locationCode":"D-1"}}}}}`)
	s.Require().NoError(err)
	s.Equal(notification.StatusSuccess, outcome.Status)

	outcome, err = s.receive(`{"topicName":"LifeEventTopic","operation":"CREATE","context":"BIRTH_REGISTRATION_CREATED","nin":"NIN-100"}`)
	s.Require().NoError(err)
	s.Equal(notification.StatusSuccess, outcome.Status)

	p, err := s.persons.FindCurrentByNationalID(context.Background(), "NIN-100")
	s.Require().NoError(err)
	s.Equal("Jallow", p.LastName)
	s.Equal(person.GenderFemale, p.Gender)
	s.True(p.Head)
	h, err := s.persons.FindHousehold(context.Background(), p.HouseholdID)
	s.Require().NoError(err)
	s.NotNil(h.EnrolledAt)

	ev, err := s.events.FindByID(context.Background(), outcome.EventID)
	s.Require().NoError(err)
	s.Equal(notification.StatusSuccess, ev.Status)
	s.NotNil(ev.ProcessedAt)
}

func (s *PostgresDispatchSuite) TestFailureRollsBack() {
	s.seedTree()

	// Both failures leave their event in ERROR.
	_, err := s.receive(`{"topicName":"LocationEventTopic","operation":"CREATE","context":"PROVINCE_CREATED","location":{"locationCode":"D-1"}}`)
	s.True(dErrors.HasCode(err, dErrors.CodeDuplicate))

	outcome, err := s.receive(`{"topicName":"LocationEventTopic","operation":"CREATE","context":"DISTRICT_CREATED","location":{"locationCode":"W-9","location":{"locationCode":"D-404"}}}`)
	var failure *notification.Failure
	s.Require().True(errors.As(err, &failure))
	s.Equal(dErrors.CodeUnresolvedParent, failure.Code)

	ev, err := s.events.FindByID(context.Background(), outcome.EventID)
	s.Require().NoError(err)
	s.Equal(notification.StatusError, ev.Status)
	s.Nil(ev.ProcessedAt)

	failed, err := s.dispatcher.Failed(context.Background(), 10)
	s.Require().NoError(err)
	s.Len(failed, 2)
}

func (s *PostgresDispatchSuite) TestConcurrentCreatesOfOneCode() {
	s.seedTree()
	raw := `{"topicName":"LocationEventTopic","operation":"CREATE","context":"PLACE_CREATED","location":{"locationCode":"V-2","location":{"locationCode":"W-1"}}}`

	const workers = 10
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		dupes     int
	)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.receive(raw)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case dErrors.HasCode(err, dErrors.CodeDuplicate):
				dupes++
			}
		}()
	}
	wg.Wait()
	s.Equal(1, successes)
	s.Equal(workers-1, dupes)
}

func (s *PostgresDispatchSuite) TestListByStatus() {
	s.seedTree()
	_, _ = s.receive(`{"topicName":"LocationEventTopic","operation":"MERGE","context":"PLACE_CREATED"}`)

	events, err := s.dispatcher.List(context.Background(), []notification.Status{notification.StatusInvalid}, 10)
	s.Require().NoError(err)
	s.Require().Len(events, 1)
	s.Equal(payload.Operation("MERGE"), events[0].Operation)

	events, err = s.dispatcher.List(context.Background(), []notification.Status{notification.StatusSuccess, notification.StatusInvalid}, 2)
	s.Require().NoError(err)
	s.Len(events, 2)
}
