//go:build integration

package enrollment_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"github.com/twmb/franz-go/pkg/kgo"

	"civreg/internal/enrollment"
	"civreg/internal/person"
	"civreg/pkg/testutil/containers"
)

type KafkaSuite struct {
	suite.Suite
	redpanda *containers.RedpandaContainer
}

func TestKafkaSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(KafkaSuite))
}

func (s *KafkaSuite) SetupSuite() {
	s.redpanda = containers.GetManager().GetRedpanda(s.T())
}

func (s *KafkaSuite) TestPublishesHouseholdRegistered() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	topic := "civreg.household.registered.test"

	publisher, err := enrollment.NewKafka([]string{s.redpanda.Broker}, topic, nil)
	s.Require().NoError(err)
	defer publisher.Close()
	s.Require().NoError(publisher.EnsureTopic(ctx, 1, 1))
	s.Require().NoError(publisher.EnsureTopic(ctx, 1, 1))

	err = publisher.Enroll(ctx, &person.Person{ID: 11, NationalID: "NIN-9"}, &person.Household{ID: 5, VillageID: 2})
	s.Require().NoError(err)

	consumer, err := kgo.NewClient(
		kgo.SeedBrokers(s.redpanda.Broker),
		kgo.ConsumeTopics(topic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
	)
	s.Require().NoError(err)
	defer consumer.Close()

	fetches := consumer.PollRecords(ctx, 1)
	s.Require().Empty(fetches.Errors())
	records := fetches.Records()
	s.Require().Len(records, 1)
	s.Equal("5", string(records[0].Key))

	var msg enrollment.Message
	s.Require().NoError(json.Unmarshal(records[0].Value, &msg))
	s.Equal(enrollment.EventHouseholdRegistered, msg.Event)
	s.Equal(int64(11), msg.HeadPersonID)
	s.Equal("NIN-9", msg.NationalID)
}
