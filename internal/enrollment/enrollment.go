// Package enrollment hands newly registered households to the programs that
// enroll them automatically.
package enrollment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"

	"civreg/internal/person"
	"civreg/pkg/requestcontext"
)

// EventHouseholdRegistered names the message published for a new household.
const EventHouseholdRegistered = "household.registered"

// Message is the published record value.
type Message struct {
	Event        string    `json:"event"`
	HouseholdID  int64     `json:"household_id"`
	VillageID    int64     `json:"village_id"`
	HeadPersonID int64     `json:"head_person_id"`
	NationalID   string    `json:"national_id"`
	OccurredAt   time.Time `json:"occurred_at"`
}

func newMessage(ctx context.Context, p *person.Person, h *person.Household) Message {
	return Message{
		Event:        EventHouseholdRegistered,
		HouseholdID:  h.ID,
		VillageID:    h.VillageID,
		HeadPersonID: p.ID,
		NationalID:   p.NationalID,
		OccurredAt:   requestcontext.Now(ctx).UTC(),
	}
}

// Kafka publishes one record per household, keyed by household id so a
// household's records stay ordered.
type Kafka struct {
	client *kgo.Client
	topic  string
	logger *slog.Logger
}

func NewKafka(brokers []string, topic string, logger *slog.Logger) (*Kafka, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka: no brokers configured")
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(topic),
		kgo.RequiredAcks(kgo.AllISRAcks()),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka client: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Kafka{client: client, topic: topic, logger: logger}, nil
}

// EnsureTopic creates the enrollment topic when it does not exist yet.
func (k *Kafka) EnsureTopic(ctx context.Context, partitions int32, replication int16) error {
	adm := kadm.NewClient(k.client)
	resp, err := adm.CreateTopics(ctx, partitions, replication, nil, k.topic)
	if err != nil {
		return fmt.Errorf("create topic %s: %w", k.topic, err)
	}
	for _, r := range resp.Sorted() {
		if r.Err != nil && !errors.Is(r.Err, kerr.TopicAlreadyExists) {
			return fmt.Errorf("create topic %s: %w", r.Topic, r.Err)
		}
	}
	return nil
}

func (k *Kafka) Enroll(ctx context.Context, p *person.Person, h *person.Household) error {
	value, err := json.Marshal(newMessage(ctx, p, h))
	if err != nil {
		return fmt.Errorf("encode enrollment: %w", err)
	}
	record := &kgo.Record{
		Topic: k.topic,
		Key:   []byte(strconv.FormatInt(h.ID, 10)),
		Value: value,
	}
	if err := k.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("publish enrollment for household %d: %w", h.ID, err)
	}
	k.logger.InfoContext(ctx, "household sent for enrollment", "household_id", h.ID, "topic", k.topic)
	return nil
}

func (k *Kafka) Close() {
	k.client.Close()
}

// Log records enrollments without publishing them. It is used when no broker
// is configured.
type Log struct {
	logger *slog.Logger
}

func NewLog(logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{logger: logger}
}

func (l *Log) Enroll(ctx context.Context, p *person.Person, h *person.Household) error {
	l.logger.InfoContext(ctx, "household registered, no enrollment broker configured",
		"household_id", h.ID,
		"head_person_id", p.ID,
	)
	return nil
}
