package notification

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"civreg/internal/payload"
	dErrors "civreg/pkg/domain-errors"
)

// Status is the lifecycle state of a received event.
type Status string

const (
	StatusReceived Status = "RECEIVED"
	StatusSuccess  Status = "SUCCESS"
	StatusError    Status = "ERROR"
	StatusInvalid  Status = "INVALID"
)

// Registry event contexts.
const (
	ContextBirthCreated    = "BIRTH_REGISTRATION_CREATED"
	ContextFacilityCreated = "HEALTH_FACILITY_CREATED"
	ContextFacilityUpdated = "HEALTH_FACILITY_UPDATED"
	ContextFacilityDeleted = "HEALTH_FACILITY_DELETED"
	ContextProvinceCreated = "PROVINCE_CREATED"
	ContextProvinceUpdated = "PROVINCE_UPDATED"
	ContextProvinceDeleted = "PROVINCE_DELETED"
	ContextDistrictCreated = "DISTRICT_CREATED"
	ContextDistrictUpdated = "DISTRICT_UPDATED"
	ContextDistrictDeleted = "DISTRICT_DELETED"
	ContextPlaceCreated    = "PLACE_CREATED"
	ContextPlaceUpdated    = "PLACE_UPDATED"
	ContextPlaceDeleted    = "PLACE_DELETED"
)

var (
	knownTopics = map[payload.Topic]struct{}{
		payload.TopicLifeEvent:     {},
		payload.TopicLocationEvent: {},
	}
	knownOperations = map[payload.Operation]struct{}{
		payload.OperationCreate: {},
		payload.OperationUpdate: {},
		payload.OperationDelete: {},
	}
	knownContexts = map[string]struct{}{
		ContextBirthCreated:    {},
		ContextFacilityCreated: {},
		ContextFacilityUpdated: {},
		ContextFacilityDeleted: {},
		ContextProvinceCreated: {},
		ContextProvinceUpdated: {},
		ContextProvinceDeleted: {},
		ContextDistrictCreated: {},
		ContextDistrictUpdated: {},
		ContextDistrictDeleted: {},
		ContextPlaceCreated:    {},
		ContextPlaceUpdated:    {},
		ContextPlaceDeleted:    {},
	}
)

// Classify returns StatusReceived when topic, operation and context are all
// known values, StatusInvalid otherwise. Each is checked on its own; pairing
// a context with the wrong topic is caught at dispatch.
func Classify(topic payload.Topic, op payload.Operation, context string) Status {
	_, topicOK := knownTopics[topic]
	_, opOK := knownOperations[op]
	_, contextOK := knownContexts[context]
	if topicOK && opOK && contextOK {
		return StatusReceived
	}
	return StatusInvalid
}

// Family groups contexts that share a handler. The registry's province,
// district and place are this system's district, ward and village.
type Family string

const (
	FamilyDistrict Family = "district"
	FamilyWard     Family = "ward"
	FamilyVillage  Family = "village"
	FamilyFacility Family = "facility"
	FamilyBirth    Family = "birth"
	FamilyUnknown  Family = "unknown"
)

var familyPrefixes = []struct {
	prefix string
	family Family
}{
	{"PROVINCE", FamilyDistrict},
	{"DISTRICT", FamilyWard},
	{"PLACE", FamilyVillage},
	{"HEALTH_FACILITY", FamilyFacility},
	{"BIRTH", FamilyBirth},
}

// FamilyOf classifies a context by prefix.
func FamilyOf(context string) Family {
	for _, p := range familyPrefixes {
		if strings.HasPrefix(context, p.prefix) {
			return p.family
		}
	}
	return FamilyUnknown
}

// Event is one received registry notification. Payload is the document as
// received.
type Event struct {
	ID          uuid.UUID
	Topic       payload.Topic
	Operation   payload.Operation
	Context     string
	Status      Status
	Payload     json.RawMessage
	Message     string
	ReceivedAt  time.Time
	ProcessedAt *time.Time
}

// Outcome summarises what happened to a received event.
type Outcome struct {
	EventID uuid.UUID `json:"event_id"`
	Status  Status    `json:"status"`
	Message string    `json:"message,omitempty"`
}

// Failure is returned by Process when reconciliation fails with a known
// domain error. It unwraps to that error.
type Failure struct {
	EventID uuid.UUID
	Code    dErrors.Code
	Message string
	Payload json.RawMessage
	Err     error
}

func (f *Failure) Error() string {
	return f.Message
}

func (f *Failure) Unwrap() error {
	return f.Err
}
