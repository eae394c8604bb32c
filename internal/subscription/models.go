package subscription

import (
	"time"

	"github.com/google/uuid"

	"civreg/internal/payload"
)

// Subscription is a registry push subscription held by this service. UUID
// is the identifier the registry assigned.
type Subscription struct {
	UUID        uuid.UUID
	Topic       payload.Topic
	CreatedBy   string
	CreatedAt   time.Time
	Active      bool
	CancelledBy string
	CancelledAt *time.Time
}
