package mapping

import (
	"fmt"
	"time"
)

// Kind is the local entity type a mapping points at.
type Kind string

const (
	KindLocation Kind = "location"
	KindFacility Kind = "facility"
)

// Mapping links one registry code to one local entity.
type Mapping struct {
	ID           int64
	Kind         Kind
	SubKind      string
	ExternalCode string
	EntityID     int64
	CreatedAt    time.Time
	LastAccess   time.Time
	Deleted      bool
}

// DerivedCode is the local code assigned to the entity once its mapping
// exists.
func (m *Mapping) DerivedCode() string {
	return fmt.Sprintf("HERA%d", m.ID)
}

// ReusePolicy decides whether a soft-deleted external code may be mapped again.
type ReusePolicy string

const (
	ReuseAllow ReusePolicy = "allow"
	ReuseDeny  ReusePolicy = "deny"
)
