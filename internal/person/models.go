package person

import (
	"encoding/json"
	"time"
)

// Gender is the local gender code.
type Gender string

const (
	GenderMale    Gender = "M"
	GenderFemale  Gender = "F"
	GenderUnknown Gender = "O"
)

// GenderFor maps a registry gender value. Anything unrecognised is
// GenderUnknown.
func GenderFor(value string) Gender {
	switch value {
	case "SEX::MALE":
		return GenderMale
	case "SEX::FEMALE":
		return GenderFemale
	default:
		return GenderUnknown
	}
}

// Profession is an entry of the controlled profession list.
type Profession struct {
	ID   int64
	Name string
}

// Household groups persons living in one village. EnrolledAt is nil until
// the enroller has accepted the household.
type Household struct {
	ID           int64
	VillageID    int64
	HeadID       *int64
	AuditUserID  int
	EnrolledAt   *time.Time
	ValidityFrom time.Time
}

// Person is the current version of a registered person. Extra holds the
// registry document the record was built from.
type Person struct {
	ID           int64
	NationalID   string
	OtherNames   string
	LastName     string
	Phone        string
	DateOfBirth  time.Time
	Gender       Gender
	ProfessionID *int64
	HouseholdID  int64
	Head         bool
	Extra        json.RawMessage
	AuditUserID  int
	ValidityFrom time.Time
	ValidityTo   *time.Time
}

// Version is an archived person snapshot valid over [ValidFrom, ValidTo).
type Version struct {
	PersonID     int64
	OtherNames   string
	LastName     string
	Phone        string
	DateOfBirth  time.Time
	Gender       Gender
	ProfessionID *int64
	Extra        json.RawMessage
	ValidFrom    time.Time
	ValidTo      time.Time
}
