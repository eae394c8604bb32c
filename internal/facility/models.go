package facility

import (
	"time"

	dErrors "civreg/pkg/domain-errors"
)

// CareLevel is the local three-tier facility classification.
type CareLevel string

const (
	CareDispensary   CareLevel = "D"
	CareHealthCenter CareLevel = "C"
	CareHospital     CareLevel = "H"
)

// Every registry facility is recorded as a government facility offering
// both in- and out-patient care.
const (
	LegalFormGovernment = "G"
	CareTypeBoth        = "B"
)

// careLevels maps registry facility types, misspellings included, to care
// levels.
var careLevels = map[string]CareLevel{
	"Community Clinic":    CareDispensary,
	"Commmunity Clinic":   CareDispensary,
	"Comunity Clinic":     CareDispensary,
	"Village OPD":         CareDispensary,
	"Minor Health Centre": CareHealthCenter,
	"Major Health Centre": CareHealthCenter,
	"Hospital":            CareHospital,
}

// CareLevelForType resolves a registry facility type.
func CareLevelForType(facilityType string) (CareLevel, error) {
	level, ok := careLevels[facilityType]
	if !ok {
		return "", dErrors.New(dErrors.CodeUnknownType, "unknown health facility type "+facilityType)
	}
	return level, nil
}

// Facility is the current version of a health facility. LocationID is
// always a district node.
type Facility struct {
	ID           int64
	Code         string
	Name         string
	CareLevel    CareLevel
	LegalForm    string
	CareType     string
	LocationID   int64
	AuditUserID  int
	ValidityFrom time.Time
	ValidityTo   *time.Time
}

// Version is an archived facility snapshot valid over [ValidFrom, ValidTo).
type Version struct {
	FacilityID int64
	Name       string
	CareLevel  CareLevel
	LegalForm  string
	LocationID int64
	ValidFrom  time.Time
	ValidTo    time.Time
}
