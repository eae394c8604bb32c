package location

import "time"

// Level is the position of a node in the administrative tree.
type Level string

const (
	LevelRegion   Level = "R"
	LevelDistrict Level = "D"
	LevelWard     Level = "W"
	LevelVillage  Level = "V"
)

// Parent returns the level directly above l, or "" for a region.
func (l Level) Parent() Level {
	switch l {
	case LevelDistrict:
		return LevelRegion
	case LevelWard:
		return LevelDistrict
	case LevelVillage:
		return LevelWard
	default:
		return ""
	}
}

// Node is the current version of a location.
type Node struct {
	ID           int64
	Code         string
	Name         string
	Level        Level
	ParentID     *int64
	AuditUserID  int
	ValidityFrom time.Time
	ValidityTo   *time.Time
}

// NodeVersion is an archived snapshot of a node valid over [ValidFrom, ValidTo).
type NodeVersion struct {
	NodeID    int64
	Name      string
	Level     Level
	ParentID  *int64
	ValidFrom time.Time
	ValidTo   time.Time
}

// LoadMode selects how updates and deletes of unmapped codes are treated.
type LoadMode string

const (
	// LoadLive rejects updates and deletes of codes that were never created.
	LoadLive LoadMode = "live"
	// LoadInitial treats an update of an unknown code as its first sighting.
	LoadInitial LoadMode = "initial"
)
