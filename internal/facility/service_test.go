package facility_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"

	"civreg/internal/facility"
	facilitystore "civreg/internal/facility/store"
	"civreg/internal/location"
	locationstore "civreg/internal/location/store"
	"civreg/internal/mapping"
	mappingstore "civreg/internal/mapping/store"
	"civreg/internal/payload"
	dErrors "civreg/pkg/domain-errors"
	"civreg/pkg/platform/sentinel"
	"civreg/pkg/requestcontext"
)

type ReconcilerSuite struct {
	suite.Suite
	ctx        context.Context
	store      *facilitystore.InMemoryStore
	codes      *mappingstore.InMemoryStore
	mappings   *mapping.Service
	reconciler *facility.Reconciler
	districts  map[string]int64
	villageID  int64
}

func TestReconcilerSuite(t *testing.T) {
	suite.Run(t, new(ReconcilerSuite))
}

func (s *ReconcilerSuite) SetupTest() {
	s.ctx = requestcontext.WithTime(context.Background(), time.Date(2024, 4, 2, 10, 0, 0, 0, time.UTC))
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s.codes = mappingstore.NewInMemoryStore()
	s.mappings = mapping.New(s.codes)

	// Build D-1/W-1/V-1 and D-2/W-2/V-2 through the location reconciler.
	nodes := locationstore.NewInMemoryStore()
	s.Require().NoError(nodes.Create(s.ctx, &location.Node{Name: "The Gambia", Level: location.LevelRegion}))
	locations := location.NewReconciler(nodes, s.mappings, location.WithLogger(logger))
	s.mappings.Register(mapping.KindLocation, locations)
	for _, suffix := range []string{"1", "2"} {
		s.Require().NoError(locations.Apply(s.ctx, payload.OperationCreate, location.LevelDistrict, &payload.Location{Code: "D-" + suffix}))
		s.Require().NoError(locations.Apply(s.ctx, payload.OperationCreate, location.LevelWard, &payload.Location{Code: "W-" + suffix, Parent: &payload.Location{Code: "D-" + suffix}}))
		s.Require().NoError(locations.Apply(s.ctx, payload.OperationCreate, location.LevelVillage, &payload.Location{Code: "V-" + suffix, Parent: &payload.Location{Code: "W-" + suffix}}))
	}
	s.districts = map[string]int64{}
	for _, code := range []string{"D-1", "D-2"} {
		m, err := s.mappings.Lookup(s.ctx, mapping.KindLocation, code, "")
		s.Require().NoError(err)
		s.districts[code] = m.EntityID
	}
	village, err := s.mappings.Lookup(s.ctx, mapping.KindLocation, "V-1", "")
	s.Require().NoError(err)
	s.villageID = village.EntityID

	s.store = facilitystore.NewInMemoryStore()
	s.reconciler = facility.NewReconciler(s.store, s.mappings, facility.WithLogger(logger))
	s.mappings.Register(mapping.KindFacility, s.reconciler)
}

// event builds a facility payload whose ancestor chain ends at district.
func event(code, name, facilityType, district string) *payload.Location {
	suffix := district[len(district)-1:]
	return &payload.Location{
		Code:   code,
		Type:   facilityType,
		Values: []payload.LocalizedValue{{LangCode: "ENGLISH", NewValue: name}},
		Parent: &payload.Location{Code: "V-" + suffix, Parent: &payload.Location{Code: "W-" + suffix, Parent: &payload.Location{Code: district}}},
	}
}

func (s *ReconcilerSuite) facility(code string) *facility.Facility {
	m, err := s.mappings.Lookup(s.ctx, mapping.KindFacility, code, "")
	s.Require().NoError(err)
	f, err := s.store.FindByID(s.ctx, m.EntityID)
	s.Require().NoError(err)
	return f
}

func (s *ReconcilerSuite) TestCreateAnchorsAtDistrict() {
	err := s.reconciler.Apply(s.ctx, payload.OperationCreate, event("HF-1", "Village Clinic", "Community Clinic", "D-1"))
	s.Require().NoError(err)

	f := s.facility("HF-1")
	s.Equal(s.districts["D-1"], f.LocationID)
	s.NotEqual(s.villageID, f.LocationID)
	s.Equal(facility.CareDispensary, f.CareLevel)
	s.Equal(facility.LegalFormGovernment, f.LegalForm)
	s.Equal(facility.CareTypeBoth, f.CareType)
	s.Regexp(`^HERA\d+$`, f.Code)
}

func (s *ReconcilerSuite) TestDuplicateName() {
	s.Require().NoError(s.reconciler.Apply(s.ctx, payload.OperationCreate, event("HF-1", "Village Clinic", "Community Clinic", "D-1")))

	err := s.reconciler.Apply(s.ctx, payload.OperationCreate, event("HF-2", "Village Clinic", "Hospital", "D-1"))
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeDuplicateName))
	s.Len(s.store.All(), 1)

	s.Run("same name in another district", func() {
		s.Require().NoError(s.reconciler.Apply(s.ctx, payload.OperationCreate, event("HF-3", "Village Clinic", "Hospital", "D-2")))
	})
}

func (s *ReconcilerSuite) TestDuplicateCode() {
	s.Require().NoError(s.reconciler.Apply(s.ctx, payload.OperationCreate, event("HF-1", "A", "Hospital", "D-1")))
	err := s.reconciler.Apply(s.ctx, payload.OperationCreate, event("HF-1", "B", "Hospital", "D-1"))
	s.True(dErrors.HasCode(err, dErrors.CodeDuplicate))
}

func (s *ReconcilerSuite) TestDeniedCodeReuseWritesNothing() {
	deny := mapping.New(s.codes, mapping.WithReusePolicy(mapping.ReuseDeny))
	r := facility.NewReconciler(s.store, deny, facility.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	deny.Register(mapping.KindFacility, r)

	s.Require().NoError(r.Apply(s.ctx, payload.OperationCreate, event("HF-1", "Clinic", "Hospital", "D-1")))
	s.Require().NoError(r.Apply(s.ctx, payload.OperationDelete, &payload.Location{Code: "HF-1"}))
	s.Empty(s.store.All())

	err := r.Apply(s.ctx, payload.OperationCreate, event("HF-1", "Clinic", "Hospital", "D-1"))
	s.True(dErrors.HasCode(err, dErrors.CodeDuplicate), "got %v", err)
	s.Empty(s.store.All())
}

func (s *ReconcilerSuite) TestCreateFailures() {
	cases := []struct {
		name  string
		event *payload.Location
		code  dErrors.Code
	}{
		{"unknown type", event("HF-9", "X", "Pharmacy", "D-1"), dErrors.CodeUnknownType},
		{"unmapped district", event("HF-9", "X", "Hospital", "D-404"), dErrors.CodeUnresolvedParent},
		{"broken ancestor chain", &payload.Location{Code: "HF-9", Type: "Hospital", Parent: &payload.Location{Code: "V-1"}}, dErrors.CodeStructural},
	}
	for _, tc := range cases {
		s.Run(tc.name, func() {
			err := s.reconciler.Apply(s.ctx, payload.OperationCreate, tc.event)
			s.True(dErrors.HasCode(err, tc.code), "got %v", err)
			s.Empty(s.store.All())
		})
	}
}

func (s *ReconcilerSuite) TestDistrictMustBeMappedAtDistrictLevel() {
	// A ward code in the district slot is not a district.
	l := event("HF-9", "X", "Hospital", "D-1")
	l.Parent.Parent.Parent.Code = "W-2"
	err := s.reconciler.Apply(s.ctx, payload.OperationCreate, l)
	s.True(dErrors.HasCode(err, dErrors.CodeUnresolvedParent))
}

func (s *ReconcilerSuite) TestUpdate() {
	s.Require().NoError(s.reconciler.Apply(s.ctx, payload.OperationCreate, event("HF-1", "Clinic", "Village OPD", "D-1")))
	before := s.facility("HF-1")

	later := requestcontext.WithTime(s.ctx, time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC))
	s.Require().NoError(s.reconciler.Apply(later, payload.OperationUpdate, event("HF-1", "General Hospital", "Hospital", "D-2")))

	after := s.facility("HF-1")
	s.Equal(before.ID, after.ID)
	s.Equal("General Hospital", after.Name)
	s.Equal(facility.CareHospital, after.CareLevel)
	s.Equal(s.districts["D-2"], after.LocationID)

	history, err := s.store.History(s.ctx, after.ID)
	s.Require().NoError(err)
	s.Require().Len(history, 1)
	s.Equal("Clinic", history[0].Name)
	s.Equal(s.districts["D-1"], history[0].LocationID)

	s.Run("rename onto a taken name", func() {
		s.Require().NoError(s.reconciler.Apply(s.ctx, payload.OperationCreate, event("HF-2", "Other", "Hospital", "D-2")))
		err := s.reconciler.Apply(s.ctx, payload.OperationUpdate, event("HF-2", "General Hospital", "Hospital", "D-2"))
		s.True(dErrors.HasCode(err, dErrors.CodeDuplicateName))
	})
}

func (s *ReconcilerSuite) TestUnmapped() {
	err := s.reconciler.Apply(s.ctx, payload.OperationUpdate, event("HF-7", "X", "Hospital", "D-1"))
	s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
	err = s.reconciler.Apply(s.ctx, payload.OperationDelete, event("HF-7", "X", "Hospital", "D-1"))
	s.True(dErrors.HasCode(err, dErrors.CodeNotFound))

	s.Run("initial load creates on update", func() {
		r := facility.NewReconciler(s.store, s.mappings, facility.WithLoadMode(location.LoadInitial))
		s.Require().NoError(r.Apply(s.ctx, payload.OperationUpdate, event("HF-7", "X", "Hospital", "D-1")))
		s.Equal("X", s.facility("HF-7").Name)
	})
}

func (s *ReconcilerSuite) TestDelete() {
	s.Require().NoError(s.reconciler.Apply(s.ctx, payload.OperationCreate, event("HF-1", "Clinic", "Hospital", "D-1")))
	id := s.facility("HF-1").ID

	s.Require().NoError(s.reconciler.Apply(s.ctx, payload.OperationDelete, &payload.Location{Code: "HF-1"}))

	_, err := s.mappings.Lookup(s.ctx, mapping.KindFacility, "HF-1", "")
	s.True(errors.Is(err, sentinel.ErrNotFound))
	_, err = s.store.FindByID(s.ctx, id)
	s.True(errors.Is(err, sentinel.ErrNotFound))

	s.Run("name is free again", func() {
		s.Require().NoError(s.reconciler.Apply(s.ctx, payload.OperationCreate, event("HF-4", "Clinic", "Hospital", "D-1")))
	})
}

func TestCareLevelForType(t *testing.T) {
	cases := map[string]facility.CareLevel{
		"Community Clinic":    facility.CareDispensary,
		"Commmunity Clinic":   facility.CareDispensary,
		"Comunity Clinic":     facility.CareDispensary,
		"Village OPD":         facility.CareDispensary,
		"Minor Health Centre": facility.CareHealthCenter,
		"Major Health Centre": facility.CareHealthCenter,
		"Hospital":            facility.CareHospital,
	}
	for facilityType, want := range cases {
		got, err := facility.CareLevelForType(facilityType)
		assert.NoError(t, err, facilityType)
		assert.Equal(t, want, got, facilityType)
	}

	_, err := facility.CareLevelForType("hospital")
	assert.True(t, dErrors.HasCode(err, dErrors.CodeUnknownType))
}
