// Package facility reconciles registry health facility events. The registry
// places facilities under villages; they are stored under the district the
// village belongs to.
package facility

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"civreg/internal/location"
	"civreg/internal/mapping"
	"civreg/internal/payload"
	dErrors "civreg/pkg/domain-errors"
	"civreg/pkg/platform/sentinel"
	"civreg/pkg/requestcontext"
)

// Store persists facilities. Update returns sentinel.ErrConflict when the
// new name is taken in the target district.
type Store interface {
	FindByID(ctx context.Context, id int64) (*Facility, error)
	ExistsByNameInLocation(ctx context.Context, name string, locationID int64) (bool, error)
	Create(ctx context.Context, f *Facility) error
	Archive(ctx context.Context, f *Facility, at time.Time) (*Version, error)
	Update(ctx context.Context, f *Facility) error
	AssignCode(ctx context.Context, id int64, code string) error
	Retire(ctx context.Context, id int64, at time.Time) error
	History(ctx context.Context, id int64) ([]Version, error)
}

// Reconciler applies health facility events.
type Reconciler struct {
	store       Store
	mappings    location.Mappings
	mode        location.LoadMode
	auditUserID int
	logger      *slog.Logger
}

type Option func(*Reconciler)

func WithLoadMode(mode location.LoadMode) Option {
	return func(r *Reconciler) {
		r.mode = mode
	}
}

func WithAuditUser(id int) Option {
	return func(r *Reconciler) {
		r.auditUserID = id
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(r *Reconciler) {
		r.logger = logger
	}
}

func NewReconciler(store Store, mappings location.Mappings, opts ...Option) *Reconciler {
	r := &Reconciler{
		store:       store,
		mappings:    mappings,
		mode:        location.LoadLive,
		auditUserID: -1,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Apply performs op for the facility described by loc.
func (r *Reconciler) Apply(ctx context.Context, op payload.Operation, loc *payload.Location) error {
	switch op {
	case payload.OperationCreate:
		return r.create(ctx, loc)
	case payload.OperationUpdate:
		return r.update(ctx, loc)
	case payload.OperationDelete:
		return r.delete(ctx, loc)
	default:
		return dErrors.New(dErrors.CodeValidation, "unknown operation "+string(op))
	}
}

func (r *Reconciler) create(ctx context.Context, loc *payload.Location) error {
	level, districtID, err := r.resolve(ctx, loc)
	if err != nil {
		return err
	}
	if err := r.mappings.Available(ctx, mapping.KindFacility, loc.Code); err != nil {
		return err
	}

	name := loc.EnglishName()
	taken, err := r.store.ExistsByNameInLocation(ctx, name, districtID)
	if err != nil {
		return fmt.Errorf("check facility name: %w", err)
	}
	if taken {
		return duplicateName(name, districtID)
	}

	f := &Facility{
		Name:         name,
		CareLevel:    level,
		LegalForm:    LegalFormGovernment,
		CareType:     CareTypeBoth,
		LocationID:   districtID,
		AuditUserID:  r.auditUserID,
		ValidityFrom: requestcontext.Now(ctx),
	}
	if err := r.store.Create(ctx, f); err != nil {
		if errors.Is(err, sentinel.ErrConflict) {
			return duplicateName(name, districtID)
		}
		return fmt.Errorf("create facility %s: %w", loc.Code, err)
	}
	m, err := r.mappings.Create(ctx, mapping.KindFacility, loc.Code, f.ID, "")
	if err != nil {
		return err
	}
	f.Code = m.DerivedCode()
	if err := r.store.AssignCode(ctx, f.ID, f.Code); err != nil {
		return fmt.Errorf("assign code to facility %d: %w", f.ID, err)
	}

	r.logger.InfoContext(ctx, "health facility created",
		"external_code", loc.Code,
		"code", f.Code,
		"care_level", level,
		"district_id", districtID,
	)
	return nil
}

func (r *Reconciler) update(ctx context.Context, loc *payload.Location) error {
	level, districtID, err := r.resolve(ctx, loc)
	if err != nil {
		return err
	}
	m, err := r.mappings.Lookup(ctx, mapping.KindFacility, loc.Code, "")
	if errors.Is(err, sentinel.ErrNotFound) {
		if r.mode == location.LoadInitial {
			r.logger.InfoContext(ctx, "update of unknown health facility treated as create", "external_code", loc.Code)
			return r.create(ctx, loc)
		}
		return dErrors.New(dErrors.CodeNotFound, "health facility "+loc.Code+" does not exist")
	}
	if err != nil {
		return err
	}

	f, err := r.store.FindByID(ctx, m.EntityID)
	if err != nil {
		return fmt.Errorf("load facility %d: %w", m.EntityID, err)
	}
	name := loc.EnglishName()
	if name != f.Name || districtID != f.LocationID {
		taken, err := r.store.ExistsByNameInLocation(ctx, name, districtID)
		if err != nil {
			return fmt.Errorf("check facility name: %w", err)
		}
		if taken {
			return duplicateName(name, districtID)
		}
	}

	now := requestcontext.Now(ctx)
	if _, err := r.store.Archive(ctx, f, now); err != nil {
		return fmt.Errorf("archive facility %d: %w", f.ID, err)
	}
	f.Name = name
	f.CareLevel = level
	f.LocationID = districtID
	f.LegalForm = LegalFormGovernment
	f.ValidityFrom = now
	if err := r.store.Update(ctx, f); err != nil {
		if errors.Is(err, sentinel.ErrConflict) {
			return duplicateName(name, districtID)
		}
		return fmt.Errorf("update facility %d: %w", f.ID, err)
	}

	r.logger.InfoContext(ctx, "health facility updated", "external_code", loc.Code, "code", f.Code)
	return nil
}

func (r *Reconciler) delete(ctx context.Context, loc *payload.Location) error {
	m, err := r.mappings.Lookup(ctx, mapping.KindFacility, loc.Code, "")
	if errors.Is(err, sentinel.ErrNotFound) {
		if r.mode == location.LoadInitial {
			r.logger.WarnContext(ctx, "skipping delete of unknown health facility", "external_code", loc.Code)
		}
		return dErrors.New(dErrors.CodeNotFound, "health facility "+loc.Code+" does not exist")
	}
	if err != nil {
		return err
	}
	if err := r.mappings.SoftDelete(ctx, m); err != nil {
		return err
	}
	r.logger.InfoContext(ctx, "health facility deleted", "external_code", loc.Code)
	return nil
}

// Retire closes the validity of a facility when its mapping is deleted.
func (r *Reconciler) Retire(ctx context.Context, id int64) error {
	if err := r.store.Retire(ctx, id, requestcontext.Now(ctx)); err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return dErrors.New(dErrors.CodeNotFound, fmt.Sprintf("health facility %d is not current", id))
		}
		return err
	}
	return nil
}

// resolve derives the care level and the district node from the payload's
// ancestor chain.
func (r *Reconciler) resolve(ctx context.Context, loc *payload.Location) (CareLevel, int64, error) {
	level, err := CareLevelForType(loc.Type)
	if err != nil {
		return "", 0, err
	}
	ancestry, err := loc.Ancestry()
	if err != nil {
		return "", 0, err
	}
	m, err := r.mappings.Lookup(ctx, mapping.KindLocation, ancestry.District.Code, string(location.LevelDistrict))
	if errors.Is(err, sentinel.ErrNotFound) {
		return "", 0, dErrors.New(dErrors.CodeUnresolvedParent, "unknown district "+ancestry.District.Code)
	}
	if err != nil {
		return "", 0, err
	}
	return level, m.EntityID, nil
}

func duplicateName(name string, districtID int64) error {
	return dErrors.New(dErrors.CodeDuplicateName,
		fmt.Sprintf("a health facility named %q already exists in district %d", name, districtID))
}
