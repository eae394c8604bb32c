// Package person reconciles birth registrations into persons and households.
package person

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"civreg/internal/location"
	"civreg/internal/mapping"
	"civreg/internal/registry"
	dErrors "civreg/pkg/domain-errors"
	"civreg/pkg/platform/sentinel"
	"civreg/pkg/requestcontext"
)

// dobLayout is the registry's date of birth format.
const dobLayout = "2006-01-02"

// Store persists persons and households. Finders return
// sentinel.ErrNotFound on a miss.
type Store interface {
	FindCurrentByNationalID(ctx context.Context, nin string) (*Person, error)
	FindProfession(ctx context.Context, name string) (*Profession, error)
	FindHousehold(ctx context.Context, id int64) (*Household, error)
	CreateHousehold(ctx context.Context, h *Household) error
	MarkEnrolled(ctx context.Context, householdID int64, at time.Time) error
	CreatePerson(ctx context.Context, p *Person) error
	SetHouseholdHead(ctx context.Context, householdID, personID int64) error
	Archive(ctx context.Context, p *Person, at time.Time) (*Version, error)
	Update(ctx context.Context, p *Person) error
	History(ctx context.Context, id int64) ([]Version, error)
}

//go:generate mockgen -source=service.go -destination=mocks/person-mocks.go -package=mocks Fetcher,AutoEnroller

// Fetcher loads person documents from the registry.
type Fetcher interface {
	FetchPerson(ctx context.Context, nin string) (*registry.Person, error)
}

// AutoEnroller enrolls a newly created household into derived programs.
type AutoEnroller interface {
	Enroll(ctx context.Context, p *Person, h *Household) error
}

// VillageLookup resolves registry village codes.
type VillageLookup interface {
	Lookup(ctx context.Context, kind mapping.Kind, code, subKind string) (*mapping.Mapping, error)
}

// Reconciler creates or refreshes the person behind a birth registration.
type Reconciler struct {
	store       Store
	fetcher     Fetcher
	villages    VillageLookup
	enroller    AutoEnroller
	auditUserID int
	logger      *slog.Logger
}

type Option func(*Reconciler)

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

func NewReconciler(store Store, fetcher Fetcher, villages VillageLookup, enroller AutoEnroller, opts ...Option) *Reconciler {
	r := &Reconciler{
		store:       store,
		fetcher:     fetcher,
		villages:    villages,
		enroller:    enroller,
		auditUserID: -1,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Apply fetches the person identified by nin and reconciles it.
func (r *Reconciler) Apply(ctx context.Context, nin string) error {
	doc, err := r.Fetch(ctx, nin)
	if err != nil {
		return err
	}
	return r.Reconcile(ctx, nin, doc)
}

// Fetch loads the registry document for nin. It holds no local state and
// runs outside the event transaction.
func (r *Reconciler) Fetch(ctx context.Context, nin string) (*registry.Person, error) {
	if nin == "" {
		return nil, dErrors.New(dErrors.CodeStructural, "birth event has no nin")
	}
	return r.fetcher.FetchPerson(ctx, nin)
}

// Reconcile creates or updates the local record from doc. National ids are
// taken as-is; the registry's data quality is not checked here. A household
// whose enrollment failed earlier is enrolled on the next event for its head.
func (r *Reconciler) Reconcile(ctx context.Context, nin string, doc *registry.Person) error {
	fields, err := r.fields(ctx, doc)
	if err != nil {
		return err
	}

	existing, err := r.store.FindCurrentByNationalID(ctx, nin)
	switch {
	case err == nil:
		if err := r.update(ctx, existing, fields); err != nil {
			return err
		}
		return r.enrollPending(ctx, existing)
	case errors.Is(err, sentinel.ErrNotFound):
		return r.create(ctx, nin, doc, fields)
	default:
		return fmt.Errorf("find person %s: %w", nin, err)
	}
}

// fields are the registry-sourced attributes shared by create and update.
type fields struct {
	otherNames   string
	lastName     string
	phone        string
	dob          time.Time
	gender       Gender
	professionID *int64
	extra        []byte
}

func (r *Reconciler) fields(ctx context.Context, doc *registry.Person) (fields, error) {
	dob, err := time.Parse(dobLayout, doc.DateOfBirth)
	if err != nil {
		return fields{}, dErrors.Wrap(err, dErrors.CodeParse, fmt.Sprintf("date of birth %q is not YYYY-MM-DD", doc.DateOfBirth))
	}
	f := fields{
		otherNames: doc.FirstName,
		lastName:   doc.LastName,
		phone:      doc.MobileNumber,
		dob:        dob,
		gender:     GenderFor(doc.Gender),
		extra:      doc.Raw,
	}
	if doc.Occupation != "" {
		profession, err := r.store.FindProfession(ctx, doc.Occupation)
		switch {
		case err == nil:
			f.professionID = &profession.ID
		case errors.Is(err, sentinel.ErrNotFound):
			r.logger.InfoContext(ctx, "occupation not in profession list", "occupation", doc.Occupation)
		default:
			return fields{}, fmt.Errorf("find profession: %w", err)
		}
	}
	return f, nil
}

func (r *Reconciler) update(ctx context.Context, p *Person, f fields) error {
	now := requestcontext.Now(ctx)
	if _, err := r.store.Archive(ctx, p, now); err != nil {
		return fmt.Errorf("archive person %d: %w", p.ID, err)
	}
	p.OtherNames = f.otherNames
	p.LastName = f.lastName
	p.Phone = f.phone
	p.DateOfBirth = f.dob
	p.Gender = f.gender
	p.ProfessionID = f.professionID
	p.Extra = f.extra
	p.ValidityFrom = now
	if err := r.store.Update(ctx, p); err != nil {
		return fmt.Errorf("update person %d: %w", p.ID, err)
	}
	r.logger.InfoContext(ctx, "person updated", "person_id", p.ID)
	return nil
}

func (r *Reconciler) create(ctx context.Context, nin string, doc *registry.Person, f fields) error {
	villageCode := doc.Village()
	if villageCode == "" {
		return dErrors.New(dErrors.CodeUnresolvedVillage, "person "+nin+" has no residential or registration village")
	}
	village, err := r.villages.Lookup(ctx, mapping.KindLocation, villageCode, string(location.LevelVillage))
	if errors.Is(err, sentinel.ErrNotFound) {
		return dErrors.New(dErrors.CodeUnresolvedVillage, "unknown village "+villageCode)
	}
	if err != nil {
		return err
	}

	now := requestcontext.Now(ctx)
	household := &Household{
		VillageID:    village.EntityID,
		AuditUserID:  r.auditUserID,
		ValidityFrom: now,
	}
	if err := r.store.CreateHousehold(ctx, household); err != nil {
		return fmt.Errorf("create household: %w", err)
	}

	p := &Person{
		NationalID:   nin,
		OtherNames:   f.otherNames,
		LastName:     f.lastName,
		Phone:        f.phone,
		DateOfBirth:  f.dob,
		Gender:       f.gender,
		ProfessionID: f.professionID,
		HouseholdID:  household.ID,
		Head:         true,
		Extra:        f.extra,
		AuditUserID:  r.auditUserID,
		ValidityFrom: now,
	}
	if err := r.store.CreatePerson(ctx, p); err != nil {
		return fmt.Errorf("create person: %w", err)
	}
	if err := r.store.SetHouseholdHead(ctx, household.ID, p.ID); err != nil {
		return fmt.Errorf("set household head: %w", err)
	}
	household.HeadID = &p.ID
	r.logger.InfoContext(ctx, "person created",
		"person_id", p.ID,
		"household_id", household.ID,
		"village_code", villageCode,
	)
	return r.enroll(ctx, p, household)
}

// enrollPending enrolls the household headed by p when an earlier attempt
// did not complete.
func (r *Reconciler) enrollPending(ctx context.Context, p *Person) error {
	if !p.Head {
		return nil
	}
	h, err := r.store.FindHousehold(ctx, p.HouseholdID)
	if err != nil {
		return fmt.Errorf("find household %d: %w", p.HouseholdID, err)
	}
	if h.EnrolledAt != nil {
		return nil
	}
	r.logger.InfoContext(ctx, "retrying household enrollment", "household_id", h.ID)
	return r.enroll(ctx, p, h)
}

// enroll hands the household over and records that it was accepted. The
// household stays unenrolled when Enroll fails.
func (r *Reconciler) enroll(ctx context.Context, p *Person, h *Household) error {
	if err := r.enroller.Enroll(ctx, p, h); err != nil {
		return fmt.Errorf("enroll household %d: %w", h.ID, err)
	}
	now := requestcontext.Now(ctx)
	if err := r.store.MarkEnrolled(ctx, h.ID, now); err != nil {
		return fmt.Errorf("mark household %d enrolled: %w", h.ID, err)
	}
	h.EnrolledAt = &now
	return nil
}
