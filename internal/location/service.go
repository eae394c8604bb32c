// Package location reconciles registry location events into the four-level
// administrative tree.
package location

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"civreg/internal/mapping"
	"civreg/internal/payload"
	dErrors "civreg/pkg/domain-errors"
	"civreg/pkg/platform/sentinel"
	"civreg/pkg/requestcontext"
)

// Store persists location nodes. Lookups return sentinel.ErrNotFound when no
// current node matches, except FindAnyByID which also sees retired nodes.
type Store interface {
	FindByID(ctx context.Context, id int64) (*Node, error)
	FindAnyByID(ctx context.Context, id int64) (*Node, error)
	FindRoot(ctx context.Context, name string) (*Node, error)
	Create(ctx context.Context, n *Node) error
	Archive(ctx context.Context, n *Node, at time.Time) (*NodeVersion, error)
	Update(ctx context.Context, n *Node) error
	AssignCode(ctx context.Context, id int64, code string) error
	Retire(ctx context.Context, id int64, at time.Time) error
	History(ctx context.Context, id int64) ([]NodeVersion, error)
}

// Mappings is the subset of the mapping service the reconcilers use.
type Mappings interface {
	Lookup(ctx context.Context, kind mapping.Kind, code, subKind string) (*mapping.Mapping, error)
	Available(ctx context.Context, kind mapping.Kind, code string) error
	Create(ctx context.Context, kind mapping.Kind, code string, entityID int64, subKind string) (*mapping.Mapping, error)
	SoftDelete(ctx context.Context, m *mapping.Mapping) error
}

// Reconciler applies location events.
type Reconciler struct {
	store       Store
	mappings    Mappings
	mode        LoadMode
	rootName    string
	auditUserID int
	logger      *slog.Logger
}

type Option func(*Reconciler)

func WithLoadMode(mode LoadMode) Option {
	return func(r *Reconciler) {
		r.mode = mode
	}
}

// WithRootName sets the name of the region every district hangs from.
func WithRootName(name string) Option {
	return func(r *Reconciler) {
		r.rootName = name
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

func NewReconciler(store Store, mappings Mappings, opts ...Option) *Reconciler {
	r := &Reconciler{
		store:       store,
		mappings:    mappings,
		mode:        LoadLive,
		rootName:    "The Gambia",
		auditUserID: -1,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Apply performs op for the location loc declared at level.
func (r *Reconciler) Apply(ctx context.Context, op payload.Operation, level Level, loc *payload.Location) error {
	if level.Parent() == "" {
		return dErrors.New(dErrors.CodeValidation, "level "+string(level)+" is not managed by registry events")
	}
	switch op {
	case payload.OperationCreate:
		return r.create(ctx, level, loc)
	case payload.OperationUpdate:
		return r.update(ctx, level, loc)
	case payload.OperationDelete:
		return r.delete(ctx, loc)
	default:
		return dErrors.New(dErrors.CodeValidation, "unknown operation "+string(op))
	}
}

func (r *Reconciler) create(ctx context.Context, level Level, loc *payload.Location) error {
	if err := r.mappings.Available(ctx, mapping.KindLocation, loc.Code); err != nil {
		return err
	}

	parent, err := r.resolveParent(ctx, level, loc)
	if err != nil {
		return err
	}
	if parent.Level != level.Parent() {
		return dErrors.New(dErrors.CodeLevelMismatch,
			fmt.Sprintf("location %s at level %s cannot hang from a level %s parent", loc.Code, level, parent.Level))
	}

	node := &Node{
		Name:         r.name(ctx, loc),
		Level:        level,
		ParentID:     &parent.ID,
		AuditUserID:  r.auditUserID,
		ValidityFrom: requestcontext.Now(ctx),
	}
	if err := r.store.Create(ctx, node); err != nil {
		return fmt.Errorf("create location %s: %w", loc.Code, err)
	}
	m, err := r.mappings.Create(ctx, mapping.KindLocation, loc.Code, node.ID, string(level))
	if err != nil {
		return err
	}
	node.Code = m.DerivedCode()
	if err := r.store.AssignCode(ctx, node.ID, node.Code); err != nil {
		return fmt.Errorf("assign code to location %d: %w", node.ID, err)
	}

	r.logger.InfoContext(ctx, "location created",
		"external_code", loc.Code,
		"code", node.Code,
		"level", level,
		"parent_id", parent.ID,
	)
	return nil
}

func (r *Reconciler) update(ctx context.Context, level Level, loc *payload.Location) error {
	m, err := r.mappings.Lookup(ctx, mapping.KindLocation, loc.Code, "")
	if errors.Is(err, sentinel.ErrNotFound) {
		if r.mode == LoadInitial {
			r.logger.InfoContext(ctx, "update of unknown location treated as create", "external_code", loc.Code)
			return r.create(ctx, level, loc)
		}
		return dErrors.New(dErrors.CodeNotFound, "location "+loc.Code+" does not exist")
	}
	if err != nil {
		return err
	}

	parent, err := r.resolveParent(ctx, level, loc)
	if err != nil {
		return err
	}
	node, err := r.store.FindByID(ctx, m.EntityID)
	if err != nil {
		return fmt.Errorf("load location %d: %w", m.EntityID, err)
	}
	if node.Level != level {
		return dErrors.New(dErrors.CodeLevelMismatch,
			fmt.Sprintf("location %s is stored at level %s, event declares %s", loc.Code, node.Level, level))
	}
	if node.ParentID != nil && *node.ParentID != parent.ID {
		// The old parent may have been deleted since; its level still counts.
		oldParent, err := r.store.FindAnyByID(ctx, *node.ParentID)
		if err != nil {
			return fmt.Errorf("load parent %d: %w", *node.ParentID, err)
		}
		if oldParent.Level != parent.Level {
			return dErrors.New(dErrors.CodeHierarchyMove,
				fmt.Sprintf("location %s cannot move from a level %s parent to a level %s parent", loc.Code, oldParent.Level, parent.Level))
		}
	}

	now := requestcontext.Now(ctx)
	if _, err := r.store.Archive(ctx, node, now); err != nil {
		return fmt.Errorf("archive location %d: %w", node.ID, err)
	}
	node.Name = r.name(ctx, loc)
	node.ParentID = &parent.ID
	node.ValidityFrom = now
	if err := r.store.Update(ctx, node); err != nil {
		return fmt.Errorf("update location %d: %w", node.ID, err)
	}

	r.logger.InfoContext(ctx, "location updated", "external_code", loc.Code, "code", node.Code)
	return nil
}

func (r *Reconciler) delete(ctx context.Context, loc *payload.Location) error {
	m, err := r.mappings.Lookup(ctx, mapping.KindLocation, loc.Code, "")
	if errors.Is(err, sentinel.ErrNotFound) {
		if r.mode == LoadInitial {
			r.logger.WarnContext(ctx, "skipping delete of unknown location", "external_code", loc.Code)
		}
		return dErrors.New(dErrors.CodeNotFound, "location "+loc.Code+" does not exist")
	}
	if err != nil {
		return err
	}
	if err := r.mappings.SoftDelete(ctx, m); err != nil {
		return err
	}
	r.logger.InfoContext(ctx, "location deleted", "external_code", loc.Code)
	return nil
}

// EnsureRoot creates the root region when no current one exists. The
// registry never sends region events, so a fresh database gets it here.
func (r *Reconciler) EnsureRoot(ctx context.Context) (*Node, error) {
	root, err := r.store.FindRoot(ctx, r.rootName)
	if err == nil {
		return root, nil
	}
	if !errors.Is(err, sentinel.ErrNotFound) {
		return nil, fmt.Errorf("load root region: %w", err)
	}
	root = &Node{
		Name:         r.rootName,
		Level:        LevelRegion,
		AuditUserID:  r.auditUserID,
		ValidityFrom: requestcontext.Now(ctx),
	}
	if err := r.store.Create(ctx, root); err != nil {
		return nil, fmt.Errorf("create root region: %w", err)
	}
	r.logger.InfoContext(ctx, "root region created", "name", r.rootName, "location_id", root.ID)
	return root, nil
}

// Retire closes the validity of a node. The mapping service calls it when a
// location mapping is soft deleted.
func (r *Reconciler) Retire(ctx context.Context, id int64) error {
	if err := r.store.Retire(ctx, id, requestcontext.Now(ctx)); err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return dErrors.New(dErrors.CodeNotFound, fmt.Sprintf("location %d is not current", id))
		}
		return err
	}
	return nil
}

// resolveParent finds the node loc hangs from. Districts hang from the root
// region; every other level names its parent in the payload.
func (r *Reconciler) resolveParent(ctx context.Context, level Level, loc *payload.Location) (*Node, error) {
	if level == LevelDistrict {
		root, err := r.store.FindRoot(ctx, r.rootName)
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeStructural, "can't find the "+r.rootName+" region")
		}
		if err != nil {
			return nil, fmt.Errorf("load root region: %w", err)
		}
		return root, nil
	}

	code, err := loc.ParentCode()
	if err != nil {
		return nil, err
	}
	m, err := r.mappings.Lookup(ctx, mapping.KindLocation, code, "")
	if errors.Is(err, sentinel.ErrNotFound) {
		return nil, dErrors.New(dErrors.CodeUnresolvedParent, "unknown parent location "+code)
	}
	if err != nil {
		return nil, err
	}
	parent, err := r.store.FindByID(ctx, m.EntityID)
	if errors.Is(err, sentinel.ErrNotFound) {
		return nil, dErrors.New(dErrors.CodeUnresolvedParent, "parent location "+code+" is no longer current")
	}
	if err != nil {
		return nil, fmt.Errorf("load parent location: %w", err)
	}
	return parent, nil
}

func (r *Reconciler) name(ctx context.Context, loc *payload.Location) string {
	name := loc.EnglishName()
	if name == "" {
		r.logger.WarnContext(ctx, "location has no ENGLISH name", "external_code", loc.Code)
	}
	return name
}
