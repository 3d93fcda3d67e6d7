package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/localnerve/menusync/internal/logging"
	"github.com/localnerve/menusync/internal/menu"
	"github.com/localnerve/menusync/internal/metrics"
	"github.com/localnerve/menusync/internal/models"
	"github.com/localnerve/menusync/internal/policy"
	"github.com/localnerve/menusync/internal/store"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/localnerve/menusync/internal/services")

var (
	// ErrNoChanges is returned when a state commit does not differ from the current master
	ErrNoChanges = errors.New("no changes to commit")
	// ErrInvalidVersion is returned for a version the master menu has not reached
	ErrInvalidVersion = errors.New("invalid version")
)

// MenuService is the master menu authoring edge.
type MenuService struct {
	store  store.Store
	logger *logrus.Logger
}

// NewMenuService builds a MenuService
func NewMenuService(st store.Store, logger *logrus.Logger) *MenuService {
	if logger == nil {
		logger = logging.Discard()
	}
	return &MenuService{store: st, logger: logger}
}

// CreateMasterMenuInput creates an empty master menu.
type CreateMasterMenuInput struct {
	FranchiseID string         `json:"franchise_id" validate:"required,max=64"`
	Name        string         `json:"name" validate:"required,max=255"`
	SyncPolicy  *policy.Policy `json:"sync_policy,omitempty"`
}

// CreateMasterMenu creates a master menu at version 0
func (s *MenuService) CreateMasterMenu(ctx context.Context, in CreateMasterMenuInput) (*models.MasterMenu, []policy.Problem, error) {
	var problems []policy.Problem
	if in.SyncPolicy != nil {
		problems = in.SyncPolicy.Validate()
		s.warnPolicy(0, problems)
	}
	mm, err := s.store.CreateMasterMenu(ctx, in.FranchiseID, in.Name, in.SyncPolicy)
	if err != nil {
		return nil, nil, err
	}
	return mm, problems, nil
}

// GetMasterMenu loads a master menu
func (s *MenuService) GetMasterMenu(ctx context.Context, masterMenuID uint64) (*models.MasterMenu, error) {
	return s.store.GetMasterMenu(ctx, masterMenuID)
}

// ListMasterMenus lists the master menus of a franchise
func (s *MenuService) ListMasterMenus(ctx context.Context, franchiseID string) ([]models.MasterMenu, error) {
	return s.store.ListMasterMenus(ctx, franchiseID)
}

// Commit appends an authored change batch as the next version
func (s *MenuService) Commit(ctx context.Context, in store.CommitInput) (uint64, error) {
	ctx, span := tracer.Start(ctx, "services.Commit", trace.WithAttributes(
		attribute.Int64("master_menu_id", int64(in.MasterMenuID)),
		attribute.String("change_type", in.ChangeType),
		attribute.Int("changes", len(in.Changes)),
	))
	defer span.End()

	version, err := s.store.Commit(ctx, in)
	metrics.VersionCommits.WithLabelValues(commitResult(err)).Inc()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if !errors.Is(err, store.ErrVersionConflict) && !errors.Is(err, store.ErrStaleChange) {
			logging.LogError(s.logger, "services", "Commit", "commit failed", logrus.Fields{
				"master_menu_id": in.MasterMenuID,
				"change_type":    in.ChangeType,
			}, err)
		}
		return 0, err
	}

	span.SetAttributes(attribute.Int64("version", int64(version)))
	s.logger.WithFields(logrus.Fields{
		"master_menu_id": in.MasterMenuID,
		"version":        version,
		"change_type":    in.ChangeType,
		"changes":        len(in.Changes),
		"actor":          in.Actor,
	}).Info("master menu version committed")
	return version, nil
}

func commitResult(err error) string {
	switch {
	case err == nil:
		return "committed"
	case errors.Is(err, store.ErrVersionConflict):
		return "conflict"
	case errors.Is(err, store.ErrStaleChange):
		return "stale"
	}
	return "error"
}

// CommitStateInput describes the desired master menu instead of the edits.
type CommitStateInput struct {
	MasterMenuID uint64 `validate:"required"`
	// ExpectedVersion is the version the caller edited. Nil diffs against the
	// current version.
	ExpectedVersion *uint64
	State           *menu.State `validate:"required"`
	ChangeType      string
	Summary         string
	Actor           string
}

// CommitState diffs the desired state against the master at the base version and
// commits the result. The commit is guarded by the base version, so an edit made
// against an older version fails with store.ErrVersionConflict.
func (s *MenuService) CommitState(ctx context.Context, in CommitStateInput) (uint64, error) {
	if in.State == nil {
		return 0, fmt.Errorf("%w: a menu state is required", menu.ErrMalformedChange)
	}
	mm, err := s.store.GetMasterMenu(ctx, in.MasterMenuID)
	if err != nil {
		return 0, err
	}
	base := mm.CurrentVersion
	if in.ExpectedVersion != nil {
		if *in.ExpectedVersion != base {
			return 0, fmt.Errorf("%w: expected version %d, master is at %d", store.ErrVersionConflict, *in.ExpectedVersion, base)
		}
	}

	current, err := s.store.StateAt(ctx, in.MasterMenuID, base)
	if err != nil {
		return 0, err
	}
	changes := menu.Diff(current, in.State)
	if len(changes) == 0 {
		return 0, ErrNoChanges
	}

	changeType := in.ChangeType
	if changeType == "" {
		changeType = "edit"
	}
	return s.Commit(ctx, store.CommitInput{
		MasterMenuID:    in.MasterMenuID,
		ChangeType:      changeType,
		Summary:         in.Summary,
		Changes:         changes,
		Actor:           in.Actor,
		ExpectedVersion: &base,
	})
}

// RevertMaster commits a new version that restores the state of toVersion.
// History is never rewritten; branches receive the revert as a normal version.
func (s *MenuService) RevertMaster(ctx context.Context, masterMenuID, toVersion uint64, actor string) (uint64, error) {
	mm, err := s.store.GetMasterMenu(ctx, masterMenuID)
	if err != nil {
		return 0, err
	}
	if toVersion >= mm.CurrentVersion {
		return 0, fmt.Errorf("%w: can only revert to a version before %d", ErrInvalidVersion, mm.CurrentVersion)
	}
	target, err := s.store.StateAt(ctx, masterMenuID, toVersion)
	if err != nil {
		return 0, err
	}
	current := mm.CurrentVersion
	return s.CommitState(ctx, CommitStateInput{
		MasterMenuID:    masterMenuID,
		ExpectedVersion: &current,
		State:           target,
		ChangeType:      "revert",
		Summary:         fmt.Sprintf("revert to version %d", toVersion),
		Actor:           actor,
	})
}

// StateAt returns the master menu as of version. Nil means the current version.
func (s *MenuService) StateAt(ctx context.Context, masterMenuID uint64, version *uint64) (uint64, *menu.State, error) {
	mm, err := s.store.GetMasterMenu(ctx, masterMenuID)
	if err != nil {
		return 0, nil, err
	}
	v := mm.CurrentVersion
	if version != nil {
		if *version > mm.CurrentVersion {
			return 0, nil, fmt.Errorf("%w: master menu %d is at version %d", ErrInvalidVersion, masterMenuID, mm.CurrentVersion)
		}
		v = *version
	}
	state, err := s.store.StateAt(ctx, masterMenuID, v)
	if err != nil {
		return 0, nil, err
	}
	return v, state, nil
}

// History returns the versions after fromVersion up to toVersion. A zero
// toVersion means the current version.
func (s *MenuService) History(ctx context.Context, masterMenuID, fromVersion, toVersion uint64) ([]store.Version, error) {
	mm, err := s.store.GetMasterMenu(ctx, masterMenuID)
	if err != nil {
		return nil, err
	}
	if toVersion == 0 || toVersion > mm.CurrentVersion {
		toVersion = mm.CurrentVersion
	}
	if fromVersion >= toVersion {
		return []store.Version{}, nil
	}
	return s.store.VersionsSince(ctx, masterMenuID, fromVersion, toVersion)
}

// Policy returns the stored sync policy of a master menu
func (s *MenuService) Policy(ctx context.Context, masterMenuID uint64) (policy.Policy, error) {
	return s.store.Policy(ctx, masterMenuID)
}

// SetPolicy stores a sync policy. Misconfigured entries are kept and reported;
// classification treats them as manual.
func (s *MenuService) SetPolicy(ctx context.Context, masterMenuID uint64, pol policy.Policy) ([]policy.Problem, error) {
	if err := s.store.SetPolicy(ctx, masterMenuID, pol); err != nil {
		return nil, err
	}
	problems := pol.Validate()
	s.warnPolicy(masterMenuID, problems)
	return problems, nil
}

func (s *MenuService) warnPolicy(masterMenuID uint64, problems []policy.Problem) {
	for _, p := range problems {
		s.logger.WithFields(logrus.Fields{
			"master_menu_id": masterMenuID,
			"section":        p.Section,
			"key":            p.Key,
		}).Warn("sync policy entry falls back to manual: " + p.String())
	}
}
