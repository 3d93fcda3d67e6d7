package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/localnerve/menusync/internal/menu"
	"github.com/localnerve/menusync/internal/models"
	"github.com/localnerve/menusync/internal/policy"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
	"gorm.io/hints"
)

// CreateMasterMenu creates a master menu at version 0
func (s *GormStore) CreateMasterMenu(ctx context.Context, franchiseID, name string, pol *policy.Policy) (*models.MasterMenu, error) {
	mm := models.MasterMenu{FranchiseID: franchiseID, Name: name}
	if pol != nil {
		data, err := models.NewJSON(pol)
		if err != nil {
			return nil, err
		}
		mm.SyncPolicy = data
	}
	if err := s.db.WithContext(ctx).Create(&mm).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, fmt.Errorf("master menu %s/%s: %w", franchiseID, name, ErrDuplicate)
		}
		return nil, err
	}
	return &mm, nil
}

// GetMasterMenu loads a master menu
func (s *GormStore) GetMasterMenu(ctx context.Context, masterMenuID uint64) (*models.MasterMenu, error) {
	var mm models.MasterMenu
	if err := s.quiet(ctx).First(&mm, masterMenuID).Error; err != nil {
		return nil, notFound(err, "master menu %d", masterMenuID)
	}
	return &mm, nil
}

// ListMasterMenus lists the master menus of a franchise, or all of them when franchiseID is empty
func (s *GormStore) ListMasterMenus(ctx context.Context, franchiseID string) ([]models.MasterMenu, error) {
	var menus []models.MasterMenu
	q := s.quiet(ctx).Order("master_menu_id")
	if franchiseID != "" {
		q = q.Where("franchise_id = ?", franchiseID)
	}
	if err := q.Find(&menus).Error; err != nil {
		return nil, err
	}
	return menus, nil
}

// Policy returns the sync policy stored on the master menu. An unset policy is empty.
func (s *GormStore) Policy(ctx context.Context, masterMenuID uint64) (policy.Policy, error) {
	mm, err := s.GetMasterMenu(ctx, masterMenuID)
	if err != nil {
		return policy.Policy{}, err
	}
	var pol policy.Policy
	if err := mm.SyncPolicy.Decode(&pol); err != nil {
		return policy.Policy{}, fmt.Errorf("master menu %d has an unreadable sync policy: %w", masterMenuID, err)
	}
	return pol, nil
}

// SetPolicy replaces the stored sync policy
func (s *GormStore) SetPolicy(ctx context.Context, masterMenuID uint64, pol policy.Policy) error {
	data, err := models.NewJSON(pol)
	if err != nil {
		return err
	}
	res := s.db.WithContext(ctx).Model(&models.MasterMenu{}).
		Where("master_menu_id = ?", masterMenuID).
		Update("sync_policy", data)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("master menu %d: %w", masterMenuID, ErrNotFound)
	}
	return nil
}

// Commit appends a version. The master row is locked and the counter moves with a
// compare-and-swap, so concurrent commits never share a version number.
func (s *GormStore) Commit(ctx context.Context, in CommitInput) (uint64, error) {
	if err := s.validate.Struct(in); err != nil {
		return 0, err
	}
	if err := menu.CheckPrices(in.Changes); err != nil {
		return 0, err
	}

	attempts := 1
	if in.ExpectedVersion == nil {
		attempts = s.opts.CommitRetries
	}

	var err error
	for i := 0; i < attempts; i++ {
		var next uint64
		next, err = s.commitOnce(ctx, in)
		if err == nil {
			return next, nil
		}
		if !errors.Is(err, ErrVersionConflict) {
			return 0, err
		}
	}
	return 0, err
}

func (s *GormStore) commitOnce(ctx context.Context, in CommitInput) (uint64, error) {
	var next uint64

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var mm models.MasterMenu
		if err := tx.Session(&gorm.Session{Logger: tx.Logger.LogMode(logger.Silent)}).
			Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&mm, in.MasterMenuID).Error; err != nil {
			return notFound(err, "master menu %d", in.MasterMenuID)
		}

		if in.ExpectedVersion != nil && *in.ExpectedVersion != mm.CurrentVersion {
			return fmt.Errorf("%w: expected version %d, master is at %d", ErrVersionConflict, *in.ExpectedVersion, mm.CurrentVersion)
		}

		state, err := s.withTx(tx).StateAt(ctx, mm.MasterMenuID, mm.CurrentVersion)
		if err != nil {
			return err
		}
		if err := menu.ApplyStrict(state, in.Changes); err != nil {
			return fmt.Errorf("%w: %w", ErrStaleChange, err)
		}

		next = mm.CurrentVersion + 1
		changes, err := models.NewJSON(in.Changes)
		if err != nil {
			return err
		}
		row := models.MasterMenuVersion{
			MasterMenuID:  mm.MasterMenuID,
			VersionNumber: next,
			ChangeType:    in.ChangeType,
			ChangeSummary: in.Summary,
			ChangesData:   changes,
			CreatedBy:     in.Actor,
		}
		if s.opts.SnapshotCadence > 0 && next%s.opts.SnapshotCadence == 0 {
			snap, err := models.NewJSON(state)
			if err != nil {
				return err
			}
			row.Snapshot = snap
			row.HasSnapshot = true
		}

		if err := tx.Create(&row).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return fmt.Errorf("%w: version %d already exists", ErrVersionConflict, next)
			}
			return err
		}

		result := tx.Model(&models.MasterMenu{}).
			Where("master_menu_id = ? AND current_version = ?", mm.MasterMenuID, mm.CurrentVersion).
			Update("current_version", next)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("%w: failed to advance master menu %d due to concurrent modification", ErrVersionConflict, mm.MasterMenuID)
		}
		return nil
	})

	return next, err
}

// GetVersion loads one version
func (s *GormStore) GetVersion(ctx context.Context, masterMenuID, version uint64) (*Version, error) {
	var row models.MasterMenuVersion
	if err := s.quiet(ctx).
		Where("master_menu_id = ? AND version_number = ?", masterMenuID, version).
		First(&row).Error; err != nil {
		return nil, notFound(err, "version %d of master menu %d", version, masterMenuID)
	}
	return decodeVersion(row)
}

// VersionsSince returns versions (fromVersion, toVersion] in ascending order
func (s *GormStore) VersionsSince(ctx context.Context, masterMenuID, fromVersion, toVersion uint64) ([]Version, error) {
	if toVersion <= fromVersion {
		return nil, nil
	}
	var rows []models.MasterMenuVersion
	if err := s.quiet(ctx).
		Clauses(hints.CommentBefore("select", "menusync:versions_since")).
		Where("master_menu_id = ? AND version_number > ? AND version_number <= ?", masterMenuID, fromVersion, toVersion).
		Order("version_number").
		Find(&rows).Error; err != nil {
		return nil, err
	}

	versions := make([]Version, 0, len(rows))
	for _, row := range rows {
		v, err := decodeVersion(row)
		if err != nil {
			return nil, err
		}
		versions = append(versions, *v)
	}
	return versions, nil
}

// Snapshot returns the nearest snapshot at or before version plus the residual
// versions after it. Without any snapshot the base is the empty menu at version 0.
func (s *GormStore) Snapshot(ctx context.Context, masterMenuID, version uint64) (*SnapshotPoint, error) {
	mm, err := s.GetMasterMenu(ctx, masterMenuID)
	if err != nil {
		return nil, err
	}
	if version > mm.CurrentVersion {
		return nil, fmt.Errorf("version %d of master menu %d: %w", version, masterMenuID, ErrNotFound)
	}

	point := &SnapshotPoint{State: menu.NewState()}

	var row models.MasterMenuVersion
	err = s.quiet(ctx).
		Clauses(hints.CommentBefore("select", "menusync:nearest_snapshot")).
		Where("master_menu_id = ? AND has_snapshot = ? AND version_number <= ?", masterMenuID, true, version).
		Order("version_number DESC").
		First(&row).Error
	switch {
	case err == nil:
		state := menu.NewState()
		if err := row.Snapshot.Decode(state); err != nil {
			return nil, fmt.Errorf("snapshot %d of master menu %d: %w", row.VersionNumber, masterMenuID, err)
		}
		point.Version = row.VersionNumber
		point.State = state.Clone()
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return nil, err
	}

	point.Residual, err = s.VersionsSince(ctx, masterMenuID, point.Version, version)
	if err != nil {
		return nil, err
	}
	return point, nil
}

// LatestSnapshotIn returns the newest snapshot version in (after, upTo]
func (s *GormStore) LatestSnapshotIn(ctx context.Context, masterMenuID, after, upTo uint64) (uint64, bool, error) {
	var row models.MasterMenuVersion
	err := s.quiet(ctx).
		Clauses(hints.CommentBefore("select", "menusync:latest_snapshot")).
		Select("version_number").
		Where("master_menu_id = ? AND has_snapshot = ? AND version_number > ? AND version_number <= ?", masterMenuID, true, after, upTo).
		Order("version_number DESC").
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return row.VersionNumber, true, nil
}

// StateAt materializes the master menu at version
func (s *GormStore) StateAt(ctx context.Context, masterMenuID, version uint64) (*menu.State, error) {
	point, err := s.Snapshot(ctx, masterMenuID, version)
	if err != nil {
		return nil, err
	}
	state := point.State
	for _, v := range point.Residual {
		if err := menu.Apply(state, v.Changes); err != nil {
			return nil, fmt.Errorf("replaying version %d of master menu %d: %w", v.Number, masterMenuID, err)
		}
	}
	return state, nil
}

func decodeVersion(row models.MasterMenuVersion) (*Version, error) {
	v := &Version{
		Number:     row.VersionNumber,
		ChangeType: row.ChangeType,
		Summary:    row.ChangeSummary,
		CreatedBy:  row.CreatedBy,
		CreatedAt:  row.CreatedAt,
	}
	if err := row.ChangesData.Decode(&v.Changes); err != nil {
		return nil, fmt.Errorf("version %d: %w", row.VersionNumber, err)
	}
	if row.HasSnapshot {
		state := menu.NewState()
		if err := row.Snapshot.Decode(state); err != nil {
			return nil, fmt.Errorf("version %d snapshot: %w", row.VersionNumber, err)
		}
		v.Snapshot = state.Clone()
	}
	return v, nil
}
