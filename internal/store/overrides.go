package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/localnerve/menusync/internal/menu"
	"github.com/localnerve/menusync/internal/models"
	"gorm.io/gorm"
)

// GetOverride loads the override of one branch item
func (s *GormStore) GetOverride(ctx context.Context, branchSyncID uint64, itemID string) (*models.BranchMenuOverride, error) {
	var o models.BranchMenuOverride
	if err := s.quiet(ctx).
		Where("branch_sync_id = ? AND master_item_id = ?", branchSyncID, itemID).
		First(&o).Error; err != nil {
		return nil, notFound(err, "override of item %s on branch sync %d", itemID, branchSyncID)
	}
	return &o, nil
}

// ListOverrides returns every override of a branch keyed by master item id
func (s *GormStore) ListOverrides(ctx context.Context, branchSyncID uint64) (map[string]*models.BranchMenuOverride, error) {
	var rows []models.BranchMenuOverride
	if err := s.quiet(ctx).Where("branch_sync_id = ?", branchSyncID).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make(map[string]*models.BranchMenuOverride, len(rows))
	for i := range rows {
		out[rows[i].MasterItemID] = &rows[i]
	}
	return out, nil
}

// UpsertOverride writes every column of o, creating the row on first use
func (s *GormStore) UpsertOverride(ctx context.Context, o *models.BranchMenuOverride) error {
	if o.BranchSyncID == 0 || o.MasterItemID == "" {
		return fmt.Errorf("override needs a branch sync id and a master item id")
	}
	db := s.db.WithContext(ctx)

	var existing models.BranchMenuOverride
	err := db.Where("branch_sync_id = ? AND master_item_id = ?", o.BranchSyncID, o.MasterItemID).First(&existing).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return db.Create(o).Error
	case err != nil:
		return err
	}

	o.OverrideID = existing.OverrideID
	o.CreatedAt = existing.CreatedAt
	return db.Save(o).Error
}

// ClearOverrideField drops the stored value and lock of one field. An override
// left with nothing in it is deleted.
func (s *GormStore) ClearOverrideField(ctx context.Context, branchSyncID uint64, itemID string, field menu.Field) error {
	o, err := s.GetOverride(ctx, branchSyncID, itemID)
	if err != nil {
		return err
	}

	switch field {
	case menu.FieldPrice:
		o.PriceOverride.Valid = false
		o.PriceLocked = false
	case menu.FieldAvailability:
		o.AvailabilityOverride = nil
		o.AvailabilityLocked = false
	case menu.FieldName:
		o.NameOverride = nil
	case menu.FieldDescription:
		o.DescriptionOverride = nil
	default:
		return fmt.Errorf("field %q cannot be overridden", field)
	}

	if o.IsEmpty() {
		_, err := s.DeleteOverride(ctx, branchSyncID, itemID)
		return err
	}
	return s.db.WithContext(ctx).Save(o).Error
}

// DeleteOverride removes the override of one branch item and reports whether one existed
func (s *GormStore) DeleteOverride(ctx context.Context, branchSyncID uint64, itemID string) (bool, error) {
	res := s.db.WithContext(ctx).
		Where("branch_sync_id = ? AND master_item_id = ?", branchSyncID, itemID).
		Delete(&models.BranchMenuOverride{})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}
