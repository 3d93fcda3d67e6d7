package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/localnerve/menusync/internal/menu"
	"github.com/localnerve/menusync/internal/models"
	"gorm.io/gorm"
	"gorm.io/hints"
)

// Subscribe returns the cursor of (locationID, masterMenuID), creating it at version 0 on first use
func (s *GormStore) Subscribe(ctx context.Context, locationID string, masterMenuID uint64, mode models.SyncMode) (*models.BranchMenuSync, error) {
	if locationID == "" {
		return nil, fmt.Errorf("location id is required")
	}
	if mode == "" {
		mode = models.SyncModeAuto
	}
	if !mode.Valid() {
		return nil, fmt.Errorf("unknown sync mode %q", mode)
	}
	if _, err := s.GetMasterMenu(ctx, masterMenuID); err != nil {
		return nil, err
	}

	bs := models.BranchMenuSync{LocationID: locationID, MasterMenuID: masterMenuID}
	err := s.db.WithContext(ctx).
		Where("location_id = ? AND master_menu_id = ?", locationID, masterMenuID).
		Attrs(models.BranchMenuSync{SyncMode: mode}).
		FirstOrCreate(&bs).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		// lost a race with another subscriber; the row exists now
		err = s.db.WithContext(ctx).
			Where("location_id = ? AND master_menu_id = ?", locationID, masterMenuID).
			First(&bs).Error
	}
	if err != nil {
		return nil, err
	}
	return &bs, nil
}

// GetBranchSync loads a cursor
func (s *GormStore) GetBranchSync(ctx context.Context, branchSyncID uint64) (*models.BranchMenuSync, error) {
	var bs models.BranchMenuSync
	if err := s.quiet(ctx).First(&bs, branchSyncID).Error; err != nil {
		return nil, notFound(err, "branch sync %d", branchSyncID)
	}
	return &bs, nil
}

// ListBranchSyncs lists every branch subscribed to a master menu
func (s *GormStore) ListBranchSyncs(ctx context.Context, masterMenuID uint64) ([]models.BranchMenuSync, error) {
	var rows []models.BranchMenuSync
	if err := s.quiet(ctx).
		Clauses(hints.CommentBefore("select", "menusync:list_branches")).
		Where("master_menu_id = ?", masterMenuID).
		Order("branch_sync_id").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// SetSyncMode changes how a branch receives updates
func (s *GormStore) SetSyncMode(ctx context.Context, branchSyncID uint64, mode models.SyncMode) error {
	if !mode.Valid() {
		return fmt.Errorf("unknown sync mode %q", mode)
	}
	return s.updateBranch(ctx, branchSyncID, map[string]interface{}{"sync_mode": mode})
}

// TouchChecked records that reconciliation looked at the branch
func (s *GormStore) TouchChecked(ctx context.Context, branchSyncID uint64, at time.Time) error {
	return s.updateBranch(ctx, branchSyncID, map[string]interface{}{"last_checked_at": at})
}

// SetPending replaces the queued manual changes without moving the cursor
func (s *GormStore) SetPending(ctx context.Context, branchSyncID uint64, pending []models.PendingChange) error {
	data, err := pendingJSON(pending)
	if err != nil {
		return err
	}
	return s.updateBranch(ctx, branchSyncID, map[string]interface{}{
		"pending_changes":     data,
		"has_pending_updates": len(pending) > 0,
	})
}

// SetExcluded replaces the item ids the branch operator declined
func (s *GormStore) SetExcluded(ctx context.Context, branchSyncID uint64, itemIDs []string) error {
	data, err := excludedJSON(itemIDs)
	if err != nil {
		return err
	}
	return s.updateBranch(ctx, branchSyncID, map[string]interface{}{"excluded_items": data})
}

func (s *GormStore) updateBranch(ctx context.Context, branchSyncID uint64, values map[string]interface{}) error {
	res := s.db.WithContext(ctx).Model(&models.BranchMenuSync{}).
		Where("branch_sync_id = ?", branchSyncID).
		Updates(values)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		if _, err := s.GetBranchSync(ctx, branchSyncID); err != nil {
			return err
		}
	}
	return nil
}

// UpdateCursor moves synced_version from u.FromVersion to u.ToVersion and stores
// the pending queue in the same statement. The update only lands when the cursor
// still holds FromVersion and ToVersion does not pass the master's current version.
func (s *GormStore) UpdateCursor(ctx context.Context, u CursorUpdate) error {
	if u.ToVersion < u.FromVersion && !u.AllowRegression {
		return fmt.Errorf("%w: %d -> %d", ErrCursorRegression, u.FromVersion, u.ToVersion)
	}
	data, err := pendingJSON(u.Pending)
	if err != nil {
		return err
	}
	excluded, err := excludedJSON(u.Excluded)
	if err != nil {
		return err
	}
	syncedAt := u.SyncedAt
	if syncedAt.IsZero() {
		syncedAt = time.Now().UTC()
	}

	res := s.db.WithContext(ctx).Model(&models.BranchMenuSync{}).
		Where("branch_sync_id = ? AND synced_version = ?", u.BranchSyncID, u.FromVersion).
		Where("? <= (SELECT m.current_version FROM master_menus m WHERE m.master_menu_id = branch_menu_sync.master_menu_id)", u.ToVersion).
		Updates(map[string]interface{}{
			"synced_version":      u.ToVersion,
			"pending_changes":     data,
			"has_pending_updates": len(u.Pending) > 0,
			"excluded_items":      excluded,
			"last_synced_at":      syncedAt,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		return nil
	}

	bs, err := s.GetBranchSync(ctx, u.BranchSyncID)
	if err != nil {
		return err
	}
	if bs.SyncedVersion != u.FromVersion {
		return fmt.Errorf("%w: branch sync %d moved to %d", ErrVersionConflict, u.BranchSyncID, bs.SyncedVersion)
	}
	return fmt.Errorf("%w: %d", ErrCursorAhead, u.ToVersion)
}

func pendingJSON(pending []models.PendingChange) (models.JSON, error) {
	if len(pending) == 0 {
		return models.JSON{}, nil
	}
	return models.NewJSON(pending)
}

func excludedJSON(itemIDs []string) (models.JSON, error) {
	if len(itemIDs) == 0 {
		return models.JSON{}, nil
	}
	return models.NewJSON(itemIDs)
}

// BranchState loads the live branch menu
func (s *GormStore) BranchState(ctx context.Context, branchSyncID uint64) (*menu.State, error) {
	var cats []models.BranchMenuCategory
	if err := s.quiet(ctx).Where("branch_sync_id = ?", branchSyncID).Find(&cats).Error; err != nil {
		return nil, err
	}
	var items []models.BranchMenuItem
	if err := s.quiet(ctx).Where("branch_sync_id = ?", branchSyncID).Find(&items).Error; err != nil {
		return nil, err
	}

	state := menu.NewState()
	for _, c := range cats {
		state.Categories[c.MasterCategoryID] = c.ToMenu()
	}
	for _, it := range items {
		state.Items[it.MasterItemID] = it.ToMenu()
	}
	return state, nil
}

// SaveBranchState writes the difference between before and after to the branch tables
func (s *GormStore) SaveBranchState(ctx context.Context, branchSyncID uint64, before, after *menu.State) error {
	changes := menu.Diff(before, after)
	if len(changes) == 0 {
		return nil
	}
	db := s.db.WithContext(ctx)

	touched := make(map[string]bool)
	for _, c := range changes {
		var err error
		switch v := c.(type) {
		case menu.CategoryAdded:
			err = db.Create(&models.BranchMenuCategory{
				BranchSyncID:     branchSyncID,
				MasterCategoryID: v.Category.ID,
				Name:             v.Category.Name,
				SortOrder:        v.Category.SortOrder,
			}).Error
		case menu.CategoryRenamed:
			err = db.Model(&models.BranchMenuCategory{}).
				Where("branch_sync_id = ? AND master_category_id = ?", branchSyncID, v.CategoryID).
				Update("name", v.NewName).Error
		case menu.CategoryReordered:
			err = db.Model(&models.BranchMenuCategory{}).
				Where("branch_sync_id = ? AND master_category_id = ?", branchSyncID, v.CategoryID).
				Update("sort_order", v.NewSortOrder).Error
		case menu.CategoryRemoved:
			err = db.Where("branch_sync_id = ? AND master_category_id = ?", branchSyncID, v.CategoryID).
				Delete(&models.BranchMenuCategory{}).Error
		case menu.ItemAdded:
			row := itemRow(branchSyncID, v.Item)
			err = db.Create(&row).Error
		case menu.ItemFieldChanged:
			if touched[v.ItemID] {
				continue
			}
			touched[v.ItemID] = true
			it := after.Items[v.ItemID]
			err = db.Model(&models.BranchMenuItem{}).
				Where("branch_sync_id = ? AND master_item_id = ?", branchSyncID, v.ItemID).
				Updates(map[string]interface{}{
					"category_id": it.CategoryID,
					"name":        it.Name,
					"description": it.Description,
					"price":       it.Price,
					"available":   it.Available,
					"sort_order":  it.SortOrder,
				}).Error
		case menu.ItemRemoved:
			err = db.Where("branch_sync_id = ? AND master_item_id = ?", branchSyncID, v.ItemID).
				Delete(&models.BranchMenuItem{}).Error
		}
		if err != nil {
			return fmt.Errorf("saving branch %d (%s): %w", branchSyncID, menu.Describe(c), err)
		}
	}
	return nil
}

func itemRow(branchSyncID uint64, it menu.Item) models.BranchMenuItem {
	return models.BranchMenuItem{
		BranchSyncID: branchSyncID,
		MasterItemID: it.ID,
		CategoryID:   it.CategoryID,
		Name:         it.Name,
		Description:  it.Description,
		Price:        it.Price,
		Available:    it.Available,
		SortOrder:    it.SortOrder,
	}
}
