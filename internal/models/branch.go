package models

import (
	"encoding/json"
	"time"

	"github.com/localnerve/menusync/internal/menu"
	"github.com/shopspring/decimal"
)

// SyncMode is how a branch wants to receive master updates
type SyncMode string

const (
	SyncModeAuto     SyncMode = "auto"
	SyncModeManual   SyncMode = "manual"
	SyncModeDisabled SyncMode = "disabled"
)

// Valid reports whether m is a known sync mode
func (m SyncMode) Valid() bool {
	return m == SyncModeAuto || m == SyncModeManual || m == SyncModeDisabled
}

// BranchMenuSync is the sync cursor of one location against one master menu.
type BranchMenuSync struct {
	BranchSyncID      uint64     `gorm:"primaryKey;autoIncrement" json:"id"`
	LocationID        string     `gorm:"size:64;not null;uniqueIndex:idx_branch_sync" json:"location_id"`
	MasterMenuID      uint64     `gorm:"not null;uniqueIndex:idx_branch_sync;index" json:"master_menu_id"`
	SyncedVersion     uint64     `gorm:"not null;default:0" json:"synced_version"`
	SyncMode          SyncMode   `gorm:"size:16;not null" json:"sync_mode"`
	HasPendingUpdates bool       `gorm:"not null" json:"has_pending_updates"`
	PendingChanges    JSON       `json:"pending_changes,omitempty"`
	ExcludedItems     JSON       `json:"excluded_items,omitempty"`
	LastSyncedAt      *time.Time `json:"last_synced_at,omitempty"`
	LastCheckedAt     *time.Time `json:"last_checked_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// PendingChange is a manual-classified change waiting for an operator.
type PendingChange struct {
	Version uint64
	Change  menu.Change
}

type pendingChangeJSON struct {
	Version uint64          `json:"version"`
	Change  json.RawMessage `json:"change"`
}

// MarshalJSON stores the change in its kind-tagged form
func (p PendingChange) MarshalJSON() ([]byte, error) {
	raw, err := menu.MarshalChange(p.Change)
	if err != nil {
		return nil, err
	}
	return json.Marshal(pendingChangeJSON{Version: p.Version, Change: raw})
}

// UnmarshalJSON decodes a kind-tagged change
func (p *PendingChange) UnmarshalJSON(data []byte) error {
	var aux pendingChangeJSON
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	c, err := menu.UnmarshalChange(aux.Change)
	if err != nil {
		return err
	}
	p.Version = aux.Version
	p.Change = c
	return nil
}

// Pending decodes the queued manual changes
func (b *BranchMenuSync) Pending() ([]PendingChange, error) {
	var pending []PendingChange
	if err := b.PendingChanges.Decode(&pending); err != nil {
		return nil, err
	}
	return pending, nil
}

// Excluded decodes the master item ids whose addition the branch operator declined
func (b *BranchMenuSync) Excluded() ([]string, error) {
	var ids []string
	if err := b.ExcludedItems.Decode(&ids); err != nil {
		return nil, err
	}
	return ids, nil
}

// BranchMenuOverride records a branch's local deviation from master values for one item.
type BranchMenuOverride struct {
	OverrideID           uint64              `gorm:"primaryKey;autoIncrement" json:"id"`
	BranchSyncID         uint64              `gorm:"not null;uniqueIndex:idx_branch_override" json:"branch_sync_id"`
	MasterItemID         string              `gorm:"size:64;not null;uniqueIndex:idx_branch_override" json:"item_id"`
	PriceOverride        decimal.NullDecimal `gorm:"type:decimal(12,2)" json:"price_override"`
	AvailabilityOverride *bool               `json:"availability_override,omitempty"`
	NameOverride         *string             `gorm:"size:255" json:"name_override,omitempty"`
	DescriptionOverride  *string             `gorm:"type:text" json:"description_override,omitempty"`
	PriceLocked          bool                `gorm:"not null" json:"price_locked"`
	AvailabilityLocked   bool                `gorm:"not null" json:"availability_locked"`
	FullyLocked          bool                `gorm:"not null" json:"fully_locked"`
	CreatedAt            time.Time           `json:"created_at"`
	UpdatedAt            time.Time           `json:"updated_at"`
}

// IsFieldLocked reports whether sync must leave field untouched on this branch item
func (o *BranchMenuOverride) IsFieldLocked(field menu.Field) bool {
	if o == nil {
		return false
	}
	if o.FullyLocked {
		return true
	}
	switch field {
	case menu.FieldPrice:
		return o.PriceLocked
	case menu.FieldAvailability:
		return o.AvailabilityLocked
	}
	return false
}

// OverrideValue returns the branch value stored for field, if any
func (o *BranchMenuOverride) OverrideValue(field menu.Field) (menu.Value, bool) {
	if o == nil {
		return menu.Value{}, false
	}
	switch field {
	case menu.FieldPrice:
		if o.PriceOverride.Valid {
			return menu.Price(o.PriceOverride.Decimal), true
		}
	case menu.FieldAvailability:
		if o.AvailabilityOverride != nil {
			return menu.Flag(*o.AvailabilityOverride), true
		}
	case menu.FieldName:
		if o.NameOverride != nil {
			return menu.Text(*o.NameOverride), true
		}
	case menu.FieldDescription:
		if o.DescriptionOverride != nil {
			return menu.Text(*o.DescriptionOverride), true
		}
	}
	return menu.Value{}, false
}

// IsEmpty reports whether the override neither stores a value nor locks anything
func (o *BranchMenuOverride) IsEmpty() bool {
	return !o.PriceOverride.Valid && o.AvailabilityOverride == nil && o.NameOverride == nil &&
		o.DescriptionOverride == nil && !o.PriceLocked && !o.AvailabilityLocked && !o.FullyLocked
}

// BranchMenuItem is the live item served by a branch
type BranchMenuItem struct {
	BranchItemID uint64          `gorm:"primaryKey;autoIncrement"`
	BranchSyncID uint64          `gorm:"not null;uniqueIndex:idx_branch_item"`
	MasterItemID string          `gorm:"size:64;not null;uniqueIndex:idx_branch_item"`
	CategoryID   string          `gorm:"size:64"`
	Name         string          `gorm:"size:255;not null"`
	Description  string          `gorm:"type:text"`
	Price        decimal.Decimal `gorm:"type:decimal(12,2);not null"`
	Available    bool            `gorm:"not null"`
	SortOrder    int             `gorm:"not null;default:0"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// BranchMenuCategory is a live category served by a branch
type BranchMenuCategory struct {
	BranchCategoryID uint64 `gorm:"primaryKey;autoIncrement"`
	BranchSyncID     uint64 `gorm:"not null;uniqueIndex:idx_branch_category"`
	MasterCategoryID string `gorm:"size:64;not null;uniqueIndex:idx_branch_category"`
	Name             string `gorm:"size:255;not null"`
	SortOrder        int    `gorm:"not null;default:0"`
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// ToMenu converts the row to a menu item
func (i BranchMenuItem) ToMenu() menu.Item {
	return menu.Item{
		ID:          i.MasterItemID,
		CategoryID:  i.CategoryID,
		Name:        i.Name,
		Description: i.Description,
		Price:       i.Price,
		Available:   i.Available,
		SortOrder:   i.SortOrder,
	}
}

// ToMenu converts the row to a menu category
func (c BranchMenuCategory) ToMenu() menu.Category {
	return menu.Category{ID: c.MasterCategoryID, Name: c.Name, SortOrder: c.SortOrder}
}

// TableName overrides the table name for BranchMenuSync
func (BranchMenuSync) TableName() string {
	return "branch_menu_sync"
}

// TableName overrides the table name for BranchMenuOverride
func (BranchMenuOverride) TableName() string {
	return "branch_menu_overrides"
}

// TableName overrides the table name for BranchMenuItem
func (BranchMenuItem) TableName() string {
	return "branch_menu_items"
}

// TableName overrides the table name for BranchMenuCategory
func (BranchMenuCategory) TableName() string {
	return "branch_menu_categories"
}
