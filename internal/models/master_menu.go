package models

import (
	"errors"
	"time"

	"gorm.io/gorm"
)

// ErrImmutableVersion is returned by the version row hooks on update or delete
var ErrImmutableVersion = errors.New("master menu versions are immutable")

// MasterMenu is the franchise-wide canonical menu. CurrentVersion only moves
// through the version store's compare-and-swap.
type MasterMenu struct {
	MasterMenuID   uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	FranchiseID    string    `gorm:"size:64;not null;uniqueIndex:idx_master_menu_scope" json:"franchise_id"`
	Name           string    `gorm:"size:255;not null;uniqueIndex:idx_master_menu_scope" json:"name"`
	CurrentVersion uint64    `gorm:"not null;default:0" json:"current_version"`
	SyncPolicy     JSON      `json:"sync_policy,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// MasterMenuVersion is one committed change batch. ChangesData holds the typed
// change set; Snapshot optionally holds the full menu state after the batch.
type MasterMenuVersion struct {
	VersionID     uint64 `gorm:"primaryKey;autoIncrement"`
	MasterMenuID  uint64 `gorm:"not null;uniqueIndex:idx_master_menu_version"`
	VersionNumber uint64 `gorm:"not null;uniqueIndex:idx_master_menu_version"`
	ChangeType    string `gorm:"size:64;not null"`
	ChangeSummary string `gorm:"size:1024"`
	ChangesData   JSON
	Snapshot      JSON
	HasSnapshot   bool   `gorm:"not null;index"`
	CreatedBy     string `gorm:"size:255"`
	CreatedAt     time.Time
}

// BeforeUpdate rejects any update of a committed version
func (MasterMenuVersion) BeforeUpdate(tx *gorm.DB) error {
	return ErrImmutableVersion
}

// BeforeDelete rejects any deletion of a committed version
func (MasterMenuVersion) BeforeDelete(tx *gorm.DB) error {
	return ErrImmutableVersion
}

// TableName overrides the table name for MasterMenu
func (MasterMenu) TableName() string {
	return "master_menus"
}

// TableName overrides the table name for MasterMenuVersion
func (MasterMenuVersion) TableName() string {
	return "master_menu_versions"
}
