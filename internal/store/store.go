// store.go
//
// Master menu version control and branch synchronization service
// Copyright (c) 2026 Alex Grant <info@localnerve.com> (https://www.localnerve.com), LocalNerve LLC
//
// This file is part of menusync.
// menusync is free software: you can redistribute it and/or modify it
// under the terms of the GNU Affero General Public License as published by the Free Software
// Foundation, either version 3 of the License, or (at your option) any later version.
// menusync is distributed in the hope that it will be useful, but WITHOUT ANY WARRANTY;
// without even the implied warranty of MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.
// See the GNU Affero General Public License for more details.
// You should have received a copy of the GNU Affero General Public License along with menusync.
// If not, see <https://www.gnu.org/licenses/>.
// Additional terms under GNU AGPL version 3 section 7:
// a) The reasonable legal notice of original copyright and author attribution must be preserved
//    by including the string: "Copyright (c) 2026 Alex Grant <info@localnerve.com> (https://www.localnerve.com), LocalNerve LLC"
//    in this material, copies, or source code of derived works.

// Package store holds the repositories behind version history, branch cursors,
// branch overrides and the sync log. The interfaces are storage agnostic; GormStore
// implements them on any relational database gorm supports.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/localnerve/menusync/internal/menu"
	"github.com/localnerve/menusync/internal/models"
	"github.com/localnerve/menusync/internal/policy"
)

var (
	// ErrNotFound is returned when a master menu, version, branch or override does not exist
	ErrNotFound = errors.New("not found")
	// ErrVersionConflict is returned when a compare-and-swap on a version counter loses a race
	ErrVersionConflict = errors.New("E_VERSION")
	// ErrCursorRegression is returned when a cursor update would move synced_version backwards
	ErrCursorRegression = errors.New("sync cursor cannot move backwards")
	// ErrCursorAhead is returned when a cursor update would pass the master's current version
	ErrCursorAhead = errors.New("sync cursor cannot pass the master's current version")
	// ErrStaleChange is returned when an authored change does not match the current master state
	ErrStaleChange = errors.New("change does not match the current master menu")
	// ErrDuplicate is returned when a unique scope is already taken
	ErrDuplicate = errors.New("already exists")
)

// CommitInput is one authored change batch.
type CommitInput struct {
	MasterMenuID uint64         `validate:"required"`
	ChangeType   string         `validate:"required,max=64"`
	Summary      string         `validate:"max=1024"`
	Changes      menu.ChangeSet `validate:"required,min=1"`
	Actor        string         `validate:"max=255"`
	// ExpectedVersion, when set, must equal the master's current version or the
	// commit fails with ErrVersionConflict. When nil the store retries internally.
	ExpectedVersion *uint64
}

// Version is a decoded master menu version.
type Version struct {
	Number     uint64
	ChangeType string
	Summary    string
	Changes    menu.ChangeSet
	Snapshot   *menu.State
	CreatedBy  string
	CreatedAt  time.Time
}

// SnapshotPoint is the nearest snapshot at or before a version plus the residual
// versions that bring it forward.
type SnapshotPoint struct {
	Version  uint64
	State    *menu.State
	Residual []Version
}

// VersionStore is the append-only master menu history.
type VersionStore interface {
	CreateMasterMenu(ctx context.Context, franchiseID, name string, pol *policy.Policy) (*models.MasterMenu, error)
	GetMasterMenu(ctx context.Context, masterMenuID uint64) (*models.MasterMenu, error)
	ListMasterMenus(ctx context.Context, franchiseID string) ([]models.MasterMenu, error)
	Policy(ctx context.Context, masterMenuID uint64) (policy.Policy, error)
	SetPolicy(ctx context.Context, masterMenuID uint64, pol policy.Policy) error
	Commit(ctx context.Context, in CommitInput) (uint64, error)
	GetVersion(ctx context.Context, masterMenuID, version uint64) (*Version, error)
	VersionsSince(ctx context.Context, masterMenuID, fromVersion, toVersion uint64) ([]Version, error)
	Snapshot(ctx context.Context, masterMenuID, version uint64) (*SnapshotPoint, error)
	LatestSnapshotIn(ctx context.Context, masterMenuID, after, upTo uint64) (uint64, bool, error)
	StateAt(ctx context.Context, masterMenuID, version uint64) (*menu.State, error)
}

// CursorUpdate moves a branch cursor with a compare-and-swap on its previous value.
type CursorUpdate struct {
	BranchSyncID uint64
	FromVersion  uint64
	ToVersion    uint64
	Pending      []models.PendingChange
	// Excluded replaces the declined item ids
	Excluded []string
	// AllowRegression permits ToVersion < FromVersion for explicit rollbacks.
	AllowRegression bool
	SyncedAt        time.Time
}

// BranchStore holds branch cursors and the live branch menu.
type BranchStore interface {
	Subscribe(ctx context.Context, locationID string, masterMenuID uint64, mode models.SyncMode) (*models.BranchMenuSync, error)
	GetBranchSync(ctx context.Context, branchSyncID uint64) (*models.BranchMenuSync, error)
	ListBranchSyncs(ctx context.Context, masterMenuID uint64) ([]models.BranchMenuSync, error)
	SetSyncMode(ctx context.Context, branchSyncID uint64, mode models.SyncMode) error
	TouchChecked(ctx context.Context, branchSyncID uint64, at time.Time) error
	UpdateCursor(ctx context.Context, u CursorUpdate) error
	SetPending(ctx context.Context, branchSyncID uint64, pending []models.PendingChange) error
	SetExcluded(ctx context.Context, branchSyncID uint64, itemIDs []string) error
	BranchState(ctx context.Context, branchSyncID uint64) (*menu.State, error)
	SaveBranchState(ctx context.Context, branchSyncID uint64, before, after *menu.State) error
}

// OverrideStore holds branch-local deviations from master values.
type OverrideStore interface {
	GetOverride(ctx context.Context, branchSyncID uint64, itemID string) (*models.BranchMenuOverride, error)
	ListOverrides(ctx context.Context, branchSyncID uint64) (map[string]*models.BranchMenuOverride, error)
	UpsertOverride(ctx context.Context, o *models.BranchMenuOverride) error
	ClearOverrideField(ctx context.Context, branchSyncID uint64, itemID string, field menu.Field) error
	DeleteOverride(ctx context.Context, branchSyncID uint64, itemID string) (bool, error)
}

// SyncLogStore is the append-only reconciliation audit trail.
type SyncLogStore interface {
	WriteLog(ctx context.Context, l *models.MenuSyncLog) error
	ListLogs(ctx context.Context, branchSyncID uint64, limit int) ([]models.MenuSyncLog, error)
	LastLog(ctx context.Context, branchSyncID uint64) (*models.MenuSyncLog, error)
}

// Store is the full repository set. Atomic runs fn against a store bound to one
// transaction; everything fn writes commits or rolls back together.
type Store interface {
	VersionStore
	BranchStore
	OverrideStore
	SyncLogStore
	Atomic(ctx context.Context, fn func(Store) error) error
}
