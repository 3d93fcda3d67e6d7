package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/localnerve/menusync/internal/models"
	"golang.org/x/sync/errgroup"
)

// SweepResult is the outcome of one branch in a sweep.
type SweepResult struct {
	BranchSyncID uint64              `json:"branch_sync_id"`
	LocationID   string              `json:"location_id"`
	Log          *models.MenuSyncLog `json:"log,omitempty"`
	Err          error               `json:"-"`
	Error        string              `json:"error,omitempty"`
}

// Sweep reconciles every branch subscribed to a master menu to its current
// version, a bounded number at a time. Busy, disabled and failed branches are
// reported per branch; they do not stop the sweep.
func (r *Reconciler) Sweep(ctx context.Context, masterMenuID uint64, actor string) ([]SweepResult, error) {
	branches, err := r.store.ListBranchSyncs(ctx, masterMenuID)
	if err != nil {
		return nil, err
	}

	results := make([]SweepResult, len(branches))
	var g errgroup.Group
	g.SetLimit(r.opts.SweepParallelism)

	for i, bs := range branches {
		results[i] = SweepResult{BranchSyncID: bs.BranchSyncID, LocationID: bs.LocationID}
		if bs.SyncMode == models.SyncModeDisabled {
			results[i].Err = fmt.Errorf("%w: branch sync %d", ErrSyncDisabled, bs.BranchSyncID)
			results[i].Error = results[i].Err.Error()
			continue
		}

		g.Go(func() error {
			l, err := r.Reconcile(ctx, Request{BranchSyncID: bs.BranchSyncID, Mode: ModeAuto, Actor: actor})
			results[i].Log = l
			if err != nil {
				results[i].Err = err
				results[i].Error = err.Error()
			}
			return nil
		})
	}
	_ = g.Wait()
	return results, nil
}

// State is the operator view of where a branch stands.
type State string

const (
	StateUpToDate      State = "up_to_date"
	StateBehind        State = "behind"
	StatePendingManual State = "pending_manual"
	StateConflicts     State = "conflicts"
)

// BranchStatus summarizes a branch for operators.
type BranchStatus struct {
	BranchSyncID   uint64              `json:"branch_sync_id"`
	LocationID     string              `json:"location_id"`
	MasterMenuID   uint64              `json:"master_menu_id"`
	SyncMode       models.SyncMode     `json:"sync_mode"`
	State          State               `json:"state"`
	SyncedVersion  uint64              `json:"synced_version"`
	CurrentVersion uint64              `json:"current_version"`
	VersionsBehind uint64              `json:"versions_behind"`
	PendingCount   int                 `json:"pending_count"`
	LastSyncedAt   *time.Time          `json:"last_synced_at,omitempty"`
	LastCheckedAt  *time.Time          `json:"last_checked_at,omitempty"`
	LastLog        *models.MenuSyncLog `json:"last_log,omitempty"`
	LastSummary    string              `json:"last_summary,omitempty"`
}

// Status reports how far a branch is from its master menu. Conflicts in the
// last run outrank queued changes, which outrank being behind.
func (r *Reconciler) Status(ctx context.Context, branchSyncID uint64) (*BranchStatus, error) {
	bs, err := r.store.GetBranchSync(ctx, branchSyncID)
	if err != nil {
		return nil, err
	}
	mm, err := r.store.GetMasterMenu(ctx, bs.MasterMenuID)
	if err != nil {
		return nil, err
	}
	pending, err := bs.Pending()
	if err != nil {
		return nil, err
	}

	out := &BranchStatus{
		BranchSyncID:   bs.BranchSyncID,
		LocationID:     bs.LocationID,
		MasterMenuID:   bs.MasterMenuID,
		SyncMode:       bs.SyncMode,
		SyncedVersion:  bs.SyncedVersion,
		CurrentVersion: mm.CurrentVersion,
		PendingCount:   len(pending),
		LastSyncedAt:   bs.LastSyncedAt,
		LastCheckedAt:  bs.LastCheckedAt,
	}
	if mm.CurrentVersion > bs.SyncedVersion {
		out.VersionsBehind = mm.CurrentVersion - bs.SyncedVersion
	}

	last, err := r.store.LastLog(ctx, branchSyncID)
	switch {
	case err == nil:
		out.LastLog = last
		out.LastSummary = last.Summary()
	case !isNotFound(err):
		return nil, err
	}

	switch {
	case last != nil && (last.Status == models.SyncStatusPartial || last.Status == models.SyncStatusConflict):
		out.State = StateConflicts
	case out.PendingCount > 0:
		out.State = StatePendingManual
	case out.VersionsBehind > 0:
		out.State = StateBehind
	default:
		out.State = StateUpToDate
	}
	return out, nil
}
