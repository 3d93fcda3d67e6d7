package reconcile

import (
	"context"
	"fmt"

	"github.com/localnerve/menusync/internal/lock"
	"github.com/localnerve/menusync/internal/menu"
	"github.com/localnerve/menusync/internal/models"
	"github.com/localnerve/menusync/internal/store"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// RollbackRequest moves a branch to the master menu as of an earlier version.
type RollbackRequest struct {
	BranchSyncID uint64
	ToVersion    uint64
	// Pin disables the branch so the next sweep does not carry it forward again
	Pin   bool
	Actor string
}

// Rollback rebuilds the branch menu from the master state at ToVersion and moves
// the cursor there. Master history is untouched. Locked fields and never-sync
// fields keep their branch values; queued manual changes are cleared because
// the versions they came from will be replayed again. Items the operator
// declined are forgotten for the same reason.
func (r *Reconciler) Rollback(ctx context.Context, req RollbackRequest) (*models.MenuSyncLog, error) {
	ctx, span := tracer.Start(ctx, "reconcile.Rollback", trace.WithAttributes(
		attribute.Int64("menusync.branch_sync_id", int64(req.BranchSyncID)),
		attribute.Int64("menusync.to_version", int64(req.ToVersion)),
	))
	defer span.End()

	out, err := r.rollback(ctx, req)
	traceResult(span, out, err)
	return out, err
}

func (r *Reconciler) rollback(ctx context.Context, req RollbackRequest) (*models.MenuSyncLog, error) {
	lease, err := r.locker.Acquire(ctx, lock.BranchKey(req.BranchSyncID))
	if err != nil {
		return nil, err
	}
	defer r.release(lease, req.BranchSyncID)

	bs, err := r.store.GetBranchSync(ctx, req.BranchSyncID)
	if err != nil {
		return nil, err
	}
	mm, err := r.store.GetMasterMenu(ctx, bs.MasterMenuID)
	if err != nil {
		return nil, err
	}
	if req.ToVersion > mm.CurrentVersion {
		return nil, fmt.Errorf("%w: %d (master at %d)", ErrInvalidTarget, req.ToVersion, mm.CurrentVersion)
	}

	rn, err := r.newRun(ctx, lease, bs, ModeForced, models.SyncTypeRollback, req.Actor)
	if err != nil {
		return nil, err
	}

	target, err := r.store.StateAt(ctx, bs.MasterMenuID, req.ToVersion)
	if err != nil {
		return rn.finish(ctx, &Failure{Version: req.ToVersion, Err: err})
	}

	st := step{to: req.ToVersion}
	for _, c := range menu.Diff(rn.state, target) {
		st.entries = append(st.entries, entry{version: req.ToVersion, change: c})
	}
	if req.Pin {
		st.extra = func(tx store.Store) error {
			return tx.SetSyncMode(ctx, bs.BranchSyncID, models.SyncModeDisabled)
		}
	}
	rn.pending = nil
	rn.excluded = nil
	return rn.finish(ctx, rn.processStep(ctx, st))
}
