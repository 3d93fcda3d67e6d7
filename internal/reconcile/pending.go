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

// ApplyPending applies the queued manual changes of a branch. Locks and
// never-sync rules are still honoured; the cursor does not move.
func (r *Reconciler) ApplyPending(ctx context.Context, branchSyncID uint64, actor string) (*models.MenuSyncLog, error) {
	ctx, span := tracer.Start(ctx, "reconcile.ApplyPending", trace.WithAttributes(
		attribute.Int64("menusync.branch_sync_id", int64(branchSyncID)),
	))
	defer span.End()

	out, err := r.pendingRun(ctx, branchSyncID, actor, false)
	traceResult(span, out, err)
	return out, err
}

// DiscardPending drops the queued manual changes of a branch. Every dropped
// change is recorded in the log. Items whose addition is dropped are declined:
// later master changes to them are skipped until the master adds them again.
func (r *Reconciler) DiscardPending(ctx context.Context, branchSyncID uint64, actor string) (*models.MenuSyncLog, error) {
	ctx, span := tracer.Start(ctx, "reconcile.DiscardPending", trace.WithAttributes(
		attribute.Int64("menusync.branch_sync_id", int64(branchSyncID)),
	))
	defer span.End()

	out, err := r.pendingRun(ctx, branchSyncID, actor, true)
	traceResult(span, out, err)
	return out, err
}

func (r *Reconciler) pendingRun(ctx context.Context, branchSyncID uint64, actor string, discard bool) (*models.MenuSyncLog, error) {
	lease, err := r.locker.Acquire(ctx, lock.BranchKey(branchSyncID))
	if err != nil {
		return nil, err
	}
	defer r.release(lease, branchSyncID)

	bs, err := r.store.GetBranchSync(ctx, branchSyncID)
	if err != nil {
		return nil, err
	}
	if bs.SyncMode == models.SyncModeDisabled {
		return nil, fmt.Errorf("%w: branch sync %d", ErrSyncDisabled, bs.BranchSyncID)
	}

	rn, err := r.newRun(ctx, lease, bs, ModeManual, models.SyncTypeManual, actor)
	if err != nil {
		return nil, err
	}
	queued := rn.pending
	if len(queued) == 0 {
		return rn.finish(ctx, nil)
	}

	if discard {
		t := newTally(nil, rn.excluded)
		for _, p := range queued {
			if a, ok := p.Change.(menu.ItemAdded); ok {
				t.excluded[a.Item.ID] = true
			}
		}
		err := r.store.Atomic(ctx, func(tx store.Store) error {
			if err := tx.SetPending(ctx, bs.BranchSyncID, nil); err != nil {
				return err
			}
			return tx.SetExcluded(ctx, bs.BranchSyncID, t.excludedIDs())
		})
		if err != nil {
			return rn.finish(ctx, &Failure{Version: bs.SyncedVersion, Err: err})
		}
		for _, p := range queued {
			rn.total.event(entry{version: p.Version, change: p.Change}, models.EventDiscarded, "discarded by operator")
			rn.total.skipped++
		}
		rn.pending = nil
		rn.excluded = t.excluded
		return rn.finish(ctx, nil)
	}

	st := step{to: bs.SyncedVersion}
	for _, p := range queued {
		st.entries = append(st.entries, entry{version: p.Version, change: p.Change})
	}
	rn.pending = nil
	rn.pendingApply = true
	return rn.finish(ctx, rn.processStep(ctx, st))
}
