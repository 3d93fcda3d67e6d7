package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/localnerve/menusync/internal/lock"
	"github.com/localnerve/menusync/internal/logging"
	"github.com/localnerve/menusync/internal/menu"
	"github.com/localnerve/menusync/internal/metrics"
	"github.com/localnerve/menusync/internal/models"
	"github.com/localnerve/menusync/internal/policy"
	"github.com/localnerve/menusync/internal/store"
	"github.com/sirupsen/logrus"
)

type entry struct {
	version uint64
	change  menu.Change
}

// step is one unit committed together with the cursor
type step struct {
	to      uint64
	entries []entry
	notes   []models.Event
	// extra runs inside the step transaction after the branch menu is saved
	extra func(tx store.Store) error
}

// tally collects the outcome of one step; it is merged into the run only after the step commits
type tally struct {
	pending       []models.PendingChange
	conflicts     []models.Conflict
	events        []models.Event
	added         map[string]bool
	updated       map[string]bool
	removed       map[string]bool
	excluded      map[string]bool
	dropOverrides []string
	applied       int
	skipped       int
	queued        int
}

func newTally(pending []models.PendingChange, excluded map[string]bool) *tally {
	t := &tally{
		pending:  append([]models.PendingChange(nil), pending...),
		added:    make(map[string]bool),
		updated:  make(map[string]bool),
		removed:  make(map[string]bool),
		excluded: make(map[string]bool, len(excluded)),
	}
	for id := range excluded {
		t.excluded[id] = true
	}
	return t
}

// excludedIDs lists the items the branch operator declined, in stable order
func (t *tally) excludedIDs() []string {
	ids := make([]string, 0, len(t.excluded))
	for id := range t.excluded {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (t *tally) event(e entry, action models.EventAction, detail string) {
	t.events = append(t.events, models.Event{
		Version: e.version,
		Action:  action,
		Kind:    e.change.Kind(),
		Target:  e.change.Target(),
		Field:   menu.FieldOf(e.change),
		Detail:  detail,
	})
}

func (t *tally) skip(e entry, detail string) {
	t.skipped++
	t.event(e, models.EventSkipped, detail)
}

func (t *tally) queue(e entry) {
	t.pending = append(t.pending, models.PendingChange{Version: e.version, Change: e.change})
	t.queued++
	t.event(e, models.EventQueued, "")
}

// withheld reports whether the item's addition is still waiting in the queue
func (t *tally) withheld(itemID string) bool {
	for _, p := range t.pending {
		if a, ok := p.Change.(menu.ItemAdded); ok && a.Item.ID == itemID {
			return true
		}
	}
	return false
}

// supersede drops queued changes of an item that a newer change made obsolete.
// An empty field drops every queued change of the item.
func (t *tally) supersede(itemID string, field menu.Field, by entry) {
	kept := t.pending[:0]
	for _, p := range t.pending {
		if isItemChange(p.Change) && p.Change.Target() == itemID && (field == "" || menu.FieldOf(p.Change) == field) {
			t.events = append(t.events, models.Event{
				Version: p.Version,
				Action:  models.EventDiscarded,
				Kind:    p.Change.Kind(),
				Target:  itemID,
				Field:   menu.FieldOf(p.Change),
				Detail:  fmt.Sprintf("superseded by version %d", by.version),
			})
			continue
		}
		kept = append(kept, p)
	}
	t.pending = kept
}

func (t *tally) merge(o *tally) {
	t.conflicts = append(t.conflicts, o.conflicts...)
	t.events = append(t.events, o.events...)
	for id := range o.added {
		t.added[id] = true
	}
	for id := range o.updated {
		t.updated[id] = true
	}
	for id := range o.removed {
		t.removed[id] = true
	}
	t.dropOverrides = append(t.dropOverrides, o.dropOverrides...)
	t.applied += o.applied
	t.skipped += o.skipped
	t.queued += o.queued
}

func isItemChange(c menu.Change) bool {
	switch c.(type) {
	case menu.ItemAdded, menu.ItemRemoved, menu.ItemFieldChanged:
		return true
	}
	return false
}

// run is the state of one reconciliation attempt
type run struct {
	r         *Reconciler
	bs        *models.BranchMenuSync
	mode      Mode
	syncType  models.SyncType
	actor     string
	pol       policy.Policy
	startedAt time.Time
	from      uint64
	cursor    uint64
	state     *menu.State
	overrides map[string]*models.BranchMenuOverride
	pending   []models.PendingChange
	// items whose master addition the branch operator discarded
	excluded map[string]bool
	lease    lock.Lease
	// replaying the operator queue: changes to items that are gone are skipped, not failures
	pendingApply bool
	total        *tally
}

// gated reports whether a change must wait for an operator
func (rn *run) gated(cls policy.Classification) bool {
	if rn.mode != ModeAuto {
		return false
	}
	return cls == policy.Manual || rn.bs.SyncMode == models.SyncModeManual
}

// lenientMissing reports whether a change to an item the branch does not carry is expected
func (rn *run) lenientMissing() bool {
	return rn.pendingApply || rn.pol.Classify(menu.KindItemAdded, "") == policy.Never
}

// processStep decides every entry against a copy of the branch menu and commits
// the result with the cursor. Nothing of a failed step is kept.
func (rn *run) processStep(ctx context.Context, st step) error {
	if rn.lease != nil {
		if err := rn.lease.Refresh(ctx); err != nil {
			return &Failure{Version: st.to, Err: err}
		}
	}

	working := rn.state.Clone()
	t := newTally(rn.pending, rn.excluded)
	t.events = append(t.events, st.notes...)

	for _, e := range st.entries {
		if err := rn.decide(working, e, t); err != nil {
			return &Failure{Version: e.version, Change: e.change, Err: err}
		}
	}

	id := rn.bs.BranchSyncID
	err := rn.r.store.Atomic(ctx, func(tx store.Store) error {
		if err := tx.SaveBranchState(ctx, id, rn.state, working); err != nil {
			return err
		}
		for _, itemID := range t.dropOverrides {
			if _, err := tx.DeleteOverride(ctx, id, itemID); err != nil {
				return err
			}
		}
		if st.extra != nil {
			if err := st.extra(tx); err != nil {
				return err
			}
		}
		return tx.UpdateCursor(ctx, store.CursorUpdate{
			BranchSyncID:    id,
			FromVersion:     rn.cursor,
			ToVersion:       st.to,
			Pending:         t.pending,
			Excluded:        t.excludedIDs(),
			AllowRegression: rn.syncType == models.SyncTypeRollback,
			SyncedAt:        rn.r.now(),
		})
	})
	if err != nil {
		return &Failure{Version: st.to, Err: err}
	}

	rn.state = working
	rn.cursor = st.to
	rn.pending = t.pending
	rn.excluded = t.excluded
	for _, itemID := range t.dropOverrides {
		delete(rn.overrides, itemID)
	}
	rn.total.merge(t)
	return nil
}

// decide applies one change to working or records why it was held back.
// Never-sync wins, then field locks, then manual gating.
func (rn *run) decide(working *menu.State, e entry, t *tally) error {
	cls := rn.pol.ClassifyChange(e.change)
	if cls == policy.Never {
		t.skip(e, "never_sync")
		return nil
	}

	switch v := e.change.(type) {
	case menu.ItemAdded:
		return rn.decideAdd(working, e, v, cls, t)
	case menu.ItemRemoved:
		return rn.decideRemove(working, e, v, cls, t)
	case menu.ItemFieldChanged:
		return rn.decideField(working, e, v, cls, t)
	}
	return rn.decideCategory(working, e, cls, t)
}

func (rn *run) decideAdd(working *menu.State, e entry, v menu.ItemAdded, cls policy.Classification, t *tally) error {
	// a new master addition overrides an earlier operator refusal
	delete(t.excluded, v.Item.ID)

	existing, ok := working.Items[v.Item.ID]
	if !ok {
		if rn.gated(cls) || t.withheld(v.Item.ID) {
			t.queue(e)
			return nil
		}
		working.Items[v.Item.ID] = v.Item
		t.added[v.Item.ID] = true
		t.applied++
		return nil
	}

	// the branch still carries the item, so any queued change of it, a removal
	// included, is stale; bring it to the added values field by field
	t.supersede(v.Item.ID, "", e)
	for _, c := range menu.DiffItem(existing, v.Item) {
		if err := rn.decide(working, entry{version: e.version, change: c}, t); err != nil {
			return err
		}
	}
	return nil
}

func (rn *run) decideRemove(working *menu.State, e entry, v menu.ItemRemoved, cls policy.Classification, t *tally) error {
	if t.excluded[v.ItemID] {
		delete(t.excluded, v.ItemID)
		t.skip(e, "item declined on branch")
		return nil
	}
	if rn.gated(cls) {
		t.queue(e)
		return nil
	}
	if _, ok := working.Items[v.ItemID]; !ok {
		if t.withheld(v.ItemID) {
			t.supersede(v.ItemID, "", e)
			return nil
		}
		if rn.lenientMissing() {
			t.skip(e, "item not on branch")
			return nil
		}
		return fmt.Errorf("%w: %s", menu.ErrUnknownItem, v.ItemID)
	}

	delete(working.Items, v.ItemID)
	t.removed[v.ItemID] = true
	t.applied++
	t.supersede(v.ItemID, "", e)

	// locks do not survive the master item
	if _, ok := rn.overrides[v.ItemID]; ok {
		t.dropOverrides = append(t.dropOverrides, v.ItemID)
		t.event(e, models.EventForcedRemoval, "branch override removed with the item")
	}
	return nil
}

func (rn *run) decideField(working *menu.State, e entry, v menu.ItemFieldChanged, cls policy.Classification, t *tally) error {
	it, ok := working.Items[v.ItemID]
	if !ok {
		if t.withheld(v.ItemID) {
			t.queue(e)
			return nil
		}
		if t.excluded[v.ItemID] {
			t.skip(e, "item declined on branch")
			return nil
		}
		if rn.lenientMissing() {
			t.skip(e, "item not on branch")
			return nil
		}
		return fmt.Errorf("%w: %s", menu.ErrUnknownItem, v.ItemID)
	}

	ov := rn.overrides[v.ItemID]
	if ov.IsFieldLocked(v.Field) {
		t.conflicts = append(t.conflicts, models.Conflict{
			Version:     e.version,
			ItemID:      v.ItemID,
			ItemName:    it.Name,
			Field:       v.Field,
			MasterValue: v.New.String(),
			BranchValue: it.Get(v.Field).String(),
			Reason:      lockReason(ov, v.Field),
		})
		return nil
	}

	if rn.gated(cls) {
		t.queue(e)
		return nil
	}

	if err := it.Set(v.Field, v.New); err != nil {
		return err
	}
	working.Items[v.ItemID] = it
	t.updated[v.ItemID] = true
	t.applied++
	t.supersede(v.ItemID, v.Field, e)
	return nil
}

func (rn *run) decideCategory(working *menu.State, e entry, cls policy.Classification, t *tally) error {
	if rn.gated(cls) {
		t.queue(e)
		return nil
	}

	switch v := e.change.(type) {
	case menu.CategoryAdded:
		working.Categories[v.Category.ID] = v.Category
	case menu.CategoryRemoved, menu.CategoryRenamed, menu.CategoryReordered:
		if _, ok := working.Categories[v.Target()]; !ok {
			t.skip(e, "category not on branch")
			return nil
		}
		if err := menu.ApplyChange(working, v); err != nil {
			return err
		}
	default:
		return fmt.Errorf("%w: %T", menu.ErrMalformedChange, e.change)
	}
	t.applied++
	return nil
}

func lockReason(ov *models.BranchMenuOverride, field menu.Field) string {
	if ov.FullyLocked {
		return "fully_locked"
	}
	return string(field) + "_locked"
}

// status maps the run outcome onto the log status
func (rn *run) status(runErr error) models.SyncStatus {
	switch {
	case runErr != nil:
		return models.SyncStatusFailed
	case len(rn.total.conflicts) > 0 && rn.total.applied > 0:
		return models.SyncStatusPartial
	case len(rn.total.conflicts) > 0:
		return models.SyncStatusConflict
	}
	return models.SyncStatusSuccess
}

// finish writes the log row, records metrics and notifies. The log is written
// even when the caller's context is already cancelled.
func (rn *run) finish(ctx context.Context, runErr error) (*models.MenuSyncLog, error) {
	ctx = context.WithoutCancel(ctx)
	t := rn.total

	updated := 0
	for id := range t.updated {
		if !t.added[id] && !t.removed[id] {
			updated++
		}
	}

	l := &models.MenuSyncLog{
		BranchSyncID:   rn.bs.BranchSyncID,
		MasterMenuID:   rn.bs.MasterMenuID,
		FromVersion:    rn.from,
		ToVersion:      rn.cursor,
		SyncType:       rn.syncType,
		Status:         rn.status(runErr),
		ItemsAdded:     len(t.added),
		ItemsUpdated:   updated,
		ItemsRemoved:   len(t.removed),
		ChangesSkipped: t.skipped,
		ChangesQueued:  t.queued,
		TriggeredBy:    rn.actor,
		StartedAt:      rn.startedAt,
		CompletedAt:    rn.r.now(),
	}
	if runErr != nil {
		l.ErrorMessage = runErr.Error()
	}

	var err error
	if len(t.conflicts) > 0 {
		if l.ConflictDetails, err = models.NewJSON(t.conflicts); err != nil {
			return nil, errors.Join(runErr, err)
		}
	}
	if len(t.events) > 0 {
		if l.Details, err = models.NewJSON(t.events); err != nil {
			return nil, errors.Join(runErr, err)
		}
	}

	if err := rn.r.store.WriteLog(ctx, l); err != nil {
		logging.LogError(rn.r.logger, "reconcile", "finish", "failed to write sync log", rn.bs.BranchSyncID, err)
		return l, errors.Join(runErr, err)
	}

	rn.observe(l)
	rn.r.publish(ctx, rn.bs, l, len(t.conflicts))

	fields := logrus.Fields{
		"run_id":         l.RunID,
		"branch_sync_id": l.BranchSyncID,
		"from_version":   l.FromVersion,
		"to_version":     l.ToVersion,
		"sync_type":      l.SyncType,
		"status":         l.Status,
	}
	if runErr != nil {
		logging.LogError(rn.r.logger, "reconcile", "finish", "reconciliation failed", fields, runErr)
	} else {
		rn.r.logger.WithFields(fields).Info(l.Summary())
	}
	return l, runErr
}

func (rn *run) observe(l *models.MenuSyncLog) {
	t := rn.total
	metrics.ReconcileRuns.WithLabelValues(string(l.SyncType), string(l.Status)).Inc()
	metrics.ReconcileDuration.Observe(l.CompletedAt.Sub(l.StartedAt).Seconds())
	metrics.Changes.WithLabelValues("applied").Add(float64(t.applied))
	metrics.Changes.WithLabelValues("conflict").Add(float64(len(t.conflicts)))
	metrics.Changes.WithLabelValues("queued").Add(float64(t.queued))
	metrics.Changes.WithLabelValues("skipped").Add(float64(t.skipped))
	metrics.Changes.WithLabelValues("forced_removal").Add(float64(len(t.dropOverrides)))
}
