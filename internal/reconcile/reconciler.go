// reconciler.go
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

// Package reconcile brings branch menus forward to the master menu. A run walks
// the master versions a branch has not seen, classifies every change with the
// franchise sync policy, respects branch field locks and writes one sync log row.
//
// Every replayed version is committed together with the branch cursor, so a run
// that fails part way leaves the cursor at the last version it fully applied.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/localnerve/menusync/internal/lock"
	"github.com/localnerve/menusync/internal/logging"
	"github.com/localnerve/menusync/internal/menu"
	"github.com/localnerve/menusync/internal/models"
	"github.com/localnerve/menusync/internal/notify"
	"github.com/localnerve/menusync/internal/policy"
	"github.com/localnerve/menusync/internal/store"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/localnerve/menusync/internal/reconcile")

var (
	// ErrSyncDisabled is returned for auto and manual runs against a disabled branch
	ErrSyncDisabled = errors.New("branch sync is disabled")
	// ErrInvalidTarget is returned when the target version is behind the branch or past the master
	ErrInvalidTarget = errors.New("invalid target version")
)

// Mode selects how manual-classified changes are treated.
type Mode string

const (
	// ModeAuto queues manual-classified changes for an operator
	ModeAuto Mode = "auto"
	// ModeManual is an operator run; manual-classified changes are applied
	ModeManual Mode = "manual"
	// ModeForced applies everything except never-sync changes and locked fields, even on disabled branches
	ModeForced Mode = "forced"
)

// Valid reports whether m is a known mode
func (m Mode) Valid() bool {
	return m == ModeAuto || m == ModeManual || m == ModeForced
}

func (m Mode) syncType() models.SyncType {
	switch m {
	case ModeManual:
		return models.SyncTypeManual
	case ModeForced:
		return models.SyncTypeForced
	}
	return models.SyncTypeAuto
}

// Failure is an unexpected error in the middle of a replay. The cursor stays at
// the last version that was fully applied.
type Failure struct {
	Version uint64
	Change  menu.Change
	Err     error
}

func (f *Failure) Error() string {
	if f.Change != nil {
		return fmt.Sprintf("version %d: %s: %v", f.Version, menu.Describe(f.Change), f.Err)
	}
	return fmt.Sprintf("version %d: %v", f.Version, f.Err)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// Options tunes a Reconciler.
type Options struct {
	// DefaultPolicy is layered under every master menu's stored policy
	DefaultPolicy policy.Policy
	// MaxReplayVersions is the gap above which a branch is caught up from the
	// newest snapshot in range instead of version by version. Zero disables it.
	MaxReplayVersions uint64
	// SweepParallelism bounds concurrent runs in Sweep
	SweepParallelism int
}

// Reconciler runs reconciliation against a store.
type Reconciler struct {
	store    store.Store
	locker   lock.Locker
	notifier notify.Notifier
	logger   *logrus.Logger
	opts     Options
	now      func() time.Time
}

// New builds a Reconciler. A nil locker guards runs in process, a nil notifier
// drops events and a nil logger discards output.
func New(st store.Store, locker lock.Locker, notifier notify.Notifier, logger *logrus.Logger, opts Options) *Reconciler {
	if locker == nil {
		locker = lock.NewLocalLocker(0)
	}
	if notifier == nil {
		notifier = notify.Noop{}
	}
	if logger == nil {
		logger = logging.Discard()
	}
	if opts.SweepParallelism <= 0 {
		opts.SweepParallelism = 4
	}
	return &Reconciler{
		store:    st,
		locker:   locker,
		notifier: notifier,
		logger:   logger,
		opts:     opts,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Request asks for one reconciliation run.
type Request struct {
	BranchSyncID uint64
	// TargetVersion of zero means the master's current version
	TargetVersion uint64
	// Mode defaults to ModeAuto
	Mode  Mode
	Actor string
}

// Reconcile brings a branch to the target version. The returned log is the row
// that was written; it is also returned alongside a Failure. Busy, disabled and
// invalid-target rejections write no log.
func (r *Reconciler) Reconcile(ctx context.Context, req Request) (*models.MenuSyncLog, error) {
	if req.Mode == "" {
		req.Mode = ModeAuto
	}
	if !req.Mode.Valid() {
		return nil, fmt.Errorf("unknown reconcile mode %q", req.Mode)
	}

	ctx, span := tracer.Start(ctx, "reconcile.Reconcile", trace.WithAttributes(
		attribute.Int64("menusync.branch_sync_id", int64(req.BranchSyncID)),
		attribute.String("menusync.mode", string(req.Mode)),
	))
	defer span.End()

	out, err := r.reconcile(ctx, req)
	traceResult(span, out, err)
	return out, err
}

func (r *Reconciler) reconcile(ctx context.Context, req Request) (*models.MenuSyncLog, error) {
	lease, err := r.locker.Acquire(ctx, lock.BranchKey(req.BranchSyncID))
	if err != nil {
		return nil, err
	}
	defer r.release(lease, req.BranchSyncID)

	bs, err := r.store.GetBranchSync(ctx, req.BranchSyncID)
	if err != nil {
		return nil, err
	}
	if bs.SyncMode == models.SyncModeDisabled && req.Mode != ModeForced {
		return nil, fmt.Errorf("%w: branch sync %d", ErrSyncDisabled, bs.BranchSyncID)
	}

	mm, err := r.store.GetMasterMenu(ctx, bs.MasterMenuID)
	if err != nil {
		return nil, err
	}
	target := req.TargetVersion
	if target == 0 {
		target = mm.CurrentVersion
	}
	if target > mm.CurrentVersion || target < bs.SyncedVersion {
		return nil, fmt.Errorf("%w: %d (branch at %d, master at %d)", ErrInvalidTarget, target, bs.SyncedVersion, mm.CurrentVersion)
	}

	if err := r.store.TouchChecked(ctx, bs.BranchSyncID, r.now()); err != nil {
		return nil, err
	}

	rn, err := r.newRun(ctx, lease, bs, req.Mode, req.Mode.syncType(), req.Actor)
	if err != nil {
		return nil, err
	}
	if target == bs.SyncedVersion {
		return rn.finish(ctx, nil)
	}

	steps, err := r.plan(ctx, bs.MasterMenuID, bs.SyncedVersion, target)
	if err != nil {
		return rn.finish(ctx, &Failure{Version: bs.SyncedVersion, Err: err})
	}
	for _, st := range steps {
		if err := rn.processStep(ctx, st); err != nil {
			return rn.finish(ctx, err)
		}
	}
	return rn.finish(ctx, nil)
}

// plan loads the steps that carry a branch from version from to target
func (r *Reconciler) plan(ctx context.Context, masterMenuID, from, target uint64) ([]step, error) {
	var steps []step
	start := from

	if r.opts.MaxReplayVersions > 0 && target-from > r.opts.MaxReplayVersions {
		snap, ok, err := r.store.LatestSnapshotIn(ctx, masterMenuID, from, target)
		if err != nil {
			return nil, err
		}
		if ok {
			base, err := r.store.StateAt(ctx, masterMenuID, from)
			if err != nil {
				return nil, err
			}
			head, err := r.store.StateAt(ctx, masterMenuID, snap)
			if err != nil {
				return nil, err
			}
			st := step{
				to: snap,
				notes: []models.Event{{
					Version: snap,
					Action:  models.EventConsolidated,
					Detail:  fmt.Sprintf("versions %d to %d applied as one diff", from+1, snap),
				}},
			}
			for _, c := range menu.Diff(base, head) {
				st.entries = append(st.entries, entry{version: snap, change: c})
			}
			steps = append(steps, st)
			start = snap
		}
	}

	versions, err := r.store.VersionsSince(ctx, masterMenuID, start, target)
	if err != nil {
		return nil, err
	}
	for _, v := range versions {
		st := step{to: v.Number}
		for _, c := range v.Changes {
			st.entries = append(st.entries, entry{version: v.Number, change: c})
		}
		steps = append(steps, st)
	}
	return steps, nil
}

// newRun loads everything a run decides against. The lease is refreshed before
// every step so a long catch-up keeps the branch to itself.
func (r *Reconciler) newRun(ctx context.Context, lease lock.Lease, bs *models.BranchMenuSync, mode Mode, syncType models.SyncType, actor string) (*run, error) {
	stored, err := r.store.Policy(ctx, bs.MasterMenuID)
	if err != nil {
		return nil, err
	}
	state, err := r.store.BranchState(ctx, bs.BranchSyncID)
	if err != nil {
		return nil, err
	}
	overrides, err := r.store.ListOverrides(ctx, bs.BranchSyncID)
	if err != nil {
		return nil, err
	}
	pending, err := bs.Pending()
	if err != nil {
		return nil, fmt.Errorf("branch sync %d has unreadable pending changes: %w", bs.BranchSyncID, err)
	}
	declined, err := bs.Excluded()
	if err != nil {
		return nil, fmt.Errorf("branch sync %d has unreadable excluded items: %w", bs.BranchSyncID, err)
	}
	excluded := make(map[string]bool, len(declined))
	for _, id := range declined {
		excluded[id] = true
	}

	return &run{
		r:         r,
		bs:        bs,
		mode:      mode,
		syncType:  syncType,
		actor:     actor,
		pol:       r.opts.DefaultPolicy.Merge(stored),
		startedAt: r.now(),
		from:      bs.SyncedVersion,
		cursor:    bs.SyncedVersion,
		state:     state,
		overrides: overrides,
		pending:   pending,
		excluded:  excluded,
		lease:     lease,
		total:     newTally(nil, nil),
	}, nil
}

func (r *Reconciler) release(lease lock.Lease, branchSyncID uint64) {
	if err := lease.Release(context.Background()); err != nil {
		logging.LogError(r.logger, "reconcile", "release", "failed to release branch lock", branchSyncID, err)
	}
}

// publish hands the finished run to the notifier; failures are logged only
func (r *Reconciler) publish(ctx context.Context, bs *models.BranchMenuSync, l *models.MenuSyncLog, conflicts int) {
	ev := notify.SyncEvent{
		RunID:        l.RunID,
		BranchSyncID: l.BranchSyncID,
		LocationID:   bs.LocationID,
		MasterMenuID: l.MasterMenuID,
		FromVersion:  l.FromVersion,
		ToVersion:    l.ToVersion,
		SyncType:     string(l.SyncType),
		Status:       string(l.Status),
		Conflicts:    conflicts,
		Summary:      l.Summary(),
		CompletedAt:  l.CompletedAt,
	}
	if err := r.notifier.Publish(ctx, ev); err != nil {
		logging.LogError(r.logger, "reconcile", "publish", "failed to publish sync event", l.RunID, err)
	}
}

func traceResult(span trace.Span, l *models.MenuSyncLog, err error) {
	if l != nil {
		span.SetAttributes(
			attribute.String("menusync.status", string(l.Status)),
			attribute.Int64("menusync.from_version", int64(l.FromVersion)),
			attribute.Int64("menusync.to_version", int64(l.ToVersion)),
		)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

func isNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}
