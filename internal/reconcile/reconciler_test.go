package reconcile

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/localnerve/menusync/internal/lock"
	"github.com/localnerve/menusync/internal/menu"
	"github.com/localnerve/menusync/internal/models"
	"github.com/localnerve/menusync/internal/notify"
	"github.com/localnerve/menusync/internal/policy"
	"github.com/localnerve/menusync/internal/store"
	"github.com/localnerve/menusync/internal/testutil"
	"github.com/shopspring/decimal"
)

type recorder struct {
	mu     sync.Mutex
	events []notify.SyncEvent
}

func (r *recorder) Publish(_ context.Context, ev notify.SyncEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

type fixture struct {
	t      *testing.T
	ctx    context.Context
	store  *store.GormStore
	rec    *Reconciler
	locker *lock.LocalLocker
	events *recorder
	master uint64
}

func setupFixture(t *testing.T, opts store.Options, ropts Options) *fixture {
	t.Helper()
	st := store.NewGormStore(testutil.OpenDB(t, store.Migrate), opts)
	locker := lock.NewLocalLocker(0)
	events := &recorder{}
	if ropts.DefaultPolicy.ChangeTypes == nil {
		ropts.DefaultPolicy = policy.Default()
	}

	f := &fixture{
		t:      t,
		ctx:    context.Background(),
		store:  st,
		rec:    New(st, locker, events, nil, ropts),
		locker: locker,
		events: events,
	}
	mm, err := st.CreateMasterMenu(f.ctx, "franchise-1", "main", nil)
	if err != nil {
		t.Fatalf("CreateMasterMenu failed: %v", err)
	}
	f.master = mm.MasterMenuID

	f.commit(
		menu.CategoryAdded{Category: menu.Category{ID: "drinks", Name: "Drinks", SortOrder: 1}},
		menu.ItemAdded{Item: testItem("latte", "Latte", "4.50")},
		menu.ItemAdded{Item: testItem("mocha", "Mocha", "5.00")},
	)
	return f
}

func testItem(id, name, price string) menu.Item {
	return menu.Item{
		ID:          id,
		CategoryID:  "drinks",
		Name:        name,
		Description: name + " with steamed milk",
		Price:       decimal.RequireFromString(price),
		Available:   true,
	}
}

func price(s string) menu.Value {
	return menu.Price(decimal.RequireFromString(s))
}

func (f *fixture) commit(changes ...menu.Change) uint64 {
	f.t.Helper()
	v, err := f.store.Commit(f.ctx, store.CommitInput{
		MasterMenuID: f.master,
		ChangeType:   "edit",
		Changes:      changes,
		Actor:        "author",
	})
	if err != nil {
		f.t.Fatalf("Commit failed: %v", err)
	}
	return v
}

// subscribe creates a branch and brings it to the master's current version
func (f *fixture) subscribe(location string) uint64 {
	f.t.Helper()
	bs, err := f.store.Subscribe(f.ctx, location, f.master, models.SyncModeAuto)
	if err != nil {
		f.t.Fatalf("Subscribe failed: %v", err)
	}
	if _, err := f.rec.Reconcile(f.ctx, Request{BranchSyncID: bs.BranchSyncID, Mode: ModeAuto}); err != nil {
		f.t.Fatalf("initial Reconcile failed: %v", err)
	}
	return bs.BranchSyncID
}

func (f *fixture) branchItem(branchSyncID uint64, id string) (menu.Item, bool) {
	f.t.Helper()
	state, err := f.store.BranchState(f.ctx, branchSyncID)
	if err != nil {
		f.t.Fatalf("BranchState failed: %v", err)
	}
	it, ok := state.Items[id]
	return it, ok
}

func (f *fixture) cursor(branchSyncID uint64) *models.BranchMenuSync {
	f.t.Helper()
	bs, err := f.store.GetBranchSync(f.ctx, branchSyncID)
	if err != nil {
		f.t.Fatalf("GetBranchSync failed: %v", err)
	}
	return bs
}

func (f *fixture) lockPrice(branchSyncID uint64, itemID string) {
	f.t.Helper()
	if err := f.store.UpsertOverride(f.ctx, &models.BranchMenuOverride{
		BranchSyncID: branchSyncID,
		MasterItemID: itemID,
		PriceLocked:  true,
	}); err != nil {
		f.t.Fatalf("UpsertOverride failed: %v", err)
	}
}

func TestInitialReconcileBuildsBranch(t *testing.T) {
	f := setupFixture(t, store.DefaultOptions(), Options{})
	id := f.subscribe("loc-1")

	master, err := f.store.StateAt(f.ctx, f.master, 1)
	if err != nil {
		t.Fatalf("StateAt failed: %v", err)
	}
	branch, err := f.store.BranchState(f.ctx, id)
	if err != nil {
		t.Fatalf("BranchState failed: %v", err)
	}
	if !branch.Equal(master) {
		t.Errorf("branch does not match master:\n got %+v\nwant %+v", branch, master)
	}

	last, err := f.store.LastLog(f.ctx, id)
	if err != nil {
		t.Fatalf("LastLog failed: %v", err)
	}
	if last.Status != models.SyncStatusSuccess || last.ItemsAdded != 2 || last.FromVersion != 0 || last.ToVersion != 1 {
		t.Errorf("unexpected log: %+v", last)
	}
	if len(f.events.events) != 1 || f.events.events[0].Status != "success" {
		t.Errorf("expected one published success event, got %+v", f.events.events)
	}
}

func TestConflictAccounting(t *testing.T) {
	f := setupFixture(t, store.DefaultOptions(), Options{})
	id := f.subscribe("loc-1")
	f.lockPrice(id, "latte")

	f.commit(
		menu.ItemFieldChanged{ItemID: "latte", Field: menu.FieldPrice, Old: price("4.50"), New: price("4.75")},
		menu.ItemFieldChanged{ItemID: "latte", Field: menu.FieldAvailability, Old: menu.Flag(true), New: menu.Flag(false)},
	)

	l, err := f.rec.Reconcile(f.ctx, Request{BranchSyncID: id, Mode: ModeAuto, Actor: "scheduler"})
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if l.Status != models.SyncStatusPartial {
		t.Errorf("expected partial, got %s", l.Status)
	}
	if l.ItemsUpdated != 1 {
		t.Errorf("expected 1 item updated, got %d", l.ItemsUpdated)
	}
	conflicts, err := l.Conflicts()
	if err != nil {
		t.Fatalf("Conflicts failed: %v", err)
	}
	if len(conflicts) != 1 {
		t.Fatalf("expected exactly one conflict, got %+v", conflicts)
	}
	c := conflicts[0]
	if c.ItemID != "latte" || c.Field != menu.FieldPrice || c.ItemName != "Latte" || c.Reason != "price_locked" {
		t.Errorf("unexpected conflict: %+v", c)
	}
	if got := l.Summary(); got != "partial, 1 item updated, 1 conflict (price locked on Latte)" {
		t.Errorf("unexpected summary %q", got)
	}

	latte, _ := f.branchItem(id, "latte")
	if latte.Available {
		t.Error("expected the availability change to apply")
	}
	if !latte.Price.Equal(decimal.RequireFromString("4.50")) {
		t.Errorf("locked price changed to %s", latte.Price)
	}

	bs := f.cursor(id)
	if bs.SyncedVersion != 2 {
		t.Errorf("expected cursor at 2, got %d", bs.SyncedVersion)
	}
	if bs.HasPendingUpdates {
		t.Error("a conflicting change must not be queued")
	}
	if _, err := f.store.GetOverride(f.ctx, id, "latte"); err != nil {
		t.Errorf("the override must survive a conflict: %v", err)
	}
}

func TestLockInviolability(t *testing.T) {
	f := setupFixture(t, store.DefaultOptions(), Options{})
	id := f.subscribe("loc-1")
	f.lockPrice(id, "latte")

	prices := []string{"4.50", "4.60", "4.70", "4.80", "4.90"}
	for i := 1; i < len(prices); i++ {
		f.commit(menu.ItemFieldChanged{ItemID: "latte", Field: menu.FieldPrice, Old: price(prices[i-1]), New: price(prices[i])})
		mode := ModeAuto
		if i%2 == 0 {
			mode = ModeForced
		}
		if _, err := f.rec.Reconcile(f.ctx, Request{BranchSyncID: id, Mode: mode}); err != nil {
			t.Fatalf("Reconcile %d failed: %v", i, err)
		}
	}

	latte, _ := f.branchItem(id, "latte")
	if !latte.Price.Equal(decimal.RequireFromString("4.50")) {
		t.Errorf("locked price changed to %s", latte.Price)
	}
}

func TestIdempotentReconcile(t *testing.T) {
	f := setupFixture(t, store.DefaultOptions(), Options{})
	id := f.subscribe("loc-1")

	before, _ := f.store.BranchState(f.ctx, id)
	l, err := f.rec.Reconcile(f.ctx, Request{BranchSyncID: id})
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if l.FromVersion != 1 || l.ToVersion != 1 || l.Status != models.SyncStatusSuccess {
		t.Errorf("unexpected no-op log: %+v", l)
	}
	if l.ItemsAdded+l.ItemsUpdated+l.ItemsRemoved != 0 {
		t.Errorf("no-op run changed items: %+v", l)
	}
	after, _ := f.store.BranchState(f.ctx, id)
	if !after.Equal(before) {
		t.Error("no-op run changed the branch menu")
	}
	if bs := f.cursor(id); bs.SyncedVersion != 1 || bs.LastCheckedAt == nil {
		t.Errorf("unexpected cursor after no-op: %+v", bs)
	}
}

func TestItemRemovalDropsOverride(t *testing.T) {
	f := setupFixture(t, store.DefaultOptions(), Options{})
	id := f.subscribe("loc-1")
	f.lockPrice(id, "mocha")

	f.commit(menu.ItemRemoved{ItemID: "mocha"})

	l, err := f.rec.Reconcile(f.ctx, Request{BranchSyncID: id})
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if l.Status != models.SyncStatusSuccess || l.ItemsRemoved != 1 {
		t.Errorf("unexpected log: %+v", l)
	}
	if conflicts, _ := l.Conflicts(); len(conflicts) != 0 {
		t.Errorf("removal must not be a conflict, got %+v", conflicts)
	}
	events, _ := l.Events()
	var forced bool
	for _, ev := range events {
		if ev.Action == models.EventForcedRemoval && ev.Target == "mocha" {
			forced = true
		}
	}
	if !forced {
		t.Errorf("expected a forced_removal event, got %+v", events)
	}

	if _, ok := f.branchItem(id, "mocha"); ok {
		t.Error("mocha still on the branch")
	}
	if _, err := f.store.GetOverride(f.ctx, id, "mocha"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected the override to be deleted, got %v", err)
	}
}

func TestManualChangesQueueAndApply(t *testing.T) {
	f := setupFixture(t, store.DefaultOptions(), Options{})
	id := f.subscribe("loc-1")

	f.commit(menu.ItemFieldChanged{ItemID: "latte", Field: menu.FieldDescription, Old: menu.Text("Latte with steamed milk"), New: menu.Text("Double shot")})

	l, err := f.rec.Reconcile(f.ctx, Request{BranchSyncID: id, Mode: ModeAuto})
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if l.Status != models.SyncStatusSuccess || l.ChangesQueued != 1 {
		t.Errorf("unexpected log: %+v", l)
	}
	bs := f.cursor(id)
	if bs.SyncedVersion != 2 || !bs.HasPendingUpdates {
		t.Fatalf("expected cursor 2 with pending updates, got %+v", bs)
	}
	latte, _ := f.branchItem(id, "latte")
	if latte.Description != "Latte with steamed milk" {
		t.Errorf("queued change applied early: %q", latte.Description)
	}

	status, err := f.rec.Status(f.ctx, id)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if status.State != StatePendingManual || status.PendingCount != 1 {
		t.Errorf("unexpected status: %+v", status)
	}

	l, err = f.rec.ApplyPending(f.ctx, id, "manager")
	if err != nil {
		t.Fatalf("ApplyPending failed: %v", err)
	}
	if l.SyncType != models.SyncTypeManual || l.ItemsUpdated != 1 || l.FromVersion != 2 || l.ToVersion != 2 {
		t.Errorf("unexpected apply log: %+v", l)
	}
	latte, _ = f.branchItem(id, "latte")
	if latte.Description != "Double shot" {
		t.Errorf("expected the queued description, got %q", latte.Description)
	}
	if bs := f.cursor(id); bs.HasPendingUpdates || bs.SyncedVersion != 2 {
		t.Errorf("expected queue cleared at version 2, got %+v", bs)
	}
}

func TestManualRunAppliesManualChanges(t *testing.T) {
	f := setupFixture(t, store.DefaultOptions(), Options{})
	id := f.subscribe("loc-1")

	f.commit(menu.ItemFieldChanged{ItemID: "mocha", Field: menu.FieldPrice, Old: price("5.00"), New: price("5.25")})

	l, err := f.rec.Reconcile(f.ctx, Request{BranchSyncID: id, Mode: ModeManual})
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if l.ChangesQueued != 0 || l.ItemsUpdated != 1 {
		t.Errorf("unexpected log: %+v", l)
	}
	mocha, _ := f.branchItem(id, "mocha")
	if !mocha.Price.Equal(decimal.RequireFromString("5.25")) {
		t.Errorf("expected 5.25, got %s", mocha.Price)
	}
}

func TestDiscardPending(t *testing.T) {
	f := setupFixture(t, store.DefaultOptions(), Options{})
	id := f.subscribe("loc-1")
	f.commit(menu.ItemFieldChanged{ItemID: "mocha", Field: menu.FieldPrice, Old: price("5.00"), New: price("5.25")})

	if _, err := f.rec.Reconcile(f.ctx, Request{BranchSyncID: id}); err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	l, err := f.rec.DiscardPending(f.ctx, id, "manager")
	if err != nil {
		t.Fatalf("DiscardPending failed: %v", err)
	}
	events, _ := l.Events()
	if len(events) != 1 || events[0].Action != models.EventDiscarded || l.ChangesSkipped != 1 {
		t.Errorf("expected one discarded event, got %+v (%+v)", events, l)
	}
	if bs := f.cursor(id); bs.HasPendingUpdates {
		t.Error("expected the queue to be empty")
	}
	mocha, _ := f.branchItem(id, "mocha")
	if !mocha.Price.Equal(decimal.RequireFromString("5.00")) {
		t.Errorf("discarded change was applied: %s", mocha.Price)
	}
}

func TestQueuedAdditionCarriesLaterEdits(t *testing.T) {
	f := setupFixture(t, store.DefaultOptions(), Options{})
	id := f.subscribe("loc-1")
	if err := f.store.SetSyncMode(f.ctx, id, models.SyncModeManual); err != nil {
		t.Fatalf("SetSyncMode failed: %v", err)
	}

	f.commit(menu.ItemAdded{Item: testItem("chai", "Chai", "3.75")})
	f.commit(menu.ItemFieldChanged{ItemID: "chai", Field: menu.FieldName, Old: menu.Text("Chai"), New: menu.Text("Chai Latte")})

	l, err := f.rec.Reconcile(f.ctx, Request{BranchSyncID: id, Mode: ModeAuto})
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if l.ChangesQueued != 2 || l.ItemsAdded != 0 {
		t.Errorf("a manual branch must queue everything, got %+v", l)
	}
	if _, ok := f.branchItem(id, "chai"); ok {
		t.Fatal("chai added before the operator accepted it")
	}

	if _, err := f.rec.ApplyPending(f.ctx, id, "manager"); err != nil {
		t.Fatalf("ApplyPending failed: %v", err)
	}
	chai, ok := f.branchItem(id, "chai")
	if !ok || chai.Name != "Chai Latte" {
		t.Errorf("expected Chai Latte on the branch, got %+v %v", chai, ok)
	}
}

func TestDisabledBranch(t *testing.T) {
	f := setupFixture(t, store.DefaultOptions(), Options{})
	id := f.subscribe("loc-1")
	if err := f.store.SetSyncMode(f.ctx, id, models.SyncModeDisabled); err != nil {
		t.Fatalf("SetSyncMode failed: %v", err)
	}
	f.commit(menu.ItemFieldChanged{ItemID: "latte", Field: menu.FieldAvailability, Old: menu.Flag(true), New: menu.Flag(false)})

	if _, err := f.rec.Reconcile(f.ctx, Request{BranchSyncID: id, Mode: ModeAuto}); !errors.Is(err, ErrSyncDisabled) {
		t.Fatalf("expected ErrSyncDisabled, got %v", err)
	}
	l, err := f.rec.Reconcile(f.ctx, Request{BranchSyncID: id, Mode: ModeForced})
	if err != nil {
		t.Fatalf("forced Reconcile failed: %v", err)
	}
	if l.SyncType != models.SyncTypeForced || l.ToVersion != 2 {
		t.Errorf("unexpected forced log: %+v", l)
	}
}

func TestBusyBranch(t *testing.T) {
	f := setupFixture(t, store.DefaultOptions(), Options{})
	id := f.subscribe("loc-1")

	lease, err := f.locker.Acquire(f.ctx, lock.BranchKey(id))
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	defer lease.Release(f.ctx)

	if _, err := f.rec.Reconcile(f.ctx, Request{BranchSyncID: id}); !errors.Is(err, lock.ErrBusy) {
		t.Fatalf("expected lock.ErrBusy, got %v", err)
	}
}

func TestInvalidTarget(t *testing.T) {
	f := setupFixture(t, store.DefaultOptions(), Options{})
	id := f.subscribe("loc-1")

	if _, err := f.rec.Reconcile(f.ctx, Request{BranchSyncID: id, TargetVersion: 5}); !errors.Is(err, ErrInvalidTarget) {
		t.Fatalf("expected ErrInvalidTarget, got %v", err)
	}
	if _, err := f.rec.Reconcile(f.ctx, Request{BranchSyncID: id, Mode: "sideways"}); err == nil {
		t.Fatal("expected an unknown mode to be rejected")
	}
}

func TestFailureKeepsLastCompletedVersion(t *testing.T) {
	f := setupFixture(t, store.DefaultOptions(), Options{})
	id := f.subscribe("loc-1")

	// the branch lost latte outside of sync
	before, _ := f.store.BranchState(f.ctx, id)
	after := before.Clone()
	delete(after.Items, "latte")
	if err := f.store.SaveBranchState(f.ctx, id, before, after); err != nil {
		t.Fatalf("SaveBranchState failed: %v", err)
	}

	f.commit(menu.ItemFieldChanged{ItemID: "mocha", Field: menu.FieldName, Old: menu.Text("Mocha"), New: menu.Text("Cafe Mocha")})
	f.commit(menu.ItemFieldChanged{ItemID: "latte", Field: menu.FieldAvailability, Old: menu.Flag(true), New: menu.Flag(false)})

	l, err := f.rec.Reconcile(f.ctx, Request{BranchSyncID: id})
	var failure *Failure
	if !errors.As(err, &failure) {
		t.Fatalf("expected a Failure, got %v", err)
	}
	if failure.Version != 3 || !errors.Is(err, menu.ErrUnknownItem) {
		t.Errorf("unexpected failure: %+v", failure)
	}
	if l == nil || l.Status != models.SyncStatusFailed || l.ErrorMessage == "" || l.ToVersion != 2 {
		t.Errorf("unexpected failed log: %+v", l)
	}
	if bs := f.cursor(id); bs.SyncedVersion != 2 {
		t.Errorf("expected cursor at the last clean version 2, got %d", bs.SyncedVersion)
	}
	mocha, _ := f.branchItem(id, "mocha")
	if mocha.Name != "Cafe Mocha" {
		t.Errorf("version 2 should have been kept, got %q", mocha.Name)
	}
}

func TestRollback(t *testing.T) {
	f := setupFixture(t, store.DefaultOptions(), Options{})
	id := f.subscribe("loc-1")
	f.lockPrice(id, "mocha")

	f.commit(
		menu.ItemFieldChanged{ItemID: "latte", Field: menu.FieldName, Old: menu.Text("Latte"), New: menu.Text("Caffe Latte")},
		menu.ItemAdded{Item: testItem("chai", "Chai", "3.75")},
	)
	if _, err := f.rec.Reconcile(f.ctx, Request{BranchSyncID: id}); err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}

	l, err := f.rec.Rollback(f.ctx, RollbackRequest{BranchSyncID: id, ToVersion: 1, Pin: true, Actor: "support"})
	if err != nil {
		t.Fatalf("Rollback failed: %v", err)
	}
	if l.SyncType != models.SyncTypeRollback || l.FromVersion != 2 || l.ToVersion != 1 {
		t.Errorf("unexpected rollback log: %+v", l)
	}

	latte, _ := f.branchItem(id, "latte")
	if latte.Name != "Latte" {
		t.Errorf("expected the version 1 name, got %q", latte.Name)
	}
	if _, ok := f.branchItem(id, "chai"); ok {
		t.Error("chai did not exist at version 1")
	}
	bs := f.cursor(id)
	if bs.SyncedVersion != 1 || bs.SyncMode != models.SyncModeDisabled {
		t.Errorf("expected a pinned cursor at 1, got %+v", bs)
	}

	versions, _ := f.store.VersionsSince(f.ctx, f.master, 0, 10)
	if len(versions) != 2 {
		t.Errorf("rollback must not touch master history, got %d versions", len(versions))
	}

	if _, err := f.rec.Rollback(f.ctx, RollbackRequest{BranchSyncID: id, ToVersion: 9}); !errors.Is(err, ErrInvalidTarget) {
		t.Errorf("expected ErrInvalidTarget, got %v", err)
	}
}

func TestFarBehindBranchUsesSnapshot(t *testing.T) {
	f := setupFixture(t, store.Options{SnapshotCadence: 4, CommitRetries: 3}, Options{
		MaxReplayVersions: 2,
		DefaultPolicy: policy.Default().Merge(policy.Policy{
			Fields: map[menu.Field]policy.Classification{
				menu.FieldPrice:       policy.Auto,
				menu.FieldDescription: policy.Auto,
			},
		}),
	})

	prices := []string{"4.50", "4.60", "4.70", "4.80", "4.90"}
	for i := 1; i < len(prices); i++ {
		f.commit(menu.ItemFieldChanged{ItemID: "latte", Field: menu.FieldPrice, Old: price(prices[i-1]), New: price(prices[i])})
	}
	f.commit(menu.ItemRemoved{ItemID: "mocha"})

	bs, err := f.store.Subscribe(f.ctx, "loc-late", f.master, "")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	l, err := f.rec.Reconcile(f.ctx, Request{BranchSyncID: bs.BranchSyncID})
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if l.ToVersion != 6 || l.Status != models.SyncStatusSuccess {
		t.Errorf("unexpected log: %+v", l)
	}

	events, _ := l.Events()
	var consolidated bool
	for _, ev := range events {
		if ev.Action == models.EventConsolidated && ev.Version == 4 {
			consolidated = true
		}
	}
	if !consolidated {
		t.Errorf("expected a consolidated step at snapshot 4, got %+v", events)
	}

	master, _ := f.store.StateAt(f.ctx, f.master, 6)
	branch, _ := f.store.BranchState(f.ctx, bs.BranchSyncID)
	if !branch.Equal(master) {
		t.Errorf("branch does not match master:\n got %+v\nwant %+v", branch, master)
	}
}

func TestSweep(t *testing.T) {
	f := setupFixture(t, store.DefaultOptions(), Options{SweepParallelism: 2})
	a := f.subscribe("loc-a")
	b := f.subscribe("loc-b")
	c := f.subscribe("loc-c")
	if err := f.store.SetSyncMode(f.ctx, c, models.SyncModeDisabled); err != nil {
		t.Fatalf("SetSyncMode failed: %v", err)
	}

	f.commit(menu.ItemFieldChanged{ItemID: "latte", Field: menu.FieldAvailability, Old: menu.Flag(true), New: menu.Flag(false)})

	results, err := f.rec.Sweep(f.ctx, f.master, "cron")
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	for _, r := range results {
		switch r.BranchSyncID {
		case a, b:
			if r.Err != nil || r.Log == nil || r.Log.ToVersion != 2 {
				t.Errorf("branch %d: unexpected result %+v", r.BranchSyncID, r)
			}
		case c:
			if !errors.Is(r.Err, ErrSyncDisabled) {
				t.Errorf("disabled branch: expected ErrSyncDisabled, got %v", r.Err)
			}
		}
	}
}

func TestStatus(t *testing.T) {
	f := setupFixture(t, store.DefaultOptions(), Options{})
	id := f.subscribe("loc-1")

	status, err := f.rec.Status(f.ctx, id)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if status.State != StateUpToDate || status.LastLog == nil {
		t.Errorf("expected up_to_date with a last log, got %+v", status)
	}

	f.commit(menu.ItemFieldChanged{ItemID: "latte", Field: menu.FieldAvailability, Old: menu.Flag(true), New: menu.Flag(false)})
	status, _ = f.rec.Status(f.ctx, id)
	if status.State != StateBehind || status.VersionsBehind != 1 {
		t.Errorf("expected behind by 1, got %+v", status)
	}

	f.lockPrice(id, "latte")
	f.commit(menu.ItemFieldChanged{ItemID: "latte", Field: menu.FieldPrice, Old: price("4.50"), New: price("4.75")})
	if _, err := f.rec.Reconcile(f.ctx, Request{BranchSyncID: id}); err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	status, _ = f.rec.Status(f.ctx, id)
	if status.State != StateConflicts {
		t.Errorf("expected conflicts, got %+v", status)
	}
}

func TestNeverSyncField(t *testing.T) {
	f := setupFixture(t, store.DefaultOptions(), Options{})
	id := f.subscribe("loc-1")
	if err := f.store.SetPolicy(f.ctx, f.master, policy.Policy{NeverSync: []menu.Field{menu.FieldName}}); err != nil {
		t.Fatalf("SetPolicy failed: %v", err)
	}

	f.commit(menu.ItemFieldChanged{ItemID: "latte", Field: menu.FieldName, Old: menu.Text("Latte"), New: menu.Text("Flat White")})
	l, err := f.rec.Reconcile(f.ctx, Request{BranchSyncID: id, Mode: ModeForced})
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if l.ChangesSkipped != 1 || l.Status != models.SyncStatusSuccess {
		t.Errorf("expected one skipped change, got %+v", l)
	}
	if latte, _ := f.branchItem(id, "latte"); latte.Name != "Latte" {
		t.Errorf("never-sync field changed to %q", latte.Name)
	}
}

func TestConflictAccountingAcrossVersions(t *testing.T) {
	f := setupFixture(t, store.DefaultOptions(), Options{})
	id := f.subscribe("loc-1")
	f.lockPrice(id, "latte")

	f.commit(menu.ItemFieldChanged{ItemID: "latte", Field: menu.FieldPrice, Old: price("4.50"), New: price("4.75")})
	f.commit(menu.ItemFieldChanged{ItemID: "latte", Field: menu.FieldAvailability, Old: menu.Flag(true), New: menu.Flag(false)})

	l, err := f.rec.Reconcile(f.ctx, Request{BranchSyncID: id, TargetVersion: 3})
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if l.Status != models.SyncStatusPartial || l.FromVersion != 1 || l.ToVersion != 3 {
		t.Errorf("unexpected log: %+v", l)
	}
	conflicts, _ := l.Conflicts()
	if len(conflicts) != 1 || conflicts[0].Version != 2 || conflicts[0].Field != menu.FieldPrice || conflicts[0].ItemID != "latte" {
		t.Fatalf("expected one price conflict from version 2, got %+v", conflicts)
	}

	latte, _ := f.branchItem(id, "latte")
	if latte.Available || !latte.Price.Equal(decimal.RequireFromString("4.50")) {
		t.Errorf("expected availability applied and price kept, got %+v", latte)
	}
	if bs := f.cursor(id); bs.SyncedVersion != 3 || bs.HasPendingUpdates {
		t.Errorf("expected cursor at 3 with nothing queued, got %+v", bs)
	}
}

func TestDiscardedAdditionIsDeclined(t *testing.T) {
	f := setupFixture(t, store.DefaultOptions(), Options{})
	id := f.subscribe("loc-1")
	if err := f.store.SetSyncMode(f.ctx, id, models.SyncModeManual); err != nil {
		t.Fatalf("SetSyncMode failed: %v", err)
	}

	f.commit(menu.ItemAdded{Item: testItem("chai", "Chai", "3.75")})
	if _, err := f.rec.Reconcile(f.ctx, Request{BranchSyncID: id}); err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if _, err := f.rec.DiscardPending(f.ctx, id, "manager"); err != nil {
		t.Fatalf("DiscardPending failed: %v", err)
	}
	if ids, _ := f.cursor(id).Excluded(); len(ids) != 1 || ids[0] != "chai" {
		t.Fatalf("expected chai to be declined, got %v", ids)
	}

	// later master edits of the declined item are skipped in every mode
	f.commit(menu.ItemFieldChanged{ItemID: "chai", Field: menu.FieldAvailability, Old: menu.Flag(true), New: menu.Flag(false)})
	l, err := f.rec.Reconcile(f.ctx, Request{BranchSyncID: id, Mode: ModeAuto})
	if err != nil {
		t.Fatalf("auto Reconcile failed: %v", err)
	}
	if l.Status != models.SyncStatusSuccess || l.ToVersion != 3 || l.ChangesSkipped != 1 {
		t.Errorf("unexpected auto log: %+v", l)
	}

	f.commit(menu.ItemFieldChanged{ItemID: "chai", Field: menu.FieldPrice, Old: price("3.75"), New: price("4.00")})
	l, err = f.rec.Reconcile(f.ctx, Request{BranchSyncID: id, Mode: ModeForced})
	if err != nil {
		t.Fatalf("forced Reconcile failed: %v", err)
	}
	if l.Status != models.SyncStatusSuccess || l.ToVersion != 4 {
		t.Errorf("unexpected forced log: %+v", l)
	}
	if _, ok := f.branchItem(id, "chai"); ok {
		t.Fatal("a declined item must stay off the branch")
	}

	// removal settles the refusal; a new addition is offered again
	f.commit(menu.ItemRemoved{ItemID: "chai"})
	if _, err := f.rec.Reconcile(f.ctx, Request{BranchSyncID: id, Mode: ModeManual}); err != nil {
		t.Fatalf("manual Reconcile failed: %v", err)
	}
	if ids, _ := f.cursor(id).Excluded(); len(ids) != 0 {
		t.Errorf("expected the refusal to clear with the removal, got %v", ids)
	}

	f.commit(menu.ItemAdded{Item: testItem("chai", "Chai", "4.25")})
	if _, err := f.rec.Reconcile(f.ctx, Request{BranchSyncID: id, Mode: ModeManual}); err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	chai, ok := f.branchItem(id, "chai")
	if !ok || !chai.Price.Equal(decimal.RequireFromString("4.25")) {
		t.Errorf("expected the re-added chai on the branch, got %+v %v", chai, ok)
	}
	if bs := f.cursor(id); bs.SyncedVersion != 6 {
		t.Errorf("expected cursor at 6, got %d", bs.SyncedVersion)
	}
}

func TestReAddSupersedesQueuedRemoval(t *testing.T) {
	f := setupFixture(t, store.DefaultOptions(), Options{})
	id := f.subscribe("loc-1")
	if err := f.store.SetSyncMode(f.ctx, id, models.SyncModeManual); err != nil {
		t.Fatalf("SetSyncMode failed: %v", err)
	}

	f.commit(menu.ItemRemoved{ItemID: "mocha"})
	f.commit(menu.ItemAdded{Item: testItem("mocha", "Mocha", "5.50")})

	if _, err := f.rec.Reconcile(f.ctx, Request{BranchSyncID: id}); err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	pending, err := f.cursor(id).Pending()
	if err != nil {
		t.Fatalf("Pending failed: %v", err)
	}
	if len(pending) != 1 || pending[0].Change.Kind() != menu.KindItemFieldChanged || pending[0].Version != 3 {
		t.Fatalf("expected only the re-added price to be queued, got %+v", pending)
	}

	l, err := f.rec.ApplyPending(f.ctx, id, "manager")
	if err != nil {
		t.Fatalf("ApplyPending failed: %v", err)
	}
	if l.ItemsRemoved != 0 || l.ItemsUpdated != 1 {
		t.Errorf("unexpected apply log: %+v", l)
	}

	master, _ := f.store.StateAt(f.ctx, f.master, 3)
	branch, _ := f.store.BranchState(f.ctx, id)
	if !branch.Equal(master) {
		t.Errorf("branch does not match master:\n got %+v\nwant %+v", branch, master)
	}
}

type countingLocker struct {
	inner     *lock.LocalLocker
	mu        sync.Mutex
	refreshes int
	lost      bool
}

type countingLease struct {
	lock.Lease
	owner *countingLocker
}

func (l *countingLocker) Acquire(ctx context.Context, key string) (lock.Lease, error) {
	lease, err := l.inner.Acquire(ctx, key)
	if err != nil {
		return nil, err
	}
	return &countingLease{Lease: lease, owner: l}, nil
}

func (cl *countingLease) Refresh(ctx context.Context) error {
	cl.owner.mu.Lock()
	defer cl.owner.mu.Unlock()
	cl.owner.refreshes++
	if cl.owner.lost {
		return lock.ErrLost
	}
	return cl.Lease.Refresh(ctx)
}

func TestRunRefreshesLeasePerVersion(t *testing.T) {
	f := setupFixture(t, store.DefaultOptions(), Options{})
	id := f.subscribe("loc-1")
	locker := &countingLocker{inner: lock.NewLocalLocker(0)}
	rec := New(f.store, locker, nil, nil, Options{DefaultPolicy: policy.Default()})

	f.commit(menu.ItemFieldChanged{ItemID: "latte", Field: menu.FieldName, Old: menu.Text("Latte"), New: menu.Text("Caffe Latte")})
	f.commit(menu.ItemFieldChanged{ItemID: "mocha", Field: menu.FieldName, Old: menu.Text("Mocha"), New: menu.Text("Cafe Mocha")})
	f.commit(menu.ItemFieldChanged{ItemID: "mocha", Field: menu.FieldAvailability, Old: menu.Flag(true), New: menu.Flag(false)})

	if _, err := rec.Reconcile(f.ctx, Request{BranchSyncID: id}); err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if locker.refreshes != 3 {
		t.Errorf("expected one refresh per version, got %d", locker.refreshes)
	}

	locker.lost = true
	f.commit(menu.ItemFieldChanged{ItemID: "latte", Field: menu.FieldAvailability, Old: menu.Flag(true), New: menu.Flag(false)})
	l, err := rec.Reconcile(f.ctx, Request{BranchSyncID: id})
	if !errors.Is(err, lock.ErrLost) {
		t.Fatalf("expected lock.ErrLost, got %v", err)
	}
	if l == nil || l.Status != models.SyncStatusFailed {
		t.Errorf("expected a failed log, got %+v", l)
	}
	if bs := f.cursor(id); bs.SyncedVersion != 4 {
		t.Errorf("a lost lease must not move the cursor, got %d", bs.SyncedVersion)
	}
}
