package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/localnerve/menusync/internal/lock"
	"github.com/localnerve/menusync/internal/logging"
	"github.com/localnerve/menusync/internal/menu"
	"github.com/localnerve/menusync/internal/models"
	"github.com/localnerve/menusync/internal/store"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// ErrNotOverridable is returned for fields a branch cannot override or lock
var ErrNotOverridable = errors.New("field cannot be overridden")

// overridable lists the fields a branch may hold its own value for
var overridable = []menu.Field{menu.FieldName, menu.FieldDescription, menu.FieldPrice, menu.FieldAvailability}

// BranchService is the branch operator edge. Edits take the same per-branch
// lock as reconciliation, so they never interleave with a run.
type BranchService struct {
	store  store.Store
	locker lock.Locker
	logger *logrus.Logger
}

// NewBranchService builds a BranchService
func NewBranchService(st store.Store, locker lock.Locker, logger *logrus.Logger) *BranchService {
	if locker == nil {
		locker = lock.NewLocalLocker(0)
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &BranchService{store: st, locker: locker, logger: logger}
}

// Subscribe returns the branch cursor of a location, creating it at version 0
func (s *BranchService) Subscribe(ctx context.Context, locationID string, masterMenuID uint64, mode models.SyncMode) (*models.BranchMenuSync, error) {
	bs, err := s.store.Subscribe(ctx, locationID, masterMenuID, mode)
	if err != nil {
		return nil, err
	}
	s.logger.WithFields(logrus.Fields{
		"branch_sync_id": bs.BranchSyncID,
		"location_id":    locationID,
		"master_menu_id": masterMenuID,
	}).Info("branch subscribed")
	return bs, nil
}

// GetBranch loads a branch cursor
func (s *BranchService) GetBranch(ctx context.Context, branchSyncID uint64) (*models.BranchMenuSync, error) {
	return s.store.GetBranchSync(ctx, branchSyncID)
}

// ListBranches lists the branches subscribed to a master menu
func (s *BranchService) ListBranches(ctx context.Context, masterMenuID uint64) ([]models.BranchMenuSync, error) {
	if _, err := s.store.GetMasterMenu(ctx, masterMenuID); err != nil {
		return nil, err
	}
	return s.store.ListBranchSyncs(ctx, masterMenuID)
}

// Menu returns the live branch menu
func (s *BranchService) Menu(ctx context.Context, branchSyncID uint64) (*menu.State, error) {
	if _, err := s.store.GetBranchSync(ctx, branchSyncID); err != nil {
		return nil, err
	}
	return s.store.BranchState(ctx, branchSyncID)
}

// Overrides lists the overrides of a branch
func (s *BranchService) Overrides(ctx context.Context, branchSyncID uint64) (map[string]*models.BranchMenuOverride, error) {
	if _, err := s.store.GetBranchSync(ctx, branchSyncID); err != nil {
		return nil, err
	}
	return s.store.ListOverrides(ctx, branchSyncID)
}

// Logs returns the newest sync logs of a branch first
func (s *BranchService) Logs(ctx context.Context, branchSyncID uint64, limit int) ([]models.MenuSyncLog, error) {
	if _, err := s.store.GetBranchSync(ctx, branchSyncID); err != nil {
		return nil, err
	}
	return s.store.ListLogs(ctx, branchSyncID, limit)
}

// SetSyncMode changes how a branch receives updates
func (s *BranchService) SetSyncMode(ctx context.Context, branchSyncID uint64, mode models.SyncMode) error {
	return s.withBranch(ctx, branchSyncID, func(st store.Store) error {
		return st.SetSyncMode(ctx, branchSyncID, mode)
	})
}

// OverrideInput sets a branch value for one item field, locks it, or both.
type OverrideInput struct {
	BranchSyncID uint64
	ItemID       string
	Field        menu.Field
	// Value is the branch value. A zero Value leaves the current value alone.
	Value menu.Value
	// Lock, when set, locks or unlocks the field. Only price and availability lock.
	Lock *bool
}

// SetOverride writes the override row and the live branch item together
func (s *BranchService) SetOverride(ctx context.Context, in OverrideInput) (*models.BranchMenuOverride, error) {
	if !isOverridable(in.Field) {
		return nil, fmt.Errorf("%w: %s", ErrNotOverridable, in.Field)
	}
	if in.Lock != nil && in.Field != menu.FieldPrice && in.Field != menu.FieldAvailability {
		return nil, fmt.Errorf("%w: %s cannot be locked", ErrNotOverridable, in.Field)
	}
	if in.Field == menu.FieldPrice && !in.Value.IsZero() {
		if err := menu.CheckPrice(in.Value.AsPrice()); err != nil {
			return nil, err
		}
	}

	var out *models.BranchMenuOverride
	err := s.withBranch(ctx, in.BranchSyncID, func(st store.Store) error {
		before, err := st.BranchState(ctx, in.BranchSyncID)
		if err != nil {
			return err
		}
		it, ok := before.Items[in.ItemID]
		if !ok {
			return fmt.Errorf("item %s on branch sync %d: %w", in.ItemID, in.BranchSyncID, store.ErrNotFound)
		}

		ov, err := loadOverride(ctx, st, in.BranchSyncID, in.ItemID)
		if err != nil {
			return err
		}

		after := before.Clone()
		if !in.Value.IsZero() {
			if err := it.Set(in.Field, in.Value); err != nil {
				return err
			}
			after.Items[in.ItemID] = it
			setOverrideValue(ov, in.Field, in.Value)
		}
		if in.Lock != nil {
			switch in.Field {
			case menu.FieldPrice:
				ov.PriceLocked = *in.Lock
			case menu.FieldAvailability:
				ov.AvailabilityLocked = *in.Lock
			}
		}

		if err := saveOverride(ctx, st, ov); err != nil {
			return err
		}
		if err := st.SaveBranchState(ctx, in.BranchSyncID, before, after); err != nil {
			return err
		}
		out = ov
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"branch_sync_id": in.BranchSyncID,
		"item_id":        in.ItemID,
		"field":          in.Field,
	}).Info("branch override set")
	return out, nil
}

// LockItem locks or unlocks every field of a branch item
func (s *BranchService) LockItem(ctx context.Context, branchSyncID uint64, itemID string, locked bool) (*models.BranchMenuOverride, error) {
	var out *models.BranchMenuOverride
	err := s.withBranch(ctx, branchSyncID, func(st store.Store) error {
		state, err := st.BranchState(ctx, branchSyncID)
		if err != nil {
			return err
		}
		if _, ok := state.Items[itemID]; !ok {
			return fmt.Errorf("item %s on branch sync %d: %w", itemID, branchSyncID, store.ErrNotFound)
		}
		ov, err := loadOverride(ctx, st, branchSyncID, itemID)
		if err != nil {
			return err
		}
		ov.FullyLocked = locked
		if err := saveOverride(ctx, st, ov); err != nil {
			return err
		}
		out = ov
		return nil
	})
	return out, err
}

// ClearOverrideField drops the branch value and lock of one field and restores
// the master value at the branch's synced version.
func (s *BranchService) ClearOverrideField(ctx context.Context, branchSyncID uint64, itemID string, field menu.Field) error {
	if !isOverridable(field) {
		return fmt.Errorf("%w: %s", ErrNotOverridable, field)
	}
	return s.withBranch(ctx, branchSyncID, func(st store.Store) error {
		if err := st.ClearOverrideField(ctx, branchSyncID, itemID, field); err != nil {
			return err
		}
		return restoreMaster(ctx, st, branchSyncID, itemID, field)
	})
}

// ResetToMaster deletes the override of an item and restores every overridable
// field to the master value at the branch's synced version.
func (s *BranchService) ResetToMaster(ctx context.Context, branchSyncID uint64, itemID string) error {
	return s.withBranch(ctx, branchSyncID, func(st store.Store) error {
		if _, err := st.DeleteOverride(ctx, branchSyncID, itemID); err != nil {
			return err
		}
		return restoreMaster(ctx, st, branchSyncID, itemID, overridable...)
	})
}

// withBranch runs fn in one transaction while holding the branch lock
func (s *BranchService) withBranch(ctx context.Context, branchSyncID uint64, fn func(store.Store) error) error {
	if _, err := s.store.GetBranchSync(ctx, branchSyncID); err != nil {
		return err
	}
	lease, err := s.locker.Acquire(ctx, lock.BranchKey(branchSyncID))
	if err != nil {
		return err
	}
	defer func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			logging.LogError(s.logger, "services", "withBranch", "failed to release branch lock", branchSyncID, err)
		}
	}()
	return s.store.Atomic(ctx, fn)
}

func restoreMaster(ctx context.Context, st store.Store, branchSyncID uint64, itemID string, fields ...menu.Field) error {
	bs, err := st.GetBranchSync(ctx, branchSyncID)
	if err != nil {
		return err
	}
	master, err := st.StateAt(ctx, bs.MasterMenuID, bs.SyncedVersion)
	if err != nil {
		return err
	}
	before, err := st.BranchState(ctx, branchSyncID)
	if err != nil {
		return err
	}
	src, inMaster := master.Items[itemID]
	it, onBranch := before.Items[itemID]
	if !inMaster || !onBranch {
		return nil
	}

	after := before.Clone()
	for _, f := range fields {
		if err := it.Set(f, src.Get(f)); err != nil {
			return err
		}
	}
	after.Items[itemID] = it
	return st.SaveBranchState(ctx, branchSyncID, before, after)
}

func loadOverride(ctx context.Context, st store.Store, branchSyncID uint64, itemID string) (*models.BranchMenuOverride, error) {
	ov, err := st.GetOverride(ctx, branchSyncID, itemID)
	if errors.Is(err, store.ErrNotFound) {
		return &models.BranchMenuOverride{BranchSyncID: branchSyncID, MasterItemID: itemID}, nil
	}
	return ov, err
}

func saveOverride(ctx context.Context, st store.Store, ov *models.BranchMenuOverride) error {
	if ov.IsEmpty() {
		_, err := st.DeleteOverride(ctx, ov.BranchSyncID, ov.MasterItemID)
		return err
	}
	return st.UpsertOverride(ctx, ov)
}

func setOverrideValue(ov *models.BranchMenuOverride, field menu.Field, v menu.Value) {
	switch field {
	case menu.FieldPrice:
		ov.PriceOverride = decimal.NullDecimal{Decimal: v.AsPrice(), Valid: true}
	case menu.FieldAvailability:
		b := v.AsFlag()
		ov.AvailabilityOverride = &b
	case menu.FieldName:
		name := v.AsText()
		ov.NameOverride = &name
	case menu.FieldDescription:
		desc := v.AsText()
		ov.DescriptionOverride = &desc
	}
}

func isOverridable(f menu.Field) bool {
	for _, o := range overridable {
		if o == f {
			return true
		}
	}
	return false
}
