package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/localnerve/menusync/internal/menu"
)

// SyncType is the trigger that produced a reconciliation run
type SyncType string

const (
	SyncTypeAuto     SyncType = "auto"
	SyncTypeManual   SyncType = "manual"
	SyncTypeForced   SyncType = "forced"
	SyncTypeRollback SyncType = "rollback"
)

// Valid reports whether t is a known sync type
func (t SyncType) Valid() bool {
	switch t {
	case SyncTypeAuto, SyncTypeManual, SyncTypeForced, SyncTypeRollback:
		return true
	}
	return false
}

// SyncStatus is the outcome of a reconciliation run
type SyncStatus string

const (
	SyncStatusSuccess  SyncStatus = "success"
	SyncStatusPartial  SyncStatus = "partial"
	SyncStatusFailed   SyncStatus = "failed"
	SyncStatusConflict SyncStatus = "conflict"
)

// Conflict is one change that could not be applied because the branch locked the field.
type Conflict struct {
	Version     uint64     `json:"version"`
	ItemID      string     `json:"item_id"`
	ItemName    string     `json:"item_name,omitempty"`
	Field       menu.Field `json:"field"`
	MasterValue string     `json:"master_value"`
	BranchValue string     `json:"branch_value"`
	Reason      string     `json:"reason"`
}

// EventAction classifies a change that was not applied as a normal update
type EventAction string

const (
	EventSkipped       EventAction = "skipped"
	EventQueued        EventAction = "queued"
	EventForcedRemoval EventAction = "forced_removal"
	EventDiscarded     EventAction = "discarded"
	EventConsolidated  EventAction = "consolidated"
)

// Event records a noteworthy change outcome inside a run.
type Event struct {
	Version uint64      `json:"version"`
	Action  EventAction `json:"action"`
	Kind    menu.Kind   `json:"kind"`
	Target  string      `json:"target"`
	Field   menu.Field  `json:"field,omitempty"`
	Detail  string      `json:"detail,omitempty"`
}

// MenuSyncLog is the append-only audit row of one reconciliation attempt.
type MenuSyncLog struct {
	SyncLogID       uint64     `gorm:"primaryKey;autoIncrement" json:"id"`
	RunID           string     `gorm:"size:36;not null;uniqueIndex" json:"run_id"`
	BranchSyncID    uint64     `gorm:"not null;index:idx_sync_log_branch" json:"branch_sync_id"`
	MasterMenuID    uint64     `gorm:"not null;index" json:"master_menu_id"`
	FromVersion     uint64     `gorm:"not null" json:"from_version"`
	ToVersion       uint64     `gorm:"not null" json:"to_version"`
	SyncType        SyncType   `gorm:"size:16;not null" json:"sync_type"`
	Status          SyncStatus `gorm:"size:16;not null" json:"status"`
	ItemsAdded      int        `gorm:"not null" json:"items_added"`
	ItemsUpdated    int        `gorm:"not null" json:"items_updated"`
	ItemsRemoved    int        `gorm:"not null" json:"items_removed"`
	ChangesSkipped  int        `gorm:"not null" json:"changes_skipped"`
	ChangesQueued   int        `gorm:"not null" json:"changes_queued"`
	ConflictDetails JSON       `json:"conflict_details"`
	Details         JSON       `json:"details"`
	ErrorMessage    string     `gorm:"type:text" json:"error_message,omitempty"`
	TriggeredBy     string     `gorm:"size:255" json:"triggered_by,omitempty"`
	StartedAt       time.Time  `gorm:"not null;index:idx_sync_log_branch" json:"started_at"`
	CompletedAt     time.Time  `json:"completed_at"`
}

// Conflicts decodes the conflict details
func (l *MenuSyncLog) Conflicts() ([]Conflict, error) {
	var conflicts []Conflict
	if err := l.ConflictDetails.Decode(&conflicts); err != nil {
		return nil, err
	}
	return conflicts, nil
}

// Events decodes the per-change event details
func (l *MenuSyncLog) Events() ([]Event, error) {
	var events []Event
	if err := l.Details.Decode(&events); err != nil {
		return nil, err
	}
	return events, nil
}

// Summary renders the operator view of the run, for example
// "success, 3 items updated, 1 conflict (price locked on Latte)".
func (l *MenuSyncLog) Summary() string {
	parts := []string{string(l.Status)}
	if l.ItemsAdded > 0 {
		parts = append(parts, plural(l.ItemsAdded, "item")+" added")
	}
	if l.ItemsUpdated > 0 {
		parts = append(parts, plural(l.ItemsUpdated, "item")+" updated")
	}
	if l.ItemsRemoved > 0 {
		parts = append(parts, plural(l.ItemsRemoved, "item")+" removed")
	}
	if l.ChangesQueued > 0 {
		parts = append(parts, plural(l.ChangesQueued, "change")+" pending")
	}

	conflicts, _ := l.Conflicts()
	if len(conflicts) > 0 {
		details := make([]string, 0, len(conflicts))
		for _, c := range conflicts {
			name := c.ItemName
			if name == "" {
				name = c.ItemID
			}
			details = append(details, fmt.Sprintf("%s locked on %s", c.Field, name))
		}
		word := "conflict"
		if len(conflicts) > 1 {
			word = "conflicts"
		}
		parts = append(parts, fmt.Sprintf("%d %s (%s)", len(conflicts), word, strings.Join(details, ", ")))
	}

	if l.ErrorMessage != "" {
		parts = append(parts, "error: "+l.ErrorMessage)
	}
	return strings.Join(parts, ", ")
}

func plural(n int, noun string) string {
	if n == 1 {
		return fmt.Sprintf("1 %s", noun)
	}
	return fmt.Sprintf("%d %ss", n, noun)
}

// TableName overrides the table name for MenuSyncLog
func (MenuSyncLog) TableName() string {
	return "menu_sync_logs"
}
