package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/localnerve/menusync/internal/models"
)

// WriteLog appends a sync log row. A missing run id is generated.
func (s *GormStore) WriteLog(ctx context.Context, l *models.MenuSyncLog) error {
	if l.SyncLogID != 0 {
		return fmt.Errorf("sync log %d is already written", l.SyncLogID)
	}
	if l.RunID == "" {
		l.RunID = uuid.NewString()
	}
	return s.db.WithContext(ctx).Create(l).Error
}

// ListLogs returns the newest logs of a branch first
func (s *GormStore) ListLogs(ctx context.Context, branchSyncID uint64, limit int) ([]models.MenuSyncLog, error) {
	if limit <= 0 {
		limit = 50
	}
	var logs []models.MenuSyncLog
	if err := s.quiet(ctx).
		Where("branch_sync_id = ?", branchSyncID).
		Order("started_at DESC").
		Order("sync_log_id DESC").
		Limit(limit).
		Find(&logs).Error; err != nil {
		return nil, err
	}
	return logs, nil
}

// LastLog returns the newest log of a branch
func (s *GormStore) LastLog(ctx context.Context, branchSyncID uint64) (*models.MenuSyncLog, error) {
	logs, err := s.ListLogs(ctx, branchSyncID, 1)
	if err != nil {
		return nil, err
	}
	if len(logs) == 0 {
		return nil, fmt.Errorf("sync log of branch sync %d: %w", branchSyncID, ErrNotFound)
	}
	return &logs[0], nil
}
