package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/localnerve/menusync/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Options tunes GormStore.
type Options struct {
	// SnapshotCadence stores a full snapshot on every version divisible by it. Zero disables snapshots.
	SnapshotCadence uint64
	// CommitRetries bounds internal compare-and-swap retries for commits without an expected version.
	CommitRetries int
}

// DefaultOptions mirror the configuration defaults.
func DefaultOptions() Options {
	return Options{SnapshotCadence: 20, CommitRetries: 5}
}

// GormStore implements Store on gorm.
type GormStore struct {
	db       *gorm.DB
	opts     Options
	validate *validator.Validate
	inTx     bool
}

// NewGormStore wraps db
func NewGormStore(db *gorm.DB, opts Options) *GormStore {
	if opts.CommitRetries <= 0 {
		opts.CommitRetries = 1
	}
	return &GormStore{db: db, opts: opts, validate: validator.New()}
}

// Migrate creates or updates every table the store uses
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.MasterMenu{},
		&models.MasterMenuVersion{},
		&models.BranchMenuSync{},
		&models.BranchMenuOverride{},
		&models.BranchMenuItem{},
		&models.BranchMenuCategory{},
		&models.MenuSyncLog{},
	)
}

// DB returns the underlying handle
func (s *GormStore) DB() *gorm.DB {
	return s.db
}

// Atomic runs fn inside one transaction. Nested calls reuse the outer transaction.
func (s *GormStore) Atomic(ctx context.Context, fn func(Store) error) error {
	if s.inTx {
		return fn(s)
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(s.withTx(tx))
	})
}

func (s *GormStore) withTx(tx *gorm.DB) *GormStore {
	return &GormStore{db: tx, opts: s.opts, validate: s.validate, inTx: true}
}

// quiet is the silent session used for hot read paths
func (s *GormStore) quiet(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx).Session(&gorm.Session{Logger: s.db.Logger.LogMode(logger.Silent)})
}

// notFound maps gorm's record-not-found onto ErrNotFound
func notFound(err error, format string, args ...interface{}) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrNotFound)
	}
	return err
}
