// Package runlog keeps an append-only operator audit of work item
// executions in a local sqlite database. It exists for diagnostics only:
// the bot never consults it to make decisions, since the PR comment stream
// is the only persistent state the protocol relies on.
package runlog

import (
	"context"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/mergebot/mergebot/pkg/errors"
	"github.com/mergebot/mergebot/pkg/idgen"
	"github.com/mergebot/mergebot/pkg/logger"
)

// Run is one recorded work item execution
type Run struct {
	ID        uint      `gorm:"primaryKey"`
	RunID     string    `gorm:"size:32;index"`
	Key       string    `gorm:"size:255;index"`
	Kind      string    `gorm:"size:16"`
	Outcome   string    `gorm:"size:16"`
	Error     string    `gorm:"type:text"`
	Duration  int64     // milliseconds
	CreatedAt time.Time `gorm:"index"`
}

// TableName sets the table name for the run log
func (Run) TableName() string {
	return "work_item_runs"
}

// NewRunID generates a unique id for one execution
func NewRunID() string {
	return idgen.NewRunID()
}

// Store is the sqlite-backed run log
type Store struct {
	db *gorm.DB
}

// Open creates or migrates the run log database at the given path
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeConfigInvalid, "cannot open run log database "+path, err)
	}
	if err := db.AutoMigrate(&Run{}); err != nil {
		return nil, errors.Wrap(errors.ErrCodeConfigInvalid, "cannot migrate run log schema", err)
	}
	return &Store{db: db}, nil
}

// Record appends one run. Failures are logged and swallowed; the audit
// trail must never interfere with work item execution.
func (s *Store) Record(ctx context.Context, run Run) {
	if err := s.db.WithContext(ctx).Create(&run).Error; err != nil {
		logger.Warn("cannot record work item run", zap.Error(err))
	}
}

// Recent returns the most recent runs, newest first
func (s *Store) Recent(ctx context.Context, limit int) ([]Run, error) {
	var runs []Run
	err := s.db.WithContext(ctx).
		Order("created_at DESC").
		Limit(limit).
		Find(&runs).Error
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeConfigInvalid, "cannot query run log", err)
	}
	return runs, nil
}

// Cleanup deletes runs older than the retention window
func (s *Store) Cleanup(ctx context.Context, retention time.Duration) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("created_at < ?", time.Now().Add(-retention)).
		Delete(&Run{})
	if res.Error != nil {
		return 0, errors.Wrap(errors.ErrCodeConfigInvalid, "cannot clean up run log", res.Error)
	}
	return res.RowsAffected, nil
}

// Close closes the underlying database handle
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
