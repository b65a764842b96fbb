package history

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"echo-forge-go/internal/types"
)

const restoreBatch = 200

// BackupName is the default file name for a backup taken at now.
func BackupName(now time.Time) string {
	return "backup_history_" + now.UTC().Format("20060102_150405") + ".db"
}

// Backup writes a consistent copy of the database to dest, which must not
// exist yet.
func (s *Store) Backup(ctx context.Context, dest string) error {
	if _, err := os.Stat(dest); err == nil {
		return types.NewConfigurationError("backup target %s already exists", dest)
	}
	if dir := filepath.Dir(dest); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create backup dir: %w", err)
		}
	}

	// VACUUM refuses to run inside a transaction.
	db := s.db.WithContext(ctx)
	if err := db.Exec("VACUUM INTO ?", dest).Error; err != nil {
		return fmt.Errorf("backup history: %w", err)
	}
	if err := logActivity(db, types.ActivityBackup, "", filepath.Base(dest)); err != nil {
		return fmt.Errorf("backup history: %w", err)
	}
	s.log.WithField("path", dest).Info("history backed up")
	return nil
}

// Restore copies every entry of the backup at src into the store. Entries
// already present are overwritten; others are left alone. It returns the
// number of entries restored.
func (s *Store) Restore(ctx context.Context, src string) (int, error) {
	if _, err := os.Stat(src); err != nil {
		return 0, types.NewConfigurationError("backup %s: %v", src, err)
	}
	bak, err := gorm.Open(sqlite.Open(src), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return 0, types.NewDecodeError("restore", err)
	}
	if sqlDB, err := bak.DB(); err == nil {
		defer sqlDB.Close()
	}
	if !bak.Migrator().HasTable(&types.HistoryEntry{}) {
		return 0, types.NewDecodeError("restore", errors.New("file is not a history backup"))
	}

	var restored int
	var batch []types.HistoryEntry
	err = bak.WithContext(ctx).FindInBatches(&batch, restoreBatch, func(_ *gorm.DB, _ int) error {
		if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&batch).Error; err != nil {
			return err
		}
		restored += len(batch)
		return nil
	}).Error
	if err != nil {
		return restored, fmt.Errorf("restore history: %w", err)
	}
	if err := logActivity(s.db.WithContext(ctx), types.ActivityRestore, "", fmt.Sprintf("%d entries from %s", restored, filepath.Base(src))); err != nil {
		return restored, fmt.Errorf("restore history: %w", err)
	}
	s.log.WithFields(logrus.Fields{"path": src, "entries": restored}).Info("history restored")
	return restored, nil
}
