package storage

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"tasksync/internal/model"
)

// NewDB opens a SQLite database and runs migrations.
func NewDB(dsn string) (*gorm.DB, error) {
	if dsn == "" {
		dsn = "tasksync.db"
	}

	if err := ensureDirForSQLite(dsn); err != nil {
		return nil, err
	}

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: newLogger(logger.Warn, time.Second),
	})
	if err != nil {
		return nil, errors.Wrap(err, "error opening db")
	}

	// in-memory databases live as long as their connection
	sqlDB, err := db.DB()
	if err != nil {
		return nil, errors.Wrap(err, "error getting sql db")
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(
		&model.Task{},
		&model.CaldavAccount{},
		&model.CaldavCalendar{},
		&model.CaldavTask{},
		&model.TagData{},
		&model.Tag{},
		&model.Place{},
		&model.Geofence{},
	); err != nil {
		return nil, errors.Wrap(err, "error migrating db")
	}

	return db, nil
}

// ensureDirForSQLite creates parent dir for SQLite file if needed.
func ensureDirForSQLite(dsn string) error {
	if strings.Contains(dsn, ":memory:") || strings.Contains(dsn, "mode=memory") {
		return nil
	}
	clean := strings.TrimPrefix(dsn, "file:")
	clean = strings.Split(clean, "?")[0]
	dir := filepath.Dir(clean)
	if dir == "." || dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "error creating db dir %q", dir)
	}
	return nil
}
