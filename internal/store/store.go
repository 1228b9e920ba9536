// Package store persists accounts, call logs, usage records, runtime
// settings and admin credentials. It backs onto SQLite by default and MySQL
// when the MYSQL_* environment is present; all access goes through gorm so
// both backends share one code path.
package store

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/amq2api/amq2api/internal/config"
	log "github.com/sirupsen/logrus"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Store wraps the database handle and exposes every persistence operation
// the pipeline needs.
type Store struct {
	db *gorm.DB
}

// Open connects to the configured backend, runs migrations, and returns a
// ready Store.
//
// Parameters:
//   - cfg: The loaded application configuration
//
// Returns:
//   - *Store: The opened store
//   - error: An error if the database could not be opened or migrated
func Open(cfg *config.Config) (*Store, error) {
	var dialector gorm.Dialector
	if cfg.UseMySQL() {
		log.Infof("using MySQL account store at %s", cfg.MySQLHost)
		dialector = mysql.Open(cfg.MySQLDSN())
	} else {
		if err := os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		log.Infof("using SQLite account store at %s", cfg.SQLitePath)
		dialector = sqlite.Open(cfg.SQLitePath + "?_busy_timeout=5000")
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err = db.AutoMigrate(
		&Account{},
		&CallLog{},
		&UsageRecord{},
		&Setting{},
		&AdminUser{},
		&AdminSession{},
	); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return &Store{db: db}, nil
}

// OpenSQLite opens a store at an explicit SQLite path. Used by tests.
func OpenSQLite(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err = db.AutoMigrate(&Account{}, &CallLog{}, &UsageRecord{}, &Setting{}, &AdminUser{}, &AdminSession{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
