package database

import (
	"path/filepath"
	"sync"
	"time"

	"emperror.dev/errors"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/Infinibay/backend-sub001/config"
	"github.com/Infinibay/backend-sub001/internal/models"
)

var (
	o  sync.Once
	db *gorm.DB
)

// Initialize configures the database connection used by the control plane
// and runs the auto-migrations for every persisted model. Must be called
// before Instance().
func Initialize() error {
	var err error
	o.Do(func() {
		p := filepath.Join(config.Get().System.RootDirectory, "database.sqlite")
		db, err = Open(p)
	})
	if err != nil {
		return errors.Wrap(err, "database: failed to initialize connection")
	}
	return nil
}

// Open opens (or creates) the sqlite database at the given path and runs
// migrations. Exposed separately from Initialize so tests can point it at
// ":memory:".
func Open(path string) (*gorm.DB, error) {
	instance, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, errors.Wrap(err, "database: could not open sqlite database")
	}
	sql, err := instance.DB()
	if err != nil {
		return nil, errors.WithStackIf(err)
	}
	sql.SetConnMaxIdleTime(time.Minute)

	if err := instance.AutoMigrate(
		&models.Department{},
		&models.Machine{},
		&models.MachineConfiguration{},
		&models.MachineApplication{},
		&models.RuleSet{},
		&models.FilterRule{},
		&models.FilterReference{},
	); err != nil {
		return nil, errors.Wrap(err, "database: failed to migrate models")
	}
	return instance, nil
}

// Instance returns the gorm database instance. Panics if Initialize was not
// called first: this is a programmer error, not a runtime condition.
func Instance() *gorm.DB {
	if db == nil {
		panic("database: attempt to access instance before initialized")
	}
	return db
}
