package db

import (
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"settlement-core/internal/models"
)

// Open connects to the configured database and brings the schema up to date.
// Postgres connections are retried because the database commonly starts
// alongside the service.
func Open(driver, dsn string, log *zap.Logger) (*gorm.DB, error) {
	cfg := &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Warn),
		NowFunc:        func() time.Time { return time.Now().UTC() },
	}

	var (
		database *gorm.DB
		err      error
	)
	switch driver {
	case "postgres":
		for i := range 10 {
			database, err = gorm.Open(postgres.Open(dsn), cfg)
			if err == nil {
				break
			}
			log.Warn("postgres connection attempt failed", zap.Int("attempt", i+1), zap.Error(err))
			time.Sleep(2 * time.Second)
		}
	case "sqlite":
		database, err = gorm.Open(sqlite.Open(dsn+sqliteParams(dsn)), cfg)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}

	if driver == "sqlite" {
		sqlDB, err := database.DB()
		if err != nil {
			return nil, fmt.Errorf("sqlite handle: %w", err)
		}
		// SQLite serializes writers; one connection avoids SQLITE_BUSY.
		sqlDB.SetMaxOpenConns(1)
	}

	if err := Migrate(database); err != nil {
		return nil, err
	}
	return database, nil
}

func Migrate(database *gorm.DB) error {
	if err := database.AutoMigrate(
		&models.User{},
		&models.LedgerTransaction{},
		&models.MonitoredAddress{},
	); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func sqliteParams(dsn string) string {
	if strings.Contains(dsn, "?") {
		return "&_foreign_keys=on"
	}
	return "?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000"
}
