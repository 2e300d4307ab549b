package database

import (
	"fmt"
	"time"

	"github.com/greenloop/backend/internal/config"
	"github.com/greenloop/backend/internal/database/migrations"
	"github.com/greenloop/backend/internal/models"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// InitDB initializes the database connection with configuration
func InitDB(dbConfig config.DatabaseConfig) (*gorm.DB, error) {
	gormConfig := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Info),
	}

	db, err := gorm.Open(postgres.Open(dbConfig.URL), gormConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Configure connection pool
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database connection: %w", err)
	}

	// Set connection pool settings
	sqlDB.SetMaxIdleConns(dbConfig.MaxIdle)
	sqlDB.SetMaxOpenConns(dbConfig.MaxConns)
	sqlDB.SetConnMaxLifetime(time.Hour)

	// Versioned schema first (carries the status CHECK constraints), then
	// AutoMigrate to pick up additive column changes.
	if err := migrations.RunMigrations(db); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	if err := Migrate(db); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return db, nil
}

// Migrate runs gorm auto-migration over all models
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		// Identity
		&models.User{},

		// Geo
		&models.CollectionPoint{},

		// Submission pipeline
		&models.Submission{},
		&models.SubmissionEvent{},

		// Financial
		&models.Wallet{},
		&models.WalletEntry{},
		&models.CashoutRequest{},
		&models.PayoutTransaction{},
	)
}
