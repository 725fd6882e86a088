package database

import (
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"canopy-ledger/internal/database/models"
)

func NewConnection(dsn string) (*gorm.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("DSN is required")
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}

	sqlDB.SetMaxOpenConns(20)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping DB: %w", err)
	}

	return db, nil
}

// MigrateEarningsDB creates the ledger tables and the collaborator tables it reads.
func MigrateEarningsDB(db *gorm.DB) error {
	for _, m := range []interface{}{
		&models.Role{},
		&models.User{},
		&models.EarnerAccount{},
		&models.LedgerTransaction{},
		&models.PayoutRequest{},
		&models.PayoutAllocation{},
		&models.CommissionConfirmation{},
		&models.InfluencerProfile{},
		&models.Dispensary{},
		&models.DispensaryStaff{},
		&models.SeasonalCampaign{},
		&models.Order{},
	} {
		if err := db.AutoMigrate(m); err != nil {
			return fmt.Errorf("migrate %T: %w", m, err)
		}
	}
	return nil
}
