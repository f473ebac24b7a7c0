package db

import (
	"polybot/internal/models"
)

func AutoMigrate(db *DB) error {
	if db == nil || db.Gorm == nil || db.SQL == nil {
		return nil
	}

	return db.Gorm.AutoMigrate(
		&models.Position{},
		&models.PnLRecord{},
		&models.StrategyPerformance{},
		&models.Order{},
		&models.SimulatedTrade{},
	)
}
