package database

import (
	"gorm.io/gorm"

	"github.com/lumenbank/lumen/internal/models"
)

// AutoMigrate creates or updates the database schema for all models.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.User{},
		&models.Session{},
		&models.OTPCode{},
		&models.AuditLog{},
		&models.SystemSetting{},
		&models.CacheEntry{},
	)
}

// SeedData populates installation defaults that must exist before the first
// request is served.
func SeedData(db *gorm.DB) error {
	setting := models.SystemSetting{
		Key:   OTPEnabledSetting,
		Value: "true",
	}
	return db.Where(models.SystemSetting{Key: setting.Key}).
		Attrs(setting).
		FirstOrCreate(&models.SystemSetting{}).Error
}
