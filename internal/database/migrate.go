package database

import (
	"fmt"

	"gorm.io/gorm"

	"github.com/noah-isme/gema-alerts/internal/models"
)

// Migrate creates the alert snapshot and activity tables.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&models.Alert{}, &models.AlertActivity{}); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	return nil
}
