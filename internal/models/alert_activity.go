package models

import (
	"time"

	"gorm.io/datatypes"
)

// AlertActivity captures a state change applied to the alert store.
type AlertActivity struct {
	ID        uint              `gorm:"primaryKey" json:"id"`
	Action    string            `gorm:"size:32;not null;index" json:"action"`
	AlertID   *uint64           `gorm:"index" json:"alert_id"`
	SubjectID *string           `gorm:"size:64;index" json:"subject_id"`
	Metadata  datatypes.JSONMap `gorm:"type:json" json:"metadata"`
	CreatedAt time.Time         `json:"created_at"`
}
