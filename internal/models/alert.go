package models

import "time"

// Category classifies what an alert is about.
type Category string

const (
	CategoryAttention   Category = "attention"
	CategoryEmotion     Category = "emotion"
	CategoryAchievement Category = "achievement"
	CategorySystem      Category = "system"
	CategoryPerformance Category = "performance"
	CategoryDrowsiness  Category = "drowsiness"
	CategoryEngagement  Category = "engagement"
)

// Categories lists every accepted category.
var Categories = []Category{
	CategoryAttention,
	CategoryEmotion,
	CategoryAchievement,
	CategorySystem,
	CategoryPerformance,
	CategoryDrowsiness,
	CategoryEngagement,
}

// ParseCategory reports whether raw names a known category. Matching is exact.
func ParseCategory(raw string) (Category, bool) {
	candidate := Category(raw)
	for _, category := range Categories {
		if category == candidate {
			return category, true
		}
	}
	return "", false
}

// Priority ranks how urgently an alert needs attention.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Priorities lists every accepted priority from lowest to highest.
var Priorities = []Priority{PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical}

// ParsePriority reports whether raw names a known priority. Matching is exact.
func ParsePriority(raw string) (Priority, bool) {
	candidate := Priority(raw)
	if candidate.Rank() == 0 {
		return "", false
	}
	return candidate, true
}

// Rank returns 1 (low) through 4 (critical), or 0 for unknown values.
func (p Priority) Rank() int {
	switch p {
	case PriorityLow:
		return 1
	case PriorityMedium:
		return 2
	case PriorityHigh:
		return 3
	case PriorityCritical:
		return 4
	default:
		return 0
	}
}

// Alert is a single notification tracked by the alert store.
type Alert struct {
	ID        uint64    `gorm:"primaryKey;autoIncrement:false" json:"id"`
	SubjectID *string   `gorm:"size:64;index" json:"subject_id"`
	Category  Category  `gorm:"size:32;not null;index" json:"category"`
	Message   string    `gorm:"type:text;not null" json:"message"`
	Priority  Priority  `gorm:"size:16;not null" json:"priority"`
	CreatedAt time.Time `gorm:"not null" json:"created_at"`
	Read      bool      `gorm:"not null;default:false" json:"read"`
	Resolved  bool      `gorm:"not null;default:false" json:"resolved"`
}

// Active reports whether the alert still needs handling.
func (a Alert) Active() bool {
	return !a.Resolved
}
