package alertstore

import (
	"sort"
	"strings"

	"github.com/noah-isme/gema-alerts/internal/models"
)

// Filter narrows a Query. Every non-zero field must match (logical AND).
type Filter struct {
	Category       models.Category
	MinPriority    models.Priority
	OnlyUnread     bool
	OnlyActive     bool
	SubjectID      string
	SearchText     string
	SortByPriority bool
}

// Matches reports whether the alert satisfies the filter.
func (f Filter) Matches(alert models.Alert) bool {
	if f.Category != "" && alert.Category != f.Category {
		return false
	}
	if f.MinPriority != "" && alert.Priority.Rank() < f.MinPriority.Rank() {
		return false
	}
	if f.OnlyUnread && alert.Read {
		return false
	}
	if f.OnlyActive && alert.Resolved {
		return false
	}
	if f.SubjectID != "" && (alert.SubjectID == nil || *alert.SubjectID != f.SubjectID) {
		return false
	}
	if needle := strings.TrimSpace(f.SearchText); needle != "" {
		if !strings.Contains(strings.ToLower(alert.Message), strings.ToLower(needle)) {
			return false
		}
	}
	return true
}

// order sorts alerts that were collected in insertion order.
func (f Filter) order(alerts []models.Alert) {
	if f.SortByPriority {
		sort.SliceStable(alerts, func(i, j int) bool {
			ri, rj := alerts[i].Priority.Rank(), alerts[j].Priority.Rank()
			if ri != rj {
				return ri > rj
			}
			return alerts[i].CreatedAt.After(alerts[j].CreatedAt)
		})
		return
	}

	// newest first; equal timestamps fall back to newest insertion first
	for i, j := 0, len(alerts)-1; i < j; i, j = i+1, j-1 {
		alerts[i], alerts[j] = alerts[j], alerts[i]
	}
	sort.SliceStable(alerts, func(i, j int) bool {
		return alerts[i].CreatedAt.After(alerts[j].CreatedAt)
	})
}
