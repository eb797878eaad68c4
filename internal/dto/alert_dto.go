package dto

import (
	"time"

	"github.com/noah-isme/gema-alerts/internal/models"
)

// AlertCreateRequest describes the payload to raise an alert.
type AlertCreateRequest struct {
	SubjectID *string    `json:"subject_id"`
	Category  string     `json:"category"`
	Priority  string     `json:"priority"`
	Message   string     `json:"message"`
	CreatedAt *time.Time `json:"created_at"`
}

// AlertQuery represents query filters for listing alerts.
type AlertQuery struct {
	Category    string `query:"category" validate:"omitempty,oneof=attention emotion achievement system performance drowsiness engagement"`
	MinPriority string `query:"min_priority" validate:"omitempty,oneof=low medium high critical"`
	OnlyUnread  bool   `query:"only_unread"`
	OnlyActive  bool   `query:"only_active"`
	SubjectID   string `query:"subject_id" validate:"omitempty,max=64"`
	Search      string `query:"q" validate:"omitempty,max=200"`
	Sort        string `query:"sort" validate:"omitempty,oneof=recent priority"`
	Limit       int    `query:"limit" validate:"omitempty,min=0,max=200"`
	Offset      int    `query:"offset" validate:"omitempty,min=0"`
}

// AlertResponse represents alert data returned to clients.
type AlertResponse struct {
	ID        uint64    `json:"id"`
	SubjectID *string   `json:"subject_id"`
	Category  string    `json:"category"`
	Priority  string    `json:"priority"`
	Message   string    `json:"message"`
	Read      bool      `json:"read"`
	Resolved  bool      `json:"resolved"`
	CreatedAt time.Time `json:"created_at"`
}

// NewAlertResponse converts an alert model to DTO.
func NewAlertResponse(model models.Alert) AlertResponse {
	return AlertResponse{
		ID:        model.ID,
		SubjectID: model.SubjectID,
		Category:  string(model.Category),
		Priority:  string(model.Priority),
		Message:   model.Message,
		Read:      model.Read,
		Resolved:  model.Resolved,
		CreatedAt: model.CreatedAt,
	}
}

// NewAlertResponseSlice converts a slice to DTOs.
func NewAlertResponseSlice(items []models.Alert) []AlertResponse {
	out := make([]AlertResponse, 0, len(items))
	for _, item := range items {
		out = append(out, NewAlertResponse(item))
	}
	return out
}

// AlertListResponse wraps a filtered alert view together with the store counters.
type AlertListResponse struct {
	Items       []AlertResponse `json:"items"`
	Total       int             `json:"total"`
	UnreadCount int             `json:"unread_count"`
	ActiveCount int             `json:"active_count"`
	Empty       bool            `json:"empty"`
}

// AlertStatusResponse reports the outcome of a mutation on a single alert.
type AlertStatusResponse struct {
	ID          uint64 `json:"id"`
	Found       bool   `json:"found"`
	Changed     bool   `json:"changed"`
	UnreadCount int    `json:"unread_count"`
}

// AlertBulkReadResponse reports the outcome of marking every alert as read.
type AlertBulkReadResponse struct {
	Updated     int `json:"updated"`
	UnreadCount int `json:"unread_count"`
}

// AlertSummaryResponse aggregates the active alerts for dashboard badges.
type AlertSummaryResponse struct {
	Total       int            `json:"total"`
	UnreadCount int            `json:"unread_count"`
	ActiveCount int            `json:"active_count"`
	ByPriority  map[string]int `json:"by_priority"`
	ByCategory  map[string]int `json:"by_category"`
}

// AlertImportResponse reports how many records were accepted from a snapshot.
type AlertImportResponse struct {
	Imported int                  `json:"imported"`
	Dropped  []AlertImportDropped `json:"dropped,omitempty"`
}

// AlertImportDropped describes a snapshot record that was rejected.
type AlertImportDropped struct {
	Index  int    `json:"index"`
	Reason string `json:"reason"`
}

// AlertActivityFeedRequest captures filters for the alert activity feed.
type AlertActivityFeedRequest struct {
	Page      int    `query:"page" validate:"omitempty,min=1"`
	PageSize  int    `query:"page_size" validate:"omitempty,min=1,max=100"`
	Action    string `query:"action" validate:"omitempty,oneof=created read read_all resolved removed imported"`
	SubjectID string `query:"subject_id" validate:"omitempty,max=64"`
}

// AlertActivityItem is a single entry of the activity feed.
type AlertActivityItem struct {
	ID        uint                   `json:"id"`
	Action    string                 `json:"action"`
	AlertID   *uint64                `json:"alert_id,omitempty"`
	SubjectID *string                `json:"subject_id,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

// AlertActivityFeedResponse contains the paginated activity feed.
type AlertActivityFeedResponse struct {
	Items      []AlertActivityItem `json:"items"`
	Pagination PaginationMeta      `json:"pagination"`
	CacheHit   bool                `json:"cache_hit"`
}

// PaginationMeta captures pagination metadata for list responses.
type PaginationMeta struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	TotalItems int64 `json:"total_items"`
	TotalPages int   `json:"total_pages"`
}
