package repository

import (
	"context"

	"gorm.io/gorm"

	"github.com/noah-isme/gema-alerts/internal/models"
)

// AlertActivityFilter narrows activity trail queries.
type AlertActivityFilter struct {
	Page      int
	PageSize  int
	Action    string
	SubjectID string
	AlertID   *uint64
}

// AlertActivityRepository persists the alert activity trail.
type AlertActivityRepository interface {
	Create(ctx context.Context, entry *models.AlertActivity) error
	List(ctx context.Context, filter AlertActivityFilter) ([]models.AlertActivity, int64, error)
}

type alertActivityRepository struct {
	db *gorm.DB
}

// NewAlertActivityRepository constructs the activity repository.
func NewAlertActivityRepository(db *gorm.DB) AlertActivityRepository {
	return &alertActivityRepository{db: db}
}

func (r *alertActivityRepository) Create(ctx context.Context, entry *models.AlertActivity) error {
	return r.db.WithContext(ctx).Create(entry).Error
}

func (r *alertActivityRepository) List(ctx context.Context, filter AlertActivityFilter) ([]models.AlertActivity, int64, error) {
	query := r.db.WithContext(ctx).Model(&models.AlertActivity{})

	if filter.Action != "" {
		query = query.Where("action = ?", filter.Action)
	}

	if filter.SubjectID != "" {
		query = query.Where("subject_id = ?", filter.SubjectID)
	}

	if filter.AlertID != nil {
		query = query.Where("alert_id = ?", *filter.AlertID)
	}

	countQuery := query.Session(&gorm.Session{})
	var total int64
	if err := countQuery.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	if filter.PageSize > 0 {
		page := filter.Page
		if page <= 0 {
			page = 1
		}
		offset := (page - 1) * filter.PageSize
		query = query.Offset(offset).Limit(filter.PageSize)
	}

	var entries []models.AlertActivity
	if err := query.Order("created_at DESC").Order("id DESC").Find(&entries).Error; err != nil {
		return nil, 0, err
	}

	return entries, total, nil
}
