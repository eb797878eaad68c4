package service

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"gorm.io/datatypes"

	"github.com/noah-isme/gema-alerts/internal/dto"
	"github.com/noah-isme/gema-alerts/internal/models"
	"github.com/noah-isme/gema-alerts/internal/observability"
	"github.com/noah-isme/gema-alerts/internal/repository"
)

// Activity actions recorded for alert state changes.
const (
	AlertActionCreated  = "created"
	AlertActionRead     = "read"
	AlertActionReadAll  = "read_all"
	AlertActionResolved = "resolved"
	AlertActionRemoved  = "removed"
	AlertActionImported = "imported"
)

// AlertActivityEntry captures the details required to persist an activity entry.
type AlertActivityEntry struct {
	Action    string
	AlertID   *uint64
	SubjectID *string
	Metadata  map[string]interface{}
}

// AlertActivityRecorder defines behaviour for recording alert activity.
type AlertActivityRecorder interface {
	Record(ctx context.Context, entry AlertActivityEntry) error
}

// AlertActivityService records the alert activity trail and serves the activity feed.
type AlertActivityService interface {
	AlertActivityRecorder
	Feed(ctx context.Context, req dto.AlertActivityFeedRequest) (dto.AlertActivityFeedResponse, error)
}

type alertActivityService struct {
	repo      repository.AlertActivityRepository
	cache     *redis.Client
	ttl       time.Duration
	validator *validator.Validate
	logger    zerolog.Logger
}

// NewAlertActivityService builds the activity service. cache may be nil.
func NewAlertActivityService(repo repository.AlertActivityRepository, cache *redis.Client, ttl time.Duration, validate *validator.Validate, logger zerolog.Logger) AlertActivityService {
	if ttl <= 0 {
		ttl = 45 * time.Second
	}
	if validate == nil {
		validate = validator.New()
	}
	return &alertActivityService{
		repo:      repo,
		cache:     cache,
		ttl:       ttl,
		validator: validate,
		logger:    logger.With().Str("component", "alert_activity_service").Logger(),
	}
}

func (s *alertActivityService) Record(ctx context.Context, entry AlertActivityEntry) error {
	action := strings.ToLower(strings.TrimSpace(entry.Action))
	if action == "" {
		return fmt.Errorf("action is required")
	}

	model := models.AlertActivity{
		Action:    action,
		AlertID:   entry.AlertID,
		SubjectID: entry.SubjectID,
		Metadata:  datatypes.JSONMap(entry.Metadata),
	}
	if model.Metadata == nil {
		model.Metadata = datatypes.JSONMap{}
	}

	if err := s.repo.Create(ctx, &model); err != nil {
		s.logger.Error().Err(err).Msg("failed to persist alert activity")
		return err
	}
	return nil
}

func (s *alertActivityService) Feed(ctx context.Context, req dto.AlertActivityFeedRequest) (dto.AlertActivityFeedResponse, error) {
	if err := s.validator.Struct(req); err != nil {
		return dto.AlertActivityFeedResponse{}, err
	}

	page := maxInt(req.Page, 1)
	pageSize := clampPageSize(req.PageSize)

	filter := repository.AlertActivityFilter{
		Page:      page,
		PageSize:  pageSize,
		Action:    strings.ToLower(strings.TrimSpace(req.Action)),
		SubjectID: strings.TrimSpace(req.SubjectID),
	}

	cacheKey := s.cacheKey(filter)
	if cacheKey != "" {
		if cached, err := s.cache.Get(ctx, cacheKey).Result(); err == nil && cached != "" {
			var response dto.AlertActivityFeedResponse
			if err := json.Unmarshal([]byte(cached), &response); err == nil {
				response.CacheHit = true
				observability.AlertActivityRequests().WithLabelValues("hit").Inc()
				return response, nil
			}
		}
	}

	entries, total, err := s.repo.List(ctx, filter)
	if err != nil {
		observability.AlertActivityRequests().WithLabelValues("error").Inc()
		return dto.AlertActivityFeedResponse{}, err
	}

	items := make([]dto.AlertActivityItem, 0, len(entries))
	for _, entry := range entries {
		items = append(items, dto.AlertActivityItem{
			ID:        entry.ID,
			Action:    entry.Action,
			AlertID:   entry.AlertID,
			SubjectID: entry.SubjectID,
			Metadata:  map[string]interface{}(entry.Metadata),
			CreatedAt: entry.CreatedAt,
		})
	}

	pagination := dto.PaginationMeta{
		Page:       page,
		PageSize:   pageSize,
		TotalItems: total,
		TotalPages: int(math.Ceil(float64(total) / float64(pageSize))),
	}

	response := dto.AlertActivityFeedResponse{Items: items, Pagination: pagination}

	if cacheKey != "" {
		if payload, err := json.Marshal(response); err == nil {
			if err := s.cache.Set(ctx, cacheKey, payload, s.ttl).Err(); err != nil {
				s.logger.Warn().Err(err).Msg("failed to write alert activity cache")
			}
		}
	}

	observability.AlertActivityRequests().WithLabelValues("miss").Inc()
	return response, nil
}

func (s *alertActivityService) cacheKey(filter repository.AlertActivityFilter) string {
	if s.cache == nil {
		return ""
	}
	return fmt.Sprintf("alerts:activity:v1:%s|%s:%d:%d", filter.Action, filter.SubjectID, filter.Page, filter.PageSize)
}

func clampPageSize(size int) int {
	if size <= 0 {
		return 20
	}
	if size > 100 {
		return 100
	}
	return size
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
