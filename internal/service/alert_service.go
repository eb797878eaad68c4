package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/noah-isme/gema-alerts/internal/alertstore"
	"github.com/noah-isme/gema-alerts/internal/dto"
	"github.com/noah-isme/gema-alerts/internal/models"
	"github.com/noah-isme/gema-alerts/internal/observability"
	"github.com/noah-isme/gema-alerts/internal/repository"
	"github.com/noah-isme/gema-alerts/internal/snapshot"
)

const alertBufferSize = 16

// AlertService exposes the alert store to transports, producers and peers.
type AlertService interface {
	Publish(ctx context.Context, payload dto.AlertCreateRequest) (dto.AlertResponse, error)
	List(ctx context.Context, query dto.AlertQuery) (dto.AlertListResponse, error)
	Get(ctx context.Context, id uint64) (dto.AlertResponse, bool)
	Summary(ctx context.Context) dto.AlertSummaryResponse
	UnreadCount(ctx context.Context) int
	MarkRead(ctx context.Context, id uint64) dto.AlertStatusResponse
	MarkAllRead(ctx context.Context) dto.AlertBulkReadResponse
	Resolve(ctx context.Context, id uint64) dto.AlertStatusResponse
	Remove(ctx context.Context, id uint64) dto.AlertStatusResponse
	Export(ctx context.Context) ([]byte, error)
	Import(ctx context.Context, payload []byte) (dto.AlertImportResponse, error)
	SaveSnapshot(ctx context.Context) error
	RestoreSnapshot(ctx context.Context) (int, error)
	Subscribe(subjectID string) (<-chan dto.AlertResponse, func())
	Start(ctx context.Context)
}

// AlertServiceDeps groups the collaborators of the alert service. Only Store is required.
type AlertServiceDeps struct {
	Store       *alertstore.Store
	Snapshots   repository.AlertSnapshotRepository
	Activity    AlertActivityRecorder
	Redis       *redis.Client
	ChannelBase string
	NATS        *nats.Conn
	Validator   *validator.Validate
	Logger      zerolog.Logger
}

type alertService struct {
	store       *alertstore.Store
	snapshots   repository.AlertSnapshotRepository
	activity    AlertActivityRecorder
	redis       *redis.Client
	redisStream string
	nats        *nats.Conn
	natsSubject string
	validator   *validator.Validate
	logger      zerolog.Logger
	tracer      trace.Tracer
	sanitizer   *bluemonday.Policy
	broker      *alertBroker
	nodeID      string
}

type alertEvent struct {
	Source string            `json:"source"`
	Alert  dto.AlertResponse `json:"alert"`
	SentAt time.Time         `json:"sent_at"`
}

// alertBroker fans alerts out to stream subscribers. The empty subject key
// receives every alert.
type alertBroker struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan dto.AlertResponse]struct{}
}

// NewAlertService constructs an alert service around the given store.
func NewAlertService(deps AlertServiceDeps) AlertService {
	store := deps.Store
	if store == nil {
		store = alertstore.New()
	}
	validate := deps.Validator
	if validate == nil {
		validate = alertstore.NewValidator()
	}

	stream := ""
	subject := ""
	if deps.ChannelBase != "" {
		stream = deps.ChannelBase + ":alerts"
		subject = strings.ReplaceAll(deps.ChannelBase, ":", ".") + ".alerts"
	}

	return &alertService{
		store:       store,
		snapshots:   deps.Snapshots,
		activity:    deps.Activity,
		redis:       deps.Redis,
		redisStream: stream,
		nats:        deps.NATS,
		natsSubject: subject,
		validator:   validate,
		logger:      deps.Logger.With().Str("component", "alert_service").Logger(),
		tracer:      otel.Tracer("github.com/noah-isme/gema-alerts/internal/service/alert"),
		sanitizer:   bluemonday.StrictPolicy(),
		broker: &alertBroker{
			subscribers: make(map[string]map[chan dto.AlertResponse]struct{}),
		},
		nodeID: uuid.NewString(),
	}
}

func (s *alertService) Start(ctx context.Context) {
	if s.redis != nil && s.redisStream != "" {
		go s.consumeRedis(ctx)
	}
	if s.nats != nil && s.natsSubject != "" {
		go s.consumeNATS(ctx)
	}
}

func (s *alertService) Publish(ctx context.Context, payload dto.AlertCreateRequest) (dto.AlertResponse, error) {
	attrs := []attribute.KeyValue{
		attribute.String("alert.category", payload.Category),
		attribute.String("alert.priority", payload.Priority),
	}
	spanCtx, span := s.tracer.Start(ctx, "alerts.publish", trace.WithAttributes(attrs...))
	defer span.End()

	alert, err := s.store.Add(alertstore.Input{
		SubjectID: payload.SubjectID,
		Category:  payload.Category,
		Priority:  payload.Priority,
		Message:   s.sanitizeMessage(payload.Message),
		CreatedAt: payload.CreatedAt,
	})
	if err != nil {
		span.RecordError(err)
		s.logRejected(err, payload)
		return dto.AlertResponse{}, err
	}

	response := dto.NewAlertResponse(alert)
	s.broker.broadcast(response)
	if err := s.publish(spanCtx, response); err != nil {
		s.logger.Warn().Err(err).Msg("failed to publish alert to broker")
	}

	observability.AlertsPublishedTotal().WithLabelValues(response.Category, response.Priority).Inc()
	s.refreshGauges()
	s.record(spanCtx, AlertActivityEntry{
		Action:    AlertActionCreated,
		AlertID:   &alert.ID,
		SubjectID: alert.SubjectID,
		Metadata: map[string]interface{}{
			"category": response.Category,
			"priority": response.Priority,
		},
	})

	return response, nil
}

// sanitizeMessage strips markup but keeps the text as typed; the strict policy
// entity-encodes what it leaves behind, so the result is unescaped again.
func (s *alertService) sanitizeMessage(raw string) string {
	return strings.TrimSpace(html.UnescapeString(s.sanitizer.Sanitize(raw)))
}

func (s *alertService) logRejected(err error, payload dto.AlertCreateRequest) {
	var validationErr *alertstore.ValidationError
	if !errors.As(err, &validationErr) {
		s.logger.Error().Err(err).Msg("failed to admit alert")
		return
	}
	for _, field := range validationErr.Fields {
		observability.AlertValidationFailures().WithLabelValues(field.Field).Inc()
	}
	s.logger.Warn().
		Err(err).
		Str("category", payload.Category).
		Str("priority", payload.Priority).
		Msg("rejected invalid alert")
}

func (s *alertService) List(ctx context.Context, query dto.AlertQuery) (dto.AlertListResponse, error) {
	if err := s.validator.Struct(query); err != nil {
		return dto.AlertListResponse{}, err
	}

	filter, err := filterFromQuery(query)
	if err != nil {
		return dto.AlertListResponse{}, err
	}

	alerts := s.store.Query(filter)
	total := len(alerts)
	alerts = paginate(alerts, query.Offset, query.Limit)

	stats := s.store.Stats()
	return dto.AlertListResponse{
		Items:       dto.NewAlertResponseSlice(alerts),
		Total:       total,
		UnreadCount: stats.Unread,
		ActiveCount: stats.Active,
		Empty:       total == 0,
	}, nil
}

func filterFromQuery(query dto.AlertQuery) (alertstore.Filter, error) {
	filter := alertstore.Filter{
		OnlyUnread:     query.OnlyUnread,
		OnlyActive:     query.OnlyActive,
		SubjectID:      strings.TrimSpace(query.SubjectID),
		SearchText:     strings.TrimSpace(query.Search),
		SortByPriority: strings.EqualFold(query.Sort, "priority"),
	}

	if raw := strings.TrimSpace(query.Category); raw != "" {
		category, ok := models.ParseCategory(raw)
		if !ok {
			return alertstore.Filter{}, fmt.Errorf("unknown category %q", raw)
		}
		filter.Category = category
	}

	if raw := strings.TrimSpace(query.MinPriority); raw != "" {
		priority, ok := models.ParsePriority(raw)
		if !ok {
			return alertstore.Filter{}, fmt.Errorf("unknown priority %q", raw)
		}
		filter.MinPriority = priority
	}

	return filter, nil
}

func paginate(alerts []models.Alert, offset, limit int) []models.Alert {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(alerts) {
		return []models.Alert{}
	}
	alerts = alerts[offset:]
	if limit > 0 && limit < len(alerts) {
		alerts = alerts[:limit]
	}
	return alerts
}

func (s *alertService) Get(_ context.Context, id uint64) (dto.AlertResponse, bool) {
	alert, ok := s.store.Get(id)
	if !ok {
		return dto.AlertResponse{}, false
	}
	return dto.NewAlertResponse(alert), true
}

func (s *alertService) Summary(_ context.Context) dto.AlertSummaryResponse {
	stats := s.store.Stats()

	byPriority := make(map[string]int, len(models.Priorities))
	for _, priority := range models.Priorities {
		byPriority[string(priority)] = stats.ActiveByPriority[priority]
	}
	byCategory := make(map[string]int, len(models.Categories))
	for _, category := range models.Categories {
		byCategory[string(category)] = stats.ActiveByCategory[category]
	}

	return dto.AlertSummaryResponse{
		Total:       stats.Total,
		UnreadCount: stats.Unread,
		ActiveCount: stats.Active,
		ByPriority:  byPriority,
		ByCategory:  byCategory,
	}
}

func (s *alertService) UnreadCount(_ context.Context) int {
	return s.store.UnreadCount()
}

func (s *alertService) MarkRead(ctx context.Context, id uint64) dto.AlertStatusResponse {
	return s.mutate(ctx, "alerts.mark_read", AlertActionRead, id, s.store.MarkRead)
}

func (s *alertService) Resolve(ctx context.Context, id uint64) dto.AlertStatusResponse {
	return s.mutate(ctx, "alerts.resolve", AlertActionResolved, id, s.store.Resolve)
}

func (s *alertService) Remove(ctx context.Context, id uint64) dto.AlertStatusResponse {
	return s.mutate(ctx, "alerts.remove", AlertActionRemoved, id, s.store.Remove)
}

func (s *alertService) mutate(ctx context.Context, spanName, action string, id uint64, apply func(uint64) alertstore.Outcome) dto.AlertStatusResponse {
	spanCtx, span := s.tracer.Start(ctx, spanName, trace.WithAttributes(attribute.Int64("alert.id", int64(id))))
	defer span.End()

	// capture the subject before a removal makes it unreachable
	before, _ := s.store.Get(id)
	outcome := apply(id)
	span.SetAttributes(attribute.String("alert.outcome", outcome.String()))

	if outcome == alertstore.OutcomeChanged {
		s.refreshGauges()
		s.record(spanCtx, AlertActivityEntry{
			Action:    action,
			AlertID:   &id,
			SubjectID: before.SubjectID,
		})
	}

	return dto.AlertStatusResponse{
		ID:          id,
		Found:       outcome.Found(),
		Changed:     outcome == alertstore.OutcomeChanged,
		UnreadCount: s.store.UnreadCount(),
	}
}

func (s *alertService) MarkAllRead(ctx context.Context) dto.AlertBulkReadResponse {
	spanCtx, span := s.tracer.Start(ctx, "alerts.mark_all_read")
	defer span.End()

	updated := s.store.MarkAllRead()
	span.SetAttributes(attribute.Int("alert.updated", updated))
	if updated > 0 {
		s.refreshGauges()
		s.record(spanCtx, AlertActivityEntry{
			Action:   AlertActionReadAll,
			Metadata: map[string]interface{}{"updated": updated},
		})
	}

	return dto.AlertBulkReadResponse{Updated: updated, UnreadCount: s.store.UnreadCount()}
}

func (s *alertService) Export(_ context.Context) ([]byte, error) {
	return snapshot.Encode(s.store.Snapshot())
}

func (s *alertService) Import(ctx context.Context, payload []byte) (dto.AlertImportResponse, error) {
	result, err := snapshot.Decode(payload)
	if err != nil {
		return dto.AlertImportResponse{}, err
	}

	kept, rejected := s.store.Restore(result.Alerts)
	response := dto.AlertImportResponse{Imported: kept}
	for _, dropped := range result.Dropped {
		response.Dropped = append(response.Dropped, dto.AlertImportDropped{Index: dropped.Index, Reason: dropped.Reason})
	}
	for _, rejection := range rejected {
		response.Dropped = append(response.Dropped, dto.AlertImportDropped{
			Index:  documentIndex(result, rejection.Position),
			Reason: rejection.Err.Error(),
		})
	}
	sort.SliceStable(response.Dropped, func(i, j int) bool { return response.Dropped[i].Index < response.Dropped[j].Index })

	s.refreshGauges()
	s.record(ctx, AlertActivityEntry{
		Action:   AlertActionImported,
		Metadata: map[string]interface{}{"imported": kept, "dropped": len(response.Dropped)},
	})
	return response, nil
}

// documentIndex maps a position in result.Alerts back to the record's place in
// the decoded document.
func documentIndex(result snapshot.Result, position int) int {
	if position >= 0 && position < len(result.Indexes) {
		return result.Indexes[position]
	}
	return position
}

func (s *alertService) SaveSnapshot(ctx context.Context) error {
	if s.snapshots == nil {
		return nil
	}
	alerts := s.store.Snapshot()
	if err := s.snapshots.Save(ctx, alerts); err != nil {
		return fmt.Errorf("save alert snapshot: %w", err)
	}
	observability.AlertSnapshotRecords().Set(float64(len(alerts)))
	return nil
}

func (s *alertService) RestoreSnapshot(ctx context.Context) (int, error) {
	if s.snapshots == nil {
		return 0, nil
	}
	result, err := s.snapshots.Load(ctx)
	if err != nil {
		return 0, fmt.Errorf("load alert snapshot: %w", err)
	}
	for _, dropped := range result.Dropped {
		s.logger.Warn().Int("index", dropped.Index).Str("reason", dropped.Reason).Msg("dropping invalid snapshot record")
	}

	kept, rejected := s.store.Restore(result.Alerts)
	for _, rejection := range rejected {
		s.logger.Warn().
			Int("index", documentIndex(result, rejection.Position)).
			Str("reason", rejection.Err.Error()).
			Msg("dropping invalid snapshot record")
	}
	s.refreshGauges()
	s.logger.Info().Int("restored", kept).Msg("alert snapshot restored")
	return kept, nil
}

func (s *alertService) Subscribe(subjectID string) (<-chan dto.AlertResponse, func()) {
	channel := make(chan dto.AlertResponse, alertBufferSize)
	key := strings.TrimSpace(subjectID)

	s.broker.subscribe(key, channel)
	observability.AlertStreamClients().Inc()

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			s.broker.unsubscribe(key, channel)
			observability.AlertStreamClients().Dec()
		})
	}

	return channel, cleanup
}

func (s *alertService) refreshGauges() {
	observability.AlertsUnread().Set(float64(s.store.UnreadCount()))
	observability.AlertsActive().Set(float64(s.store.ActiveCount()))
}

func (s *alertService) record(ctx context.Context, entry AlertActivityEntry) {
	if s.activity == nil {
		return
	}
	if err := s.activity.Record(ctx, entry); err != nil {
		s.logger.Warn().Err(err).Str("action", entry.Action).Msg("failed to record alert activity")
	}
}

func (s *alertService) publish(ctx context.Context, alert dto.AlertResponse) error {
	event := alertEvent{
		Source: s.nodeID,
		Alert:  alert,
		SentAt: time.Now().UTC(),
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}

	if s.redis != nil && s.redisStream != "" {
		if err := s.redis.Publish(ctx, s.redisStream, payload).Err(); err != nil {
			return err
		}
	}

	if s.nats != nil && s.natsSubject != "" {
		if err := s.nats.Publish(s.natsSubject, payload); err != nil {
			return err
		}
	}

	return nil
}

func (s *alertService) consumeRedis(ctx context.Context) {
	pubsub := s.redis.Subscribe(ctx, s.redisStream)
	defer func() { _ = pubsub.Close() }()

	for {
		msg, err := pubsub.ReceiveMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			s.logger.Error().Err(err).Msg("alert redis subscription closed")
			return
		}
		s.handleEvent([]byte(msg.Payload))
	}
}

func (s *alertService) consumeNATS(ctx context.Context) {
	sub, err := s.nats.QueueSubscribe(s.natsSubject, "gema-alerts", func(msg *nats.Msg) {
		s.handleEvent(msg.Data)
	})
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to subscribe to nats alerts subject")
		return
	}

	go func() {
		<-ctx.Done()
		if err := sub.Drain(); err != nil {
			s.logger.Warn().Err(err).Msg("failed to drain alert nats subscription")
		}
	}()
}

// handleEvent relays alerts raised on peer nodes to local subscribers. The
// store stays node-local.
func (s *alertService) handleEvent(payload []byte) {
	var event alertEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		s.logger.Warn().Err(err).Msg("invalid alert event payload")
		return
	}

	if event.Source == s.nodeID {
		return
	}

	if _, ok := models.ParseCategory(event.Alert.Category); !ok {
		s.logger.Warn().Str("category", event.Alert.Category).Msg("ignoring peer alert with unknown category")
		return
	}
	if _, ok := models.ParsePriority(event.Alert.Priority); !ok {
		s.logger.Warn().Str("priority", event.Alert.Priority).Msg("ignoring peer alert with unknown priority")
		return
	}

	observability.AlertsPublishedTotal().WithLabelValues(event.Alert.Category, event.Alert.Priority).Inc()
	s.broker.broadcast(event.Alert)
}

func (b *alertBroker) subscribe(key string, ch chan dto.AlertResponse) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.subscribers[key]; !exists {
		b.subscribers[key] = make(map[chan dto.AlertResponse]struct{})
	}
	b.subscribers[key][ch] = struct{}{}
}

func (b *alertBroker) unsubscribe(key string, ch chan dto.AlertResponse) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if subscribers, ok := b.subscribers[key]; ok {
		delete(subscribers, ch)
		close(ch)
		if len(subscribers) == 0 {
			delete(b.subscribers, key)
		}
	}
}

func (b *alertBroker) broadcast(alert dto.AlertResponse) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	deliver := func(subscribers map[chan dto.AlertResponse]struct{}) {
		for ch := range subscribers {
			select {
			case ch <- alert:
			default:
			}
		}
	}

	deliver(b.subscribers[""])
	if alert.SubjectID != nil && *alert.SubjectID != "" {
		deliver(b.subscribers[*alert.SubjectID])
	}
}
