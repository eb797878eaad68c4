package handler

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-alerts/internal/alertstore"
	"github.com/noah-isme/gema-alerts/internal/dto"
	"github.com/noah-isme/gema-alerts/internal/service"
	"github.com/noah-isme/gema-alerts/internal/utils"
)

const emptyAlertsMessage = "no notifications"

// AlertHandler exposes the alert store over REST, SSE and websocket.
type AlertHandler struct {
	service   service.AlertService
	activity  service.AlertActivityService
	logger    zerolog.Logger
	keepAlive time.Duration
	publish   []fiber.Handler
}

// AlertHandlerOption customises an AlertHandler.
type AlertHandlerOption func(*AlertHandler)

// WithPublishMiddleware guards the publish route, e.g. with a rate limiter.
func WithPublishMiddleware(handlers ...fiber.Handler) AlertHandlerOption {
	return func(h *AlertHandler) {
		h.publish = append(h.publish, handlers...)
	}
}

// NewAlertHandler constructs an alert handler. activity may be nil.
func NewAlertHandler(alerts service.AlertService, activity service.AlertActivityService, logger zerolog.Logger, keepAlive time.Duration, opts ...AlertHandlerOption) *AlertHandler {
	if keepAlive <= 0 {
		keepAlive = 30 * time.Second
	}
	h := &AlertHandler{
		service:   alerts,
		activity:  activity,
		logger:    logger.With().Str("component", "alert_handler").Logger(),
		keepAlive: keepAlive,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register binds the alert routes. Static paths are registered before /:id.
func (h *AlertHandler) Register(router fiber.Router) {
	router.Get("/", h.list)
	router.Post("/", append(append([]fiber.Handler{}, h.publish...), h.create)...)
	router.Get("/summary", h.summary)
	router.Get("/unread-count", h.unreadCount)
	router.Post("/read-all", h.markAllRead)
	router.Get("/stream", h.stream)
	router.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			c.Locals("request_ctx", requestContext(c))
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	router.Get("/ws", websocket.New(h.handleConnection))
	router.Get("/export", h.export)
	router.Post("/import", h.importSnapshot)
	router.Get("/activity", h.activityFeed)
	router.Get("/:id", h.get)
	router.Patch("/:id/read", h.markRead)
	router.Patch("/:id/resolve", h.resolve)
	router.Delete("/:id", h.remove)
}

func (h *AlertHandler) list(c *fiber.Ctx) error {
	limit, err := parseQueryInt(c, "limit")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid limit")
	}
	offset, err := parseQueryInt(c, "offset")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid offset")
	}
	onlyUnread, err := parseQueryBool(c, "only_unread")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid only_unread")
	}
	onlyActive, err := parseQueryBool(c, "only_active")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid only_active")
	}

	query := dto.AlertQuery{
		Category:    strings.TrimSpace(c.Query("category")),
		MinPriority: strings.TrimSpace(c.Query("min_priority")),
		OnlyUnread:  onlyUnread,
		OnlyActive:  onlyActive,
		SubjectID:   c.Query("subject_id"),
		Search:      c.Query("q"),
		Sort:        strings.ToLower(strings.TrimSpace(c.Query("sort"))),
		Limit:       limit,
		Offset:      offset,
	}

	result, err := h.service.List(requestContext(c), query)
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	message := "alerts retrieved"
	if result.Empty {
		message = emptyAlertsMessage
	}
	return utils.SendSuccess(c, message, result)
}

func (h *AlertHandler) create(c *fiber.Ctx) error {
	var payload dto.AlertCreateRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid payload")
	}

	alert, err := h.service.Publish(requestContext(c), payload)
	if err != nil {
		var validationErr *alertstore.ValidationError
		if errors.As(err, &validationErr) {
			return utils.Fail(c, fiber.StatusUnprocessableEntity, "invalid alert", validationErr.Fields)
		}
		requestLogger(h.logger, c).Error().Err(err).Msg("failed to publish alert")
		return utils.SendError(c, fiber.StatusInternalServerError, "failed to publish alert")
	}

	return utils.SendSuccessWithStatus(c, fiber.StatusCreated, "alert published", alert)
}

func (h *AlertHandler) summary(c *fiber.Ctx) error {
	return utils.SendSuccess(c, "alert summary", h.service.Summary(requestContext(c)))
}

func (h *AlertHandler) unreadCount(c *fiber.Ctx) error {
	return utils.SendSuccess(c, "unread count", fiber.Map{"unread_count": h.service.UnreadCount(requestContext(c))})
}

func (h *AlertHandler) markAllRead(c *fiber.Ctx) error {
	return utils.SendSuccess(c, "alerts marked as read", h.service.MarkAllRead(requestContext(c)))
}

func (h *AlertHandler) get(c *fiber.Ctx) error {
	id, err := parseAlertID(c)
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	alert, ok := h.service.Get(requestContext(c), id)
	if !ok {
		return utils.SendError(c, fiber.StatusNotFound, "alert not found")
	}
	return utils.SendSuccess(c, "alert retrieved", alert)
}

func (h *AlertHandler) markRead(c *fiber.Ctx) error {
	return h.applyMutation(c, "alert marked as read", h.service.MarkRead)
}

func (h *AlertHandler) resolve(c *fiber.Ctx) error {
	return h.applyMutation(c, "alert resolved", h.service.Resolve)
}

func (h *AlertHandler) remove(c *fiber.Ctx) error {
	return h.applyMutation(c, "alert removed", h.service.Remove)
}

// applyMutation answers 200 for both changed and already-applied states;
// unknown ids are reported as 404 with the same status body.
func (h *AlertHandler) applyMutation(c *fiber.Ctx, message string, apply func(context.Context, uint64) dto.AlertStatusResponse) error {
	id, err := parseAlertID(c)
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	status := apply(requestContext(c), id)
	if !status.Found {
		return c.Status(fiber.StatusNotFound).JSON(utils.APIResponse{
			Success: false,
			Data:    status,
			Message: "alert not found",
		})
	}
	if !status.Changed {
		message = "alert unchanged"
	}
	return utils.SendSuccess(c, message, status)
}

func (h *AlertHandler) export(c *fiber.Ctx) error {
	payload, err := h.service.Export(requestContext(c))
	if err != nil {
		requestLogger(h.logger, c).Error().Err(err).Msg("failed to export alerts")
		return utils.SendError(c, fiber.StatusInternalServerError, "failed to export alerts")
	}

	c.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	c.Set(fiber.HeaderContentDisposition, `attachment; filename="alerts.json"`)
	return c.Send(payload)
}

func (h *AlertHandler) importSnapshot(c *fiber.Ctx) error {
	result, err := h.service.Import(requestContext(c), c.Body())
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}
	return utils.SendSuccess(c, "alerts imported", result)
}

func (h *AlertHandler) activityFeed(c *fiber.Ctx) error {
	if h.activity == nil {
		return utils.SendError(c, fiber.StatusServiceUnavailable, "activity trail disabled")
	}

	page, err := parseQueryInt(c, "page")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid page")
	}
	pageSize, err := parseQueryInt(c, "page_size")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid page size")
	}

	req := dto.AlertActivityFeedRequest{
		Page:      page,
		PageSize:  pageSize,
		Action:    strings.ToLower(strings.TrimSpace(c.Query("action"))),
		SubjectID: c.Query("subject_id"),
	}

	result, err := h.activity.Feed(requestContext(c), req)
	if err != nil {
		if isValidationError(err) {
			return utils.SendError(c, fiber.StatusBadRequest, err.Error())
		}
		requestLogger(h.logger, c).Error().Err(err).Msg("failed to fetch alert activity")
		return utils.SendError(c, fiber.StatusInternalServerError, "failed to fetch alert activity")
	}

	if result.CacheHit {
		c.Set("X-Cache-Hit", "true")
	} else {
		c.Set("X-Cache-Hit", "false")
	}
	return utils.SendSuccess(c, "alert activity retrieved", result)
}

func (h *AlertHandler) stream(c *fiber.Ctx) error {
	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")
	c.Set("X-Accel-Buffering", "no")

	ctx, cancel := context.WithCancel(requestContext(c))
	subjectID := strings.TrimSpace(c.Query("subject_id"))
	stream, cleanup := h.service.Subscribe(subjectID)
	keepAlive := h.keepAlive

	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		defer func() {
			cleanup()
			cancel()
		}()

		if err := writeKeepAlive(w); err != nil {
			return
		}

		ticker := time.NewTicker(keepAlive / 2)
		defer ticker.Stop()

		for {
			select {
			case alert, ok := <-stream:
				if !ok {
					return
				}
				if err := writeAlertEvent(w, alert); err != nil {
					h.logger.Debug().Err(err).Msg("failed to write alert event")
					return
				}
			case <-ticker.C:
				if err := writeKeepAlive(w); err != nil {
					h.logger.Debug().Err(err).Msg("failed to write alert keepalive")
					return
				}
			case <-ctx.Done():
				return
			}
		}
	})

	return nil
}

func (h *AlertHandler) handleConnection(conn *websocket.Conn) {
	subjectID := strings.TrimSpace(conn.Query("subject_id"))
	baseCtx, _ := conn.Locals("request_ctx").(context.Context)
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(baseCtx)
	defer cancel()

	stream, cleanup := h.service.Subscribe(subjectID)
	defer cleanup()

	h.logger.Info().Str("subject_id", subjectID).Msg("alert websocket connected")
	defer h.logger.Info().Str("subject_id", subjectID).Msg("alert websocket disconnected")

	// the read side only detects client close
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(h.keepAlive / 2)
	defer ticker.Stop()

	for {
		select {
		case alert, ok := <-stream:
			if !ok {
				return
			}
			if err := conn.WriteJSON(alert); err != nil {
				h.logger.Debug().Err(err).Msg("failed to write alert to websocket")
				return
			}
		case <-ticker.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func writeAlertEvent(w *bufio.Writer, alert dto.AlertResponse) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return err
	}

	if _, err := fmt.Fprintf(w, "id: %d\nevent: alert\n", alert.ID); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
		return err
	}
	return w.Flush()
}

func writeKeepAlive(w *bufio.Writer) error {
	if _, err := fmt.Fprintf(w, ": keep-alive %s\n\n", time.Now().UTC().Format(time.RFC3339)); err != nil {
		return err
	}
	return w.Flush()
}
