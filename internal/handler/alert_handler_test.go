package handler_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-alerts/internal/alertstore"
	"github.com/noah-isme/gema-alerts/internal/dto"
	"github.com/noah-isme/gema-alerts/internal/handler"
	"github.com/noah-isme/gema-alerts/internal/middleware"
	"github.com/noah-isme/gema-alerts/internal/models"
	"github.com/noah-isme/gema-alerts/internal/repository"
	"github.com/noah-isme/gema-alerts/internal/service"
)

type activityRepoStub struct {
	items []models.AlertActivity
}

func (r *activityRepoStub) Create(_ context.Context, entry *models.AlertActivity) error {
	entry.ID = uint(len(r.items) + 1)
	entry.CreatedAt = time.Now()
	r.items = append([]models.AlertActivity{*entry}, r.items...)
	return nil
}

func (r *activityRepoStub) List(_ context.Context, filter repository.AlertActivityFilter) ([]models.AlertActivity, int64, error) {
	out := make([]models.AlertActivity, 0, len(r.items))
	for _, item := range r.items {
		if filter.Action != "" && item.Action != filter.Action {
			continue
		}
		out = append(out, item)
	}
	return out, int64(len(out)), nil
}

type alertEnvelope[T any] struct {
	Success bool                    `json:"success"`
	Data    T                       `json:"data"`
	Message string                  `json:"message"`
	Details []alertstore.FieldError `json:"details"`
}

func newAlertApp(t *testing.T, opts ...handler.AlertHandlerOption) (*fiber.App, service.AlertService) {
	t.Helper()
	logger := zerolog.New(io.Discard)
	activity := service.NewAlertActivityService(&activityRepoStub{}, nil, time.Minute, nil, logger)
	svc := service.NewAlertService(service.AlertServiceDeps{
		Store:    alertstore.New(),
		Activity: activity,
		Logger:   logger,
	})

	app := fiber.New()
	handler.NewAlertHandler(svc, activity, logger, time.Second, opts...).Register(app.Group("/api/v1/alerts"))
	return app, svc
}

func doJSON(t *testing.T, app *fiber.App, method, path string, body interface{}) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	return resp
}

func decodeResponse(t *testing.T, resp *http.Response, target interface{}) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(target))
}

func publishAlert(t *testing.T, app *fiber.App, category, priority, message string) dto.AlertResponse {
	t.Helper()
	resp := doJSON(t, app, http.MethodPost, "/api/v1/alerts", dto.AlertCreateRequest{
		Category: category,
		Priority: priority,
		Message:  message,
	})
	require.Equal(t, fiber.StatusCreated, resp.StatusCode)

	var body alertEnvelope[dto.AlertResponse]
	decodeResponse(t, resp, &body)
	require.True(t, body.Success)
	return body.Data
}

func TestAlertHandler_EmptyList(t *testing.T) {
	app, _ := newAlertApp(t)

	resp := doJSON(t, app, http.MethodGet, "/api/v1/alerts", nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	var body alertEnvelope[dto.AlertListResponse]
	decodeResponse(t, resp, &body)
	require.Equal(t, "no notifications", body.Message)
	require.True(t, body.Data.Empty)
	require.Empty(t, body.Data.Items)
}

func TestAlertHandler_PublishAndList(t *testing.T) {
	app, _ := newAlertApp(t)

	low := publishAlert(t, app, "attention", "low", "Looking away")
	critical := publishAlert(t, app, "system", "critical", "Camera offline")
	require.Greater(t, critical.ID, low.ID)
	require.False(t, critical.Read)

	resp := doJSON(t, app, http.MethodGet, "/api/v1/alerts?sort=priority", nil)
	var body alertEnvelope[dto.AlertListResponse]
	decodeResponse(t, resp, &body)
	require.Equal(t, "alerts retrieved", body.Message)
	require.Equal(t, 2, body.Data.Total)
	require.Equal(t, 2, body.Data.UnreadCount)
	require.Equal(t, critical.ID, body.Data.Items[0].ID)

	resp = doJSON(t, app, http.MethodGet, "/api/v1/alerts?category=attention&limit=5", nil)
	decodeResponse(t, resp, &body)
	require.Len(t, body.Data.Items, 1)
	require.Equal(t, low.ID, body.Data.Items[0].ID)
}

func TestAlertHandler_ListRejectsBadQuery(t *testing.T) {
	app, _ := newAlertApp(t)

	for _, path := range []string{
		"/api/v1/alerts?limit=abc",
		"/api/v1/alerts?only_unread=maybe",
		"/api/v1/alerts?category=gossip",
		"/api/v1/alerts?min_priority=urgent",
		"/api/v1/alerts?category=ATTENTION",
		"/api/v1/alerts?min_priority=High",
	} {
		resp := doJSON(t, app, http.MethodGet, path, nil)
		require.Equal(t, fiber.StatusBadRequest, resp.StatusCode, path)
	}
}

func TestAlertHandler_PublishValidation(t *testing.T) {
	app, _ := newAlertApp(t)

	resp := doJSON(t, app, http.MethodPost, "/api/v1/alerts", dto.AlertCreateRequest{
		Category: "attention",
		Priority: "urgent",
		Message:  "x",
	})
	require.Equal(t, fiber.StatusUnprocessableEntity, resp.StatusCode)

	var body alertEnvelope[any]
	decodeResponse(t, resp, &body)
	require.False(t, body.Success)
	require.Len(t, body.Details, 1)
	require.Equal(t, "priority", body.Details[0].Field)

	resp = doJSON(t, app, http.MethodPost, "/api/v1/alerts", dto.AlertCreateRequest{
		Category: "Attention",
		Priority: "low",
		Message:  "x",
	})
	require.Equal(t, fiber.StatusUnprocessableEntity, resp.StatusCode)
	decodeResponse(t, resp, &body)
	require.Equal(t, "category", body.Details[0].Field)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/alerts", strings.NewReader("{"))
	req.Header.Set("Content-Type", "application/json")
	raw, err := app.Test(req, -1)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusBadRequest, raw.StatusCode)
}

func TestAlertHandler_Mutations(t *testing.T) {
	app, _ := newAlertApp(t)
	alert := publishAlert(t, app, "emotion", "high", "Frustrated")
	path := "/api/v1/alerts/" + jsonID(alert.ID)

	resp := doJSON(t, app, http.MethodPatch, path+"/read", nil)
	var status alertEnvelope[dto.AlertStatusResponse]
	decodeResponse(t, resp, &status)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	require.Equal(t, "alert marked as read", status.Message)
	require.True(t, status.Data.Changed)
	require.Equal(t, 0, status.Data.UnreadCount)

	resp = doJSON(t, app, http.MethodPatch, path+"/read", nil)
	decodeResponse(t, resp, &status)
	require.Equal(t, "alert unchanged", status.Message)
	require.False(t, status.Data.Changed)

	resp = doJSON(t, app, http.MethodPatch, path+"/resolve", nil)
	decodeResponse(t, resp, &status)
	require.True(t, status.Data.Changed)

	resp = doJSON(t, app, http.MethodGet, path, nil)
	var fetched alertEnvelope[dto.AlertResponse]
	decodeResponse(t, resp, &fetched)
	require.True(t, fetched.Data.Resolved)
	require.True(t, fetched.Data.Read)

	resp = doJSON(t, app, http.MethodDelete, path, nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	resp = doJSON(t, app, http.MethodDelete, path, nil)
	require.Equal(t, fiber.StatusNotFound, resp.StatusCode)
	decodeResponse(t, resp, &status)
	require.False(t, status.Data.Found)

	resp = doJSON(t, app, http.MethodGet, path, nil)
	require.Equal(t, fiber.StatusNotFound, resp.StatusCode)

	resp = doJSON(t, app, http.MethodPatch, "/api/v1/alerts/abc/read", nil)
	require.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

func TestAlertHandler_ReadAllSummaryAndCount(t *testing.T) {
	app, _ := newAlertApp(t)
	publishAlert(t, app, "attention", "low", "one")
	publishAlert(t, app, "drowsiness", "critical", "two")

	resp := doJSON(t, app, http.MethodGet, "/api/v1/alerts/unread-count", nil)
	var count alertEnvelope[map[string]int]
	decodeResponse(t, resp, &count)
	require.Equal(t, 2, count.Data["unread_count"])

	resp = doJSON(t, app, http.MethodGet, "/api/v1/alerts/summary", nil)
	var summary alertEnvelope[dto.AlertSummaryResponse]
	decodeResponse(t, resp, &summary)
	require.Equal(t, 2, summary.Data.ActiveCount)
	require.Equal(t, 1, summary.Data.ByPriority["critical"])
	require.Equal(t, 0, summary.Data.ByCategory["system"])

	resp = doJSON(t, app, http.MethodPost, "/api/v1/alerts/read-all", nil)
	var bulk alertEnvelope[dto.AlertBulkReadResponse]
	decodeResponse(t, resp, &bulk)
	require.Equal(t, 2, bulk.Data.Updated)
	require.Equal(t, 0, bulk.Data.UnreadCount)
}

func TestAlertHandler_ExportImport(t *testing.T) {
	source, _ := newAlertApp(t)
	publishAlert(t, source, "achievement", "medium", "Finished early")
	publishAlert(t, source, "performance", "high", "Struggling")

	resp := doJSON(t, source, http.MethodGet, "/api/v1/alerts/export", nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	require.Contains(t, resp.Header.Get("Content-Disposition"), "alerts.json")
	exported, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	target, svc := newAlertApp(t)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/alerts/import", bytes.NewReader(exported))
	req.Header.Set("Content-Type", "application/json")
	resp, err = target.Test(req, -1)
	require.NoError(t, err)
	var imported alertEnvelope[dto.AlertImportResponse]
	decodeResponse(t, resp, &imported)
	require.Equal(t, 2, imported.Data.Imported)
	require.Empty(t, imported.Data.Dropped)
	require.Equal(t, 2, svc.UnreadCount(context.Background()))

	req = httptest.NewRequest(http.MethodPost, "/api/v1/alerts/import", strings.NewReader(`{"not":"an array"}`))
	resp, err = target.Test(req, -1)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

func TestAlertHandler_ActivityFeed(t *testing.T) {
	app, _ := newAlertApp(t)
	alert := publishAlert(t, app, "engagement", "medium", "Idle")
	doJSON(t, app, http.MethodPatch, "/api/v1/alerts/"+jsonID(alert.ID)+"/resolve", nil)

	resp := doJSON(t, app, http.MethodGet, "/api/v1/alerts/activity?action=resolved", nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	require.Equal(t, "false", resp.Header.Get("X-Cache-Hit"))
	var feed alertEnvelope[dto.AlertActivityFeedResponse]
	decodeResponse(t, resp, &feed)
	require.Len(t, feed.Data.Items, 1)
	require.Equal(t, "resolved", feed.Data.Items[0].Action)

	resp = doJSON(t, app, http.MethodGet, "/api/v1/alerts/activity?action=exploded", nil)
	require.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

func TestAlertHandler_ActivityDisabled(t *testing.T) {
	logger := zerolog.New(io.Discard)
	svc := service.NewAlertService(service.AlertServiceDeps{Logger: logger})
	app := fiber.New()
	handler.NewAlertHandler(svc, nil, logger, 0).Register(app.Group("/api/v1/alerts"))

	resp := doJSON(t, app, http.MethodGet, "/api/v1/alerts/activity", nil)
	require.Equal(t, fiber.StatusServiceUnavailable, resp.StatusCode)
}

func TestAlertHandler_PublishRateLimited(t *testing.T) {
	app, _ := newAlertApp(t, handler.WithPublishMiddleware(middleware.RateLimit("alerts", 1, time.Minute)))

	publishAlert(t, app, "attention", "low", "first")
	resp := doJSON(t, app, http.MethodPost, "/api/v1/alerts", dto.AlertCreateRequest{
		Category: "attention",
		Priority: "low",
		Message:  "second",
	})
	require.Equal(t, fiber.StatusTooManyRequests, resp.StatusCode)

	resp = doJSON(t, app, http.MethodGet, "/api/v1/alerts", nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
}

func TestAlertHandler_WebsocketRequiresUpgrade(t *testing.T) {
	app, _ := newAlertApp(t)

	resp := doJSON(t, app, http.MethodGet, "/api/v1/alerts/ws", nil)
	require.Equal(t, fiber.StatusUpgradeRequired, resp.StatusCode)
}

func TestAlertHandler_WebsocketDeliversSubjectAlerts(t *testing.T) {
	app, svc := newAlertApp(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = app.Listener(ln) }()
	defer func() { _ = app.Shutdown() }()

	url := "ws://" + ln.Addr().String() + "/api/v1/alerts/ws?subject_id=student-9"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	subject := "student-9"
	stop := make(chan struct{})
	defer close(stop)
	// the subscription is registered after the upgrade completes, so keep publishing until one arrives
	go func() {
		ticker := time.NewTicker(50 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				_, _ = svc.Publish(context.Background(), dto.AlertCreateRequest{
					SubjectID: &subject,
					Category:  "drowsiness",
					Priority:  "high",
					Message:   "Eyes closed",
				})
			}
		}
	}()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var received dto.AlertResponse
	require.NoError(t, conn.ReadJSON(&received))

	require.NotNil(t, received.SubjectID)
	require.Equal(t, subject, *received.SubjectID)
	require.Equal(t, "drowsiness", received.Category)
}

func TestWriteAlertEventFormat(t *testing.T) {
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)

	require.NoError(t, handler.WriteAlertEvent(w, dto.AlertResponse{ID: 7, Category: "system", Priority: "high", Message: "Offline"}))
	out := buf.String()
	require.True(t, strings.HasPrefix(out, "id: 7\nevent: alert\ndata: {"))
	require.True(t, strings.HasSuffix(out, "}\n\n"))
}

func jsonID(id uint64) string {
	payload, _ := json.Marshal(id)
	return string(payload)
}
