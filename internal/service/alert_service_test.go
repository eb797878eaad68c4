package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-alerts/internal/alertstore"
	"github.com/noah-isme/gema-alerts/internal/dto"
	"github.com/noah-isme/gema-alerts/internal/repository"
)

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

type recordedActivity struct {
	mu      sync.Mutex
	entries []AlertActivityEntry
	err     error
}

func (r *recordedActivity) Record(_ context.Context, entry AlertActivityEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, entry)
	return r.err
}

func (r *recordedActivity) actions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.entries))
	for _, entry := range r.entries {
		out = append(out, entry.Action)
	}
	return out
}

func newTestAlertService(t *testing.T, deps AlertServiceDeps) AlertService {
	t.Helper()
	if deps.Store == nil {
		deps.Store = alertstore.New()
	}
	deps.Logger = testLogger()
	return NewAlertService(deps)
}

func publish(t *testing.T, svc AlertService, category, priority, message string, subject *string) dto.AlertResponse {
	t.Helper()
	resp, err := svc.Publish(context.Background(), dto.AlertCreateRequest{
		SubjectID: subject,
		Category:  category,
		Priority:  priority,
		Message:   message,
	})
	require.NoError(t, err)
	return resp
}

func TestAlertServicePublishAndMutate(t *testing.T) {
	activity := &recordedActivity{}
	svc := newTestAlertService(t, AlertServiceDeps{Activity: activity})
	ctx := context.Background()

	first := publish(t, svc, "attention", "high", "Attention dropped", nil)
	second := publish(t, svc, "achievement", "low", "Badge earned", nil)
	require.Equal(t, 2, svc.UnreadCount(ctx))

	status := svc.MarkRead(ctx, first.ID)
	assert.True(t, status.Found)
	assert.True(t, status.Changed)
	assert.Equal(t, 1, status.UnreadCount)

	again := svc.MarkRead(ctx, first.ID)
	assert.True(t, again.Found)
	assert.False(t, again.Changed)

	resolved := svc.Resolve(ctx, second.ID)
	assert.True(t, resolved.Changed)
	assert.Equal(t, 0, resolved.UnreadCount)

	got, ok := svc.Get(ctx, second.ID)
	require.True(t, ok)
	assert.True(t, got.Read)
	assert.True(t, got.Resolved)

	missing := svc.Remove(ctx, 999)
	assert.False(t, missing.Found)
	assert.False(t, missing.Changed)

	removed := svc.Remove(ctx, first.ID)
	assert.True(t, removed.Changed)

	assert.Equal(t, []string{AlertActionCreated, AlertActionCreated, AlertActionRead, AlertActionResolved, AlertActionRemoved}, activity.actions())
}

func TestAlertServiceRejectsInvalidAlerts(t *testing.T) {
	activity := &recordedActivity{}
	svc := newTestAlertService(t, AlertServiceDeps{Activity: activity})

	_, err := svc.Publish(context.Background(), dto.AlertCreateRequest{Category: "attention", Priority: "urgent", Message: "Panic"})
	require.Error(t, err)
	require.True(t, errors.Is(err, alertstore.ErrValidation))

	_, err = svc.Publish(context.Background(), dto.AlertCreateRequest{Category: "system", Priority: "low", Message: "<script>alert(1)</script>"})
	var validationErr *alertstore.ValidationError
	require.ErrorAs(t, err, &validationErr)
	require.Equal(t, "message", validationErr.Fields[0].Field)

	list, err := svc.List(context.Background(), dto.AlertQuery{})
	require.NoError(t, err)
	require.True(t, list.Empty)
	require.Empty(t, activity.actions())
}

func TestAlertServiceSanitisesMessages(t *testing.T) {
	svc := newTestAlertService(t, AlertServiceDeps{})
	resp := publish(t, svc, "emotion", "medium", "<b>Frustration</b> detected", nil)
	require.Equal(t, "Frustration detected", resp.Message)
}

func TestAlertServiceKeepsPlainTextVerbatim(t *testing.T) {
	svc := newTestAlertService(t, AlertServiceDeps{})
	ctx := context.Background()
	message := "Ana's score < 50% in Q&A"

	resp := publish(t, svc, "performance", "high", message, nil)
	require.Equal(t, message, resp.Message)

	stored, ok := svc.Get(ctx, resp.ID)
	require.True(t, ok)
	require.Equal(t, message, stored.Message)

	for _, search := range []string{"Ana's", "q&a", "< 50%"} {
		list, err := svc.List(ctx, dto.AlertQuery{Search: search})
		require.NoError(t, err)
		require.Equal(t, 1, list.Total, search)
	}

	exported, err := svc.Export(ctx)
	require.NoError(t, err)
	require.NotContains(t, string(exported), "&#39;")
	require.NotContains(t, string(exported), "&amp;")

	mixed := publish(t, svc, "emotion", "low", "<i>Tom &amp; Jerry</i> don't agree", nil)
	require.Equal(t, "Tom & Jerry don't agree", mixed.Message)
}

func TestAlertServiceListFiltersAndPaginates(t *testing.T) {
	svc := newTestAlertService(t, AlertServiceDeps{})
	ctx := context.Background()
	subject := "student-9"

	low := publish(t, svc, "engagement", "low", "Joined late", &subject)
	publish(t, svc, "attention", "critical", "Left the room", nil)
	publish(t, svc, "attention", "medium", "Looking away", &subject)
	svc.MarkRead(ctx, low.ID)

	sorted, err := svc.List(ctx, dto.AlertQuery{Sort: "priority"})
	require.NoError(t, err)
	require.Equal(t, 3, sorted.Total)
	require.Equal(t, "critical", sorted.Items[0].Priority)
	require.Equal(t, "low", sorted.Items[2].Priority)
	require.Equal(t, 2, sorted.UnreadCount)
	require.Equal(t, 3, sorted.ActiveCount)

	page, err := svc.List(ctx, dto.AlertQuery{Sort: "priority", Offset: 1, Limit: 1})
	require.NoError(t, err)
	require.Equal(t, 3, page.Total)
	require.Len(t, page.Items, 1)
	require.Equal(t, "medium", page.Items[0].Priority)

	bySubject, err := svc.List(ctx, dto.AlertQuery{SubjectID: subject, OnlyUnread: true})
	require.NoError(t, err)
	require.Len(t, bySubject.Items, 1)
	require.Equal(t, "Looking away", bySubject.Items[0].Message)

	search, err := svc.List(ctx, dto.AlertQuery{Search: "ROOM", MinPriority: "high", Category: "attention"})
	require.NoError(t, err)
	require.Len(t, search.Items, 1)

	beyond, err := svc.List(ctx, dto.AlertQuery{Offset: 10})
	require.NoError(t, err)
	require.Empty(t, beyond.Items)
	require.False(t, beyond.Empty)

	_, err = svc.List(ctx, dto.AlertQuery{Category: "gossip"})
	require.Error(t, err)
}

func TestAlertServiceSummaryAndMarkAllRead(t *testing.T) {
	activity := &recordedActivity{}
	svc := newTestAlertService(t, AlertServiceDeps{Activity: activity})
	ctx := context.Background()

	a := publish(t, svc, "drowsiness", "high", "Eyes closing", nil)
	publish(t, svc, "drowsiness", "high", "Head nodding", nil)
	publish(t, svc, "system", "low", "Camera reconnected", nil)
	svc.Resolve(ctx, a.ID)

	summary := svc.Summary(ctx)
	require.Equal(t, 3, summary.Total)
	require.Equal(t, 2, summary.ActiveCount)
	require.Equal(t, 2, summary.UnreadCount)
	require.Equal(t, 1, summary.ByPriority["high"])
	require.Equal(t, 0, summary.ByPriority["critical"])
	require.Equal(t, 1, summary.ByCategory["drowsiness"])
	require.Len(t, summary.ByCategory, 7)

	bulk := svc.MarkAllRead(ctx)
	require.Equal(t, 2, bulk.Updated)
	require.Equal(t, 0, bulk.UnreadCount)

	noop := svc.MarkAllRead(ctx)
	require.Equal(t, 0, noop.Updated)
	require.Equal(t, AlertActionReadAll, activity.actions()[len(activity.actions())-1])
}

func TestAlertServiceActivityFailureDoesNotBreakPublish(t *testing.T) {
	activity := &recordedActivity{err: errors.New("database down")}
	svc := newTestAlertService(t, AlertServiceDeps{Activity: activity})

	publish(t, svc, "system", "low", "Still works", nil)
	require.Equal(t, 1, svc.UnreadCount(context.Background()))
}

func TestAlertServiceSubscribeBySubject(t *testing.T) {
	svc := newTestAlertService(t, AlertServiceDeps{})
	mine := "student-1"
	other := "student-2"

	all, cleanupAll := svc.Subscribe("")
	defer cleanupAll()
	scoped, cleanupScoped := svc.Subscribe(mine)

	publish(t, svc, "attention", "high", "For student one", &mine)
	publish(t, svc, "attention", "high", "For student two", &other)

	received := <-scoped
	require.Equal(t, "For student one", received.Message)
	select {
	case unexpected := <-scoped:
		t.Fatalf("unexpected alert for subscriber: %+v", unexpected)
	default:
	}

	require.Equal(t, "For student one", (<-all).Message)
	require.Equal(t, "For student two", (<-all).Message)

	cleanupScoped()
	cleanupScoped()
	_, open := <-scoped
	require.False(t, open)
}

func TestAlertServiceExportImport(t *testing.T) {
	source := newTestAlertService(t, AlertServiceDeps{})
	ctx := context.Background()

	a := publish(t, source, "performance", "critical", "Quiz failed", nil)
	publish(t, source, "achievement", "low", "Streak kept", nil)
	source.Resolve(ctx, a.ID)

	payload, err := source.Export(ctx)
	require.NoError(t, err)

	activity := &recordedActivity{}
	target := newTestAlertService(t, AlertServiceDeps{Activity: activity})
	result, err := target.Import(ctx, payload)
	require.NoError(t, err)
	require.Equal(t, 2, result.Imported)
	require.Empty(t, result.Dropped)
	require.Equal(t, 1, target.UnreadCount(ctx))
	require.Equal(t, []string{AlertActionImported}, activity.actions())

	imported, ok := target.Get(ctx, a.ID)
	require.True(t, ok)
	require.True(t, imported.Resolved)

	partial, err := target.Import(ctx, []byte(`[{"id":1,"category":"system","priority":"urgent","message":"x","created_at":"2024-01-01T00:00:00Z"}]`))
	require.NoError(t, err)
	require.Zero(t, partial.Imported)
	require.Len(t, partial.Dropped, 1)

	_, err = target.Import(ctx, []byte(`{"not":"an array"}`))
	require.Error(t, err)
}

func TestAlertServiceImportReportsDocumentIndexes(t *testing.T) {
	ctx := context.Background()
	svc := newTestAlertService(t, AlertServiceDeps{})

	result, err := svc.Import(ctx, []byte(`[
		{"id": 1, "category": "system", "priority": "urgent", "message": "bad priority", "created_at": "2024-01-01T00:00:00Z"},
		{"id": 2, "category": "attention", "priority": "high", "message": "first", "created_at": "2024-01-01T00:00:00Z"},
		{"id": 3, "category": "system", "priority": "low", "message": "   ", "created_at": "2024-01-01T00:00:00Z"},
		{"id": 2, "category": "system", "priority": "low", "message": "reused id", "created_at": "2024-01-01T00:00:00Z"},
		{"id": 4, "category": "system", "priority": "low", "message": "kept", "created_at": "2024-01-01T00:00:00Z"}
	]`))
	require.NoError(t, err)
	require.Equal(t, 2, result.Imported)
	require.Len(t, result.Dropped, 3)

	indexes := make([]int, 0, len(result.Dropped))
	for _, dropped := range result.Dropped {
		indexes = append(indexes, dropped.Index)
	}
	require.Equal(t, []int{0, 2, 3}, indexes)
	require.Contains(t, result.Dropped[2].Reason, "duplicate id 2")
	require.NotContains(t, result.Dropped[2].Reason, "record 1")
}

func TestAlertServiceSnapshotRoundTrip(t *testing.T) {
	server, err := miniredis.Run()
	require.NoError(t, err)
	defer server.Close()

	redisClient := redis.NewClient(&redis.Options{Addr: server.Addr()})
	defer redisClient.Close()

	snapshots := repository.NewRedisAlertSnapshotRepository(redisClient, "test:snapshot")
	ctx := context.Background()

	first := newTestAlertService(t, AlertServiceDeps{Snapshots: snapshots})
	publish(t, first, "attention", "high", "Persist me", nil)
	read := publish(t, first, "emotion", "low", "Persist me too", nil)
	first.MarkRead(ctx, read.ID)
	require.NoError(t, first.SaveSnapshot(ctx))

	second := newTestAlertService(t, AlertServiceDeps{Snapshots: snapshots})
	restored, err := second.RestoreSnapshot(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, restored)
	require.Equal(t, 1, second.UnreadCount(ctx))

	next := publish(t, second, "system", "low", "New after restore", nil)
	require.Greater(t, next.ID, read.ID)

	noSnapshots := newTestAlertService(t, AlertServiceDeps{})
	require.NoError(t, noSnapshots.SaveSnapshot(ctx))
	count, err := noSnapshots.RestoreSnapshot(ctx)
	require.NoError(t, err)
	require.Zero(t, count)
}

func TestAlertServiceRelaysPeerAlertsOverRedis(t *testing.T) {
	server, err := miniredis.Run()
	require.NoError(t, err)
	defer server.Close()

	clientA := redis.NewClient(&redis.Options{Addr: server.Addr()})
	defer clientA.Close()
	clientB := redis.NewClient(&redis.Options{Addr: server.Addr()})
	defer clientB.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	nodeA := newTestAlertService(t, AlertServiceDeps{Redis: clientA, ChannelBase: "test"})
	nodeB := newTestAlertService(t, AlertServiceDeps{Redis: clientB, ChannelBase: "test"})
	nodeB.Start(ctx)

	require.Eventually(t, func() bool {
		return server.PubSubNumSub("test:alerts")["test:alerts"] == 1
	}, 2*time.Second, 10*time.Millisecond)

	stream, cleanup := nodeB.Subscribe("")
	defer cleanup()

	publish(t, nodeA, "system", "medium", "Raised on node A", nil)

	select {
	case relayed := <-stream:
		require.Equal(t, "Raised on node A", relayed.Message)
	case <-time.After(2 * time.Second):
		t.Fatal("peer alert was not relayed")
	}

	require.Zero(t, nodeB.UnreadCount(ctx), "peer alerts must not enter the local store")
}
