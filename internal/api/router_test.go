package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/d60-Lab/crm-realtime/internal/api/handler"
	"github.com/d60-Lab/crm-realtime/internal/model"
	"github.com/d60-Lab/crm-realtime/internal/presence"
	"github.com/d60-Lab/crm-realtime/internal/realtime"
	"github.com/d60-Lab/crm-realtime/internal/repository"
	"github.com/d60-Lab/crm-realtime/internal/service"
	"github.com/d60-Lab/crm-realtime/internal/transport"
)

type stack struct {
	router  *gin.Engine
	repo    repository.OutboxRepository
	em      *realtime.Emitter
	pub     *service.OutboxPublisher
	hub     *transport.Hub
	backend *presence.Backend
}

func newStack(t *testing.T) *stack {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(&model.OutboxEvent{}, &model.AuditLog{}))
	t.Cleanup(func() { _ = sqlDB.Close() })

	repo := repository.NewOutboxRepository(db)
	hub := transport.NewHub()
	t.Cleanup(hub.Close)
	backend := presence.NewBackend(nil, presence.Options{})
	ws := transport.NewServer(hub, hub, backend.Presence, backend.Editing, transport.ServerOptions{})
	audit := repository.NewAuditRepository(db)
	h := handler.New(handler.Deps{Outbox: repo, Audit: audit, Bus: hub, WS: ws, Presence: backend})

	return &stack{
		router:  NewRouter(h, RouterOptions{Mode: gin.TestMode}),
		repo:    repo,
		em:      realtime.NewEmitter(repo, audit),
		pub:     service.NewOutboxPublisher(db, repo, hub),
		hub:     hub,
		backend: backend,
	}
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (s *stack) get(t *testing.T, path string, userID string) (int, envelope) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
		req.Header.Set("X-User-Name", "Anna Petrova")
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	return w.Code, env
}

func i64(v int64) *int64 { return &v }

func TestHealth(t *testing.T) {
	s := newStack(t)
	_, err := s.em.EmitChanged(context.Background(), nil, realtime.ChangeParams{EntityType: "deal", EntityID: 1, EventType: realtime.EventCreated})
	require.NoError(t, err)

	code, env := s.get(t, "/api/v1/realtime/health", "")
	require.Equal(t, http.StatusOK, code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(env.Data, &body))
	assert.EqualValues(t, 1, body["pending"])
	assert.EqualValues(t, 0, body["deadLettered"])
	assert.EqualValues(t, 0, body["connectedClients"])
	assert.Equal(t, presence.KindMemory, body["presenceBackend"])
}

func TestDeadLetters(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()
	evt, err := s.em.EmitChanged(ctx, nil, realtime.ChangeParams{EntityType: "deal", EntityID: 1, EventType: realtime.EventCreated})
	require.NoError(t, err)
	require.NoError(t, s.repo.MarkDeadLettered(ctx, nil, evt.ID, "gave up"))

	code, env := s.get(t, "/api/v1/realtime/dead-letters?limit=5", "")
	require.Equal(t, http.StatusOK, code)
	var body struct {
		List  []model.OutboxEvent `json:"list"`
		Limit int                 `json:"limit"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &body))
	require.Len(t, body.List, 1)
	assert.Equal(t, evt.ID, body.List[0].ID)
	assert.Equal(t, 5, body.Limit)

	code, _ = s.get(t, "/api/v1/realtime/dead-letters?limit=abc", "")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestAuditTrail(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()
	for _, ev := range []string{realtime.EventCreated, realtime.EventUpdated} {
		_, err := s.em.EmitChanged(ctx, nil, realtime.ChangeParams{
			EntityType: "invoice", EntityID: 42, ProjectID: i64(7), ActorUserID: i64(3), EventType: ev,
		})
		require.NoError(t, err)
	}
	_, err := s.em.EmitChanged(ctx, nil, realtime.ChangeParams{EntityType: "invoice", EntityID: 43, EventType: realtime.EventCreated})
	require.NoError(t, err)

	code, _ := s.get(t, "/api/v1/realtime/audit/invoice/42", "")
	assert.Equal(t, http.StatusUnauthorized, code)

	code, env := s.get(t, "/api/v1/realtime/audit/invoice/42?limit=10", "1")
	require.Equal(t, http.StatusOK, code)
	var body struct {
		List []model.AuditLog `json:"list"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &body))
	require.Len(t, body.List, 2)
	assert.Equal(t, realtime.EventUpdated, body.List[0].Action)
	assert.Equal(t, realtime.EventCreated, body.List[1].Action)
	assert.Equal(t, int64(3), *body.List[0].ActorUserID)

	code, _ = s.get(t, "/api/v1/realtime/audit/invoice/0", "1")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestEventsResume(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()

	global, err := s.em.EmitChanged(ctx, nil, realtime.ChangeParams{EntityType: "user", EntityID: 1, EventType: realtime.EventUpdated})
	require.NoError(t, err)
	inProject, err := s.em.EmitChanged(ctx, nil, realtime.ChangeParams{EntityType: "invoice", EntityID: 2, ProjectID: i64(7), EventType: realtime.EventUpdated})
	require.NoError(t, err)
	_, err = s.em.EmitChanged(ctx, nil, realtime.ChangeParams{EntityType: "invoice", EntityID: 3, ProjectID: i64(8), EventType: realtime.EventUpdated})
	require.NoError(t, err)
	notify, err := s.em.EmitNotify(ctx, nil, realtime.NotifyParams{UserID: 5, Type: "mention", Title: "You were mentioned"})
	require.NoError(t, err)
	_, err = s.em.EmitNotify(ctx, nil, realtime.NotifyParams{UserID: 6, Type: "mention", Title: "Someone else"})
	require.NoError(t, err)
	_, err = s.pub.ProcessOnce(ctx)
	require.NoError(t, err)

	code, env := s.get(t, "/api/v1/realtime/events?after=0&project_id=7", "5")
	require.Equal(t, http.StatusOK, code)
	var body struct {
		Events  []realtime.Message `json:"events"`
		Cursor  int64              `json:"cursor"`
		HasMore bool               `json:"hasMore"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &body))
	require.Len(t, body.Events, 3)
	assert.Equal(t, global.ID, body.Events[0].EventID)
	assert.Equal(t, inProject.ID, body.Events[1].EventID)
	assert.Equal(t, notify.ID, body.Events[2].EventID)
	assert.Equal(t, "You were mentioned", body.Events[2].Title)
	assert.Equal(t, notify.ID, body.Cursor)
	assert.False(t, body.HasMore)

	code, env = s.get(t, "/api/v1/realtime/events?after="+jsonInt(inProject.ID)+"&project_id=7&limit=1", "5")
	require.Equal(t, http.StatusOK, code)
	require.NoError(t, json.Unmarshal(env.Data, &body))
	require.Len(t, body.Events, 1)
	assert.Equal(t, notify.ID, body.Events[0].EventID)
	assert.True(t, body.HasMore)

	code, _ = s.get(t, "/api/v1/realtime/events", "")
	assert.Equal(t, http.StatusUnauthorized, code)
	code, _ = s.get(t, "/api/v1/realtime/events?project_id=x", "5")
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = s.get(t, "/api/v1/realtime/events", "nope")
	assert.Equal(t, http.StatusBadRequest, code)
}

func jsonInt(v int64) string {
	b, _ := json.Marshal(v)
	return string(b)
}

func TestPresenceEndpoints(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()
	require.NoError(t, s.backend.Presence.Upsert(ctx, model.PresenceRecord{
		ConnectionID: "c1", UserID: 5, DisplayName: "Anna",
		Context: model.PresenceContext{ProjectID: i64(7), EntityType: "invoice", EntityID: i64(42)},
	}))
	require.NoError(t, s.backend.Presence.Upsert(ctx, model.PresenceRecord{ConnectionID: "c2", UserID: 5}))
	require.NoError(t, s.backend.Editing.Start(ctx, "invoice", 42, model.EditingEntry{UserID: 5, Name: "Anna"}))

	code, env := s.get(t, "/api/v1/presence", "")
	require.Equal(t, http.StatusOK, code)
	var online struct {
		Users       []model.PresenceRecord `json:"users"`
		Connections []model.PresenceRecord `json:"connections"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &online))
	assert.Len(t, online.Users, 1)
	assert.Len(t, online.Connections, 2)

	code, env = s.get(t, "/api/v1/presence/projects/7", "")
	require.Equal(t, http.StatusOK, code)
	require.NoError(t, json.Unmarshal(env.Data, &online))
	assert.Len(t, online.Connections, 1)

	code, env = s.get(t, "/api/v1/presence/entities/invoice/42", "")
	require.Equal(t, http.StatusOK, code)
	require.NoError(t, json.Unmarshal(env.Data, &online))
	assert.Len(t, online.Connections, 1)

	code, env = s.get(t, "/api/v1/presence/users/5", "")
	require.Equal(t, http.StatusOK, code)
	var user struct {
		Online bool `json:"online"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &user))
	assert.True(t, user.Online)

	code, env = s.get(t, "/api/v1/editing/invoice/42", "")
	require.Equal(t, http.StatusOK, code)
	var editing struct {
		Editors []model.EditingEntry `json:"editors"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &editing))
	require.Len(t, editing.Editors, 1)
	assert.Equal(t, "Anna", editing.Editors[0].Name)

	code, _ = s.get(t, "/api/v1/presence/projects/zero", "")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestWebSocketEndToEnd(t *testing.T) {
	s := newStack(t)
	srv := httptest.NewServer(s.router)
	t.Cleanup(srv.Close)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, resp, err := websocket.Dial(ctx, url, nil)
	require.Error(t, err)
	if resp != nil {
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	}

	hdr := http.Header{}
	hdr.Set("X-User-ID", "5")
	hdr.Set("X-User-Name", "Anna Petrova")
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: hdr})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })

	read := func(frameType string) json.RawMessage {
		for {
			var f realtime.Frame
			require.NoError(t, wsjson.Read(ctx, conn, &f))
			if f.Type == frameType {
				return f.Data
			}
		}
	}
	read(realtime.FramePresence)
	require.NoError(t, wsjson.Write(ctx, conn, map[string]any{"type": "subscribe", "data": map[string]any{"projectId": 7}}))
	read(realtime.FramePresence)
	require.Eventually(t, func() bool { return s.hub.RoomSize("project:7") == 1 }, 2*time.Second, 10*time.Millisecond)

	evt, err := s.em.EmitChanged(context.Background(), nil, realtime.ChangeParams{
		EntityType: "invoice", EntityID: 42, ProjectID: i64(7), EventType: realtime.EventUpdated,
	})
	require.NoError(t, err)
	notify, err := s.em.EmitNotify(context.Background(), nil, realtime.NotifyParams{UserID: 5, Type: "approval", Title: "Approve invoice"})
	require.NoError(t, err)
	res, err := s.pub.ProcessOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, res.Published)

	var msg realtime.Message
	require.NoError(t, json.Unmarshal(read(realtime.FrameChanged), &msg))
	assert.Equal(t, evt.ID, msg.EventID)
	require.NotNil(t, msg.Invalidate)
	assert.Contains(t, msg.Invalidate.Queries, "supply:invoices:list")

	require.NoError(t, json.Unmarshal(read(realtime.FrameNotify), &msg))
	assert.Equal(t, notify.ID, msg.EventID)
	assert.Equal(t, "Approve invoice", msg.Title)

	code, env := s.get(t, "/api/v1/realtime/health", "")
	require.Equal(t, http.StatusOK, code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(env.Data, &body))
	assert.EqualValues(t, 1, body["connectedClients"])
}
