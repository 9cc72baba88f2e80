package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/kimhsiao/medcord/backend/internal/errors"
	"github.com/kimhsiao/medcord/backend/internal/messaging"
	"github.com/kimhsiao/medcord/backend/internal/models"
	"github.com/kimhsiao/medcord/backend/internal/remote"
	"github.com/kimhsiao/medcord/backend/internal/store"
	"github.com/kimhsiao/medcord/backend/internal/store/kvstore"
	"github.com/kimhsiao/medcord/backend/internal/store/sqlitestore"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// =====================================================
// Test Helpers
// =====================================================

type testAPI struct {
	server *Server
	svc    *messaging.Service
	remote *remote.MemoryStore
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	rem := remote.NewMemoryStore(nil)
	svc := messaging.NewService(messaging.Options{
		Primary: func(ctx context.Context) (store.RecordStore, error) { return sqlitestore.OpenMemory() },
		Fallback: kvstore.Opener(func(ctx context.Context) (kvstore.Backend, error) {
			return kvstore.NewMemoryBackend(0), nil
		}),
		Remote: rem,
	})
	require.NoError(t, svc.Init(context.Background(), models.Participant{ID: "p1", Role: models.RolePatient, DisplayName: "Pat"}))

	server, err := NewServer(svc)
	require.NoError(t, err)
	t.Cleanup(func() {
		server.Close()
		svc.Shutdown(context.Background())
	})
	return &testAPI{server: server, svc: svc, remote: rem}
}

// do performs a request and decodes the envelope; data is decoded into out when non-nil.
func (a *testAPI) do(t *testing.T, method, path string, body interface{}, out interface{}) (int, Envelope) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	a.server.Handler().ServeHTTP(rec, req)

	var env struct {
		Code    string          `json:"code"`
		Message string          `json:"message"`
		Data    json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	if out != nil && len(env.Data) > 0 {
		require.NoError(t, json.Unmarshal(env.Data, out))
	}
	return rec.Code, Envelope{Code: env.Code, Message: env.Message}
}

// =====================================================
// REST
// =====================================================

// TestHealth verifies the health endpoint reports the active store.
func TestHealth(t *testing.T) {
	api := newTestAPI(t)
	var data map[string]interface{}
	status, env := api.do(t, http.MethodGet, "/api/health", nil, &data)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, CodeOK, env.Code)
	assert.Equal(t, "sqlite", data["store"])
}

// TestNoRoute verifies unknown routes use the envelope.
func TestNoRoute(t *testing.T) {
	api := newTestAPI(t)
	status, env := api.do(t, http.MethodGet, "/api/nope", nil, nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, string(apperrors.ErrNotFound), env.Code)
}

// TestCaseLifecycle covers create, list, get and status updates.
func TestCaseLifecycle(t *testing.T) {
	api := newTestAPI(t)
	require.NoError(t, api.svc.SetOnline(false))

	var created models.Case
	status, _ := api.do(t, http.MethodPost, "/api/cases", map[string]string{
		"provider_id": "d1",
		"subject":     "Sore throat",
		"urgency":     "low",
	}, &created)
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, "p1", created.PatientID)

	var cases []models.Case
	status, _ = api.do(t, http.MethodGet, "/api/cases", nil, &cases)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, cases, 1)

	status, env := api.do(t, http.MethodGet, "/api/cases/missing", nil, nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, string(apperrors.ErrNotFound), env.Code)

	status, _ = api.do(t, http.MethodPatch, "/api/cases/"+created.ID+"/status", map[string]string{"status": "done"}, nil)
	assert.Equal(t, http.StatusBadRequest, status)

	var updated models.Case
	status, _ = api.do(t, http.MethodPatch, "/api/cases/"+created.ID+"/status", map[string]string{"status": "resolved"}, &updated)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, models.CaseStatusResolved, updated.Status)

	status, env = api.do(t, http.MethodPatch, "/api/cases/"+created.ID+"/status", map[string]string{"status": "reviewed"}, nil)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, string(apperrors.ErrInvalidTransition), env.Code)

	status, _ = api.do(t, http.MethodPost, "/api/cases", map[string]string{"subject": "no provider"}, nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

// TestMessages covers sending and listing messages offline, then syncing.
func TestMessages(t *testing.T) {
	api := newTestAPI(t)

	var state models.SyncState
	status, _ := api.do(t, http.MethodPost, "/api/connectivity", map[string]bool{"online": false}, &state)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, models.EngineOffline, state.Status)

	var msg models.Message
	status, _ = api.do(t, http.MethodPost, "/api/cases/c1/messages", map[string]string{"content": "Hello"}, &msg)
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, models.SyncStatusPending, msg.SyncStatus)

	status, _ = api.do(t, http.MethodPost, "/api/cases/c1/messages", map[string]string{}, nil)
	assert.Equal(t, http.StatusBadRequest, status)

	var msgs []models.Message
	status, _ = api.do(t, http.MethodGet, "/api/cases/c1/messages", nil, &msgs)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, msgs, 1)

	var result struct {
		Offline bool `json:"offline"`
	}
	status, _ = api.do(t, http.MethodPost, "/api/sync", nil, &result)
	require.Equal(t, http.StatusOK, status)
	assert.True(t, result.Offline)

	var syncStatus struct {
		PendingCount int                `json:"pending_count"`
		Storage      models.StorageInfo `json:"storage"`
	}
	status, _ = api.do(t, http.MethodGet, "/api/sync/status", nil, &syncStatus)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, 1, syncStatus.PendingCount)
	assert.Equal(t, "sqlite", syncStatus.Storage.Backend)

	status, _ = api.do(t, http.MethodPost, "/api/connectivity", map[string]bool{"online": true}, nil)
	require.Equal(t, http.StatusOK, status)
	api.svc.Wait()

	status, _ = api.do(t, http.MethodGet, "/api/sync/status", nil, &syncStatus)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, 0, syncStatus.PendingCount)

	var reset struct {
		Reset int `json:"reset"`
	}
	status, _ = api.do(t, http.MethodPost, "/api/sync/retry", nil, &reset)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, 0, reset.Reset)
}

// TestConnectivity_validation verifies the online flag is required.
func TestConnectivity_validation(t *testing.T) {
	api := newTestAPI(t)
	status, _ := api.do(t, http.MethodPost, "/api/connectivity", map[string]string{}, nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

// TestStatusFor verifies error code mapping.
func TestStatusFor(t *testing.T) {
	tests := []struct {
		code apperrors.ErrorCode
		want int
	}{
		{apperrors.ErrInvalid, http.StatusBadRequest},
		{apperrors.ErrPermission, http.StatusForbidden},
		{apperrors.ErrNotInitialized, http.StatusServiceUnavailable},
		{apperrors.ErrSyncFailed, http.StatusBadGateway},
		{apperrors.ErrStorage, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.code); got != tt.want {
			t.Errorf("statusFor(%s) = %d, want %d", tt.code, got, tt.want)
		}
	}
}

// =====================================================
// Websocket
// =====================================================

func dialWS(t *testing.T, api *testAPI) *websocket.Conn {
	t.Helper()
	ts := httptest.NewServer(api.server.Handler())
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	deadline := time.Now().Add(2 * time.Second)
	for api.server.Hub().ClientCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	require.Equal(t, 1, api.server.Hub().ClientCount())
	return conn
}

// readEvent reads until an event of the wanted type arrives.
func readEvent(t *testing.T, conn *websocket.Conn, want string) json.RawMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var env struct {
			Type string          `json:"type"`
			Data json.RawMessage `json:"data"`
		}
		require.NoError(t, conn.ReadJSON(&env))
		if env.Type == want {
			return env.Data
		}
	}
}

// TestWebsocket_syncState verifies state changes reach connected clients.
func TestWebsocket_syncState(t *testing.T) {
	api := newTestAPI(t)
	conn := dialWS(t, api)

	require.NoError(t, api.svc.SetOnline(false))

	var state models.SyncState
	require.NoError(t, json.Unmarshal(readEvent(t, conn, EventSyncState), &state))
	assert.Equal(t, models.EngineOffline, state.Status)
}

// TestWebsocket_caseMessages verifies followed cases stream inserted messages.
func TestWebsocket_caseMessages(t *testing.T) {
	api := newTestAPI(t)
	conn := dialWS(t, api)

	require.NoError(t, conn.WriteJSON(map[string]interface{}{"action": "subscribe", "cases": []string{"c1"}}))
	var ack struct {
		Cases []string `json:"cases"`
	}
	require.NoError(t, json.Unmarshal(readEvent(t, conn, "subscribe_ack"), &ack))
	assert.Equal(t, []string{"c1"}, ack.Cases)

	ctx := context.Background()
	require.NoError(t, api.remote.PushMessage(ctx, "c1", &models.Message{
		ID: "x1", SenderID: "d1", Content: "lab results are in", Timestamp: time.Now().UTC(),
	}))

	var msg models.Message
	require.NoError(t, json.Unmarshal(readEvent(t, conn, EventMessageInserted), &msg))
	assert.Equal(t, "lab results are in", msg.Content)
	assert.Equal(t, models.SyncStatusSynced, msg.SyncStatus)

	require.NoError(t, conn.WriteJSON(map[string]string{"action": "ping"}))
	readEvent(t, conn, "pong")
}

// TestLocalOrigin verifies the websocket origin check.
func TestLocalOrigin(t *testing.T) {
	tests := []struct {
		origin string
		want   bool
	}{
		{"", true},
		{"http://localhost:3000", true},
		{"http://127.0.0.1:8090", true},
		{"https://evil.example", false},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/ws", nil)
		if tt.origin != "" {
			req.Header.Set("Origin", tt.origin)
		}
		if got := localOrigin(req); got != tt.want {
			t.Errorf("localOrigin(%q) = %v, want %v", tt.origin, got, tt.want)
		}
	}
}
