package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aura-kitchen/livecommerce/internal/analytics"
	"github.com/aura-kitchen/livecommerce/internal/auth"
	"github.com/aura-kitchen/livecommerce/internal/livesession"
	"github.com/aura-kitchen/livecommerce/internal/memstore"
	"github.com/aura-kitchen/livecommerce/internal/middleware"
	"github.com/aura-kitchen/livecommerce/internal/orders"
	"github.com/aura-kitchen/livecommerce/internal/presence"
	"github.com/aura-kitchen/livecommerce/internal/realtime"
)

const transportSecret = "shh"

type envelope struct {
	Success         bool            `json:"success"`
	Data            json.RawMessage `json:"data"`
	Error           string          `json:"error"`
	ResumeSessionID *uuid.UUID      `json:"resume_session_id"`
}

type testServer struct {
	router *gin.Engine
	jwt    *auth.JWTService
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := memstore.NewSessions()
	ledger := memstore.NewOrders()
	summaries := memstore.NewSummaries()
	hub := realtime.NewHub(nil, 16, nil, nil)
	agg := presence.NewAggregator(store, hub, presence.Config{}, nil)
	coordinator := orders.NewCoordinator(store, ledger, hub, nil)
	manager := livesession.NewManager(store, summaries, analytics.NewCompiler(store, ledger), agg, nil, hub, livesession.Config{}, nil)

	jwtService := auth.NewJWTService("test-secret", 1)
	router := gin.New()
	router.Use(middleware.CORS("*"))
	RegisterRoutes(router, NewHandler(manager, coordinator, agg, summaries, nil, nil), jwtService, nil, transportSecret)
	return &testServer{router: router, jwt: jwtService}
}

func (s *testServer) token(t *testing.T, userID uuid.UUID, role string) string {
	t.Helper()
	tok, err := s.jwt.Generate(userID, "user-"+role, role)
	require.NoError(t, err)
	return tok
}

func (s *testServer) do(t *testing.T, method, path, token string, body interface{}, header ...string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	var env envelope
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	}
	return w, env
}

func decode[T any](t *testing.T, raw json.RawMessage) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(raw, &v))
	return v
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t)
	w, env := srv.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, env.Success)
}

func TestSessionRoutesRequireToken(t *testing.T) {
	srv := newTestServer(t)
	w, _ := srv.do(t, http.MethodPost, "/sessions", "", map[string]string{"channel_id": "k", "title": "t"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestCreateSessionRequiresBroadcasterRole(t *testing.T) {
	srv := newTestServer(t)
	viewer := srv.token(t, uuid.New(), "viewer")
	w, _ := srv.do(t, http.MethodPost, "/sessions", viewer, map[string]string{"channel_id": "k", "title": "t"})
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestCreateSessionConflictCarriesResumeID(t *testing.T) {
	srv := newTestServer(t)
	broadcaster := srv.token(t, uuid.New(), "broadcaster")

	w, env := srv.do(t, http.MethodPost, "/sessions", broadcaster, map[string]string{"channel_id": "kitchen-1", "title": "Biryani"})
	require.Equal(t, http.StatusCreated, w.Code)
	created := decode[struct {
		ID uuid.UUID `json:"id"`
	}](t, env.Data)

	w, env = srv.do(t, http.MethodPost, "/sessions", broadcaster, map[string]string{"channel_id": "kitchen-2", "title": "Again"})
	assert.Equal(t, http.StatusConflict, w.Code)
	require.NotNil(t, env.ResumeSessionID)
	assert.Equal(t, created.ID, *env.ResumeSessionID)

	w, env = srv.do(t, http.MethodGet, "/sessions/resume", broadcaster, nil)
	require.Equal(t, http.StatusOK, w.Code)
	resume := decode[struct {
		SessionID *uuid.UUID `json:"session_id"`
	}](t, env.Data)
	require.NotNil(t, resume.SessionID)
	assert.Equal(t, created.ID, *resume.SessionID)
}

func TestTransportSignalsNeedSecret(t *testing.T) {
	srv := newTestServer(t)
	w, _ := srv.do(t, http.MethodPost, "/transport/first-frame", "", map[string]string{"channel_id": "kitchen-1"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w, _ = srv.do(t, http.MethodPost, "/transport/first-frame", "", map[string]string{"channel_id": "kitchen-1"},
		middleware.TransportSecretHeader, transportSecret)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestLiveCommerceFlow(t *testing.T) {
	srv := newTestServer(t)
	broadcasterID := uuid.New()
	broadcaster := srv.token(t, broadcasterID, "broadcaster")
	viewer := srv.token(t, uuid.New(), "viewer")

	w, env := srv.do(t, http.MethodPost, "/sessions", broadcaster, map[string]interface{}{
		"channel_id": "kitchen-7",
		"title":      "Hyderabadi night",
		"tags":       []string{"Biryani", "biryani"},
	})
	require.Equal(t, http.StatusCreated, w.Code)
	sessionID := decode[struct {
		ID uuid.UUID `json:"id"`
	}](t, env.Data).ID
	base := "/sessions/" + sessionID.String()

	// orders are refused until the first frame arrives
	order := map[string]interface{}{
		"items":        []map[string]interface{}{{"product_id": uuid.New(), "quantity": 2, "unit_price": 32000}},
		"total_amount": 64000,
	}
	w, _ = srv.do(t, http.MethodPost, base+"/orders", viewer, order)
	assert.Equal(t, http.StatusConflict, w.Code)

	w, _ = srv.do(t, http.MethodPost, "/transport/first-frame", "", map[string]string{"channel_id": "kitchen-7"},
		middleware.TransportSecretHeader, transportSecret)
	require.Equal(t, http.StatusOK, w.Code)

	w, _ = srv.do(t, http.MethodPost, base+"/heartbeat", viewer, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	w, env = srv.do(t, http.MethodPost, base+"/comments", viewer, map[string]string{"author_name": "Meera", "content": "Take my money"})
	require.Equal(t, http.StatusCreated, w.Code)

	w, env = srv.do(t, http.MethodPost, base+"/orders", viewer, order)
	require.Equal(t, http.StatusCreated, w.Code)
	orderID := decode[struct {
		ID uuid.UUID `json:"id"`
	}](t, env.Data).ID

	w, _ = srv.do(t, http.MethodGet, base+"/orders", viewer, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	w, env = srv.do(t, http.MethodGet, base+"/orders", broadcaster, nil)
	require.Equal(t, http.StatusOK, w.Code)
	listed := decode[struct {
		Orders       []json.RawMessage `json:"orders"`
		PendingCount int               `json:"pending_count"`
	}](t, env.Data)
	assert.Len(t, listed.Orders, 1)
	assert.Equal(t, 1, listed.PendingCount)

	w, _ = srv.do(t, http.MethodPost, "/orders/"+orderID.String()+"/decision", viewer, map[string]string{"decision": "confirm"})
	assert.Equal(t, http.StatusForbidden, w.Code)
	w, _ = srv.do(t, http.MethodPost, "/orders/"+orderID.String()+"/decision", broadcaster, map[string]string{"decision": "confirm"})
	require.Equal(t, http.StatusOK, w.Code)
	w, _ = srv.do(t, http.MethodPost, "/orders/"+orderID.String()+"/decision", broadcaster, map[string]string{"decision": "reject"})
	assert.Equal(t, http.StatusConflict, w.Code)
	w, _ = srv.do(t, http.MethodPost, "/orders/"+orderID.String()+"/advance", broadcaster, map[string]string{"status": "ready"})
	assert.Equal(t, http.StatusConflict, w.Code)
	w, _ = srv.do(t, http.MethodPost, "/orders/"+orderID.String()+"/advance", broadcaster, map[string]string{"status": "preparing"})
	assert.Equal(t, http.StatusOK, w.Code)

	w, _ = srv.do(t, http.MethodPost, base+"/end", viewer, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w, first := srv.do(t, http.MethodPost, base+"/end", broadcaster, map[string]interface{}{"save_replay": false})
	require.Equal(t, http.StatusOK, w.Code)
	summary := decode[struct {
		TotalOrders     int   `json:"total_orders"`
		ConfirmedOrders int   `json:"confirmed_orders"`
		GrossAmount     int64 `json:"gross_amount"`
		TotalComments   int64 `json:"total_comments"`
		TotalViewers    int   `json:"total_viewers"`
	}](t, first.Data)
	assert.Equal(t, 1, summary.TotalOrders)
	assert.Equal(t, 1, summary.ConfirmedOrders)
	assert.Equal(t, int64(64000), summary.GrossAmount)
	assert.Equal(t, int64(1), summary.TotalComments)
	assert.Equal(t, 1, summary.TotalViewers)

	w, second := srv.do(t, http.MethodPost, base+"/end", broadcaster, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, string(first.Data), string(second.Data))

	w, stored := srv.do(t, http.MethodGet, base+"/summary", broadcaster, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, string(first.Data), string(stored.Data))

	w, _ = srv.do(t, http.MethodPost, base+"/orders", viewer, order)
	assert.Equal(t, http.StatusConflict, w.Code)
	w, _ = srv.do(t, http.MethodGet, base+"/replay-url", broadcaster, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestInvalidSessionID(t *testing.T) {
	srv := newTestServer(t)
	tok := srv.token(t, uuid.New(), "viewer")
	w, _ := srv.do(t, http.MethodGet, "/sessions/not-a-uuid", tok, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w, _ = srv.do(t, http.MethodGet, "/sessions/"+uuid.NewString(), tok, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
