package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func serve(t *testing.T, r *gin.Engine, method, path string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func ok(c *gin.Context) { c.Status(http.StatusOK) }

func TestOriginsAllows(t *testing.T) {
	o := ParseOrigins(" https://shop.example/, https://studio.example ")
	assert.True(t, o.Allows("https://shop.example"))
	assert.True(t, o.Allows("https://studio.example"))
	assert.True(t, o.Allows(""))
	assert.False(t, o.Allows("https://evil.example"))

	assert.True(t, ParseOrigins("").Allows("https://evil.example"))
	assert.True(t, ParseOrigins("*").Allows("https://evil.example"))
}

func TestCORSEchoesListedOriginOnly(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(CORS("https://shop.example"))
	r.GET("/x", ok)

	w := serve(t, r, http.MethodGet, "/x", "Origin", "https://shop.example")
	assert.Equal(t, "https://shop.example", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "Origin", w.Header().Get("Vary"))
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Headers"), TransportSecretHeader)

	w = serve(t, r, http.MethodGet, "/x", "Origin", "https://evil.example")
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))

	w = serve(t, r, http.MethodOptions, "/x", "Origin", "https://shop.example")
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestRequireRole(t *testing.T) {
	gin.SetMode(gin.TestMode)
	withRole := func(role string) gin.HandlerFunc {
		return func(c *gin.Context) {
			c.Set(ContextUserID, uuid.New())
			c.Set(ContextUserRole, role)
		}
	}
	r := gin.New()
	r.GET("/anon", RequireRole("broadcaster"), ok)
	r.GET("/viewer", withRole("viewer"), RequireRole("broadcaster", "admin"), ok)
	r.GET("/admin", withRole("admin"), RequireRole("broadcaster", "admin"), ok)

	assert.Equal(t, http.StatusUnauthorized, serve(t, r, http.MethodGet, "/anon").Code)

	w := serve(t, r, http.MethodGet, "/viewer")
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), "requires role broadcaster or admin")

	assert.Equal(t, http.StatusOK, serve(t, r, http.MethodGet, "/admin").Code)
}

func TestLoggerLevelFollowsStatus(t *testing.T) {
	gin.SetMode(gin.TestMode)
	core, logs := observer.New(zapcore.DebugLevel)
	userID := uuid.New()

	r := gin.New()
	r.Use(Logger(zap.New(core)))
	r.GET("/sessions/:id", func(c *gin.Context) {
		c.Set(ContextUserID, userID)
		c.Status(http.StatusConflict)
	})
	r.GET("/boom", func(c *gin.Context) { c.Status(http.StatusBadGateway) })
	r.GET("/fine", ok)

	serve(t, r, http.MethodGet, "/sessions/abc")
	serve(t, r, http.MethodGet, "/boom")
	serve(t, r, http.MethodGet, "/fine")

	entries := logs.All()
	require.Len(t, entries, 3)
	assert.Equal(t, zapcore.WarnLevel, entries[0].Level)
	assert.Equal(t, "abc", entries[0].ContextMap()["resource_id"])
	assert.Equal(t, userID.String(), entries[0].ContextMap()["user_id"])
	assert.Equal(t, "/sessions/:id", entries[0].ContextMap()["route"])
	assert.Equal(t, zapcore.ErrorLevel, entries[1].Level)
	assert.Equal(t, zapcore.InfoLevel, entries[2].Level)
}
