package router

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/globus/atlas/internal/infrastructure/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type registrarFunc func(rg *gin.RouterGroup)

func (f registrarFunc) RegisterRoutes(rg *gin.RouterGroup) { f(rg) }

func system() RouteRegistrar {
	return registrarFunc(func(rg *gin.RouterGroup) {
		rg.GET("/health", func(c *gin.Context) { c.String(http.StatusOK, "healthy") })
	})
}

func gateway() RouteRegistrar {
	return registrarFunc(func(rg *gin.RouterGroup) {
		rg.GET("/:endpoint/:method", func(c *gin.Context) {
			c.String(http.StatusOK, c.Param("endpoint")+"."+c.Param("method"))
		})
	})
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func TestRouter_Setup(t *testing.T) {
	engine := gin.New()
	NewRouter(engine, WithPrefix("/api")).Register(system()).Register(gateway()).Setup()

	assert.Equal(t, "healthy", get(t, engine, "/api/health").Body.String())
	assert.Equal(t, "leads.get", get(t, engine, "/api/leads/get").Body.String())
	assert.Equal(t, http.StatusNotFound, get(t, engine, "/leads/get").Code)
}

func TestNewEngine(t *testing.T) {
	socket := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusSwitchingProtocols)
	})
	engine, err := NewEngine(Options{
		Logger: zap.NewNop(),
		HTTP: config.HTTPConfig{
			MaxBodySize:       1 << 20,
			RateLimitEnabled:  true,
			RateLimitRequests: 3,
			RateLimitWindow:   time.Hour,
			CORSAllowOrigins:  []string{"https://crm.example.org"},
		},
		ServiceName: "atlas-test",
		Socket:      socket,
	}, system(), gateway())
	require.NoError(t, err)

	w := get(t, engine, "/health")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))

	assert.Equal(t, "tasks.active", get(t, engine, "/tasks/active").Body.String())

	w = get(t, engine, "/a/b/c")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.JSONEq(t, `{"error":"API endpoint not found"}`, w.Body.String())

	assert.Equal(t, http.StatusTooManyRequests, get(t, engine, "/health").Code)

	for i := 0; i < 5; i++ {
		assert.Equal(t, http.StatusSwitchingProtocols, get(t, engine, SocketPath).Code)
	}
}
