package handler

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/globus/atlas/internal/infrastructure/logger"
	"go.uber.org/zap"
)

// Check probes one dependency
type Check func(ctx context.Context) error

type namedCheck struct {
	name  string
	check Check
}

// HealthHandler reports process and dependency health
type HealthHandler struct {
	startTime   time.Time
	version     string
	timeout     time.Duration
	checks      []namedCheck
	connections func() int
}

// HealthOption configures a HealthHandler
type HealthOption func(*HealthHandler)

// WithCheck adds a named dependency probe
func WithCheck(name string, check Check) HealthOption {
	return func(h *HealthHandler) {
		h.checks = append(h.checks, namedCheck{name: name, check: check})
	}
}

// WithConnections reports the number of open realtime sessions
func WithConnections(count func() int) HealthOption {
	return func(h *HealthHandler) {
		h.connections = count
	}
}

// WithVersion sets the reported build version
func WithVersion(v string) HealthOption {
	return func(h *HealthHandler) {
		h.version = v
	}
}

// NewHealthHandler creates a HealthHandler
func NewHealthHandler(opts ...HealthOption) *HealthHandler {
	h := &HealthHandler{
		startTime: time.Now(),
		version:   "dev",
		timeout:   2 * time.Second,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// HealthResponse is the body of GET /health
type HealthResponse struct {
	Status      string            `json:"status"`
	Version     string            `json:"version"`
	GoVersion   string            `json:"go_version"`
	Uptime      string            `json:"uptime"`
	Checks      map[string]string `json:"checks"`
	Connections *int              `json:"connections,omitempty"`
}

// RegisterRoutes mounts /health and /ping on rg
func (h *HealthHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/health", h.Health)
	rg.GET("/ping", h.Ping)
}

// Health runs every check and answers 503 when one fails
func (h *HealthHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
	defer cancel()

	resp := HealthResponse{
		Status:    "ok",
		Version:   h.version,
		GoVersion: runtime.Version(),
		Uptime:    time.Since(h.startTime).Round(time.Second).String(),
		Checks:    make(map[string]string, len(h.checks)),
	}
	for _, nc := range h.checks {
		if err := nc.check(ctx); err != nil {
			logger.GetGinLogger(c).Warn("Health check failed", zap.String("check", nc.name), zap.Error(err))
			resp.Checks[nc.name] = err.Error()
			resp.Status = "degraded"
			continue
		}
		resp.Checks[nc.name] = "ok"
	}
	if h.connections != nil {
		n := h.connections()
		resp.Connections = &n
	}

	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, resp)
}

// Ping answers without touching dependencies
func (h *HealthHandler) Ping(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"message":   "pong",
		"timestamp": time.Now().Format(time.RFC3339),
	})
}
