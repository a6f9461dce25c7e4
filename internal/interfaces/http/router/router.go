// Package router assembles the gin engine: middleware chain, system
// routes, the realtime socket and the RPC gateway.
package router

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/globus/atlas/internal/infrastructure/config"
	"github.com/globus/atlas/internal/infrastructure/logger"
	"github.com/globus/atlas/internal/interfaces/http/middleware"
	"go.uber.org/zap"
)

// SocketPath is where the realtime hub accepts websocket upgrades
const SocketPath = "/socket"

// RouteRegistrar defines the interface for registering routes
type RouteRegistrar interface {
	RegisterRoutes(rg *gin.RouterGroup)
}

// Router manages HTTP route registration
type Router struct {
	engine     *gin.Engine
	prefix     string
	registrars []RouteRegistrar
}

// RouterOption is a functional option for Router configuration
type RouterOption func(*Router)

// WithPrefix mounts the registrars under prefix, e.g. "/api"
func WithPrefix(prefix string) RouterOption {
	return func(r *Router) {
		r.prefix = prefix
	}
}

// NewRouter creates a new Router instance
func NewRouter(engine *gin.Engine, opts ...RouterOption) *Router {
	r := &Router{engine: engine}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a RouteRegistrar to be registered later
func (r *Router) Register(registrar RouteRegistrar) *Router {
	r.registrars = append(r.registrars, registrar)
	return r
}

// Setup registers all routes with the engine, in registration order
func (r *Router) Setup() {
	group := r.engine.Group(r.prefix)
	for _, registrar := range r.registrars {
		registrar.RegisterRoutes(group)
	}
}

// Options configures the engine built by NewEngine
type Options struct {
	Logger      *zap.Logger
	HTTP        config.HTTPConfig
	Production  bool
	ServiceName string
	Tracing     bool
	// Prefix mounts the registrars under a path; the socket stays at SocketPath.
	Prefix string
	// Socket serves SocketPath when set.
	Socket http.Handler
	// RateLimiter is used when HTTP.RateLimitEnabled is set. A nil value
	// gets one built from the config.
	RateLimiter *middleware.RateLimiter
}

// NewEngine creates a gin engine with the gateway middleware chain. System
// routes register before the gateway so static paths win over
// /:endpoint.
func NewEngine(opts Options, registrars ...RouteRegistrar) (*gin.Engine, error) {
	if opts.Production {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	if err := engine.SetTrustedProxies(opts.HTTP.TrustedProxies); err != nil {
		return nil, err
	}
	engine.HandleMethodNotAllowed = false

	cors := middleware.DefaultCORSConfig()
	cors.AllowOrigins = opts.HTTP.CORSAllowOrigins
	if len(opts.HTTP.CORSAllowMethods) > 0 {
		cors.AllowMethods = opts.HTTP.CORSAllowMethods
	}
	if len(opts.HTTP.CORSAllowHeaders) > 0 {
		cors.AllowHeaders = opts.HTTP.CORSAllowHeaders
	}
	security := middleware.DefaultSecurityConfig()
	security.HSTSEnabled = opts.Production

	engine.Use(middleware.RequestID())
	engine.Use(middleware.Tracing(middleware.TracingConfig{
		ServiceName: opts.ServiceName,
		Enabled:     opts.Tracing,
	})...)
	engine.Use(
		logger.GinMiddleware(opts.Logger),
		logger.Recovery(opts.Logger),
		middleware.CORSWithConfig(cors),
		middleware.Secure(security),
	)
	if opts.HTTP.MaxBodySize > 0 {
		engine.Use(middleware.BodyLimit(opts.HTTP.MaxBodySize))
	}
	if opts.HTTP.RateLimitEnabled {
		rl := opts.RateLimiter
		if rl == nil {
			window := opts.HTTP.RateLimitWindow
			if window <= 0 {
				window = time.Minute
			}
			rl = middleware.NewRateLimiter(opts.HTTP.RateLimitRequests, window)
		}
		engine.Use(middleware.RateLimit(rl, SocketPath))
	}

	if opts.Socket != nil {
		engine.GET(SocketPath, gin.WrapH(opts.Socket))
	}

	r := NewRouter(engine, WithPrefix(opts.Prefix))
	for _, reg := range registrars {
		r.Register(reg)
	}
	r.Setup()

	engine.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "API endpoint not found"})
	})
	return engine, nil
}
