package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/globus/atlas/internal/application/endpoints"
	"github.com/globus/atlas/internal/application/rpc"
	appscheduler "github.com/globus/atlas/internal/application/scheduler"
	"github.com/globus/atlas/internal/infrastructure/cache"
	"github.com/globus/atlas/internal/infrastructure/config"
	"github.com/globus/atlas/internal/infrastructure/invalidation"
	"github.com/globus/atlas/internal/infrastructure/logger"
	"github.com/globus/atlas/internal/infrastructure/migration"
	"github.com/globus/atlas/internal/infrastructure/persistence"
	"github.com/globus/atlas/internal/infrastructure/realtime"
	"github.com/globus/atlas/internal/infrastructure/scheduler"
	"github.com/globus/atlas/internal/infrastructure/telemetry"
	"github.com/globus/atlas/internal/interfaces/http/handler"
	"github.com/globus/atlas/internal/interfaces/http/middleware"
	"github.com/globus/atlas/internal/interfaces/http/router"
	"github.com/globus/atlas/migrations"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

// hubRef lets the invalidation bus and the endpoints reach the hub, which
// can only be built once the dispatcher exists.
type hubRef struct {
	*realtime.Hub
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("Failed to load configuration: " + err.Error())
	}

	log, err := logger.New(&logger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		Output:     cfg.Log.Output,
		Service:    cfg.App.Name,
		Sampling:   cfg.App.IsProduction(),
	})
	if err != nil {
		panic("Failed to initialize logger: " + err.Error())
	}
	defer func() {
		_ = logger.Sync(log)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Telemetry
	telCfg := telemetry.Config{
		Enabled:           cfg.Telemetry.Enabled,
		CollectorEndpoint: cfg.Telemetry.CollectorEndpoint,
		Insecure:          cfg.Telemetry.Insecure,
		SamplingRatio:     cfg.Telemetry.SamplingRatio,
		MetricsInterval:   cfg.Telemetry.MetricsInterval,
		ServiceName:       cfg.App.Name,
		ServiceVersion:    version,
	}
	tel, err := telemetry.Start(ctx, telCfg, log)
	if err != nil {
		log.Fatal("Failed to initialize telemetry", zap.Error(err))
	}
	level, err := zapcore.ParseLevel(cfg.Log.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}
	log = tel.Bridge(log, level)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			log.Error("Error shutting down telemetry", zap.Error(err))
		}
	}()

	log.Info("Starting Atlas",
		zap.String("app", cfg.App.Name),
		zap.String("env", cfg.App.Env),
		zap.String("port", cfg.App.Port),
		zap.String("version", version),
	)

	// Database
	db, err := persistence.NewDatabase(&cfg.Database,
		persistence.WithGormLogger(logger.NewGormLogger(log, logger.MapGormLogLevel(cfg.Log.Level))))
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Error("Error closing database", zap.Error(err))
		}
	}()
	if err := migrateSchema(cfg, db, log); err != nil {
		log.Fatal("Failed to migrate database", zap.Error(err))
	}
	if cfg.Telemetry.TraceDatabase {
		err := telemetry.TraceDatabase(db.DB, telemetry.DBTracingConfig{
			DBSystem:  db.Driver(),
			SlowQuery: 200 * time.Millisecond,
		}, log)
		if err != nil {
			log.Fatal("Failed to enable database tracing", zap.Error(err))
		}
	}
	log.Info("Database connected", zap.String("driver", db.Driver()))
	repos := persistence.NewRepositories(db.DB)

	// Redis is optional: without it invalidations and daily marks stay in
	// this process.
	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient, err = cache.Connect(ctx, cfg.Redis)
		if err != nil {
			log.Fatal("Failed to connect to Redis", zap.Error(err))
		}
		defer redisClient.Close()
		log.Info("Redis connected", zap.String("addr", cfg.Redis.Addr()))
	}

	// Invalidation bus, registry and endpoints
	hub := &hubRef{}
	var bus rpc.Invalidator = invalidation.NewLocalBus(hub, log)
	if redisClient != nil {
		redisBus := invalidation.NewRedisBus(redisClient, hub,
			invalidation.WithChannel(cfg.Redis.Channel),
			invalidation.WithLogger(log),
		)
		if err := redisBus.Start(ctx); err != nil {
			log.Fatal("Failed to subscribe to invalidations", zap.Error(err))
		}
		defer redisBus.Close()
		bus = redisBus
	}
	registry := rpc.NewRegistry(bus)

	calendar := appscheduler.NewCalendar(cfg.Business)
	engine := appscheduler.NewEngine(appscheduler.Repositories{
		Rules:       repos.Rules,
		Pipelines:   repos.Pipelines,
		Leads:       repos.Leads,
		Tasks:       repos.Tasks,
		Assignments: repos.Assignments,
		Users:       repos.Users,
	}, appscheduler.TasksVia(registry), appscheduler.NotificationsVia(registry), calendar,
		appscheduler.WithEngineLogger(log),
		appscheduler.WithMinPipelineID(cfg.Scheduler.MinPipelineID),
		appscheduler.WithReceivers(cfg.Scheduler.NotificationReceivers...),
	)

	state := realtime.NewSharedState()
	set := endpoints.New(endpoints.Deps{
		Registry:      registry,
		Leads:         repos.Leads,
		Tasks:         repos.Tasks,
		Rules:         repos.Rules,
		Pipelines:     repos.Pipelines,
		Users:         repos.Users,
		Sessions:      repos.Sessions,
		Logs:          repos.Logs,
		Notifications: repos.Notifications,
		Rooms:         hub,
		Store:         state,
		Engine:        engine,
		Calendar:      calendar,
		Business:      cfg.Business,
		Logger:        log,
	})
	if err := set.Register(); err != nil {
		log.Fatal("Failed to register endpoints", zap.Error(err))
	}
	registry.Seal()
	log.Info("Endpoints registered", zap.Strings("endpoints", registry.Names()))

	callMetrics, err := telemetry.NewCallMetrics(tel.Meter())
	if err != nil {
		log.Fatal("Failed to create call metrics", zap.Error(err))
	}
	resolver := rpc.NewSessionResolver(set.Users, set.Leads)
	dispatcher := rpc.NewDispatcher(registry, resolver,
		rpc.WithDispatcherLogger(log),
		rpc.WithTiming(!cfg.App.IsProduction()),
		rpc.WithTracer(tel.Tracer()),
		rpc.WithObserver(callMetrics),
	)

	// Realtime sessions
	hub.Hub = realtime.NewHub(dispatcher, resolver, state,
		realtime.WithHubLogger(log),
		realtime.WithPingInterval(cfg.Realtime.PingInterval),
		realtime.WithWriteTimeout(cfg.Realtime.WriteTimeout),
		realtime.WithMaxConnections(cfg.Realtime.MaxConnections),
		realtime.WithOriginPatterns(cfg.Realtime.AllowedOrigins...),
	)
	defer hub.Close()
	err = telemetry.GaugeFunc(tel.Meter(), "realtime.connections",
		"Open realtime sessions", func() int64 { return int64(hub.Count()) })
	if err != nil {
		log.Fatal("Failed to create connection gauge", zap.Error(err))
	}

	// Task scheduler
	if cfg.App.IsProduction() || cfg.Scheduler.Enabled {
		cron, jobs, err := startScheduler(ctx, cfg, log, redisClient, repos, engine, registry)
		if err != nil {
			log.Fatal("Failed to start task scheduler", zap.Error(err))
		}
		defer func() {
			jobs.Stop()
			stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := cron.Stop(stopCtx); err != nil {
				log.Error("Error stopping task scheduler", zap.Error(err))
			}
		}()
	}

	// HTTP
	var rateLimiter *middleware.RateLimiter
	if cfg.HTTP.RateLimitEnabled {
		rateLimiter = middleware.NewRateLimiter(cfg.HTTP.RateLimitRequests, cfg.HTTP.RateLimitWindow)
		go pruneRateLimiter(ctx, rateLimiter, cfg.HTTP.RateLimitWindow)
		log.Info("Rate limiting enabled",
			zap.Int("requests", cfg.HTTP.RateLimitRequests),
			zap.Duration("window", cfg.HTTP.RateLimitWindow),
		)
	}

	healthOpts := []handler.HealthOption{
		handler.WithVersion(version),
		handler.WithCheck("database", db.Ping),
		handler.WithConnections(hub.Count),
	}
	if redisClient != nil {
		healthOpts = append(healthOpts, handler.WithCheck("redis", func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		}))
	}

	ginEngine, err := router.NewEngine(router.Options{
		Logger:      log,
		HTTP:        cfg.HTTP,
		Production:  cfg.App.IsProduction(),
		ServiceName: cfg.App.Name,
		Tracing:     tel.Enabled(),
		Prefix:      cfg.App.APIPrefix,
		Socket:      hub.Hub,
		RateLimiter: rateLimiter,
	}, handler.NewHealthHandler(healthOpts...), handler.NewGatewayHandler(dispatcher))
	if err != nil {
		log.Fatal("Failed to build HTTP engine", zap.Error(err))
	}

	srv := &http.Server{
		Addr:           ":" + cfg.App.Port,
		Handler:        ginEngine,
		ReadTimeout:    cfg.HTTP.ReadTimeout,
		WriteTimeout:   cfg.HTTP.WriteTimeout,
		IdleTimeout:    cfg.HTTP.IdleTimeout,
		MaxHeaderBytes: cfg.HTTP.MaxHeaderBytes,
	}

	go func() {
		log.Info("Server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", zap.Error(err))
	}
	log.Info("Server exited gracefully")
}

// migrateSchema brings the schema up to date. Postgres uses the embedded
// SQL migrations over a dedicated connection; sqlite is auto-migrated.
func migrateSchema(cfg *config.Config, db *persistence.Database, log *zap.Logger) error {
	if db.Driver() == "sqlite" {
		return db.AutoMigrate()
	}
	sqlDB, err := sql.Open("postgres", cfg.Database.DSN())
	if err != nil {
		return err
	}
	m, err := migration.New(sqlDB, migrations.FS, log)
	if err != nil {
		_ = sqlDB.Close()
		return err
	}
	defer m.Close()
	return m.Up()
}

func startScheduler(
	ctx context.Context,
	cfg *config.Config,
	log *zap.Logger,
	redisClient *redis.Client,
	repos *persistence.Repositories,
	engine *appscheduler.Engine,
	registry *rpc.Registry,
) (*scheduler.Cron, *scheduler.TaskJobs, error) {
	marker, err := cache.NewMarkerFactory(redisClient, cache.WithLogger(log)).CreateMarker()
	if err != nil {
		return nil, nil, err
	}

	notifier := appscheduler.NotificationsVia(registry)
	receivers := cfg.Scheduler.OverdueReceivers
	if len(receivers) == 0 {
		receivers = cfg.Scheduler.NotificationReceivers
	}
	alerter := appscheduler.NewOverdueAlerter(repos.Tasks, repos.Leads, notifier,
		appscheduler.WithOverdueLogger(log),
		appscheduler.WithOverdueWindow(cfg.Scheduler.OverdueWindow),
		appscheduler.WithFallbackReceivers(receivers...),
	)
	jobs := scheduler.NewTaskJobs(engine, alerter, notifier, marker, cfg.Scheduler.NotificationReceivers, log)

	cronJobs, err := jobs.Jobs(cfg.Scheduler)
	if err != nil {
		return nil, nil, err
	}
	cron := scheduler.NewCron(scheduler.CronConfig{
		CheckInterval: cfg.Scheduler.CheckInterval,
		Location:      cfg.Business.Location(),
	}, log, cronJobs...)
	if err := cron.Start(ctx); err != nil {
		return nil, nil, err
	}
	if !cfg.Scheduler.OverdueDisabled {
		if err := jobs.ArmOverdue(ctx); err != nil {
			log.Warn("Initial overdue arming failed", zap.Error(err))
		}
	}
	log.Info("Task scheduler started",
		zap.Strings("jobs", cron.Jobs()),
		zap.Ints("hours", cfg.Scheduler.Hours),
	)
	return cron, jobs, nil
}

func pruneRateLimiter(ctx context.Context, rl *middleware.RateLimiter, window time.Duration) {
	if window <= 0 {
		window = time.Minute
	}
	ticker := time.NewTicker(window)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.Prune()
		}
	}
}
