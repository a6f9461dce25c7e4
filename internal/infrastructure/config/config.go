package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	App       AppConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Log       LogConfig
	HTTP      HTTPConfig
	Realtime  RealtimeConfig
	Scheduler SchedulerConfig
	Business  BusinessConfig
	Telemetry TelemetryConfig
}

// TelemetryConfig holds OpenTelemetry export settings. Traces, metrics and
// logs go to one OTLP gRPC collector.
type TelemetryConfig struct {
	Enabled           bool
	CollectorEndpoint string
	Insecure          bool
	SamplingRatio     float64
	MetricsInterval   time.Duration
	TraceDatabase     bool
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string // debug, info, warn, error
	Format string // json, console
	Output string // stdout, stderr, or file path
}

// AppConfig holds application-specific settings
type AppConfig struct {
	Name string
	Env  string
	Port string
	// APIPrefix mounts the gateway and health routes under a path, e.g. "/api"
	APIPrefix string
}

// IsProduction reports whether the process runs with the production profile.
func (a AppConfig) IsProduction() bool {
	return a.Env == "production"
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	Driver          string // postgres or sqlite
	Host            string
	Port            int
	User            string
	Password        string
	DBName          string
	SSLMode         string
	SQLitePath      string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime int // in minutes
	ConnMaxIdleTime int // in minutes
}

// RedisConfig holds Redis connection settings.
// When Enabled is false invalidations stay in-process.
type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Password string
	DB       int
	Channel  string
}

// Addr returns host:port
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// HTTPConfig holds HTTP server configuration
type HTTPConfig struct {
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int
	MaxBodySize       int64
	RateLimitEnabled  bool
	RateLimitRequests int
	RateLimitWindow   time.Duration
	CORSAllowOrigins  []string
	CORSAllowMethods  []string
	CORSAllowHeaders  []string
	TrustedProxies    []string
}

// RealtimeConfig holds websocket settings
type RealtimeConfig struct {
	PingInterval   time.Duration
	WriteTimeout   time.Duration
	MaxConnections int
	AllowedOrigins []string
}

// SchedulerConfig holds task scheduler settings
type SchedulerConfig struct {
	Enabled bool
	// Hours are the local hours (weekdays only) at which a tick runs.
	Hours                 []int
	CheckInterval         time.Duration
	MinPipelineID         int
	NotificationReceivers []string
	OverdueDisabled       bool
	OverdueMinute         int
	OverdueWindow         time.Duration
	OverdueReceivers      []string
}

// BusinessConfig holds the working hours and lead defaults
type BusinessConfig struct {
	Timezone           string
	WorkStartHour      int
	WorkEndHour        int
	ClientStartHour    int
	ClientEndHour      int
	DeadlineHour       int
	DefaultLeadStatus  int
	DefaultResponsible string
	DollarRate         float64
	Holidays           []string // YYYY-MM-DD
	SessionTTL         time.Duration
	// CodeTTL bounds how long a login code stays usable
	CodeTTL time.Duration
}

// Location returns the business time zone, falling back to UTC
func (b BusinessConfig) Location() *time.Location {
	loc, err := time.LoadLocation(b.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Load loads configuration from TOML file and environment variables
// Priority (highest to lowest):
// 1. Environment variables with ATLAS_ prefix (e.g., ATLAS_DATABASE_PASSWORD)
// 2. config.toml
// 3. Built-in defaults
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("toml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/app")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvPrefix("ATLAS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{
		App: AppConfig{
			Name: v.GetString("app.name"),
			Env:  v.GetString("app.env"),
			Port: v.GetString("app.port"),

			APIPrefix: strings.TrimRight(v.GetString("app.api_prefix"), "/"),
		},
		Database: DatabaseConfig{
			Driver:          v.GetString("database.driver"),
			Host:            v.GetString("database.host"),
			Port:            v.GetInt("database.port"),
			User:            v.GetString("database.user"),
			Password:        v.GetString("database.password"),
			DBName:          v.GetString("database.dbname"),
			SSLMode:         v.GetString("database.sslmode"),
			SQLitePath:      v.GetString("database.sqlite_path"),
			MaxOpenConns:    v.GetInt("database.max_open_conns"),
			MaxIdleConns:    v.GetInt("database.max_idle_conns"),
			ConnMaxLifetime: v.GetInt("database.conn_max_lifetime"),
			ConnMaxIdleTime: v.GetInt("database.conn_max_idle_time"),
		},
		Redis: RedisConfig{
			Enabled:  v.GetBool("redis.enabled"),
			Host:     v.GetString("redis.host"),
			Port:     v.GetInt("redis.port"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
			Channel:  v.GetString("redis.channel"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
			Output: v.GetString("log.output"),
		},
		HTTP: HTTPConfig{
			ReadTimeout:       v.GetDuration("http.read_timeout"),
			WriteTimeout:      v.GetDuration("http.write_timeout"),
			IdleTimeout:       v.GetDuration("http.idle_timeout"),
			MaxHeaderBytes:    v.GetInt("http.max_header_bytes"),
			MaxBodySize:       v.GetInt64("http.max_body_size"),
			RateLimitEnabled:  v.GetBool("http.rate_limit_enabled"),
			RateLimitRequests: v.GetInt("http.rate_limit_requests"),
			RateLimitWindow:   v.GetDuration("http.rate_limit_window"),
			CORSAllowOrigins:  v.GetStringSlice("http.cors_allow_origins"),
			CORSAllowMethods:  v.GetStringSlice("http.cors_allow_methods"),
			CORSAllowHeaders:  v.GetStringSlice("http.cors_allow_headers"),
			TrustedProxies:    v.GetStringSlice("http.trusted_proxies"),
		},
		Realtime: RealtimeConfig{
			PingInterval:   v.GetDuration("realtime.ping_interval"),
			WriteTimeout:   v.GetDuration("realtime.write_timeout"),
			MaxConnections: v.GetInt("realtime.max_connections"),
			AllowedOrigins: v.GetStringSlice("realtime.allowed_origins"),
		},
		Scheduler: SchedulerConfig{
			Enabled:               v.GetBool("scheduler.enabled"),
			Hours:                 v.GetIntSlice("scheduler.hours"),
			CheckInterval:         v.GetDuration("scheduler.check_interval"),
			MinPipelineID:         v.GetInt("scheduler.min_pipeline_id"),
			NotificationReceivers: v.GetStringSlice("scheduler.notification_receivers"),
			OverdueDisabled:       v.GetBool("scheduler.overdue_disabled"),
			OverdueMinute:         v.GetInt("scheduler.overdue_minute"),
			OverdueWindow:         v.GetDuration("scheduler.overdue_window"),
			OverdueReceivers:      v.GetStringSlice("scheduler.overdue_receivers"),
		},
		Business: BusinessConfig{
			Timezone:           v.GetString("business.timezone"),
			WorkStartHour:      v.GetInt("business.work_start_hour"),
			WorkEndHour:        v.GetInt("business.work_end_hour"),
			ClientStartHour:    v.GetInt("business.client_start_hour"),
			ClientEndHour:      v.GetInt("business.client_end_hour"),
			DeadlineHour:       v.GetInt("business.deadline_hour"),
			DefaultLeadStatus:  v.GetInt("business.default_lead_status"),
			DefaultResponsible: v.GetString("business.default_responsible"),
			DollarRate:         v.GetFloat64("business.dollar_rate"),
			Holidays:           v.GetStringSlice("business.holidays"),
			SessionTTL:         v.GetDuration("business.session_ttl"),
			CodeTTL:            v.GetDuration("business.code_ttl"),
		},
		Telemetry: TelemetryConfig{
			Enabled:           v.GetBool("telemetry.enabled"),
			CollectorEndpoint: v.GetString("telemetry.collector_endpoint"),
			Insecure:          v.GetBool("telemetry.insecure"),
			SamplingRatio:     v.GetFloat64("telemetry.sampling_ratio"),
			MetricsInterval:   v.GetDuration("telemetry.metrics_interval"),
			TraceDatabase:     v.GetBool("telemetry.trace_database"),
		},
	}

	applyDefaults(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyDefaults sets default values for any empty config fields
func applyDefaults(cfg *Config) {
	if cfg.App.Name == "" {
		cfg.App.Name = "atlas"
	}
	if cfg.App.Env == "" {
		cfg.App.Env = "development"
	}
	if cfg.App.Port == "" {
		cfg.App.Port = "8080"
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "postgres"
	}
	if cfg.Database.Host == "" {
		cfg.Database.Host = "localhost"
	}
	if cfg.Database.Port == 0 {
		cfg.Database.Port = 5432
	}
	if cfg.Database.User == "" {
		cfg.Database.User = "postgres"
	}
	if cfg.Database.DBName == "" {
		cfg.Database.DBName = "atlas"
	}
	if cfg.Database.SSLMode == "" {
		cfg.Database.SSLMode = "disable"
	}
	if cfg.Database.SQLitePath == "" {
		cfg.Database.SQLitePath = "atlas.db"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 60
	}
	if cfg.Database.ConnMaxIdleTime == 0 {
		cfg.Database.ConnMaxIdleTime = 30
	}
	if cfg.Redis.Host == "" {
		cfg.Redis.Host = "localhost"
	}
	if cfg.Redis.Port == 0 {
		cfg.Redis.Port = 6379
	}
	if cfg.Redis.Channel == "" {
		cfg.Redis.Channel = "atlas:invalidate"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "console"
	}
	if cfg.Log.Output == "" {
		cfg.Log.Output = "stdout"
	}
	if cfg.HTTP.ReadTimeout == 0 {
		cfg.HTTP.ReadTimeout = 15 * time.Second
	}
	// Slow mail and messaging providers answer in minutes.
	if cfg.HTTP.WriteTimeout == 0 {
		cfg.HTTP.WriteTimeout = 5 * time.Minute
	}
	if cfg.HTTP.IdleTimeout == 0 {
		cfg.HTTP.IdleTimeout = 60 * time.Second
	}
	if cfg.HTTP.MaxHeaderBytes == 0 {
		cfg.HTTP.MaxHeaderBytes = 1 << 20 // 1MB
	}
	if cfg.HTTP.MaxBodySize == 0 {
		cfg.HTTP.MaxBodySize = 10 << 20 // 10MB
	}
	if cfg.HTTP.RateLimitRequests == 0 {
		cfg.HTTP.RateLimitRequests = 300
	}
	if cfg.HTTP.RateLimitWindow == 0 {
		cfg.HTTP.RateLimitWindow = time.Minute
	}
	if len(cfg.HTTP.CORSAllowMethods) == 0 {
		cfg.HTTP.CORSAllowMethods = []string{"GET", "POST", "OPTIONS"}
	}
	if len(cfg.HTTP.CORSAllowHeaders) == 0 {
		cfg.HTTP.CORSAllowHeaders = []string{"Content-Type", "Authorization", "X-Request-ID"}
	}
	if cfg.Realtime.PingInterval == 0 {
		cfg.Realtime.PingInterval = 10 * time.Second
	}
	if cfg.Realtime.WriteTimeout == 0 {
		cfg.Realtime.WriteTimeout = 5 * time.Second
	}
	if cfg.Realtime.MaxConnections == 0 {
		cfg.Realtime.MaxConnections = 5000
	}
	if len(cfg.Scheduler.Hours) == 0 {
		cfg.Scheduler.Hours = []int{9, 12, 15, 18}
	}
	if cfg.Scheduler.CheckInterval == 0 {
		cfg.Scheduler.CheckInterval = time.Minute
	}
	if cfg.Scheduler.MinPipelineID == 0 {
		cfg.Scheduler.MinPipelineID = 150
	}
	if len(cfg.Scheduler.NotificationReceivers) == 0 {
		cfg.Scheduler.NotificationReceivers = []string{"alena", "maria"}
	}
	if cfg.Scheduler.OverdueMinute == 0 {
		cfg.Scheduler.OverdueMinute = 36
	}
	if cfg.Scheduler.OverdueWindow == 0 {
		cfg.Scheduler.OverdueWindow = 2 * time.Hour
	}
	if len(cfg.Scheduler.OverdueReceivers) == 0 {
		cfg.Scheduler.OverdueReceivers = []string{"andrei", "maria", "alena"}
	}
	if cfg.Business.Timezone == "" {
		cfg.Business.Timezone = "Asia/Shanghai"
	}
	if cfg.Business.WorkStartHour == 0 {
		cfg.Business.WorkStartHour = 10
	}
	if cfg.Business.WorkEndHour == 0 {
		cfg.Business.WorkEndHour = 19
	}
	if cfg.Business.ClientStartHour == 0 {
		cfg.Business.ClientStartHour = 10
	}
	if cfg.Business.ClientEndHour == 0 {
		cfg.Business.ClientEndHour = 21
	}
	if cfg.Business.DeadlineHour == 0 {
		cfg.Business.DeadlineHour = 18
	}
	if cfg.Business.DefaultLeadStatus == 0 {
		cfg.Business.DefaultLeadStatus = 20674270
	}
	if cfg.Business.DefaultResponsible == "" {
		cfg.Business.DefaultResponsible = "alena"
	}
	if cfg.Business.DollarRate == 0 {
		cfg.Business.DollarRate = 7
	}
	if cfg.Business.SessionTTL == 0 {
		cfg.Business.SessionTTL = 7 * 24 * time.Hour
	}
	if cfg.Business.CodeTTL == 0 {
		cfg.Business.CodeTTL = 10 * time.Minute
	}
	if cfg.Telemetry.CollectorEndpoint == "" {
		cfg.Telemetry.CollectorEndpoint = "localhost:4317"
	}
	if cfg.Telemetry.SamplingRatio == 0 {
		cfg.Telemetry.SamplingRatio = 1.0
	}
	if cfg.Telemetry.MetricsInterval == 0 {
		cfg.Telemetry.MetricsInterval = 15 * time.Second
	}
}

// validate performs validation on the configuration
func (c *Config) validate() error {
	if c.Database.Driver != "postgres" && c.Database.Driver != "sqlite" {
		return fmt.Errorf("database.driver must be postgres or sqlite, got %q", c.Database.Driver)
	}
	if c.Database.MaxOpenConns <= 0 {
		return fmt.Errorf("database.max_open_conns must be positive")
	}
	if c.Database.MaxIdleConns < 0 {
		return fmt.Errorf("database.max_idle_conns cannot be negative")
	}
	if c.Database.MaxIdleConns > c.Database.MaxOpenConns {
		return fmt.Errorf("database.max_idle_conns (%d) cannot exceed database.max_open_conns (%d)",
			c.Database.MaxIdleConns, c.Database.MaxOpenConns)
	}

	for _, h := range c.Scheduler.Hours {
		if h < 0 || h > 23 {
			return fmt.Errorf("scheduler.hours must be within 0..23, got %d", h)
		}
	}
	if c.Scheduler.OverdueMinute < 0 || c.Scheduler.OverdueMinute > 59 {
		return fmt.Errorf("scheduler.overdue_minute must be within 0..59, got %d", c.Scheduler.OverdueMinute)
	}

	if c.Telemetry.SamplingRatio < 0 || c.Telemetry.SamplingRatio > 1 {
		return fmt.Errorf("telemetry.sampling_ratio must be within 0..1, got %v", c.Telemetry.SamplingRatio)
	}

	b := c.Business
	if b.WorkStartHour >= b.WorkEndHour {
		return fmt.Errorf("business.work_start_hour (%d) must be before business.work_end_hour (%d)",
			b.WorkStartHour, b.WorkEndHour)
	}
	if b.ClientStartHour >= b.ClientEndHour {
		return fmt.Errorf("business.client_start_hour (%d) must be before business.client_end_hour (%d)",
			b.ClientStartHour, b.ClientEndHour)
	}
	if _, err := time.LoadLocation(b.Timezone); err != nil {
		return fmt.Errorf("business.timezone: %w", err)
	}
	for _, d := range b.Holidays {
		if _, err := time.Parse(time.DateOnly, d); err != nil {
			return fmt.Errorf("business.holidays: invalid date %q", d)
		}
	}

	if c.App.IsProduction() {
		if c.Database.Driver == "postgres" && c.Database.Password == "" {
			return fmt.Errorf("database.password is required in production")
		}
		for _, origin := range c.HTTP.CORSAllowOrigins {
			if origin == "*" {
				return fmt.Errorf("cors_allow_origins cannot be '*' in production (use specific origins)")
			}
		}
	}

	return nil
}

// DSN returns the database connection string with properly escaped values
func (d *DatabaseConfig) DSN() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(d.User, d.Password),
		Host:   fmt.Sprintf("%s:%d", d.Host, d.Port),
		Path:   d.DBName,
	}
	q := u.Query()
	q.Set("sslmode", d.SSLMode)
	u.RawQuery = q.Encode()
	return u.String()
}
