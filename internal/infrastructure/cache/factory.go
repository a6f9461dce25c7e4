package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/globus/atlas/internal/infrastructure/config"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Connect opens a redis client for cfg and checks it answers a ping
func Connect(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

// MarkerFactory picks the DailyMarker implementation for a deployment
type MarkerFactory struct {
	client                *redis.Client
	keyPrefix             string
	logger                *zap.Logger
	allowInMemoryFallback bool
}

// MarkerFactoryOption is a functional option for configuring the factory
type MarkerFactoryOption func(*MarkerFactory)

// WithLogger sets the logger for the factory
func WithLogger(logger *zap.Logger) MarkerFactoryOption {
	return func(f *MarkerFactory) {
		f.logger = logger
	}
}

// WithKeyPrefix sets the redis key prefix of the marks
func WithKeyPrefix(prefix string) MarkerFactoryOption {
	return func(f *MarkerFactory) {
		f.keyPrefix = prefix
	}
}

// WithInMemoryFallback controls whether a missing redis client falls back
// to a process-local marker. Default is true.
func WithInMemoryFallback(allow bool) MarkerFactoryOption {
	return func(f *MarkerFactory) {
		f.allowInMemoryFallback = allow
	}
}

// NewMarkerFactory creates a factory over client, which may be nil
func NewMarkerFactory(client *redis.Client, opts ...MarkerFactoryOption) *MarkerFactory {
	f := &MarkerFactory{
		client:                client,
		logger:                zap.NewNop(),
		allowInMemoryFallback: true,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// CreateMarker returns a redis marker when a client is available.
// In-memory marks are not shared between instances, so every instance of
// a multi-instance deployment would act once per day.
func (f *MarkerFactory) CreateMarker() (DailyMarker, error) {
	if f.client != nil {
		f.logger.Info("Using Redis daily marker")
		return NewRedisDailyMarker(f.client, f.keyPrefix), nil
	}
	if !f.allowInMemoryFallback {
		return nil, fmt.Errorf("redis required for daily markers but not configured")
	}
	f.logger.Warn("Redis not configured, falling back to in-memory daily marker")
	return NewInMemoryDailyMarker(), nil
}
