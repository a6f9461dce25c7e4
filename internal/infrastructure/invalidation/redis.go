package invalidation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/globus/atlas/internal/application/rpc"
	"github.com/globus/atlas/internal/infrastructure/retry"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultChannel is the redis channel invalidations travel on
const DefaultChannel = "atlas:invalidate"

const defaultCloseTimeout = 5 * time.Second

// Message is the wire form of one invalidation
type Message struct {
	Tags   []string `json:"tags"`
	Origin string   `json:"origin"`
	TS     int64    `json:"ts"`
}

// RedisBus fans invalidations out to every instance through redis pub/sub.
// Each instance, including the publisher, delivers to its own hub from
// the subscription, so a session hears each publish once.
type RedisBus struct {
	client  *redis.Client
	hub     Broadcaster
	channel string
	origin  string
	logger  *zap.Logger
	policy  retry.Policy

	mu        sync.Mutex
	isRunning bool
	cancelFn  context.CancelFunc
	doneCh    chan struct{}
	ready     chan struct{}
	readyOnce sync.Once
}

var _ rpc.Invalidator = (*RedisBus)(nil)

// RedisBusOption configures a RedisBus
type RedisBusOption func(*RedisBus)

// WithChannel sets the pub/sub channel
func WithChannel(channel string) RedisBusOption {
	return func(b *RedisBus) {
		if channel != "" {
			b.channel = channel
		}
	}
}

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) RedisBusOption {
	return func(b *RedisBus) {
		b.logger = logger
	}
}

// WithReconnectPolicy sets the backoff used when (re)subscribing
func WithReconnectPolicy(p retry.Policy) RedisBusOption {
	return func(b *RedisBus) {
		b.policy = p
	}
}

// NewRedisBus creates a bus over an existing client. The caller keeps
// ownership of the client.
func NewRedisBus(client *redis.Client, hub Broadcaster, opts ...RedisBusOption) *RedisBus {
	b := &RedisBus{
		client:  client,
		hub:     hub,
		channel: DefaultChannel,
		origin:  uuid.NewString(),
		logger:  zap.NewNop(),
		policy: retry.Policy{
			MaxAttempts:  10,
			InitialDelay: 200 * time.Millisecond,
			MaxDelay:     10 * time.Second,
			Multiplier:   2,
		},
		ready: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish sends the tags to every instance. When redis is unreachable the
// tags are delivered to local sessions only.
func (b *RedisBus) Publish(ctx context.Context, tags []string) {
	if len(tags) == 0 {
		return
	}
	data, err := json.Marshal(Message{Tags: tags, Origin: b.origin, TS: time.Now().UnixNano()})
	if err == nil {
		err = b.client.Publish(ctx, b.channel, data).Err()
	}
	if err != nil {
		b.logger.Warn("Failed to publish invalidation, delivering locally",
			zap.String("channel", b.channel),
			zap.Strings("tags", tags),
			zap.Error(err))
		deliver(b.hub, b.logger, tags)
	}
}

// Start subscribes in the background and returns once the first
// subscription is confirmed or ctx ends.
func (b *RedisBus) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.isRunning {
		b.mu.Unlock()
		return fmt.Errorf("invalidation subscriber already running")
	}
	b.isRunning = true
	subCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	b.cancelFn = cancel
	b.doneCh = make(chan struct{})
	done := b.doneCh
	b.mu.Unlock()

	go func() {
		defer close(done)
		b.run(subCtx)
	}()

	select {
	case <-b.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *RedisBus) run(ctx context.Context) {
	for ctx.Err() == nil {
		pubsub, err := retry.Do(ctx, b.policy, func(ctx context.Context, attempt int) (*redis.PubSub, error) {
			ps := b.client.Subscribe(ctx, b.channel)
			if _, err := ps.Receive(ctx); err != nil {
				_ = ps.Close()
				return nil, err
			}
			return ps, nil
		})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.logger.Error("Invalidation subscription failed, retrying", zap.Error(err))
			continue
		}

		b.logger.Info("Subscribed to invalidation channel", zap.String("channel", b.channel))
		b.readyOnce.Do(func() { close(b.ready) })
		b.consume(ctx, pubsub)
		_ = pubsub.Close()
	}
}

func (b *RedisBus) consume(ctx context.Context, pubsub *redis.PubSub) {
	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				b.logger.Warn("Invalidation channel closed")
				return
			}
			var m Message
			if err := json.Unmarshal([]byte(msg.Payload), &m); err != nil {
				b.logger.Error("Failed to unmarshal invalidation",
					zap.String("payload", msg.Payload),
					zap.Error(err))
				continue
			}
			deliver(b.hub, b.logger.With(zap.Bool("remote", m.Origin != b.origin)), m.Tags)
		}
	}
}

// Close stops the subscriber
func (b *RedisBus) Close() error {
	b.mu.Lock()
	cancel, done := b.cancelFn, b.doneCh
	b.isRunning = false
	b.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		return nil
	case <-time.After(defaultCloseTimeout):
		return errors.New("timeout waiting for invalidation subscriber to stop")
	}
}
