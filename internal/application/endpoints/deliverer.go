package endpoints

import (
	"context"
	"strings"

	"github.com/globus/atlas/internal/infrastructure/retry"
	"go.uber.org/zap"
)

// Message is an outbound text for staff messenger accounts
type Message struct {
	// To lists messenger handles, not logins
	To   []string
	Text string
}

// Deliverer sends messages through an external messenger provider
type Deliverer interface {
	Deliver(ctx context.Context, msg Message) error
}

// LogDeliverer writes messages to the log instead of a provider. It is
// the default outside production.
type LogDeliverer struct {
	logger *zap.Logger
}

var _ Deliverer = (*LogDeliverer)(nil)

// NewLogDeliverer creates a logging deliverer
func NewLogDeliverer(logger *zap.Logger) *LogDeliverer {
	return &LogDeliverer{logger: logger}
}

// Deliver implements Deliverer
func (d *LogDeliverer) Deliver(_ context.Context, msg Message) error {
	d.logger.Info("Message",
		zap.String("to", strings.Join(msg.To, "|")),
		zap.String("text", msg.Text),
	)
	return nil
}

// DeliveryPolicy retries provider calls a few times before giving up
func DeliveryPolicy() retry.Policy {
	p := retry.DefaultPolicy()
	p.MaxAttempts = 4
	return p
}

// deliver sends msg with retries. Provider failures are returned as
// *retry.ExhaustedError.
func deliver(ctx context.Context, d Deliverer, p retry.Policy, logger *zap.Logger, msg Message) error {
	if len(msg.To) == 0 {
		return nil
	}
	p.OnError = func(err error, attempt int) {
		logger.Warn("Message delivery failed", zap.Int("attempt", attempt), zap.Error(err))
	}
	return retry.Run(ctx, p, func(ctx context.Context, _ int) error {
		return d.Deliver(ctx, msg)
	})
}
