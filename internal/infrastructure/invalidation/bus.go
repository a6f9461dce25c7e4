// Package invalidation tells connected clients which cached query
// families went stale after a successful mutating call.
package invalidation

import (
	"context"

	"github.com/globus/atlas/internal/application/rpc"
	"github.com/globus/atlas/internal/infrastructure/realtime"
	"go.uber.org/zap"
)

// Broadcaster pushes an event to every connection in the given rooms
type Broadcaster interface {
	Broadcast(rooms []string, event string, data any) int
}

// Rooms that receive invalidations
var Rooms = []string{realtime.RoomUsers, realtime.RoomClients}

// LocalBus delivers invalidations to the in-process hub
type LocalBus struct {
	hub    Broadcaster
	logger *zap.Logger
}

var _ rpc.Invalidator = (*LocalBus)(nil)

// NewLocalBus creates a bus for single-instance deployments
func NewLocalBus(hub Broadcaster, logger *zap.Logger) *LocalBus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LocalBus{hub: hub, logger: logger}
}

// Publish broadcasts the tags. It never fails and never blocks on clients.
func (b *LocalBus) Publish(_ context.Context, tags []string) {
	deliver(b.hub, b.logger, tags)
}

func deliver(hub Broadcaster, logger *zap.Logger, tags []string) {
	if len(tags) == 0 || hub == nil {
		return
	}
	n := hub.Broadcast(Rooms, realtime.EventInvalidate, tags)
	logger.Debug("Invalidate", zap.Strings("tags", tags), zap.Int("sessions", n))
}
