package scheduler

import (
	"context"

	"github.com/globus/atlas/internal/application/rpc"
	"github.com/globus/atlas/internal/domain/crm"
)

// registryTasks creates tasks through the internal tasks.add member so the
// audit log entry and the "tasks" invalidation happen as for staff calls.
type registryTasks struct {
	registry *rpc.Registry
}

// TasksVia returns a TaskCreator backed by the endpoint registry
func TasksVia(registry *rpc.Registry) TaskCreator {
	return registryTasks{registry: registry}
}

// CreateTask implements TaskCreator
func (r registryTasks) CreateTask(ctx context.Context, in crm.NewTask) (*crm.Task, error) {
	return rpc.CallAs[*crm.Task](ctx, r.registry, "tasks", "add", in, nil)
}

type registryNotifier struct {
	registry *rpc.Registry
}

// NotificationsVia returns a Notifier backed by the internal
// notifications.sendNotification member
func NotificationsVia(registry *rpc.Registry) Notifier {
	return registryNotifier{registry: registry}
}

// Notify implements Notifier
func (r registryNotifier) Notify(ctx context.Context, n crm.Notification) error {
	p, err := rpc.PayloadOf(n)
	if err != nil {
		return err
	}
	_, err = r.registry.Call(ctx, "notifications", "sendNotification", p, nil)
	return err
}
