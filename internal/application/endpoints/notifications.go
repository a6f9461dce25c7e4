package endpoints

import (
	"context"
	"fmt"

	"github.com/globus/atlas/internal/application/rpc"
	"github.com/globus/atlas/internal/domain/crm"
	"github.com/globus/atlas/internal/domain/identity"
	"go.uber.org/zap"
)

// EventNotification is pushed to the rooms of the receivers
const EventNotification = "notification"

// NotificationService stores and delivers staff notifications
type NotificationService struct {
	deps Deps
}

// Endpoint describes the notifications endpoint
func (s *NotificationService) Endpoint() *rpc.Endpoint {
	return &rpc.Endpoint{
		Name: "notifications",
		Methods: map[string]*rpc.Method{
			"sendNotification": rpc.StaffProtected(
				rpc.Requires(identity.NotificationsCanSendNotifications), s.send, TagNotifications),
			"forMe": rpc.StaffProtected(rpc.AnyStaff(), s.forMe),
		},
		Internal: map[string]*rpc.InternalMember{
			"sendNotification": rpc.Internal(s.send, TagNotifications),
		},
	}
}

type newNotification struct {
	Title       string       `json:"title"`
	Description string       `json:"description" validate:"required"`
	Receivers   []string     `json:"receivers" validate:"required,min=1,dive,required"`
	Priority    crm.Priority `json:"priority" validate:"omitempty,oneof=low middle high"`
	LeadID      string       `json:"lead"`
	Action      string       `json:"action"`
	Trigger     []string     `json:"trigger"`
}

// send stores the notification, pushes it to the receivers' live sessions
// and forwards it to their messengers. Messenger failures are logged and do
// not fail the call once the notification is stored.
func (s *NotificationService) send(ctx context.Context, p rpc.Payload, _ identity.Identity) (any, error) {
	var in newNotification
	if err := p.Decode(&in); err != nil {
		return nil, err
	}
	n := &crm.Notification{
		Title:       in.Title,
		Description: in.Description,
		Receivers:   in.Receivers,
		Priority:    in.Priority,
		LeadID:      in.LeadID,
		Action:      in.Action,
		Trigger:     in.Trigger,
		CreatedAt:   s.deps.Now(),
	}
	if err := s.deps.Notifications.Create(ctx, n); err != nil {
		return nil, fmt.Errorf("store notification: %w", err)
	}

	for _, login := range n.Receivers {
		s.deps.Rooms.SendTo(login, EventNotification, n)
	}

	users, err := s.deps.Users.FindByLogins(ctx, n.Receivers)
	if err != nil {
		s.deps.Logger.Warn("Failed to load notification receivers", zap.Error(err))
		return n, nil
	}
	handles := make([]string, 0, len(users))
	for _, u := range users {
		if u.Messenger != "" {
			handles = append(handles, u.Messenger)
		}
	}
	err = deliver(ctx, s.deps.Deliverer, s.deps.Delivery, s.deps.Logger, Message{
		To:   handles,
		Text: notificationText(n),
	})
	if err != nil {
		s.deps.Logger.Error("Failed to deliver notification",
			zap.Uint("notification", n.ID),
			zap.Strings("receivers", n.Receivers),
			zap.Error(err),
		)
	}
	return n, nil
}

func notificationText(n *crm.Notification) string {
	if n.Title == "" {
		return n.Description
	}
	return n.Title + "\n" + n.Description
}

func (s *NotificationService) forMe(ctx context.Context, p rpc.Payload, caller identity.Identity) (any, error) {
	var in paging
	if err := p.Decode(&in); err != nil {
		return nil, err
	}
	limit := in.Limit
	if limit == 0 {
		limit = 50
	}
	return s.deps.Notifications.ForReceiver(ctx, caller.Subject(), limit)
}
