// Package endpoints holds the business endpoints served through the RPC
// gateway: leads, tasks, logs, users, notifications, pipelines, rules and
// the realtime shared storage.
package endpoints

import (
	"context"
	"time"

	"github.com/globus/atlas/internal/application/rpc"
	"github.com/globus/atlas/internal/application/scheduler"
	"github.com/globus/atlas/internal/domain/crm"
	"github.com/globus/atlas/internal/domain/identity"
	"github.com/globus/atlas/internal/infrastructure/config"
	"github.com/globus/atlas/internal/infrastructure/retry"
	"go.uber.org/zap"
)

// Invalidation tags
const (
	TagLeads         = "leads"
	TagTasks         = "tasks"
	TagLogs          = "logs"
	TagUsers         = "users"
	TagNotifications = "notifications"
	TagRules         = "rules"
)

// systemAuthor signs log entries of calls without a staff caller
const systemAuthor = "system"

// Rooms pushes events to realtime rooms
type Rooms interface {
	SendTo(room, event string, data any) int
	ActiveUsers() []string
}

// Store is the key/value state mirrored to staff sessions
type Store interface {
	Get(key string) (any, bool)
	Set(key string, value any)
	Snapshot() map[string]any
}

type nopRooms struct{}

func (nopRooms) SendTo(string, string, any) int { return 0 }
func (nopRooms) ActiveUsers() []string          { return []string{} }

// Deps are the collaborators shared by the endpoints
type Deps struct {
	Registry      *rpc.Registry
	Leads         crm.LeadRepository
	Tasks         crm.TaskRepository
	Rules         crm.RuleRepository
	Pipelines     crm.PipelineRepository
	Users         crm.UserRepository
	Sessions      crm.SessionRepository
	Logs          crm.LogRepository
	Notifications crm.NotificationRepository

	Rooms     Rooms
	Store     Store
	Engine    *scheduler.Engine
	Calendar  *scheduler.Calendar
	Deliverer Deliverer
	Delivery  retry.Policy
	Business  config.BusinessConfig
	Logger    *zap.Logger
	Now       func() time.Time
}

func (d *Deps) defaults() {
	if d.Rooms == nil {
		d.Rooms = nopRooms{}
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Deliverer == nil {
		d.Deliverer = NewLogDeliverer(d.Logger)
	}
	if d.Delivery.MaxAttempts == 0 {
		d.Delivery = DeliveryPolicy()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Calendar == nil {
		d.Calendar = scheduler.NewCalendar(d.Business, scheduler.WithClock(d.Now))
	}
}

// Set is the full endpoint surface. Leads and Users double as the
// resolver's client and user sources.
type Set struct {
	Leads         *LeadService
	Tasks         *TaskService
	Logs          *LogService
	Users         *UserService
	Notifications *NotificationService
	Pipelines     *PipelineService
	Rules         *RuleService
	Storage       *StorageService
}

// New wires every endpoint service over deps
func New(deps Deps) *Set {
	deps.defaults()
	j := journal{registry: deps.Registry, logger: deps.Logger}
	return &Set{
		Leads:         &LeadService{deps: deps, journal: j},
		Tasks:         &TaskService{deps: deps, journal: j},
		Logs:          &LogService{deps: deps},
		Users:         &UserService{deps: deps},
		Notifications: &NotificationService{deps: deps},
		Pipelines:     &PipelineService{deps: deps},
		Rules:         &RuleService{deps: deps},
		Storage:       &StorageService{deps: deps},
	}
}

// Endpoints returns the descriptors to register
func (s *Set) Endpoints() []*rpc.Endpoint {
	eps := []*rpc.Endpoint{
		s.Leads.Endpoint(),
		s.Tasks.Endpoint(),
		s.Logs.Endpoint(),
		s.Users.Endpoint(),
		s.Notifications.Endpoint(),
		s.Pipelines.Endpoint(),
		s.Rules.Endpoint(),
	}
	if s.Storage.deps.Store != nil {
		eps = append(eps, s.Storage.Endpoint())
	}
	return eps
}

// Register adds every endpoint to the registry passed in Deps
func (s *Set) Register() error {
	return s.Leads.deps.Registry.Register(s.Endpoints()...)
}

// journal appends audit entries through the internal logs.add member so
// the "logs" tag is published like for any other mutation.
type journal struct {
	registry *rpc.Registry
	logger   *zap.Logger
}

func (j journal) record(ctx context.Context, entry crm.LogEntry) {
	if _, err := j.registry.Call(ctx, "logs", "add", mustPayload(entry), nil); err != nil {
		j.logger.Warn("Failed to write log entry",
			zap.String("type", entry.Type),
			zap.String("event", entry.Event),
			zap.Error(err),
		)
	}
}

// mustPayload marshals values built in this package; they always encode.
func mustPayload(v any) rpc.Payload {
	p, err := rpc.PayloadOf(v)
	if err != nil {
		panic(err)
	}
	return p
}

// author names the caller in log entries
func author(caller identity.Identity) string {
	if staff := identity.AsStaff(caller); staff != nil {
		return staff.Login
	}
	return systemAuthor
}

// paging is the common list window. Limit 0 means no limit.
type paging struct {
	Limit int    `json:"limit" validate:"gte=0"`
	Skip  int    `json:"skip" validate:"gte=0"`
	Sort  string `json:"sort"`
	Order string `json:"order" validate:"omitempty,oneof=asc desc ASC DESC"`
}

// byID is the payload of calls addressing one record
type byID struct {
	ID string `json:"_id" validate:"required"`
}

// managedLeads returns the lead ids a staff member may see, or nil when
// the member sees every lead.
func managedLeads(ctx context.Context, leads crm.LeadRepository, caller identity.Identity) ([]string, error) {
	staff := identity.AsStaff(caller)
	if staff == nil || staff.Can(identity.LeadsCanSeeAllLeads) {
		return nil, nil
	}
	list, err := leads.FindAll(ctx, crm.LeadFilter{Manager: staff.Login})
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(list))
	for _, l := range list {
		ids = append(ids, l.ID)
	}
	return ids, nil
}

func intersect(want, allowed []string) []string {
	set := make(map[string]bool, len(allowed))
	for _, id := range allowed {
		set[id] = true
	}
	out := make([]string, 0, len(want))
	for _, id := range want {
		if set[id] {
			out = append(out, id)
		}
	}
	return out
}
