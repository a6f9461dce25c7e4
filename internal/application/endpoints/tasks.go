package endpoints

import (
	"context"
	"fmt"
	"time"

	"github.com/globus/atlas/internal/application/rpc"
	"github.com/globus/atlas/internal/domain/crm"
	"github.com/globus/atlas/internal/domain/identity"
)

// TaskService serves the tasks endpoint
type TaskService struct {
	deps    Deps
	journal journal
}

// Endpoint describes the tasks endpoint
func (s *TaskService) Endpoint() *rpc.Endpoint {
	return &rpc.Endpoint{
		Name: "tasks",
		Methods: map[string]*rpc.Method{
			"add":        rpc.StaffProtected(rpc.Requires(identity.TasksCanAddTasks), s.add, TagTasks),
			"complete":   rpc.StaffProtected(rpc.Requires(identity.TasksCanCloseTasks), s.complete, TagTasks),
			"reschedule": rpc.StaffProtected(rpc.Requires(identity.TasksCanRescheduleTask), s.reschedule, TagTasks),
			"reassign":   rpc.StaffProtected(rpc.Requires(identity.TasksCanReassignTasks), s.reassign, TagTasks),
			"delete":     rpc.StaffProtected(rpc.Requires(identity.TasksCanDeleteTasks), s.delete, TagTasks),
			"adjustTime": rpc.StaffProtected(rpc.Requires(identity.TasksCanEditTasks), s.adjustTime, TagTasks),
			"active":     rpc.StaffProtected(rpc.Requires(identity.TasksCanSeeTasks), s.active),
			"forLeads":   rpc.StaffProtected(rpc.Requires(identity.TasksCanSeeTasks), s.forLeads),
		},
		Internal: map[string]*rpc.InternalMember{
			"add":           rpc.Internal(s.add, TagTasks),
			"delete":        rpc.Internal(s.delete, TagTasks),
			"reassign":      rpc.Internal(s.reassign, TagTasks),
			"scheduleTasks": rpc.Internal(s.scheduleTasks, TagTasks),
		},
	}
}

// add creates a task for an existing lead. Unset fields default to the
// next working deadline, middle priority, the lead's responsible and the
// bonus level of the deal.
func (s *TaskService) add(ctx context.Context, p rpc.Payload, caller identity.Identity) (any, error) {
	var in crm.NewTask
	if err := p.Decode(&in); err != nil {
		return nil, err
	}
	lead, err := s.deps.Leads.FindByID(ctx, in.LeadID)
	if err != nil {
		return nil, fmt.Errorf("load lead: %w", err)
	}
	if lead == nil {
		return nil, crm.ErrLeadNotFound
	}

	now := s.deps.Now()
	task := &crm.Task{
		ID:          crm.NewObjectID(),
		LeadID:      lead.ID,
		Text:        in.Text,
		Priority:    in.Priority,
		Status:      in.Status,
		Responsible: in.Responsible,
		Author:      author(caller),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if task.Priority == "" {
		task.Priority = crm.PriorityMiddle
	}
	if task.Responsible == "" {
		task.Responsible = lead.Responsible
	}
	if in.CompleteTill != nil {
		task.CompleteTill = *in.CompleteTill
	} else {
		task.CompleteTill = s.deps.Calendar.CompleteTime(now, crm.PriorityMiddle)
	}
	if in.Bonus != nil {
		task.Bonus = *in.Bonus
	} else {
		task.Bonus = crm.RateClient(lead.Price, s.deps.Business.DollarRate)
	}

	if err := s.deps.Tasks.Create(ctx, task); err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	s.journal.record(ctx, crm.LogEntry{
		Type:   "task",
		Event:  "add",
		Ref:    task.ID,
		Author: task.Author,
		Data:   map[string]any{"lead": lead.ID, "responsible": task.Responsible},
	})
	return task, nil
}

func (s *TaskService) complete(ctx context.Context, p rpc.Payload, caller identity.Identity) (any, error) {
	var in struct {
		byID
		Result string `json:"result"`
	}
	if err := p.Decode(&in); err != nil {
		return nil, err
	}
	login := author(caller)
	task, err := s.deps.Tasks.Update(ctx, in.ID, map[string]any{
		"status":       true,
		"result":       in.Result,
		"completed_by": login,
		"updated_at":   s.deps.Now(),
	})
	if err != nil || task == nil {
		return nil, err
	}
	s.journal.record(ctx, crm.LogEntry{
		Type:   "task",
		Event:  "complete",
		Ref:    task.ID,
		Author: login,
		Data:   map[string]any{"text": task.Text, "lead": task.LeadID, "result": in.Result},
	})
	return task, nil
}

func (s *TaskService) reschedule(ctx context.Context, p rpc.Payload, caller identity.Identity) (any, error) {
	var in struct {
		byID
		Time time.Time `json:"time" validate:"required"`
	}
	if err := p.Decode(&in); err != nil {
		return nil, err
	}
	task, err := s.deps.Tasks.Update(ctx, in.ID, map[string]any{
		"complete_till": in.Time,
		"updated_at":    s.deps.Now(),
	})
	if err != nil || task == nil {
		return nil, err
	}
	s.journal.record(ctx, crm.LogEntry{
		Type:   "task",
		Event:  "reschedule",
		Ref:    task.ID,
		Author: author(caller),
		Data:   map[string]any{"to": in.Time},
	})
	return task, nil
}

func (s *TaskService) reassign(ctx context.Context, p rpc.Payload, caller identity.Identity) (any, error) {
	var in struct {
		byID
		Responsible string `json:"responsible" validate:"required"`
	}
	if err := p.Decode(&in); err != nil {
		return nil, err
	}
	task, err := s.deps.Tasks.Update(ctx, in.ID, map[string]any{
		"responsible": in.Responsible,
		"updated_at":  s.deps.Now(),
	})
	if err != nil || task == nil {
		return nil, err
	}
	s.journal.record(ctx, crm.LogEntry{
		Type:   "task",
		Event:  "reassign",
		Ref:    task.ID,
		Author: author(caller),
		Data:   map[string]any{"to": in.Responsible},
	})
	return task, nil
}

func (s *TaskService) delete(ctx context.Context, p rpc.Payload, caller identity.Identity) (any, error) {
	var in byID
	if err := p.Decode(&in); err != nil {
		return nil, err
	}
	task, err := s.deps.Tasks.Update(ctx, in.ID, map[string]any{"deleted_at": s.deps.Now()})
	if err != nil || task == nil {
		return nil, err
	}
	s.journal.record(ctx, crm.LogEntry{
		Type:   "task",
		Event:  "delete",
		Ref:    task.ID,
		Author: author(caller),
	})
	return task, nil
}

// adjustTime moves a task to the next working deadline, shifted into the
// client's calling hours when the lead's number reveals a timezone.
func (s *TaskService) adjustTime(ctx context.Context, p rpc.Payload, _ identity.Identity) (any, error) {
	var in byID
	if err := p.Decode(&in); err != nil {
		return nil, err
	}
	task, err := s.deps.Tasks.FindByID(ctx, in.ID)
	if err != nil || task == nil {
		return nil, err
	}
	lead, err := s.deps.Leads.FindByID(ctx, task.LeadID)
	if err != nil {
		return nil, err
	}
	var number crm.PhoneNumber
	if lead != nil {
		number = lead.Number()
	}
	deadline := s.deps.Calendar.DeadlineFor(s.deps.Now(), crm.PriorityMiddle, number)
	return s.deps.Tasks.Update(ctx, in.ID, map[string]any{"complete_till": deadline})
}

func (s *TaskService) active(ctx context.Context, p rpc.Payload, caller identity.Identity) (any, error) {
	var in struct {
		paging
		Search      string `json:"search"`
		Responsible string `json:"responsible"`
	}
	if err := p.Decode(&in); err != nil {
		return nil, err
	}
	open := false
	filter := crm.TaskFilter{
		Status:      &open,
		Responsible: in.Responsible,
		Search:      in.Search,
		Limit:       in.Limit,
		Offset:      in.Skip,
		OrderBy:     in.Sort,
		OrderDir:    in.Order,
	}
	allowed, err := managedLeads(ctx, s.deps.Leads, caller)
	if err != nil {
		return nil, err
	}
	if allowed != nil {
		if len(allowed) == 0 {
			return []crm.Task{}, nil
		}
		filter.LeadIDs = allowed
	}
	return s.deps.Tasks.FindAll(ctx, filter)
}

func (s *TaskService) forLeads(ctx context.Context, p rpc.Payload, caller identity.Identity) (any, error) {
	var in struct {
		paging
		Leads  []string `json:"leads"`
		Status *bool    `json:"status"`
	}
	if err := p.Decode(&in); err != nil {
		return nil, err
	}
	leads := in.Leads
	allowed, err := managedLeads(ctx, s.deps.Leads, caller)
	if err != nil {
		return nil, err
	}
	if allowed != nil {
		leads = intersect(leads, allowed)
	}
	if len(leads) == 0 {
		return []crm.Task{}, nil
	}
	return s.deps.Tasks.FindAll(ctx, crm.TaskFilter{
		LeadIDs:  leads,
		Status:   in.Status,
		Limit:    in.Limit,
		Offset:   in.Skip,
		OrderBy:  in.Sort,
		OrderDir: in.Order,
	})
}

// scheduleTasks runs one scheduler tick at the given marker, or now
func (s *TaskService) scheduleTasks(ctx context.Context, p rpc.Payload, _ identity.Identity) (any, error) {
	if s.deps.Engine == nil {
		return nil, fmt.Errorf("scheduler is not configured")
	}
	var in struct {
		Marker *time.Time `json:"marker"`
	}
	if err := p.Decode(&in); err != nil {
		return nil, err
	}
	marker := s.deps.Now()
	if in.Marker != nil {
		marker = *in.Marker
	}
	report, err := s.deps.Engine.Tick(ctx, marker)
	if err != nil {
		return nil, err
	}
	return report.Created, nil
}
