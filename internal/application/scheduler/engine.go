// Package scheduler turns scheduling rules into follow-up tasks and warns
// staff about tasks running overdue.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/globus/atlas/internal/domain/crm"
	"go.uber.org/zap"
)

// Notification constants of a tick summary
const (
	SummaryTitle  = "Atlas Scheduler"
	SummaryAction = "taskScheduled"
)

// TaskCreator creates a task on behalf of the system
type TaskCreator interface {
	CreateTask(ctx context.Context, in crm.NewTask) (*crm.Task, error)
}

// Notifier delivers a notification to staff
type Notifier interface {
	Notify(ctx context.Context, n crm.Notification) error
}

// Repositories are the stores a tick reads
type Repositories struct {
	Rules       crm.RuleRepository
	Pipelines   crm.PipelineRepository
	Leads       crm.LeadRepository
	Tasks       crm.TaskRepository
	Assignments crm.AssignmentRepository
	Users       crm.UserRepository
}

// SkipReason classifies why a rule did not fire for a lead
type SkipReason string

const (
	SkipDoNotDisturb    SkipReason = "do_not_disturb"
	SkipUnique          SkipReason = "unique"
	SkipOnce            SkipReason = "once"
	SkipNoAnchor        SkipReason = "no_anchor"
	SkipNewerThanUpdate SkipReason = "newer_than_update"
	SkipNotDue          SkipReason = "not_due"
)

// TickReport summarizes one evaluation pass
type TickReport struct {
	Marker    time.Time
	Leads     int
	Evaluated int
	Created   []crm.Task
	Skipped   map[SkipReason]int
	Failed    int
}

// skip is the outcome of a closed gate
type skip struct {
	reason  SkipReason
	message string
}

// Engine evaluates scheduling rules against leads. Ticks are serialized.
type Engine struct {
	repos     Repositories
	creator   TaskCreator
	notifier  Notifier
	calendar  *Calendar
	logger    *zap.Logger
	minPipe   int
	receivers []string

	mu sync.Mutex
}

// EngineOption configures an Engine
type EngineOption func(*Engine)

// WithEngineLogger sets the logger
func WithEngineLogger(l *zap.Logger) EngineOption {
	return func(e *Engine) {
		e.logger = l
	}
}

// WithMinPipelineID only schedules for pipeline stages above id
func WithMinPipelineID(id int) EngineOption {
	return func(e *Engine) {
		e.minPipe = id
	}
}

// WithReceivers sets who gets the tick summary
func WithReceivers(logins ...string) EngineOption {
	return func(e *Engine) {
		e.receivers = logins
	}
}

// NewEngine creates a rule engine
func NewEngine(repos Repositories, creator TaskCreator, notifier Notifier, calendar *Calendar, opts ...EngineOption) *Engine {
	e := &Engine{
		repos:     repos,
		creator:   creator,
		notifier:  notifier,
		calendar:  calendar,
		logger:    zap.NewNop(),
		minPipe:   150,
		receivers: []string{"alena", "maria"},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Calendar returns the deadline calendar
func (e *Engine) Calendar() *Calendar {
	return e.calendar
}

// Tick evaluates every active rule against every lead in a qualifying
// pipeline stage as of marker. A failing (lead, rule) pair is logged and
// retried on the next tick; only failures to load the working set abort.
func (e *Engine) Tick(ctx context.Context, marker time.Time) (*TickReport, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	report := &TickReport{Marker: marker, Skipped: make(map[SkipReason]int)}

	rules, err := e.repos.Rules.FindActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("load rules: %w", err)
	}
	pipelines, err := e.repos.Pipelines.FindAbove(ctx, e.minPipe)
	if err != nil {
		return nil, fmt.Errorf("load pipelines: %w", err)
	}

	byStage := make(map[int][]crm.Rule)
	stages := make([]int, 0, len(pipelines))
	for _, p := range pipelines {
		for _, r := range rules {
			if r.AppliesTo(p.ID) {
				byStage[p.ID] = append(byStage[p.ID], r)
			}
		}
		if len(byStage[p.ID]) > 0 {
			stages = append(stages, p.ID)
		}
	}
	if len(stages) == 0 {
		e.logger.Info("no new tasks", zap.String("reason", "no rules attached to pipelines"))
		return report, nil
	}

	leads, err := e.repos.Leads.FindAll(ctx, crm.LeadFilter{StatusIDs: stages})
	if err != nil {
		return nil, fmt.Errorf("load leads: %w", err)
	}
	report.Leads = len(leads)

	for i := range leads {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		lead := &leads[i]
		for _, rule := range byStage[lead.StatusID] {
			report.Evaluated++
			created, sk, err := e.evaluate(ctx, lead, rule, marker)
			log := e.logger.With(
				zap.String("lead", lead.ID),
				zap.String("name", lead.DisplayName()),
				zap.String("task", rule.Task),
			)
			switch {
			case err != nil:
				report.Failed++
				log.Error("Rule evaluation failed", zap.Error(err))
			case sk != nil:
				report.Skipped[sk.reason]++
				log.Debug(sk.message)
			}
			report.Created = append(report.Created, created...)
		}
	}

	e.summarize(ctx, report)
	return report, nil
}

func (e *Engine) evaluate(ctx context.Context, lead *crm.Lead, rule crm.Rule, now time.Time) ([]crm.Task, *skip, error) {
	if lead.DoNotDisturbTill != nil && lead.DoNotDisturbTill.After(now) {
		return nil, &skip{SkipDoNotDisturb, "Client marked not to disturb till " + e.day(*lead.DoNotDisturbTill)}, nil
	}

	if rule.Unique {
		open, err := e.repos.Tasks.CountOpen(ctx, lead.ID)
		if err != nil {
			return nil, nil, fmt.Errorf("count open tasks: %w", err)
		}
		if open > 0 {
			return nil, &skip{SkipUnique, "Another task is already set"}, nil
		}
	}

	if rule.Once {
		seen, err := e.repos.Assignments.Exists(ctx, rule.Task, lead.ID)
		if err != nil {
			return nil, nil, fmt.Errorf("check assignment: %w", err)
		}
		if seen {
			return nil, &skip{SkipOnce, "This task has been set before"}, nil
		}
	}

	anchor, ok, err := e.anchor(ctx, lead, rule)
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		return nil, &skip{SkipNoAnchor, "Anchor field " + rule.RelativeTo + " is empty"}, nil
	}

	if rule.NewerThanUpdate && lead.DoNotDisturbTill != nil && lead.DoNotDisturbTill.After(anchor) {
		return nil, &skip{SkipNewerThanUpdate, "Lead updated after anchor"}, nil
	}

	effective := anchor.AddDate(0, 0, rule.Days)
	if effective.Before(now) {
		effective = now
	}
	if !e.calendar.DayReached(now, effective) {
		return nil, &skip{SkipNotDue, "Time is yet to come " + e.day(effective)}, nil
	}

	created, err := e.fire(ctx, lead, rule, effective)
	return created, nil, err
}

// anchor is the moment the rule's delay counts from
func (e *Engine) anchor(ctx context.Context, lead *crm.Lead, rule crm.Rule) (time.Time, bool, error) {
	if rule.RelativeTo != "" {
		t, ok := lead.DateField(rule.RelativeTo)
		return t, ok, nil
	}
	latest, err := e.repos.Tasks.LatestCompleted(ctx, lead.ID)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("find latest completed task: %w", err)
	}
	if latest != nil {
		return latest.UpdatedAt, true, nil
	}
	return lead.CreatedAt, true, nil
}

func (e *Engine) fire(ctx context.Context, lead *crm.Lead, rule crm.Rule, effective time.Time) ([]crm.Task, error) {
	targets, err := e.targets(ctx, lead, rule)
	if err != nil {
		return nil, err
	}
	// a once-only rule stays available until someone can receive it
	if len(targets) == 0 {
		return nil, nil
	}

	if rule.Once {
		err := e.repos.Assignments.Create(ctx, &crm.Assignment{Task: rule.Task, LeadID: lead.ID, RuleID: rule.ID})
		if errors.Is(err, crm.ErrAssignmentExists) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("record assignment: %w", err)
		}
	}

	deadline := e.calendar.DeadlineFor(effective, crm.PriorityMiddle, lead.Number())
	priority := rule.TaskPriority()

	var created []crm.Task
	var errs []error
	for _, login := range targets {
		task, err := e.creator.CreateTask(ctx, crm.NewTask{
			LeadID:       lead.ID,
			Text:         rule.Task,
			CompleteTill: &deadline,
			Priority:     priority,
			Responsible:  login,
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("create task for %s: %w", login, err))
			continue
		}
		if task != nil {
			created = append(created, *task)
		}
	}

	if rule.Once && len(created) == 0 && len(errs) > 0 {
		if err := e.repos.Assignments.Delete(ctx, rule.Task, lead.ID); err != nil {
			errs = append(errs, fmt.Errorf("release assignment: %w", err))
		}
	}
	return created, errors.Join(errs...)
}

// targets lists the logins that receive the task
func (e *Engine) targets(ctx context.Context, lead *crm.Lead, rule crm.Rule) ([]string, error) {
	if rule.TaskFor != crm.TaskForManagers {
		return []string{lead.Responsible}, nil
	}
	if len(lead.Managers) == 0 {
		return nil, nil
	}
	users, err := e.repos.Users.FindByLogins(ctx, lead.Managers)
	if err != nil {
		return nil, fmt.Errorf("load managers: %w", err)
	}
	known := make(map[string]bool, len(users))
	for _, u := range users {
		known[u.Login] = true
	}
	logins := make([]string, 0, len(lead.Managers))
	for _, m := range lead.Managers {
		if known[m] {
			logins = append(logins, m)
		}
	}
	return logins, nil
}

func (e *Engine) summarize(ctx context.Context, report *TickReport) {
	n := len(report.Created)
	e.logger.Info("Scheduler tick finished",
		zap.Time("marker", report.Marker),
		zap.Int("leads", report.Leads),
		zap.Int("evaluated", report.Evaluated),
		zap.Int("created", n),
		zap.Int("failed", report.Failed),
	)
	if n == 0 {
		e.logger.Info("no new tasks")
		return
	}
	err := e.notifier.Notify(ctx, crm.Notification{
		Title:       SummaryTitle,
		Description: fmt.Sprintf("Assigned %d new tasks", n),
		Receivers:   e.receivers,
		Action:      SummaryAction,
		Priority:    crm.PriorityLow,
	})
	if err != nil {
		e.logger.Warn("Failed to send scheduler summary", zap.Error(err))
	}
}

func (e *Engine) day(t time.Time) string {
	return t.In(e.calendar.Location()).Format("2 January")
}
