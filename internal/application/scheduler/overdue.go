package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/globus/atlas/internal/domain/crm"
	"go.uber.org/zap"
)

// OverdueAction marks notifications about tasks that hit their deadline
const OverdueAction = "overdue"

// timer is the part of *time.Timer the alerter needs
type timer interface {
	Stop() bool
}

// OverdueAlerter arms one timer per open task due within the window and
// notifies the responsible login if the task is still open at its deadline.
// Each Arm replaces the timers of the previous one.
type OverdueAlerter struct {
	tasks    crm.TaskRepository
	leads    crm.LeadRepository
	notifier Notifier
	logger   *zap.Logger
	window   time.Duration
	fallback []string
	timeout  time.Duration

	now       func() time.Time
	afterFunc func(d time.Duration, f func()) timer

	mu     sync.Mutex
	timers []timer
	wg     sync.WaitGroup
}

// OverdueOption configures an OverdueAlerter
type OverdueOption func(*OverdueAlerter)

// WithOverdueLogger sets the logger
func WithOverdueLogger(l *zap.Logger) OverdueOption {
	return func(a *OverdueAlerter) {
		a.logger = l
	}
}

// WithOverdueWindow sets how far ahead deadlines are watched
func WithOverdueWindow(d time.Duration) OverdueOption {
	return func(a *OverdueAlerter) {
		a.window = d
	}
}

// WithFallbackReceivers sets who is told about tasks without a responsible
func WithFallbackReceivers(logins ...string) OverdueOption {
	return func(a *OverdueAlerter) {
		a.fallback = logins
	}
}

// WithOverdueClock replaces time.Now
func WithOverdueClock(now func() time.Time) OverdueOption {
	return func(a *OverdueAlerter) {
		a.now = now
	}
}

// NewOverdueAlerter creates an alerter
func NewOverdueAlerter(tasks crm.TaskRepository, leads crm.LeadRepository, notifier Notifier, opts ...OverdueOption) *OverdueAlerter {
	a := &OverdueAlerter{
		tasks:    tasks,
		leads:    leads,
		notifier: notifier,
		logger:   zap.NewNop(),
		window:   2 * time.Hour,
		fallback: []string{"andrei", "maria", "alena"},
		timeout:  30 * time.Second,
		now:      time.Now,
		afterFunc: func(d time.Duration, f func()) timer {
			return time.AfterFunc(d, f)
		},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Arm loads the open tasks due within the window and replaces the pending
// timers with one per task. It returns the number of armed timers.
func (a *OverdueAlerter) Arm(ctx context.Context) (int, error) {
	now := a.now()
	from, to := now, now.Add(a.window)
	open := false
	tasks, err := a.tasks.FindAll(ctx, crm.TaskFilter{Status: &open, DueFrom: &from, DueTo: &to})
	if err != nil {
		return 0, fmt.Errorf("load due tasks: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.stopLocked()
	for _, task := range tasks {
		a.wg.Add(1)
		a.timers = append(a.timers, a.afterFunc(task.CompleteTill.Sub(now), func() {
			defer a.wg.Done()
			a.alert(task)
		}))
	}
	a.logger.Debug("Overdue timers armed", zap.Int("count", len(tasks)))
	return len(tasks), nil
}

// Pending returns the number of armed timers
func (a *OverdueAlerter) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.timers)
}

// Stop cancels every pending timer and waits for running alerts
func (a *OverdueAlerter) Stop() {
	a.mu.Lock()
	a.stopLocked()
	a.mu.Unlock()
	a.wg.Wait()
}

func (a *OverdueAlerter) stopLocked() {
	for _, t := range a.timers {
		if t.Stop() {
			a.wg.Done()
		}
	}
	a.timers = nil
}

func (a *OverdueAlerter) alert(task crm.Task) {
	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()
	log := a.logger.With(zap.String("task", task.ID), zap.String("lead", task.LeadID))

	current, err := a.tasks.FindByID(ctx, task.ID)
	if err != nil {
		log.Error("Failed to reload task", zap.Error(err))
		return
	}
	if current == nil || !current.IsOpen() {
		return
	}

	name := "Incognito"
	lead, err := a.leads.FindByID(ctx, task.LeadID)
	if err != nil {
		log.Warn("Failed to load lead of overdue task", zap.Error(err))
	}
	if lead != nil {
		name = lead.DisplayName()
	}

	receivers := a.fallback
	if current.Responsible != "" {
		receivers = []string{current.Responsible}
	}
	err = a.notifier.Notify(ctx, crm.Notification{
		Title:       name + " task overdue",
		Description: current.Text,
		Receivers:   receivers,
		Priority:    current.Priority,
		LeadID:      current.LeadID,
		Trigger:     []string{"tasks"},
		Action:      OverdueAction,
	})
	if err != nil {
		log.Error("Failed to send overdue notification", zap.Error(err))
		return
	}
	log.Info("Overdue task reported", zap.Strings("receivers", receivers))
}
