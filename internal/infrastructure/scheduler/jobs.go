package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	appscheduler "github.com/globus/atlas/internal/application/scheduler"
	"github.com/globus/atlas/internal/domain/crm"
	"github.com/globus/atlas/internal/infrastructure/cache"
	"github.com/globus/atlas/internal/infrastructure/config"
	"go.uber.org/zap"
)

// Job names
const (
	JobScheduleTasks = "schedule-tasks"
	JobOverdueTasks  = "overdue-tasks"
)

// failureKey is the daily marker key of the "scheduler is failing" warning
const failureKey = "scheduler-failure"

// TaskJobs adapts the rule engine and the overdue alerter to cron jobs.
// Failures are reported to staff at most once per day.
type TaskJobs struct {
	engine    *appscheduler.Engine
	alerter   *appscheduler.OverdueAlerter
	notifier  appscheduler.Notifier
	marker    cache.DailyMarker
	receivers []string
	logger    *zap.Logger
	now       func() time.Time
}

// NewTaskJobs creates the task jobs
func NewTaskJobs(
	engine *appscheduler.Engine,
	alerter *appscheduler.OverdueAlerter,
	notifier appscheduler.Notifier,
	marker cache.DailyMarker,
	receivers []string,
	logger *zap.Logger,
) *TaskJobs {
	return &TaskJobs{
		engine:    engine,
		alerter:   alerter,
		notifier:  notifier,
		marker:    marker,
		receivers: receivers,
		logger:    logger,
		now:       time.Now,
	}
}

// ScheduleTasks ticks the engine for now and for the next working deadline,
// so tomorrow's tasks are visible today.
func (j *TaskJobs) ScheduleTasks(ctx context.Context) error {
	now := j.now()
	today, err := j.engine.Tick(ctx, now)
	if err != nil {
		j.reportFailure(ctx, err)
		return fmt.Errorf("tick today: %w", err)
	}
	nextMarker := j.engine.Calendar().CompleteTime(now.AddDate(0, 0, 1), crm.PriorityMiddle)
	next, err := j.engine.Tick(ctx, nextMarker)
	if err != nil {
		j.reportFailure(ctx, err)
		return fmt.Errorf("tick next: %w", err)
	}

	total := len(today.Created) + len(next.Created)
	j.logger.Info("Scheduled tasks",
		zap.Int("count", total),
		zap.Time("next_marker", nextMarker),
	)
	if failed := today.Failed + next.Failed; failed > 0 {
		j.reportFailure(ctx, fmt.Errorf("%d rule evaluations failed", failed))
	}
	return nil
}

// ArmOverdue re-arms the overdue timers
func (j *TaskJobs) ArmOverdue(ctx context.Context) error {
	n, err := j.alerter.Arm(ctx)
	if err != nil {
		j.reportFailure(ctx, err)
		return err
	}
	j.logger.Debug("Overdue alerts armed", zap.Int("count", n))
	return nil
}

// reportFailure tells staff that scheduling is broken, once per day
func (j *TaskJobs) reportFailure(ctx context.Context, cause error) {
	first, err := j.marker.Mark(ctx, failureKey, j.now())
	if err != nil {
		j.logger.Warn("Daily marker unavailable", zap.Error(err))
		return
	}
	if !first {
		return
	}
	err = j.notifier.Notify(ctx, crm.Notification{
		Title:       appscheduler.SummaryTitle,
		Description: "Task scheduling failed: " + cause.Error(),
		Receivers:   j.receivers,
		Priority:    crm.PriorityHigh,
		Action:      "schedulerFailed",
	})
	if err != nil {
		j.logger.Error("Failed to report scheduler failure", zap.Error(errors.Join(cause, err)))
	}
}

// Jobs builds the cron jobs: rule ticks at the configured weekday hours
// and overdue re-arming every hour.
func (j *TaskJobs) Jobs(cfg config.SchedulerConfig) ([]Job, error) {
	tick, err := HoursSchedule(0, cfg.Hours, "1-5")
	if err != nil {
		return nil, err
	}
	overdue, err := ParseSchedule(fmt.Sprintf("%d * * * *", cfg.OverdueMinute))
	if err != nil {
		return nil, err
	}
	jobs := []Job{{
		Name:     JobScheduleTasks,
		Schedule: tick,
		Run:      j.ScheduleTasks,
		Timeout:  10 * time.Minute,
	}}
	if !cfg.OverdueDisabled {
		jobs = append(jobs, Job{
			Name:     JobOverdueTasks,
			Schedule: overdue,
			Run:      j.ArmOverdue,
			Timeout:  time.Minute,
		})
	}
	return jobs, nil
}

// Stop cancels pending overdue timers
func (j *TaskJobs) Stop() {
	j.alerter.Stop()
}
