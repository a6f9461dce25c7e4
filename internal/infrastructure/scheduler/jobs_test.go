package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	appscheduler "github.com/globus/atlas/internal/application/scheduler"
	"github.com/globus/atlas/internal/domain/crm"
	"github.com/globus/atlas/internal/infrastructure/cache"
	"github.com/globus/atlas/internal/infrastructure/config"
	"github.com/globus/atlas/internal/infrastructure/persistence"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingNotifier struct {
	mu   sync.Mutex
	sent []crm.Notification
}

func (r *recordingNotifier) Notify(_ context.Context, n crm.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
	return nil
}

func (r *recordingNotifier) descriptions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.sent))
	for _, n := range r.sent {
		out = append(out, n.Description)
	}
	return out
}

type repoCreator struct {
	tasks crm.TaskRepository
}

func (c repoCreator) CreateTask(ctx context.Context, in crm.NewTask) (*crm.Task, error) {
	task := &crm.Task{
		ID: crm.NewObjectID(), LeadID: in.LeadID, Text: in.Text, Responsible: in.Responsible,
		Priority: in.Priority, CompleteTill: *in.CompleteTill, CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}
	return task, c.tasks.Create(ctx, task)
}

type brokenRules struct {
	crm.RuleRepository
}

func (brokenRules) FindActive(context.Context) ([]crm.Rule, error) {
	return nil, errors.New("connection refused")
}

func newJobs(t *testing.T, rules func(*persistence.Repositories) crm.RuleRepository) (*TaskJobs, *persistence.Repositories, *recordingNotifier) {
	t.Helper()
	db, err := persistence.NewDatabase(&config.DatabaseConfig{Driver: "sqlite", SQLitePath: ":memory:"})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate())
	t.Cleanup(func() { _ = db.Close() })
	repos := persistence.NewRepositories(db.DB)

	business := config.BusinessConfig{
		Timezone: "UTC", WorkStartHour: 10, WorkEndHour: 19,
		ClientStartHour: 10, ClientEndHour: 21, DeadlineHour: 18,
	}
	notifier := &recordingNotifier{}
	engine := appscheduler.NewEngine(appscheduler.Repositories{
		Rules:       rules(repos),
		Pipelines:   repos.Pipelines,
		Leads:       repos.Leads,
		Tasks:       repos.Tasks,
		Assignments: repos.Assignments,
		Users:       repos.Users,
	}, repoCreator{tasks: repos.Tasks}, notifier, appscheduler.NewCalendar(business))
	alerter := appscheduler.NewOverdueAlerter(repos.Tasks, repos.Leads, notifier)

	marker := cache.NewInMemoryDailyMarker()
	t.Cleanup(func() { _ = marker.Close() })

	jobs := NewTaskJobs(engine, alerter, notifier, marker, []string{"andrei"}, zap.NewNop())
	t.Cleanup(jobs.Stop)
	return jobs, repos, notifier
}

func TestTaskJobs_ScheduleTasks(t *testing.T) {
	jobs, repos, notifier := newJobs(t, func(r *persistence.Repositories) crm.RuleRepository { return r.Rules })
	ctx := context.Background()

	require.NoError(t, repos.Pipelines.Upsert(ctx, crm.Pipeline{ID: 151, Name: "Follow up"}))
	require.NoError(t, repos.Rules.Create(ctx, &crm.Rule{PipelineID: 151, Task: "Call", Once: true, Active: true}))
	lead := &crm.Lead{ID: crm.NewObjectID(), StatusID: 151, Responsible: "alena", CreatedAt: time.Now().AddDate(0, 0, -3)}
	require.NoError(t, repos.Leads.Create(ctx, lead))

	require.NoError(t, jobs.ScheduleTasks(ctx))

	tasks, err := repos.Tasks.FindAll(ctx, crm.TaskFilter{LeadIDs: []string{lead.ID}})
	require.NoError(t, err)
	assert.Len(t, tasks, 1)
	assert.Equal(t, []string{"Assigned 1 new tasks"}, notifier.descriptions())

	require.NoError(t, jobs.ArmOverdue(ctx))
}

func TestTaskJobs_FailureReportedOncePerDay(t *testing.T) {
	jobs, _, notifier := newJobs(t, func(r *persistence.Repositories) crm.RuleRepository {
		return brokenRules{RuleRepository: r.Rules}
	})
	ctx := context.Background()

	for range 3 {
		assert.Error(t, jobs.ScheduleTasks(ctx))
	}
	require.Len(t, notifier.descriptions(), 1)
	assert.Contains(t, notifier.descriptions()[0], "connection refused")

	jobs.now = func() time.Time { return time.Now().AddDate(0, 0, 1) }
	assert.Error(t, jobs.ScheduleTasks(ctx))
	assert.Len(t, notifier.descriptions(), 2)
}

func TestTaskJobs_Jobs(t *testing.T) {
	jobs, _, _ := newJobs(t, func(r *persistence.Repositories) crm.RuleRepository { return r.Rules })

	list, err := jobs.Jobs(config.SchedulerConfig{Hours: []int{9, 12, 15, 18}, OverdueMinute: 36})
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, JobScheduleTasks, list[0].Name)
	assert.Equal(t, "0 9,12,15,18 * * 1-5", list[0].Schedule.String())
	assert.Equal(t, "36 * * * *", list[1].Schedule.String())

	list, err = jobs.Jobs(config.SchedulerConfig{Hours: []int{9}, OverdueDisabled: true})
	require.NoError(t, err)
	assert.Len(t, list, 1)

	_, err = jobs.Jobs(config.SchedulerConfig{Hours: []int{25}})
	assert.ErrorIs(t, err, ErrInvalidSchedule)
}
