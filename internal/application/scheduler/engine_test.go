package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/globus/atlas/internal/domain/crm"
	"github.com/globus/atlas/internal/infrastructure/config"
	"github.com/globus/atlas/internal/infrastructure/persistence"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

const stage = 151

// MockNotifier is a mock implementation of Notifier
type MockNotifier struct {
	mock.Mock
}

func (m *MockNotifier) Notify(ctx context.Context, n crm.Notification) error {
	args := m.Called(ctx, n)
	return args.Error(0)
}

// storeCreator writes tasks straight to the repository
type storeCreator struct {
	tasks *persistence.GormTaskRepository

	mu    sync.Mutex
	fail  map[string]error
	calls int
}

func (s *storeCreator) CreateTask(ctx context.Context, in crm.NewTask) (*crm.Task, error) {
	s.mu.Lock()
	s.calls++
	err := s.fail[in.LeadID]
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	now := time.Now()
	task := &crm.Task{
		ID:           crm.NewObjectID(),
		LeadID:       in.LeadID,
		Text:         in.Text,
		Priority:     in.Priority,
		Responsible:  in.Responsible,
		Author:       "system",
		CompleteTill: *in.CompleteTill,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	return task, s.tasks.Create(ctx, task)
}

type engineFixture struct {
	repos    *persistence.Repositories
	creator  *storeCreator
	notifier *MockNotifier
	engine   *Engine
	logs     *observer.ObservedLogs
}

func newEngineFixture(t *testing.T, now time.Time) *engineFixture {
	t.Helper()
	db, err := persistence.NewDatabase(&config.DatabaseConfig{Driver: "sqlite", SQLitePath: ":memory:"})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate())
	t.Cleanup(func() { _ = db.Close() })

	repos := persistence.NewRepositories(db.DB)
	ctx := context.Background()
	require.NoError(t, repos.Pipelines.Upsert(ctx,
		crm.Pipeline{ID: 142, Name: "Won"},
		crm.Pipeline{ID: stage, Name: "Follow up", Sort: 1},
		crm.Pipeline{ID: 152, Name: "Negotiation", Sort: 2},
	))
	require.NoError(t, repos.Users.Create(ctx, &crm.User{Login: "alena", Name: "Alena"}))
	require.NoError(t, repos.Users.Create(ctx, &crm.User{Login: "maria", Name: "Maria"}))

	core, logs := observer.New(zapcore.DebugLevel)
	f := &engineFixture{
		repos:    repos,
		creator:  &storeCreator{tasks: repos.Tasks, fail: map[string]error{}},
		notifier: &MockNotifier{},
		logs:     logs,
	}
	f.engine = NewEngine(Repositories{
		Rules:       repos.Rules,
		Pipelines:   repos.Pipelines,
		Leads:       repos.Leads,
		Tasks:       repos.Tasks,
		Assignments: repos.Assignments,
		Users:       repos.Users,
	}, f.creator, f.notifier, newTestCalendar(now, zeroJitter),
		WithEngineLogger(zap.New(core)),
		WithReceivers("alena", "maria"),
	)
	return f
}

func (f *engineFixture) rule(t *testing.T, r crm.Rule) crm.Rule {
	t.Helper()
	if r.PipelineID == 0 {
		r.PipelineID = stage
	}
	r.Active = true
	require.NoError(t, f.repos.Rules.Create(context.Background(), &r))
	return r
}

func (f *engineFixture) lead(t *testing.T, l crm.Lead) crm.Lead {
	t.Helper()
	if l.ID == "" {
		l.ID = crm.NewObjectID()
	}
	if l.StatusID == 0 {
		l.StatusID = stage
	}
	if l.Responsible == "" {
		l.Responsible = "alena"
	}
	if l.UpdatedAt.IsZero() {
		l.UpdatedAt = l.CreatedAt
	}
	require.NoError(t, f.repos.Leads.Create(context.Background(), &l))
	return l
}

func (f *engineFixture) expectSummary(count string) {
	f.notifier.On("Notify", mock.Anything, mock.MatchedBy(func(n crm.Notification) bool {
		return n.Title == SummaryTitle &&
			n.Description == "Assigned "+count+" new tasks" &&
			n.Action == SummaryAction &&
			n.Priority == crm.PriorityLow &&
			assert.ObjectsAreEqual([]string{"alena", "maria"}, n.Receivers)
	})).Return(nil)
}

func (f *engineFixture) tasksOf(t *testing.T, leadID string) []crm.Task {
	t.Helper()
	tasks, err := f.repos.Tasks.FindAll(context.Background(), crm.TaskFilter{LeadIDs: []string{leadID}})
	require.NoError(t, err)
	return tasks
}

func TestEngine_DoNotDisturb(t *testing.T) {
	now := at(14, 11, 0)
	f := newEngineFixture(t, now)
	f.rule(t, crm.Rule{Days: 2, Task: "Call the client"})
	dnd := at(15, 12, 0)
	lead := f.lead(t, crm.Lead{CreatedAt: at(1, 10, 0), DoNotDisturbTill: &dnd})

	report, err := f.engine.Tick(context.Background(), now)
	require.NoError(t, err)

	assert.Empty(t, report.Created)
	assert.Equal(t, 1, report.Skipped[SkipDoNotDisturb])
	assert.Empty(t, f.tasksOf(t, lead.ID))
	assert.Equal(t, 1, f.logs.FilterMessage("Client marked not to disturb till 15 October").Len())
	assert.Equal(t, 1, f.logs.FilterMessage("no new tasks").Len())
	f.notifier.AssertNotCalled(t, "Notify", mock.Anything, mock.Anything)
}

func TestEngine_FiresAfterDelay(t *testing.T) {
	now := at(14, 11, 0)
	f := newEngineFixture(t, now)
	f.rule(t, crm.Rule{Days: 3, Task: "Send the offer"})
	plain := f.lead(t, crm.Lead{CreatedAt: at(9, 10, 0)})
	london := f.lead(t, crm.Lead{CreatedAt: at(9, 10, 0), Phone: "442079460000"})
	f.expectSummary("2")

	report, err := f.engine.Tick(context.Background(), now)
	require.NoError(t, err)
	require.Len(t, report.Created, 2)

	tasks := f.tasksOf(t, plain.ID)
	require.Len(t, tasks, 1)
	assert.Equal(t, "Send the offer", tasks[0].Text)
	assert.Equal(t, "alena", tasks[0].Responsible)
	assert.Equal(t, crm.PriorityMiddle, tasks[0].Priority)
	assert.True(t, at(14, 18, 0).Equal(tasks[0].CompleteTill), "got %s", tasks[0].CompleteTill)

	// 10:00 in London is 17:00 in Shanghai
	tasks = f.tasksOf(t, london.ID)
	require.Len(t, tasks, 1)
	deadline := tasks[0].CompleteTill.In(shanghai)
	assert.True(t, at(14, 17, 0).Equal(deadline), "got %s", deadline)
	assert.GreaterOrEqual(t, deadline.Hour(), 10)
	assert.Less(t, deadline.Hour(), 19)

	f.notifier.AssertExpectations(t)
}

func TestEngine_NotDueYet(t *testing.T) {
	now := at(14, 11, 0)
	f := newEngineFixture(t, now)
	f.rule(t, crm.Rule{Days: 3, Task: "Send the offer"})
	lead := f.lead(t, crm.Lead{CreatedAt: at(14, 9, 0)})

	for _, marker := range []time.Time{now, at(16, 23, 59)} {
		report, err := f.engine.Tick(context.Background(), marker)
		require.NoError(t, err)
		assert.Empty(t, report.Created)
		assert.Equal(t, 1, report.Skipped[SkipNotDue])
	}
	assert.Equal(t, 2, f.logs.FilterMessage("Time is yet to come 17 October").Len())
	assert.Empty(t, f.tasksOf(t, lead.ID))

	f.expectSummary("1")
	report, err := f.engine.Tick(context.Background(), at(17, 0, 0))
	require.NoError(t, err)
	assert.Len(t, report.Created, 1)
}

func TestEngine_OnceIsIdempotent(t *testing.T) {
	now := at(14, 11, 0)
	f := newEngineFixture(t, now)
	f.rule(t, crm.Rule{Days: 0, Task: "Welcome call", Once: true})
	lead := f.lead(t, crm.Lead{CreatedAt: at(10, 10, 0)})
	f.expectSummary("1")

	for range 2 {
		_, err := f.engine.Tick(context.Background(), now)
		require.NoError(t, err)
	}

	assert.Len(t, f.tasksOf(t, lead.ID), 1)
	seen, err := f.repos.Assignments.Exists(context.Background(), "Welcome call", lead.ID)
	require.NoError(t, err)
	assert.True(t, seen)
	assert.Equal(t, 1, f.logs.FilterMessage("This task has been set before").Len())
	f.notifier.AssertNumberOfCalls(t, "Notify", 1)
}

func TestEngine_UniquePerLead(t *testing.T) {
	now := at(14, 11, 0)
	f := newEngineFixture(t, now)
	f.rule(t, crm.Rule{Days: 0, Task: "Follow up", Unique: true})
	lead := f.lead(t, crm.Lead{CreatedAt: at(10, 10, 0)})
	f.expectSummary("1")
	ctx := context.Background()

	for range 3 {
		_, err := f.engine.Tick(ctx, now)
		require.NoError(t, err)
	}
	tasks := f.tasksOf(t, lead.ID)
	require.Len(t, tasks, 1)
	assert.Equal(t, 2, f.logs.FilterMessage("Another task is already set").Len())

	_, err := f.repos.Tasks.Update(ctx, tasks[0].ID, map[string]any{"status": true, "updated_at": at(14, 11, 0)})
	require.NoError(t, err)

	report, err := f.engine.Tick(ctx, now)
	require.NoError(t, err)
	assert.Len(t, report.Created, 1)
	assert.Len(t, f.tasksOf(t, lead.ID), 2)
}

func TestEngine_UniqueSeesTasksOfEarlierRules(t *testing.T) {
	now := at(14, 11, 0)
	f := newEngineFixture(t, now)
	f.rule(t, crm.Rule{Days: 0, Task: "First", Unique: true, Position: 1})
	f.rule(t, crm.Rule{Days: 0, Task: "Second", Unique: true, Position: 2})
	lead := f.lead(t, crm.Lead{CreatedAt: at(10, 10, 0)})
	f.expectSummary("1")

	report, err := f.engine.Tick(context.Background(), now)
	require.NoError(t, err)

	assert.Len(t, report.Created, 1)
	assert.Equal(t, 1, report.Skipped[SkipUnique])
	assert.Len(t, f.tasksOf(t, lead.ID), 1)
}

func TestEngine_Managers(t *testing.T) {
	now := at(14, 11, 0)
	f := newEngineFixture(t, now)
	f.rule(t, crm.Rule{Days: 0, Task: "Review", TaskFor: crm.TaskForManagers, Priority: crm.PriorityHigh})
	lead := f.lead(t, crm.Lead{CreatedAt: at(10, 10, 0), Managers: []string{"maria", "ghost", "alena"}})
	f.expectSummary("2")

	_, err := f.engine.Tick(context.Background(), now)
	require.NoError(t, err)

	tasks := f.tasksOf(t, lead.ID)
	require.Len(t, tasks, 2)
	got := []string{tasks[0].Responsible, tasks[1].Responsible}
	assert.ElementsMatch(t, []string{"maria", "alena"}, got)
	assert.Equal(t, crm.PriorityHigh, tasks[0].Priority)
}

func TestEngine_OnceWaitsForManagers(t *testing.T) {
	tests := []struct {
		name     string
		managers []string
	}{
		{"no managers", nil},
		{"only unknown managers", []string{"ghost"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			now := at(14, 11, 0)
			ctx := context.Background()
			f := newEngineFixture(t, now)
			f.rule(t, crm.Rule{Days: 0, Task: "Review", TaskFor: crm.TaskForManagers, Once: true})
			lead := f.lead(t, crm.Lead{CreatedAt: at(10, 10, 0), Managers: tt.managers})

			report, err := f.engine.Tick(ctx, now)
			require.NoError(t, err)
			assert.Empty(t, report.Created)
			seen, err := f.repos.Assignments.Exists(ctx, "Review", lead.ID)
			require.NoError(t, err)
			assert.False(t, seen)
			f.notifier.AssertNotCalled(t, "Notify", mock.Anything, mock.Anything)

			_, err = f.repos.Leads.Update(ctx, lead.ID, map[string]any{"managers": []string{"maria"}})
			require.NoError(t, err)
			f.expectSummary("1")

			report, err = f.engine.Tick(ctx, now)
			require.NoError(t, err)
			require.Len(t, report.Created, 1)
			assert.Equal(t, "maria", report.Created[0].Responsible)
			seen, err = f.repos.Assignments.Exists(ctx, "Review", lead.ID)
			require.NoError(t, err)
			assert.True(t, seen)
		})
	}
}

func TestEngine_AnchorRules(t *testing.T) {
	now := at(14, 11, 0)
	f := newEngineFixture(t, now)
	f.rule(t, crm.Rule{Days: 1, Task: "Prepare arrival", RelativeTo: "arrivalDate"})
	without := f.lead(t, crm.Lead{CreatedAt: at(1, 10, 0)})
	with := f.lead(t, crm.Lead{CreatedAt: at(1, 10, 0), Dates: map[string]time.Time{"arrivalDate": at(13, 0, 0)}})
	f.expectSummary("1")

	report, err := f.engine.Tick(context.Background(), now)
	require.NoError(t, err)

	assert.Equal(t, 1, report.Skipped[SkipNoAnchor])
	assert.Empty(t, f.tasksOf(t, without.ID))
	assert.Len(t, f.tasksOf(t, with.ID), 1)
	assert.Equal(t, 1, f.logs.FilterMessage("Anchor field arrivalDate is empty").Len())
}

func TestEngine_NewerThanUpdate(t *testing.T) {
	now := at(14, 11, 0)
	f := newEngineFixture(t, now)
	f.rule(t, crm.Rule{Days: 0, Task: "Check in", NewerThanUpdate: true})
	dnd := at(12, 0, 0)
	f.lead(t, crm.Lead{CreatedAt: at(10, 10, 0), DoNotDisturbTill: &dnd})

	report, err := f.engine.Tick(context.Background(), now)
	require.NoError(t, err)

	assert.Empty(t, report.Created)
	assert.Equal(t, 1, report.Skipped[SkipNewerThanUpdate])
}

func TestEngine_LatestCompletedTaskIsAnchor(t *testing.T) {
	now := at(14, 11, 0)
	f := newEngineFixture(t, now)
	f.rule(t, crm.Rule{Days: 3, Task: "Follow up"})
	lead := f.lead(t, crm.Lead{CreatedAt: at(1, 10, 0)})
	ctx := context.Background()
	require.NoError(t, f.repos.Tasks.Create(ctx, &crm.Task{
		ID: crm.NewObjectID(), LeadID: lead.ID, Text: "Intro", Status: true,
		CompleteTill: at(12, 18, 0), CreatedAt: at(12, 9, 0), UpdatedAt: at(12, 15, 0),
	}))

	report, err := f.engine.Tick(ctx, now)
	require.NoError(t, err)

	assert.Empty(t, report.Created)
	assert.Equal(t, 1, report.Skipped[SkipNotDue])
	assert.Equal(t, 1, f.logs.FilterMessage("Time is yet to come 15 October").Len())
}

func TestEngine_FailureDoesNotAbortTick(t *testing.T) {
	now := at(14, 11, 0)
	f := newEngineFixture(t, now)
	f.rule(t, crm.Rule{Days: 0, Task: "Welcome call", Once: true})
	broken := f.lead(t, crm.Lead{CreatedAt: at(10, 10, 0)})
	healthy := f.lead(t, crm.Lead{CreatedAt: at(11, 10, 0)})
	f.creator.fail[broken.ID] = errors.New("storage unavailable")
	f.expectSummary("1")
	ctx := context.Background()

	report, err := f.engine.Tick(ctx, now)
	require.NoError(t, err)

	assert.Equal(t, 1, report.Failed)
	assert.Len(t, report.Created, 1)
	assert.Len(t, f.tasksOf(t, healthy.ID), 1)
	assert.Equal(t, 1, f.logs.FilterMessage("Rule evaluation failed").Len())

	// the failed pair is retried next tick
	seen, err := f.repos.Assignments.Exists(ctx, "Welcome call", broken.ID)
	require.NoError(t, err)
	assert.False(t, seen)

	delete(f.creator.fail, broken.ID)
	report, err = f.engine.Tick(ctx, now)
	require.NoError(t, err)
	assert.Len(t, report.Created, 1)
	assert.Len(t, f.tasksOf(t, broken.ID), 1)
}

func TestEngine_PipelineSelection(t *testing.T) {
	now := at(14, 11, 0)
	f := newEngineFixture(t, now)
	f.rule(t, crm.Rule{PipelineID: 152, Days: 0, Task: "Negotiate"})
	f.rule(t, crm.Rule{PipelineID: 142, Days: 0, Task: "Never"})
	wrongStage := f.lead(t, crm.Lead{CreatedAt: at(10, 10, 0)})
	won := f.lead(t, crm.Lead{StatusID: 142, CreatedAt: at(10, 10, 0)})
	match := f.lead(t, crm.Lead{StatusID: 152, CreatedAt: at(10, 10, 0)})
	f.expectSummary("1")

	report, err := f.engine.Tick(context.Background(), now)
	require.NoError(t, err)

	assert.Equal(t, 1, report.Leads)
	assert.Empty(t, f.tasksOf(t, wrongStage.ID))
	assert.Empty(t, f.tasksOf(t, won.ID))
	assert.Len(t, f.tasksOf(t, match.ID), 1)
}

func TestEngine_NoRules(t *testing.T) {
	f := newEngineFixture(t, at(14, 11, 0))
	report, err := f.engine.Tick(context.Background(), at(14, 11, 0))
	require.NoError(t, err)
	assert.Zero(t, report.Evaluated)
	f.notifier.AssertNotCalled(t, "Notify", mock.Anything, mock.Anything)
}
