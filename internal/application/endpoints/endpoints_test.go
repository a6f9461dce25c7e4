package endpoints

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/globus/atlas/internal/application/rpc"
	"github.com/globus/atlas/internal/application/scheduler"
	"github.com/globus/atlas/internal/domain/crm"
	"github.com/globus/atlas/internal/domain/identity"
	"github.com/globus/atlas/internal/infrastructure/config"
	"github.com/globus/atlas/internal/infrastructure/persistence"
	"github.com/globus/atlas/internal/infrastructure/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

const stage = 151

var shanghai = mustLocation("Asia/Shanghai")

func mustLocation(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		panic(err)
	}
	return loc
}

// at builds a Shanghai wall-clock time in October 2026. The 14th is a Wednesday.
func at(day, hour, minute int) time.Time {
	return time.Date(2026, time.October, day, hour, minute, 0, 0, shanghai)
}

func testBusiness() config.BusinessConfig {
	return config.BusinessConfig{
		Timezone:           "Asia/Shanghai",
		WorkStartHour:      10,
		WorkEndHour:        19,
		ClientStartHour:    10,
		ClientEndHour:      21,
		DeadlineHour:       18,
		DefaultLeadStatus:  stage,
		DefaultResponsible: "maria",
		DollarRate:         7,
		SessionTTL:         7 * 24 * time.Hour,
		CodeTTL:            10 * time.Minute,
	}
}

// recordingBus collects published invalidation tags
type recordingBus struct {
	mu   sync.Mutex
	tags []string
}

func (b *recordingBus) Publish(_ context.Context, tags []string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tags = append(b.tags, tags...)
}

func (b *recordingBus) published() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.tags...)
}

type push struct {
	room  string
	event string
	data  any
}

// recordingRooms collects realtime pushes
type recordingRooms struct {
	mu     sync.Mutex
	pushes []push
	active []string
}

func (r *recordingRooms) SendTo(room, event string, data any) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pushes = append(r.pushes, push{room: room, event: event, data: data})
	return 1
}

func (r *recordingRooms) ActiveUsers() []string {
	return r.active
}

type memStore struct {
	mu     sync.Mutex
	values map[string]any
}

func (s *memStore) Get(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key]
	return v, ok
}

func (s *memStore) Set(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
}

func (s *memStore) Snapshot() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]any, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

// recordingDeliverer keeps every delivery attempt and fails with err when set
type recordingDeliverer struct {
	mu       sync.Mutex
	messages []Message
	err      error
}

func (d *recordingDeliverer) Deliver(_ context.Context, msg Message) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.messages = append(d.messages, msg)
	return d.err
}

func (d *recordingDeliverer) sent() []Message {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Message(nil), d.messages...)
}

type fixture struct {
	repos      *persistence.Repositories
	registry   *rpc.Registry
	set        *Set
	dispatcher *rpc.Dispatcher
	bus        *recordingBus
	rooms      *recordingRooms
	store      *memStore
	deliverer  *recordingDeliverer
	logs       *observer.ObservedLogs
	now        time.Time
}

// newFixture wires every endpoint against an in-memory sqlite database.
// Options may swap dependencies before the endpoints are built.
func newFixture(t *testing.T, opts ...func(*Deps)) *fixture {
	t.Helper()
	db, err := persistence.NewDatabase(&config.DatabaseConfig{Driver: "sqlite", SQLitePath: ":memory:"})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate())
	t.Cleanup(func() { _ = db.Close() })

	repos := persistence.NewRepositories(db.DB)
	require.NoError(t, repos.Pipelines.Upsert(context.Background(),
		crm.Pipeline{ID: 142, Name: "Won"},
		crm.Pipeline{ID: 143, Name: "Lost"},
		crm.Pipeline{ID: stage, Name: "Follow up", Sort: 1},
	))

	core, logs := observer.New(zapcore.DebugLevel)
	logger := zap.New(core)
	f := &fixture{
		repos:     repos,
		bus:       &recordingBus{},
		rooms:     &recordingRooms{active: []string{"alena"}},
		store:     &memStore{values: map[string]any{"active-users": []string{"alena"}}},
		deliverer: &recordingDeliverer{},
		logs:      logs,
		now:       at(14, 11, 0),
	}
	clock := func() time.Time { return f.now }
	business := testBusiness()
	calendar := scheduler.NewCalendar(business,
		scheduler.WithClock(clock),
		scheduler.WithJitter(func(int) int { return 0 }),
	)

	f.registry = rpc.NewRegistry(f.bus)
	engine := scheduler.NewEngine(scheduler.Repositories{
		Rules:       repos.Rules,
		Pipelines:   repos.Pipelines,
		Leads:       repos.Leads,
		Tasks:       repos.Tasks,
		Assignments: repos.Assignments,
		Users:       repos.Users,
	}, scheduler.TasksVia(f.registry), scheduler.NotificationsVia(f.registry), calendar,
		scheduler.WithEngineLogger(logger),
		scheduler.WithReceivers("boss"),
	)

	deps := Deps{
		Registry:      f.registry,
		Leads:         repos.Leads,
		Tasks:         repos.Tasks,
		Rules:         repos.Rules,
		Pipelines:     repos.Pipelines,
		Users:         repos.Users,
		Sessions:      repos.Sessions,
		Logs:          repos.Logs,
		Notifications: repos.Notifications,
		Rooms:         f.rooms,
		Store:         f.store,
		Engine:        engine,
		Calendar:      calendar,
		Deliverer:     f.deliverer,
		Delivery:      retry.Policy{MaxAttempts: 2},
		Business:      business,
		Logger:        logger,
		Now:           clock,
	}
	for _, opt := range opts {
		opt(&deps)
	}
	f.set = New(deps)
	require.NoError(t, f.set.Register())
	f.registry.Seal()
	f.dispatcher = rpc.NewDispatcher(f.registry, rpc.NewSessionResolver(f.set.Users, f.set.Leads))
	return f
}

// staff creates a user with a live session and returns the session token
func (f *fixture) staff(t *testing.T, login string, grants ...identity.Grant) string {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.repos.Users.Create(ctx, &crm.User{
		Login:     login,
		Name:      login,
		Access:    identity.NewGrants(grants...),
		Messenger: "@" + login,
	}))
	token := crm.NewSessionToken()
	require.NoError(t, f.repos.Sessions.Create(ctx, &crm.Session{
		Token:     token,
		Login:     login,
		Created:   f.now.Unix(),
		Expire:    f.now.Add(time.Hour).Unix(),
		Confirmed: true,
	}))
	return token
}

func (f *fixture) lead(t *testing.T, l crm.Lead) crm.Lead {
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
	if l.CreatedAt.IsZero() {
		l.CreatedAt = f.now
	}
	if l.UpdatedAt.IsZero() {
		l.UpdatedAt = l.CreatedAt
	}
	require.NoError(t, f.repos.Leads.Create(context.Background(), &l))
	return l
}

func (f *fixture) task(t *testing.T, leadID, text string) crm.Task {
	t.Helper()
	task := crm.Task{
		ID:           crm.NewObjectID(),
		LeadID:       leadID,
		Text:         text,
		Priority:     crm.PriorityMiddle,
		Responsible:  "alena",
		Author:       "system",
		CompleteTill: f.now.Add(time.Hour),
		CreatedAt:    f.now,
		UpdatedAt:    f.now,
	}
	require.NoError(t, f.repos.Tasks.Create(context.Background(), &task))
	return task
}

// call dispatches a public call with a raw JSON payload
func (f *fixture) call(credential, endpoint, method, payload string) *rpc.Response {
	return f.dispatcher.Handle(context.Background(), rpc.Request{
		Endpoint:   endpoint,
		Method:     method,
		Credential: credential,
		Payload:    rpc.NewPayload([]byte(payload)),
	})
}

func (f *fixture) entries(t *testing.T, filter crm.LogFilter) []crm.LogEntry {
	t.Helper()
	entries, err := f.repos.Logs.Find(context.Background(), filter)
	require.NoError(t, err)
	return entries
}

func requireOK(t *testing.T, resp *rpc.Response) {
	t.Helper()
	require.Equal(t, 200, resp.Status, "response: %+v", resp.Data)
}

func TestSet_RegistersEveryEndpoint(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t,
		[]string{"leads", "logs", "notifications", "pipelines", "rules", "storage", "tasks", "users"},
		f.registry.Names(),
	)
}

func TestSet_StorageNeedsStore(t *testing.T) {
	set := New(Deps{Registry: rpc.NewRegistry(nil)})
	for _, ep := range set.Endpoints() {
		assert.NotEqual(t, "storage", ep.Name)
	}
}

func TestLeads_Add(t *testing.T) {
	f := newFixture(t)
	token := f.staff(t, "alena", identity.LeadsCanAddLeads)

	resp := f.call(token, "leads", "add", `{"contacts":[{"phone":123}]}`)
	requireOK(t, resp)

	lead, ok := resp.Data.(*crm.Lead)
	require.True(t, ok, "got %T", resp.Data)
	require.Len(t, lead.Contacts, 1)
	assert.True(t, crm.IsObjectID(lead.Contacts[0].ID))
	assert.Equal(t, crm.PhoneNumber("123"), lead.Contacts[0].Phone)
	assert.Equal(t, stage, lead.StatusID)
	assert.Equal(t, "maria", lead.Responsible)

	stored, err := f.repos.Leads.FindByID(context.Background(), lead.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)

	entries := f.entries(t, crm.LogFilter{Type: "lead", Event: "add"})
	require.Len(t, entries, 1)
	assert.Equal(t, lead.ID, entries[0].Ref)
	assert.Equal(t, "alena", entries[0].Author)
	assert.True(t, f.now.Equal(entries[0].Time))

	assert.ElementsMatch(t, []string{TagLogs, TagLeads}, f.bus.published())
}

func TestLeads_AddDenied(t *testing.T) {
	f := newFixture(t)
	noGrant := f.staff(t, "olga", identity.LeadsCanSeeLeads)

	tests := []struct {
		name       string
		credential string
	}{
		{"anonymous", ""},
		{"unknown session", crm.NewSessionToken()},
		{"staff without grant", noGrant},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := f.call(tt.credential, "leads", "add", `{"contacts":[{"phone":123}]}`)
			assert.Equal(t, 403, resp.Status)
			assert.Equal(t, rpc.ErrorBody{Error: "Access denied"}, resp.Data)
		})
	}

	leads, err := f.repos.Leads.FindAll(context.Background(), crm.LeadFilter{})
	require.NoError(t, err)
	assert.Empty(t, leads)
	assert.Empty(t, f.entries(t, crm.LogFilter{}))
	assert.Empty(t, f.bus.published())
}

func TestLeads_UnknownMethod(t *testing.T) {
	f := newFixture(t)
	token := f.staff(t, "alena", identity.TasksCanAddTasks)

	assert.Equal(t, 404, f.call(token, "leads", "nope", `{}`).Status)
	assert.Equal(t, 404, f.call(token, "nope", "get", `{}`).Status)
	// internal members are not reachable from outside
	assert.Equal(t, 404, f.call(token, "tasks", "scheduleTasks", `{}`).Status)
	assert.Equal(t, 404, f.call(token, "leads", "checkClient", `{}`).Status)
}

func TestLeads_Get(t *testing.T) {
	f := newFixture(t)
	own := f.lead(t, crm.Lead{Responsible: "maria"})
	managed := f.lead(t, crm.Lead{Responsible: "olga", Managers: []string{"maria"}})
	foreign := f.lead(t, crm.Lead{Responsible: "olga"})

	maria := f.staff(t, "maria", identity.LeadsCanSeeLeads)
	boss := f.staff(t, "boss", identity.LeadsCanSeeLeads, identity.LeadsCanSeeAllLeads)

	t.Run("managers see their own leads", func(t *testing.T) {
		resp := f.call(maria, "leads", "get", `{}`)
		requireOK(t, resp)
		leads := resp.Data.([]crm.Lead)
		require.Len(t, leads, 2)
		ids := []string{leads[0].ID, leads[1].ID}
		assert.ElementsMatch(t, []string{own.ID, managed.ID}, ids)
	})

	t.Run("single lead outside the scope is hidden", func(t *testing.T) {
		resp := f.call(maria, "leads", "get", `{"_id":"`+foreign.ID+`"}`)
		requireOK(t, resp)
		assert.Nil(t, resp.Data)

		resp = f.call(maria, "leads", "get", `{"_id":"`+managed.ID+`"}`)
		requireOK(t, resp)
		assert.Equal(t, managed.ID, resp.Data.(*crm.Lead).ID)
	})

	t.Run("seeing all leads lifts the restriction", func(t *testing.T) {
		resp := f.call(boss, "leads", "get", `{"limit":10}`)
		requireOK(t, resp)
		assert.Len(t, resp.Data.([]crm.Lead), 3)
	})
}

func TestLeads_Change(t *testing.T) {
	f := newFixture(t)
	editor := f.staff(t, "maria", identity.LeadsCanEditLeads)
	chief := f.staff(t, "boss", identity.LeadsCanEditLeads, identity.LeadsCanChangeResponsible)
	lead := f.lead(t, crm.Lead{Responsible: "alena"})
	open := f.task(t, lead.ID, "Call")
	done := f.task(t, lead.ID, "Send the offer")
	_, err := f.repos.Tasks.Update(context.Background(), done.ID, map[string]any{"status": true})
	require.NoError(t, err)

	t.Run("sets one field and logs old and new values", func(t *testing.T) {
		resp := f.call(editor, "leads", "change", `{"lead":"`+lead.ID+`","key":"status_id","value":152}`)
		requireOK(t, resp)
		assert.Equal(t, 152, resp.Data.(*crm.Lead).StatusID)

		entries := f.entries(t, crm.LogFilter{Type: "lead", Event: "change", Ref: lead.ID})
		require.Len(t, entries, 1)
		assert.Equal(t, "status_id", entries[0].Data["field"])
		assert.Equal(t, float64(stage), entries[0].Data["oldValue"])
		assert.Equal(t, float64(152), entries[0].Data["newValue"])
		assert.Equal(t, "maria", entries[0].Author)
	})

	t.Run("responsible needs its own grant", func(t *testing.T) {
		resp := f.call(editor, "leads", "change", `{"lead":"`+lead.ID+`","key":"responsible","value":"olga"}`)
		requireOK(t, resp)
		assert.Nil(t, resp.Data)

		stored, err := f.repos.Leads.FindByID(context.Background(), lead.ID)
		require.NoError(t, err)
		assert.Equal(t, "alena", stored.Responsible)
	})

	t.Run("new responsible takes over open tasks", func(t *testing.T) {
		resp := f.call(chief, "leads", "change", `{"lead":"`+lead.ID+`","key":"responsible","value":"olga"}`)
		requireOK(t, resp)
		assert.Equal(t, "olga", resp.Data.(*crm.Lead).Responsible)

		got, err := f.repos.Tasks.FindByID(context.Background(), open.ID)
		require.NoError(t, err)
		assert.Equal(t, "olga", got.Responsible)
		got, err = f.repos.Tasks.FindByID(context.Background(), done.ID)
		require.NoError(t, err)
		assert.Equal(t, "alena", got.Responsible)
	})

	t.Run("single contacts are ignored", func(t *testing.T) {
		resp := f.call(editor, "leads", "change", `{"lead":"`+lead.ID+`","key":"contacts.0.name","value":"Ivan"}`)
		requireOK(t, resp)
		assert.Nil(t, resp.Data)
	})

	t.Run("unknown fields are rejected", func(t *testing.T) {
		resp := f.call(editor, "leads", "change", `{"lead":"`+lead.ID+`","key":"_id","value":"x"}`)
		assert.Equal(t, 400, resp.Status)
	})

	t.Run("missing lead key is rejected", func(t *testing.T) {
		resp := f.call(editor, "leads", "change", `{"key":"city","value":"Paris"}`)
		assert.Equal(t, 400, resp.Status)
	})
}

func TestLeads_DeleteRemovesTasks(t *testing.T) {
	f := newFixture(t)
	token := f.staff(t, "boss", identity.LeadsCanDeleteLeads)
	lead := f.lead(t, crm.Lead{})
	f.task(t, lead.ID, "Call")
	f.task(t, lead.ID, "Send the offer")
	other := f.lead(t, crm.Lead{})
	kept := f.task(t, other.ID, "Call")

	resp := f.call(token, "leads", "delete", `{"_id":"`+lead.ID+`"}`)
	requireOK(t, resp)

	ctx := context.Background()
	stored, err := f.repos.Leads.FindByID(ctx, lead.ID)
	require.NoError(t, err)
	assert.Nil(t, stored)

	tasks, err := f.repos.Tasks.FindAll(ctx, crm.TaskFilter{})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, kept.ID, tasks[0].ID)

	assert.Len(t, f.entries(t, crm.LogFilter{Type: "task", Event: "delete"}), 2)
	assert.Len(t, f.entries(t, crm.LogFilter{Type: "lead", Event: "delete", Ref: lead.ID}), 1)
}

func TestLeads_GetContacts(t *testing.T) {
	f := newFixture(t)
	lead := f.lead(t, crm.Lead{Contacts: []crm.Contact{
		{ID: crm.NewObjectID(), Name: "Ivan", Phone: "79161234567"},
	}})
	staff := f.staff(t, "alena", identity.LeadsCanSeeLeads)

	resp := f.call(lead.ID, "leads", "getContacts", `{}`)
	requireOK(t, resp)
	cards := resp.Data.([]contactCard)
	require.Len(t, cards, 1)
	assert.Equal(t, "Ivan", cards[0].Name)

	assert.Equal(t, 403, f.call(staff, "leads", "getContacts", `{}`).Status)
	assert.Equal(t, 403, f.call(crm.NewObjectID(), "leads", "getContacts", `{}`).Status)
}

func TestLeads_CheckClient(t *testing.T) {
	f := newFixture(t)
	lead := f.lead(t, crm.Lead{
		Responsible: "olga",
		Contacts:    []crm.Contact{{ID: "c1"}, {ID: "c2"}},
	})
	ctx := context.Background()

	customer, err := f.set.Leads.CheckClient(ctx, lead.ID)
	require.NoError(t, err)
	require.NotNil(t, customer)
	assert.Equal(t, "olga", customer.Responsible)
	assert.Equal(t, []string{"c1", "c2"}, customer.Contacts)

	customer, err = f.set.Leads.CheckClient(ctx, "not-an-id")
	require.NoError(t, err)
	assert.Nil(t, customer)

	out, err := f.registry.Call(ctx, "leads", "checkClient", mustPayload(byID{ID: lead.ID}), nil)
	require.NoError(t, err)
	assert.Equal(t, lead.ID, out.(*identity.Customer).LeadID)
}

func TestJournal_FailureIsLogged(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	// an unsealed registry refuses internal calls
	j := journal{registry: rpc.NewRegistry(nil), logger: zap.New(core)}

	j.record(context.Background(), crm.LogEntry{Type: "lead", Event: "add"})

	entries := logs.FilterMessage("Failed to write log entry").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "add", entries[0].ContextMap()["event"])
}
