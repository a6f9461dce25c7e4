package crm

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObjectIDs(t *testing.T) {
	id := NewObjectID()
	assert.Len(t, id, 24)
	assert.True(t, IsObjectID(id))
	assert.NotEqual(t, id, NewObjectID())

	assert.False(t, IsObjectID("not-an-id"))
	assert.False(t, IsObjectID("5f1b2c3d4e5f6a7b8c9d0e1"))
	assert.True(t, IsObjectID("5F1B2C3D4E5F6A7B8C9D0E1F"))

	token := NewSessionToken()
	assert.Len(t, token, 64)
	assert.NotEqual(t, token, NewSessionToken())
}

func TestLead_DateField(t *testing.T) {
	created := time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC)
	arrival := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	lead := &Lead{
		CreatedAt: created,
		Dates:     map[string]time.Time{"arrivalDate": arrival},
	}

	tests := []struct {
		field string
		want  time.Time
		ok    bool
	}{
		{"created_at", created, true},
		{"updated_at", time.Time{}, false},
		{"doNotDisturbTill", time.Time{}, false},
		{"arrivalDate", arrival, true},
		{"orderDate", time.Time{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.field, func(t *testing.T) {
			got, ok := lead.DateField(tt.field)
			assert.Equal(t, tt.ok, ok)
			assert.True(t, tt.want.Equal(got))
		})
	}
}

func TestLead_Helpers(t *testing.T) {
	lead := &Lead{
		ContactName: "ivan PETROV",
		Country:     "Russia",
		WhatsApp:    "79161234567",
		Managers:    []string{"maria"},
		Contacts:    []Contact{{ID: "a"}, {ID: "b"}},
	}
	assert.Equal(t, "Ivan Petrov Russia", lead.DisplayName())
	assert.Equal(t, PhoneNumber("79161234567"), lead.Number())
	lead.Phone = "8613800138000"
	assert.Equal(t, PhoneNumber("8613800138000"), lead.Number())
	assert.True(t, lead.HasManager("maria"))
	assert.False(t, lead.HasManager("alena"))
	assert.Equal(t, []string{"a", "b"}, lead.ContactIDs())
	assert.Equal(t, "Incognito", (&Lead{}).DisplayName())
}

func TestRateClient(t *testing.T) {
	tests := []struct {
		price int64
		want  int
	}{
		{0, 0},
		{315000, 0},
		{315001, 1},
		{630001, 2},
		{1260001, 3},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, RateClient(decimal.NewFromInt(tt.price), 7), "price %d", tt.price)
	}
}

func TestRuleAndTask(t *testing.T) {
	r := &Rule{PipelineID: 0}
	assert.True(t, r.AppliesTo(151))
	r.PipelineID = 200
	assert.True(t, r.AppliesTo(200))
	assert.False(t, r.AppliesTo(151))
	assert.Equal(t, PriorityMiddle, r.TaskPriority())
	r.Priority = PriorityHigh
	assert.Equal(t, PriorityHigh, r.TaskPriority())

	now := time.Now()
	assert.True(t, (&Task{}).IsOpen())
	assert.False(t, (&Task{Status: true}).IsOpen())
	assert.False(t, (&Task{DeletedAt: &now}).IsOpen())

	s := &Session{Expire: now.Unix() + 10, Confirmed: true}
	assert.True(t, s.Live(now))
	assert.False(t, s.Live(now.Add(time.Minute)))
	s.Confirmed = false
	assert.False(t, s.Live(now))
}

func TestPhoneNumber_UnmarshalJSON(t *testing.T) {
	var c Contact
	require.NoError(t, json.Unmarshal([]byte(`{"_id":"a","phone":79161234567,"whatsapp":"+86 138-0013-8000"}`), &c))
	assert.Equal(t, PhoneNumber("79161234567"), c.Phone)
	assert.Equal(t, PhoneNumber("8613800138000"), c.WhatsApp)
	assert.Equal(t, "+79161234567", c.Phone.E164())

	require.NoError(t, json.Unmarshal([]byte(`{"phone":null}`), &c))
	assert.Empty(t, c.Phone)
	assert.Empty(t, c.Phone.E164())

	assert.Error(t, json.Unmarshal([]byte(`{"phone":true}`), &c))
}
