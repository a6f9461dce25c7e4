package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/globus/atlas/internal/domain/crm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// manualTimer fires only when the test says so
type manualTimer struct {
	mu      sync.Mutex
	after   time.Duration
	fn      func()
	stopped bool
	fired   bool
}

func (m *manualTimer) Stop() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped || m.fired {
		return false
	}
	m.stopped = true
	return true
}

func (m *manualTimer) fire() {
	m.mu.Lock()
	if m.stopped || m.fired {
		m.mu.Unlock()
		return
	}
	m.fired = true
	m.mu.Unlock()
	m.fn()
}

func TestOverdueAlerter(t *testing.T) {
	now := at(14, 11, 0)
	f := newEngineFixture(t, now)
	ctx := context.Background()
	lead := f.lead(t, crm.Lead{CreatedAt: at(1, 10, 0), ContactName: "ivan petrov", Country: "Russia"})

	mk := func(text, responsible string, due time.Time) crm.Task {
		task := crm.Task{
			ID: crm.NewObjectID(), LeadID: lead.ID, Text: text, Responsible: responsible,
			Priority: crm.PriorityHigh, CompleteTill: due, CreatedAt: now, UpdatedAt: now,
		}
		require.NoError(t, f.repos.Tasks.Create(ctx, &task))
		return task
	}
	soon := mk("Call back", "maria", now.Add(30*time.Minute))
	unowned := mk("Send invoice", "", now.Add(time.Hour))
	done := mk("Already done", "alena", now.Add(90*time.Minute))
	mk("Far away", "alena", now.Add(5*time.Hour))
	mk("Already late", "alena", now.Add(-time.Hour))

	var timers []*manualTimer
	alerter := NewOverdueAlerter(f.repos.Tasks, f.repos.Leads, f.notifier,
		WithOverdueClock(func() time.Time { return now }),
		WithOverdueWindow(2*time.Hour),
		WithFallbackReceivers("andrei"),
	)
	alerter.afterFunc = func(d time.Duration, fn func()) timer {
		mt := &manualTimer{after: d, fn: fn}
		timers = append(timers, mt)
		return mt
	}

	n, err := alerter.Arm(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, 3, alerter.Pending())
	require.Len(t, timers, 3)
	assert.Equal(t, 30*time.Minute, timers[0].after)

	_, err = f.repos.Tasks.Update(ctx, done.ID, map[string]any{"status": true})
	require.NoError(t, err)

	f.notifier.On("Notify", mock.Anything, mock.MatchedBy(func(n crm.Notification) bool {
		return n.Title == "Ivan Petrov Russia task overdue" &&
			n.Description == soon.Text &&
			assert.ObjectsAreEqual([]string{"maria"}, n.Receivers) &&
			n.Action == OverdueAction &&
			n.LeadID == lead.ID &&
			n.Priority == crm.PriorityHigh
	})).Return(nil).Once()
	f.notifier.On("Notify", mock.Anything, mock.MatchedBy(func(n crm.Notification) bool {
		return n.Description == unowned.Text && assert.ObjectsAreEqual([]string{"andrei"}, n.Receivers)
	})).Return(nil).Once()

	for _, mt := range timers {
		mt.fire()
	}
	f.notifier.AssertExpectations(t)
	f.notifier.AssertNumberOfCalls(t, "Notify", 2)

	t.Run("rearming replaces pending timers", func(t *testing.T) {
		timers = nil
		_, err := alerter.Arm(ctx)
		require.NoError(t, err)
		first := timers

		_, err = alerter.Arm(ctx)
		require.NoError(t, err)
		for _, mt := range first {
			assert.True(t, mt.stopped)
		}

		alerter.Stop()
		assert.Zero(t, alerter.Pending())
	})
}
