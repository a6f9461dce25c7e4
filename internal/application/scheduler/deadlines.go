package scheduler

import (
	"math/rand/v2"
	"time"

	"github.com/globus/atlas/internal/domain/crm"
	"github.com/globus/atlas/internal/infrastructure/config"
	"github.com/nyaruka/phonenumbers"
)

// maxLookahead bounds the search for the next working day
const maxLookahead = 366

// Calendar knows the business working hours and holidays and computes task
// deadlines from them. All wall-clock arithmetic happens in the business
// location.
type Calendar struct {
	loc          *time.Location
	workStart    int
	workEnd      int
	clientStart  int
	clientEnd    int
	deadlineHour int
	holidays     map[string]struct{}
	jitter       func(n int) int
	now          func() time.Time
}

// CalendarOption configures a Calendar
type CalendarOption func(*Calendar)

// WithJitter replaces the random minute source. jitter(n) must return a
// value in [0, n).
func WithJitter(jitter func(n int) int) CalendarOption {
	return func(c *Calendar) {
		c.jitter = jitter
	}
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) CalendarOption {
	return func(c *Calendar) {
		c.now = now
	}
}

// NewCalendar builds a calendar from the business configuration
func NewCalendar(cfg config.BusinessConfig, opts ...CalendarOption) *Calendar {
	c := &Calendar{
		loc:          cfg.Location(),
		workStart:    cfg.WorkStartHour,
		workEnd:      cfg.WorkEndHour,
		clientStart:  cfg.ClientStartHour,
		clientEnd:    cfg.ClientEndHour,
		deadlineHour: cfg.DeadlineHour,
		holidays:     make(map[string]struct{}, len(cfg.Holidays)),
		jitter:       rand.IntN,
		now:          time.Now,
	}
	for _, day := range cfg.Holidays {
		c.holidays[day] = struct{}{}
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Location returns the business time zone
func (c *Calendar) Location() *time.Location {
	return c.loc
}

// IsHoliday reports whether t falls on a configured public holiday
func (c *Calendar) IsHoliday(t time.Time) bool {
	_, ok := c.holidays[t.In(c.loc).Format(time.DateOnly)]
	return ok
}

// IsWorkday reports a Monday to Friday that is not a holiday
func (c *Calendar) IsWorkday(t time.Time) bool {
	wd := t.In(c.loc).Weekday()
	return wd != time.Saturday && wd != time.Sunday && !c.IsHoliday(t)
}

// IsWorkingTime reports whether staff are expected to be at their desks.
// Saturdays count, Sundays and holidays do not.
func (c *Calendar) IsWorkingTime(t time.Time) bool {
	local := t.In(c.loc)
	if local.Weekday() == time.Sunday || c.IsHoliday(local) {
		return false
	}
	return local.Hour() >= c.workStart && local.Hour() <= c.deadlineHour
}

// SameDay reports whether a and b share a calendar day in the business location
func (c *Calendar) SameDay(a, b time.Time) bool {
	return dayOf(a, c.loc) == dayOf(b, c.loc)
}

// DayReached reports whether now is on or after the calendar day of t
func (c *Calendar) DayReached(now, t time.Time) bool {
	return !dayOf(now, c.loc).Before(dayOf(t, c.loc))
}

// CompleteTime returns the deadline of a task created for t. Urgent tasks
// during working hours today are due in half an hour. Otherwise the task is
// due at the deadline hour of the first workday that still has time left.
func (c *Calendar) CompleteTime(t time.Time, priority crm.Priority) time.Time {
	t = t.In(c.loc)
	if priority == crm.PriorityHigh && c.IsWorkingTime(t) && c.SameDay(t, c.now()) {
		return t.Add(30 * time.Minute)
	}
	for range maxLookahead {
		if c.IsWorkday(t) {
			today := c.SameDay(t, c.now())
			if !today || t.Hour() < c.deadlineHour-1 {
				y, m, d := t.Date()
				return time.Date(y, m, d, c.deadlineHour, c.jitter(60), 0, 0, c.loc)
			}
		}
		t = t.AddDate(0, 0, 1)
	}
	return t
}

// PhoneCallTime moves desired into the overlap of the client's waking hours
// in tz and the business working hours, on the same business day. Without
// an overlap desired is returned unchanged.
func (c *Calendar) PhoneCallTime(tz *time.Location, desired time.Time) time.Time {
	y, m, d := desired.In(c.loc).Date()
	clientStart := time.Date(y, m, d, c.clientStart, 0, 0, 0, tz)
	clientEnd := time.Date(y, m, d, c.clientEnd, 0, 0, 0, tz)
	workStart := time.Date(y, m, d, c.workStart, 0, 0, 0, c.loc)
	workEnd := time.Date(y, m, d, c.workEnd, 0, 0, 0, c.loc)

	start := workStart
	if clientStart.After(start) {
		start = clientStart
	}
	end := workEnd
	if clientEnd.Before(end) {
		end = clientEnd
	}
	minutes := int(end.Sub(start) / time.Minute)
	if minutes <= 0 {
		return desired
	}
	return start.Add(time.Duration(c.jitter(minutes)) * time.Minute).In(c.loc)
}

// DeadlineFor combines CompleteTime with PhoneCallTime for leads whose
// number maps to a time zone.
func (c *Calendar) DeadlineFor(t time.Time, priority crm.Priority, number crm.PhoneNumber) time.Time {
	deadline := c.CompleteTime(t, priority)
	if tz, ok := TimezoneForNumber(number); ok {
		return c.PhoneCallTime(tz, deadline)
	}
	return deadline
}

// TimezoneForNumber maps an international number to the first time zone
// its prefix is assigned to.
func TimezoneForNumber(number crm.PhoneNumber) (*time.Location, bool) {
	if number == "" {
		return nil, false
	}
	parsed, err := phonenumbers.Parse(number.E164(), "")
	if err != nil {
		return nil, false
	}
	zones, err := phonenumbers.GetTimezonesForNumber(parsed)
	if err != nil {
		return nil, false
	}
	for _, name := range zones {
		if name == "" || name == "Etc/Unknown" {
			continue
		}
		if loc, err := time.LoadLocation(name); err == nil {
			return loc, true
		}
	}
	return nil, false
}

func dayOf(t time.Time, loc *time.Location) time.Time {
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}
