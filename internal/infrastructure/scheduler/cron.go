package scheduler

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Schedule is a parsed five-field cron expression. Day of month and month
// must be "*".
type Schedule struct {
	Minutes  map[int]bool
	Hours    map[int]bool
	Weekdays map[time.Weekday]bool
	expr     string
}

// ParseSchedule parses "minute hour * * weekday". Fields accept "*", single
// values, comma lists and ranges such as "1-5".
func ParseSchedule(expr string) (Schedule, error) {
	parts := strings.Fields(expr)
	if len(parts) != 5 {
		return Schedule{}, fmt.Errorf("%w: %q needs 5 fields", ErrInvalidSchedule, expr)
	}
	if parts[2] != "*" || parts[3] != "*" {
		return Schedule{}, fmt.Errorf("%w: %q day of month and month must be *", ErrInvalidSchedule, expr)
	}
	minutes, err := parseField(parts[0], 0, 59)
	if err != nil {
		return Schedule{}, fmt.Errorf("%w: minute: %v", ErrInvalidSchedule, err)
	}
	hours, err := parseField(parts[1], 0, 23)
	if err != nil {
		return Schedule{}, fmt.Errorf("%w: hour: %v", ErrInvalidSchedule, err)
	}
	days, err := parseField(parts[4], 0, 7)
	if err != nil {
		return Schedule{}, fmt.Errorf("%w: weekday: %v", ErrInvalidSchedule, err)
	}
	weekdays := make(map[time.Weekday]bool, len(days))
	for d := range days {
		// 7 is Sunday as in crontab
		weekdays[time.Weekday(d%7)] = true
	}
	return Schedule{Minutes: minutes, Hours: hours, Weekdays: weekdays, expr: expr}, nil
}

// MustParseSchedule is ParseSchedule for constant expressions
func MustParseSchedule(expr string) Schedule {
	s, err := ParseSchedule(expr)
	if err != nil {
		panic(err)
	}
	return s
}

// HoursSchedule builds "minute h1,h2,... * * weekdays"
func HoursSchedule(minute int, hours []int, weekdays string) (Schedule, error) {
	hs := make([]string, 0, len(hours))
	for _, h := range hours {
		hs = append(hs, strconv.Itoa(h))
	}
	return ParseSchedule(fmt.Sprintf("%d %s * * %s", minute, strings.Join(hs, ","), weekdays))
}

func parseField(field string, lo, hi int) (map[int]bool, error) {
	out := make(map[int]bool)
	if field == "*" {
		for v := lo; v <= hi; v++ {
			out[v] = true
		}
		return out, nil
	}
	for _, part := range strings.Split(field, ",") {
		from, to, isRange := strings.Cut(part, "-")
		a, err := strconv.Atoi(from)
		if err != nil {
			return nil, fmt.Errorf("bad value %q", part)
		}
		b := a
		if isRange {
			if b, err = strconv.Atoi(to); err != nil {
				return nil, fmt.Errorf("bad range %q", part)
			}
		}
		if a < lo || b > hi || a > b {
			return nil, fmt.Errorf("%q outside %d-%d", part, lo, hi)
		}
		for v := a; v <= b; v++ {
			out[v] = true
		}
	}
	return out, nil
}

// Matches reports whether t falls on a scheduled minute
func (s Schedule) Matches(t time.Time) bool {
	return s.Minutes[t.Minute()] && s.Hours[t.Hour()] && s.Weekdays[t.Weekday()]
}

// String returns the source expression
func (s Schedule) String() string {
	return s.expr
}

// Job is a named action run on a schedule
type Job struct {
	Name     string
	Schedule Schedule
	Run      func(ctx context.Context) error
	Timeout  time.Duration
}

// CronConfig holds configuration for the cron runner
type CronConfig struct {
	// CheckInterval is how often the clock is compared to the schedules
	CheckInterval time.Duration
	// Location is the zone schedules are expressed in
	Location *time.Location
}

// DefaultCronConfig returns default cron configuration
func DefaultCronConfig() CronConfig {
	return CronConfig{
		CheckInterval: time.Minute,
		Location:      time.Local,
	}
}

// Cron runs jobs when their schedule matches the wall clock. A job runs at
// most once per scheduled minute and never overlaps itself.
type Cron struct {
	config CronConfig
	jobs   []Job
	logger *zap.Logger
	now    func() time.Time

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	mu        sync.Mutex
	isRunning bool
	lastRun   map[string]string
	running   map[string]bool
}

// NewCron creates a cron runner
func NewCron(config CronConfig, logger *zap.Logger, jobs ...Job) *Cron {
	if config.CheckInterval <= 0 {
		config.CheckInterval = time.Minute
	}
	if config.Location == nil {
		config.Location = time.Local
	}
	return &Cron{
		config:  config,
		jobs:    jobs,
		logger:  logger,
		now:     time.Now,
		lastRun: make(map[string]string),
		running: make(map[string]bool),
	}
}

// Jobs lists the registered job names
func (c *Cron) Jobs() []string {
	names := make([]string, 0, len(c.jobs))
	for _, j := range c.jobs {
		names = append(names, j.Name)
	}
	sort.Strings(names)
	return names
}

// Start starts the cron loop
func (c *Cron) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.isRunning {
		c.mu.Unlock()
		return nil
	}
	c.isRunning = true
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.mu.Unlock()

	c.wg.Add(1)
	go c.runLoop(ctx)

	for _, j := range c.jobs {
		c.logger.Info("Cron job registered",
			zap.String("job", j.Name),
			zap.String("schedule", j.Schedule.String()),
		)
	}
	return nil
}

// Stop stops the loop and waits for running jobs
func (c *Cron) Stop(ctx context.Context) error {
	c.mu.Lock()
	if !c.isRunning {
		c.mu.Unlock()
		return nil
	}
	c.isRunning = false
	cancel := c.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		c.logger.Info("Cron stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Cron) runLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.config.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.checkAndTrigger(ctx)
		}
	}
}

// checkAndTrigger starts every job due at the current minute
func (c *Cron) checkAndTrigger(ctx context.Context) {
	now := c.now().In(c.config.Location)
	slot := now.Format("2006-01-02T15:04")

	for _, job := range c.jobs {
		if !job.Schedule.Matches(now) {
			continue
		}
		c.mu.Lock()
		if c.lastRun[job.Name] == slot || c.running[job.Name] {
			c.mu.Unlock()
			continue
		}
		c.lastRun[job.Name] = slot
		c.running[job.Name] = true
		c.mu.Unlock()

		c.wg.Add(1)
		go func(job Job) {
			defer c.wg.Done()
			defer func() {
				c.mu.Lock()
				c.running[job.Name] = false
				c.mu.Unlock()
			}()
			c.execute(ctx, job)
		}(job)
	}
}

// Trigger runs a job immediately, regardless of its schedule
func (c *Cron) Trigger(ctx context.Context, name string) error {
	for _, job := range c.jobs {
		if job.Name == name {
			return c.execute(ctx, job)
		}
	}
	return fmt.Errorf("%w: %s", ErrJobNotFound, name)
}

func (c *Cron) execute(ctx context.Context, job Job) (err error) {
	if job.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, job.Timeout)
		defer cancel()
	}
	start := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("job %s panicked: %v", job.Name, rec)
		}
		if err != nil {
			c.logger.Error("Cron job failed", zap.String("job", job.Name), zap.Error(err))
			return
		}
		c.logger.Info("Cron job finished",
			zap.String("job", job.Name),
			zap.Duration("took", time.Since(start)),
		)
	}()
	return job.Run(ctx)
}
