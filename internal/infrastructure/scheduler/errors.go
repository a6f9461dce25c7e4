package scheduler

import "errors"

var (
	// ErrInvalidSchedule is returned for cron expressions that cannot be parsed
	ErrInvalidSchedule = errors.New("invalid cron schedule")

	// ErrJobNotFound is returned when triggering an unknown job
	ErrJobNotFound = errors.New("job not found")
)
