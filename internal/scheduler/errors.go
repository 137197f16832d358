package scheduler

import "errors"

var (
	// ErrBadSchedule wraps cron parse failures.
	ErrBadSchedule = errors.New("unparseable cron schedule")
)
