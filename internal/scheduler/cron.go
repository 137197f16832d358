package scheduler

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Standard 5-field cron only: minute, hour, day-of-month, month, day-of-week.
// No seconds field, no "@" descriptors.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ParseSchedule parses a 5-field cron expression.
func ParseSchedule(spec string) (cron.Schedule, error) {
	sched, err := cronParser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrBadSchedule, spec, err)
	}
	return sched, nil
}

// NextOccurrence returns the earliest instant strictly after `after` matching
// spec, in UTC. The spec is re-parsed on every call; scheduling decisions are
// infrequent enough that correctness wins over caching.
//
// A zero return (no occurrence within the evaluator's horizon) means the
// schedule never fires; callers must treat it as not-runnable.
func NextOccurrence(spec string, after time.Time) (time.Time, error) {
	sched, err := ParseSchedule(spec)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after.UTC()), nil
}
