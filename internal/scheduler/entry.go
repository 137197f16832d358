package scheduler

import (
	"sync"
	"time"

	"hivecron/internal/host"
)

// Entry is the per-(tenant, task) bookkeeping record. All fields are guarded
// by mu; accessors return clones so no internal reference escapes.
type Entry struct {
	mu sync.Mutex

	key           TaskKey
	referenceTime time.Time
	settings      host.TaskSettings
	state         State

	// badSchedule latches a cron parse failure; the entry is not runnable
	// until settings change.
	badSchedule bool
}

func newEntry(key TaskKey, referenceTime time.Time) *Entry {
	e := &Entry{key: key, referenceTime: referenceTime.UTC()}
	e.state.Status = StatusUndefined
	return e
}

func (e *Entry) Key() TaskKey { return e.key }

// Settings returns a cloned settings snapshot.
func (e *Entry) Settings() host.TaskSettings {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.settings.Clone()
}

// State returns a cloned state snapshot.
func (e *Entry) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.Clone()
}

// ReferenceTime returns the instant the cadence is currently computed from.
func (e *Entry) ReferenceTime() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.referenceTime
}

// CanRun reports whether the entry is due: enabled, idle or faulted, and the
// schedule's next occurrence after the reference time has elapsed.
func (e *Entry) CanRun(now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.canRunLocked(now)
}

func (e *Entry) canRunLocked(now time.Time) bool {
	if e.badSchedule || !e.settings.Enable {
		return false
	}
	if st := e.state.Status; st != StatusIdle && st != StatusFaulted {
		return false
	}
	next, err := NextOccurrence(e.settings.Schedule, e.referenceTime)
	if err != nil || next.IsZero() {
		return false
	}
	return !now.UTC().Before(next)
}

// TryRun atomically checks CanRun and transitions to Running. The check and
// the transition share one critical section so a key never has two runs
// admitted concurrently.
func (e *Entry) TryRun(now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.canRunLocked(now) {
		return false
	}
	e.runLocked(now)
	return true
}

// Run transitions to Running.
func (e *Entry) Run(now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.runLocked(now)
}

func (e *Entry) runLocked(now time.Time) {
	now = now.UTC()
	e.state.Status = StatusRunning
	e.state.StartedUTC = now
	// The cadence restarts from the run start: the next occurrence is
	// computed against the moment the task last fired, not process start.
	e.referenceTime = now
	e.refreshNextLocked()
}

// Idle marks a run completed.
func (e *Entry) Idle(now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state.Status = StatusIdle
	e.state.StoppedUTC = now.UTC()
	e.state.LastError = ""
	e.refreshNextLocked()
}

// Fault marks a run failed.
func (e *Entry) Fault(now time.Time, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.faultLocked(now, err)
}

func (e *Entry) faultLocked(now time.Time, err error) {
	e.state.Status = StatusFaulted
	e.state.StoppedUTC = now.UTC()
	if err != nil {
		e.state.LastError = err.Error()
	}
	e.refreshNextLocked()
}

// ApplySettings adopts a cloned settings snapshot. A schedule change resets
// the reference time so the new cadence starts fresh; the first settings a
// fresh entry adopts keep the reference time it was created with. An
// unparseable schedule faults the entry until settings change again.
func (e *Entry) ApplySettings(settings host.TaskSettings, now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()

	scheduleChanged := settings.Schedule != e.settings.Schedule
	if scheduleChanged && !e.settings.None() {
		e.referenceTime = now.UTC()
	}
	e.settings = settings.Clone()

	if e.state.Status == StatusUndefined && !settings.None() {
		e.state.Status = StatusIdle
	}

	if _, err := ParseSchedule(e.settings.Schedule); err != nil {
		if scheduleChanged || !e.badSchedule {
			e.badSchedule = true
			e.faultLocked(now, err)
		}
		return
	}
	e.badSchedule = false
	e.refreshNextLocked()
}

// Command applies an operator command synchronously against the entry.
func (e *Entry) Command(code CommandCode, now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch code {
	case CommandEnable:
		e.settings.Enable = true
		if e.state.Status == StatusDisabled {
			e.state.Status = StatusIdle
		}
	case CommandDisable:
		e.settings.Enable = false
		e.state.Status = StatusDisabled
	case CommandResetState:
		e.state.Status = StatusIdle
		e.state.LastError = ""
		e.referenceTime = now.UTC()
		e.refreshNextLocked()
	}
}

func (e *Entry) refreshNextLocked() {
	next, err := NextOccurrence(e.settings.Schedule, e.referenceTime)
	if err != nil {
		e.state.NextStartUTC = time.Time{}
		return
	}
	e.state.NextStartUTC = next
}

// snapshot returns the combined admin view.
func (e *Entry) snapshot() TaskInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	return TaskInfo{Key: e.key, Settings: e.settings.Clone(), State: e.state.Clone()}
}
