package scheduler

import (
	"time"

	"hivecron/internal/eventbus"
)

// TaskEvent is published on the event bus for task lifecycle transitions.
type TaskEvent struct {
	RunID      string        `json:"run_id"`
	Tenant     string        `json:"tenant"`
	Task       string        `json:"task"`
	StartedUTC time.Time     `json:"started_utc"`
	Duration   time.Duration `json:"duration,omitempty"`
	Error      string        `json:"error,omitempty"`
}

// TenantEvent is published when a tenant's entries are pruned.
type TenantEvent struct {
	Tenant string `json:"tenant"`
	Tasks  int    `json:"tasks"`
}

func (s *Service) publish(eventType string, data any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: eventType, Time: s.now(), Data: data})
}
