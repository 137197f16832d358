package scheduler

import (
	"hivecron/internal/host"
	"hivecron/pkg/logx"
)

// The management API. Every method is safe to call concurrently with the
// control loop; reads return clones, never live internals.

// IsRunning reports whether bootstrap has completed (at least one running
// tenant was seen) and the loop is active.
func (s *Service) IsRunning() bool { return s.running.Load() }

// Update raises the update signal: the loop leaves its inter-tick wait early
// and re-evaluates on the next tick. In-flight task invocations are not
// interrupted. Returns immediately.
func (s *Service) Update() {
	s.umu.Lock()
	select {
	case <-s.update:
		// already requested
	default:
		close(s.update)
	}
	s.umu.Unlock()
}

// Command applies an operator command to the entry, if present. Commands for
// unknown keys are ignored.
func (s *Service) Command(tenant, taskName string, code CommandCode) {
	e, ok := s.reg.get(TaskKey{Tenant: tenant, Task: taskName})
	if !ok {
		return
	}
	e.Command(code, s.now())
	s.log.Info("command applied",
		logx.String("tenant", tenant), logx.String("task", taskName), logx.String("command", code.String()))
}

// TaskSettings returns the entry's cloned settings, or NoSettings for unknown
// keys.
func (s *Service) TaskSettings(tenant, taskName string) host.TaskSettings {
	e, ok := s.reg.get(TaskKey{Tenant: tenant, Task: taskName})
	if !ok {
		return host.NoSettings
	}
	return e.Settings()
}

// TenantSettings returns cloned settings for all of a tenant's entries,
// sorted by task name.
func (s *Service) TenantSettings(tenant string) []host.TaskSettings {
	entries := s.reg.byTenant(tenant)
	out := make([]host.TaskSettings, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Settings())
	}
	return out
}

// TaskState returns the entry's cloned state. Unknown keys yield the zero
// state (StatusUndefined).
func (s *Service) TaskState(tenant, taskName string) State {
	e, ok := s.reg.get(TaskKey{Tenant: tenant, Task: taskName})
	if !ok {
		return State{}
	}
	return e.State()
}

// TenantStates returns cloned states for all of a tenant's entries, sorted by
// task name.
func (s *Service) TenantStates(tenant string) []State {
	entries := s.reg.byTenant(tenant)
	out := make([]State, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.State())
	}
	return out
}

// TenantTasks returns the combined settings+state snapshots for one tenant.
func (s *Service) TenantTasks(tenant string) []TaskInfo {
	entries := s.reg.byTenant(tenant)
	out := make([]TaskInfo, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.snapshot())
	}
	return out
}

// AllTasks returns the combined snapshots for every entry, sorted by
// (tenant, task).
func (s *Service) AllTasks() []TaskInfo {
	entries := s.reg.all()
	out := make([]TaskInfo, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.snapshot())
	}
	return out
}
