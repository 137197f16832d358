package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"hivecron/internal/scheduler"
)

type tenantDTO struct {
	Name      string `json:"name"`
	State     string `json:"state"`
	URLHost   string `json:"url_host,omitempty"`
	URLPrefix string `json:"url_prefix,omitempty"`
	Released  bool   `json:"released,omitempty"`
}

type taskDTO struct {
	Tenant      string    `json:"tenant"`
	Name        string    `json:"name"`
	Schedule    string    `json:"schedule"`
	Enable      bool      `json:"enable"`
	Title       string    `json:"title,omitempty"`
	Description string    `json:"description,omitempty"`
	Status      string    `json:"status"`
	StartedUTC  time.Time `json:"started_utc,omitzero"`
	StoppedUTC  time.Time `json:"stopped_utc,omitzero"`
	NextStart   time.Time `json:"next_start_utc,omitzero"`
	LastError   string    `json:"last_error,omitempty"`
}

func toTaskDTO(info scheduler.TaskInfo) taskDTO {
	return taskDTO{
		Tenant:      info.Key.Tenant,
		Name:        info.Key.Task,
		Schedule:    info.Settings.Schedule,
		Enable:      info.Settings.Enable,
		Title:       info.Settings.Title,
		Description: info.Settings.Description,
		Status:      info.State.Status.String(),
		StartedUTC:  info.State.StartedUTC,
		StoppedUTC:  info.State.StoppedUTC,
		NextStart:   info.State.NextStartUTC,
		LastError:   info.State.LastError,
	}
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"running": s.sched.IsRunning(),
	})
}

func (s *Server) update(w http.ResponseWriter, r *http.Request) {
	s.sched.Update()
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) listTenants(w http.ResponseWriter, r *http.Request) {
	shells, err := s.host.ListShells(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	out := make([]tenantDTO, 0, len(shells))
	for _, sh := range shells {
		out = append(out, tenantDTO{
			Name:      sh.Name(),
			State:     sh.State().String(),
			URLHost:   sh.URLHost(),
			URLPrefix: sh.URLPrefix(),
			Released:  sh.Released(),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	tenant := chi.URLParam(r, "tenant")
	infos := s.sched.TenantTasks(tenant)
	out := make([]taskDTO, 0, len(infos))
	for _, info := range infos {
		out = append(out, toTaskDTO(info))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	tenant := chi.URLParam(r, "tenant")
	task := chi.URLParam(r, "task")

	state := s.sched.TaskState(tenant, task)
	settings := s.sched.TaskSettings(tenant, task)
	if settings.None() && state.Status == scheduler.StatusUndefined {
		http.Error(w, "unknown task", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, toTaskDTO(scheduler.TaskInfo{
		Key:      scheduler.TaskKey{Tenant: tenant, Task: task},
		Settings: settings,
		State:    state,
	}))
}

func (s *Server) command(code scheduler.CommandCode) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenant := chi.URLParam(r, "tenant")
		task := chi.URLParam(r, "task")
		s.sched.Command(tenant, task, code)
		w.WriteHeader(http.StatusAccepted)
	}
}

func (s *Server) listHistory(w http.ResponseWriter, r *http.Request) {
	if s.hist == nil {
		writeJSON(w, http.StatusOK, []struct{}{})
		return
	}
	limit := 50
	if q := r.URL.Query().Get("limit"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 {
			limit = n
		}
	}
	writeJSON(w, http.StatusOK, s.hist.Recent(limit))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
