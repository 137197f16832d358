package host

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"

	"hivecron/pkg/logx"
)

var ErrUnknownTenant = errors.New("unknown tenant")

// TenantSpec declares one tenant for the in-memory host. Specs come from the
// config file (and are re-applied on hot reload).
type TenantSpec struct {
	Name      string
	State     ShellState
	URLHost   string
	URLPrefix string

	// Tasks restricts which registered task names this tenant runs.
	// nil means "all registered tasks".
	Tasks []string

	// Settings backs the tenant's config settings provider.
	Settings map[string]TaskSettings
}

// MemHost is an in-process Host: shells are declared via Apply, task
// implementations are registered once and shared across tenants (optionally
// filtered per tenant).
type MemHost struct {
	log logx.Logger

	mu     sync.RWMutex
	shells map[string]*memShell

	tmu      sync.RWMutex
	tasks    map[string]Task
	defaults map[string]string // taskName -> default schedule
}

func NewMemHost(log logx.Logger) *MemHost {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &MemHost{
		log:      log,
		shells:   map[string]*memShell{},
		tasks:    map[string]Task{},
		defaults: map[string]string{},
	}
}

// RegisterTask adds a task implementation to the host catalog. An optional
// non-empty defaultSchedule feeds the defaults settings provider.
func (h *MemHost) RegisterTask(t Task, defaultSchedule string) {
	if t == nil || t.Name() == "" {
		return
	}
	h.tmu.Lock()
	h.tasks[t.Name()] = t
	if defaultSchedule != "" {
		h.defaults[t.Name()] = defaultSchedule
	}
	h.tmu.Unlock()
}

// Apply reconciles the shell set against specs. Tenants no longer present are
// released and removed; existing tenants pick up state/URL/settings changes.
func (h *MemHost) Apply(specs []TenantSpec) {
	want := make(map[string]TenantSpec, len(specs))
	for _, sp := range specs {
		if sp.Name == "" {
			continue
		}
		want[sp.Name] = sp
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	for name, sh := range h.shells {
		if _, ok := want[name]; !ok {
			sh.released.Store(true)
			delete(h.shells, name)
			h.log.Info("tenant removed", logx.String("tenant", name))
		}
	}
	for name, sp := range want {
		sh, ok := h.shells[name]
		if !ok {
			sh = &memShell{name: name}
			h.shells[name] = sh
			h.log.Info("tenant added", logx.String("tenant", name), logx.String("state", sp.State.String()))
		}
		sh.update(sp)
	}
}

// Release marks a tenant's shell as being torn down without removing it.
func (h *MemHost) Release(tenant string) {
	h.mu.RLock()
	sh := h.shells[tenant]
	h.mu.RUnlock()
	if sh != nil {
		sh.released.Store(true)
	}
}

// Remove drops a tenant entirely.
func (h *MemHost) Remove(tenant string) {
	h.mu.Lock()
	if sh, ok := h.shells[tenant]; ok {
		sh.released.Store(true)
		delete(h.shells, tenant)
	}
	h.mu.Unlock()
}

// SetState changes a tenant's lifecycle state.
func (h *MemHost) SetState(tenant string, state ShellState) {
	h.mu.RLock()
	sh := h.shells[tenant]
	h.mu.RUnlock()
	if sh == nil {
		return
	}
	sh.mu.Lock()
	sh.state = state
	sh.mu.Unlock()
}

func (h *MemHost) ListShells(ctx context.Context) ([]Shell, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h.mu.RLock()
	out := make([]Shell, 0, len(h.shells))
	for _, sh := range h.shells {
		out = append(out, sh)
	}
	h.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out, nil
}

func (h *MemHost) EnterScope(ctx context.Context, tenant string) (Scope, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h.mu.RLock()
	sh := h.shells[tenant]
	h.mu.RUnlock()
	if sh == nil {
		return nil, ErrUnknownTenant
	}

	sh.mu.RLock()
	filter := sh.taskFilter
	settings := make(map[string]TaskSettings, len(sh.settings))
	for k, v := range sh.settings {
		settings[k] = v
	}
	sh.mu.RUnlock()

	h.tmu.RLock()
	tasks := make(map[string]Task, len(h.tasks))
	defaults := make(map[string]string, len(h.defaults))
	for name, t := range h.tasks {
		if filter != nil {
			if _, ok := filter[name]; !ok {
				continue
			}
		}
		tasks[name] = t
		if d, ok := h.defaults[name]; ok {
			defaults[name] = d
		}
	}
	h.tmu.RUnlock()

	return &memScope{
		tasks: tasks,
		providers: SortProviders([]SettingsProvider{
			NewStaticProvider(0, settings),
			NewDefaultsProvider(100, defaults),
		}),
	}, nil
}

// ---- shell ----

type memShell struct {
	name     string
	released atomic.Bool

	mu         sync.RWMutex
	state      ShellState
	urlHost    string
	urlPrefix  string
	taskFilter map[string]struct{} // nil = all
	settings   map[string]TaskSettings
}

func (s *memShell) update(sp TenantSpec) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = sp.State
	s.urlHost = sp.URLHost
	s.urlPrefix = sp.URLPrefix
	if sp.Tasks == nil {
		s.taskFilter = nil
	} else {
		f := make(map[string]struct{}, len(sp.Tasks))
		for _, n := range sp.Tasks {
			f[n] = struct{}{}
		}
		s.taskFilter = f
	}
	settings := make(map[string]TaskSettings, len(sp.Settings))
	for k, v := range sp.Settings {
		if v.Name == "" {
			v.Name = k
		}
		settings[k] = v
	}
	s.settings = settings
}

func (s *memShell) Name() string { return s.name }

func (s *memShell) State() ShellState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *memShell) URLHost() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.urlHost
}

func (s *memShell) URLPrefix() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.urlPrefix
}

func (s *memShell) Released() bool { return s.released.Load() }

// ---- scope ----

type memScope struct {
	mu        sync.Mutex
	closed    bool
	tasks     map[string]Task
	providers []SettingsProvider
}

func (s *memScope) Tasks() []Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	out := make([]Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

func (s *memScope) Task(name string) (Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, false
	}
	t, ok := s.tasks[name]
	return t, ok
}

func (s *memScope) SettingsProviders() []SettingsProvider {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	return s.providers
}

func (s *memScope) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
