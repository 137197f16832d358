package host

import (
	"context"
	"sort"
)

// DefaultSchedule is used when no provider supplies one.
const DefaultSchedule = "* * * * *"

// TaskSettings is an immutable snapshot of one task's scheduling settings.
// The zero value means "no settings found" (see None).
type TaskSettings struct {
	Name        string
	Schedule    string
	Enable      bool
	Title       string
	Description string
}

// NoSettings is the distinguished "no settings found" value.
var NoSettings = TaskSettings{}

// None reports whether this is the "no settings found" value.
func (s TaskSettings) None() bool { return s.Name == "" }

// Clone returns an independent copy. TaskSettings is a plain value today, but
// callers go through Clone so the registry never leaks shared internals.
func (s TaskSettings) Clone() TaskSettings { return s }

// SettingsProvider resolves settings for a task. Providers are consulted in
// ascending Order; the first non-None answer wins.
type SettingsProvider interface {
	Order() int
	Settings(ctx context.Context, taskName string) (TaskSettings, error)
}

// SortProviders orders providers by ascending Order, stably.
func SortProviders(ps []SettingsProvider) []SettingsProvider {
	out := append([]SettingsProvider(nil), ps...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Order() < out[j].Order() })
	return out
}

// staticProvider serves per-task settings from a fixed map. It backs the
// config file's tenants.<name>.settings block.
type staticProvider struct {
	order    int
	settings map[string]TaskSettings
}

// NewStaticProvider returns a provider serving the given settings verbatim.
func NewStaticProvider(order int, settings map[string]TaskSettings) SettingsProvider {
	cp := make(map[string]TaskSettings, len(settings))
	for k, v := range settings {
		if v.Name == "" {
			v.Name = k
		}
		cp[k] = v
	}
	return &staticProvider{order: order, settings: cp}
}

func (p *staticProvider) Order() int { return p.order }

func (p *staticProvider) Settings(ctx context.Context, taskName string) (TaskSettings, error) {
	_ = ctx
	s, ok := p.settings[taskName]
	if !ok {
		return NoSettings, nil
	}
	return s.Clone(), nil
}

// defaultsProvider serves a default schedule registered alongside the task
// binding (the companion map taskName -> schedule). It answers last, enabled.
type defaultsProvider struct {
	order     int
	schedules map[string]string
}

// NewDefaultsProvider returns the default-schedule provider. An empty schedule
// for a task means "no default" and yields None.
func NewDefaultsProvider(order int, schedules map[string]string) SettingsProvider {
	cp := make(map[string]string, len(schedules))
	for k, v := range schedules {
		cp[k] = v
	}
	return &defaultsProvider{order: order, schedules: cp}
}

func (p *defaultsProvider) Order() int { return p.order }

func (p *defaultsProvider) Settings(ctx context.Context, taskName string) (TaskSettings, error) {
	_ = ctx
	spec, ok := p.schedules[taskName]
	if !ok || spec == "" {
		return NoSettings, nil
	}
	return TaskSettings{Name: taskName, Schedule: spec, Enable: true}, nil
}
