package config

import (
	"fmt"
	"strings"
)

type Config struct {
	Logging   LoggingConfig  `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`

	// Server controls the optional admin HTTP API.
	Server *ServerConfig `json:"server,omitempty"`

	// Storage controls the optional run-history persistence.
	Storage *StorageConfig `json:"storage,omitempty"`

	// History controls the in-memory run-history ring.
	History *HistoryConfig `json:"history,omitempty"`

	// Tenants declares the tenants served by the in-memory host.
	Tenants map[string]TenantConfig `json:"tenants"`
}

type LoggingConfig struct {
	Level   string        `json:"level,omitempty"`
	Console bool          `json:"console"`
	File    FileLogConfig `json:"file,omitempty"`
}

type FileLogConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

// SchedulerConfig controls the control loop.
//
// All durations are Go duration strings (e.g. "10s", "1m").
//
// Defaults (when fields are omitted/zero):
//   - polling_time: "1m"
//   - min_idle_time: "10s"
//   - max_parallelism: min(number of CPUs, 8)
type SchedulerConfig struct {
	PollingTime    string `json:"polling_time,omitempty"`
	MinIdleTime    string `json:"min_idle_time,omitempty"`
	MaxParallelism int    `json:"max_parallelism,omitempty"`
}

type ServerConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default: "127.0.0.1:8044"
	Pprof   bool   `json:"pprof,omitempty"`

	// RatePerSec limits admin API requests per client IP. 0 disables limiting.
	RatePerSec int `json:"rate_per_sec,omitempty"`
}

// StorageConfig controls the optional run-history persistence layer.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./hivecron_runs" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

type HistoryConfig struct {
	Size int `json:"size,omitempty"` // default 200
}

// TenantConfig declares one tenant.
type TenantConfig struct {
	// State is "running" (default) or "disabled".
	State     string `json:"state,omitempty"`
	URLHost   string `json:"url_host,omitempty"`
	URLPrefix string `json:"url_prefix,omitempty"`

	// Tasks restricts the tenant to a subset of the registered task names.
	// Omitted means all registered tasks.
	Tasks []string `json:"tasks,omitempty"`

	// Settings overrides per-task scheduling settings.
	Settings map[string]TaskSettingsConfig `json:"settings,omitempty"`
}

// TaskSettingsConfig is one task's settings block.
//
// Enable is a pointer so we can distinguish "omitted" (default true) from an
// explicit false.
type TaskSettingsConfig struct {
	Schedule    string `json:"schedule,omitempty"`
	Enable      *bool  `json:"enable,omitempty"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
}

// Validate checks structural fields. Cron schedules are validated by the
// caller-installed validator hook (the scheduler owns the syntax).
func (c *Config) Validate() error {
	if _, err := ParseDurationField("scheduler.polling_time", c.Scheduler.PollingTime); err != nil {
		return err
	}
	if _, err := ParseDurationField("scheduler.min_idle_time", c.Scheduler.MinIdleTime); err != nil {
		return err
	}
	if c.Scheduler.MaxParallelism < 0 {
		return fmt.Errorf("scheduler.max_parallelism: must be >= 0")
	}
	if c.Storage != nil {
		if _, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout); err != nil {
			return err
		}
	}
	for name, t := range c.Tenants {
		switch strings.ToLower(strings.TrimSpace(t.State)) {
		case "", "running", "disabled":
		default:
			return fmt.Errorf("tenants.%s.state: unknown state %q", name, t.State)
		}
	}
	return nil
}
