package main

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"hivecron/internal/config"
	"hivecron/internal/host"
	"hivecron/internal/scheduler"
	"hivecron/internal/storage"
	"hivecron/pkg/logx"
)

func logxConfig(c config.LoggingConfig) logx.Config {
	return logx.Config{
		Level:   c.Level,
		Console: c.Console || (!c.File.Enabled), // always have at least one sink
		File: logx.FileConfig{
			Enabled: c.File.Enabled,
			Path:    c.File.Path,
		},
	}
}

func schedulerConfig(c config.SchedulerConfig) (scheduler.Config, error) {
	polling, err := config.ParseDurationField("scheduler.polling_time", c.PollingTime)
	if err != nil {
		return scheduler.Config{}, err
	}
	minIdle, err := config.ParseDurationField("scheduler.min_idle_time", c.MinIdleTime)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{
		PollingTime:    polling,
		MinIdleTime:    minIdle,
		MaxParallelism: c.MaxParallelism,
	}, nil
}

func storageConfig(c *config.StorageConfig) (storage.Config, error) {
	if c == nil {
		return storage.Config{}, nil
	}
	busy, err := config.ParseDurationField("storage.busy_timeout", c.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Driver: c.Driver, Path: c.Path, BusyTimeout: busy}, nil
}

func tenantSpecs(cfg *config.Config) []host.TenantSpec {
	specs := make([]host.TenantSpec, 0, len(cfg.Tenants))
	for name, t := range cfg.Tenants {
		state := host.StateRunning
		if strings.EqualFold(strings.TrimSpace(t.State), "disabled") {
			state = host.StateDisabled
		}

		settings := make(map[string]host.TaskSettings, len(t.Settings))
		for task, sc := range t.Settings {
			enable := true
			if sc.Enable != nil {
				enable = *sc.Enable
			}
			schedule := sc.Schedule
			if schedule == "" {
				schedule = host.DefaultSchedule
			}
			settings[task] = host.TaskSettings{
				Name:        task,
				Schedule:    schedule,
				Enable:      enable,
				Title:       sc.Title,
				Description: sc.Description,
			}
		}

		specs = append(specs, host.TenantSpec{
			Name:      name,
			State:     state,
			URLHost:   t.URLHost,
			URLPrefix: t.URLPrefix,
			Tasks:     t.Tasks,
			Settings:  settings,
		})
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs
}

// validateConfig is the manager's pre-commit hook: structural validation plus
// cron syntax for every declared schedule.
func validateConfig(ctx context.Context, cfg *config.Config) error {
	_ = ctx
	if err := cfg.Validate(); err != nil {
		return err
	}
	for tenant, t := range cfg.Tenants {
		for task, sc := range t.Settings {
			if sc.Schedule == "" {
				continue
			}
			if _, err := scheduler.ParseSchedule(sc.Schedule); err != nil {
				return fmt.Errorf("tenants.%s.settings.%s: %w", tenant, task, err)
			}
		}
	}
	return nil
}
