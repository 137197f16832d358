package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"hivecron/internal/eventbus"
	"hivecron/internal/host"
	"hivecron/pkg/logx"
)

// tick runs one loop iteration: prune the registry against the current tenant
// set, then fan tenants out onto a bounded worker pool. It returns the running
// shells it observed (for the inter-tick poll).
func (s *Service) tick(ctx context.Context, tickStart time.Time) []host.Shell {
	shells, err := s.host.ListShells(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.log.Warn("tenant host unavailable; skipping tick", logx.Err(err))
		}
		return nil
	}

	// Entries survive for every tenant whose shell is still in the Running
	// state; released shells stay in the set (their teardown is observed by
	// the inter-tick poll) but are skipped by the fan-out below.
	running := make([]host.Shell, 0, len(shells))
	keep := make(map[string]struct{}, len(shells))
	for _, sh := range shells {
		if sh.State() == host.StateRunning {
			running = append(running, sh)
			keep[sh.Name()] = struct{}{}
		}
	}

	if removed := s.reg.pruneTenants(keep); len(removed) > 0 {
		byTenant := map[string]int{}
		for _, k := range removed {
			byTenant[k.Tenant]++
		}
		for tenant, n := range byTenant {
			s.log.Debug("tenant entries pruned", logx.String("tenant", tenant), logx.Int("tasks", n))
			s.publish(eventbus.TenantPruned, TenantEvent{Tenant: tenant, Tasks: n})
		}
	}

	workers := s.config().MaxParallelism
	if workers > len(running) {
		workers = len(running)
	}
	if workers == 0 {
		return running
	}

	queue := make(chan host.Shell)
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			for sh := range queue {
				s.runTenant(ctx, sh, tickStart)
			}
		}()
	}

feed:
	for _, sh := range running {
		select {
		case queue <- sh:
		case <-ctx.Done():
			break feed
		}
	}
	close(queue)
	wg.Wait()

	return running
}

// runTenant drives one tenant's tasks, sequentially and in name order.
func (s *Service) runTenant(ctx context.Context, sh host.Shell, tickStart time.Time) {
	if sh.Released() || ctx.Err() != nil {
		return
	}
	tenant := sh.Name()

	names, err := s.discoverTasks(ctx, tenant)
	if err != nil {
		if ctx.Err() == nil {
			s.log.Warn("task discovery failed", logx.String("tenant", tenant), logx.Err(err))
		}
		return
	}

	keep := make(map[string]struct{}, len(names))
	for _, n := range names {
		keep[n] = struct{}{}
	}
	s.reg.pruneTasks(tenant, keep)

	// Ambient background request for downstream collaborators, scoped to this
	// tenant's iteration.
	tctx := host.WithRequest(ctx, host.RequestInfo{
		Tenant:     tenant,
		URLHost:    sh.URLHost(),
		URLPrefix:  sh.URLPrefix(),
		Background: true,
	})

	for _, name := range names {
		if sh.Released() || ctx.Err() != nil {
			return
		}
		s.runTask(tctx, tenant, name, tickStart)
	}
}

// discoverTasks lists the tenant's registered task names, sorted.
func (s *Service) discoverTasks(ctx context.Context, tenant string) ([]string, error) {
	scope, err := s.host.EnterScope(ctx, tenant)
	if err != nil {
		return nil, err
	}
	defer scope.Close()

	tasks := scope.Tasks()
	names := make([]string, 0, len(tasks))
	for _, t := range tasks {
		names = append(names, t.Name())
	}
	sort.Strings(names)
	return names, nil
}

// runTask resolves the task in a fresh scope, applies its current settings,
// and invokes it if due. Errors never escape: a fault is recorded on the
// entry and the loop moves on.
func (s *Service) runTask(ctx context.Context, tenant, taskName string, tickStart time.Time) {
	scope, err := s.host.EnterScope(ctx, tenant)
	if err != nil {
		if ctx.Err() == nil {
			s.log.Warn("enter scope failed", logx.String("tenant", tenant), logx.Err(err))
		}
		return
	}
	defer scope.Close()

	task, ok := scope.Task(taskName)
	if !ok {
		return
	}

	key := TaskKey{Tenant: tenant, Task: taskName}
	entry := s.reg.getOrCreate(key, tickStart)

	settings, err := resolveSettings(ctx, scope, taskName)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		s.log.Warn("settings lookup failed", logx.String("tenant", tenant), logx.String("task", taskName), logx.Err(err))
		settings = host.NoSettings
	}
	if settings.None() {
		settings = host.TaskSettings{Name: taskName, Schedule: host.DefaultSchedule, Enable: false}
	}
	now := s.now()
	entry.ApplySettings(settings, now)

	if !entry.TryRun(s.now()) {
		return
	}

	started := s.now()
	runID := uuid.NewString()
	s.log.Debug("task starting",
		logx.String("tenant", tenant), logx.String("task", taskName), logx.String("run_id", runID))
	s.publish(eventbus.TaskStarted, TaskEvent{RunID: runID, Tenant: tenant, Task: taskName, StartedUTC: started})

	err = invokeTask(ctx, task, scope)
	finished := s.now()
	dur := finished.Sub(started)

	switch {
	case err != nil && isCancellation(err) && ctx.Err() != nil:
		// Shutdown cut the run short; drained, not a fault.
		entry.Idle(finished)
		s.log.Debug("task canceled",
			logx.String("tenant", tenant), logx.String("task", taskName), logx.String("run_id", runID))
	case err != nil:
		entry.Fault(finished, err)
		s.faultLog.Error("task failed",
			logx.String("tenant", tenant), logx.String("task", taskName),
			logx.String("run_id", runID), logx.Duration("dur", dur), logx.Err(err))
		s.publish(eventbus.TaskFaulted, TaskEvent{RunID: runID, Tenant: tenant, Task: taskName, StartedUTC: started, Duration: dur, Error: err.Error()})
	default:
		entry.Idle(finished)
		// Avoid noisy logs for very frequent tasks: only elevate to INFO when
		// it took noticeable time.
		if dur >= 750*time.Millisecond {
			s.log.Info("task finished",
				logx.String("tenant", tenant), logx.String("task", taskName),
				logx.String("run_id", runID), logx.Duration("dur", dur))
		} else {
			s.log.Debug("task finished",
				logx.String("tenant", tenant), logx.String("task", taskName),
				logx.String("run_id", runID), logx.Duration("dur", dur))
		}
		s.publish(eventbus.TaskFinished, TaskEvent{RunID: runID, Tenant: tenant, Task: taskName, StartedUTC: started, Duration: dur})
	}
}

// resolveSettings asks providers in ascending order; first non-None wins.
func resolveSettings(ctx context.Context, scope host.Scope, taskName string) (host.TaskSettings, error) {
	for _, p := range host.SortProviders(scope.SettingsProviders()) {
		st, err := p.Settings(ctx, taskName)
		if err != nil {
			return host.NoSettings, err
		}
		if !st.None() {
			return st.Clone(), nil
		}
	}
	return host.NoSettings, nil
}

func invokeTask(ctx context.Context, t host.Task, scope host.Scope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in task: %v", r)
		}
	}()
	return t.DoWork(ctx, scope)
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
