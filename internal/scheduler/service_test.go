package scheduler

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"hivecron/internal/host"
	"hivecron/pkg/logx"
)

// ---- fakes ----

type fakeClock struct {
	mu   sync.Mutex
	t    time.Time
	step time.Duration // advanced on every Now() call when non-zero
}

func newFakeClock(t time.Time) *fakeClock { return &fakeClock{t: t} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.step > 0 {
		c.t = c.t.Add(c.step)
	}
	return c.t
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fakeShell struct {
	name      string
	urlHost   string
	urlPrefix string

	mu       sync.Mutex
	state    host.ShellState
	released atomic.Bool

	tasks    map[string]host.Task
	settings map[string]host.TaskSettings
}

func (s *fakeShell) Name() string      { return s.name }
func (s *fakeShell) URLHost() string   { return s.urlHost }
func (s *fakeShell) URLPrefix() string { return s.urlPrefix }
func (s *fakeShell) Released() bool    { return s.released.Load() }

func (s *fakeShell) State() host.ShellState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

type fakeHost struct {
	mu     sync.Mutex
	shells map[string]*fakeShell
	scopes atomic.Int64 // open scopes, to assert deterministic disposal
}

func newFakeHost() *fakeHost { return &fakeHost{shells: map[string]*fakeShell{}} }

func (h *fakeHost) addTenant(name string, tasks map[string]host.Task, settings map[string]host.TaskSettings) *fakeShell {
	sh := &fakeShell{name: name, state: host.StateRunning, tasks: tasks, settings: settings}
	h.mu.Lock()
	h.shells[name] = sh
	h.mu.Unlock()
	return sh
}

func (h *fakeHost) removeTenant(name string) {
	h.mu.Lock()
	delete(h.shells, name)
	h.mu.Unlock()
}

func (h *fakeHost) ListShells(ctx context.Context) ([]host.Shell, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h.mu.Lock()
	out := make([]host.Shell, 0, len(h.shells))
	for _, sh := range h.shells {
		out = append(out, sh)
	}
	h.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out, nil
}

func (h *fakeHost) EnterScope(ctx context.Context, tenant string) (host.Scope, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h.mu.Lock()
	sh := h.shells[tenant]
	h.mu.Unlock()
	if sh == nil {
		return nil, host.ErrUnknownTenant
	}
	sh.mu.Lock()
	tasks := make(map[string]host.Task, len(sh.tasks))
	for k, v := range sh.tasks {
		tasks[k] = v
	}
	settings := make(map[string]host.TaskSettings, len(sh.settings))
	for k, v := range sh.settings {
		settings[k] = v
	}
	sh.mu.Unlock()
	h.scopes.Add(1)
	return &fakeScope{host: h, tasks: tasks, provider: host.NewStaticProvider(0, settings)}, nil
}

type fakeScope struct {
	host     *fakeHost
	tasks    map[string]host.Task
	provider host.SettingsProvider
	closed   atomic.Bool
}

func (s *fakeScope) Tasks() []host.Task {
	out := make([]host.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

func (s *fakeScope) Task(name string) (host.Task, bool) {
	t, ok := s.tasks[name]
	return t, ok
}

func (s *fakeScope) SettingsProviders() []host.SettingsProvider {
	return []host.SettingsProvider{s.provider}
}

func (s *fakeScope) Close() error {
	if s.closed.CompareAndSwap(false, true) {
		s.host.scopes.Add(-1)
	}
	return nil
}

type recordingTask struct {
	name string

	mu    sync.Mutex
	calls int
	err   error // returned once, then cleared
	fn    func(ctx context.Context) error
}

func (t *recordingTask) Name() string { return t.name }

func (t *recordingTask) DoWork(ctx context.Context, scope host.Scope) error {
	_ = scope
	t.mu.Lock()
	t.calls++
	err := t.err
	t.err = nil
	fn := t.fn
	t.mu.Unlock()
	if fn != nil {
		if ferr := fn(ctx); ferr != nil {
			return ferr
		}
	}
	return err
}

func (t *recordingTask) callCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.calls
}

func (t *recordingTask) failNext(err error) {
	t.mu.Lock()
	t.err = err
	t.mu.Unlock()
}

var svcT0 = time.Date(2025, 5, 20, 8, 0, 0, 0, time.UTC)

func everyMinute(names ...string) map[string]host.TaskSettings {
	out := make(map[string]host.TaskSettings, len(names))
	for _, n := range names {
		out[n] = host.TaskSettings{Name: n, Schedule: "* * * * *", Enable: true}
	}
	return out
}

func newTestService(h *fakeHost, clock *fakeClock, cfg Config) *Service {
	s := New(cfg, h, nil, logx.Nop())
	s.now = clock.Now
	return s
}

// ---- tick-driven scenarios ----

func TestTickBasicFiring(t *testing.T) {
	t.Parallel()

	clock := newFakeClock(svcT0)
	h := newFakeHost()
	foo := &recordingTask{name: "Foo"}
	h.addTenant("t1", map[string]host.Task{"Foo": foo}, everyMinute("Foo"))

	s := newTestService(h, clock, Config{})
	ctx := context.Background()

	// First tick at T0: entry created, not yet due.
	s.tick(ctx, svcT0)
	if got := foo.callCount(); got != 0 {
		t.Fatalf("task fired %d times at T0, want 0", got)
	}
	if st := s.TaskState("t1", "Foo"); st.Status != StatusIdle {
		t.Fatalf("status after first observation = %v, want idle", st.Status)
	}

	// 70s later the minute boundary has passed: exactly one invocation.
	clock.Set(svcT0.Add(70 * time.Second))
	s.tick(ctx, svcT0)
	if got := foo.callCount(); got != 1 {
		t.Fatalf("task fired %d times, want 1", got)
	}
	st := s.TaskState("t1", "Foo")
	if st.Status != StatusIdle || st.LastError != "" {
		t.Fatalf("unexpected state after run: %+v", st)
	}
	if st.StartedUTC.IsZero() || st.StoppedUTC.Before(st.StartedUTC) {
		t.Fatalf("run span not recorded: %+v", st)
	}

	// Same instant, second tick: not due again.
	s.tick(ctx, svcT0)
	if got := foo.callCount(); got != 1 {
		t.Fatalf("task re-fired within the same minute: %d calls", got)
	}

	if open := h.scopes.Load(); open != 0 {
		t.Fatalf("%d scopes left open after ticks", open)
	}
}

func TestTickDisableEnable(t *testing.T) {
	t.Parallel()

	clock := newFakeClock(svcT0)
	h := newFakeHost()
	foo := &recordingTask{name: "Foo"}
	h.addTenant("t1", map[string]host.Task{"Foo": foo}, everyMinute("Foo"))

	s := newTestService(h, clock, Config{})
	ctx := context.Background()
	s.tick(ctx, svcT0)

	s.Command("t1", "Foo", CommandDisable)
	for i := 1; i <= 5; i++ {
		clock.Set(svcT0.Add(time.Duration(i) * 2 * time.Minute))
		s.tick(ctx, svcT0)
	}
	if got := foo.callCount(); got != 0 {
		t.Fatalf("disabled task fired %d times, want 0", got)
	}
	if st := s.TaskState("t1", "Foo"); st.Status != StatusDisabled {
		t.Fatalf("status = %v, want disabled", st.Status)
	}

	s.Command("t1", "Foo", CommandEnable)
	clock.Advance(2 * time.Minute)
	s.tick(ctx, svcT0)
	if got := foo.callCount(); got != 1 {
		t.Fatalf("re-enabled task fired %d times, want 1", got)
	}
}

func TestTickFaultContainmentAndRecovery(t *testing.T) {
	t.Parallel()

	clock := newFakeClock(svcT0)
	h := newFakeHost()
	a := &recordingTask{name: "A"}
	b := &recordingTask{name: "B"}
	h.addTenant("t1", map[string]host.Task{"A": a, "B": b}, everyMinute("A", "B"))

	s := newTestService(h, clock, Config{})
	ctx := context.Background()

	a.failNext(errors.New("boom"))
	clock.Set(svcT0.Add(70 * time.Second))
	s.tick(ctx, svcT0)

	// A faulted; B still attempted on the same tick.
	if got := a.callCount(); got != 1 {
		t.Fatalf("task A fired %d times, want 1", got)
	}
	if got := b.callCount(); got != 1 {
		t.Fatalf("task B fired %d times, want 1 (fault must not abort siblings)", got)
	}
	stA := s.TaskState("t1", "A")
	if stA.Status != StatusFaulted || stA.LastError != "boom" {
		t.Fatalf("unexpected state for A: %+v", stA)
	}
	if stB := s.TaskState("t1", "B"); stB.Status != StatusIdle {
		t.Fatalf("unexpected state for B: %+v", stB)
	}

	// Next tick: A is re-attempted and recovers.
	clock.Advance(2 * time.Minute)
	s.tick(ctx, svcT0)
	if got := a.callCount(); got != 2 {
		t.Fatalf("faulted task not retried: %d calls", got)
	}
	stA = s.TaskState("t1", "A")
	if stA.Status != StatusIdle || stA.LastError != "" {
		t.Fatalf("fault not cleared after recovery: %+v", stA)
	}
}

func TestTickPanicIsContained(t *testing.T) {
	t.Parallel()

	clock := newFakeClock(svcT0)
	h := newFakeHost()
	p := &recordingTask{name: "Panicky", fn: func(ctx context.Context) error { panic("kaboom") }}
	h.addTenant("t1", map[string]host.Task{"Panicky": p}, everyMinute("Panicky"))

	s := newTestService(h, clock, Config{})
	clock.Set(svcT0.Add(70 * time.Second))
	s.tick(context.Background(), svcT0)

	st := s.TaskState("t1", "Panicky")
	if st.Status != StatusFaulted || st.LastError == "" {
		t.Fatalf("panic not converted to fault: %+v", st)
	}
}

func TestTickPrunesRemovedTenant(t *testing.T) {
	t.Parallel()

	clock := newFakeClock(svcT0)
	h := newFakeHost()
	h.addTenant("t1", map[string]host.Task{"X": &recordingTask{name: "X"}}, everyMinute("X"))
	h.addTenant("t2", map[string]host.Task{"X": &recordingTask{name: "X"}}, everyMinute("X"))

	s := newTestService(h, clock, Config{})
	ctx := context.Background()
	s.tick(ctx, svcT0)

	if got := len(s.TenantStates("t2")); got != 1 {
		t.Fatalf("t2 entries = %d, want 1", got)
	}

	h.removeTenant("t2")
	s.tick(ctx, svcT0)

	if got := len(s.TenantStates("t2")); got != 0 {
		t.Fatalf("t2 entries after removal = %d, want 0", got)
	}
	if st := s.TaskState("t2", "X"); st.Status != StatusUndefined {
		t.Fatalf("state for removed tenant = %v, want undefined", st.Status)
	}
	if got := len(s.TenantStates("t1")); got != 1 {
		t.Fatalf("t1 entries = %d, want 1 (unaffected)", got)
	}
}

func TestTickPrunesRemovedTask(t *testing.T) {
	t.Parallel()

	clock := newFakeClock(svcT0)
	h := newFakeHost()
	a := &recordingTask{name: "A"}
	b := &recordingTask{name: "B"}
	sh := h.addTenant("t1", map[string]host.Task{"A": a, "B": b}, everyMinute("A", "B"))

	s := newTestService(h, clock, Config{})
	ctx := context.Background()
	s.tick(ctx, svcT0)
	if got := len(s.TenantStates("t1")); got != 2 {
		t.Fatalf("entries = %d, want 2", got)
	}

	sh.mu.Lock()
	delete(sh.tasks, "B")
	sh.mu.Unlock()

	s.tick(ctx, svcT0)
	if got := len(s.TenantStates("t1")); got != 1 {
		t.Fatalf("entries after task removal = %d, want 1", got)
	}
	if st := s.TaskState("t1", "B"); st.Status != StatusUndefined {
		t.Fatalf("state for removed task = %v, want undefined", st.Status)
	}
}

func TestTickSkipsReleasedShell(t *testing.T) {
	t.Parallel()

	clock := newFakeClock(svcT0)
	h := newFakeHost()
	foo := &recordingTask{name: "Foo"}
	sh := h.addTenant("t1", map[string]host.Task{"Foo": foo}, everyMinute("Foo"))

	s := newTestService(h, clock, Config{})
	ctx := context.Background()
	s.tick(ctx, svcT0)

	sh.released.Store(true)
	clock.Set(svcT0.Add(2 * time.Minute))
	s.tick(ctx, svcT0)
	if got := foo.callCount(); got != 0 {
		t.Fatalf("released shell's task fired %d times, want 0", got)
	}
	// Entries survive while the shell is still in the Running state.
	if got := len(s.TenantStates("t1")); got != 1 {
		t.Fatalf("entries = %d, want 1", got)
	}
}

func TestTickDisabledSettingsDefault(t *testing.T) {
	t.Parallel()

	// A task with no settings from any provider gets the default
	// (every minute, disabled) and never fires.
	clock := newFakeClock(svcT0)
	h := newFakeHost()
	foo := &recordingTask{name: "Foo"}
	h.addTenant("t1", map[string]host.Task{"Foo": foo}, nil)

	s := newTestService(h, clock, Config{})
	ctx := context.Background()
	clock.Set(svcT0.Add(2 * time.Minute))
	s.tick(ctx, svcT0)

	if got := foo.callCount(); got != 0 {
		t.Fatalf("task with default settings fired %d times, want 0", got)
	}
	settings := s.TaskSettings("t1", "Foo")
	if settings.Schedule != host.DefaultSchedule || settings.Enable {
		t.Fatalf("unexpected default settings: %+v", settings)
	}
	if st := s.TaskState("t1", "Foo"); st.Status != StatusIdle {
		t.Fatalf("status = %v, want idle", st.Status)
	}
}

func TestTickBoundedParallelismSequentialTenant(t *testing.T) {
	t.Parallel()

	clock := newFakeClock(svcT0)
	h := newFakeHost()

	var (
		global    atomic.Int32
		globalMax atomic.Int32
		orderMu   sync.Mutex
		order     = map[string][]string{}
	)
	perTenant := map[string]*atomic.Int32{}

	mkTask := func(tenant, name string) host.Task {
		return &recordingTask{name: name, fn: func(ctx context.Context) error {
			g := global.Add(1)
			for {
				cur := globalMax.Load()
				if g <= cur || globalMax.CompareAndSwap(cur, g) {
					break
				}
			}
			if n := perTenant[tenant].Add(1); n > 1 {
				t.Errorf("tenant %s ran %d tasks concurrently", tenant, n)
			}
			orderMu.Lock()
			order[tenant] = append(order[tenant], name)
			orderMu.Unlock()

			time.Sleep(20 * time.Millisecond)
			perTenant[tenant].Add(-1)
			global.Add(-1)
			return nil
		}}
	}

	tenants := []string{"t1", "t2", "t3", "t4"}
	for _, tn := range tenants {
		perTenant[tn] = &atomic.Int32{}
		h.addTenant(tn, map[string]host.Task{
			"A": mkTask(tn, "A"),
			"B": mkTask(tn, "B"),
		}, everyMinute("A", "B"))
	}

	s := newTestService(h, clock, Config{MaxParallelism: 2})
	clock.Set(svcT0.Add(2 * time.Minute))
	s.tick(context.Background(), svcT0)

	if got := globalMax.Load(); got > 2 {
		t.Fatalf("observed %d concurrent invocations, cap is 2", got)
	}
	for _, tn := range tenants {
		if want := []string{"A", "B"}; len(order[tn]) != 2 || order[tn][0] != want[0] || order[tn][1] != want[1] {
			t.Fatalf("tenant %s ran tasks in order %v, want [A B]", tn, order[tn])
		}
	}
}

// ---- wait / update signal ----

func TestUpdateShortensWait(t *testing.T) {
	t.Parallel()

	clock := newFakeClock(svcT0)
	h := newFakeHost()
	s := newTestService(h, clock, Config{PollingTime: 10 * time.Second, MinIdleTime: time.Millisecond})

	done := make(chan bool, 1)
	go func() { done <- s.waitNext(context.Background(), nil) }()

	time.Sleep(20 * time.Millisecond)
	s.Update()

	select {
	case ok := <-done:
		if !ok {
			t.Fatal("waitNext returned false, want true")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("update signal did not shorten the wait")
	}

	// The source was swapped: a fresh wait blocks again.
	go func() { done <- s.waitNext(context.Background(), nil) }()
	select {
	case <-done:
		t.Fatal("waitNext returned without a new update signal")
	case <-time.After(100 * time.Millisecond):
	}
	s.Update()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("second update signal lost after source swap")
	}
}

func TestUpdateIdempotent(t *testing.T) {
	t.Parallel()

	s := newTestService(newFakeHost(), newFakeClock(svcT0), Config{})
	// Multiple updates before a wait must not panic (double close).
	s.Update()
	s.Update()
	s.Update()
}

func TestShellsChanged(t *testing.T) {
	t.Parallel()

	clock := newFakeClock(svcT0)
	h := newFakeHost()
	sh := h.addTenant("t1", map[string]host.Task{}, nil)
	s := newTestService(h, clock, Config{})

	ctx := context.Background()
	shells, err := h.ListShells(ctx)
	if err != nil {
		t.Fatal(err)
	}

	if s.shellsChanged(ctx, shells) {
		t.Fatal("no change reported as change")
	}

	sh.released.Store(true)
	if !s.shellsChanged(ctx, shells) {
		t.Fatal("released shell not detected")
	}
	sh.released.Store(false)

	h.addTenant("t2", map[string]host.Task{}, nil)
	if !s.shellsChanged(ctx, shells) {
		t.Fatal("running-count change not detected")
	}
}

// ---- full loop ----

func TestServiceLoopLifecycle(t *testing.T) {
	t.Parallel()

	clock := newFakeClock(svcT0)
	clock.step = 10 * time.Second // virtual time marches on every decision

	h := newFakeHost()
	foo := &recordingTask{name: "Foo"}
	h.addTenant("t1", map[string]host.Task{"Foo": foo}, everyMinute("Foo"))

	s := newTestService(h, clock, Config{PollingTime: 20 * time.Millisecond, MinIdleTime: 10 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	deadline := time.After(3 * time.Second)
	for foo.callCount() == 0 || !s.IsRunning() {
		select {
		case <-deadline:
			t.Fatal("loop did not fire the task in time")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer stopCancel()
	s.Stop(stopCtx)
	if s.IsRunning() {
		t.Fatal("IsRunning = true after stop")
	}
}

func TestServiceBootstrapWaitsForTenants(t *testing.T) {
	t.Parallel()

	clock := newFakeClock(svcT0)
	h := newFakeHost()
	s := newTestService(h, clock, Config{PollingTime: 20 * time.Millisecond, MinIdleTime: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	time.Sleep(60 * time.Millisecond)
	if s.IsRunning() {
		t.Fatal("IsRunning = true with no tenants")
	}

	h.addTenant("t1", map[string]host.Task{}, nil)
	deadline := time.After(2 * time.Second)
	for !s.IsRunning() {
		select {
		case <-deadline:
			t.Fatal("bootstrap did not complete after a tenant appeared")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestManagementUnknownKeys(t *testing.T) {
	t.Parallel()

	s := newTestService(newFakeHost(), newFakeClock(svcT0), Config{})

	if got := s.TaskSettings("nope", "Missing"); !got.None() {
		t.Fatalf("settings for unknown key = %+v, want None", got)
	}
	if got := s.TaskState("nope", "Missing"); got.Status != StatusUndefined {
		t.Fatalf("state for unknown key = %v, want undefined", got.Status)
	}
	// Commands on unknown keys are ignored, not errors.
	s.Command("nope", "Missing", CommandDisable)
}
