package scheduler

import (
	"sync"
	"testing"
	"time"

	"hivecron/internal/host"
)

var regT0 = time.Date(2025, 5, 20, 8, 0, 0, 0, time.UTC)

func TestRegistryKeysDoNotCollide(t *testing.T) {
	t.Parallel()

	// "ab"+"c" vs "a"+"bc" must be distinct keys.
	r := newRegistry()
	r.getOrCreate(TaskKey{Tenant: "ab", Task: "c"}, regT0)
	r.getOrCreate(TaskKey{Tenant: "a", Task: "bc"}, regT0)

	if len(r.all()) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(r.all()))
	}
	if _, ok := r.get(TaskKey{Tenant: "ab", Task: "c"}); !ok {
		t.Fatal("missing (ab, c)")
	}
	if _, ok := r.get(TaskKey{Tenant: "a", Task: "bc"}); !ok {
		t.Fatal("missing (a, bc)")
	}
}

func TestRegistryGetOrCreateIdempotent(t *testing.T) {
	t.Parallel()

	r := newRegistry()
	key := TaskKey{Tenant: "t1", Task: "Foo"}

	var wg sync.WaitGroup
	entries := make([]*Entry, 16)
	for i := range entries {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			entries[i] = r.getOrCreate(key, regT0)
		}(i)
	}
	wg.Wait()

	for i := 1; i < len(entries); i++ {
		if entries[i] != entries[0] {
			t.Fatal("getOrCreate returned distinct entries for one key")
		}
	}
}

func TestRegistryPrune(t *testing.T) {
	t.Parallel()

	r := newRegistry()
	for _, k := range []TaskKey{
		{Tenant: "t1", Task: "A"},
		{Tenant: "t1", Task: "B"},
		{Tenant: "t2", Task: "A"},
		{Tenant: "t3", Task: "C"},
	} {
		r.getOrCreate(k, regT0)
	}

	removed := r.pruneTenants(map[string]struct{}{"t1": {}, "t2": {}})
	if len(removed) != 1 || removed[0] != (TaskKey{Tenant: "t3", Task: "C"}) {
		t.Fatalf("pruneTenants removed %v, want [(t3, C)]", removed)
	}

	removed = r.pruneTasks("t1", map[string]struct{}{"A": {}})
	if len(removed) != 1 || removed[0] != (TaskKey{Tenant: "t1", Task: "B"}) {
		t.Fatalf("pruneTasks removed %v, want [(t1, B)]", removed)
	}

	// Registry now holds exactly the union of surviving task sets.
	keys := map[TaskKey]bool{}
	for _, e := range r.all() {
		keys[e.Key()] = true
	}
	want := []TaskKey{{Tenant: "t1", Task: "A"}, {Tenant: "t2", Task: "A"}}
	if len(keys) != len(want) {
		t.Fatalf("registry keys = %v, want %v", keys, want)
	}
	for _, k := range want {
		if !keys[k] {
			t.Fatalf("registry missing %v", k)
		}
	}
}

func TestRegistryByTenantSorted(t *testing.T) {
	t.Parallel()

	r := newRegistry()
	for _, task := range []string{"Zeta", "Alpha", "Mid"} {
		r.getOrCreate(TaskKey{Tenant: "t1", Task: task}, regT0)
	}
	r.getOrCreate(TaskKey{Tenant: "t2", Task: "Other"}, regT0)

	entries := r.byTenant("t1")
	if len(entries) != 3 {
		t.Fatalf("byTenant returned %d entries, want 3", len(entries))
	}
	want := []string{"Alpha", "Mid", "Zeta"}
	for i, e := range entries {
		if e.Key().Task != want[i] {
			t.Fatalf("entry %d = %s, want %s", i, e.Key().Task, want[i])
		}
	}
}

func TestRegistrySnapshotsAreClones(t *testing.T) {
	t.Parallel()

	r := newRegistry()
	e := r.getOrCreate(TaskKey{Tenant: "t1", Task: "Foo"}, regT0)
	e.ApplySettings(host.TaskSettings{Name: "Foo", Schedule: "* * * * *", Enable: true}, regT0)

	snap := e.snapshot()
	snap.Settings.Enable = false
	snap.State.Status = StatusFaulted

	if got := e.Settings(); !got.Enable {
		t.Fatal("mutating a settings snapshot leaked into the entry")
	}
	if got := e.State(); got.Status != StatusIdle {
		t.Fatal("mutating a state snapshot leaked into the entry")
	}
}
