package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"hivecron/internal/eventbus"
	"hivecron/internal/host"
	"hivecron/pkg/logx"
)

// Service owns the control loop and the registry. Construct with New, start
// with Start; the management API (api.go) may be used at any point.
type Service struct {
	log      logx.Logger
	faultLog logx.Logger // throttled: one fault per task per tick can get loud
	host     host.Host
	bus      eventbus.Bus

	mu  sync.Mutex
	cfg Config

	reg     *registry
	running atomic.Bool

	// umu guards the update source swap; the channel is closed to signal and
	// replaced wholesale once consumed.
	umu    sync.Mutex
	update chan struct{}

	wg sync.WaitGroup

	// now is the clock; tests override it.
	now func() time.Time
}

func New(cfg Config, h host.Host, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		log:      log,
		faultLog: log.Throttled(10),
		host:     h,
		bus:      bus,
		cfg:      cfg.withDefaults(),
		reg:      newRegistry(),
		update:   make(chan struct{}),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Configure re-applies loop knobs at runtime (config hot reload). Takes effect
// on the next wait/tick.
func (s *Service) Configure(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg.withDefaults()
	s.mu.Unlock()
}

func (s *Service) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Start launches the control loop. It returns immediately; cancelling ctx
// stops the loop.
func (s *Service) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(ctx)
	}()
}

// Stop waits for the loop (and any in-flight task invocation) to drain, or
// for ctx to expire.
func (s *Service) Stop(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

func (s *Service) run(ctx context.Context) {
	stopLog := context.AfterFunc(ctx, func() {
		s.log.Info("scheduler stopping")
	})
	defer stopLog()
	defer s.running.Store(false)

	if !s.bootstrap(ctx) {
		return
	}
	s.running.Store(true)
	s.log.Info("scheduler started",
		logx.Duration("polling", s.config().PollingTime),
		logx.Int("parallelism", s.config().MaxParallelism))

	tickStart := s.now()
	for {
		if ctx.Err() != nil {
			return
		}
		observed := s.tick(ctx, tickStart)
		tickStart = s.now()
		if !s.waitNext(ctx, observed) {
			return
		}
	}
}

// bootstrap blocks until the host reports at least one running tenant.
// A host error or an empty host is the same thing here: nothing to schedule.
func (s *Service) bootstrap(ctx context.Context) bool {
	for {
		shells, err := s.host.ListShells(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return false
			}
			s.log.Warn("tenant host unavailable", logx.Err(err))
		}
		if countRunning(shells) > 0 {
			return true
		}

		t := time.NewTimer(s.config().MinIdleTime)
		select {
		case <-ctx.Done():
			t.Stop()
			return false
		case <-t.C:
		}
	}
}

// waitNext blocks between ticks for the larger of PollingTime and MinIdleTime,
// polling the shell set once per second. A released shell or a change in the
// running-tenant count raises the update signal; the update signal ends the
// wait early. Returns false when ctx is done.
func (s *Service) waitNext(ctx context.Context, observed []host.Shell) bool {
	cfg := s.config()
	deadline := cfg.PollingTime
	if cfg.MinIdleTime > deadline {
		deadline = cfg.MinIdleTime
	}
	update := s.updateCh()

	timer := time.NewTimer(deadline)
	defer timer.Stop()
	poll := time.NewTicker(time.Second)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-update:
			// Consume the request: swap in a fresh source for the next wait.
			s.resetUpdate()
			return true
		case <-timer.C:
			return true
		case <-poll.C:
			if s.shellsChanged(ctx, observed) {
				s.Update()
			}
		}
	}
}

// shellsChanged reports whether any shell observed by the last tick was
// released, or the number of running shells differs from what the tick saw.
func (s *Service) shellsChanged(ctx context.Context, observed []host.Shell) bool {
	for _, sh := range observed {
		if sh.Released() {
			return true
		}
	}
	shells, err := s.host.ListShells(ctx)
	if err != nil {
		return false
	}
	return countRunning(shells) != len(observed)
}

func countRunning(shells []host.Shell) int {
	n := 0
	for _, sh := range shells {
		if sh.State() == host.StateRunning {
			n++
		}
	}
	return n
}

func (s *Service) updateCh() <-chan struct{} {
	s.umu.Lock()
	ch := s.update
	s.umu.Unlock()
	return ch
}

func (s *Service) resetUpdate() {
	s.umu.Lock()
	select {
	case <-s.update:
		s.update = make(chan struct{})
	default:
	}
	s.umu.Unlock()
}
