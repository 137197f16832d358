// Package history records completed task runs.
//
// The recorder subscribes to the event bus, keeps a bounded in-memory ring for
// the admin API, and (when storage is configured) appends each run to the
// journal. It is an observer: the scheduler never reads it back.
package history

import (
	"context"
	"sync"
	"time"

	"hivecron/internal/eventbus"
	"hivecron/internal/scheduler"
	"hivecron/internal/storage"
	"hivecron/pkg/logx"
)

const defaultSize = 200

// Run is one recorded task run.
type Run struct {
	ID         string        `json:"id"`
	Tenant     string        `json:"tenant"`
	Task       string        `json:"task"`
	StartedUTC time.Time     `json:"started_utc"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
}

type Recorder struct {
	log   logx.Logger
	store storage.Store

	mu   sync.Mutex
	ring []Run
	size int

	unsub func()
	wg    sync.WaitGroup
}

// New creates a recorder holding at most size runs in memory (0 means the
// default). store may be nil (no persistence).
func New(size int, store storage.Store, log logx.Logger) *Recorder {
	if size <= 0 {
		size = defaultSize
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Recorder{log: log, store: store, size: size}
}

// Start subscribes to bus and consumes task lifecycle events until ctx is
// done or Stop is called.
func (r *Recorder) Start(ctx context.Context, bus eventbus.Bus) {
	ch, unsub := bus.Subscribe(64)
	r.unsub = unsub

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case e, ok := <-ch:
				if !ok {
					return
				}
				r.consume(ctx, e)
			}
		}
	}()
}

// Stop unsubscribes and waits for the consumer to drain.
func (r *Recorder) Stop() {
	if r.unsub != nil {
		r.unsub()
	}
	r.wg.Wait()
}

func (r *Recorder) consume(ctx context.Context, e eventbus.Event) {
	if e.Type != eventbus.TaskFinished && e.Type != eventbus.TaskFaulted {
		return
	}
	te, ok := e.Data.(scheduler.TaskEvent)
	if !ok {
		return
	}

	run := Run{
		ID:         te.RunID,
		Tenant:     te.Tenant,
		Task:       te.Task,
		StartedUTC: te.StartedUTC,
		Duration:   te.Duration,
		Error:      te.Error,
	}

	r.mu.Lock()
	r.ring = append(r.ring, run)
	if len(r.ring) > r.size {
		r.ring = r.ring[len(r.ring)-r.size:]
	}
	r.mu.Unlock()

	if r.store != nil {
		wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		err := r.store.AppendRun(wctx, storage.RunRecord{
			ID:         run.ID,
			Tenant:     run.Tenant,
			Task:       run.Task,
			StartedUTC: run.StartedUTC,
			Duration:   run.Duration,
			Error:      run.Error,
		})
		cancel()
		if err != nil {
			r.log.Warn("run journal append failed",
				logx.String("tenant", run.Tenant), logx.String("task", run.Task), logx.Err(err))
		}
	}
}

// Recent returns up to limit most recent runs, newest last.
func (r *Recorder) Recent(limit int) []Run {
	r.mu.Lock()
	defer r.mu.Unlock()
	if limit <= 0 || limit > len(r.ring) {
		limit = len(r.ring)
	}
	out := make([]Run, limit)
	copy(out, r.ring[len(r.ring)-limit:])
	return out
}
