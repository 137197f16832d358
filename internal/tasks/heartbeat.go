// Package tasks holds the built-in background tasks shipped with the daemon.
// Applications embedding the scheduler register their own implementations the
// same way.
package tasks

import (
	"context"

	"hivecron/internal/host"
	"hivecron/pkg/logx"
)

// HeartbeatName is the task's fully-qualified identifier. Task names are
// dotted (not slash-separated) so they can appear verbatim in admin URLs.
const HeartbeatName = "hivecron.tasks.Heartbeat"

// Heartbeat logs one line per tenant per run. It exists to verify scheduling
// end to end (including the ambient background request info) on a fresh
// install.
type Heartbeat struct {
	log logx.Logger
}

func NewHeartbeat(log logx.Logger) *Heartbeat {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Heartbeat{log: log}
}

func (h *Heartbeat) Name() string { return HeartbeatName }

func (h *Heartbeat) DoWork(ctx context.Context, scope host.Scope) error {
	_ = scope
	if err := ctx.Err(); err != nil {
		return err
	}
	info, _ := host.RequestFrom(ctx)
	h.log.Info("heartbeat",
		logx.String("tenant", info.Tenant),
		logx.String("url_host", info.URLHost),
		logx.String("url_prefix", info.URLPrefix),
		logx.Bool("background", info.Background))
	return nil
}
