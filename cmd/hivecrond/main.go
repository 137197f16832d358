package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/joho/godotenv"

	"hivecron/internal/config"
	"hivecron/internal/eventbus"
	"hivecron/internal/history"
	"hivecron/internal/host"
	"hivecron/internal/scheduler"
	"hivecron/internal/server"
	"hivecron/internal/storage"
	"hivecron/internal/tasks"
	"hivecron/pkg/logx"
)

func main() {
	// Local overrides (addr, paths) may come from a .env next to the binary.
	_ = godotenv.Load()

	var cfgPath string
	var addr string
	flag.StringVar(&cfgPath, "config", envOr("HIVECRON_CONFIG", "./config.yaml"), "path to config file (yaml or json)")
	flag.StringVar(&addr, "addr", envOr("HIVECRON_ADDR", ""), "admin HTTP bind address (overrides config)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfgPath, addr); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfgPath, addrOverride string) error {
	mgr := config.NewManager(cfgPath)
	cfg, err := mgr.Load()
	if err != nil {
		return fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	if err := validateConfig(ctx, cfg); err != nil {
		return fmt.Errorf("invalid config %s: %w", cfgPath, err)
	}

	logSvc, log := logx.New(logxConfig(cfg.Logging))
	defer logSvc.Close()
	mgr.SetLogger(log.With(logx.String("comp", "config")))
	mgr.SetValidator(validateConfig)

	bus := eventbus.New()

	h := host.NewMemHost(log.With(logx.String("comp", "host")))
	h.RegisterTask(tasks.NewHeartbeat(log.With(logx.String("comp", "task"))), host.DefaultSchedule)
	h.Apply(tenantSpecs(cfg))

	schedCfg, err := schedulerConfig(cfg.Scheduler)
	if err != nil {
		return err
	}
	sched := scheduler.New(schedCfg, h, bus, log.With(logx.String("comp", "scheduler")))

	storeCfg, err := storageConfig(cfg.Storage)
	if err != nil {
		return err
	}
	store, err := storage.Open(storeCfg, log.With(logx.String("comp", "storage")))
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	if store != nil {
		defer store.Close()
	}

	histSize := 0
	if cfg.History != nil {
		histSize = cfg.History.Size
	}
	hist := history.New(histSize, store, log.With(logx.String("comp", "history")))
	hist.Start(ctx, bus)
	defer hist.Stop()

	sched.Start(ctx)

	// Admin HTTP API (optional).
	var srv *http.Server
	if cfg.Server != nil && cfg.Server.Enabled {
		bind := cfg.Server.Addr
		if bind == "" {
			bind = "127.0.0.1:8044"
		}
		if addrOverride != "" {
			bind = addrOverride
		}
		handler := server.New(server.Config{
			Pprof:      cfg.Server.Pprof,
			RatePerSec: cfg.Server.RatePerSec,
		}, sched, h, hist, log.With(logx.String("comp", "server")))
		srv = &http.Server{Addr: bind, Handler: handler}
		go func() {
			log.Info("admin server listening", logx.String("addr", bind))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("admin server failed", logx.Err(err))
			}
		}()
	}

	// Config hot reload: re-apply logging/tenants/knobs, then nudge the loop.
	go func() {
		if err := mgr.Watch(ctx); err != nil {
			log.Warn("config watch unavailable", logx.Err(err))
		}
	}()
	sub := mgr.Subscribe(1)
	defer mgr.Unsubscribe(sub)
	go func() {
		for next := range sub {
			logSvc.Apply(logxConfig(next.Logging))
			h.Apply(tenantSpecs(next))
			if sc, err := schedulerConfig(next.Scheduler); err == nil {
				sched.Configure(sc)
			}
			sched.Update()
		}
	}()

	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
	log.Info("hivecrond started", logx.String("config", cfgPath), logx.Int("tenants", len(cfg.Tenants)))

	<-ctx.Done()
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	log.Info("shutting down")

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	sched.Stop(stopCtx)
	if srv != nil {
		_ = srv.Shutdown(stopCtx)
	}
	return nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
