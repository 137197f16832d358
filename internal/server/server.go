// Package server exposes the scheduler's management API over HTTP for admin
// tooling (CLI, dashboards). It is a thin JSON veneer: every route maps onto
// one in-process management call.
package server

import (
	"net"
	"net/http"
	"net/http/pprof"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"hivecron/internal/history"
	"hivecron/internal/host"
	"hivecron/internal/scheduler"
	"hivecron/pkg/logx"
)

type Config struct {
	Pprof bool

	// RatePerSec limits requests per client IP. 0 disables limiting.
	RatePerSec int
}

type Server struct {
	r     *chi.Mux
	log   logx.Logger
	sched *scheduler.Service
	host  host.Host
	hist  *history.Recorder

	lmu      sync.Mutex
	limiters map[string]*rate.Limiter
	rps      int
}

func New(cfg Config, sched *scheduler.Service, h host.Host, hist *history.Recorder, log logx.Logger) http.Handler {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Server{
		log:      log,
		sched:    sched,
		host:     h,
		hist:     hist,
		limiters: map[string]*rate.Limiter{},
		rps:      cfg.RatePerSec,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer)
	r.Use(s.logRequests)
	if cfg.RatePerSec > 0 {
		r.Use(s.limitClients)
	}

	r.Get("/health", s.health)
	r.Route("/api", func(r chi.Router) {
		r.Post("/update", s.update)
		r.Get("/history", s.listHistory)
		r.Get("/tenants", s.listTenants)
		r.Route("/tenants/{tenant}", func(r chi.Router) {
			r.Get("/tasks", s.listTasks)
			r.Get("/tasks/{task}", s.getTask)
			r.Post("/tasks/{task}/enable", s.command(scheduler.CommandEnable))
			r.Post("/tasks/{task}/disable", s.command(scheduler.CommandDisable))
			r.Post("/tasks/{task}/reset", s.command(scheduler.CommandResetState))
		})
	})

	if cfg.Pprof {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		r.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	}

	s.r = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.r.ServeHTTP(w, r)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug("http request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", ww.Status()))
	})
}

func (s *Server) limitClients(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		client := r.RemoteAddr
		if ip, _, err := net.SplitHostPort(client); err == nil {
			client = ip
		}
		s.lmu.Lock()
		lim, ok := s.limiters[client]
		if !ok {
			lim = rate.NewLimiter(rate.Limit(s.rps), s.rps)
			s.limiters[client] = lim
		}
		s.lmu.Unlock()

		if !lim.Allow() {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}
