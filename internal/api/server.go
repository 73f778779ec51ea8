// Package api is the HTTP surface of the bulk operations pipeline.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dontdude/rollcall/internal/batch"
	"github.com/dontdude/rollcall/internal/config"
	"github.com/dontdude/rollcall/internal/domain"
	"github.com/dontdude/rollcall/internal/handoff"
	"github.com/dontdude/rollcall/internal/platform/web"
)

// Deps are the collaborators the server needs.
type Deps struct {
	Store     domain.RegistrationStore
	SentLog   domain.SentLog
	Messenger domain.Messenger
	Broker    *handoff.Broker
}

// Server wires handlers to their collaborators.
type Server struct {
	cfg      config.Config
	deps     Deps
	registry *Registry
	limiter  *web.RateLimiter
	policy   batch.DisconnectPolicy
	// base is cancelled on shutdown; every running job derives from it.
	base context.Context
}

// New returns a Server. Jobs are cancelled when ctx is done.
func New(ctx context.Context, cfg config.Config, deps Deps) (*Server, error) {
	policy, err := batch.ParseDisconnectPolicy(cfg.Jobs.OnDisconnect)
	if err != nil {
		return nil, err
	}
	proxies, err := cfg.TrustedProxies()
	if err != nil {
		return nil, err
	}
	limiter := web.NewRateLimiter(cfg.RateLimit.Rate, cfg.RateLimit.Burst)
	limiter.TrustProxies(proxies...)
	return &Server{
		cfg:      cfg,
		deps:     deps,
		registry: NewRegistry(cfg.Jobs.PreviewTTL),
		limiter:  limiter,
		policy:   policy,
		base:     ctx,
	}, nil
}

// Handler returns the routed, CORS-wrapped handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	limit := s.limiter.Middleware

	mux.HandleFunc("POST /api/events/{eventID}/imports/preview", limit(s.handleImportPreview))
	mux.HandleFunc("POST /api/events/{eventID}/notifications/preview", limit(s.handleNotificationPreview))

	mux.HandleFunc("POST /api/jobs", s.handleCreateJob)
	mux.HandleFunc("GET /api/jobs/{jobID}/stream", s.handleStream)
	mux.HandleFunc("GET /api/ws", s.handleWS)

	mux.HandleFunc("POST /api/handoff/sessions", limit(s.handleHandoffRegister))
	mux.HandleFunc("GET /api/handoff/sessions/{token}", s.handleHandoffPoll)
	mux.HandleFunc("POST /api/handoff/sessions/{token}/payload", limit(s.handleHandoffDeliver))

	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		web.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	return web.CORS(mux)
}

// Run starts the background janitors and blocks until ctx is done.
func (s *Server) Run(ctx context.Context) {
	go s.limiter.Run(ctx)
	if s.deps.Broker != nil {
		go s.deps.Broker.StartJanitor(ctx, time.Minute)
	}
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.registry.Sweep(); n > 0 {
				slog.Debug("Swept expired previews and jobs", "count", n)
			}
		}
	}
}
