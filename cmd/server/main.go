package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dontdude/rollcall/internal/api"
	"github.com/dontdude/rollcall/internal/config"
	"github.com/dontdude/rollcall/internal/handoff"
	"github.com/dontdude/rollcall/internal/platform/mail"
	"github.com/dontdude/rollcall/internal/platform/queue"
	"github.com/dontdude/rollcall/internal/platform/rdb"
	"github.com/dontdude/rollcall/internal/platform/store"
)

const shutdownGrace = 15 * time.Second

func main() {
	// 1. Load config and initialize logger
	cfg, err := config.Load(os.Getenv("ROLLCALL_CONFIG"))
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(cfg.NewLogger())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect to Redis (Fail-Fast)
	client, err := rdb.Connect(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		slog.Error("Redis unavailable", "addr", cfg.Redis.Addr, "error", err)
		os.Exit(1)
	}
	defer client.Close()

	// 3. Stores, outbox and handoff broker
	outbox := queue.NewOutbox(client, cfg.Mail.Stream, cfg.Mail.Group)

	var sessions handoff.Store = handoff.NewRedisStore(client, cfg.Redis.Prefix+"handoff:")
	if cfg.Handoff.Store == "memory" {
		sessions = handoff.NewMemoryStore()
	}

	deps := api.Deps{
		Store:     store.NewRedisStore(client, cfg.Redis.Prefix),
		SentLog:   store.NewSentLog(client, cfg.Redis.Prefix),
		Messenger: mail.NewOutboxMessenger(outbox),
		Broker:    handoff.NewBroker(sessions, handoff.WithTTL(cfg.Handoff.TTL)),
	}

	// 4. Setup API (jobs are cancelled on shutdown)
	srv, err := api.New(ctx, cfg, deps)
	if err != nil {
		slog.Error("Failed to build server", "error", err)
		os.Exit(1)
	}
	go srv.Run(ctx)

	httpSrv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// 5. Graceful shutdown
	go func() {
		<-ctx.Done()
		slog.Info("Shutting down API server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Shutdown incomplete", "error", err)
		}
	}()

	slog.Info("API Server starting", "addr", cfg.Server.Addr, "handoffStore", cfg.Handoff.Store)
	if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Server failed", "error", err)
		os.Exit(1)
	}
}
