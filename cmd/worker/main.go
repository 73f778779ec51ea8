package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/dontdude/rollcall/internal/config"
	"github.com/dontdude/rollcall/internal/domain"
	"github.com/dontdude/rollcall/internal/platform/mail"
	"github.com/dontdude/rollcall/internal/platform/queue"
	"github.com/dontdude/rollcall/internal/platform/rdb"
	"github.com/dontdude/rollcall/internal/worker"
)

func main() {
	// 1. Load config and initialize logger
	cfg, err := config.Load(os.Getenv("ROLLCALL_CONFIG"))
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(cfg.NewLogger())
	slog.Info("Starting Rollcall mail relay...")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect to Redis (Fail-Fast)
	client, err := rdb.Connect(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		slog.Error("Redis unavailable", "addr", cfg.Redis.Addr, "error", err)
		os.Exit(1)
	}
	defer client.Close()
	outbox := queue.NewOutbox(client, cfg.Mail.Stream, cfg.Mail.Group)

	// 3. Pick the sender
	var sender domain.MailSender = mail.LogSender{}
	if cfg.Mail.SMTPAddr != "" {
		sender = mail.NewSMTPSender(mail.SMTPConfig{
			Addr:     cfg.Mail.SMTPAddr,
			From:     cfg.Mail.From,
			Username: cfg.Mail.Username,
			Password: cfg.Mail.Password,
		})
		slog.Info("SMTP sender initialized", "addr", cfg.Mail.SMTPAddr)
	} else {
		slog.Warn("No SMTP server configured, messages are only logged")
	}

	// 4. Start Worker Pool
	pool := worker.NewPool(cfg.Mail.Workers, sender, outbox, cfg.Mail.SendTimeout)
	pool.Start()

	msgs, err := outbox.Subscribe(ctx)
	if err != nil {
		slog.Error("Failed to subscribe to outbox", "error", err)
		os.Exit(1)
	}

	// 5. Reclaim messages a crashed or failing relay left pending
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		outbox.StartRecoveryRoutine(ctx, queue.RecoveryOptions{
			Interval:      30 * time.Second,
			MinIdle:       time.Minute,
			MaxDeliveries: 5,
		}, pool.Submit)
	}()

	// 6. Feed the pool until shutdown
	for msg := range msgs {
		pool.Submit(msg)
	}
	wg.Wait()
	pool.Stop()
	slog.Info("Mail relay stopped")
}
