package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/dontdude/rollcall/internal/domain"
	"github.com/dontdude/rollcall/internal/metrics"
	"github.com/dontdude/rollcall/internal/platform/mail"
)

// Pool implements a fixed-size worker pool for the mail relay.
// It bounds how many SMTP conversations run at once.
type Pool struct {
	// workerCount determines how many messages are delivered concurrently.
	workerCount int
	// tasksCh is the queue for incoming messages.
	tasksCh chan domain.Message
	// wg tracks active workers to ensure graceful shutdown.
	wg     sync.WaitGroup
	sender domain.MailSender
	queue  domain.MailQueue
	// timeout bounds a single delivery.
	timeout time.Duration
}

// NewPool initializes the worker pool with a fixed concurrency limit.
func NewPool(concurrency int, sender domain.MailSender, queue domain.MailQueue, timeout time.Duration) *Pool {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Pool{
		workerCount: concurrency,
		// Buffer the channel to allow non-blocking submission up to a certain point.
		tasksCh: make(chan domain.Message, concurrency),
		sender:  sender,
		queue:   queue,
		timeout: timeout,
	}
}

// Start spawns the fixed number of worker goroutines.
// It returns immediately.
func (p *Pool) Start() {
	slog.Info("Starting worker pool", "concurrency", p.workerCount)

	for i := 0; i < p.workerCount; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
}

// Stop initiates a graceful shutdown.
// It closes the tasks channel, which signals all workers to finish their current message and exit.
// It blocks until all workers have exited.
func (p *Pool) Stop() {
	slog.Info("Stopping worker pool, waiting for tasks to drain...")
	close(p.tasksCh)
	p.wg.Wait()
	slog.Info("Worker pool stopped")
}

// Submit adds a message to the queue.
// It blocks if the queue (and workers) are fully saturated.
func (p *Pool) Submit(msg domain.Message) {
	p.tasksCh <- msg
}

// worker is the core logic that runs inside a goroutine.
func (p *Pool) worker(id int) {
	defer p.wg.Done()
	slog.Info("Worker started", "workerID", id)

	for msg := range p.tasksCh {
		p.handle(id, msg)
	}

	slog.Info("Worker stopped", "workerID", id)
}

// handle delivers one message. Transient failures leave it pending so the
// recovery routine redelivers it; permanent ones are acknowledged and dropped.
func (p *Pool) handle(id int, msg domain.Message) {
	log := slog.With("workerID", id, "msgID", msg.RawID, "to", msg.To)

	// Each delivery gets its own deadline, independent of the relay's lifetime.
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	err := p.sender.Deliver(ctx, msg)
	switch {
	case err == nil:
		metrics.MailRelayed.WithLabelValues("sent").Inc()
	case errors.Is(err, mail.ErrInvalidRecipient):
		metrics.MailRelayed.WithLabelValues("rejected").Inc()
		log.Warn("Dropping undeliverable message", "error", err)
	default:
		metrics.MailRelayed.WithLabelValues("retry").Inc()
		log.Error("Delivery failed, leaving pending", "error", err)
		return
	}

	if err := p.queue.Acknowledge(ctx, msg.RawID); err != nil {
		log.Error("Failed to acknowledge message", "error", err)
	}
}
