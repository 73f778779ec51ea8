package queue

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dontdude/rollcall/internal/domain"
)

// RecoveryOptions tune StartRecoveryRoutine.
type RecoveryOptions struct {
	// Interval between PEL scans.
	Interval time.Duration
	// MinIdle is how long a message must be pending before it is reclaimed.
	MinIdle time.Duration
	// MaxDeliveries moves a message to the dead-letter stream once reached.
	MaxDeliveries int64
}

// StartRecoveryRoutine polls the PEL for stale messages. Messages under
// MaxDeliveries are claimed and handed to redeliver; the rest are moved to
// the dead-letter stream and acknowledged. It returns when ctx is done.
func (o *Outbox) StartRecoveryRoutine(ctx context.Context, opts RecoveryOptions, redeliver func(domain.Message)) {
	ticker := time.NewTicker(opts.Interval)
	defer ticker.Stop()

	slog.Info("Starting Redis Recovery Routine", "interval", opts.Interval, "minIdle", opts.MinIdle)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.recover(ctx, opts, redeliver)
		}
	}
}

// recover runs one PEL scan.
func (o *Outbox) recover(ctx context.Context, opts RecoveryOptions, redeliver func(domain.Message)) {
	pending, err := o.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: o.stream,
		Group:  o.group,
		Idle:   opts.MinIdle,
		Start:  "-",
		End:    "+",
		Count:  100,
	}).Result()
	if err != nil {
		slog.Error("Recovery routine failed", "error", err)
		return
	}

	var retry []string
	for _, p := range pending {
		if opts.MaxDeliveries > 0 && p.RetryCount >= opts.MaxDeliveries {
			o.deadLetterMessage(ctx, p.ID, p.RetryCount)
			continue
		}
		retry = append(retry, p.ID)
	}
	if len(retry) == 0 {
		return
	}

	// XCLAIM bumps the delivery count and moves ownership to us.
	claimed, err := o.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   o.stream,
		Group:    o.group,
		Consumer: o.consumer,
		MinIdle:  opts.MinIdle,
		Messages: retry,
	}).Result()
	if err != nil {
		slog.Error("Failed to claim stale messages", "error", err)
		return
	}
	slog.Info("Recovered stale messages", "count", len(claimed))
	for _, xm := range claimed {
		msg, ok := decode(xm)
		if !ok {
			o.client.XAck(ctx, o.stream, o.group, xm.ID)
			continue
		}
		redeliver(msg)
	}
}

func (o *Outbox) deadLetterMessage(ctx context.Context, id string, deliveries int64) {
	msgs, err := o.client.XRangeN(ctx, o.stream, id, id, 1).Result()
	if err != nil {
		slog.Error("Failed to read message for dead-lettering", "msgID", id, "error", err)
		return
	}
	for _, xm := range msgs {
		values := map[string]interface{}{"source_id": xm.ID, "deliveries": deliveries}
		for k, v := range xm.Values {
			values[k] = v
		}
		if err := o.client.XAdd(ctx, &redis.XAddArgs{Stream: o.deadLetter, Values: values}).Err(); err != nil {
			slog.Error("Failed to dead-letter message", "msgID", id, "error", err)
			return
		}
	}
	slog.Warn("Message dead-lettered", "msgID", id, "deliveries", deliveries)
	o.client.XAck(ctx, o.stream, o.group, id)
}
