package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dontdude/rollcall/internal/domain"
)

// Outbox implements domain.MailQueue using Redis Streams.
type Outbox struct {
	client *redis.Client
	stream string
	group  string
	// deadLetter receives messages that exceeded their delivery attempts.
	deadLetter string
	// consumer is this process's name inside the group.
	consumer string
}

// Ensure Outbox satisfies the interface
var _ domain.MailQueue = (*Outbox)(nil)

// NewOutbox returns a Redis-backed outbox on stream, read by group.
func NewOutbox(client *redis.Client, stream, group string) *Outbox {
	// Unique consumer name (e.g: hostname-pid)
	host, _ := os.Hostname()
	if host == "" {
		host = "consumer"
	}
	return &Outbox{
		client:     client,
		stream:     stream,
		group:      group,
		deadLetter: stream + ":dead",
		consumer:   fmt.Sprintf("%s-%d", host, os.Getpid()),
	}
}

// Publish enqueues a message using XADD.
func (o *Outbox) Publish(ctx context.Context, msg domain.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	// "*" lets Redis generate a timestamp-based ID.
	err = o.client.XAdd(ctx, &redis.XAddArgs{
		Stream: o.stream,
		Values: map[string]interface{}{
			"message": data,
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("%w: redis publish failed: %v", domain.ErrUnavailable, err)
	}
	return nil
}

// EnsureGroup creates the consumer group, starting from the beginning of
// the stream so messages published before the relay started are delivered.
func (o *Outbox) EnsureGroup(ctx context.Context) error {
	err := o.client.XGroupCreateMkStream(ctx, o.stream, o.group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}
	return nil
}

// Subscribe returns a channel of messages using XREADGROUP.
func (o *Outbox) Subscribe(ctx context.Context) (<-chan domain.Message, error) {
	if err := o.EnsureGroup(ctx); err != nil {
		return nil, err
	}

	outCh := make(chan domain.Message)

	go func() {
		defer close(outCh)

		for {
			if ctx.Err() != nil {
				return
			}
			// Block for 2s at a time so ctx is checked regularly.
			streams, err := o.client.XReadGroup(ctx, &redis.XReadGroupArgs{
				Group:    o.group,
				Consumer: o.consumer,
				Streams:  []string{o.stream, ">"}, // ">" means new messages
				Count:    10,
				Block:    2 * time.Second,
			}).Result()
			if err != nil {
				if errors.Is(err, redis.Nil) {
					continue
				}
				if ctx.Err() != nil {
					return
				}
				slog.Error("Redis read error", "error", err)
				time.Sleep(1 * time.Second) // Backoff
				continue
			}
			for _, s := range streams {
				for _, xm := range s.Messages {
					msg, ok := decode(xm)
					if !ok {
						// Unreadable entries would sit in the PEL forever.
						o.client.XAck(ctx, o.stream, o.group, xm.ID)
						continue
					}
					select {
					case outCh <- msg:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()
	return outCh, nil
}

// Acknowledge confirms delivery using XACK.
func (o *Outbox) Acknowledge(ctx context.Context, rawID string) error {
	return o.client.XAck(ctx, o.stream, o.group, rawID).Err()
}

func decode(xm redis.XMessage) (domain.Message, bool) {
	val, ok := xm.Values["message"].(string)
	if !ok {
		slog.Error("Invalid message format", "msgID", xm.ID)
		return domain.Message{}, false
	}
	var msg domain.Message
	if err := json.Unmarshal([]byte(val), &msg); err != nil {
		slog.Error("Failed to unmarshal message", "msgID", xm.ID, "error", err)
		return domain.Message{}, false
	}
	// Capture the Redis Stream ID so we can ACK later
	msg.RawID = xm.ID
	return msg, true
}
