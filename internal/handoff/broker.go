// Package handoff is a token-keyed rendezvous that lets an out-of-process
// producer (a browser extension) deliver a payload to a waiting session.
package handoff

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dontdude/rollcall/internal/metrics"
)

// DefaultTTL is how long a session waits for a delivery.
const DefaultTTL = 5 * time.Minute

// MaxPayloadBytes bounds a delivered payload.
const MaxPayloadBytes = 4 << 20

var (
	// ErrExpired is returned for unknown, expired or already consumed tokens.
	ErrExpired = errors.New("handoff: session expired")
	// ErrAlreadyDelivered is returned when a payload was already delivered to the token.
	ErrAlreadyDelivered = errors.New("handoff: payload already delivered")
	// ErrInvalidToken is returned for tokens that could not have been issued.
	ErrInvalidToken = errors.New("handoff: invalid token")
	// ErrPayloadTooLarge is returned for payloads over MaxPayloadBytes.
	ErrPayloadTooLarge = errors.New("handoff: payload too large")
)

// Status of a session as seen by the consumer.
type Status string

const (
	StatusWaiting Status = "waiting"
	StatusReady   Status = "ready"
	StatusExpired Status = "expired"
)

// Session is one rendezvous.
type Session struct {
	Token     string
	CreatedAt time.Time
	ExpiresAt time.Time
	Status    Status
	Payload   []byte
}

// PollResult is what a consumer sees on each poll.
type PollResult struct {
	Status    Status    `json:"status"`
	Payload   []byte    `json:"payload,omitempty"`
	ExpiresAt time.Time `json:"expires_at,omitzero"`
}

// statusConsumed marks the tombstone left by a read payload. It never leaves a store.
const statusConsumed Status = "consumed"

// usable reports whether s can still change state at now.
func usable(s Session, now time.Time) bool {
	return s.Status != statusConsumed && now.Before(s.ExpiresAt)
}

// retainUntil is when a store may forget a session, tombstone included.
// Tokens stay unusable for one further lifetime after they expire.
func retainUntil(s Session) time.Time {
	return s.ExpiresAt.Add(s.ExpiresAt.Sub(s.CreatedAt))
}

// Store keeps sessions. Implementations must be safe for concurrent use and
// must perform each method atomically. Consumed and expired sessions are kept
// as tombstones until retainUntil so their tokens cannot be registered again.
type Store interface {
	// Create stores s unless a session already exists for s.Token. A live
	// session is returned as is; a tombstone yields ErrExpired.
	Create(ctx context.Context, s Session) (stored Session, created bool, err error)
	// Deliver moves a waiting session to ready with payload.
	Deliver(ctx context.Context, token string, payload []byte, now time.Time) error
	// Take returns the session. A ready session is removed in the same step.
	// Unknown or expired tokens return ErrExpired.
	Take(ctx context.Context, token string, now time.Time) (Session, error)
}

// Sweeper is implemented by stores that need expired sessions cleared out.
type Sweeper interface {
	Sweep(now time.Time) int
}

// Broker issues tokens and mediates between producer and consumer.
type Broker struct {
	store Store
	ttl   time.Duration
	now   func() time.Time
}

// Option configures a Broker.
type Option func(*Broker)

// WithTTL sets the session lifetime.
func WithTTL(d time.Duration) Option { return func(b *Broker) { b.ttl = d } }

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(b *Broker) { b.now = now } }

// NewBroker returns a Broker over store.
func NewBroker(store Store, opts ...Option) *Broker {
	b := &Broker{store: store, ttl: DefaultTTL, now: time.Now}
	for _, o := range opts {
		o(b)
	}
	return b
}

// TTL returns the session lifetime.
func (b *Broker) TTL() time.Duration { return b.ttl }

// NewToken returns 32 random bytes, base64url encoded.
func NewToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("handoff: generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// validToken rejects anything that is not the shape NewToken produces.
func validToken(token string) bool {
	if len(token) != 43 {
		return false
	}
	return strings.IndexFunc(token, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '-' || r == '_')
	}) < 0
}

// Open issues a fresh token and registers it.
func (b *Broker) Open(ctx context.Context) (Session, error) {
	token, err := NewToken()
	if err != nil {
		return Session{}, err
	}
	return b.Register(ctx, token)
}

// Register creates a waiting session for token. Registering a live token
// again is a no-op and never extends its lifetime. A token that was consumed
// or has expired cannot be registered again and yields ErrExpired.
func (b *Broker) Register(ctx context.Context, token string) (Session, error) {
	if !validToken(token) {
		return Session{}, ErrInvalidToken
	}
	now := b.now()
	s := Session{Token: token, CreatedAt: now, ExpiresAt: now.Add(b.ttl), Status: StatusWaiting}
	stored, created, err := b.store.Create(ctx, s)
	if errors.Is(err, ErrExpired) {
		metrics.HandoffSessions.WithLabelValues("rejected").Inc()
		return Session{}, ErrExpired
	}
	if err != nil {
		return Session{}, fmt.Errorf("handoff: register: %w", err)
	}
	if !created {
		slog.Debug("Handoff token already registered")
		return stored, nil
	}
	metrics.HandoffSessions.WithLabelValues("registered").Inc()
	return s, nil
}

// Deliver stores payload for a waiting token. Later deliveries are rejected.
func (b *Broker) Deliver(ctx context.Context, token string, payload []byte) error {
	if !validToken(token) {
		return ErrExpired
	}
	if len(payload) > MaxPayloadBytes {
		return ErrPayloadTooLarge
	}
	err := b.store.Deliver(ctx, token, payload, b.now())
	switch {
	case err == nil:
		metrics.HandoffSessions.WithLabelValues("delivered").Inc()
	case errors.Is(err, ErrExpired), errors.Is(err, ErrAlreadyDelivered):
		metrics.HandoffSessions.WithLabelValues("rejected").Inc()
	default:
		return fmt.Errorf("handoff: deliver: %w", err)
	}
	return err
}

// Poll reports the session status. The first poll that sees ready consumes
// the session; every later poll reports expired.
func (b *Broker) Poll(ctx context.Context, token string) (PollResult, error) {
	if !validToken(token) {
		return PollResult{Status: StatusExpired}, nil
	}
	s, err := b.store.Take(ctx, token, b.now())
	if errors.Is(err, ErrExpired) {
		metrics.HandoffSessions.WithLabelValues("expired").Inc()
		return PollResult{Status: StatusExpired}, nil
	}
	if err != nil {
		return PollResult{}, fmt.Errorf("handoff: poll: %w", err)
	}
	if s.Status == StatusReady {
		metrics.HandoffSessions.WithLabelValues("consumed").Inc()
		return PollResult{Status: StatusReady, Payload: s.Payload}, nil
	}
	return PollResult{Status: StatusWaiting, ExpiresAt: s.ExpiresAt}, nil
}

// StartJanitor periodically sweeps expired sessions if the store needs it.
// It returns when ctx is done.
func (b *Broker) StartJanitor(ctx context.Context, every time.Duration) {
	sw, ok := b.store.(Sweeper)
	if !ok {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := sw.Sweep(b.now()); n > 0 {
				metrics.HandoffSessions.WithLabelValues("expired").Add(float64(n))
				slog.Debug("Swept expired handoff sessions", "count", n)
			}
		}
	}
}
