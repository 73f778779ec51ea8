package handoff

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type storeFactory func(t *testing.T) Store

func stores() map[string]storeFactory {
	return map[string]storeFactory{
		"memory": func(*testing.T) Store { return NewMemoryStore() },
		"redis": func(t *testing.T) Store {
			mr := miniredis.RunT(t)
			client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			t.Cleanup(func() { client.Close() })
			return NewRedisStore(client, "test:handoff:")
		},
	}
}

func newBroker(t *testing.T, f storeFactory) (*Broker, *fakeClock) {
	clk := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	return NewBroker(f(t), WithTTL(5*time.Minute), WithClock(clk.Now)), clk
}

func TestBroker(t *testing.T) {
	ctx := context.Background()
	for name, f := range stores() {
		t.Run(name, func(t *testing.T) {
			t.Run("deliver then poll consumes once", func(t *testing.T) {
				b, _ := newBroker(t, f)
				s, err := b.Open(ctx)
				require.NoError(t, err)
				assert.Equal(t, StatusWaiting, s.Status)

				res, err := b.Poll(ctx, s.Token)
				require.NoError(t, err)
				assert.Equal(t, StatusWaiting, res.Status)

				require.NoError(t, b.Deliver(ctx, s.Token, []byte(`{"rows":[]}`)))

				res, err = b.Poll(ctx, s.Token)
				require.NoError(t, err)
				assert.Equal(t, StatusReady, res.Status)
				assert.Equal(t, `{"rows":[]}`, string(res.Payload))

				res, err = b.Poll(ctx, s.Token)
				require.NoError(t, err)
				assert.Equal(t, StatusExpired, res.Status)
				assert.Nil(t, res.Payload)
			})

			t.Run("second delivery rejected", func(t *testing.T) {
				b, _ := newBroker(t, f)
				s, err := b.Open(ctx)
				require.NoError(t, err)
				require.NoError(t, b.Deliver(ctx, s.Token, []byte("first")))
				assert.ErrorIs(t, b.Deliver(ctx, s.Token, []byte("second")), ErrAlreadyDelivered)

				res, err := b.Poll(ctx, s.Token)
				require.NoError(t, err)
				assert.Equal(t, "first", string(res.Payload))
			})

			t.Run("expires without delivery", func(t *testing.T) {
				b, clk := newBroker(t, f)
				s, err := b.Open(ctx)
				require.NoError(t, err)

				clk.Advance(5 * time.Minute)
				assert.ErrorIs(t, b.Deliver(ctx, s.Token, []byte("late")), ErrExpired)
				res, err := b.Poll(ctx, s.Token)
				require.NoError(t, err)
				assert.Equal(t, StatusExpired, res.Status)
			})

			t.Run("delivered payload expires unread", func(t *testing.T) {
				b, clk := newBroker(t, f)
				s, err := b.Open(ctx)
				require.NoError(t, err)
				require.NoError(t, b.Deliver(ctx, s.Token, []byte("x")))
				clk.Advance(6 * time.Minute)
				res, err := b.Poll(ctx, s.Token)
				require.NoError(t, err)
				assert.Equal(t, StatusExpired, res.Status)
			})

			t.Run("register is idempotent and does not extend", func(t *testing.T) {
				b, clk := newBroker(t, f)
				s, err := b.Open(ctx)
				require.NoError(t, err)

				clk.Advance(4 * time.Minute)
				again, err := b.Register(ctx, s.Token)
				require.NoError(t, err)
				assert.Equal(t, StatusWaiting, again.Status)
				assert.True(t, s.ExpiresAt.Equal(again.ExpiresAt), "got %v, want %v", again.ExpiresAt, s.ExpiresAt)

				clk.Advance(90 * time.Second)
				res, err := b.Poll(ctx, s.Token)
				require.NoError(t, err)
				assert.Equal(t, StatusExpired, res.Status)
			})

			t.Run("consumed token cannot be registered again", func(t *testing.T) {
				b, clk := newBroker(t, f)
				s, err := b.Open(ctx)
				require.NoError(t, err)
				require.NoError(t, b.Deliver(ctx, s.Token, []byte("a")))
				res, err := b.Poll(ctx, s.Token)
				require.NoError(t, err)
				require.Equal(t, StatusReady, res.Status)

				clk.Advance(time.Minute)
				_, err = b.Register(ctx, s.Token)
				assert.ErrorIs(t, err, ErrExpired)
				assert.ErrorIs(t, b.Deliver(ctx, s.Token, []byte("b")), ErrExpired)
				res, err = b.Poll(ctx, s.Token)
				require.NoError(t, err)
				assert.Equal(t, StatusExpired, res.Status)
				assert.Nil(t, res.Payload)
			})

			t.Run("expired token cannot be registered again", func(t *testing.T) {
				b, clk := newBroker(t, f)
				s, err := b.Open(ctx)
				require.NoError(t, err)

				clk.Advance(6 * time.Minute)
				_, err = b.Register(ctx, s.Token)
				assert.ErrorIs(t, err, ErrExpired)
				res, err := b.Poll(ctx, s.Token)
				require.NoError(t, err)
				assert.Equal(t, StatusExpired, res.Status)
			})

			t.Run("unknown token", func(t *testing.T) {
				b, _ := newBroker(t, f)
				token, err := NewToken()
				require.NoError(t, err)
				res, err := b.Poll(ctx, token)
				require.NoError(t, err)
				assert.Equal(t, StatusExpired, res.Status)
				assert.ErrorIs(t, b.Deliver(ctx, token, []byte("x")), ErrExpired)
			})
		})
	}
}

func TestBroker_RejectsMalformedTokens(t *testing.T) {
	b := NewBroker(NewMemoryStore())
	ctx := context.Background()

	_, err := b.Register(ctx, "1")
	assert.ErrorIs(t, err, ErrInvalidToken)
	assert.ErrorIs(t, b.Deliver(ctx, "../etc", nil), ErrExpired)
	res, err := b.Poll(ctx, "short")
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, res.Status)
}

func TestBroker_PayloadLimit(t *testing.T) {
	b := NewBroker(NewMemoryStore())
	s, err := b.Open(context.Background())
	require.NoError(t, err)
	assert.ErrorIs(t, b.Deliver(context.Background(), s.Token, make([]byte, MaxPayloadBytes+1)), ErrPayloadTooLarge)
}

func TestNewToken_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for range 100 {
		tok, err := NewToken()
		require.NoError(t, err)
		assert.True(t, validToken(tok))
		assert.False(t, seen[tok])
		seen[tok] = true
	}
}

func TestMemoryStore_Sweep(t *testing.T) {
	m := NewMemoryStore()
	clk := &fakeClock{now: time.Unix(1000, 0)}
	b := NewBroker(m, WithTTL(time.Minute), WithClock(clk.Now))
	for range 3 {
		_, err := b.Open(context.Background())
		require.NoError(t, err)
	}
	assert.Equal(t, 0, m.Sweep(clk.Now()))

	// Expired sessions linger as tombstones for one more lifetime.
	clk.Advance(time.Minute)
	assert.Equal(t, 0, m.Sweep(clk.Now()))
	assert.Equal(t, 3, m.Len())

	clk.Advance(time.Minute)
	assert.Equal(t, 3, m.Sweep(clk.Now()))
	assert.Zero(t, m.Len())
}

func TestAwait(t *testing.T) {
	ctx := context.Background()
	b := NewBroker(NewMemoryStore())
	s, err := b.Open(ctx)
	require.NoError(t, err)

	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = b.Deliver(ctx, s.Token, []byte("payload"))
	}()

	res, err := Await(ctx, b, s.Token, 5*time.Millisecond, time.Second)
	require.NoError(t, err)
	assert.Equal(t, StatusReady, res.Status)
	assert.Equal(t, "payload", string(res.Payload))
}

func TestAwait_Expired(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	b := NewBroker(NewMemoryStore(), WithTTL(time.Second), WithClock(clk.Now))
	s, err := b.Open(context.Background())
	require.NoError(t, err)
	clk.Advance(2 * time.Second)

	res, err := Await(context.Background(), b, s.Token, time.Millisecond, time.Second)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, res.Status)
}

func TestAwait_Ceiling(t *testing.T) {
	b := NewBroker(NewMemoryStore())
	s, err := b.Open(context.Background())
	require.NoError(t, err)

	_, err = Await(context.Background(), b, s.Token, 5*time.Millisecond, 30*time.Millisecond)
	assert.ErrorIs(t, err, ErrGaveUp)
}
