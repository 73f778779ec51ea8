package handoff

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps each session in a hash. Consumed and expired sessions
// stay as tombstones until Redis expires the hash at retainUntil.
type RedisStore struct {
	client *redis.Client
	prefix string
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore returns a store using keys "<prefix><token>".
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

// createScript returns {1} when created, {0, status, created, expires} for a
// live session and {-1} for a tombstone. ARGV[1] is the current time.
var createScript = redis.NewScript(`
local v = redis.call('HMGET', KEYS[1], 'status', 'created', 'expires')
if v[1] then
  if v[1] == 'consumed' or tonumber(v[3]) <= tonumber(ARGV[1]) then
    return {-1}
  end
  return {0, v[1], v[2], v[3]}
end
redis.call('HSET', KEYS[1], 'status', 'waiting', 'created', ARGV[1], 'expires', ARGV[2])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return {1}
`)

// deliverScript returns 1 on success, 0 if expired, consumed or unknown, -1 if already delivered.
var deliverScript = redis.NewScript(`
local v = redis.call('HMGET', KEYS[1], 'status', 'expires')
if not v[1] or v[1] == 'consumed' or tonumber(v[2]) <= tonumber(ARGV[2]) then
  return 0
end
if v[1] ~= 'waiting' then
  return -1
end
redis.call('HSET', KEYS[1], 'status', 'ready', 'payload', ARGV[1])
return 1
`)

var takeScript = redis.NewScript(`
local v = redis.call('HMGET', KEYS[1], 'status', 'created', 'expires', 'payload')
if not v[1] or v[1] == 'consumed' or tonumber(v[3]) <= tonumber(ARGV[1]) then
  return false
end
if v[1] == 'ready' then
  redis.call('HSET', KEYS[1], 'status', 'consumed')
  redis.call('HDEL', KEYS[1], 'payload')
  return {v[1], v[2], v[3], v[4]}
end
return {v[1], v[2], v[3]}
`)

func (r *RedisStore) key(token string) string { return r.prefix + token }

func (r *RedisStore) Create(ctx context.Context, s Session) (Session, bool, error) {
	if !s.ExpiresAt.After(s.CreatedAt) {
		return Session{}, false, fmt.Errorf("session ttl must be positive")
	}
	retain := retainUntil(s).Sub(s.CreatedAt).Milliseconds()
	vals, err := createScript.Run(ctx, r.client, []string{r.key(s.Token)},
		s.CreatedAt.UnixMilli(), s.ExpiresAt.UnixMilli(), retain).Slice()
	if err != nil {
		return Session{}, false, fmt.Errorf("redis create session: %w", err)
	}
	switch {
	case len(vals) == 1 && str(vals[0]) == "1":
		return s, true, nil
	case len(vals) == 1:
		return Session{}, false, ErrExpired
	case len(vals) < 4:
		return Session{}, false, fmt.Errorf("redis create session: short reply (%d values)", len(vals))
	}
	return Session{
		Token:     s.Token,
		Status:    Status(str(vals[1])),
		CreatedAt: millis(str(vals[2])),
		ExpiresAt: millis(str(vals[3])),
	}, false, nil
}

func (r *RedisStore) Deliver(ctx context.Context, token string, payload []byte, now time.Time) error {
	n, err := deliverScript.Run(ctx, r.client, []string{r.key(token)}, payload, now.UnixMilli()).Int()
	if err != nil {
		return fmt.Errorf("redis deliver: %w", err)
	}
	switch n {
	case 1:
		return nil
	case -1:
		return ErrAlreadyDelivered
	}
	return ErrExpired
}

func (r *RedisStore) Take(ctx context.Context, token string, now time.Time) (Session, error) {
	vals, err := takeScript.Run(ctx, r.client, []string{r.key(token)}, now.UnixMilli()).Slice()
	if errors.Is(err, redis.Nil) {
		return Session{}, ErrExpired
	}
	if err != nil {
		return Session{}, fmt.Errorf("redis take: %w", err)
	}
	if len(vals) < 3 {
		return Session{}, fmt.Errorf("redis take: short reply (%d values)", len(vals))
	}
	s := Session{Token: token, Status: Status(str(vals[0]))}
	s.CreatedAt = millis(str(vals[1]))
	s.ExpiresAt = millis(str(vals[2]))
	if len(vals) > 3 {
		s.Payload = []byte(str(vals[3]))
	}
	return s, nil
}

func str(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []byte:
		return string(t)
	case int64:
		return strconv.FormatInt(t, 10)
	}
	return ""
}

func millis(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
