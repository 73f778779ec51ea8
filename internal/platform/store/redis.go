// Package store holds the registration store and the notification sent log.
package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/dontdude/rollcall/internal/domain"
)

// RedisStore implements domain.RegistrationStore.
//
// Per event it keeps a SET of dedup keys and a HASH of registrations keyed
// by the item's first key.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// Ensure RedisStore satisfies the interface
var _ domain.RegistrationStore = (*RedisStore)(nil)

// NewRedisStore returns a store rooted at prefix (e.g. "rollcall:").
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

func (r *RedisStore) keySet(eventID string) string {
	return fmt.Sprintf("%sevent:%s:keys", r.prefix, eventID)
}

func (r *RedisStore) records(eventID string) string {
	return fmt.Sprintf("%sevent:%s:registrations", r.prefix, eventID)
}

// insertScript reserves every dedup key or none of them.
var insertScript = redis.NewScript(`
for i = 3, #ARGV do
  if redis.call('SISMEMBER', KEYS[1], ARGV[i]) == 1 then
    return 0
  end
end
for i = 3, #ARGV do
  redis.call('SADD', KEYS[1], ARGV[i])
end
redis.call('HSET', KEYS[2], ARGV[1], ARGV[2])
return 1
`)

func (r *RedisStore) Exists(ctx context.Context, eventID, key string) (bool, error) {
	ok, err := r.client.SIsMember(ctx, r.keySet(eventID), key).Result()
	if err != nil {
		return false, fmt.Errorf("%w: redis sismember: %v", domain.ErrUnavailable, err)
	}
	return ok, nil
}

func (r *RedisStore) Insert(ctx context.Context, eventID string, item domain.WorkItem) (domain.Outcome, error) {
	if len(item.Keys) == 0 {
		return 0, fmt.Errorf("item %d has no dedup keys", item.Index)
	}
	data, err := json.Marshal(item.Fields)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal registration: %w", err)
	}

	args := make([]any, 0, len(item.Keys)+2)
	args = append(args, item.Keys[0], data)
	for _, k := range item.Keys {
		args = append(args, k)
	}
	n, err := insertScript.Run(ctx, r.client, []string{r.keySet(eventID), r.records(eventID)}, args...).Int()
	if err != nil {
		return 0, fmt.Errorf("%w: redis insert: %v", domain.ErrUnavailable, err)
	}
	if n == 0 {
		return domain.AlreadyApplied, nil
	}
	return domain.Applied, nil
}

func (r *RedisStore) Keys(ctx context.Context, eventID string) (map[string]struct{}, error) {
	members, err := r.client.SMembers(ctx, r.keySet(eventID)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: redis smembers: %v", domain.ErrUnavailable, err)
	}
	out := make(map[string]struct{}, len(members))
	for _, m := range members {
		out[m] = struct{}{}
	}
	return out, nil
}

// Registration returns the stored fields for a primary key, if any.
func (r *RedisStore) Registration(ctx context.Context, eventID, key string) (map[string]string, bool, error) {
	raw, err := r.client.HGet(ctx, r.records(eventID), key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("%w: redis hget: %v", domain.ErrUnavailable, err)
	}
	var fields map[string]string
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal registration: %w", err)
	}
	return fields, true, nil
}

// SentLog implements domain.SentLog as one Redis SET per campaign.
type SentLog struct {
	client *redis.Client
	prefix string
}

var _ domain.SentLog = (*SentLog)(nil)

// NewSentLog returns a sent log rooted at prefix.
func NewSentLog(client *redis.Client, prefix string) *SentLog {
	return &SentLog{client: client, prefix: prefix}
}

func (s *SentLog) key(campaignID string) string {
	return fmt.Sprintf("%scampaign:%s:sent", s.prefix, campaignID)
}

func (s *SentLog) Claim(ctx context.Context, campaignID, key string) (bool, error) {
	n, err := s.client.SAdd(ctx, s.key(campaignID), key).Result()
	if err != nil {
		return false, fmt.Errorf("%w: redis sadd: %v", domain.ErrUnavailable, err)
	}
	return n == 1, nil
}

func (s *SentLog) Release(ctx context.Context, campaignID, key string) error {
	if err := s.client.SRem(ctx, s.key(campaignID), key).Err(); err != nil {
		return fmt.Errorf("%w: redis srem: %v", domain.ErrUnavailable, err)
	}
	return nil
}

func (s *SentLog) Keys(ctx context.Context, campaignID string) (map[string]struct{}, error) {
	members, err := s.client.SMembers(ctx, s.key(campaignID)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: redis smembers: %v", domain.ErrUnavailable, err)
	}
	out := make(map[string]struct{}, len(members))
	for _, m := range members {
		out[m] = struct{}{}
	}
	return out, nil
}
