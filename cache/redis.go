package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultStaleGrace is how long a Redis entry outlives its logical expiry so
// degraded reads can still Peek it.
const DefaultStaleGrace = 24 * time.Hour

const (
	fieldValue        = "value"
	fieldCreatedAt    = "created_at"
	fieldExpiresAt    = "expires_at"
	fieldAccessCount  = "access_count"
	fieldLastAccessed = "last_accessed"
	fieldTags         = "tags"
)

// RedisBackend stores each entry as a hash and indexes tags as sets.
type RedisBackend struct {
	client     *redis.Client
	staleGrace time.Duration
	now        func() time.Time
}

// NewRedisBackend connects to addr and verifies the connection.
func NewRedisBackend(ctx context.Context, addr, password string, db int) (*RedisBackend, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis: ping %s: %w", addr, err)
	}
	return NewRedisBackendFromClient(client), nil
}

// NewRedisBackendFromClient wraps an existing client.
func NewRedisBackendFromClient(client *redis.Client) *RedisBackend {
	return &RedisBackend{client: client, staleGrace: DefaultStaleGrace, now: time.Now}
}

func (r *RedisBackend) Get(ctx context.Context, key string) (*Entry, bool, error) {
	e, ok, err := r.load(ctx, key)
	if err != nil || !ok {
		return nil, false, err
	}
	now := r.now()
	if e.Expired(now) {
		return nil, false, nil
	}

	pipe := r.client.TxPipeline()
	incr := pipe.HIncrBy(ctx, key, fieldAccessCount, 1)
	pipe.HSet(ctx, key, fieldLastAccessed, now.UnixMilli())
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, false, fmt.Errorf("redis: record access %s: %w", key, err)
	}
	e.AccessCount = incr.Val()
	e.LastAccessed = now
	return e, true, nil
}

func (r *RedisBackend) Peek(ctx context.Context, key string) (*Entry, bool, error) {
	return r.load(ctx, key)
}

func (r *RedisBackend) Set(ctx context.Context, e *Entry) error {
	fields := map[string]interface{}{
		fieldValue:        e.Value,
		fieldCreatedAt:    e.CreatedAt.UnixMilli(),
		fieldAccessCount:  e.AccessCount,
		fieldLastAccessed: e.LastAccessed.UnixMilli(),
		fieldTags:         strings.Join(e.Tags, ","),
	}
	if !e.ExpiresAt.IsZero() {
		fields[fieldExpiresAt] = e.ExpiresAt.UnixMilli()
	}

	pipe := r.client.TxPipeline()
	pipe.Del(ctx, e.Key)
	pipe.HSet(ctx, e.Key, fields)
	if !e.ExpiresAt.IsZero() {
		pipe.PExpireAt(ctx, e.Key, e.ExpiresAt.Add(r.staleGrace))
	}
	for _, t := range e.Tags {
		pipe.SAdd(ctx, tagPrefix+t, e.Key)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set %s: %w", e.Key, err)
	}
	return nil
}

func (r *RedisBackend) Delete(ctx context.Context, keys ...string) (int, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	n, err := r.client.Del(ctx, keys...).Result()
	if err != nil {
		return 0, fmt.Errorf("redis: delete: %w", err)
	}
	return int(n), nil
}

func (r *RedisBackend) Keys(ctx context.Context, prefix string) ([]string, error) {
	keys, err := r.scan(ctx, prefix+"*")
	if err != nil {
		return nil, err
	}
	out := keys[:0]
	for _, k := range keys {
		if !strings.HasPrefix(k, tagPrefix) {
			out = append(out, k)
		}
	}
	return out, nil
}

func (r *RedisBackend) KeysByTag(ctx context.Context, tag string) ([]string, error) {
	keys, err := r.client.SMembers(ctx, tagPrefix+tag).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: tag %s: %w", tag, err)
	}
	return keys, nil
}

// Purge deletes logically expired entries and prunes dangling tag members.
func (r *RedisBackend) Purge(ctx context.Context) (int, error) {
	keys, err := r.Keys(ctx, KeyVersion+":")
	if err != nil {
		return 0, err
	}
	var expired []string
	if len(keys) > 0 {
		pipe := r.client.Pipeline()
		reads := make([]*redis.StringCmd, len(keys))
		for i, k := range keys {
			reads[i] = pipe.HGet(ctx, k, fieldExpiresAt)
		}
		if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
			return 0, fmt.Errorf("redis: read expiries: %w", err)
		}
		now := r.now()
		for i, cmd := range reads {
			ms, err := cmd.Int64()
			if err == nil && !now.Before(time.UnixMilli(ms)) {
				expired = append(expired, keys[i])
			}
		}
	}
	n, err := r.Delete(ctx, expired...)
	if err != nil {
		return 0, err
	}

	tagKeys, err := r.scan(ctx, tagPrefix+"*")
	if err != nil {
		return n, fmt.Errorf("redis: list tags: %w", err)
	}
	for _, tk := range tagKeys {
		if err := r.pruneTag(ctx, tk); err != nil {
			return n, err
		}
	}
	return n, nil
}

func (r *RedisBackend) Close() error {
	return r.client.Close()
}

func (r *RedisBackend) scan(ctx context.Context, match string) ([]string, error) {
	var (
		out    []string
		cursor uint64
	)
	for {
		keys, next, err := r.client.Scan(ctx, cursor, match, 200).Result()
		if err != nil {
			return nil, fmt.Errorf("redis: scan %s: %w", match, err)
		}
		out = append(out, keys...)
		cursor = next
		if cursor == 0 {
			return out, nil
		}
	}
}

// pruneTag removes members of the tag set at tk whose entries are gone.
func (r *RedisBackend) pruneTag(ctx context.Context, tk string) error {
	members, err := r.client.SMembers(ctx, tk).Result()
	if err != nil {
		return fmt.Errorf("redis: tag %s: %w", tk, err)
	}
	if len(members) == 0 {
		return nil
	}
	pipe := r.client.Pipeline()
	checks := make([]*redis.IntCmd, len(members))
	for i, m := range members {
		checks[i] = pipe.Exists(ctx, m)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: check tag %s: %w", tk, err)
	}
	var dangling []interface{}
	for i, c := range checks {
		if c.Val() == 0 {
			dangling = append(dangling, members[i])
		}
	}
	if len(dangling) == 0 {
		return nil
	}
	if err := r.client.SRem(ctx, tk, dangling...).Err(); err != nil {
		return fmt.Errorf("redis: prune tag %s: %w", tk, err)
	}
	return nil
}

func (r *RedisBackend) load(ctx context.Context, key string) (*Entry, bool, error) {
	fields, err := r.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, false, fmt.Errorf("redis: get %s: %w", key, err)
	}
	if len(fields) == 0 {
		return nil, false, nil
	}

	e := &Entry{Key: key, Value: []byte(fields[fieldValue])}
	e.CreatedAt = parseMillis(fields[fieldCreatedAt])
	e.ExpiresAt = parseMillis(fields[fieldExpiresAt])
	e.LastAccessed = parseMillis(fields[fieldLastAccessed])
	e.AccessCount, _ = strconv.ParseInt(fields[fieldAccessCount], 10, 64)
	if t := fields[fieldTags]; t != "" {
		e.Tags = strings.Split(t, ",")
	}
	return e, true, nil
}

func parseMillis(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
