package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"
)

// Persister stores cache entries outside the process so a restart does not
// start cold. Calls are best effort; the cache logs and ignores failures.
type Persister interface {
	Load(ctx context.Context) ([]Entry, error)
	Save(ctx context.Context, e Entry) error
	Delete(ctx context.Context, ids ...string) error
	Clear(ctx context.Context) error
}

// hashStore is the subset of *redis.Client used by RedisPersister.
type hashStore interface {
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
	HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	HDel(ctx context.Context, key string, fields ...string) *redis.IntCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// RedisPersister keeps every entry as a JSON field of one Redis hash, keyed
// by entry ID.
type RedisPersister struct {
	rdb hashStore
	key string
}

// NewRedisPersister creates a persister over the hash at key.
func NewRedisPersister(rdb hashStore, key string) *RedisPersister {
	return &RedisPersister{rdb: rdb, key: key}
}

// DialRedis connects to Redis at addr and returns a persister using key.
func DialRedis(ctx context.Context, addr, password string, db int, key string) (*RedisPersister, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("cache: ping redis %s: %w", addr, err)
	}
	return &RedisPersister{rdb: client, key: key}, nil
}

func (p *RedisPersister) Load(ctx context.Context) ([]Entry, error) {
	fields, err := p.rdb.HGetAll(ctx, p.key).Result()
	if err != nil {
		return nil, fmt.Errorf("cache: hgetall %s: %w", p.key, err)
	}
	out := make([]Entry, 0, len(fields))
	for id, raw := range fields {
		var e Entry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			// Skip corrupt fields.
			continue
		}
		if e.ID == "" {
			e.ID = id
		}
		out = append(out, e)
	}
	return out, nil
}

func (p *RedisPersister) Save(ctx context.Context, e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("cache: marshal entry %s: %w", e.ID, err)
	}
	if err := p.rdb.HSet(ctx, p.key, e.ID, data).Err(); err != nil {
		return fmt.Errorf("cache: hset %s: %w", e.ID, err)
	}
	return nil
}

func (p *RedisPersister) Delete(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := p.rdb.HDel(ctx, p.key, ids...).Err(); err != nil {
		return fmt.Errorf("cache: hdel %d entries: %w", len(ids), err)
	}
	return nil
}

func (p *RedisPersister) Clear(ctx context.Context) error {
	if err := p.rdb.Del(ctx, p.key).Err(); err != nil {
		return fmt.Errorf("cache: del %s: %w", p.key, err)
	}
	return nil
}

// Close closes the Redis client when the persister owns one.
func (p *RedisPersister) Close() error {
	if c, ok := p.rdb.(*redis.Client); ok {
		return c.Close()
	}
	return nil
}

func sortByCreated(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].CreatedAt.Before(entries[j].CreatedAt)
	})
}
