package simulator

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/redis/go-redis/v9"

	"yqhp/hmi-sync/pkg/types"
)

// PointStore holds the current value of every simulated point.
type PointStore interface {
	// Get returns the value of a point; ok is false for unknown points.
	Get(ctx context.Context, key types.TopicKey) (value float64, ok bool, err error)
	// Set stores a point value.
	Set(ctx context.Context, key types.TopicKey, value float64) error
	// Snapshot returns the known values among keys.
	Snapshot(ctx context.Context, keys []types.TopicKey) (map[types.TopicKey]float64, error)
	Close() error
}

// MemoryStore is an in-process PointStore.
type MemoryStore struct {
	mu     sync.RWMutex
	values map[types.TopicKey]float64
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[types.TopicKey]float64)}
}

func (s *MemoryStore) Get(_ context.Context, key types.TopicKey) (float64, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok, nil
}

func (s *MemoryStore) Set(_ context.Context, key types.TopicKey, value float64) error {
	s.mu.Lock()
	s.values[key] = value
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Snapshot(_ context.Context, keys []types.TopicKey) (map[types.TopicKey]float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[types.TopicKey]float64, len(keys))
	for _, k := range keys {
		if v, ok := s.values[k]; ok {
			out[k] = v
		}
	}
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }

// RedisStore keeps point values as plain string keys, one per point.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// RedisOptions configures NewRedisStore.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// NewRedisStore connects to Redis and pings it before returning the store.
func NewRedisStore(ctx context.Context, opts RedisOptions) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return NewRedisStoreWithClient(client, opts.Prefix), nil
}

// NewRedisStoreWithClient wraps an existing client.
func NewRedisStoreWithClient(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) key(k types.TopicKey) string {
	return s.prefix + k.String()
}

func (s *RedisStore) Get(ctx context.Context, key types.TopicKey) (float64, bool, error) {
	raw, err := s.client.Get(ctx, s.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("get point %s: %w", key, err)
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, false, fmt.Errorf("point %s holds %q: %w", key, raw, err)
	}
	return v, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key types.TopicKey, value float64) error {
	raw := strconv.FormatFloat(value, 'f', -1, 64)
	if err := s.client.Set(ctx, s.key(key), raw, 0).Err(); err != nil {
		return fmt.Errorf("set point %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Snapshot(ctx context.Context, keys []types.TopicKey) (map[types.TopicKey]float64, error) {
	out := make(map[types.TopicKey]float64, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	names := make([]string, len(keys))
	for i, k := range keys {
		names[i] = s.key(k)
	}
	vals, err := s.client.MGet(ctx, names...).Result()
	if err != nil {
		return nil, fmt.Errorf("snapshot points: %w", err)
	}
	for i, raw := range vals {
		str, ok := raw.(string)
		if !ok {
			continue
		}
		if v, err := strconv.ParseFloat(str, 64); err == nil {
			out[keys[i]] = v
		}
	}
	return out, nil
}

// Client returns the underlying client.
func (s *RedisStore) Client() *redis.Client {
	return s.client
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
