package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/raaihank/reflex-layer/internal/config"
	"github.com/raaihank/reflex-layer/internal/logger"
)

// takeTokensScript refills and checks every window of one bucket hash and
// decrements all of them only when each has enough tokens.
//
// KEYS[1]  bucket hash
// ARGV[1]  now (unix ms)
// ARGV[2]  cost
// ARGV[3..] field, capacity, refill per ms (one triple per window)
//
// Each window keeps its tokens and last refill time in hash fields named
// after it, so takes with different window sets share only the windows they
// have in common. The expiry only ever grows.
//
// Returns {allowed, floor(min remaining), retry after ms}.
var takeTokensScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local cost = tonumber(ARGV[2])
local windows = (#ARGV - 2) / 3

local fields = {}
local tokens = {}
local allowed = 1
local retry = 0
local ttl = 1
for i = 1, windows do
  local field = 'w:' .. ARGV[3 * i]
  local capacity = tonumber(ARGV[1 + 3 * i])
  local rate = tonumber(ARGV[2 + 3 * i])
  local state = redis.call('HMGET', key, field, field .. ':ts')
  local current = tonumber(state[1])
  local last = tonumber(state[2])
  if current == nil or last == nil then
    current = capacity
  else
    current = math.min(capacity, current + math.max(0, now - last) * rate)
  end
  fields[i] = field
  tokens[i] = current
  if current < cost then
    allowed = 0
    local wait = math.ceil((cost - current) / rate)
    if wait > retry then
      retry = wait
    end
  end
  local full = math.ceil(capacity / rate)
  if full > ttl then
    ttl = full
  end
end

local remaining = -1
for i = 1, windows do
  if allowed == 1 then
    tokens[i] = tokens[i] - cost
  end
  redis.call('HSET', key, fields[i], tostring(tokens[i]), fields[i] .. ':ts', now)
  if remaining < 0 or tokens[i] < remaining then
    remaining = tokens[i]
  end
end
if redis.call('PTTL', key) < ttl then
  redis.call('PEXPIRE', key, ttl)
end

return {allowed, math.floor(remaining), retry}
`)

// RedisStore is the Redis-backed Store shared by every instance
type RedisStore struct {
	client *redis.Client
	url    string
	logger *logger.Logger
}

// NewRedisStore connects to Redis and verifies the connection
func NewRedisStore(cfg config.RedisConfig, log *logger.Logger) (*RedisStore, error) {
	// Parse Redis URL
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	// Configure connection pool
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}
	opts.MinIdleConns = cfg.MinIdleConns
	if cfg.DialTimeout > 0 {
		opts.DialTimeout = cfg.DialTimeout
	}
	if cfg.CommandTimeout > 0 {
		opts.ReadTimeout = cfg.CommandTimeout
		opts.WriteTimeout = cfg.CommandTimeout
	}

	s := &RedisStore{
		client: redis.NewClient(opts),
		url:    cfg.URL,
		logger: log.WithComponent("store"),
	}

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.Ping(ctx); err != nil {
		s.client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	// Load the script once so later calls go through EVALSHA
	if err := takeTokensScript.Load(ctx, s.client).Err(); err != nil {
		s.client.Close()
		return nil, fmt.Errorf("failed to load token bucket script: %w", err)
	}

	s.logger.Info("Redis store initialized",
		zap.String("redis_url", maskRedisURL(cfg.URL)),
		zap.Int("pool_size", opts.PoolSize),
		zap.Int("min_idle_conns", opts.MinIdleConns))

	return s, nil
}

// NewRedisStoreWithClient wraps an existing client
func NewRedisStoreWithClient(client *redis.Client, log *logger.Logger) *RedisStore {
	return &RedisStore{client: client, logger: log.WithComponent("store")}
}

// Ping tests the Redis connection
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Get returns the value at key or ErrNotFound
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}
	return data, nil
}

// Set stores value at key with the given TTL. A zero TTL means no expiry.
func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Delete removes key. Deleting an absent key is not an error.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// TakeTokens runs the token bucket script against the hash at key
func (s *RedisStore) TakeTokens(ctx context.Context, key string, limits []Limit, cost int, now time.Time) (TakeResult, error) {
	if err := validateLimits(limits, cost); err != nil {
		return TakeResult{}, err
	}

	args := make([]interface{}, 0, 2+3*len(limits))
	args = append(args, now.UnixMilli(), cost)
	for _, l := range limits {
		args = append(args,
			l.field(),
			strconv.FormatFloat(l.Capacity, 'f', -1, 64),
			strconv.FormatFloat(l.RefillPerSec/1000, 'f', -1, 64),
		)
	}

	values, err := takeTokensScript.Run(ctx, s.client, []string{key}, args...).Slice()
	if err != nil {
		return TakeResult{}, fmt.Errorf("token bucket script: %w", err)
	}
	if len(values) != 3 {
		return TakeResult{}, fmt.Errorf("token bucket script returned %d values", len(values))
	}

	allowed, _ := values[0].(int64)
	remaining, _ := values[1].(int64)
	retryMs, _ := values[2].(int64)

	result := TakeResult{
		Allowed:   allowed == 1,
		Remaining: float64(remaining),
	}
	if !result.Allowed {
		result.RetryAfter = time.Duration(retryMs) * time.Millisecond
	}
	return result, nil
}

// Stats reports key count and memory usage from INFO
func (s *RedisStore) Stats(ctx context.Context) (Stats, error) {
	stats := Stats{Backend: "redis"}

	info, err := s.client.Info(ctx, "memory").Result()
	if err != nil {
		return stats, fmt.Errorf("failed to get Redis info: %w", err)
	}

	// Parse memory usage from Redis info
	for _, line := range strings.Split(info, "\r\n") {
		if memStr := strings.TrimPrefix(line, "used_memory:"); memStr != line {
			if mem, err := strconv.ParseInt(memStr, 10, 64); err == nil {
				stats.MemoryBytes = mem
			}
		}
	}

	// Get total keys count
	if keys, err := s.client.DBSize(ctx).Result(); err == nil {
		stats.Keys = keys
	}

	return stats, nil
}

// Clear removes every key under prefix
func (s *RedisStore) Clear(ctx context.Context, prefix string) (int, error) {
	// Use SCAN to find all keys with our prefix
	iter := s.client.Scan(ctx, 0, prefix+"*", 0).Iterator()
	var keys []string

	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}

	if err := iter.Err(); err != nil {
		return 0, fmt.Errorf("failed to scan keys: %w", err)
	}

	// Delete keys in batches
	const batchSize = 100
	for i := 0; i < len(keys); i += batchSize {
		end := min(i+batchSize, len(keys))
		if err := s.client.Del(ctx, keys[i:end]...).Err(); err != nil {
			return i, fmt.Errorf("failed to delete keys: %w", err)
		}
	}

	s.logger.Info("Store keys cleared", zap.String("prefix", prefix), zap.Int("deleted_keys", len(keys)))
	return len(keys), nil
}

// Close closes the Redis connection
func (s *RedisStore) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

// maskRedisURL masks the password in a Redis URL for logging
func maskRedisURL(url string) string {
	if !strings.Contains(url, "@") {
		return url
	}
	parts := strings.SplitN(url, "@", 2)
	userParts := strings.Split(parts[0], ":")
	if len(userParts) >= 3 {
		userParts[len(userParts)-1] = "***"
		parts[0] = strings.Join(userParts, ":")
	}
	return strings.Join(parts, "@")
}
