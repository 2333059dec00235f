package limiter

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// bucketScript refills and optionally consumes from a bucket hash.
// KEYS[1]: bucket key
// ARGV[1]: capacity, ARGV[2]: tokens per second, ARGV[3]: now (float seconds),
// ARGV[4]: tokens to consume (0 = read only), ARGV[5]: key ttl in seconds
// Returns {allowed (1/0), tokens left as string}.
const bucketScript = `
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local requested = tonumber(ARGV[4])
local ttl = tonumber(ARGV[5])

local state = redis.call("HMGET", KEYS[1], "tokens", "ts")
local tokens = tonumber(state[1])
local ts = tonumber(state[2])
if tokens == nil or ts == nil then
	tokens = capacity
	ts = now
end

local elapsed = now - ts
if elapsed < 0 then
	elapsed = 0
end
tokens = math.min(capacity, tokens + elapsed * rate)

local allowed = 0
if requested > 0 then
	if tokens >= requested then
		tokens = tokens - requested
		allowed = 1
	end
	redis.call("HSET", KEYS[1], "tokens", tostring(tokens), "ts", tostring(now))
	redis.call("EXPIRE", KEYS[1], ttl)
end
return {allowed, tostring(tokens)}
`

var redisScript = redis.NewScript(bucketScript)

// redisStore implements the Store interface using Redis.
type redisStore struct {
	client redis.Cmdable // Use Cmdable for compatibility with ClusterClient, SentinelClient, etc.
}

// NewRedisStore creates a new Redis token bucket store.
// It expects a pre-configured redis.Cmdable (e.g., redis.Client or redis.ClusterClient).
func NewRedisStore(client redis.Cmdable) Store {
	return &redisStore{
		client: client,
	}
}

func redisKey(key string) string {
	return redisKeyPrefix + key
}

// run executes the bucket script and returns the allowed flag and the token level.
func (s *redisStore) run(ctx context.Context, key string, capacity int, period float64, consume int) (bool, float64, error) {
	now := float64(time.Now().UnixNano()) / 1e9
	ttl := int64(math.Ceil(period)) + 1

	args := []any{
		capacity,                   // ARGV[1]
		float64(capacity) / period, // ARGV[2]
		now,                        // ARGV[3]
		consume,                    // ARGV[4]
		ttl,                        // ARGV[5]
	}

	result, err := redisScript.Run(ctx, s.client, []string{redisKey(key)}, args...).Result()
	if err != nil {
		log.Error().Err(err).Str("key", key).Msg("redis lua script execution failed")
		return false, 0, fmt.Errorf("redis command failed for key %s: %w", key, err)
	}

	values, ok := result.([]any)
	if !ok || len(values) != 2 {
		log.Error().Str("key", key).Interface("result", result).Msg("redis lua script returned unexpected type")
		return false, 0, fmt.Errorf("unexpected result type from redis script for key %s: %T", key, result)
	}
	allowedInt, ok := values[0].(int64)
	if !ok {
		return false, 0, fmt.Errorf("unexpected allowed flag from redis script for key %s: %T", key, values[0])
	}
	tokensStr, ok := values[1].(string)
	if !ok {
		return false, 0, fmt.Errorf("unexpected token level from redis script for key %s: %T", key, values[1])
	}
	tokens, err := strconv.ParseFloat(tokensStr, 64)
	if err != nil {
		return false, 0, fmt.Errorf("parse token level for key %s: %w", key, err)
	}
	return allowedInt == 1, tokens, nil
}

// Allow implements the Store interface for Redis storage using a Lua script for atomicity.
func (s *redisStore) Allow(ctx context.Context, key string, capacity int, period float64) (bool, error) {
	allowed, tokens, err := s.run(ctx, key, capacity, period, 1)
	if err != nil {
		return false, err
	}
	if allowed {
		log.Debug().Str("key", key).Float64("tokens", tokens).Bool("allowed", true).Msg("redis request allowed")
	} else {
		log.Warn().Str("key", key).Bool("allowed", false).Msg("redis rate limit exceeded")
	}
	return allowed, nil
}

// Tokens implements the Store interface for Redis storage.
func (s *redisStore) Tokens(ctx context.Context, key string, capacity int, period float64) (float64, error) {
	_, tokens, err := s.run(ctx, key, capacity, period, 0)
	return tokens, err
}

// Delete implements the Store interface for Redis storage.
func (s *redisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, redisKey(key)).Err(); err != nil {
		return fmt.Errorf("redis delete failed for key %s: %w", key, err)
	}
	return nil
}

var _ Store = (*redisStore)(nil)
