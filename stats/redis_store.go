package stats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const (
	redisKeyPrefix = "ratelimit:stats:"
	scanBatch      = 256
)

// RedisStore keeps one JSON document per client. Every save refreshes the
// key's TTL so abandoned clients expire on their own.
type RedisStore struct {
	rdb redis.Cmdable
	ttl time.Duration
}

// NewRedisStore creates a RedisStore. ttl <= 0 disables expiry.
func NewRedisStore(rdb redis.Cmdable, ttl time.Duration) *RedisStore {
	return &RedisStore{rdb: rdb, ttl: ttl}
}

func statsKey(client string) string {
	return redisKeyPrefix + client
}

// FindByClient implements Store.
func (r *RedisStore) FindByClient(ctx context.Context, client string) (*Statistics, error) {
	val, err := r.rdb.Get(ctx, statsKey(client)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get statistics for %s: %w", client, err)
	}

	var s Statistics
	if err := json.Unmarshal([]byte(val), &s); err != nil {
		return nil, fmt.Errorf("decode statistics for %s: %w", client, err)
	}
	return &s, nil
}

// Save implements Store.
func (r *RedisStore) Save(ctx context.Context, s *Statistics) error {
	if s == nil {
		return errors.New("stats: nil statistics")
	}
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode statistics for %s: %w", s.Client, err)
	}
	ttl := r.ttl
	if s.PermanentlyBlocked || ttl < 0 {
		ttl = 0
	}
	if err := r.rdb.Set(ctx, statsKey(s.Client), data, ttl).Err(); err != nil {
		return fmt.Errorf("save statistics for %s: %w", s.Client, err)
	}
	return nil
}

// Delete implements Store.
func (r *RedisStore) Delete(ctx context.Context, client string) error {
	if err := r.rdb.Del(ctx, statsKey(client)).Err(); err != nil {
		return fmt.Errorf("delete statistics for %s: %w", client, err)
	}
	return nil
}

// scan calls fn with every decodable record of the statistics keyspace.
func (r *RedisStore) scan(ctx context.Context, fn func(key string, s *Statistics) error) error {
	var cursor uint64
	for {
		keys, next, err := r.rdb.Scan(ctx, cursor, redisKeyPrefix+"*", scanBatch).Result()
		if err != nil {
			return fmt.Errorf("scan statistics: %w", err)
		}
		for _, key := range keys {
			val, err := r.rdb.Get(ctx, key).Result()
			if errors.Is(err, redis.Nil) {
				continue
			}
			if err != nil {
				return fmt.Errorf("get %s: %w", key, err)
			}
			var s Statistics
			if err := json.Unmarshal([]byte(val), &s); err != nil {
				log.Warn().Err(err).Str("key", key).Msg("skipping undecodable statistics")
				continue
			}
			if err := fn(key, &s); err != nil {
				return err
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

// DeleteBefore implements Store by scanning the statistics keyspace.
func (r *RedisStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var removed int64
	err := r.scan(ctx, func(key string, s *Statistics) error {
		if s.PermanentlyBlocked || !s.LastRequestAt.Before(cutoff) {
			return nil
		}
		if err := r.rdb.Del(ctx, key).Err(); err != nil {
			return fmt.Errorf("delete %s: %w", key, err)
		}
		removed++
		return nil
	})
	return removed, err
}

// List implements Store by scanning the statistics keyspace.
func (r *RedisStore) List(ctx context.Context) ([]*Statistics, error) {
	var out []*Statistics
	err := r.scan(ctx, func(_ string, s *Statistics) error {
		out = append(out, s)
		return nil
	})
	return out, err
}

var _ Store = (*RedisStore)(nil)
