package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// LogSink writes records to the global logger.
type LogSink struct{}

// Emit implements Sink.
func (LogSink) Emit(_ context.Context, rec Record) error {
	log.Info().
		Str("record_id", rec.ID).
		Str("client", rec.Client).
		Str("path", rec.Path).
		Str("user_agent", rec.UserAgent).
		Str("category", rec.Category).
		Str("reason", rec.Reason).
		Time("at", rec.At).
		Msg("request blocked")
	return nil
}

// RedisSink pushes JSON records onto a redis list, newest first.
type RedisSink struct {
	rdb    redis.Cmdable
	key    string
	maxLen int64
}

// NewRedisSink creates a sink on list key. maxLen > 0 trims the list after each push.
func NewRedisSink(rdb redis.Cmdable, key string, maxLen int64) (*RedisSink, error) {
	if rdb == nil {
		return nil, errors.New("audit: redis client cannot be nil")
	}
	if key == "" {
		return nil, errors.New("audit: redis list key cannot be empty")
	}
	return &RedisSink{rdb: rdb, key: key, maxLen: maxLen}, nil
}

// Emit implements Sink.
func (s *RedisSink) Emit(ctx context.Context, rec Record) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("serialization failed: %w", err)
	}

	if err := s.rdb.LPush(ctx, s.key, payload).Err(); err != nil {
		return fmt.Errorf("lpush audit record: %w", err)
	}

	if s.maxLen > 0 {
		// LTRIM key 0 maxLen-1 keeps the newest maxLen records.
		if err := s.rdb.LTrim(ctx, s.key, 0, s.maxLen-1).Err(); err != nil {
			log.Warn().Err(err).Str("key", s.key).Int64("max_len", s.maxLen).Msg("failed to trim audit list after lpush")
		}
	}
	return nil
}

// recentPage is how many list entries Recent reads per LRANGE.
const recentPage = 256

// Recent returns up to limit of the newest records for client, or for
// every client when client is empty.
func (s *RedisSink) Recent(ctx context.Context, client string, limit int) ([]Record, error) {
	if limit <= 0 {
		return nil, nil
	}
	out := make([]Record, 0, min(limit, recentPage))
	for start := int64(0); len(out) < limit; start += recentPage {
		raw, err := s.rdb.LRange(ctx, s.key, start, start+recentPage-1).Result()
		if err != nil {
			return nil, fmt.Errorf("lrange audit records: %w", err)
		}
		for _, item := range raw {
			var rec Record
			if err := json.Unmarshal([]byte(item), &rec); err != nil {
				log.Warn().Err(err).Str("key", s.key).Msg("skipping malformed audit record")
				continue
			}
			if client != "" && rec.Client != client {
				continue
			}
			out = append(out, rec)
			if len(out) == limit {
				break
			}
		}
		if len(raw) < recentPage {
			break
		}
	}
	return out, nil
}

// MemorySink keeps the newest records in process memory.
type MemorySink struct {
	mu      sync.Mutex
	records []Record
	limit   int
}

// NewMemorySink keeps at most limit records; limit <= 0 keeps everything.
func NewMemorySink(limit int) *MemorySink {
	return &MemorySink{limit: limit}
}

// Emit implements Sink.
func (s *MemorySink) Emit(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	if s.limit > 0 && len(s.records) > s.limit {
		s.records = s.records[len(s.records)-s.limit:]
	}
	return nil
}

// Records returns a copy of the retained records, oldest first.
func (s *MemorySink) Records() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, len(s.records))
	copy(out, s.records)
	return out
}

var (
	_ Sink = LogSink{}
	_ Sink = (*RedisSink)(nil)
	_ Sink = (*MemorySink)(nil)
)
