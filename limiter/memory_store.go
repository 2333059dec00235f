package limiter

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// memoryShard owns a slice of the key space. Lookups and consumes happen
// under the shard mutex so Sweep never drops a bucket that is being drawn on.
type memoryShard struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

// memoryStore implements the Store interface using sharded in-memory maps.
type memoryStore struct {
	shards [shardCount]*memoryShard
	now    func() time.Time
}

// MemoryOption configures the memory store.
type MemoryOption func(*memoryStore)

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *memoryStore) {
		if now != nil {
			s.now = now
		}
	}
}

// NewMemoryStore creates a new in-memory token bucket store.
func NewMemoryStore(opts ...MemoryOption) Store {
	s := &memoryStore{now: time.Now}
	for i := range s.shards {
		s.shards[i] = &memoryShard{buckets: make(map[string]*rate.Limiter)}
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *memoryStore) shard(key string) *memoryShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return s.shards[h.Sum32()%shardCount]
}

// bucket returns the limiter for key, creating a full one when create is
// set. Caller holds sh.mu.
func (sh *memoryShard) bucket(key string, capacity int, period float64, create bool) *rate.Limiter {
	lim, ok := sh.buckets[key]
	if !ok && create {
		lim = rate.NewLimiter(rate.Limit(float64(capacity)/period), capacity)
		sh.buckets[key] = lim
		log.Debug().Str("key", key).Int("capacity", capacity).Float64("period", period).Msg("bucket created")
	}
	return lim
}

// Allow implements the Store interface for memory storage.
func (s *memoryStore) Allow(ctx context.Context, key string, capacity int, period float64) (bool, error) {
	sh := s.shard(key)
	sh.mu.Lock()
	allowed := sh.bucket(key, capacity, period, true).AllowN(s.now(), 1)
	sh.mu.Unlock()

	if allowed {
		log.Debug().Str("key", key).Bool("allowed", true).Msg("request checked")
	} else {
		log.Warn().Str("key", key).Bool("allowed", false).Msg("rate limit exceeded")
	}
	return allowed, nil
}

// Tokens implements the Store interface for memory storage.
func (s *memoryStore) Tokens(ctx context.Context, key string, capacity int, period float64) (float64, error) {
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	lim := sh.bucket(key, capacity, period, false)
	if lim == nil {
		return float64(capacity), nil
	}
	tokens := lim.TokensAt(s.now())
	if tokens < 0 {
		tokens = 0
	}
	return tokens, nil
}

// Delete implements the Store interface for memory storage.
func (s *memoryStore) Delete(ctx context.Context, key string) error {
	sh := s.shard(key)
	sh.mu.Lock()
	delete(sh.buckets, key)
	sh.mu.Unlock()
	return nil
}

// Sweep drops buckets that have refilled to capacity. They are
// indistinguishable from a freshly created bucket.
func (s *memoryStore) Sweep() int {
	now := s.now()
	removed := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		for key, lim := range sh.buckets {
			if lim.TokensAt(now) >= float64(lim.Burst()) {
				delete(sh.buckets, key)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed
}

var _ Store = (*memoryStore)(nil)
