package limiter

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog/log"
)

// TokenBucket applies per-(category, client) token buckets.
type TokenBucket struct {
	config *Config
	store  Store
}

// NewTokenBucket creates a new TokenBucket. cfg must have been prepared
// with ValidateAndPrepare.
func NewTokenBucket(cfg *Config, store Store) *TokenBucket {
	return &TokenBucket{
		config: cfg,
		store:  store,
	}
}

// TryConsume takes one token from the bucket of (category, client).
// Categories without a bucket are not limited. Store errors are logged and
// the request is allowed.
func (tb *TokenBucket) TryConsume(ctx context.Context, category, client string) bool {
	b, ok := tb.config.Bucket(category)
	if !ok {
		log.Debug().Str("category", category).Msg("no bucket for category, skipping")
		return true
	}

	key := generateStoreKey(category, client)
	allowed, err := tb.store.Allow(ctx, key, b.Capacity, b.Period)
	if err != nil {
		log.Error().Err(err).Str("category", category).Str("client", client).Msg("token bucket check failed")
		return true
	}
	if !allowed {
		log.Warn().Str("category", category).Str("client", client).Int("capacity", b.Capacity).Float64("period", b.Period).Msg("token bucket exhausted")
	}
	return allowed
}

// RemainingTokens reads the current whole token count without consuming.
func (tb *TokenBucket) RemainingTokens(ctx context.Context, category, client string) int {
	b, ok := tb.config.Bucket(category)
	if !ok {
		return 0
	}
	tokens, err := tb.store.Tokens(ctx, generateStoreKey(category, client), b.Capacity, b.Period)
	if err != nil {
		log.Error().Err(err).Str("category", category).Str("client", client).Msg("token bucket read failed")
		return b.Capacity
	}
	return int(math.Floor(tokens))
}

// Reset removes the bucket; the next access starts at full capacity.
func (tb *TokenBucket) Reset(ctx context.Context, category, client string) {
	if _, ok := tb.config.Bucket(category); !ok {
		return
	}
	if err := tb.store.Delete(ctx, generateStoreKey(category, client)); err != nil {
		log.Error().Err(err).Str("category", category).Str("client", client).Msg("token bucket reset failed")
		return
	}
	log.Debug().Str("category", category).Str("client", client).Msg("token bucket reset")
}

// Categories lists the configured bucket categories.
func (tb *TokenBucket) Categories() []string {
	out := make([]string, 0, len(tb.config.Buckets))
	for _, b := range tb.config.Buckets {
		out = append(out, b.Category)
	}
	return out
}

// RemainingAttempts reports RemainingTokens so buckets can be tracked by the monitor.
func (tb *TokenBucket) RemainingAttempts(ctx context.Context, category, client string) int {
	return tb.RemainingTokens(ctx, category, client)
}

// AutoResetRemaining is the time until the next token when the bucket is empty.
func (tb *TokenBucket) AutoResetRemaining(ctx context.Context, category, client string) time.Duration {
	b, ok := tb.config.Bucket(category)
	if !ok {
		return 0
	}
	tokens, err := tb.store.Tokens(ctx, generateStoreKey(category, client), b.Capacity, b.Period)
	if err != nil || tokens >= 1 {
		return 0
	}
	return time.Duration((1 - tokens) / b.RatePerSecond() * float64(time.Second))
}

// Run periodically drops idle buckets from in-process stores until ctx is done.
func (tb *TokenBucket) Run(ctx context.Context, interval time.Duration) {
	sw, ok := tb.store.(sweeper)
	if !ok || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := sw.Sweep(); n > 0 {
				log.Debug().Int("removed", n).Msg("swept idle token buckets")
			}
		}
	}
}

// generateStoreKey creates a unique string key for the store.
// Format: bucket:<category>|client:<client>
func generateStoreKey(category, client string) string {
	return fmt.Sprintf("bucket:%s|client:%s", category, client)
}
