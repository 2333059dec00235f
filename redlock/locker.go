// Package redlock is a single-instance redis lock used to elect one replica
// for periodic maintenance work.
package redlock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const defaultTTL = time.Minute

var (
	// ErrLockNotAcquired is returned when another holder owns the key.
	ErrLockNotAcquired = errors.New("redlock: lock not acquired")
	// ErrUnlockFailed is returned when the lock expired or belongs to someone else.
	ErrUnlockFailed = errors.New("redlock: failed to unlock")
)

// Deletes KEYS[1] only while it still holds ARGV[1].
var unlockScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// Locker guards one key. A Locker holds at most one lease at a time.
type Locker struct {
	client redis.Cmdable
	key    string
	ttl    time.Duration

	mu    sync.Mutex
	value string
}

// Option configures a Locker.
type Option func(*Locker)

// WithTTL sets the lease duration. Non-positive values keep the default.
func WithTTL(ttl time.Duration) Option {
	return func(l *Locker) {
		if ttl > 0 {
			l.ttl = ttl
		}
	}
}

// NewLocker creates a Locker on key.
func NewLocker(client redis.Cmdable, key string, opts ...Option) (*Locker, error) {
	if client == nil {
		return nil, errors.New("redlock: redis client cannot be nil")
	}
	if key == "" {
		return nil, errors.New("redlock: key cannot be empty")
	}
	l := &Locker{client: client, key: key, ttl: defaultTTL}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// TryLock takes the lease without waiting.
func (l *Locker) TryLock(ctx context.Context) error {
	value := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.key, value, l.ttl).Result()
	if err != nil {
		log.Error().Err(err).Str("key", l.key).Msg("failed to execute setnx command")
		return err
	}
	if !ok {
		log.Debug().Str("key", l.key).Msg("lock held by another instance")
		return ErrLockNotAcquired
	}

	l.mu.Lock()
	l.value = value
	l.mu.Unlock()
	log.Debug().Str("key", l.key).Dur("ttl", l.ttl).Msg("lock acquired")
	return nil
}

// Unlock releases the lease if this Locker still holds it.
func (l *Locker) Unlock(ctx context.Context) error {
	l.mu.Lock()
	value := l.value
	l.value = ""
	l.mu.Unlock()
	if value == "" {
		return ErrUnlockFailed
	}

	n, err := unlockScript.Run(ctx, l.client, []string{l.key}, value).Int64()
	if err != nil {
		log.Error().Err(err).Str("key", l.key).Msg("failed to execute unlock script")
		return err
	}
	if n != 1 {
		log.Warn().Str("key", l.key).Msg("lock expired before unlock")
		return ErrUnlockFailed
	}
	return nil
}

// Key returns the guarded key.
func (l *Locker) Key() string {
	return l.key
}
