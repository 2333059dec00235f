package limiter

import (
	"context"
)

// Store defines the interface for storing and checking token bucket states.
type Store interface {
	// Allow refills the bucket identified by key for the elapsed time and
	// consumes one token if available. It must update the state atomically.
	// capacity: max tokens (burst)
	// period: time in seconds to regenerate 'capacity' tokens
	Allow(ctx context.Context, key string, capacity int, period float64) (bool, error)

	// Tokens reports the refilled token level without consuming.
	// A missing bucket reports full capacity.
	Tokens(ctx context.Context, key string, capacity int, period float64) (float64, error)

	// Delete removes the bucket; the next access recreates it full.
	Delete(ctx context.Context, key string) error
}

// sweeper is implemented by stores that hold idle state in process memory.
type sweeper interface {
	Sweep() int
}
