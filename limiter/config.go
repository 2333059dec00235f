package limiter

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/KeyT9999/RestaurantBookingWebsite-sub002/category"
)

var (
	ErrInvalidStorage    = errors.New("limiter: invalid storage type")
	ErrInvalidCapacity   = errors.New("limiter: capacity must be positive")
	ErrInvalidPeriod     = errors.New("limiter: period must be positive")
	ErrDuplicateCategory = errors.New("limiter: duplicate bucket category")
)

// Bucket configures the token bucket of one category.
type Bucket struct {
	Category string  `yaml:"category"`
	Capacity int     `yaml:"capacity"` // max tokens (burst)
	Period   float64 `yaml:"period"`   // seconds to regenerate Capacity tokens

	ratePerSecond float64
}

// RatePerSecond is the refill rate computed by ValidateAndPrepare.
func (b *Bucket) RatePerSecond() float64 {
	return b.ratePerSecond
}

// Config holds the token bucket configuration.
type Config struct {
	StorageType string   `yaml:"storage_type"` // "memory" or "redis"
	Buckets     []Bucket `yaml:"buckets"`

	index map[string]*Bucket
}

// DefaultConfig returns the stock per-category buckets.
func DefaultConfig() Config {
	return Config{
		StorageType: StorageMemory,
		Buckets: []Bucket{
			{Category: category.Login, Capacity: 5, Period: 300},
			{Category: category.Booking, Capacity: 10, Period: 60},
			{Category: category.Chat, Capacity: 30, Period: 60},
			{Category: category.Review, Capacity: 3, Period: 300},
			{Category: category.General, Capacity: 100, Period: 60},
		},
	}
}

// ValidateAndPrepare validates the raw config and prepares internal fields.
func (c *Config) ValidateAndPrepare() error {
	if c.StorageType == "" {
		c.StorageType = StorageMemory
	}
	if c.StorageType != StorageMemory && c.StorageType != StorageRedis {
		return fmt.Errorf("%w: %s, must be '%s' or '%s'", ErrInvalidStorage, c.StorageType, StorageMemory, StorageRedis)
	}

	if len(c.Buckets) == 0 {
		log.Warn().Msg("no token buckets defined in config")
	}

	c.index = make(map[string]*Bucket, len(c.Buckets))
	for i := range c.Buckets {
		b := &c.Buckets[i] // operate on pointer to modify original slice element

		if _, seen := c.index[b.Category]; seen {
			return fmt.Errorf("%w: %s", ErrDuplicateCategory, b.Category)
		}
		if b.Capacity <= 0 {
			return fmt.Errorf("%w: bucket '%s' has capacity %d", ErrInvalidCapacity, b.Category, b.Capacity)
		}
		if b.Period <= 0 {
			return fmt.Errorf("%w: bucket '%s' has period %f", ErrInvalidPeriod, b.Category, b.Period)
		}
		if !category.Known(b.Category) {
			log.Warn().Str("category", b.Category).Msg("token bucket configured for unknown category")
		}
		b.ratePerSecond = float64(b.Capacity) / b.Period
		c.index[b.Category] = b
	}
	return nil
}

// Bucket returns the prepared bucket for a category.
func (c *Config) Bucket(name string) (*Bucket, bool) {
	if c.index == nil {
		return nil, false
	}
	b, ok := c.index[name]
	return b, ok
}
