package risk

import (
	"errors"
	"fmt"
	"time"

	"github.com/KeyT9999/RestaurantBookingWebsite-sub002/stats"
	"github.com/KeyT9999/RestaurantBookingWebsite-sub002/window"
)

// FailurePolicy decides what happens when statistics cannot be read.
type FailurePolicy string

const (
	// FailOpen continues with fresh statistics and skips the risk check.
	FailOpen FailurePolicy = "open"
	// FailClosed denies the request.
	FailClosed FailurePolicy = "closed"
)

var (
	ErrInvalidFailurePolicy = errors.New("risk: failure_policy must be 'open' or 'closed'")
	ErrInvalidThreshold     = errors.New("risk: threshold must not be negative")
	ErrInvalidRetention     = errors.New("risk: retention must be positive")
	ErrInvalidPolicy        = errors.New("risk: invalid suspicious policy")
)

// Config configures the risk scoring limiter.
type Config struct {
	Window window.Config `yaml:"window"`
	Policy stats.Policy  `yaml:"policy"`

	// MinInterval is the shortest accepted gap between two requests of a client. Zero disables it.
	MinInterval time.Duration `yaml:"min_interval"`
	// MaxPerMinute caps requests per client per rolling minute. Zero disables it.
	MaxPerMinute int  `yaml:"max_per_minute"`
	DetectBots   bool `yaml:"detect_bots"`

	// AutoBlockThreshold is the blocked count that triggers an auto-block. Zero disables it.
	AutoBlockThreshold int64 `yaml:"auto_block_threshold"`
	// AutoBlockDuration of zero blocks permanently.
	AutoBlockDuration time.Duration `yaml:"auto_block_duration"`

	Retention     time.Duration `yaml:"retention"`
	FailurePolicy FailurePolicy `yaml:"failure_policy"`
}

// DefaultConfig returns the stock risk settings.
func DefaultConfig() Config {
	return Config{
		Window:             window.DefaultConfig(),
		Policy:             stats.DefaultPolicy(),
		MinInterval:        50 * time.Millisecond,
		MaxPerMinute:       100,
		DetectBots:         true,
		AutoBlockThreshold: 15,
		AutoBlockDuration:  24 * time.Hour,
		Retention:          24 * time.Hour,
		FailurePolicy:      FailOpen,
	}
}

// ValidateAndPrepare validates the settings and prepares the window rules.
func (c *Config) ValidateAndPrepare() error {
	switch c.FailurePolicy {
	case "":
		c.FailurePolicy = FailOpen
	case FailOpen, FailClosed:
	default:
		return fmt.Errorf("%w: got '%s'", ErrInvalidFailurePolicy, c.FailurePolicy)
	}
	if c.MinInterval < 0 || c.MaxPerMinute < 0 || c.AutoBlockThreshold < 0 || c.AutoBlockDuration < 0 {
		return ErrInvalidThreshold
	}
	if c.Retention <= 0 {
		return fmt.Errorf("%w: got %s", ErrInvalidRetention, c.Retention)
	}
	if c.Policy.SuspiciousScore <= 0 || c.Policy.FailureRatio <= 0 || c.Policy.FailureRatio > 1 || c.Policy.MinSample < 0 {
		return fmt.Errorf("%w: %+v", ErrInvalidPolicy, c.Policy)
	}
	if err := c.Window.ValidateAndPrepare(); err != nil {
		return fmt.Errorf("window: %w", err)
	}
	return nil
}
