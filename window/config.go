package window

import (
	"errors"
	"fmt"
	"time"

	"github.com/KeyT9999/RestaurantBookingWebsite-sub002/category"
)

var (
	ErrInvalidMaxAttempts = errors.New("window: max_attempts must be positive")
	ErrInvalidWindow      = errors.New("window: window must be positive")
	ErrInvalidAutoReset   = errors.New("window: auto_reset must be positive")
	ErrDuplicateRule      = errors.New("window: duplicate rule category")
)

// Rule configures the attempt window of one category.
type Rule struct {
	Category    string        `yaml:"category"`
	MaxAttempts int           `yaml:"max_attempts"`
	Window      time.Duration `yaml:"window"`
	AutoReset   time.Duration `yaml:"auto_reset"` // idle time after which the window starts over
	// Audit sends denials of this category to the audit sink.
	Audit bool `yaml:"audit"`
	// ExpireWindow also starts over once Window has elapsed since the window opened.
	ExpireWindow bool `yaml:"expire_window"`
}

func (r Rule) validate() error {
	if r.MaxAttempts <= 0 {
		return fmt.Errorf("%w: rule '%s' has %d", ErrInvalidMaxAttempts, r.Category, r.MaxAttempts)
	}
	if r.Window <= 0 {
		return fmt.Errorf("%w: rule '%s' has %s", ErrInvalidWindow, r.Category, r.Window)
	}
	if r.AutoReset <= 0 {
		return fmt.Errorf("%w: rule '%s' has %s", ErrInvalidAutoReset, r.Category, r.AutoReset)
	}
	return nil
}

// Config holds per-category rules and the fallback rule for everything else.
type Config struct {
	Default Rule   `yaml:"default"`
	Rules   []Rule `yaml:"rules"`

	index map[string]Rule
}

// DefaultConfig returns the stock attempt windows.
func DefaultConfig() Config {
	return Config{
		Default: Rule{MaxAttempts: 100, Window: time.Minute, AutoReset: 5 * time.Minute, ExpireWindow: true},
		Rules: []Rule{
			{Category: category.Login, MaxAttempts: 5, Window: 30 * time.Second, AutoReset: time.Hour, Audit: true},
			{Category: category.ForgotPassword, MaxAttempts: 3, Window: 5 * time.Minute, AutoReset: 30 * time.Minute, Audit: true},
			{Category: category.Register, MaxAttempts: 2, Window: 5 * time.Minute, AutoReset: 30 * time.Minute, Audit: true},
			{Category: category.ResetPassword, MaxAttempts: 3, Window: 5 * time.Minute, AutoReset: 30 * time.Minute, Audit: true},
			{Category: category.Booking, MaxAttempts: 10, Window: time.Minute, AutoReset: 5 * time.Minute, ExpireWindow: true},
			{Category: category.Chat, MaxAttempts: 30, Window: time.Minute, AutoReset: 5 * time.Minute, ExpireWindow: true},
			{Category: category.Review, MaxAttempts: 3, Window: 5 * time.Minute, AutoReset: 30 * time.Minute, ExpireWindow: true},
		},
	}
}

// ValidateAndPrepare validates every rule and indexes them by category.
func (c *Config) ValidateAndPrepare() error {
	if err := c.Default.validate(); err != nil {
		return fmt.Errorf("default rule: %w", err)
	}
	c.index = make(map[string]Rule, len(c.Rules))
	for _, r := range c.Rules {
		if _, seen := c.index[r.Category]; seen {
			return fmt.Errorf("%w: %s", ErrDuplicateRule, r.Category)
		}
		if err := r.validate(); err != nil {
			return err
		}
		c.index[r.Category] = r
	}
	return nil
}

// Rule returns the rule for a category, falling back to Default.
func (c *Config) Rule(name string) Rule {
	if r, ok := c.index[name]; ok {
		return r
	}
	r := c.Default
	r.Category = name
	return r
}

// Categories lists the explicitly configured categories.
func (c *Config) Categories() []string {
	out := make([]string, 0, len(c.Rules))
	for _, r := range c.Rules {
		out = append(out, r.Category)
	}
	return out
}
