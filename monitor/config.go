package monitor

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidAlertWindow    = errors.New("monitor: alert_window must be positive")
	ErrInvalidAlertThreshold = errors.New("monitor: thresholds must be positive and alert_threshold below escalation_threshold")
)

// Config configures alerting and retention.
type Config struct {
	AlertWindow         time.Duration `yaml:"alert_window"`
	AlertThreshold      int           `yaml:"alert_threshold"`
	EscalationThreshold int           `yaml:"escalation_threshold"`
	// MaxEventsPerClient bounds the retained events of each client. Zero keeps everything.
	MaxEventsPerClient int `yaml:"max_events_per_client"`
	// MaxAlerts bounds the retained alerts. Zero keeps everything.
	MaxAlerts int `yaml:"max_alerts"`
}

// DefaultConfig returns the stock alerting settings.
func DefaultConfig() Config {
	return Config{
		AlertWindow:         10 * time.Minute,
		AlertThreshold:      5,
		EscalationThreshold: 10,
		MaxEventsPerClient:  1000,
		MaxAlerts:           10000,
	}
}

// ValidateAndPrepare validates the settings.
func (c *Config) ValidateAndPrepare() error {
	if c.AlertWindow <= 0 {
		return fmt.Errorf("%w: got %s", ErrInvalidAlertWindow, c.AlertWindow)
	}
	if c.AlertThreshold <= 0 || c.EscalationThreshold <= c.AlertThreshold {
		return fmt.Errorf("%w: got %d and %d", ErrInvalidAlertThreshold, c.AlertThreshold, c.EscalationThreshold)
	}
	if c.MaxEventsPerClient < 0 || c.MaxAlerts < 0 {
		return errors.New("monitor: retention limits must not be negative")
	}
	return nil
}
