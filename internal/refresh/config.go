package refresh

import (
	"fmt"
	"time"
)

// Config defines the polling behaviour of the coordinator
type Config struct {
	// Period of the refresh ticker
	Interval time.Duration `toml:"interval" env:"RUNBOARD_REFRESH_INTERVAL"`

	// Upper bound for a single dataset fetch
	FetchTimeout time.Duration `toml:"fetch_timeout" env:"RUNBOARD_REFRESH_FETCH_TIMEOUT"`

	// Return to Idle once the dataset reports nothing left to watch
	AutoPause bool `toml:"auto_pause" env:"RUNBOARD_REFRESH_AUTO_PAUSE"`
}

// DefaultConfig returns the dashboard's polling defaults
func DefaultConfig() Config {
	return Config{
		Interval:     3 * time.Second,
		FetchTimeout: 10 * time.Second,
		AutoPause:    true,
	}
}

// Validate checks the configuration
func (c Config) Validate() error {
	if c.Interval <= 0 {
		return fmt.Errorf("Interval must be positive, got %v", c.Interval)
	}
	if c.FetchTimeout < 0 {
		return fmt.Errorf("FetchTimeout must not be negative, got %v", c.FetchTimeout)
	}
	return nil
}
