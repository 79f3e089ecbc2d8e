package journal

import (
	"fmt"
	"time"

	"github.com/livinlefevreloca/runboard/internal/db"
)

// Config defines configuration for the action journal and its write buffering
type Config struct {
	Enabled bool `toml:"enabled" env:"RUNBOARD_JOURNAL_ENABLED"`

	// Queue between action dispatch and the writer goroutine
	QueueSize int `toml:"queue_size"`

	// Flushing - dual mechanism (size OR time triggers flush)
	FlushThreshold int           `toml:"flush_threshold"`
	FlushInterval  time.Duration `toml:"flush_interval"`

	Database db.Config `toml:"database"`
}

// DefaultConfig returns journal defaults sized for interactive use
func DefaultConfig() Config {
	return Config{
		Enabled:        true,
		QueueSize:      256,
		FlushThreshold: 32,
		FlushInterval:  1 * time.Second,
		Database: db.Config{
			Driver:          "sqlite3",
			DSN:             "runboard.db",
			MaxOpenConns:    1,
			MaxIdleConns:    1,
			ConnMaxLifetime: 30 * time.Minute,
			ConnMaxIdleTime: 5 * time.Minute,
		},
	}
}

// validateConfig validates journal configuration and returns error if invalid
func validateConfig(config Config) error {
	if config.QueueSize <= 0 {
		return fmt.Errorf("QueueSize must be positive, got %d", config.QueueSize)
	}

	if config.FlushThreshold <= 0 {
		return fmt.Errorf("FlushThreshold must be positive, got %d", config.FlushThreshold)
	}

	if config.FlushInterval <= 0 {
		return fmt.Errorf("FlushInterval must be positive, got %v", config.FlushInterval)
	}

	return nil
}

// Validate checks the configuration, including the database section when enabled
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if err := validateConfig(c); err != nil {
		return err
	}
	if c.Database.Driver != "sqlite3" {
		return fmt.Errorf("unsupported journal driver: %s (must be sqlite3)", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("journal DSN must be specified")
	}
	return nil
}
