package config

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"github.com/livinlefevreloca/runboard/internal/action"
	"github.com/livinlefevreloca/runboard/internal/journal"
	"github.com/livinlefevreloca/runboard/internal/pagemeta"
	"github.com/livinlefevreloca/runboard/internal/refresh"
	"github.com/livinlefevreloca/runboard/internal/tracing"
	"github.com/livinlefevreloca/runboard/internal/tree"
)

// Config represents the application configuration
type Config struct {
	Actions ActionsConfig  `toml:"actions"`
	Tree    tree.Config    `toml:"tree"`
	Refresh refresh.Config `toml:"refresh"`
	Journal journal.Config `toml:"journal"`
	Tracing tracing.Config `toml:"tracing"`
	Logging LoggingConfig  `toml:"logging"`
}

// ActionsConfig holds the action endpoint settings. Explicit URLs and the
// token take precedence over values read from the dashboard page.
type ActionsConfig struct {
	PageURL    string        `toml:"page_url" env:"RUNBOARD_PAGE_URL"`
	SuccessURL string        `toml:"success_url" env:"RUNBOARD_SUCCESS_URL"`
	FailedURL  string        `toml:"failed_url" env:"RUNBOARD_FAILED_URL"`
	ClearURL   string        `toml:"clear_url" env:"RUNBOARD_CLEAR_URL"`
	QueueURL   string        `toml:"queue_url" env:"RUNBOARD_QUEUE_URL"`
	CSRFToken  string        `toml:"csrf_token" env:"RUNBOARD_CSRF_TOKEN"`
	Timeout    time.Duration `toml:"timeout" env:"RUNBOARD_ACTION_TIMEOUT"`
	DatasetKey string        `toml:"dataset_key"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level  string `toml:"level" env:"RUNBOARD_LOG_LEVEL"`
	Format string `toml:"format" env:"RUNBOARD_LOG_FORMAT"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Actions: ActionsConfig{
			Timeout:    30 * time.Second,
			DatasetKey: action.DefaultDatasetKey,
		},
		Refresh: refresh.DefaultConfig(),
		Journal: journal.DefaultConfig(),
		Tracing: tracing.Config{
			Enabled:     false,
			ServiceName: "runboard",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadFromFile loads configuration from a TOML file
func LoadFromFile(path string) (*Config, error) {
	// Start with defaults
	config := DefaultConfig()

	// Check if file exists
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file does not exist: %s", path)
	}

	// Parse TOML file
	if _, err := toml.DecodeFile(path, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// LoadConfig loads configuration with the following precedence:
// 1. Default values
// 2. Config file (if specified)
// 3. Environment variables
// 4. Command-line flags (handled by caller)
func LoadConfig(configPath string) (*Config, error) {
	config := DefaultConfig()

	if configPath != "" {
		fileConfig, err := LoadFromFile(configPath)
		if err != nil {
			return nil, err
		}
		config = fileConfig
	}

	if err := env.Parse(config); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	return config, nil
}

// Validate checks if the configuration is valid. Endpoint presence is
// checked separately by ResolveEndpoints because the page may supply them.
func (c *Config) Validate() error {
	// Actions validation
	if c.Actions.Timeout < 0 {
		return fmt.Errorf("actions timeout must not be negative")
	}
	if c.Actions.DatasetKey == "" {
		return fmt.Errorf("actions dataset_key must be specified")
	}

	// Tree validation
	if c.Tree.URL == "" {
		return fmt.Errorf("tree url must be specified")
	}

	// Refresh validation
	if err := c.Refresh.Validate(); err != nil {
		return fmt.Errorf("refresh: %w", err)
	}

	// Journal validation
	if err := c.Journal.Validate(); err != nil {
		return fmt.Errorf("journal: %w", err)
	}

	// Tracing validation
	if c.Tracing.Enabled && c.Tracing.Endpoint == "" {
		return fmt.Errorf("tracing endpoint must be specified when tracing is enabled")
	}

	// Logging validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}
	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		return fmt.Errorf("invalid log format: %s (must be text or json)", c.Logging.Format)
	}

	return nil
}

// ResolveEndpoints returns the action endpoints, reading the dashboard page
// first when page_url is set. A missing URL or token is an *action.ConfigError.
func (c *Config) ResolveEndpoints(ctx context.Context, client *http.Client) (action.Endpoints, error) {
	endpoints := action.Endpoints{URLs: make(map[action.Kind]string, len(action.Kinds))}

	if c.Actions.PageURL != "" {
		meta, err := pagemeta.Fetch(ctx, client, c.Actions.PageURL)
		if err != nil {
			return action.Endpoints{}, err
		}
		endpoints = pagemeta.Collect(meta)
	}

	explicit := map[action.Kind]string{
		action.KindSuccess: c.Actions.SuccessURL,
		action.KindFailed:  c.Actions.FailedURL,
		action.KindClear:   c.Actions.ClearURL,
		action.KindQueue:   c.Actions.QueueURL,
	}
	for kind, u := range explicit {
		if u != "" {
			endpoints.URLs[kind] = u
		}
	}
	if c.Actions.CSRFToken != "" {
		endpoints.CSRFToken = c.Actions.CSRFToken
	}

	if err := endpoints.Validate(); err != nil {
		return action.Endpoints{}, err
	}
	return endpoints, nil
}

// ActionConfig builds the action client configuration
func (c *Config) ActionConfig(endpoints action.Endpoints) action.Config {
	return action.Config{
		Endpoints:  endpoints,
		Timeout:    c.Actions.Timeout,
		DatasetKey: c.Actions.DatasetKey,
	}
}

// NewLogger builds the process logger from the logging section
func (l LoggingConfig) NewLogger(w io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(l.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if l.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
