package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/livinlefevreloca/runboard/internal/action"
	"github.com/livinlefevreloca/runboard/internal/cache"
	"github.com/livinlefevreloca/runboard/internal/config"
	"github.com/livinlefevreloca/runboard/internal/db"
	"github.com/livinlefevreloca/runboard/internal/journal"
	"github.com/livinlefevreloca/runboard/internal/refresh"
	"github.com/livinlefevreloca/runboard/internal/tracing"
	"github.com/livinlefevreloca/runboard/internal/tree"
)

// How long Close waits for the refresh loop to exit
const shutdownTimeout = 5 * time.Second

// app wires the subsystem for one DAG
type app struct {
	config      *config.Config
	logger      *slog.Logger
	store       *cache.Synchronizer[*tree.Data]
	coordinator *refresh.Coordinator[*tree.Data]
	client      *action.Client
	database    *db.DB
	journal     *journal.Writer
	stopTracing func(context.Context) error
}

// loadConfig loads, overrides and validates configuration
func loadConfig(opts *RootOptions) (*config.Config, error) {
	cfg, err := config.LoadConfig(opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	if opts.Verbose {
		cfg.Logging.Level = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// newApp builds every component. Missing endpoints fail here, before any
// action is attempted.
func newApp(ctx context.Context, opts *RootOptions, logOut io.Writer) (*app, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}

	logger := cfg.Logging.NewLogger(logOut)
	a := &app{config: cfg, logger: logger}

	a.stopTracing, err = tracing.Setup(ctx, cfg.Tracing)
	if err != nil {
		return nil, fmt.Errorf("failed to set up tracing: %w", err)
	}

	httpClient := &http.Client{}

	logger.Debug("resolving action endpoints", "page_url", cfg.Actions.PageURL)
	endpoints, err := cfg.ResolveEndpoints(ctx, httpClient)
	if err != nil {
		a.Close()
		return nil, err
	}

	var recorder action.Recorder
	if cfg.Journal.Enabled {
		logger.Debug("opening journal", "dsn", cfg.Journal.Database.DSN)
		a.database, err = db.OpenWithConfig(cfg.Journal.Database)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to open journal: %w", err)
		}
		a.journal, err = journal.NewWriter(cfg.Journal, a.database, logger)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.journal.Start()
		recorder = a.journal
	}

	fetcher, err := tree.NewFetcher(cfg.Tree, opts.DagID, httpClient, logger)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.store = cache.New[*tree.Data](logger, nil)
	a.coordinator, err = refresh.NewCoordinator[*tree.Data](
		cfg.Refresh,
		cfg.Actions.DatasetKey,
		fetcher,
		a.store,
		(*tree.Data).Settled,
		logger,
	)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.client, err = action.NewClient(cfg.ActionConfig(endpoints), httpClient, a.store, a.coordinator, recorder, logger)
	if err != nil {
		a.Close()
		return nil, err
	}

	return a, nil
}

// Close tears the session down: the refresh loop first, then the cache, so
// a late fetch cannot write into it, then the journal and tracing.
func (a *app) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if a.coordinator != nil {
		a.coordinator.Close()
		if err := a.coordinator.Wait(ctx); err != nil {
			a.logger.Warn("refresh loop did not exit in time", "error", err)
		}
	}
	if a.store != nil {
		a.store.Close()
	}
	if a.journal != nil {
		if err := a.journal.Shutdown(); err != nil {
			a.logger.Error("error shutting down journal", "error", err)
		}
	}
	if a.database != nil {
		a.database.Close()
	}
	if a.stopTracing != nil {
		if err := a.stopTracing(ctx); err != nil {
			a.logger.Warn("failed to flush traces", "error", err)
		}
	}
}

// waitFresh polls the cache until the dataset is authoritative
func (a *app) waitFresh(ctx context.Context) (*tree.Data, error) {
	ticker := time.NewTicker(25 * time.Millisecond)
	defer ticker.Stop()

	for {
		if data, ok := a.store.Authoritative(a.config.Actions.DatasetKey); ok {
			return data, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
