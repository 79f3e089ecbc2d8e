package refresh

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/livinlefevreloca/runboard/internal/cache"
)

// State is the coordinator's timer state
type State int

const (
	Idle   State = iota // No timer
	Active              // Timer scheduled
)

// String returns a human-readable representation of the state
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Active:
		return "active"
	default:
		return "unknown"
	}
}

// Fetcher loads the current payload of a dataset
type Fetcher[T any] interface {
	Fetch(ctx context.Context, key string) (T, error)
}

// FetcherFunc adapts a function to Fetcher
type FetcherFunc[T any] func(ctx context.Context, key string) (T, error)

func (f FetcherFunc[T]) Fetch(ctx context.Context, key string) (T, error) {
	return f(ctx, key)
}

// Stats provides current coordinator statistics
type Stats struct {
	Ticks                int64
	Fetches              int64
	FetchErrors          int64
	Commits              int64
	StaleCommits         int64
	DroppedCommits       int64
	MaxConcurrentFetches int64
}

// Periodic ticks may arrive slightly early relative to the last fetch
// start. Allow this fraction of the interval as slack.
const tickSlackDivisor = 10

// Coordinator keeps one cached dataset current while it is Active.
//
// Each Active period runs a single goroutine, so fetches and commits for
// the key are strictly sequential. Resume while Active queues at most one
// forced tick and leaves the ticker alone. Results that arrive after Pause
// or Close are dropped.
type Coordinator[T any] struct {
	config  Config
	key     string
	fetcher Fetcher[T]
	cache   *cache.Synchronizer[T]
	settled func(T) bool
	logger  *slog.Logger
	now     func() time.Time

	mu         sync.Mutex
	state      State
	generation uint64
	cancel     context.CancelFunc
	kick       chan struct{}
	done       chan struct{}
	closed     bool
	lastFetch  time.Time

	fetching             atomic.Int64
	ticks                atomic.Int64
	fetches              atomic.Int64
	fetchErrors          atomic.Int64
	commits              atomic.Int64
	staleCommits         atomic.Int64
	droppedCommits       atomic.Int64
	maxConcurrentFetches atomic.Int64
}

// NewCoordinator creates an Idle coordinator for key. settled may be nil,
// in which case AutoPause has no effect.
func NewCoordinator[T any](
	config Config,
	key string,
	fetcher Fetcher[T],
	store *cache.Synchronizer[T],
	settled func(T) bool,
	logger *slog.Logger,
) (*Coordinator[T], error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if key == "" {
		return nil, fmt.Errorf("refresh: dataset key must not be empty")
	}
	if fetcher == nil || store == nil {
		return nil, fmt.Errorf("refresh: fetcher and cache are required")
	}

	return &Coordinator[T]{
		config:  config,
		key:     key,
		fetcher: fetcher,
		cache:   store,
		settled: settled,
		logger:  logger,
		now:     time.Now,
		state:   Idle,
	}, nil
}

// Resume moves Idle to Active and schedules an immediate tick. While
// Active it queues one forced tick after any tick in progress. Repeated
// calls coalesce and never restart the ticker.
func (c *Coordinator[T]) Resume() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		c.logger.Debug("resume after close ignored", "key", c.key)
		return
	}

	if c.state == Active {
		select {
		case c.kick <- struct{}{}:
		default:
			// a forced tick is already queued
		}
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	kick := make(chan struct{}, 1)
	kick <- struct{}{}
	done := make(chan struct{})
	prev := c.done

	c.generation++
	c.state = Active
	c.cancel = cancel
	c.kick = kick
	c.done = done

	go c.run(ctx, c.generation, kick, prev, done)

	c.logger.Info("auto refresh started",
		"key", c.key,
		"interval", c.config.Interval)
}

// Pause stops the timer. A fetch still in flight finishes but its result
// is dropped.
func (c *Coordinator[T]) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopLocked("paused")
}

// Close stops the timer for good. Resume becomes a no-op.
func (c *Coordinator[T]) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopLocked("closed")
	c.closed = true
}

// State returns the current timer state
func (c *Coordinator[T]) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Wait blocks until the most recent loop goroutine has exited or ctx is done
func (c *Coordinator[T]) Wait(ctx context.Context) error {
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()

	if done == nil {
		return nil
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns a copy of the current statistics
func (c *Coordinator[T]) Stats() Stats {
	return Stats{
		Ticks:                c.ticks.Load(),
		Fetches:              c.fetches.Load(),
		FetchErrors:          c.fetchErrors.Load(),
		Commits:              c.commits.Load(),
		StaleCommits:         c.staleCommits.Load(),
		DroppedCommits:       c.droppedCommits.Load(),
		MaxConcurrentFetches: c.maxConcurrentFetches.Load(),
	}
}

func (c *Coordinator[T]) stopLocked(reason string) {
	if c.state == Idle {
		return
	}

	c.cancel()
	c.state = Idle
	c.cancel = nil
	c.kick = nil

	c.logger.Info("auto refresh stopped", "key", c.key, "reason", reason)
}

// run is the loop for one Active period
func (c *Coordinator[T]) run(ctx context.Context, generation uint64, kick <-chan struct{}, prev <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	// A previous loop may still be waiting on a fetch. Never overlap it.
	if prev != nil {
		select {
		case <-prev:
		case <-ctx.Done():
			return
		}
	}

	ticker := time.NewTicker(c.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-kick:
			c.tick(ctx, generation, true)

		case <-ticker.C:
			c.tick(ctx, generation, false)
		}
	}
}

// tick performs one fetch-and-commit cycle
func (c *Coordinator[T]) tick(ctx context.Context, generation uint64, forced bool) {
	if ctx.Err() != nil {
		return
	}

	c.ticks.Add(1)

	if !forced && !c.due() {
		return
	}

	payload, epoch, err := c.fetch(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		c.fetchErrors.Add(1)
		c.logger.Warn("refresh fetch failed",
			"key", c.key,
			"forced", forced,
			"error", err)
		return
	}

	c.commit(generation, epoch, payload)
}

// due reports whether a periodic tick should fetch
func (c *Coordinator[T]) due() bool {
	entry, ok := c.cache.Get(c.key)
	if !ok || entry.Stale {
		return true
	}

	c.mu.Lock()
	last := c.lastFetch
	c.mu.Unlock()

	slack := c.config.Interval / tickSlackDivisor
	return c.now().Sub(last) >= c.config.Interval-slack
}

// fetch loads the dataset and returns the cache epoch read before it started
func (c *Coordinator[T]) fetch(ctx context.Context) (T, uint64, error) {
	n := c.fetching.Add(1)
	defer c.fetching.Add(-1)

	for {
		seen := c.maxConcurrentFetches.Load()
		if n <= seen || c.maxConcurrentFetches.CompareAndSwap(seen, n) {
			break
		}
	}

	c.fetches.Add(1)
	epoch := c.cache.Epoch(c.key)

	c.mu.Lock()
	c.lastFetch = c.now()
	c.mu.Unlock()

	if c.config.FetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.FetchTimeout)
		defer cancel()
	}

	payload, err := c.fetcher.Fetch(ctx, c.key)
	return payload, epoch, err
}

// commit writes a fetch result unless the loop that produced it has been stopped
func (c *Coordinator[T]) commit(generation, epoch uint64, payload T) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || c.state != Active || c.generation != generation {
		c.droppedCommits.Add(1)
		c.logger.Debug("dropping fetch result from stopped loop", "key", c.key)
		return
	}

	stored, fresh := c.cache.Commit(c.key, payload, epoch)
	if !stored {
		c.droppedCommits.Add(1)
		return
	}
	c.commits.Add(1)

	// Invalidated mid-fetch: the entry stays stale and the tick queued by
	// Resume refetches it.
	if !fresh {
		c.staleCommits.Add(1)
		return
	}

	c.logger.Debug("dataset refreshed", "key", c.key)

	if c.config.AutoPause && c.settled != nil && c.settled(payload) && len(c.kick) == 0 {
		c.stopLocked("settled")
	}
}
