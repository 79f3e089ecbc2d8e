package cache

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Entry is a snapshot of one cached dataset
type Entry[T any] struct {
	Key       string
	Payload   T
	Stale     bool
	FetchedAt time.Time
	Commits   int
}

// Synchronizer owns the shared datasets read by views. Invalidate only
// sets the stale flag. Only a Commit of a payload fetched after the last
// Invalidate clears it.
type Synchronizer[T any] struct {
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	entries map[string]*Entry[T]
	epochs  map[string]uint64
	closed  bool
}

// New creates an empty synchronizer. now may be nil.
func New[T any](logger *slog.Logger, now func() time.Time) *Synchronizer[T] {
	if now == nil {
		now = time.Now
	}
	return &Synchronizer[T]{
		logger:  logger,
		now:     now,
		entries: make(map[string]*Entry[T]),
		epochs:  make(map[string]uint64),
	}
}

// Get returns a copy of the entry for key
func (s *Synchronizer[T]) Get(key string) (Entry[T], bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[key]
	if !ok {
		return Entry[T]{}, false
	}
	return *entry, true
}

// Authoritative returns the payload only when the entry exists and is not stale
func (s *Synchronizer[T]) Authoritative(key string) (T, bool) {
	entry, ok := s.Get(key)
	if !ok || entry.Stale {
		var zero T
		return zero, false
	}
	return entry.Payload, true
}

// Epoch returns the invalidation epoch of key. Fetchers read it before
// fetching and hand it back to Commit.
func (s *Synchronizer[T]) Epoch(key string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epochs[key]
}

// Invalidate marks the entry stale and advances the key's epoch. A key that
// was never committed is left absent. Repeated calls before the next commit
// have the same effect on the entry as one.
func (s *Synchronizer[T]) Invalidate(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.epochs[key]++

	entry, ok := s.entries[key]
	if !ok {
		s.logger.Debug("invalidate on empty key", "key", key)
		return
	}
	if !entry.Stale {
		s.logger.Debug("dataset invalidated", "key", key)
	}
	entry.Stale = true
}

// Commit replaces the payload of a fetch that started at epoch. The stale
// flag is cleared only when no Invalidate happened since then; otherwise the
// payload is stored but stays stale. stored is false and the cache is left
// untouched once the synchronizer is closed.
func (s *Synchronizer[T]) Commit(key string, payload T, epoch uint64) (stored, fresh bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		s.logger.Debug("dropping commit after close", "key", key)
		return false, false
	}

	fresh = epoch == s.epochs[key]

	entry, ok := s.entries[key]
	if !ok {
		entry = &Entry[T]{Key: key}
		s.entries[key] = entry
	}
	entry.Payload = payload
	entry.Stale = !fresh
	entry.FetchedAt = s.now()
	entry.Commits++

	if !fresh {
		s.logger.Debug("committed payload predates invalidation", "key", key)
	}

	return true, fresh
}

// Keys returns the committed keys in sorted order
func (s *Synchronizer[T]) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]string, 0, len(s.entries))
	for k := range s.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Close tears the cache down. Later commits are dropped, reads still work.
func (s *Synchronizer[T]) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

// Closed reports whether Close has been called
func (s *Synchronizer[T]) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
