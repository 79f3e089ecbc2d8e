package journal

import (
	"log/slog"
	"sync"
	"time"

	"github.com/livinlefevreloca/runboard/internal/action"
	"github.com/livinlefevreloca/runboard/internal/db"
	"github.com/livinlefevreloca/runboard/internal/inbox"
)

// Store persists batches of journal records
type Store interface {
	CreateActionRecords(recs []db.ActionRecord) error
}

// Stats provides current writer statistics
type Stats struct {
	Buffered int
	Written  int64
	Failed   int64
	Dropped  int64
}

// Writer journals action outcomes in the background. Record never blocks
// the caller, and storage failures are logged, never returned.
type Writer struct {
	// Configuration
	config Config
	logger *slog.Logger
	store  Store

	// Producer side
	queue  *inbox.Inbox[action.Record]
	mu     sync.RWMutex
	closed bool

	// Consumer side (owned by the writer goroutine)
	buffer    []db.ActionRecord
	lastFlush time.Time

	statsMu sync.Mutex
	written int64
	failed  int64

	wg sync.WaitGroup
}

// NewWriter creates a new journal writer with the specified configuration
func NewWriter(config Config, store Store, logger *slog.Logger) (*Writer, error) {
	if err := validateConfig(config); err != nil {
		return nil, err
	}

	return &Writer{
		config:    config,
		logger:    logger,
		store:     store,
		queue:     inbox.New[action.Record](config.QueueSize, config.FlushInterval, logger),
		buffer:    make([]db.ActionRecord, 0, config.FlushThreshold),
		lastFlush: time.Now(),
	}, nil
}

// Record implements action.Recorder. Records are dropped with a warning if
// the queue is full or the writer has shut down.
func (w *Writer) Record(rec action.Record) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if w.closed {
		w.logger.Warn("journal closed, dropping record", "request_id", rec.RequestID)
		return
	}

	if !w.queue.TrySend(rec) {
		w.logger.Warn("journal queue full, dropping record",
			"request_id", rec.RequestID,
			"queue_depth", w.queue.Len())
	}
}

// Start launches the background writer goroutine
func (w *Writer) Start() {
	w.wg.Add(1)
	go w.run()
}

// run buffers queued records and flushes them by size or time
func (w *Writer) run() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case rec, ok := <-w.queue.C():
			if !ok {
				// Queue closed and drained
				w.flush()
				w.logger.Debug("journal writer shut down")
				return
			}
			w.queue.MarkReceived()
			w.buffer = append(w.buffer, toDBRecord(rec))
			if len(w.buffer) >= w.config.FlushThreshold {
				w.flush()
			}

		case now := <-ticker.C:
			if now.Sub(w.lastFlush) >= w.config.FlushInterval {
				w.flush()
			}
		}
	}
}

// flush writes the buffered records in one batch
func (w *Writer) flush() {
	w.queue.UpdateDepthStats()
	w.lastFlush = time.Now()

	if len(w.buffer) == 0 {
		return
	}

	batch := w.buffer
	w.buffer = make([]db.ActionRecord, 0, w.config.FlushThreshold)

	if err := w.store.CreateActionRecords(batch); err != nil {
		w.statsMu.Lock()
		w.failed += int64(len(batch))
		w.statsMu.Unlock()
		w.logger.Error("failed to write action records",
			"count", len(batch),
			"error", err)
		return
	}

	w.statsMu.Lock()
	w.written += int64(len(batch))
	w.statsMu.Unlock()
	w.logger.Debug("wrote action records", "count", len(batch))
}

// GetStats returns current writer statistics
func (w *Writer) GetStats() Stats {
	w.statsMu.Lock()
	defer w.statsMu.Unlock()

	queueStats := w.queue.GetStats()
	return Stats{
		Buffered: w.queue.Len(),
		Written:  w.written,
		Failed:   w.failed,
		Dropped:  queueStats.DroppedCount,
	}
}

// Shutdown stops accepting records, drains the queue and waits for the
// final flush
func (w *Writer) Shutdown() error {
	w.logger.Info("starting journal shutdown")

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.queue.Close()
	w.mu.Unlock()

	w.wg.Wait()

	w.logger.Info("journal shutdown complete")
	return nil
}

func toDBRecord(rec action.Record) db.ActionRecord {
	out := db.ActionRecord{
		RequestID:  rec.RequestID,
		Kind:       rec.Kind.String(),
		DagID:      rec.Target.DagID,
		RunID:      rec.Target.RunID,
		Confirmed:  rec.Confirmed,
		Outcome:    string(rec.Outcome),
		StatusCode: rec.StatusCode,
		StartedAt:  rec.StartedAt,
		Duration:   rec.Duration,
	}
	if rec.Message != "" {
		msg := rec.Message
		out.Message = &msg
	}
	return out
}
