package store

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/howard-nolan/llmcompare/internal/metrics"
)

var (
	defaultWorkers   = 2
	defaultQueueSize = 128
)

// saveTimeout bounds a single background write.
const saveTimeout = 10 * time.Second

// Indexer is notified after each successful save. The semantic cache uses
// it to embed the new prompt.
type Indexer interface {
	Index(ctx context.Context, rec Record) error
}

// WriterConfig configures a Writer.
type WriterConfig struct {
	Store     Store
	Indexer   Indexer // optional
	Workers   int
	QueueSize int
	Logger    *zap.Logger
}

// Writer persists records off the request path. Handlers Enqueue and
// return; a small pool of workers does the actual writes.
type Writer struct {
	store   Store
	indexer Indexer
	queue   chan Record
	wg      sync.WaitGroup
	logger  *zap.Logger

	// mu guards closed and the queue's close against a concurrent send.
	mu     sync.RWMutex
	closed bool
}

// NewWriter starts the worker goroutines.
func NewWriter(c WriterConfig) *Writer {
	if c.Workers <= 0 {
		c.Workers = defaultWorkers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = defaultQueueSize
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}

	w := &Writer{
		store:   c.Store,
		indexer: c.Indexer,
		queue:   make(chan Record, c.QueueSize),
		logger:  c.Logger,
	}

	w.wg.Add(c.Workers)
	for i := range c.Workers {
		go w.worker(i)
	}

	return w
}

// Enqueue submits rec for saving. It never blocks: when the queue is full,
// or the Writer has been closed, the record is dropped and false is
// returned.
func (w *Writer) Enqueue(rec Record) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if w.closed {
		metrics.StoreWrites.WithLabelValues("dropped").Inc()
		w.logger.Warn("record not queued, writer closed, record dropped",
			zap.String("type", rec.Type),
		)
		return false
	}

	select {
	case w.queue <- rec:
		w.logger.Debug("record queued",
			zap.String("type", rec.Type),
		)
		return true
	default:
		metrics.StoreWrites.WithLabelValues("dropped").Inc()
		w.logger.Error("record not queued, queue full, record dropped",
			zap.String("type", rec.Type),
		)
		return false
	}
}

// Close stops accepting records and waits for queued ones to be written.
// Call it after the HTTP server has stopped.
func (w *Writer) Close() {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.queue)
	}
	w.mu.Unlock()

	w.wg.Wait()
}

func (w *Writer) worker(id int) {
	defer w.wg.Done()
	w.logger.Debug("writer started", zap.Int("worker_id", id))

	for rec := range w.queue {
		w.process(rec)
	}

	w.logger.Debug("writer stopped", zap.Int("worker_id", id))
}

func (w *Writer) process(rec Record) {
	ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
	defer cancel()

	res := w.store.SaveConversation(ctx, rec)
	if !res.Saved {
		metrics.StoreWrites.WithLabelValues("failed").Inc()
		w.logger.Error("saving conversation failed",
			zap.String("type", rec.Type),
			zap.Error(res.Err),
		)
		return
	}
	metrics.StoreWrites.WithLabelValues("saved").Inc()

	w.logger.Debug("conversation saved",
		zap.String("id", res.ID),
		zap.String("type", rec.Type),
	)

	if w.indexer == nil {
		return
	}

	rec.ID = res.ID
	if err := w.indexer.Index(ctx, rec); err != nil {
		w.logger.Warn("indexing conversation failed",
			zap.String("id", res.ID),
			zap.Error(err),
		)
	}
}
