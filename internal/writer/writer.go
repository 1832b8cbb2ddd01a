// Package writer implements the asynchronous writer pipeline: a bounded
// FIFO of dirty-page snapshots drained by a worker pool that persists them
// into the content store in batches, following a store-then-clear-dirty
// sequencing per request.
package writer

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/hashleaf/hashleaf/internal/cache"
	"github.com/hashleaf/hashleaf/internal/cas"
	"github.com/hashleaf/hashleaf/internal/page"
)

// ErrQueueFull is returned by Enqueue when the queue is at MaxQueueSize:
// explicit backpressure rather than blocking the caller.
var ErrQueueFull = errors.New("writer: queue full")

// ErrStopped is returned by Enqueue once the queue has been told to stop.
var ErrStopped = errors.New("writer: queue stopped")

// request is one pending (page_id, page_snapshot) write.
type request struct {
	id   page.ID
	page *page.Page
}

// Config tunes the writer pipeline. Zero-valued fields fall back to the
// defaults returned by Defaults().
type Config struct {
	MaxQueueSize int
	Workers      int
	MaxBatchSize int
	BatchTimeout time.Duration
	// RateLimit bounds how many pages per second the worker pool as a
	// whole stores into the content store (one limiter shared by every
	// worker); zero disables the limiter.
	RateLimit rate.Limit
}

// Defaults returns the writer pipeline's default tuning: 2 workers, batch
// size 10, 10ms batch timeout, unbounded rate limiting.
func Defaults() Config {
	return Config{
		MaxQueueSize: 1000,
		Workers:      2,
		MaxBatchSize: 10,
		BatchTimeout: 10 * time.Millisecond,
		RateLimit:    0,
	}
}

// Queue is the bounded FIFO of pending page writes plus its worker pool.
type Queue struct {
	cfg    Config
	store  *cas.Store
	cache  *cache.Cache
	logger *zap.Logger
	limit  *rate.Limiter

	mu       sync.Mutex
	cond     *sync.Cond
	pending  []request
	inFlight int
	stopped  bool

	tickerDone chan struct{}
	wg         sync.WaitGroup
}

// New starts cfg.Workers worker goroutines draining the queue. Call Stop to
// shut the pool down; Stop drains pending writes before returning.
func New(cfg Config, store *cas.Store, c *cache.Cache, logger *zap.Logger) *Queue {
	d := Defaults()
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = d.MaxQueueSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = d.Workers
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = d.MaxBatchSize
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = d.BatchTimeout
	}

	q := &Queue{
		cfg:        cfg,
		store:      store,
		cache:      c,
		logger:     logger,
		tickerDone: make(chan struct{}),
	}
	q.cond = sync.NewCond(&q.mu)
	if cfg.RateLimit > 0 {
		q.limit = rate.NewLimiter(cfg.RateLimit, cfg.MaxBatchSize)
	}

	// A periodic broadcast lets workers blocked in cond.Wait() re-check
	// their batch deadline even when nothing new is enqueued, since
	// sync.Cond has no native timed wait.
	go q.tickBroadcast()

	for i := 0; i < cfg.Workers; i++ {
		q.wg.Add(1)
		go q.worker(i)
	}
	return q
}

func (q *Queue) tickBroadcast() {
	interval := q.cfg.BatchTimeout / 4
	if interval <= 0 {
		interval = time.Millisecond
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			q.mu.Lock()
			q.cond.Broadcast()
			q.mu.Unlock()
		case <-q.tickerDone:
			return
		}
	}
}

// Enqueue submits (id, p) for asynchronous persistence. It returns
// ErrQueueFull without blocking if the queue is already at MaxQueueSize;
// the caller is responsible for a retry/flush policy.
//
// Within a single page_id, the caller (the tree's single writer thread)
// enqueues snapshots in mutation order, so the last enqueued snapshot for
// that id is always the last one a worker stores.
func (q *Queue) Enqueue(id page.ID, p *page.Page) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return ErrStopped
	}
	if len(q.pending) >= q.cfg.MaxQueueSize {
		return ErrQueueFull
	}
	q.pending = append(q.pending, request{id: id, page: p})
	q.cond.Broadcast()
	return nil
}

// WaitForEmpty blocks until the queue has no pending requests and every
// worker has finished its current batch. Used on shutdown and by Flush.
func (q *Queue) WaitForEmpty() {
	q.mu.Lock()
	for len(q.pending) > 0 || q.inFlight > 0 {
		q.cond.Wait()
	}
	q.mu.Unlock()
}

// Len reports the number of requests currently queued, not counting
// batches a worker already pulled off and is storing. Used for the
// writer-queue-depth gauge.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Flush is an alias for WaitForEmpty, the operation callers use after an
// ErrQueueFull retry loop to drain the queue before retrying.
func (q *Queue) Flush() {
	q.WaitForEmpty()
}

// Stop signals every worker to exit after draining pending writes, then
// joins them.
func (q *Queue) Stop() {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopped = true
	q.cond.Broadcast()
	q.mu.Unlock()

	q.WaitForEmpty()
	close(q.tickerDone)
	q.wg.Wait()
}

func (q *Queue) worker(idx int) {
	defer q.wg.Done()
	for {
		batch, stop := q.nextBatch()
		if len(batch) > 0 {
			q.storeBatch(idx, batch)
			continue
		}
		if stop {
			return
		}
	}
}

// nextBatch blocks until at least one request is pending, BatchTimeout
// elapses, or the queue is stopping, then dequeues up to MaxBatchSize
// requests. stop is true only once the queue is stopped and there is
// nothing left to drain.
func (q *Queue) nextBatch() (batch []request, stop bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	deadline := time.Now().Add(q.cfg.BatchTimeout)
	for len(q.pending) == 0 {
		if q.stopped {
			return nil, true
		}
		if !time.Now().Before(deadline) {
			return nil, false
		}
		q.cond.Wait()
	}

	n := len(q.pending)
	if n > q.cfg.MaxBatchSize {
		n = q.cfg.MaxBatchSize
	}
	batch = q.pending[:n]
	q.pending = q.pending[n:]
	q.inFlight++
	return batch, false
}

// storeBatch persists each request in the batch. A failure for one request
// is logged and the batch continues; the dirty bit is NOT cleared for a
// failing request, so it is retried on the next eviction or checkpoint.
func (q *Queue) storeBatch(workerIdx int, batch []request) {
	defer func() {
		q.mu.Lock()
		q.inFlight--
		q.cond.Broadcast()
		q.mu.Unlock()
	}()

	for _, req := range batch {
		if q.limit != nil {
			_ = q.limit.Wait(context.Background())
		}
		if _, err := q.store.Store(req.page); err != nil {
			if q.logger != nil {
				q.logger.Error("writer batch store failed",
					zap.Int("worker", workerIdx),
					zap.Uint16("page_id", uint16(req.id)),
					zap.Error(err))
			}
			continue
		}
		q.cache.ClearDirty(req.id)
		if q.logger != nil {
			q.logger.Debug("writer batch stored",
				zap.Int("worker", workerIdx), zap.Uint16("page_id", uint16(req.id)))
		}
	}
}
