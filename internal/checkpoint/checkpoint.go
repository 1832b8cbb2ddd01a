// Package checkpoint implements the checkpoint coordinator: a thin
// consumer of internal/scheduler that runs cache.FlushAll -> wal.
// WriteCheckpoint -> wal.Sync on a schedule, plus a periodic WAL-truncation
// cleanup job. The flush-then-log-then-sync sequencing runs as a one-shot
// CRITICAL scheduler job, scheduled by a polling monitor goroutine (or by
// RunNow) rather than called directly; only the truncation job is recurring.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hashleaf/hashleaf/internal/cache"
	"github.com/hashleaf/hashleaf/internal/scheduler"
	"github.com/hashleaf/hashleaf/internal/txn"
	"github.com/hashleaf/hashleaf/internal/wal"
)

// ErrInvalidArgument covers nil collaborators or a non-positive interval.
var ErrInvalidArgument = errors.New("checkpoint: invalid argument")

// Config tunes the coordinator's triggers.
type Config struct {
	// Interval is the maximum time between checkpoints even if no other
	// trigger fires.
	Interval time.Duration
	// WALSizeThreshold triggers a checkpoint once the active WAL segment
	// reaches this many bytes.
	WALSizeThreshold int64
	// DirtyPageThreshold triggers a checkpoint once the cache holds at
	// least this many dirty pages.
	DirtyPageThreshold int
	// SafetyMargin is subtracted from the last checkpoint LSN before
	// truncating, so a handful of recent records remain available even if
	// a reader is lagging slightly behind the checkpoint.
	SafetyMargin txn.LSN
	// PollInterval is how often the monitor goroutine checks the
	// size/dirty-page triggers between scheduled interval runs.
	PollInterval time.Duration
}

// DefaultConfig returns the coordinator's default triggers: 5 minute
// interval, 1 MiB WAL size threshold, 100 dirty pages.
func DefaultConfig() Config {
	return Config{
		Interval:           5 * time.Minute,
		WALSizeThreshold:   1 * 1024 * 1024,
		DirtyPageThreshold: 100,
		SafetyMargin:       1000,
		PollInterval:       time.Second,
	}
}

// Coordinator drives periodic and threshold-triggered checkpoints through
// a scheduler, and a recurring WAL-truncation cleanup job.
type Coordinator struct {
	cfg    Config
	cache  *cache.Cache
	wal    *wal.Manager
	sched  *scheduler.Scheduler
	logger *zap.Logger

	mu          sync.Mutex
	lastRunAt   time.Time
	pollDone    chan struct{}
	wg          sync.WaitGroup
}

// New wires a Coordinator over an already-running scheduler. Start must be
// called to begin the monitor goroutine and register the recurring
// truncation job.
func New(cfg Config, c *cache.Cache, w *wal.Manager, sched *scheduler.Scheduler, logger *zap.Logger) (*Coordinator, error) {
	d := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = d.Interval
	}
	if cfg.WALSizeThreshold <= 0 {
		cfg.WALSizeThreshold = d.WALSizeThreshold
	}
	if cfg.DirtyPageThreshold <= 0 {
		cfg.DirtyPageThreshold = d.DirtyPageThreshold
	}
	if cfg.SafetyMargin == 0 {
		cfg.SafetyMargin = d.SafetyMargin
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = d.PollInterval
	}
	if c == nil || w == nil || sched == nil {
		return nil, fmt.Errorf("%w: nil collaborator", ErrInvalidArgument)
	}
	return &Coordinator{
		cfg:      cfg,
		cache:    c,
		wal:      w,
		sched:    sched,
		logger:   logger,
		pollDone: make(chan struct{}),
	}, nil
}

// Start registers the recurring cleanup job and begins the threshold
// monitor. It is idempotent only in the sense that calling it twice starts
// a second monitor goroutine; callers should call it exactly once.
func (c *Coordinator) Start() {
	c.sched.AddRecurring("wal_truncate", c.cfg.Interval, c.runTruncate, "truncate wal past last checkpoint", scheduler.Low)

	c.wg.Add(1)
	go c.monitor()
}

// Stop ends the threshold monitor goroutine. The scheduler and its
// recurring job registration are owned by the caller and are not touched
// here.
func (c *Coordinator) Stop() {
	close(c.pollDone)
	c.wg.Wait()
}

// monitor polls the size/dirty-page triggers and forces a checkpoint
// through the scheduler whenever one fires or the interval elapses.
func (c *Coordinator) monitor() {
	defer c.wg.Done()
	t := time.NewTicker(c.cfg.PollInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			c.maybeTrigger()
		case <-c.pollDone:
			return
		}
	}
}

func (c *Coordinator) maybeTrigger() {
	c.mu.Lock()
	elapsed := time.Since(c.lastRunAt)
	c.mu.Unlock()

	due := elapsed >= c.cfg.Interval ||
		c.wal.Size() >= c.cfg.WALSizeThreshold ||
		len(c.cache.DirtyPages()) >= c.cfg.DirtyPageThreshold
	if !due {
		return
	}
	c.sched.ScheduleCheckpoint(c.runCheckpoint)
}

// RunNow forces an immediate checkpoint through the scheduler, bypassing
// the trigger check, for use by the engine's explicit Checkpoint() call.
func (c *Coordinator) RunNow() string {
	return c.sched.ScheduleCheckpoint(c.runCheckpoint)
}

// runCheckpoint is the job body scheduled at CRITICAL priority:
// cache.FlushAll -> wal.WriteCheckpoint -> wal.Sync.
func (c *Coordinator) runCheckpoint(ctx context.Context) bool {
	if err := c.cache.FlushAll(); err != nil {
		if c.logger != nil {
			c.logger.Error("checkpoint flush_all failed", zap.Error(err))
		}
		return false
	}
	lsn, err := c.wal.WriteCheckpoint()
	if err != nil {
		if c.logger != nil {
			c.logger.Error("checkpoint write_checkpoint failed", zap.Error(err))
		}
		return false
	}
	if err := c.wal.Sync(); err != nil {
		if c.logger != nil {
			c.logger.Error("checkpoint sync failed", zap.Error(err))
		}
		return false
	}
	c.mu.Lock()
	c.lastRunAt = time.Now()
	c.mu.Unlock()
	if c.logger != nil {
		c.logger.Info("checkpoint complete", zap.Uint64("lsn", uint64(lsn)))
	}
	return true
}

// runTruncate is the recurring cleanup job: archive every sealed segment
// whose highest LSN is below last_checkpoint_lsn - safety_margin.
func (c *Coordinator) runTruncate(ctx context.Context) bool {
	lastCheckpoint := c.wal.LastCheckpointLSN()
	if lastCheckpoint == 0 {
		return true // nothing checkpointed yet; nothing to truncate
	}
	var upTo txn.LSN
	if lastCheckpoint > c.cfg.SafetyMargin {
		upTo = lastCheckpoint - c.cfg.SafetyMargin
	}
	if err := c.wal.Truncate(upTo); err != nil {
		if c.logger != nil {
			c.logger.Error("checkpoint wal truncate failed", zap.Error(err))
		}
		return false
	}
	return true
}
