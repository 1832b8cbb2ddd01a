// Package engine wires every subsystem together into the single entry
// point an application embeds: open/close, WAL replay on startup, and the
// Insert/Search/Delete/Checkpoint surface. Construction order is
// transaction allocator, content store, cache, WAL, writer queue, index,
// with replay happening before the scheduler and checkpoint coordinator
// start and the engine is handed back ready to serve, collapsed into a
// single constructor instead of a long-lived server process.
package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/hashleaf/hashleaf/internal/btree"
	"github.com/hashleaf/hashleaf/internal/cache"
	"github.com/hashleaf/hashleaf/internal/cas"
	"github.com/hashleaf/hashleaf/internal/checkpoint"
	"github.com/hashleaf/hashleaf/internal/page"
	"github.com/hashleaf/hashleaf/internal/scheduler"
	"github.com/hashleaf/hashleaf/internal/txn"
	"github.com/hashleaf/hashleaf/internal/wal"
	"github.com/hashleaf/hashleaf/internal/writer"
	pkglogger "github.com/hashleaf/hashleaf/pkg/logger"
	"github.com/hashleaf/hashleaf/pkg/telemetry"
)

// Config tunes every subsystem an Engine opens. Zero-valued fields fall
// back to each subsystem's own defaults.
type Config struct {
	DataDir string

	MaxKeysPerNode int
	MaxCacheSize   int

	WriterQueueSize    int
	WriterBatchSize    int
	WriterBatchTimeout time.Duration
	WriterWorkers      int

	SchedulerWorkers int

	CheckpointInterval time.Duration
	WALSizeThreshold   int64
	DirtyPageThreshold int
	WALBufferSize      int

	// Telemetry supplies the tracer/meter Open instruments Insert, Search,
	// Delete, and Checkpoint with. A nil value (the default — most tests
	// and simple embedders never call telemetry.New) falls back to no-op
	// implementations that cost nothing beyond an interface call.
	Telemetry *telemetry.Telemetry
}

// DefaultConfig returns the default configuration for every subsystem.
func DefaultConfig() Config {
	return Config{
		MaxKeysPerNode:     64,
		MaxCacheSize:       1000,
		WriterQueueSize:    1000,
		WriterBatchSize:    10,
		WriterBatchTimeout: 10 * time.Millisecond,
		WriterWorkers:      2,
		SchedulerWorkers:   4,
		CheckpointInterval: 5 * time.Minute,
		WALSizeThreshold:   1 * 1024 * 1024,
		DirtyPageThreshold: 100,
		WALBufferSize:      8 * 1024,
	}
}

// Engine is an opened, replayed, ready-to-serve hashleaf instance over a
// single Tree[int64, string] — integer keys and string values cover the
// CLI and the worked examples, and the codecs in internal/btree are
// generic for any other combination a future embedder
// needs.
type Engine struct {
	cfg    Config
	logger *zap.Logger

	alloc *txn.Allocator
	store *cas.Store
	cache *cache.Cache
	wal   *wal.Manager
	w     *writer.Queue
	tree  *btree.Tree[int64, string]

	sched *scheduler.Scheduler
	ckpt  *checkpoint.Coordinator

	tracer    trace.Tracer
	meter     metric.Meter
	ops       metric.Int64Counter
	opLatency metric.Int64Histogram
}

// replayBridge adapts a *btree.Tree to wal.Handlers so Open can drive
// recovery through ApplyInsert/ApplyDelete, which share the mutation code
// of a live Insert/Delete but write no WAL records: replay re-applies at
// the logical key level.
type replayBridge struct {
	tree *btree.Tree[int64, string]
}

func (b replayBridge) OnInsert(pageID page.ID, key, payload []byte) error {
	k, err := btree.Int64Key{}.Decode(key)
	if err != nil {
		return err
	}
	v, err := btree.FixedStringValue{MaxWidth: valueWidth}.Decode(payload)
	if err != nil {
		return err
	}
	return b.tree.ApplyInsert(k, v)
}

func (b replayBridge) OnDelete(pageID page.ID, key []byte) error {
	k, err := btree.Int64Key{}.Decode(key)
	if err != nil {
		return err
	}
	return b.tree.ApplyDelete(k)
}

func (b replayBridge) OnUpdate(pageID page.ID, key, oldPayload, newPayload []byte) error {
	k, err := btree.Int64Key{}.Decode(key)
	if err != nil {
		return err
	}
	v, err := btree.FixedStringValue{MaxWidth: valueWidth}.Decode(newPayload)
	if err != nil {
		return err
	}
	return b.tree.ApplyInsert(k, v)
}

// valueWidth bounds string values to a width that covers typical keys and
// small records; an embedder needing wider values constructs its own
// btree.Tree directly instead of going through Engine.
const valueWidth = 256

// Open assembles every subsystem under cfg.DataDir, replays the WAL, and
// starts the writer/scheduler/checkpoint background pipelines.
func Open(cfg Config, logger *zap.Logger) (*Engine, error) {
	d := DefaultConfig()
	if cfg.MaxKeysPerNode <= 0 {
		cfg.MaxKeysPerNode = d.MaxKeysPerNode
	}
	if cfg.MaxCacheSize <= 0 {
		cfg.MaxCacheSize = d.MaxCacheSize
	}
	if cfg.WriterQueueSize <= 0 {
		cfg.WriterQueueSize = d.WriterQueueSize
	}
	if cfg.WriterBatchSize <= 0 {
		cfg.WriterBatchSize = d.WriterBatchSize
	}
	if cfg.WriterBatchTimeout <= 0 {
		cfg.WriterBatchTimeout = d.WriterBatchTimeout
	}
	if cfg.WriterWorkers <= 0 {
		cfg.WriterWorkers = d.WriterWorkers
	}
	if cfg.SchedulerWorkers <= 0 {
		cfg.SchedulerWorkers = d.SchedulerWorkers
	}
	if cfg.CheckpointInterval <= 0 {
		cfg.CheckpointInterval = d.CheckpointInterval
	}
	if cfg.WALSizeThreshold <= 0 {
		cfg.WALSizeThreshold = d.WALSizeThreshold
	}
	if cfg.DirtyPageThreshold <= 0 {
		cfg.DirtyPageThreshold = d.DirtyPageThreshold
	}
	if cfg.WALBufferSize <= 0 {
		cfg.WALBufferSize = d.WALBufferSize
	}
	if cfg.DataDir == "" {
		return nil, fmt.Errorf("engine: empty data_dir")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	alloc := txn.New()

	store, err := cas.NewDisk(filepath.Join(cfg.DataDir, "blobs"), pkglogger.Component(logger, "cas"))
	if err != nil {
		return nil, fmt.Errorf("engine: open cas: %w", err)
	}

	c, err := cache.New(store, cfg.MaxCacheSize, pkglogger.Component(logger, "cache"))
	if err != nil {
		return nil, fmt.Errorf("engine: open cache: %w", err)
	}

	walCfg := wal.Config{BufferSize: cfg.WALBufferSize}
	wm, err := wal.Open(filepath.Join(cfg.DataDir, "wal"), walCfg, alloc, pkglogger.Component(logger, "wal"))
	if err != nil {
		return nil, fmt.Errorf("engine: open wal: %w", err)
	}

	wq := writer.New(writer.Config{
		MaxQueueSize: cfg.WriterQueueSize,
		Workers:      cfg.WriterWorkers,
		MaxBatchSize: cfg.WriterBatchSize,
		BatchTimeout: cfg.WriterBatchTimeout,
	}, store, c, pkglogger.Component(logger, "writer"))

	deps := btree.Deps{Cache: c, Store: store, Writer: wq, WAL: wm}
	tree, err := btree.New[int64, string](deps, btree.Int64Key{}, btree.FixedStringValue{MaxWidth: valueWidth}, cfg.MaxKeysPerNode, page.InvalidID, pkglogger.Component(logger, "btree"))
	if err != nil {
		wq.Stop()
		wm.Close()
		return nil, fmt.Errorf("engine: open tree: %w", err)
	}

	if err := wm.Replay(0, replayBridge{tree: tree}); err != nil {
		wq.Stop()
		wm.Close()
		return nil, fmt.Errorf("engine: replay wal: %w", err)
	}

	sched := scheduler.New(scheduler.Config{Workers: cfg.SchedulerWorkers}, pkglogger.Component(logger, "scheduler"))
	ckpt, err := checkpoint.New(checkpoint.Config{
		Interval:           cfg.CheckpointInterval,
		WALSizeThreshold:   cfg.WALSizeThreshold,
		DirtyPageThreshold: cfg.DirtyPageThreshold,
	}, c, wm, sched, pkglogger.Component(logger, "checkpoint"))
	if err != nil {
		sched.Stop()
		wq.Stop()
		wm.Close()
		return nil, fmt.Errorf("engine: open checkpoint coordinator: %w", err)
	}
	ckpt.Start()

	tracer := nooptrace.NewTracerProvider().Tracer("hashleaf")
	meter := noop.NewMeterProvider().Meter("hashleaf")
	if cfg.Telemetry != nil {
		if cfg.Telemetry.Tracer != nil {
			tracer = cfg.Telemetry.Tracer
		}
		if cfg.Telemetry.Meter != nil {
			meter = cfg.Telemetry.Meter
		}
	}

	ops, err := meter.Int64Counter("hashleaf.engine.operations",
		metric.WithDescription("count of Insert/Search/Delete/Checkpoint calls, by op and outcome"))
	if err != nil {
		return nil, fmt.Errorf("engine: register operations counter: %w", err)
	}
	opLatency, err := meter.Int64Histogram("hashleaf.engine.operation_latency_ms",
		metric.WithDescription("Insert/Search/Delete/Checkpoint latency in milliseconds, by op"))
	if err != nil {
		return nil, fmt.Errorf("engine: register operation latency histogram: %w", err)
	}

	e := &Engine{
		cfg:       cfg,
		logger:    logger,
		alloc:     alloc,
		store:     store,
		cache:     c,
		wal:       wm,
		w:         wq,
		tree:      tree,
		sched:     sched,
		ckpt:      ckpt,
		tracer:    tracer,
		meter:     meter,
		ops:       ops,
		opLatency: opLatency,
	}

	if _, err := meter.Float64ObservableGauge("hashleaf.cache.hit_ratio",
		metric.WithDescription("fraction of page cache Get calls served without a content-store read"),
		metric.WithFloat64Callback(func(_ context.Context, o metric.Float64Observer) error {
			hits, misses := c.HitsAndMisses()
			total := hits + misses
			if total == 0 {
				o.Observe(1)
				return nil
			}
			o.Observe(float64(hits) / float64(total))
			return nil
		}),
	); err != nil {
		return nil, fmt.Errorf("engine: register cache hit ratio gauge: %w", err)
	}

	if _, err := meter.Int64ObservableGauge("hashleaf.writer.queue_depth",
		metric.WithDescription("number of page writes queued for the content store"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(wq.Len()))
			return nil
		}),
	); err != nil {
		return nil, fmt.Errorf("engine: register writer queue depth gauge: %w", err)
	}

	if _, err := meter.Int64ObservableGauge("hashleaf.wal.size_bytes",
		metric.WithDescription("current size of the active WAL segment, a proxy for fsync pressure"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(wm.Size())
			return nil
		}),
	); err != nil {
		return nil, fmt.Errorf("engine: register wal size gauge: %w", err)
	}

	return e, nil
}

// Insert inserts or overwrites key's value.
func (e *Engine) Insert(key int64, value string) error {
	ctx, span, start := e.startOp(context.Background(), "hashleaf.Insert", attribute.Int64("key", key))
	err := e.tree.Insert(key, value)
	e.endOp(ctx, span, start, "insert", err)
	return err
}

// Search returns the value stored under key, or !ok if absent.
func (e *Engine) Search(key int64) (string, bool, error) {
	ctx, span, start := e.startOp(context.Background(), "hashleaf.Search", attribute.Int64("key", key))
	v, ok, err := e.tree.Search(key)
	span.SetAttributes(attribute.Bool("found", ok))
	e.endOp(ctx, span, start, "search", err)
	return v, ok, err
}

// Delete removes key, returning btree.ErrNotFound if it is absent.
func (e *Engine) Delete(key int64) error {
	ctx, span, start := e.startOp(context.Background(), "hashleaf.Delete", attribute.Int64("key", key))
	err := e.tree.Delete(key)
	e.endOp(ctx, span, start, "delete", err)
	return err
}

// startOp opens a span named name over ctx and records the call's start
// time, paired with endOp to close out the span and record the counter
// and latency histogram for the operation.
func (e *Engine) startOp(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span, time.Time) {
	ctx, span := e.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
	return ctx, span, time.Now()
}

// endOp closes span with an error status if err is non-nil, records the
// shared operations counter and latency histogram with op/outcome
// attributes, and ends the span.
func (e *Engine) endOp(ctx context.Context, span trace.Span, start time.Time, op string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
	} else {
		span.SetStatus(codes.Ok, "")
	}
	attrs := metric.WithAttributes(attribute.String("op", op), attribute.String("outcome", outcome))
	e.ops.Add(ctx, 1, attrs)
	e.opLatency.Record(ctx, time.Since(start).Milliseconds(), attrs)
	span.End()
}

// Checkpoint forces an immediate checkpoint and blocks until it completes
// (or fails), for callers that need a synchronous durability point (e.g.
// the server's CHECKPOINT command).
func (e *Engine) Checkpoint(ctx context.Context) error {
	ctx, span, start := e.startOp(ctx, "hashleaf.Checkpoint")

	jobID := e.ckpt.RunNow()
	for {
		st, ok := e.sched.Status(jobID)
		if !ok {
			err := fmt.Errorf("engine: checkpoint job vanished")
			e.endOp(ctx, span, start, "checkpoint", err)
			return err
		}
		switch st {
		case scheduler.Succeeded:
			e.endOp(ctx, span, start, "checkpoint", nil)
			return nil
		case scheduler.Failed:
			err := fmt.Errorf("engine: checkpoint job failed")
			e.endOp(ctx, span, start, "checkpoint", err)
			return err
		}
		select {
		case <-ctx.Done():
			e.endOp(ctx, span, start, "checkpoint", ctx.Err())
			return ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
}

// Stats reports a snapshot of the engine's observable state, consumed by
// the server's "stats" command.
type Stats struct {
	BlobCount         int
	CacheEntries      int
	DirtyPages        int
	CacheHits         uint64
	CacheMisses       uint64
	WriterQueueDepth  int
	LastCheckpointLSN uint64
	SchedulerHealthy  bool
}

// Stats returns a point-in-time snapshot of the engine's state.
func (e *Engine) Stats() Stats {
	hits, misses := e.cache.HitsAndMisses()
	return Stats{
		BlobCount:         e.store.BlobCount(),
		CacheEntries:      e.cache.Len(),
		DirtyPages:        len(e.cache.DirtyPages()),
		CacheHits:         hits,
		CacheMisses:       misses,
		WriterQueueDepth:  e.w.Len(),
		LastCheckpointLSN: uint64(e.wal.LastCheckpointLSN()),
		SchedulerHealthy:  e.sched.IsHealthy(),
	}
}

// Close stops every background pipeline and flushes outstanding work,
// aggregating the cache flush error and the WAL close error with multierr
// rather than stopping at the first failure, so a cache flush failure does
// not mask a WAL fsync failure that happened during the same shutdown.
func (e *Engine) Close() error {
	e.ckpt.Stop()
	e.sched.Stop()
	e.w.Stop()

	var err error
	if flushErr := e.cache.FlushAll(); flushErr != nil {
		err = multierr.Append(err, fmt.Errorf("engine: flush cache: %w", flushErr))
	}
	if closeErr := e.wal.Close(); closeErr != nil {
		err = multierr.Append(err, fmt.Errorf("engine: close wal: %w", closeErr))
	}
	return err
}
