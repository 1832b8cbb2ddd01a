// Package wal implements the write-ahead log: append-only record framing,
// buffered writes with fsync on commit/checkpoint/threshold, checkpoint
// tracking, truncation, and REDO-only replay. Segment rotation and
// archiving generalise a raw page-update log into logical
// INSERT/DELETE/UPDATE records.
package wal

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/hashleaf/hashleaf/internal/page"
	"github.com/hashleaf/hashleaf/internal/txn"
)

// ErrCorrupt is returned by DecodeRecord/Replay for truncated or
// checksum-mismatched records.
var ErrCorrupt = errors.New("wal: corrupt record")

// ErrInvalidArgument covers nil collaborators and empty directories.
var ErrInvalidArgument = errors.New("wal: invalid argument")

// segmentPrefix/segmentExt name active segment files "segment-%020d.wal"
// so lexical and numeric ordering agree.
const (
	segmentPrefix = "segment-"
	segmentExt    = ".wal"
)

// Handlers is the REDO recovery callback bundle Replay drives, kept as a
// small interface (rather than free functions) so the same replay code
// can drive both a real tree and a test harness.
type Handlers interface {
	OnInsert(pageID page.ID, key, payload []byte) error
	OnDelete(pageID page.ID, key []byte) error
	OnUpdate(pageID page.ID, key, oldPayload, newPayload []byte) error
}

// Config tunes buffering and segmentation.
type Config struct {
	// BufferSize is the in-memory coalescing buffer threshold in bytes,
	// defaults to 8 KiB.
	BufferSize int
	// SegmentSize rotates to a new active segment once the current one
	// reaches this many bytes.
	SegmentSize int64
}

// DefaultConfig returns the buffering and segmentation defaults.
func DefaultConfig() Config {
	return Config{BufferSize: 8 * 1024, SegmentSize: 16 * 1024 * 1024}
}

// Manager is the write-ahead log. All mutable state is protected by mu;
// callers acquire the tree's lock before the WAL's, and the WAL's before
// the cache's, to keep lock order consistent across the write path.
type Manager struct {
	mu sync.Mutex

	dir        string
	archiveDir string
	cfg        Config
	logger     *zap.Logger

	alloc *txn.Allocator

	activeSegmentID int64
	file            *os.File
	fileOffset      int64
	buf             bytes.Buffer

	lastCheckpointLSN txn.LSN
	openTxns          map[txn.ID]struct{}
}

// Open opens (or creates) a WAL rooted at dir, with sealed segments moved
// into dir/archive on Truncate. alloc supplies transaction ids and LSNs;
// when dir already holds segments, Open fast-forwards alloc past the
// highest ids found in them via alloc.RestoreTxnID/RestoreLSN.
func Open(dir string, cfg Config, alloc *txn.Allocator, logger *zap.Logger) (*Manager, error) {
	if dir == "" {
		return nil, fmt.Errorf("%w: empty wal directory", ErrInvalidArgument)
	}
	if alloc == nil {
		return nil, fmt.Errorf("%w: nil allocator", ErrInvalidArgument)
	}
	d := DefaultConfig()
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = d.BufferSize
	}
	if cfg.SegmentSize <= 0 {
		cfg.SegmentSize = d.SegmentSize
	}

	archiveDir := filepath.Join(dir, "archive")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("wal: mkdir %s: %w", dir, err)
	}
	if err := os.MkdirAll(archiveDir, 0o755); err != nil {
		return nil, fmt.Errorf("wal: mkdir %s: %w", archiveDir, err)
	}

	m := &Manager{
		dir:        dir,
		archiveDir: archiveDir,
		cfg:        cfg,
		logger:     logger,
		alloc:      alloc,
		openTxns:   make(map[txn.ID]struct{}),
	}
	m.buf.Grow(cfg.BufferSize)

	if err := m.openLatestSegment(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) segmentPath(id int64) string {
	return filepath.Join(m.dir, fmt.Sprintf("%s%020d%s", segmentPrefix, id, segmentExt))
}

func (m *Manager) openLatestSegment() error {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return fmt.Errorf("wal: read dir %s: %w", m.dir, err)
	}
	var ids []int64
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasPrefix(name, segmentPrefix) || !strings.HasSuffix(name, segmentExt) {
			continue
		}
		numStr := strings.TrimSuffix(strings.TrimPrefix(name, segmentPrefix), segmentExt)
		n, err := strconv.ParseInt(numStr, 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, n)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	if len(ids) == 0 {
		m.activeSegmentID = 1
		f, err := os.OpenFile(m.segmentPath(1), os.O_CREATE|os.O_RDWR, 0o644)
		if err != nil {
			return fmt.Errorf("wal: create segment: %w", err)
		}
		m.file = f
		m.fileOffset = 0
		return nil
	}

	m.activeSegmentID = ids[len(ids)-1]
	f, err := os.OpenFile(m.segmentPath(m.activeSegmentID), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("wal: open segment: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("wal: stat segment: %w", err)
	}
	m.file = f
	m.fileOffset = info.Size()

	return m.recoverCounters(ids)
}

// recoverCounters scans every existing segment to fast-forward the shared
// allocator past the highest txn id / LSN observed, so a fresh Manager
// opened after a crash never reuses an id. It does not invoke replay
// handlers; that is Replay's job, driven explicitly by the engine once its
// tree exists.
func (m *Manager) recoverCounters(ids []int64) error {
	var maxTxn txn.ID
	var maxLSN txn.LSN
	var lastCheckpoint txn.LSN

	for _, id := range ids {
		data, err := os.ReadFile(m.segmentPath(id))
		if err != nil {
			return fmt.Errorf("wal: read segment %d: %w", id, err)
		}
		off := 0
		for off < len(data) {
			rec, n, err := DecodeRecord(data[off:])
			if err != nil {
				break // truncated tail from a torn write; stop scanning this segment
			}
			if rec.TxnID > maxTxn {
				maxTxn = rec.TxnID
			}
			if rec.LSN > maxLSN {
				maxLSN = rec.LSN
			}
			if rec.Type == RecordCheckpoint {
				lastCheckpoint = rec.LSN
			}
			off += n
		}
	}

	m.alloc.RestoreTxnID(maxTxn)
	m.alloc.RestoreLSN(maxLSN)
	m.lastCheckpointLSN = lastCheckpoint
	return nil
}

// BeginTransaction allocates a fresh transaction id. No log entry is
// required until the first data record for it is appended.
func (m *Manager) BeginTransaction() txn.ID {
	id := m.alloc.NextTxnID()
	m.mu.Lock()
	m.openTxns[id] = struct{}{}
	m.mu.Unlock()
	return id
}

func (m *Manager) appendLocked(r *Record) (txn.LSN, error) {
	r.LSN = m.alloc.NextLSN()
	buf := r.Encode()

	m.buf.Write(buf)
	m.fileOffset += int64(len(buf))

	if m.buf.Len() >= m.cfg.BufferSize {
		if err := m.flushLocked(); err != nil {
			return r.LSN, err
		}
		if err := m.file.Sync(); err != nil {
			return r.LSN, fmt.Errorf("wal: fsync on buffer threshold: %w", err)
		}
	}
	if m.logger != nil {
		m.logger.Debug("wal append", zap.String("type", r.Type.String()),
			zap.Uint64("txn_id", uint64(r.TxnID)), zap.Uint64("lsn", uint64(r.LSN)))
	}
	return r.LSN, nil
}

func (m *Manager) flushLocked() error {
	if m.buf.Len() == 0 {
		return nil
	}
	if _, err := m.file.Write(m.buf.Bytes()); err != nil {
		return fmt.Errorf("wal: write: %w", err)
	}
	m.buf.Reset()
	return m.maybeRotateLocked()
}

func (m *Manager) maybeRotateLocked() error {
	if m.fileOffset < m.cfg.SegmentSize {
		return nil
	}
	if err := m.file.Sync(); err != nil {
		return fmt.Errorf("wal: fsync before rotate: %w", err)
	}
	if err := m.file.Close(); err != nil {
		return fmt.Errorf("wal: close sealed segment: %w", err)
	}
	m.activeSegmentID++
	f, err := os.OpenFile(m.segmentPath(m.activeSegmentID), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("wal: create rotated segment: %w", err)
	}
	m.file = f
	m.fileOffset = 0
	if m.logger != nil {
		m.logger.Info("wal segment rotated", zap.Int64("segment_id", m.activeSegmentID))
	}
	return nil
}

// LogInsert appends an INSERT data record and returns its LSN.
func (m *Manager) LogInsert(id txn.ID, pageID page.ID, key, payload []byte) (txn.LSN, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendLocked(&Record{Type: RecordInsert, TxnID: id, PageID: pageID, Key: key, NewPayload: payload})
}

// LogDelete appends a DELETE data record and returns its LSN.
func (m *Manager) LogDelete(id txn.ID, pageID page.ID, key, oldPayload []byte) (txn.LSN, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendLocked(&Record{Type: RecordDelete, TxnID: id, PageID: pageID, Key: key, OldPayload: oldPayload})
}

// LogUpdate appends an UPDATE data record and returns its LSN.
func (m *Manager) LogUpdate(id txn.ID, pageID page.ID, key, oldPayload, newPayload []byte) (txn.LSN, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendLocked(&Record{Type: RecordUpdate, TxnID: id, PageID: pageID, Key: key, OldPayload: oldPayload, NewPayload: newPayload})
}

// Commit appends a COMMIT record and forces fsync. After Commit returns,
// txn_id's effects must survive a crash: fsync is the durability boundary.
func (m *Manager) Commit(id txn.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.appendLocked(&Record{Type: RecordCommit, TxnID: id}); err != nil {
		return err
	}
	delete(m.openTxns, id)
	if err := m.flushLocked(); err != nil {
		return err
	}
	if err := m.file.Sync(); err != nil {
		return fmt.Errorf("wal: fsync on commit: %w", err)
	}
	return nil
}

// Abort appends an ABORT record. No fsync is mandated, and no physical
// undo is performed: any page mutations txn_id already made through the
// tree survive. Replay simply never re-applies data records for a txn_id
// that never commits.
func (m *Manager) Abort(id txn.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.appendLocked(&Record{Type: RecordAbort, TxnID: id}); err != nil {
		return err
	}
	delete(m.openTxns, id)
	return nil
}

// WriteCheckpoint flushes the buffer, appends a CHECKPOINT record, fsyncs,
// and updates the last-checkpoint LSN.
func (m *Manager) WriteCheckpoint() (txn.LSN, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	lsn, err := m.appendLocked(&Record{Type: RecordCheckpoint})
	if err != nil {
		return 0, err
	}
	if err := m.flushLocked(); err != nil {
		return 0, err
	}
	if err := m.file.Sync(); err != nil {
		return 0, fmt.Errorf("wal: fsync on checkpoint: %w", err)
	}
	m.lastCheckpointLSN = lsn
	if m.logger != nil {
		m.logger.Info("wal checkpoint", zap.Uint64("lsn", uint64(lsn)))
	}
	return lsn, nil
}

// LastCheckpointLSN returns the LSN of the most recent CHECKPOINT record.
func (m *Manager) LastCheckpointLSN() txn.LSN {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastCheckpointLSN
}

// Sync forces the active segment to disk without appending a record.
func (m *Manager) Sync() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.flushLocked(); err != nil {
		return err
	}
	return m.file.Sync()
}

// Truncate archives every sealed segment file whose highest LSN is below
// upToLSN, moving it under dir/archive rather than deleting it. The
// active segment is never truncated.
func (m *Manager) Truncate(upToLSN txn.LSN) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return fmt.Errorf("wal: read dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasPrefix(name, segmentPrefix) || !strings.HasSuffix(name, segmentExt) {
			continue
		}
		numStr := strings.TrimSuffix(strings.TrimPrefix(name, segmentPrefix), segmentExt)
		id, err := strconv.ParseInt(numStr, 10, 64)
		if err != nil || id == m.activeSegmentID {
			continue
		}
		path := m.segmentPath(id)
		maxLSN, err := highestLSNInSegment(path)
		if err != nil {
			return err
		}
		if maxLSN >= upToLSN {
			continue
		}
		dest := filepath.Join(m.archiveDir, filepath.Base(path))
		if err := os.Rename(path, dest); err != nil {
			return fmt.Errorf("wal: archive segment %d: %w", id, err)
		}
		if m.logger != nil {
			m.logger.Info("wal segment archived", zap.Int64("segment_id", id))
		}
	}
	return nil
}

func highestLSNInSegment(path string) (txn.LSN, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("wal: read %s: %w", path, err)
	}
	var max txn.LSN
	off := 0
	for off < len(data) {
		rec, n, err := DecodeRecord(data[off:])
		if err != nil {
			break
		}
		if rec.LSN > max {
			max = rec.LSN
		}
		off += n
	}
	return max, nil
}

// Replay reads every segment in order and, for each data record with
// lsn >= fromLSN whose transaction eventually commits, invokes the
// matching Handlers method. Replay is REDO-only: records from a
// transaction that never reaches COMMIT are skipped, and committed
// records are re-applied even if they were already durable before the
// crash, so handlers must be idempotent under re-execution. A corrupt
// record truncates replay of the segment it's found in and replay
// proceeds to the next segment.
func (m *Manager) Replay(fromLSN txn.LSN, h Handlers) error {
	m.mu.Lock()
	segments, err := m.listSegmentPathsLocked()
	m.mu.Unlock()
	if err != nil {
		return err
	}

	committed := make(map[txn.ID]bool)
	var pending []*Record

	for _, path := range segments {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("wal: read %s: %w", path, err)
		}
		off := 0
		for off < len(data) {
			rec, n, err := DecodeRecord(data[off:])
			if err != nil {
				if m.logger != nil {
					m.logger.Warn("wal replay stopped at corrupt record", zap.String("segment", path), zap.Error(err))
				}
				break
			}
			off += n

			switch rec.Type {
			case RecordCommit:
				committed[rec.TxnID] = true
			case RecordAbort:
				// no-op: leave any already-buffered records for this txn
				// unapplied by never marking it committed.
			case RecordCheckpoint:
				// no handler invocation; the checkpoint LSN is restored
				// by recoverCounters when the Manager opens.
			default:
				if rec.LSN >= fromLSN {
					pending = append(pending, rec)
				}
			}
		}
	}

	for _, rec := range pending {
		if !committed[rec.TxnID] {
			continue
		}
		if err := applyRecord(h, rec); err != nil {
			return err
		}
	}
	return nil
}

func applyRecord(h Handlers, rec *Record) error {
	switch rec.Type {
	case RecordInsert:
		return h.OnInsert(rec.PageID, rec.Key, rec.NewPayload)
	case RecordDelete:
		return h.OnDelete(rec.PageID, rec.Key)
	case RecordUpdate:
		return h.OnUpdate(rec.PageID, rec.Key, rec.OldPayload, rec.NewPayload)
	default:
		return nil
	}
}

func (m *Manager) listSegmentPathsLocked() ([]string, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, fmt.Errorf("wal: read dir: %w", err)
	}
	type seg struct {
		id   int64
		path string
	}
	var segs []seg
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasPrefix(name, segmentPrefix) || !strings.HasSuffix(name, segmentExt) {
			continue
		}
		numStr := strings.TrimSuffix(strings.TrimPrefix(name, segmentPrefix), segmentExt)
		id, err := strconv.ParseInt(numStr, 10, 64)
		if err != nil {
			continue
		}
		segs = append(segs, seg{id: id, path: filepath.Join(m.dir, name)})
	}
	// Archived segments are still valid history for replay.
	archived, err := os.ReadDir(m.archiveDir)
	if err == nil {
		for _, e := range archived {
			if e.IsDir() {
				continue
			}
			name := e.Name()
			if !strings.HasPrefix(name, segmentPrefix) || !strings.HasSuffix(name, segmentExt) {
				continue
			}
			numStr := strings.TrimSuffix(strings.TrimPrefix(name, segmentPrefix), segmentExt)
			id, err := strconv.ParseInt(numStr, 10, 64)
			if err != nil {
				continue
			}
			segs = append(segs, seg{id: id, path: filepath.Join(m.archiveDir, name)})
		}
	}
	sort.Slice(segs, func(i, j int) bool { return segs[i].id < segs[j].id })
	paths := make([]string, len(segs))
	for i, s := range segs {
		paths[i] = s.path
	}
	return paths, nil
}

// Close flushes and fsyncs the active segment and closes its file handle.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.flushLocked(); err != nil {
		return err
	}
	if err := m.file.Sync(); err != nil {
		return fmt.Errorf("wal: fsync on close: %w", err)
	}
	return m.file.Close()
}

// Size returns the active segment's current byte size, counting records
// still held in the write buffer, used by the checkpoint manager's
// WAL-size trigger.
func (m *Manager) Size() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fileOffset
}
