// Package cas implements the content-addressed page store: a hash->blob
// map and a page_id->hash map, with dedup on write. The allocation and
// error taxonomy follow this codebase's disk-manager conventions,
// generalised from a fixed-page-size disk file to a content-addressed
// blob store.
package cas

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/hashleaf/hashleaf/internal/hashing"
	"github.com/hashleaf/hashleaf/internal/page"
)

// ErrNotFound is returned by Get when page_id or its content hash is
// unresolvable.
var ErrNotFound = errors.New("cas: not found")

// ErrInvalidArgument is returned for nil pages or empty store directories.
var ErrInvalidArgument = errors.New("cas: invalid argument")

// Store is the content-addressed page store. All operations are serialised
// by a single mutex: the page is serialised and hashed before the lock is
// taken, so lock-hold is a few map operations plus, on a miss, one file
// write, short relative to the rest of the write path.
type Store struct {
	mu sync.Mutex

	dir    string // blob directory; empty means memory-only
	logger *zap.Logger

	contentMap map[hashing.Hash][]byte
	pageToHash map[page.ID]hashing.Hash
	hashToID   map[hashing.Hash]page.ID
	nextPageID page.ID
}

// New returns a Store that keeps blobs in memory only, for tests and
// embedders that don't need blobs to survive a process restart.
func New(logger *zap.Logger) *Store {
	return &Store{
		logger:     logger,
		contentMap: make(map[hashing.Hash][]byte),
		pageToHash: make(map[page.ID]hashing.Hash),
		hashToID:   make(map[hashing.Hash]page.ID),
		nextPageID: 1,
	}
}

// NewDisk returns a Store that additionally persists every blob under dir,
// one file per content hash, fanned out by the first two hex characters of
// the digest (internal/hashing.ShardPath).
func NewDisk(dir string, logger *zap.Logger) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("%w: empty blob directory", ErrInvalidArgument)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cas: create blob dir: %w", err)
	}
	s := New(logger)
	s.dir = dir
	return s, nil
}

// Store computes p's canonical image, hashes it, and either returns the
// page_id of an existing blob with identical content (a dedup hit) or
// allocates a fresh page_id, persists the blob, and returns that.
func (s *Store) Store(p *page.Page) (page.ID, error) {
	if p == nil {
		return page.InvalidID, fmt.Errorf("%w: nil page", ErrInvalidArgument)
	}
	img, err := p.Serialize()
	if err != nil {
		return page.InvalidID, fmt.Errorf("cas: serialize: %w", err)
	}
	h := hashing.Sum(img)

	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.hashToID[h]; ok {
		s.logDedup(id, h)
		return id, nil
	}

	id := s.nextPageID
	s.nextPageID++

	if s.dir != "" {
		if err := s.writeBlobLocked(h, img); err != nil {
			return page.InvalidID, err
		}
	}
	s.contentMap[h] = img
	s.pageToHash[id] = h
	s.hashToID[h] = id

	if s.logger != nil {
		s.logger.Debug("cas store", zap.Uint16("page_id", uint16(id)), zap.String("hash", string(h)))
	}
	return id, nil
}

func (s *Store) logDedup(id page.ID, h hashing.Hash) {
	if s.logger != nil {
		s.logger.Debug("cas dedup hit", zap.Uint16("page_id", uint16(id)), zap.String("hash", string(h)))
	}
}

// Get resolves page_id through page_to_hash and then content_map, returning
// ErrNotFound if either lookup misses.
func (s *Store) Get(id page.ID) (*page.Page, error) {
	s.mu.Lock()
	h, ok := s.pageToHash[id]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: page_id %d", ErrNotFound, id)
	}
	img, ok := s.contentMap[h]
	if !ok && s.dir != "" {
		var err error
		img, err = s.readBlobLocked(h)
		if err != nil {
			s.mu.Unlock()
			return nil, fmt.Errorf("%w: hash %s: %v", ErrNotFound, h, err)
		}
		s.contentMap[h] = img
	}
	s.mu.Unlock()
	if img == nil {
		return nil, fmt.Errorf("%w: hash %s", ErrNotFound, h)
	}

	p, err := page.Deserialize(img)
	if err != nil {
		return nil, err
	}
	p.ID = id
	return p, nil
}

// HasContent reports whether a blob with p's canonical content already
// exists in the store.
func (s *Store) HasContent(p *page.Page) (bool, error) {
	if p == nil {
		return false, fmt.Errorf("%w: nil page", ErrInvalidArgument)
	}
	img, err := p.Serialize()
	if err != nil {
		return false, err
	}
	h := hashing.Sum(img)
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.contentMap[h]
	return ok, nil
}

// IDForContent returns the page_id already mapped to p's content hash, for
// idempotent insert, and false if no such blob exists yet.
func (s *Store) IDForContent(p *page.Page) (page.ID, bool, error) {
	if p == nil {
		return page.InvalidID, false, fmt.Errorf("%w: nil page", ErrInvalidArgument)
	}
	img, err := p.Serialize()
	if err != nil {
		return page.InvalidID, false, err
	}
	h := hashing.Sum(img)
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.hashToID[h]
	return id, ok, nil
}

// BlobCount returns the number of distinct content blobs currently stored,
// used by the "stats" command to report dedup behaviour.
func (s *Store) BlobCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.contentMap)
}

func (s *Store) writeBlobLocked(h hashing.Hash, img []byte) error {
	dir, name := hashing.ShardPath(h)
	full := filepath.Join(s.dir, dir)
	if err := os.MkdirAll(full, 0o755); err != nil {
		return fmt.Errorf("cas: mkdir %s: %w", full, err)
	}
	path := filepath.Join(full, name)
	if _, err := os.Stat(path); err == nil {
		return nil // already on disk; content-addressed so bytes are identical
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, img, 0o644); err != nil {
		return fmt.Errorf("cas: write blob: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("cas: rename blob: %w", err)
	}
	return nil
}

func (s *Store) readBlobLocked(h hashing.Hash) ([]byte, error) {
	dir, name := hashing.ShardPath(h)
	path := filepath.Join(s.dir, dir, name)
	return os.ReadFile(path)
}
