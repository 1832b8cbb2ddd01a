// Package btree implements a generic B+-tree index: search, copy-on-write
// insert with split, and delete with borrow-then-merge underflow
// handling. It is built around content-addressed, copy-on-write pages
// rather than an in-place disk page pool — every mutation clones, never
// edits a cached page in place.
package btree

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/hashleaf/hashleaf/internal/cache"
	"github.com/hashleaf/hashleaf/internal/cas"
	"github.com/hashleaf/hashleaf/internal/page"
	"github.com/hashleaf/hashleaf/internal/wal"
	"github.com/hashleaf/hashleaf/internal/writer"
)

// ErrNotFound is returned by Delete when the key is absent.
var ErrNotFound = errors.New("btree: not found")

// ErrInvalidArgument covers a non-positive M or nil collaborators.
var ErrInvalidArgument = errors.New("btree: invalid argument")

// Deps bundles the collaborators a Tree persists through: the cache that
// fronts reads, the content store the cache evicts into, the writer queue
// that asynchronously confirms durability, and the WAL every mutation logs
// to before it becomes visible (WAL-before-page ordering).
type Deps struct {
	Cache  *cache.Cache
	Store  *cas.Store
	Writer *writer.Queue
	WAL    *wal.Manager
}

// Tree is a generic B+-tree index over already-open Deps. M is
// max_keys_per_node. Delete repairs a non-root child that drops below
// ceil(M/2) keys. For odd M the bounds are not kept exactly: an internal
// split leaves its right half with floor(M/2) keys, and merging two
// internal children can leave a page with M+1 keys until an insert
// through it splits it.
type Tree[K any, V any] struct {
	mu sync.Mutex

	deps   Deps
	logger *zap.Logger

	keyCodec   KeyCodec[K]
	valueCodec ValueCodec[V]

	m      int
	rootID page.ID
}

// New constructs an empty tree. rootID may be page.InvalidID (a brand new
// database) or a previously persisted root recovered via WAL replay.
func New[K any, V any](deps Deps, keyCodec KeyCodec[K], valueCodec ValueCodec[V], m int, rootID page.ID, logger *zap.Logger) (*Tree[K, V], error) {
	if m < 2 {
		return nil, fmt.Errorf("%w: max_keys_per_node must be >= 2, got %d", ErrInvalidArgument, m)
	}
	if deps.Cache == nil || deps.Store == nil || deps.Writer == nil || deps.WAL == nil {
		return nil, fmt.Errorf("%w: nil collaborator", ErrInvalidArgument)
	}
	return &Tree[K, V]{
		deps:       deps,
		logger:     logger,
		keyCodec:   keyCodec,
		valueCodec: valueCodec,
		m:          m,
		rootID:     rootID,
	}, nil
}

// RootID returns the tree's current root page id, for checkpoint/metadata
// persistence by the engine.
func (t *Tree[K, V]) RootID() page.ID {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rootID
}

func (t *Tree[K, V]) minKeys() int {
	return (t.m + 1) / 2 // ceil(M/2)
}

// persist clones-into-store p: it synchronously stores p into the content
// store to obtain its page_id (content-addressed ids must be known
// immediately so a parent page can link to them), then marks the cache
// entry dirty and enqueues the same snapshot to the writer queue. The
// writer's later store of the same immutable content is a dedup hit, not
// a second write.
func (t *Tree[K, V]) persist(p *page.Page) (page.ID, error) {
	id, err := t.deps.Store.Store(p)
	if err != nil {
		return page.InvalidID, fmt.Errorf("btree: persist: %w", err)
	}
	p.ID = id
	t.deps.Cache.Put(id, p)
	if err := t.deps.Writer.Enqueue(id, p); err != nil {
		// Backpressure: the page is already durably in the content store
		// via the synchronous Store call above, and stays dirty in the
		// cache until the next eviction or checkpoint flush picks it up.
		if t.logger != nil {
			t.logger.Warn("btree: writer queue backpressure on persist",
				zap.Uint16("page_id", uint16(id)), zap.Error(err))
		}
	}
	return id, nil
}

func (t *Tree[K, V]) load(id page.ID) (*page.Page, error) {
	return t.deps.Cache.Get(id)
}

// decodeLeafValues returns leaf p's values sliced out of its fixed-width
// Data buffer, in key order.
func (t *Tree[K, V]) decodeLeafValues(p *page.Page) ([]V, error) {
	w := t.valueCodec.Width()
	n := len(p.Keys)
	if len(p.Data) != n*w {
		return nil, fmt.Errorf("btree: leaf data length %d does not match %d keys * width %d", len(p.Data), n, w)
	}
	vals := make([]V, n)
	for i := 0; i < n; i++ {
		v, err := t.valueCodec.Decode(p.Data[i*w : (i+1)*w])
		if err != nil {
			return nil, err
		}
		vals[i] = v
	}
	return vals, nil
}

func (t *Tree[K, V]) decodeKeys(p *page.Page) ([]K, error) {
	keys := make([]K, len(p.Keys))
	for i, kb := range p.Keys {
		k, err := t.keyCodec.Decode(kb)
		if err != nil {
			return nil, err
		}
		keys[i] = k
	}
	return keys, nil
}

// childIndex returns the smallest i with key <= keys[i], or len(keys) if
// none — the search/descend rule used at every internal page.
func (t *Tree[K, V]) childIndex(keys []K, key K) int {
	return sort.Search(len(keys), func(i int) bool { return t.keyCodec.Compare(key, keys[i]) <= 0 })
}

// Search returns the value stored under key, or !ok if absent.
func (t *Tree[K, V]) Search(key K) (V, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var zero V
	if t.rootID == page.InvalidID {
		return zero, false, nil
	}
	id := t.rootID
	for {
		p, err := t.load(id)
		if err != nil {
			return zero, false, err
		}
		keys, err := t.decodeKeys(p)
		if err != nil {
			return zero, false, err
		}
		if p.IsLeaf {
			idx := sort.Search(len(keys), func(i int) bool { return t.keyCodec.Compare(key, keys[i]) <= 0 })
			if idx < len(keys) && t.keyCodec.Compare(key, keys[idx]) == 0 {
				vals, err := t.decodeLeafValues(p)
				if err != nil {
					return zero, false, err
				}
				return vals[idx], true, nil
			}
			return zero, false, nil
		}
		i := t.childIndex(keys, key)
		id = p.Children[i]
	}
}
