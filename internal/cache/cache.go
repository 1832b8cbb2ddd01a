// Package cache implements the in-memory LRU page cache that sits in front
// of the content-addressed store: a container/list-based LRU, pin-count
// free since no pinning API is exposed to callers — concurrent access to
// a single entry is guarded solely by the cache's own mutex.
package cache

import (
	"container/list"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hashleaf/hashleaf/internal/cas"
	"github.com/hashleaf/hashleaf/internal/common"
	"github.com/hashleaf/hashleaf/internal/page"
)

// flushFanOut bounds how many dirty pages FlushAll stores into the content
// store concurrently.
const flushFanOut = 8

// ErrInvalidArgument is returned for a non-positive max size.
var ErrInvalidArgument = errors.New("cache: invalid argument")

// entry is one cached page plus its dirty/LRU bookkeeping.
type entry struct {
	page       *page.Page
	dirty      bool
	lastAccess time.Time
	elem       *list.Element // position in lru, value is page.ID
}

// Cache is an LRU cache of page_id -> cached page, backed by a content
// store for misses and eviction write-back. A single mutex guards the map
// and the LRU list: per-op work under the lock is short and CAS stores
// are O(page), so contention stays cheap even without sharding.
type Cache struct {
	mu sync.Mutex

	store  *cas.Store
	logger *zap.Logger

	max     int
	entries map[page.ID]*entry
	lru     *list.List // front = most recently used

	hits   atomic.Uint64
	misses atomic.Uint64
}

// HitsAndMisses returns the cumulative Get hit/miss counts since the cache
// was created, for the cache hit-ratio gauge.
func (c *Cache) HitsAndMisses() (hits, misses uint64) {
	return c.hits.Load(), c.misses.Load()
}

// New returns a Cache of at most max entries backed by store.
func New(store *cas.Store, max int, logger *zap.Logger) (*Cache, error) {
	if max <= 0 {
		return nil, fmt.Errorf("%w: max_cache_size must be positive, got %d", ErrInvalidArgument, max)
	}
	if store == nil {
		return nil, fmt.Errorf("%w: nil content store", ErrInvalidArgument)
	}
	return &Cache{
		store:   store,
		logger:  logger,
		max:     max,
		entries: make(map[page.ID]*entry),
		lru:     list.New(),
	}, nil
}

// Get returns the cached page for id, loading it from the content store on
// a miss. The returned page must not be mutated in place; callers clone
// before modifying, preserving copy-on-write semantics.
func (c *Cache) Get(id page.ID) (*page.Page, error) {
	common.LogLatchCall(c.logger, "cache lock wait", uint64(id), 2)
	c.mu.Lock()
	if e, ok := c.entries[id]; ok {
		e.lastAccess = time.Now()
		c.lru.MoveToFront(e.elem)
		p := e.page
		c.mu.Unlock()
		c.hits.Add(1)
		return p, nil
	}
	c.mu.Unlock()
	c.misses.Add(1)

	p, err := c.store.Get(id)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[id]; ok {
		// Raced with a concurrent loader; keep the entry already installed.
		e.lastAccess = time.Now()
		c.lru.MoveToFront(e.elem)
		return e.page, nil
	}
	c.insertLocked(id, p, false)
	return p, nil
}

// Put inserts or replaces the cached entry for id with p, marking it dirty.
// Under copy-on-write discipline p is a fresh page value, never a mutated
// alias of a page still referenced elsewhere.
func (c *Cache) Put(id page.ID, p *page.Page) {
	common.LogLatchCall(c.logger, "cache lock wait", uint64(id), 2)
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[id]; ok {
		e.page = p
		e.dirty = true
		e.lastAccess = time.Now()
		c.lru.MoveToFront(e.elem)
		return
	}
	c.insertLocked(id, p, true)
}

// insertLocked adds a brand new entry and evicts if the cache is now over
// capacity. Must hold c.mu.
func (c *Cache) insertLocked(id page.ID, p *page.Page, dirty bool) {
	e := &entry{page: p, dirty: dirty, lastAccess: time.Now()}
	e.elem = c.lru.PushFront(id)
	c.entries[id] = e
	if len(c.entries) > c.max {
		c.evictLocked()
	}
}

// evictLocked drops the least-recently-used entry, writing it back to the
// content store first if it is dirty. If the write-back fails, the entry
// is left exactly where it was (still in entries and still at the back of
// lru) instead of being dropped, so it is retried on the next eviction or
// checkpoint rather than silently lost. Must hold c.mu.
func (c *Cache) evictLocked() {
	tail := c.lru.Back()
	if tail == nil {
		return
	}
	id := tail.Value.(page.ID)
	e := c.entries[id]

	if e.dirty {
		if _, err := c.store.Store(e.page); err != nil {
			if c.logger != nil {
				c.logger.Error("cache eviction write-back failed, will retry on next eviction or checkpoint",
					zap.Uint16("page_id", uint16(id)), zap.Error(err))
			}
			return
		}
		if c.logger != nil {
			c.logger.Debug("cache eviction write-back", zap.Uint16("page_id", uint16(id)))
		}
	}

	c.lru.Remove(tail)
	delete(c.entries, id)
}

// MarkDirty sets the dirty bit for id. No-op if id is not cached.
func (c *Cache) MarkDirty(id page.ID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[id]; ok {
		e.dirty = true
	}
}

// ClearDirty clears the dirty bit for id. No-op if id is not cached. Used
// by the writer pipeline once a page's snapshot has been durably stored.
func (c *Cache) ClearDirty(id page.ID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[id]; ok {
		e.dirty = false
	}
}

// DirtyPages returns a snapshot of every currently dirty (page_id, page)
// pair, consumed by the checkpoint manager.
func (c *Cache) DirtyPages() map[page.ID]*page.Page {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[page.ID]*page.Page)
	for id, e := range c.entries {
		if e.dirty {
			out[id] = e.page
		}
	}
	return out
}

// FlushAll writes back every dirty entry to the content store, clearing the
// dirty bit on each successful store. Pages are stored concurrently, bounded
// by flushFanOut, using errgroup; a store failure for one page is logged
// and does not stop the others, but the first error is still returned to
// the caller (e.g. the checkpoint manager, which must know a checkpoint
// could not claim every dirty page).
func (c *Cache) FlushAll() error {
	c.mu.Lock()
	dirty := make([]page.ID, 0)
	for id, e := range c.entries {
		if e.dirty {
			dirty = append(dirty, id)
		}
	}
	c.mu.Unlock()

	var g errgroup.Group
	g.SetLimit(flushFanOut)
	for _, id := range dirty {
		id := id
		g.Go(func() error {
			c.mu.Lock()
			e, ok := c.entries[id]
			if !ok || !e.dirty {
				c.mu.Unlock()
				return nil
			}
			p := e.page
			c.mu.Unlock()

			if _, err := c.store.Store(p); err != nil {
				if c.logger != nil {
					c.logger.Error("cache flush_all write-back failed",
						zap.Uint16("page_id", uint16(id)), zap.Error(err))
				}
				return err
			}
			c.ClearDirty(id)
			return nil
		})
	}
	return g.Wait()
}

// Len returns the number of entries currently cached, for tests and stats.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
