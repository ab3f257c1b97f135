// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package cache implements the process-wide, concurrency-safe block cache:
// a capacity-bounded cache of decompressed blocks keyed by (file number,
// block offset), refcounted so that a block being read by one goroutine is
// never freed out from under it even if it is evicted.
//
// The bookkeeping of which keys are resident rides on
// github.com/hashicorp/golang-lru/v2; this package adds the refcounting and
// capacity-wait behavior the plain LRU does not provide on its own.
// Concurrent loads of the same key are collapsed with
// golang.org/x/sync/singleflight so that two readers racing to fault in the
// same block only pay for one I/O.
package cache

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/caskdb/caskdb/internal/base"
)

// Key identifies a cached block: the file it came from and its byte offset
// within that file.
type Key struct {
	FileNum uint64
	Offset  uint64
}

type entry struct {
	key    Key
	value  []byte
	size   int64
	refs   int
	evicted bool
}

// Handle is a reference-counted hold on a cached block. The holder must call
// Release exactly once when done reading Value().
type Handle struct {
	c *Cache
	e *entry
}

// Value returns the cached, decompressed block bytes. The slice must not be
// modified and is invalid after Release.
func (h Handle) Value() []byte {
	if h.e == nil {
		return nil
	}
	return h.e.value
}

// Release drops this handle's reference. When it was the last reference,
// capacity waiters are signaled; if the entry had also been evicted while
// pinned, its bytes leave the cache's accounting at this point.
func (h Handle) Release() {
	if h.e == nil {
		return
	}
	h.c.release(h.e)
}

// Loader produces the bytes for a cache miss. It is called with the cache's
// lock *not* held, so it may block on I/O.
type Loader func() ([]byte, error)

// Cache is a bounded, shared cache of decompressed blocks.
type Cache struct {
	capacity int64

	mu struct {
		sync.Mutex
		used int64
		lru  *lru.Cache[Key, *entry]
		cond *sync.Cond
	}

	group singleflight.Group
}

// New returns a Cache bounded to capacity bytes. A capacity of 0 (or less)
// leaves the cache unbounded: no block is rejected as oversized, Fetch never
// waits for room, and loaded blocks are still cached and shared.
func New(capacity int64) *Cache {
	c := &Cache{capacity: capacity}
	// The golang-lru eviction callback only fires on capacity-driven
	// eviction from *its* bookkeeping; entries pinned by an outstanding
	// Handle are kept alive independently via the refcount on entry.
	l, _ := lru.NewWithEvict[Key, *entry](1<<30, func(_ Key, e *entry) {
		c.onEvicted(e)
	})
	c.mu.lru = l
	c.mu.cond = sync.NewCond(&c.mu.Mutex)
	return c
}

func (c *Cache) onEvicted(e *entry) {
	e.evicted = true
	if e.refs == 0 {
		c.mu.used -= e.size
		c.mu.cond.Broadcast()
	}
}

// Fetch returns a handle to the block named by key, loading it with loader
// on a miss. If the cache is at capacity and no refcount-zero entry can be
// evicted to make room, Fetch blocks until capacity frees up.
func (c *Cache) Fetch(key Key, size int64, loader Loader) (Handle, error) {
	if size > c.capacity && c.capacity > 0 {
		return Handle{}, base.NewKind(base.KindInvalidArgument,
			"caskdb: block of %d bytes exceeds cache capacity %d", size, c.capacity)
	}

	c.mu.Lock()
	if e, ok := c.mu.lru.Get(key); ok {
		e.refs++
		c.mu.Unlock()
		return Handle{c: c, e: e}, nil
	}
	c.mu.Unlock()

	// Collapse concurrent loads of the same block.
	type loaded struct {
		data []byte
		err  error
	}
	v, err, _ := c.group.Do(groupKey(key), func() (interface{}, error) {
		data, err := loader()
		return loaded{data: data}, err
	})
	if err != nil {
		return Handle{}, err
	}
	data := v.(loaded).data

	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.mu.lru.Get(key); ok {
		e.refs++
		return Handle{c: c, e: e}, nil
	}
	c.waitForRoomLocked(size)
	e := &entry{key: key, value: data, size: size, refs: 1}
	c.mu.lru.Add(key, e)
	c.mu.used += size
	return Handle{c: c, e: e}, nil
}

// waitForRoomLocked blocks, releasing and reacquiring c.mu, until admitting
// `size` more bytes keeps used <= capacity, or the cache is unbounded.
//
// Admission among waiters is not strictly first-come-first-served: a
// waiter rechecks only after a Broadcast, which every last-reference
// release (and every eviction of an unpinned entry) issues, and concurrent
// waiters then recheck in the order Go's Cond wakes them.
func (c *Cache) waitForRoomLocked(size int64) {
	if c.capacity <= 0 {
		return
	}
	for c.mu.used+size > c.capacity {
		if !c.evictSomeLocked() {
			c.mu.cond.Wait()
		}
	}
}

// evictSomeLocked removes one refcount-zero entry to make room, reporting
// whether it found one.
func (c *Cache) evictSomeLocked() bool {
	for _, k := range c.mu.lru.Keys() {
		e, ok := c.mu.lru.Peek(k)
		if ok && e.refs == 0 {
			c.mu.lru.Remove(k)
			return true
		}
	}
	return false
}

func (c *Cache) release(e *entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e.refs--
	if e.refs != 0 {
		return
	}
	if e.evicted {
		c.mu.used -= e.size
	}
	// Wake any Fetch blocked in waitForRoomLocked: this entry may now be
	// evictable even though nothing evicted it yet, and a waiter only
	// reconsiders evictSomeLocked after a broadcast.
	c.mu.cond.Broadcast()
}

// Evict drops every cached block belonging to fileNum, called when a table
// is unlinked so the cache never hands out a handle backed by a deleted
// file.
func (c *Cache) Evict(fileNum uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range c.mu.lru.Keys() {
		if k.FileNum == fileNum {
			c.mu.lru.Remove(k)
		}
	}
}

func groupKey(k Key) string {
	var buf [16]byte
	putUint64(buf[0:8], k.FileNum)
	putUint64(buf[8:16], k.Offset)
	return string(buf[:])
}

func putUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}
