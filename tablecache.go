// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package caskdb

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/caskdb/caskdb/internal/base"
	"github.com/caskdb/caskdb/sstable"
)

// tableCacheEntry is a reference-counted, cached *sstable.Reader. It
// mirrors cache.Cache's refcount-on-eviction pattern (cache/block_cache.go)
// generalized from cached blocks to whole table readers: a reader handed
// out to an in-flight Get or iterator must survive LRU eviction until its
// last borrower releases it.
type tableCacheEntry struct {
	reader  *sstable.Reader
	refs    int32
	evicted bool
}

// tableCache bounds the number of simultaneously open SSTable file
// descriptors to Options.MaxOpenFiles, opening readers lazily and closing
// them on LRU eviction.
type tableCache struct {
	mu struct {
		sync.Mutex
		lru *lru.Cache[base.FileNum, *tableCacheEntry]
	}
	open func(base.FileNum) (*sstable.Reader, error)
}

func newTableCache(maxOpenFiles int, open func(base.FileNum) (*sstable.Reader, error)) *tableCache {
	if maxOpenFiles <= 0 {
		maxOpenFiles = 1000
	}
	tc := &tableCache{open: open}
	l, _ := lru.NewWithEvict[base.FileNum, *tableCacheEntry](maxOpenFiles, func(_ base.FileNum, e *tableCacheEntry) {
		e.evicted = true
		if e.refs == 0 {
			_ = e.reader.Close()
		}
	})
	tc.mu.lru = l
	return tc
}

// get returns a pinned reader for fileNum plus a release func the caller
// must call exactly once when done with it.
func (tc *tableCache) get(fileNum base.FileNum) (*sstable.Reader, func() error, error) {
	tc.mu.Lock()
	if e, ok := tc.mu.lru.Get(fileNum); ok {
		e.refs++
		tc.mu.Unlock()
		return e.reader, func() error { return tc.release(e) }, nil
	}
	tc.mu.Unlock()

	r, err := tc.open(fileNum)
	if err != nil {
		return nil, nil, err
	}

	tc.mu.Lock()
	if e, ok := tc.mu.lru.Get(fileNum); ok {
		// Another caller opened the same table first; keep their reader,
		// close the redundant one we just opened.
		e.refs++
		tc.mu.Unlock()
		_ = r.Close()
		return e.reader, func() error { return tc.release(e) }, nil
	}
	e := &tableCacheEntry{reader: r, refs: 1}
	tc.mu.lru.Add(fileNum, e)
	tc.mu.Unlock()
	return r, func() error { return tc.release(e) }, nil
}

func (tc *tableCache) release(e *tableCacheEntry) error {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	e.refs--
	if e.refs == 0 && e.evicted {
		return e.reader.Close()
	}
	return nil
}

// evict closes and drops fileNum's cached reader immediately, used once a
// compaction or flush's version edit removes the file so the cache never
// hands out a handle to an unlinked file.
func (tc *tableCache) evict(fileNum base.FileNum) {
	tc.mu.Lock()
	e, ok := tc.mu.lru.Peek(fileNum)
	if ok {
		tc.mu.lru.Remove(fileNum)
	}
	tc.mu.Unlock()
	if ok && e.refs == 0 {
		_ = e.reader.Close()
	}
}

func (tc *tableCache) closeAll() error {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	var firstErr error
	for _, k := range tc.mu.lru.Keys() {
		if e, ok := tc.mu.lru.Peek(k); ok {
			if err := e.reader.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// openTable returns a cached, pinned reader for fileNum.
func (d *DB) openTable(fileNum base.FileNum) (*sstable.Reader, func() error, error) {
	return d.tables.get(fileNum)
}
