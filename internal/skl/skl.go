// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package skl implements the ordered container the memtable is built on: a
// single-writer, many-concurrent-reader skip list. The memtable has no
// concurrent writers, so a lock-free arena allocator would buy nothing a
// plain insert-only skip list with atomic pointer publication doesn't
// already give readers.
package skl

import (
	"math/rand"
	"sync/atomic"
)

const maxHeight = 20
const branching = 4

// Cmp orders two encoded keys (here, full internal keys) to build the list.
type Cmp func(a, b []byte) int

type node struct {
	key   []byte
	value []byte
	next  [maxHeight]atomic.Pointer[node]
}

// Skiplist is an insert-only, single-writer/multi-reader ordered list of
// (key, value) byte slices, ordered by Cmp.
type Skiplist struct {
	cmp    Cmp
	head   *node
	height atomic.Int32
	size   atomic.Uint32
	rnd    rand.Source
}

// NewSkiplist returns an empty list ordered by cmp.
func NewSkiplist(cmp Cmp) *Skiplist {
	s := &Skiplist{
		cmp:  cmp,
		head: &node{},
		rnd:  rand.NewSource(0xdeadbeef),
	}
	s.height.Store(1)
	return s
}

// Size returns the number of bytes charged against the list's budget.
func (s *Skiplist) Size() uint32 { return s.size.Load() }

// Empty reports whether the list has ever had an entry inserted.
func (s *Skiplist) Empty() bool { return s.size.Load() == 0 }

func (s *Skiplist) randomHeight() int {
	h := 1
	for h < maxHeight && (s.fastRand()%branching == 0) {
		h++
	}
	return h
}

// fastRand is not safe for concurrent use; Insert is single-writer by
// contract so this is fine.
func (s *Skiplist) fastRand() uint32 {
	return uint32(s.rnd.Int63())
}

func estimatedNodeSize(keyLen, valueLen int) uint32 {
	// A rough per-entry accounting charge: key + value + a node header
	// allowance, enough to keep write_buffer_size meaningful without
	// tracking the list's real memory layout (there is no arena here).
	return uint32(keyLen+valueLen) + 48
}

// Insert adds key->value to the list. The caller must serialize calls to
// Insert.
func (s *Skiplist) Insert(key, value []byte) {
	var prev [maxHeight]*node
	var next [maxHeight]*node
	s.findSpliceForLevel(key, &prev, &next)

	height := s.randomHeight()
	if height > int(s.height.Load()) {
		s.height.Store(int32(height))
	}
	n := &node{key: key, value: value}
	for h := 0; h < height; h++ {
		if prev[h] == nil {
			prev[h] = s.head
		}
		n.next[h].Store(next[h])
		prev[h].next[h].Store(n)
	}
	s.size.Add(estimatedNodeSize(len(key), len(value)))
}

// findSpliceForLevel fills prev/next with, for every level, the node
// immediately before and after where key belongs.
func (s *Skiplist) findSpliceForLevel(key []byte, prev, next *[maxHeight]*node) {
	height := int(s.height.Load())
	x := s.head
	for h := height - 1; h >= 0; h-- {
		n := x.next[h].Load()
		for n != nil && s.cmp(n.key, key) < 0 {
			x = n
			n = x.next[h].Load()
		}
		prev[h] = x
		next[h] = n
	}
}

// Iterator is a forward-only cursor over a Skiplist. Multiple iterators
// may run concurrently with each other and with a single in-flight Insert.
type Iterator struct {
	list *Skiplist
	n    *node
}

// NewIter returns a new, unpositioned iterator.
func (s *Skiplist) NewIter() *Iterator {
	return &Iterator{list: s}
}

func (it *Iterator) Valid() bool { return it.n != nil }

func (it *Iterator) Key() []byte { return it.n.key }

func (it *Iterator) Value() []byte { return it.n.value }

// SeekGE positions the iterator at the first entry with key >= target.
func (it *Iterator) SeekGE(target []byte) {
	x := it.list.head
	height := int(it.list.height.Load())
	for h := height - 1; h >= 0; h-- {
		n := x.next[h].Load()
		for n != nil && it.list.cmp(n.key, target) < 0 {
			x = n
			n = x.next[h].Load()
		}
		if h == 0 {
			it.n = n
		}
	}
}

// First positions the iterator at the first entry in the list.
func (it *Iterator) First() {
	it.n = it.list.head.next[0].Load()
}

// Next advances the iterator.
func (it *Iterator) Next() {
	if it.n != nil {
		it.n = it.n.next[0].Load()
	}
}
