// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package caskdb

import (
	"container/heap"

	"github.com/caskdb/caskdb/internal/base"
)

// internalIterator is the common forward-cursor surface a memTable, an
// sstable.Iterator, and the merging iterator itself all satisfy.
type internalIterator interface {
	First() bool
	SeekGE(userKey []byte) bool
	Next() bool
	Valid() bool
	Key() base.InternalKey
	Value() []byte
	Error() error
	Close() error
}

// heapItem pairs a child iterator with its position in the merging
// iterator's child list; the heap compares by calling the child's Key().
type heapItem struct {
	iter  internalIterator
	index int
}

type iterHeap struct {
	cmp   base.Compare
	items []*heapItem
}

func (h *iterHeap) Len() int { return len(h.items) }
func (h *iterHeap) Less(i, j int) bool {
	return base.InternalCompare(h.cmp, h.items[i].iter.Key(), h.items[j].iter.Key()) < 0
}
func (h *iterHeap) Swap(i, j int) { h.items[i], h.items[j] = h.items[j], h.items[i] }
func (h *iterHeap) Push(x interface{}) { h.items = append(h.items, x.(*heapItem)) }
func (h *iterHeap) Pop() interface{} {
	n := len(h.items)
	it := h.items[n-1]
	h.items = h.items[:n-1]
	return it
}

// mergingIterator heap-merges a set of child iterators (memtables and
// per-file sstable iterators) into one globally internal-key-ordered
// stream. It does not itself apply MVCC visibility or same-user-key
// collapsing; Iterator (built by newDBIter) layers that on top so that a raw
// mergingIterator remains reusable for compaction, which needs to see
// every version.
type mergingIterator struct {
	cmp   base.Compare
	iters []internalIterator
	h     iterHeap
	err   error
	key   base.InternalKey
	val   []byte
}

func newMergingIter(cmp base.Compare, iters ...internalIterator) *mergingIterator {
	return &mergingIterator{cmp: cmp, iters: iters, h: iterHeap{cmp: cmp}}
}

func (m *mergingIterator) initHeap() {
	m.h.items = m.h.items[:0]
	for i, it := range m.iters {
		if it.Valid() {
			m.h.items = append(m.h.items, &heapItem{iter: it, index: i})
		}
	}
	heap.Init(&m.h)
	m.setCurrent()
}

func (m *mergingIterator) setCurrent() {
	if m.h.Len() == 0 {
		return
	}
	top := m.h.items[0]
	m.key = top.iter.Key()
	m.val = top.iter.Value()
}

// First positions the iterator at the smallest internal key across all
// children.
func (m *mergingIterator) First() bool {
	for _, it := range m.iters {
		it.First()
	}
	m.initHeap()
	return m.Valid()
}

// SeekGE positions the iterator at the first entry with user key >=
// target, across all children.
func (m *mergingIterator) SeekGE(target []byte) bool {
	for _, it := range m.iters {
		it.SeekGE(target)
	}
	m.initHeap()
	return m.Valid()
}

// Next advances past the current top-of-heap entry.
func (m *mergingIterator) Next() bool {
	if m.h.Len() == 0 {
		return false
	}
	top := m.h.items[0]
	if top.iter.Next() {
		heap.Fix(&m.h, 0)
	} else {
		heap.Pop(&m.h)
	}
	m.setCurrent()
	return m.Valid()
}

func (m *mergingIterator) Valid() bool { return m.h.Len() > 0 }
func (m *mergingIterator) Key() base.InternalKey { return m.key }
func (m *mergingIterator) Value() []byte         { return m.val }
func (m *mergingIterator) Error() error {
	if m.err != nil {
		return m.err
	}
	for _, it := range m.iters {
		if err := it.Error(); err != nil {
			return err
		}
	}
	return nil
}
func (m *mergingIterator) Close() error {
	var firstErr error
	for _, it := range m.iters {
		if err := it.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Iterator is the public read cursor returned by DB.NewIter, layering MVCC
// visibility and same-user-key collapsing over a mergingIterator.
type Iterator struct {
	cmp      base.Compare
	iter     *mergingIterator
	seqNum   uint64
	lower    []byte
	upper    []byte
	valid    bool
	key      []byte
	value    []byte
	err      error
	onClose  func()
}

func newDBIter(cmp base.Compare, iter *mergingIterator, seqNum uint64, lower, upper []byte, onClose func()) *Iterator {
	return &Iterator{cmp: cmp, iter: iter, seqNum: seqNum, lower: lower, upper: upper, onClose: onClose}
}

// First positions the iterator at the first visible, non-tombstone entry
// at or after lower.
func (it *Iterator) First() bool {
	if it.lower != nil {
		return it.SeekGE(it.lower)
	}
	it.iter.First()
	return it.findNextVisible()
}

// SeekGE positions the iterator at the first visible, non-tombstone entry
// with user key >= target, clamped to the iterator's lower bound.
func (it *Iterator) SeekGE(target []byte) bool {
	if it.lower != nil && it.cmp(target, it.lower) < 0 {
		target = it.lower
	}
	it.iter.SeekGE(target)
	return it.findNextVisible()
}

// Next advances to the next visible, non-tombstone entry, skipping any
// older versions of the user key it was just positioned on.
func (it *Iterator) Next() bool {
	if !it.valid {
		return false
	}
	cur := append([]byte(nil), it.key...)
	for it.iter.Valid() && it.cmp(it.iter.Key().UserKey, cur) == 0 {
		it.iter.Next()
	}
	return it.findNextVisible()
}

// findNextVisible scans forward from the merging iterator's current
// position to the next user key whose newest version at or before seqNum
// is a Set; tombstoned keys are swallowed whole.
func (it *Iterator) findNextVisible() bool {
	for it.iter.Valid() {
		k := it.iter.Key()
		if k.SeqNum() > it.seqNum {
			it.iter.Next()
			continue
		}
		userKey := append([]byte(nil), k.UserKey...)
		if it.upper != nil && it.cmp(userKey, it.upper) >= 0 {
			it.valid = false
			return false
		}
		if k.Kind() == base.InternalKeyKindDelete {
			it.skipUserKey(userKey)
			continue
		}
		it.key = userKey
		it.value = append([]byte(nil), it.iter.Value()...)
		it.valid = true
		return true
	}
	it.valid = false
	return false
}

func (it *Iterator) skipUserKey(userKey []byte) {
	for it.iter.Valid() && it.cmp(it.iter.Key().UserKey, userKey) == 0 {
		it.iter.Next()
	}
}

// Valid reports whether the iterator is positioned at an entry.
func (it *Iterator) Valid() bool { return it.valid }

// Key returns the current entry's user key. The returned slice must not be
// modified and is invalidated by the next iterator call.
func (it *Iterator) Key() []byte { return it.key }

// Value returns the current entry's value.
func (it *Iterator) Value() []byte { return it.value }

// Error reports a terminal iteration error; a consumer must check this
// before treating !Valid() as ordinary end-of-stream.
func (it *Iterator) Error() error {
	if it.err != nil {
		return it.err
	}
	return it.iter.Error()
}

// Close releases the iterator's resources, including the version and any
// cached blocks pinned by its child iterators.
func (it *Iterator) Close() error {
	err := it.iter.Close()
	if it.onClose != nil {
		it.onClose()
	}
	return err
}
