// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package caskdb

import (
	"github.com/caskdb/caskdb/internal/base"
	"github.com/caskdb/caskdb/internal/skl"
)

// memTable is the in-memory ordered container absorbing writes before
// flush. Its skip list is keyed by the encoded internal key, exactly the
// shape sstable.blockIter and the merging iterator also consume, so a
// memTable and an SSTable present the same iterator surface to the read
// path.
type memTable struct {
	skl    *skl.Skiplist
	cmp    base.Compare
	logNum base.FileNum
}

func newMemTable(cmp base.Compare, logNum base.FileNum) *memTable {
	listCmp := func(a, b []byte) int {
		ka, _ := base.DecodeInternalKey(a)
		kb, _ := base.DecodeInternalKey(b)
		return base.InternalCompare(cmp, ka, kb)
	}
	return &memTable{
		skl:    skl.NewSkiplist(listCmp),
		cmp:    cmp,
		logNum: logNum,
	}
}

// size reports bytes charged against the memtable's write-buffer budget.
func (m *memTable) size() uint32 { return m.skl.Size() }

// empty reports whether any entry has ever been inserted.
func (m *memTable) empty() bool { return m.skl.Empty() }

// apply inserts every operation in batch, assigning sequence numbers
// starting at the batch's base sequence number (its header, stamped by
// setSeqNum). The caller must serialize calls to apply; the
// memtable has no concurrent writers.
func (m *memTable) apply(batch *Batch) error {
	r := batch.reader()
	for {
		e, seqNum, ok, err := r.next()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		ikey := base.MakeInternalKey(e.key, seqNum, e.kind)
		var value []byte
		if len(e.value) > 0 {
			value = append([]byte(nil), e.value...)
		}
		m.skl.Insert(ikey.EncodeTo(nil), value)
	}
	return nil
}

// newIter returns a forward cursor over the memtable's entries in internal
// key order.
func (m *memTable) newIter() *memTableIterator {
	return &memTableIterator{it: m.skl.NewIter()}
}

// memTableIterator adapts skl.Iterator (which deals in raw encoded byte
// keys) to the base.InternalKey-typed cursor the merging iterator expects.
type memTableIterator struct {
	it  *skl.Iterator
	key base.InternalKey
	err error
}

func (i *memTableIterator) First() bool {
	i.it.First()
	return i.decode()
}

func (i *memTableIterator) SeekGE(target []byte) bool {
	search := base.MakeInternalKey(target, base.SeqNumMax, base.InternalKeyKindMax)
	i.it.SeekGE(search.EncodeTo(nil))
	return i.decode()
}

func (i *memTableIterator) Next() bool {
	i.it.Next()
	return i.decode()
}

func (i *memTableIterator) decode() bool {
	if !i.it.Valid() {
		return false
	}
	k, err := base.DecodeInternalKey(i.it.Key())
	if err != nil {
		i.err = err
		return false
	}
	i.key = k
	return true
}

func (i *memTableIterator) Valid() bool        { return i.it.Valid() && i.err == nil }
func (i *memTableIterator) Key() base.InternalKey { return i.key }
func (i *memTableIterator) Value() []byte      { return i.it.Value() }
func (i *memTableIterator) Error() error       { return i.err }
func (i *memTableIterator) Close() error       { return i.err }
