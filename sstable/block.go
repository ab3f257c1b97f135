// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package sstable

import (
	"encoding/binary"
	"sort"

	"github.com/cockroachdb/errors"

	"github.com/caskdb/caskdb/internal/base"
)

// blockWriter assembles one restart-interval-prefix-compressed data (or
// index) block. blockIter (below) decodes with plain slice indexing rather
// than an unsafe.Pointer fast path: correctness over the last few percent
// of parse speed.
type blockWriter struct {
	restartInterval int
	nEntries        int
	buf             []byte
	restarts        []uint32
	curKey          []byte
	prevKey         []byte
	tmp             [binary.MaxVarintLen64 * 3]byte
}

func (w *blockWriter) store(keySize int, value []byte) {
	shared := 0
	if w.nEntries%w.restartInterval == 0 {
		w.restarts = append(w.restarts, uint32(len(w.buf)))
	} else {
		shared = base.SharedPrefixLen(w.prevKey, w.curKey[:keySize])
	}
	unshared := keySize - shared

	n := binary.PutUvarint(w.tmp[0:], uint64(shared))
	n += binary.PutUvarint(w.tmp[n:], uint64(unshared))
	n += binary.PutUvarint(w.tmp[n:], uint64(len(value)))
	w.buf = append(w.buf, w.tmp[:n]...)
	w.buf = append(w.buf, w.curKey[shared:keySize]...)
	w.buf = append(w.buf, value...)

	w.curKey, w.prevKey = w.prevKey, w.curKey
	w.nEntries++
}

// add appends an entry. Successive calls must supply strictly increasing
// internal keys.
func (w *blockWriter) add(key base.InternalKey, value []byte) {
	w.curKey = append(w.curKey[:0], key.UserKey...)
	var trailer [8]byte
	binary.LittleEndian.PutUint64(trailer[:], uint64(key.Trailer))
	w.curKey = append(w.curKey, trailer[:]...)
	w.store(len(w.curKey), value)
}

func (w *blockWriter) finish() []byte {
	if len(w.restarts) == 0 || w.restarts[0] != 0 {
		w.restarts = append([]uint32{0}, w.restarts...)
	}
	tmp4 := make([]byte, 4)
	for _, x := range w.restarts {
		binary.LittleEndian.PutUint32(tmp4, x)
		w.buf = append(w.buf, tmp4...)
	}
	binary.LittleEndian.PutUint32(tmp4, uint32(len(w.restarts)))
	w.buf = append(w.buf, tmp4...)
	return w.buf
}

func (w *blockWriter) reset() {
	w.nEntries = 0
	w.buf = w.buf[:0]
	w.restarts = w.restarts[:0]
}

func (w *blockWriter) estimatedSize() int {
	return len(w.buf) + 4*(len(w.restarts)+1)
}

func (w *blockWriter) empty() bool {
	return w.nEntries == 0
}

// blockEntry is a decoded (offset, key, value) triple.
type blockEntry struct {
	offset int
	key    []byte
	val    []byte
}

// blockIter is a forward-only cursor over a data (or index) block.
type blockIter struct {
	cmp          base.Compare
	data         []byte
	restarts     int // byte offset of the restart array
	numRestarts  int
	globalSeqNum uint64
	offset       int
	nextOffset   int
	key          []byte
	val          []byte
	ikey         base.InternalKey
	err          error
}

func newBlockIter(cmp base.Compare, block []byte) (*blockIter, error) {
	i := &blockIter{}
	return i, i.init(cmp, block, 0)
}

func (i *blockIter) init(cmp base.Compare, block []byte, globalSeqNum uint64) error {
	numRestarts := int(binary.LittleEndian.Uint32(block[len(block)-4:]))
	if numRestarts == 0 {
		return errors.Mark(errors.New("caskdb: invalid block (zero restarts)"), base.ErrCorruption)
	}
	i.cmp = cmp
	i.globalSeqNum = globalSeqNum
	i.restarts = len(block) - 4*(numRestarts+1)
	i.numRestarts = numRestarts
	i.data = block
	if i.restarts < 0 {
		return errors.Mark(errors.New("caskdb: invalid block (restart offset)"), base.ErrCorruption)
	}
	i.offset = 0
	i.nextOffset = 0
	return nil
}

func (i *blockIter) readEntryAt(offset int) (entry blockEntry, next int, ok bool) {
	// An offset at or past the restart array is a clean miss, not a
	// malformed entry: an empty block's lone restart points at the array
	// itself.
	if offset >= i.restarts {
		return blockEntry{}, 0, false
	}
	ptr := i.data[offset:]
	shared, n1 := binary.Uvarint(ptr)
	unshared, n2 := binary.Uvarint(ptr[n1:])
	valLen, n3 := binary.Uvarint(ptr[n1+n2:])
	if n1 <= 0 || n2 <= 0 || n3 <= 0 {
		i.err = errors.Mark(errors.New("caskdb: corrupt block entry header"), base.ErrCorruption)
		return blockEntry{}, 0, false
	}
	headerLen := n1 + n2 + n3
	keyStart := offset + headerLen
	keyEnd := keyStart + int(unshared)
	valEnd := keyEnd + int(valLen)
	if valEnd > i.restarts {
		i.err = errors.Mark(errors.New("caskdb: corrupt block entry (truncated)"), base.ErrCorruption)
		return blockEntry{}, 0, false
	}

	var key []byte
	if shared == 0 {
		key = append([]byte(nil), i.data[keyStart:keyEnd]...)
	} else {
		if int(shared) > len(i.key) {
			i.err = errors.Mark(errors.New("caskdb: corrupt block entry (bad shared len)"), base.ErrCorruption)
			return blockEntry{}, 0, false
		}
		key = make([]byte, 0, int(shared)+int(unshared))
		key = append(key, i.key[:shared]...)
		key = append(key, i.data[keyStart:keyEnd]...)
	}
	return blockEntry{offset: offset, key: key, val: i.data[keyEnd:valEnd]}, valEnd, true
}

func (i *blockIter) decodeInternalKey(encodedKey []byte) base.InternalKey {
	ik, err := base.DecodeInternalKey(encodedKey)
	if err != nil {
		i.err = err
		return base.InternalKey{}
	}
	if i.globalSeqNum != 0 {
		ik.Trailer = base.MakeTrailer(i.globalSeqNum, ik.Kind())
	}
	return ik
}

func (i *blockIter) loadEntry(e blockEntry, next int) {
	i.offset = e.offset
	i.nextOffset = next
	i.key = e.key
	i.val = e.val
	i.ikey = i.decodeInternalKey(e.key)
}

// SeekGE binary-searches the restart array, then linearly decodes forward to
// the first entry whose key >= target (comparing the InternalKey form).
func (i *blockIter) SeekGE(target base.InternalKey) bool {
	index := sort.Search(i.numRestarts, func(j int) bool {
		off := int(binary.LittleEndian.Uint32(i.data[i.restarts+4*j:]))
		e, _, ok := i.readEntryAt(off)
		if !ok {
			return false
		}
		ik := i.decodeInternalKey(e.key)
		return base.InternalCompare(i.cmp, ik, target) >= 0
	})
	if index > 0 {
		index--
	}
	startOff := int(binary.LittleEndian.Uint32(i.data[i.restarts+4*index:]))
	i.key = nil
	offset := startOff
	for offset < i.restarts {
		e, next, ok := i.readEntryAt(offset)
		if !ok {
			return false
		}
		i.key = e.key
		ik := i.decodeInternalKey(e.key)
		if base.InternalCompare(i.cmp, ik, target) >= 0 {
			i.loadEntry(e, next)
			return true
		}
		offset = next
	}
	i.key = nil
	return false
}

// First positions the iterator at the first entry.
func (i *blockIter) First() bool {
	i.offset = 0
	i.key = nil
	return i.Next()
}

// Next advances to the next entry.
func (i *blockIter) Next() bool {
	if i.err != nil {
		return false
	}
	offset := i.nextOffset
	if i.key == nil {
		offset = i.offset
	}
	if offset >= i.restarts {
		i.key = nil
		return false
	}
	e, next, ok := i.readEntryAt(offset)
	if !ok {
		return false
	}
	i.loadEntry(e, next)
	return true
}

// Valid reports whether the iterator is positioned at an entry.
func (i *blockIter) Valid() bool { return i.key != nil && i.err == nil }

func (i *blockIter) Key() base.InternalKey { return i.ikey }
func (i *blockIter) Value() []byte         { return i.val }
func (i *blockIter) Error() error          { return i.err }
func (i *blockIter) Close() error          { return i.err }
