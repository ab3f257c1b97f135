// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package caskdb

import (
	"encoding/binary"

	"github.com/cockroachdb/errors"

	"github.com/caskdb/caskdb/internal/base"
)

// batchHeaderLen is the fixed prefix of an encoded batch: u64 sequence,
// u32 count.
const batchHeaderLen = 8 + 4

const (
	batchTagDelete byte = 0
	batchTagSet    byte = 1
)

// Batch is an ordered group of Set/Delete operations committed atomically.
// Its wire encoding is exactly the WAL record payload format, so a Batch is
// written to the log unmodified.
type Batch struct {
	data  []byte
	count uint32
}

// NewBatch returns an empty batch ready for Set/Delete calls.
func NewBatch() *Batch {
	b := &Batch{data: make([]byte, batchHeaderLen)}
	return b
}

// Set appends a Set(key, value) operation.
func (b *Batch) Set(key, value []byte) error {
	if len(key) == 0 {
		return base.NewKind(base.KindInvalidArgument, "caskdb: empty key")
	}
	b.ensureHeader()
	b.data = append(b.data, batchTagSet)
	b.data = appendVarstring(b.data, key)
	b.data = appendVarstring(b.data, value)
	b.count++
	return nil
}

// Delete appends a Delete(key) tombstone operation.
func (b *Batch) Delete(key []byte) error {
	if len(key) == 0 {
		return base.NewKind(base.KindInvalidArgument, "caskdb: empty key")
	}
	b.ensureHeader()
	b.data = append(b.data, batchTagDelete)
	b.data = appendVarstring(b.data, key)
	b.count++
	return nil
}

// Count returns the number of operations queued in the batch.
func (b *Batch) Count() uint32 { return b.count }

// Empty reports whether the batch has no queued operations.
func (b *Batch) Empty() bool { return b.count == 0 }

func (b *Batch) ensureHeader() {
	if len(b.data) < batchHeaderLen {
		b.data = make([]byte, batchHeaderLen)
	}
}

// setSeqNum stamps the batch's header with the sequence number assigned to
// its first entry; subsequent entries receive seqNum+1, seqNum+2, ....
func (b *Batch) setSeqNum(seqNum uint64) {
	binary.LittleEndian.PutUint64(b.data[0:8], seqNum)
	binary.LittleEndian.PutUint32(b.data[8:12], b.count)
}

// seqNum returns the batch's base sequence number.
func (b *Batch) seqNum() uint64 {
	return binary.LittleEndian.Uint64(b.data[0:8])
}

// decodedFrom wraps raw WAL record bytes (as replayed by internal/record)
// into a Batch for recovery and reader-side entry iteration.
func decodedFrom(data []byte) (*Batch, error) {
	if len(data) < batchHeaderLen {
		return nil, errors.Mark(errors.New("caskdb: truncated batch record"), base.ErrCorruption)
	}
	count := binary.LittleEndian.Uint32(data[8:12])
	return &Batch{data: data, count: count}, nil
}

func appendVarstring(dst []byte, s []byte) []byte {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], uint64(len(s)))
	dst = append(dst, tmp[:n]...)
	dst = append(dst, s...)
	return dst
}

func readVarstring(src []byte) (val []byte, rest []byte, err error) {
	n, k := binary.Uvarint(src)
	if k <= 0 || uint64(k)+n > uint64(len(src)) {
		return nil, nil, errors.Mark(errors.New("caskdb: corrupt batch entry"), base.ErrCorruption)
	}
	return src[k : k+int(n)], src[k+int(n):], nil
}

// batchEntry is one decoded operation within a batch.
type batchEntry struct {
	kind  base.InternalKeyKind
	key   []byte
	value []byte
}

// batchReader iterates a Batch's encoded entries in order, assigning each
// the next sequence number after the batch's base.
type batchReader struct {
	rest   []byte
	seqNum uint64
}

func (b *Batch) reader() *batchReader {
	return &batchReader{rest: b.data[batchHeaderLen:], seqNum: b.seqNum()}
}

// next decodes the next entry and the sequence number assigned to it, or
// returns ok=false once the batch is exhausted.
func (r *batchReader) next() (entry batchEntry, seqNum uint64, ok bool, err error) {
	if len(r.rest) == 0 {
		return batchEntry{}, 0, false, nil
	}
	tag := r.rest[0]
	r.rest = r.rest[1:]
	var key, value []byte
	key, r.rest, err = readVarstring(r.rest)
	if err != nil {
		return batchEntry{}, 0, false, err
	}
	kind := base.InternalKeyKindDelete
	if tag == batchTagSet {
		value, r.rest, err = readVarstring(r.rest)
		if err != nil {
			return batchEntry{}, 0, false, err
		}
		kind = base.InternalKeyKindSet
	}
	entry = batchEntry{kind: kind, key: key, value: value}
	seqNum = r.seqNum
	r.seqNum++
	return entry, seqNum, true, nil
}
