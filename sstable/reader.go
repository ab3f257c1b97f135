// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package sstable

import (
	"io"

	"github.com/cockroachdb/errors"

	"github.com/caskdb/caskdb/cache"
	"github.com/caskdb/caskdb/internal/base"
)

// ReaderOptions configures a Reader.
type ReaderOptions struct {
	Comparer *base.Comparer
	Cache    *cache.Cache
	FileNum  uint64
}

// Reader opens an immutable SSTable for point lookups and iteration.
type Reader struct {
	file    io.ReaderAt
	closer  io.Closer
	size    int64
	opts    ReaderOptions
	cmp     base.Compare
	footer  Footer
	index   []byte
	metaRaw []byte

	propsHandle BlockHandle
	hasProps    bool
	props       *Properties
}

// Open reads file's footer, index, and metaindex blocks eagerly, leaving
// the properties block to load lazily on first access.
func Open(file interface {
	io.ReaderAt
	io.Closer
}, size int64, opts ReaderOptions) (*Reader, error) {
	if opts.Comparer == nil {
		opts.Comparer = base.DefaultComparer
	}
	r := &Reader{file: file, closer: file, size: size, opts: opts, cmp: opts.Comparer.Compare}

	footerLen := int64(newFooterLen)
	if size < footerLen {
		footerLen = legacyFooterLen
	}
	if size < footerLen {
		return nil, base.NewKind(base.KindCorruption, "caskdb: file too small to be a table (%d bytes)", size)
	}
	buf := make([]byte, footerLen)
	if _, err := file.ReadAt(buf, size-footerLen); err != nil {
		return nil, errors.Wrap(err, "caskdb: reading table footer")
	}
	footer, err := decodeFooter(buf)
	if err != nil {
		return nil, err
	}
	if footer.FormatVersion > 1 {
		return nil, base.NewKind(base.KindUnsupported, "caskdb: table format version %d is not supported", footer.FormatVersion)
	}
	r.footer = footer

	index, err := r.readBlockUncached(footer.IndexBH)
	if err != nil {
		return nil, errors.Wrap(err, "caskdb: reading table index block")
	}
	r.index = index

	metaRaw, err := r.readBlockUncached(footer.MetaindexBH)
	if err != nil {
		return nil, errors.Wrap(err, "caskdb: reading table metaindex block")
	}
	r.metaRaw = metaRaw

	metaIter, err := newBlockIter(base.DefaultCompare, metaRaw)
	if err != nil {
		return nil, err
	}
	for valid := metaIter.First(); valid; valid = metaIter.Next() {
		if string(metaIter.Key().UserKey) == propertiesMetaName {
			h, _, err := decodeBlockHandle(metaIter.Value())
			if err != nil {
				return nil, err
			}
			r.propsHandle = h
			r.hasProps = true
		}
	}
	if err := metaIter.Error(); err != nil {
		return nil, err
	}
	return r, nil
}

// Close releases the reader's open file handle.
func (r *Reader) Close() error {
	return r.closer.Close()
}

// Properties lazily loads and returns the table's properties block.
func (r *Reader) Properties() (Properties, error) {
	if r.props != nil {
		return *r.props, nil
	}
	if !r.hasProps {
		return Properties{}, nil
	}
	raw, err := r.readBlockUncached(r.propsHandle)
	if err != nil {
		return Properties{}, err
	}
	p, err := decodeProperties(raw)
	if err != nil {
		return Properties{}, err
	}
	r.props = &p
	return p, nil
}

// readBlockUncached reads and validates a block's trailer without consulting
// the block cache; used for the index/metaindex/properties blocks, which are
// read exactly once per table open.
func (r *Reader) readBlockUncached(h BlockHandle) ([]byte, error) {
	buf := make([]byte, h.Length+5)
	if _, err := r.file.ReadAt(buf, int64(h.Offset)); err != nil {
		return nil, errors.Wrap(err, "caskdb: short block read")
	}
	return r.validateAndDecompress(buf, h)
}

func (r *Reader) validateAndDecompress(buf []byte, h BlockHandle) ([]byte, error) {
	payload := buf[:h.Length]
	compType := buf[h.Length]
	wantChecksum := leUint32(buf[h.Length+1:])
	gotChecksum := maskedChecksum(r.footer.ChecksumType, payload, compType)
	if gotChecksum != wantChecksum {
		return nil, base.NewKind(base.KindCorruption, "caskdb: block checksum mismatch at offset %d", h.Offset)
	}
	return decompressBlock(Compression(compType), payload)
}

func leUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

// readDataBlock reads a data block by handle, consulting the block cache
// (keyed by file number and offset) when one is configured.
func (r *Reader) readDataBlock(h BlockHandle) ([]byte, func(), error) {
	if r.opts.Cache == nil {
		raw, err := r.readBlockUncached(h)
		return raw, func() {}, err
	}
	key := cache.Key{FileNum: r.opts.FileNum, Offset: h.Offset}
	handle, err := r.opts.Cache.Fetch(key, int64(h.Length), func() ([]byte, error) {
		return r.readBlockUncached(h)
	})
	if err != nil {
		return nil, func() {}, err
	}
	return handle.Value(), handle.Release, nil
}

// Get returns the value for the first visible entry of target (user key) at
// or before snapshotSeqNum.
// found is false both when the key is absent and when its latest visible
// entry is a tombstone; the caller distinguishes the two via isTombstone.
func (r *Reader) Get(target []byte, snapshotSeqNum uint64) (value []byte, found bool, isTombstone bool, err error) {
	idx, err := newBlockIter(r.cmp, r.index)
	if err != nil {
		return nil, false, false, err
	}
	search := base.MakeInternalKey(target, snapshotSeqNum, base.InternalKeyKindMax)
	if !idx.SeekGE(search) {
		// A failed seek is only "key past the last block" when the index
		// itself decoded cleanly; a malformed index entry is corruption,
		// not absence.
		return nil, false, false, idx.Error()
	}
	// The index points at the one block whose range covers the search key,
	// but when a user key's versions straddle a block boundary the visible
	// version may start in the following block, so an empty in-block seek
	// falls through to the next index entry before giving up.
	for valid := true; valid; valid = idx.Next() {
		h, _, err := decodeBlockHandle(idx.Value())
		if err != nil {
			return nil, false, false, err
		}
		raw, release, err := r.readDataBlock(h)
		if err != nil {
			return nil, false, false, err
		}
		data, err := newBlockIter(r.cmp, raw)
		if err != nil {
			release()
			return nil, false, false, err
		}
		if !data.SeekGE(search) {
			err := data.Error()
			release()
			if err != nil {
				return nil, false, false, err
			}
			continue
		}
		if !r.opts.Comparer.Equal(data.Key().UserKey, target) {
			release()
			return nil, false, false, nil
		}
		if data.Key().Kind() == base.InternalKeyKindDelete {
			release()
			return nil, false, true, nil
		}
		val := append([]byte(nil), data.Value()...)
		release()
		return val, true, false, nil
	}
	return nil, false, false, idx.Error()
}

// Iterator returns a forward, seekable cursor over the table's entries
// bounded by [lower, upper).
func (r *Reader) Iterator(lower, upper []byte) (*Iterator, error) {
	idx, err := newBlockIter(r.cmp, r.index)
	if err != nil {
		return nil, err
	}
	return &Iterator{r: r, index: idx, lower: lower, upper: upper}, nil
}

// Iterator walks an SSTable's data blocks in key order via its index block.
type Iterator struct {
	r       *Reader
	index   *blockIter
	data    *blockIter
	release func()
	lower   []byte
	upper   []byte
	err     error
}

func (it *Iterator) loadBlock(handleValue []byte) bool {
	if it.release != nil {
		it.release()
		it.release = nil
	}
	h, _, err := decodeBlockHandle(handleValue)
	if err != nil {
		it.err = err
		return false
	}
	raw, release, err := it.r.readDataBlock(h)
	if err != nil {
		it.err = err
		return false
	}
	it.release = release
	it.data, it.err = newBlockIter(it.r.cmp, raw)
	return it.err == nil
}

func (it *Iterator) withinUpper() bool {
	if it.upper == nil || it.data == nil || !it.data.Valid() {
		return it.data != nil && it.data.Valid()
	}
	return it.r.cmp(it.data.Key().UserKey, it.upper) < 0
}

// checkChildErr promotes a child blockIter's error into the iterator's
// terminal state, reporting whether one was found. A child's failed
// seek/advance is only ordinary end-of-block when the child decoded
// cleanly.
func (it *Iterator) checkChildErr() bool {
	if it.err != nil {
		return true
	}
	if err := it.index.Error(); err != nil {
		it.err = err
		return true
	}
	if it.data != nil {
		if err := it.data.Error(); err != nil {
			it.err = err
			return true
		}
	}
	return false
}

// SeekGE positions the iterator at the first entry with user key >= target.
func (it *Iterator) SeekGE(target []byte) bool {
	search := base.MakeInternalKey(target, base.SeqNumMax, base.InternalKeyKindMax)
	if !it.index.SeekGE(search) {
		it.data = nil
		it.checkChildErr()
		return false
	}
	if !it.loadBlock(it.index.Value()) {
		return false
	}
	if !it.data.SeekGE(search) {
		if it.checkChildErr() {
			return false
		}
		return it.nextBlock()
	}
	return it.withinUpper()
}

// First positions the iterator at the first entry >= lower (or the first
// entry in the table if lower is nil).
func (it *Iterator) First() bool {
	if it.lower != nil {
		return it.SeekGE(it.lower)
	}
	if !it.index.First() {
		it.checkChildErr()
		return false
	}
	if !it.loadBlock(it.index.Value()) {
		return false
	}
	if !it.data.First() {
		if it.checkChildErr() {
			return false
		}
		return it.nextBlock()
	}
	return it.withinUpper()
}

// Next advances the iterator.
func (it *Iterator) Next() bool {
	if it.err != nil {
		return false
	}
	if it.data == nil || !it.data.Next() {
		if it.checkChildErr() {
			return false
		}
		return it.nextBlock()
	}
	return it.withinUpper()
}

func (it *Iterator) nextBlock() bool {
	for it.index.Next() {
		if !it.loadBlock(it.index.Value()) {
			return false
		}
		if it.data.First() {
			return it.withinUpper()
		}
		if it.checkChildErr() {
			return false
		}
	}
	it.checkChildErr()
	it.data = nil
	return false
}

// Valid reports whether the iterator is positioned at an in-range entry.
func (it *Iterator) Valid() bool {
	return it.err == nil && it.data != nil && it.data.Valid()
}

// Key returns the current entry's internal key.
func (it *Iterator) Key() base.InternalKey { return it.data.Key() }

// Value returns the current entry's value.
func (it *Iterator) Value() []byte { return it.data.Value() }

// Error reports a terminal iteration error, distinguishing real failure
// from ordinary end-of-stream. It folds in the child block iterators'
// errors so a consumer (or a merging iterator above) observes a corruption
// hit mid-scan even though the advance that hit it just returned false.
func (it *Iterator) Error() error {
	if it.err != nil {
		return it.err
	}
	if err := it.index.Error(); err != nil {
		return err
	}
	if it.data != nil {
		if err := it.data.Error(); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the iterator's pinned block cache handle, if any.
func (it *Iterator) Close() error {
	if it.release != nil {
		it.release()
		it.release = nil
	}
	return it.Error()
}
