// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package sstable

import (
	"github.com/caskdb/caskdb/internal/base"
)

// WriterOptions configures a Writer: the subset of the engine's options a
// table writer consults directly.
type WriterOptions struct {
	Comparer        *base.Comparer
	BlockSize       int
	RestartInterval int
	Compression     Compression
	ChecksumType    ChecksumType
	DatabaseID      string
}

func (o WriterOptions) withDefaults() WriterOptions {
	if o.Comparer == nil {
		o.Comparer = base.DefaultComparer
	}
	if o.BlockSize <= 0 {
		o.BlockSize = 4096
	}
	if o.RestartInterval <= 0 {
		o.RestartInterval = 16
	}
	if o.ChecksumType == ChecksumNone {
		o.ChecksumType = ChecksumCRC32c
	}
	return o
}

// syncCloser is the subset of vfs.File a table writer needs.
type syncCloser interface {
	Write(p []byte) (int, error)
	Sync() error
	Close() error
}

// Writer produces a single immutable SSTable from a monotonically increasing
// stream of internal-key/value pairs.
type Writer struct {
	file syncCloser
	opts WriterOptions
	cmp  base.Compare

	offset uint64

	dataBlock  blockWriter
	indexBlock blockWriter

	pendingHandle    BlockHandle
	hasPendingHandle bool
	lastKey          base.InternalKey

	props  Properties
	closed bool
	err    error
}

// NewWriter returns a Writer that streams its output to file.
func NewWriter(file syncCloser, opts WriterOptions) *Writer {
	opts = opts.withDefaults()
	w := &Writer{
		file: file,
		opts: opts,
		cmp:  opts.Comparer.Compare,
		dataBlock: blockWriter{
			restartInterval: opts.RestartInterval,
		},
		indexBlock: blockWriter{
			restartInterval: 1,
		},
		props: Properties{
			Compression:  opts.Compression,
			CreationTime: now(),
			DatabaseID:   opts.DatabaseID,
		},
	}
	if w.props.DatabaseID == "" {
		w.props.DatabaseID = newDatabaseID()
	}
	return w
}

// Add appends (key, value). Successive calls must supply strictly
// increasing internal keys.
func (w *Writer) Add(key base.InternalKey, value []byte) error {
	if w.err != nil {
		return w.err
	}
	if w.hasPendingHandle {
		sep := w.opts.Comparer.Separator(nil, w.lastKey.UserKey, key.UserKey)
		w.addIndexEntry(sep)
	}
	w.dataBlock.add(key, value)
	w.lastKey = key.Clone()
	w.props.NumEntries++
	w.props.RawKeyBytes += uint64(key.Size())
	w.props.RawValueBytes += uint64(len(value))
	if w.props.SmallestUserKey == nil {
		w.props.SmallestUserKey = append([]byte(nil), key.UserKey...)
	}
	w.props.LargestUserKey = append(w.props.LargestUserKey[:0], key.UserKey...)

	if w.dataBlock.estimatedSize() >= w.opts.BlockSize {
		return w.finishDataBlock()
	}
	return nil
}

func (w *Writer) addIndexEntry(sep []byte) {
	var buf [maxBlockHandleLen]byte
	n := w.pendingHandle.encode(buf[:])
	w.indexBlock.add(base.InternalKey{UserKey: sep}, append([]byte(nil), buf[:n]...))
	w.hasPendingHandle = false
}

func (w *Writer) finishDataBlock() error {
	if w.dataBlock.empty() {
		return nil
	}
	raw := w.dataBlock.finish()
	handle, err := w.writeBlock(raw)
	if err != nil {
		w.err = err
		return err
	}
	w.pendingHandle = handle
	w.hasPendingHandle = true
	w.dataBlock.reset()
	return nil
}

// writeBlock compresses, checksums, and appends raw as a new physical block,
// returning the handle addressing it.
func (w *Writer) writeBlock(raw []byte) (BlockHandle, error) {
	compressed, err := compressBlock(w.opts.Compression, raw, nil)
	if err != nil {
		return BlockHandle{}, err
	}
	compressionType := w.opts.Compression
	if len(compressed) >= len(raw) {
		// Incompressible block; store it raw rather than pay decompression
		// for nothing.
		compressed = raw
		compressionType = NoCompression
	}
	trailer := make([]byte, 5)
	trailer[0] = byte(compressionType)
	checksum := maskedChecksum(w.opts.ChecksumType, compressed, trailer[0])
	putUint32LE(trailer[1:5], checksum)

	handle := BlockHandle{Offset: w.offset, Length: uint64(len(compressed))}
	if _, err := w.file.Write(compressed); err != nil {
		return BlockHandle{}, err
	}
	if _, err := w.file.Write(trailer); err != nil {
		return BlockHandle{}, err
	}
	w.offset += uint64(len(compressed)) + 5
	return handle, nil
}

func putUint32LE(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

// EstimatedSize approximates the file size written so far, including the
// buffered-but-unflushed data block; used to decide when to roll a new
// output file during compaction.
func (w *Writer) EstimatedSize() uint64 {
	return w.offset + uint64(w.dataBlock.estimatedSize())
}

// Close finishes the table: flushes the final data block, writes the
// properties, metaindex, and index blocks, and the footer, then fsyncs and
// closes the underlying file. On error the caller is responsible for
// removing the partial file.
func (w *Writer) Close() (err error) {
	defer func() {
		if err != nil {
			_ = w.file.Close()
		}
	}()
	if w.closed {
		return w.err
	}
	w.closed = true
	if w.err != nil {
		return w.err
	}

	if err = w.finishDataBlock(); err != nil {
		return err
	}
	if w.hasPendingHandle {
		succ := w.opts.Comparer.Successor(nil, w.lastKey.UserKey)
		w.addIndexEntry(succ)
	}

	propsRaw := w.props.encode()
	propsHandle, err := w.writeBlock(propsRaw)
	if err != nil {
		return err
	}

	var meta blockWriter
	meta.restartInterval = 1
	var propsBuf [maxBlockHandleLen]byte
	n := propsHandle.encode(propsBuf[:])
	meta.add(base.InternalKey{UserKey: []byte(propertiesMetaName)}, append([]byte(nil), propsBuf[:n]...))
	metaHandle, err := w.writeBlock(meta.finish())
	if err != nil {
		return err
	}

	indexHandle, err := w.writeBlock(w.indexBlock.finish())
	if err != nil {
		return err
	}

	footer := Footer{
		ChecksumType:  w.opts.ChecksumType,
		MetaindexBH:   metaHandle,
		IndexBH:       indexHandle,
		FormatVersion: 1,
	}
	if _, err = w.file.Write(footer.encode()); err != nil {
		return err
	}
	if err = w.file.Sync(); err != nil {
		return err
	}
	return w.file.Close()
}

// propertiesMetaName is the metaindex key naming the properties block
// handle.
const propertiesMetaName = "caskdb.properties"
