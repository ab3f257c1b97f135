// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package record implements the physical log format that both the
// write-ahead log and the MANIFEST are built on: a sequence of fixed-size
// blocks holding typed, checksummed fragments. It is the on-disk format
// LevelDB and Pebble use for both purposes; this package mirrors their
// wire format bit-for-bit.
package record

import (
	"bufio"
	"encoding/binary"
	"hash/crc32"
	"io"
)

const (
	zeroChunkType   = 0
	fullChunkType   = 1
	firstChunkType  = 2
	middleChunkType = 3
	lastChunkType   = 4

	// BlockSize is the physical block size of the log.
	BlockSize = 32 * 1024

	// headerSize is the per-fragment header: u32 checksum, u16 length, u8
	// type.
	headerSize = 4 + 2 + 1
)

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

func crc(typ byte, data []byte) uint32 {
	h := crc32.New(crc32cTable)
	h.Write([]byte{typ})
	h.Write(data)
	return maskCRC(h.Sum32())
}

// Writer splits a stream of logical records into fragments written across
// fixed-size physical blocks, per LevelDB's log format. No fragment ever
// crosses a block boundary; a block tail too short for another header is
// zero-padded.
type Writer struct {
	w io.Writer
	// buf holds the current physical block. pos is the write position
	// within it; flushed is how much of it has already been pushed to w, so
	// that a Flush mid-block does not disturb block alignment.
	buf     [BlockSize]byte
	pos     int
	flushed int
	err     error
}

// NewWriter returns a record.Writer that fragments logical records across
// physical blocks written to w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// Next returns a writer for the next logical record. The returned io.Writer
// must be fully written (and not reused) before Next is called again.
func (w *Writer) Next() (io.Writer, error) {
	if w.err != nil {
		return nil, w.err
	}
	return &singleWriter{w: w, first: true}, nil
}

// finishBlock zero-pads the remainder of the current block and writes out
// whatever portion of it has not already been flushed.
func (w *Writer) finishBlock() error {
	for i := w.pos; i < BlockSize; i++ {
		w.buf[i] = 0
	}
	if _, err := w.w.Write(w.buf[w.flushed:BlockSize]); err != nil {
		return err
	}
	w.pos = 0
	w.flushed = 0
	return nil
}

// Flush pushes any buffered bytes out to the underlying writer without
// padding the current block; later records continue filling the same block,
// so block alignment is preserved across Flush calls. A MANIFEST appends
// further records after a Flush, while a WAL segment calls it before every
// Sync.
func (w *Writer) Flush() error {
	if w.err != nil {
		return w.err
	}
	if w.pos > w.flushed {
		if _, err := w.w.Write(w.buf[w.flushed:w.pos]); err != nil {
			w.err = err
			return err
		}
		w.flushed = w.pos
	}
	return nil
}

// Close flushes any buffered tail. The final block is left unpadded; a
// Reader treats the resulting short block as end-of-log.
func (w *Writer) Close() error {
	return w.Flush()
}

type singleWriter struct {
	w     *Writer
	first bool
}

func (sw *singleWriter) Write(p []byte) (int, error) {
	w := sw.w
	total := len(p)
	for {
		if w.err != nil {
			return 0, w.err
		}
		avail := BlockSize - w.pos
		if avail < headerSize {
			if err := w.finishBlock(); err != nil {
				w.err = err
				return 0, err
			}
			avail = BlockSize
		}
		spaceForData := avail - headerSize
		n := len(p)
		last := true
		if n > spaceForData {
			n = spaceForData
			last = false
		}

		var typ byte
		switch {
		case sw.first && last:
			typ = fullChunkType
		case sw.first && !last:
			typ = firstChunkType
		case !sw.first && last:
			typ = lastChunkType
		default:
			typ = middleChunkType
		}

		hdr := w.buf[w.pos : w.pos+headerSize]
		binary.LittleEndian.PutUint32(hdr[0:4], crc(typ, p[:n]))
		binary.LittleEndian.PutUint16(hdr[4:6], uint16(n))
		hdr[6] = typ
		w.pos += headerSize
		copy(w.buf[w.pos:w.pos+n], p[:n])
		w.pos += n

		sw.first = false
		p = p[n:]
		if len(p) == 0 && last {
			return total, nil
		}
	}
}

// Reader reads back the logical records written by a Writer, tolerating a
// torn tail: a corrupt or short trailing fragment is end-of-log rather than
// an error.
type Reader struct {
	r *bufio.Reader
	// blockOff tracks the read position within the current physical block,
	// so the trailing bytes of a block too short for a header are skipped
	// rather than misparsed as the next header.
	blockOff int
	// err is sticky once end-of-log has been observed.
	err error
}

// NewReader returns a Reader over r.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReaderSize(r, BlockSize)}
}

// Next returns a reader for the next logical record, or io.EOF when the log
// is exhausted (including when it ends in a torn fragment).
func (r *Reader) Next() (io.Reader, error) {
	if r.err != nil {
		return nil, r.err
	}
	data, err := r.nextRecord()
	if err != nil {
		return nil, err
	}
	return &recordReader{data: data}, nil
}

// recordReader serves one reassembled logical record across any number of
// Read calls.
type recordReader struct {
	data []byte
}

func (rr *recordReader) Read(p []byte) (int, error) {
	if len(rr.data) == 0 {
		return 0, io.EOF
	}
	n := copy(p, rr.data)
	rr.data = rr.data[n:]
	return n, nil
}

// skipBlockTail discards the remainder of the current physical block.
func (r *Reader) skipBlockTail() error {
	tail := BlockSize - r.blockOff
	if tail > 0 {
		if _, err := io.CopyN(io.Discard, r.r, int64(tail)); err != nil {
			return err
		}
	}
	r.blockOff = 0
	return nil
}

// nextRecord reads fragments until a full logical record has been
// reassembled, or returns io.EOF (treating any CRC failure or truncated
// header as an end-of-log torn tail).
func (r *Reader) nextRecord() ([]byte, error) {
	eof := func() ([]byte, error) {
		r.err = io.EOF
		return nil, io.EOF
	}
	var record []byte
	inFragment := false
	for {
		// A block tail too short for a header is writer zero-padding.
		if BlockSize-r.blockOff < headerSize {
			if err := r.skipBlockTail(); err != nil {
				return eof()
			}
		}

		var hdr [headerSize]byte
		if _, err := io.ReadFull(r.r, hdr[:]); err != nil {
			// Clean end-of-log, or a torn header: either way, end-of-log.
			return eof()
		}
		r.blockOff += headerSize
		wantCRC := binary.LittleEndian.Uint32(hdr[0:4])
		length := int(binary.LittleEndian.Uint16(hdr[4:6]))
		typ := hdr[6]

		if typ == zeroChunkType {
			// Reserved/padding chunk: skip the rest of the block.
			if inFragment {
				return eof()
			}
			if err := r.skipBlockTail(); err != nil {
				return eof()
			}
			continue
		}
		if length > BlockSize-r.blockOff {
			return eof()
		}

		payload := make([]byte, length)
		if _, err := io.ReadFull(r.r, payload); err != nil {
			return eof()
		}
		r.blockOff += length
		if crc(typ, payload) != wantCRC {
			return eof()
		}

		switch typ {
		case fullChunkType:
			if inFragment {
				return eof()
			}
			return payload, nil
		case firstChunkType:
			if inFragment {
				return eof()
			}
			record = append(record, payload...)
			inFragment = true
		case middleChunkType:
			if !inFragment {
				return eof()
			}
			record = append(record, payload...)
		case lastChunkType:
			if !inFragment {
				return eof()
			}
			record = append(record, payload...)
			return record, nil
		default:
			return eof()
		}
	}
}

// LogWriter is the WriteRecord-oriented facade the write path uses: one
// logical record per call, with an explicit Sync.
type LogWriter struct {
	f  syncer
	rw *Writer
}

type syncer interface {
	io.Writer
	Sync() error
}

// NewLogWriter wraps f (which must also support Sync, as every vfs.File
// does) in a LogWriter.
func NewLogWriter(f syncer) *LogWriter {
	return &LogWriter{f: f, rw: NewWriter(f)}
}

// WriteRecord writes data as a single logical record, returning the number
// of bytes written (the payload length, not the on-wire fragment overhead).
func (w *LogWriter) WriteRecord(data []byte) (int64, error) {
	rec, err := w.rw.Next()
	if err != nil {
		return 0, err
	}
	if _, err := rec.Write(data); err != nil {
		return 0, err
	}
	if err := w.rw.Flush(); err != nil {
		return 0, err
	}
	return int64(len(data)), nil
}

// Sync flushes buffered data and fsyncs the underlying file.
func (w *LogWriter) Sync() error {
	if err := w.rw.Flush(); err != nil {
		return err
	}
	return w.f.Sync()
}

// Close finalizes the writer (no further records may follow).
func (w *LogWriter) Close() error {
	return w.rw.Close()
}

// maskCRC applies the LevelDB CRC masking transform:
// ((crc >> 15) | (crc << 17)) + 0xa282ead8.
func maskCRC(c uint32) uint32 {
	return ((c >> 15) | (c << 17)) + 0xa282ead8
}

// unmaskCRC inverts maskCRC; kept alongside it since the two are always
// reasoned about together even though this package only needs the forward
// direction today.
func unmaskCRC(masked uint32) uint32 {
	rot := masked - 0xa282ead8
	return (rot << 15) | (rot >> 17)
}
