// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package sstable

import (
	"bytes"
	"compress/bzip2"
	"compress/zlib"
	"encoding/binary"
	"io"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/caskdb/caskdb/internal/base"
)

// Compression names the block compressor. The byte values are part of the
// on-disk format.
type Compression byte

const (
	NoCompression     Compression = 0
	SnappyCompression Compression = 1
	ZlibCompression   Compression = 2
	BZip2Compression  Compression = 3
	LZ4Compression    Compression = 4
	LZ4HCCompression  Compression = 5
	XPressCompression Compression = 6
	ZstdCompression   Compression = 7
)

func (c Compression) String() string {
	switch c {
	case NoCompression:
		return "None"
	case SnappyCompression:
		return "Snappy"
	case ZlibCompression:
		return "ZLib"
	case BZip2Compression:
		return "BZip2"
	case LZ4Compression:
		return "LZ4"
	case LZ4HCCompression:
		return "LZ4HC"
	case XPressCompression:
		return "XPress"
	case ZstdCompression:
		return "Zstd"
	default:
		return "Unknown"
	}
}

var zstdEncoder, _ = zstd.NewWriter(nil)
var zstdDecoder, _ = zstd.NewReader(nil)

// compressBlock compresses b using c and returns the result. dst (which may
// be nil) is overwritten and its storage reused where the codec allows; the
// LZ4 path always allocates. The caller falls back to storing the block
// raw when the output is no smaller than the input.
func compressBlock(c Compression, b []byte, dst []byte) ([]byte, error) {
	switch c {
	case NoCompression:
		return append(dst[:0], b...), nil
	case SnappyCompression:
		return snappy.Encode(dst[:cap(dst)], b), nil
	case ZlibCompression:
		var buf bytes.Buffer
		w := zlib.NewWriter(&buf)
		if _, err := w.Write(b); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return append(dst[:0], buf.Bytes()...), nil
	case LZ4Compression:
		// LZ4 block decompression needs the decoded length up front, so it
		// is prefixed as a uvarint.
		buf := make([]byte, binary.MaxVarintLen64+lz4.CompressBlockBound(len(b)))
		n := binary.PutUvarint(buf, uint64(len(b)))
		m, err := lz4.CompressBlock(b, buf[n:], nil)
		if err != nil {
			return nil, err
		}
		if m == 0 {
			// Incompressible; signal the caller to store the block raw.
			return append(dst[:0], b...), nil
		}
		return buf[:n+m], nil
	case ZstdCompression:
		return zstdEncoder.EncodeAll(b, dst[:0]), nil
	default:
		// LZ4HC and BZip2 are read-only codecs here: BZip2 has no
		// ecosystem Go writer, and LZ4HC is a legacy RocksDB-only format
		// not worth a write path. XPress is supported in neither direction.
		return nil, base.NewKind(base.KindUnsupported, "caskdb: compressor %s does not support writing", c)
	}
}

// decompressBlock decompresses b (compressed with c) and returns the result;
// for NoCompression it returns b itself.
func decompressBlock(c Compression, b []byte) ([]byte, error) {
	switch c {
	case NoCompression:
		return b, nil
	case SnappyCompression:
		n, err := snappy.DecodedLen(b)
		if err != nil {
			return nil, base.MarkKind(base.KindCorruption, err)
		}
		dst := make([]byte, n)
		dst, err = snappy.Decode(dst, b)
		if err != nil {
			return nil, base.MarkKind(base.KindCorruption, err)
		}
		return dst, nil
	case ZlibCompression:
		r, err := zlib.NewReader(bytes.NewReader(b))
		if err != nil {
			return nil, base.MarkKind(base.KindCorruption, err)
		}
		defer r.Close()
		out, err := io.ReadAll(r)
		if err != nil {
			return nil, base.MarkKind(base.KindCorruption, err)
		}
		return out, nil
	case BZip2Compression:
		out, err := io.ReadAll(bzip2.NewReader(bytes.NewReader(b)))
		if err != nil {
			return nil, base.MarkKind(base.KindCorruption, err)
		}
		return out, nil
	case LZ4Compression, LZ4HCCompression:
		// HC-compressed blocks decode with the plain LZ4 block decoder.
		n, k := binary.Uvarint(b)
		if k <= 0 {
			return nil, base.NewKind(base.KindCorruption, "caskdb: corrupt lz4 block header")
		}
		dst := make([]byte, n)
		if _, err := lz4.UncompressBlock(b[k:], dst); err != nil {
			return nil, base.MarkKind(base.KindCorruption, err)
		}
		return dst, nil
	case ZstdCompression:
		out, err := zstdDecoder.DecodeAll(b, nil)
		if err != nil {
			return nil, base.MarkKind(base.KindCorruption, err)
		}
		return out, nil
	default:
		return nil, base.NewKind(base.KindUnsupported, "caskdb: unknown compression type %d", c)
	}
}
