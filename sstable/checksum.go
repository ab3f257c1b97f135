// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package sstable

import (
	"hash/crc32"

	"github.com/cespare/xxhash/v2"
)

// ChecksumType names the block-trailer checksum algorithm. The byte values
// are part of the on-disk format.
type ChecksumType byte

const (
	ChecksumNone     ChecksumType = 0
	ChecksumCRC32c   ChecksumType = 1
	ChecksumXXHash   ChecksumType = 2
	ChecksumXXHash64 ChecksumType = 3
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// maskedChecksum computes the trailer checksum over payload||compressionType
// using algorithm t, applying the CRC masking transform to CRC32c (xxhash
// checksums are not masked; the mask exists specifically to make CRC32
// resilient to log-rotation-style all-zero runs).
func maskedChecksum(t ChecksumType, payload []byte, compressionType byte) uint32 {
	switch t {
	case ChecksumNone:
		return 0
	case ChecksumCRC32c:
		h := crc32.New(crcTable)
		h.Write(payload)
		h.Write([]byte{compressionType})
		return maskCRC32(h.Sum32())
	case ChecksumXXHash:
		h := xxhash.New()
		h.Write(payload)
		h.Write([]byte{compressionType})
		return uint32(h.Sum64())
	case ChecksumXXHash64:
		h := xxhash.New()
		h.Write(payload)
		h.Write([]byte{compressionType})
		return uint32(h.Sum64() >> 32)
	default:
		return 0
	}
}

// maskCRC32 applies the LevelDB CRC masking formula:
// ((crc >> 15) | (crc << 17)) + 0xa282ead8.
func maskCRC32(c uint32) uint32 {
	return ((c >> 15) | (c << 17)) + 0xa282ead8
}
