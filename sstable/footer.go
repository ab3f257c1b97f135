// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package sstable

import (
	"encoding/binary"

	"github.com/cockroachdb/errors"

	"github.com/caskdb/caskdb/internal/base"
)

// BlockHandle is the (offset, size) pair addressing a block, encoded as two
// varints. Size excludes the 5-byte trailer.
type BlockHandle struct {
	Offset uint64
	Length uint64
}

// maxBlockHandleLen bounds the varint-encoded size of a BlockHandle (two
// varint uint64s).
const maxBlockHandleLen = 2 * binary.MaxVarintLen64

func (h BlockHandle) encode(dst []byte) int {
	n := binary.PutUvarint(dst, h.Offset)
	n += binary.PutUvarint(dst[n:], h.Length)
	return n
}

func decodeBlockHandle(src []byte) (BlockHandle, int, error) {
	offset, n1 := binary.Uvarint(src)
	length, n2 := binary.Uvarint(src[n1:])
	if n1 <= 0 || n2 <= 0 {
		return BlockHandle{}, 0, errors.Mark(errors.New("caskdb: corrupt block handle"), base.ErrCorruption)
	}
	return BlockHandle{Offset: offset, Length: length}, n1 + n2, nil
}

const (
	// newFooterMagic is the new-form 64-bit magic, big-endian on the wire.
	newFooterMagic = uint64(0x88e241b785f4cff7)
	// legacyFooterMagic is the legacy-form magic, implying CRC32c /
	// format-version 0.
	legacyFooterMagic = uint64(0xdb4775248b80fb57)

	newFooterLen    = 53
	legacyFooterLen = 48
)

// Footer is the trailing fixed-size region of an SSTable.
type Footer struct {
	ChecksumType  ChecksumType
	MetaindexBH   BlockHandle
	IndexBH       BlockHandle
	FormatVersion uint32
	Legacy        bool
}

// encode renders the new-form, 53-byte footer (this repo always writes the
// new form; the legacy decode path exists only for reading files produced
// by a legacy-form writer).
func (f Footer) encode() []byte {
	buf := make([]byte, newFooterLen)
	buf[0] = byte(f.ChecksumType)
	n := 1
	n += f.MetaindexBH.encode(buf[n:])
	n += f.IndexBH.encode(buf[n:])
	// zero-pad to 2*maxBlockHandleLen+1
	binary.LittleEndian.PutUint32(buf[newFooterLen-12:], f.FormatVersion)
	binary.BigEndian.PutUint64(buf[newFooterLen-8:], newFooterMagic)
	return buf
}

// decodeFooter parses the trailing bytes of an SSTable file.
func decodeFooter(buf []byte) (Footer, error) {
	if len(buf) >= newFooterLen {
		tail := buf[len(buf)-newFooterLen:]
		magic := binary.BigEndian.Uint64(tail[newFooterLen-8:])
		if magic == newFooterMagic {
			checksumType := ChecksumType(tail[0])
			mbh, n, err := decodeBlockHandle(tail[1:])
			if err != nil {
				return Footer{}, err
			}
			ibh, _, err := decodeBlockHandle(tail[1+n:])
			if err != nil {
				return Footer{}, err
			}
			formatVersion := binary.LittleEndian.Uint32(tail[newFooterLen-12:])
			return Footer{
				ChecksumType:  checksumType,
				MetaindexBH:   mbh,
				IndexBH:       ibh,
				FormatVersion: formatVersion,
			}, nil
		}
	}
	if len(buf) >= legacyFooterLen {
		tail := buf[len(buf)-legacyFooterLen:]
		magic := binary.BigEndian.Uint64(tail[legacyFooterLen-8:])
		if magic == legacyFooterMagic {
			mbh, n, err := decodeBlockHandle(tail)
			if err != nil {
				return Footer{}, err
			}
			ibh, _, err := decodeBlockHandle(tail[n:])
			if err != nil {
				return Footer{}, err
			}
			return Footer{
				ChecksumType:  ChecksumCRC32c,
				MetaindexBH:   mbh,
				IndexBH:       ibh,
				FormatVersion: 0,
				Legacy:        true,
			}, nil
		}
	}
	return Footer{}, base.NewKind(base.KindCorruption, "caskdb: bad table magic number")
}
