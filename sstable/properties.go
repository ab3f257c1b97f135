// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package sstable

import (
	"encoding/binary"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/caskdb/caskdb/internal/base"
)

// Properties holds the table attributes a writer maintains as it goes:
// entry count, raw key/value byte totals, smallest/largest key,
// compression, and creation time.
type Properties struct {
	NumEntries      uint64
	RawKeyBytes     uint64
	RawValueBytes   uint64
	SmallestUserKey []byte
	LargestUserKey  []byte
	Compression     Compression
	CreationTime    int64
	DatabaseID      string
}

func writeVarstring(dst []byte, s []byte) []byte {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], uint64(len(s)))
	dst = append(dst, tmp[:n]...)
	dst = append(dst, s...)
	return dst
}

func readVarstring(src []byte) (val []byte, rest []byte, err error) {
	n, k := binary.Uvarint(src)
	if k <= 0 || uint64(k)+n > uint64(len(src)) {
		return nil, nil, errors.Mark(errors.New("caskdb: corrupt properties block"), base.ErrCorruption)
	}
	return src[k : k+int(n)], src[k+int(n):], nil
}

// encode serializes p as a simple sequence of varstring-framed fields; this
// is a deliberately simpler on-wire shape than RocksDB's name/value property
// block (which itself is just a degenerate data block), kept here because
// nothing outside this file needs to binary-search properties.
func (p Properties) encode() []byte {
	var buf []byte
	var scratch [8]byte
	binary.LittleEndian.PutUint64(scratch[:], p.NumEntries)
	buf = append(buf, scratch[:]...)
	binary.LittleEndian.PutUint64(scratch[:], p.RawKeyBytes)
	buf = append(buf, scratch[:]...)
	binary.LittleEndian.PutUint64(scratch[:], p.RawValueBytes)
	buf = append(buf, scratch[:]...)
	buf = writeVarstring(buf, p.SmallestUserKey)
	buf = writeVarstring(buf, p.LargestUserKey)
	buf = append(buf, byte(p.Compression))
	binary.LittleEndian.PutUint64(scratch[:], uint64(p.CreationTime))
	buf = append(buf, scratch[:]...)
	buf = writeVarstring(buf, []byte(p.DatabaseID))
	return buf
}

func decodeProperties(buf []byte) (Properties, error) {
	var p Properties
	if len(buf) < 24 {
		return p, errors.Mark(errors.New("caskdb: truncated properties block"), base.ErrCorruption)
	}
	p.NumEntries = binary.LittleEndian.Uint64(buf[0:8])
	p.RawKeyBytes = binary.LittleEndian.Uint64(buf[8:16])
	p.RawValueBytes = binary.LittleEndian.Uint64(buf[16:24])
	rest := buf[24:]
	var err error
	var smallest, largest []byte
	smallest, rest, err = readVarstring(rest)
	if err != nil {
		return p, err
	}
	largest, rest, err = readVarstring(rest)
	if err != nil {
		return p, err
	}
	p.SmallestUserKey = append([]byte(nil), smallest...)
	p.LargestUserKey = append([]byte(nil), largest...)
	if len(rest) < 1+8 {
		return p, errors.Mark(errors.New("caskdb: truncated properties block"), base.ErrCorruption)
	}
	p.Compression = Compression(rest[0])
	p.CreationTime = int64(binary.LittleEndian.Uint64(rest[1:9]))
	rest = rest[9:]
	dbID, _, err := readVarstring(rest)
	if err != nil {
		return p, err
	}
	p.DatabaseID = string(dbID)
	return p, nil
}

// newDatabaseID mints a fresh IDENTITY value, the provenance id copied into
// each table.
func newDatabaseID() string {
	return uuid.New().String()
}

func now() int64 { return time.Now().Unix() }
