// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package base

import (
	"encoding/binary"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/redact"
)

// InternalKeyKind is the tag on an internal key: Set stores a value, Delete
// is a tombstone. Merge and RangeDelete are deliberately absent from this
// engine's core.
type InternalKeyKind uint8

const (
	InternalKeyKindDelete InternalKeyKind = 0
	InternalKeyKindSet    InternalKeyKind = 1

	// InternalKeyKindMax is an arbitrarily high kind used to build a search
	// key that sorts before every kind for a given (user key, sequence).
	InternalKeyKindMax InternalKeyKind = 1
	// InternalKeyKindInvalid marks a key that failed to decode.
	InternalKeyKindInvalid InternalKeyKind = 255
)

func (k InternalKeyKind) String() string {
	switch k {
	case InternalKeyKindDelete:
		return "DEL"
	case InternalKeyKindSet:
		return "SET"
	default:
		return "INVALID"
	}
}

// SeqNumMax is the largest representable sequence number: a 56-bit counter,
// matching the 7-byte sequence field packed alongside the 1-byte kind in an
// 8-byte trailer.
const SeqNumMax = uint64(1)<<56 - 1

// InternalKeyTrailer packs a 56-bit sequence number and an 8-bit kind into a
// single uint64: the high 56 bits are the sequence, the low 8 bits the kind.
// Because it sorts numerically, a descending-sequence / kind ordering for
// equal user keys falls directly out of ordinary integer comparison when the
// trailer is compared in reverse.
type InternalKeyTrailer uint64

// MakeTrailer packs seqNum and kind together.
func MakeTrailer(seqNum uint64, kind InternalKeyKind) InternalKeyTrailer {
	return InternalKeyTrailer(seqNum<<8 | uint64(kind))
}

func (t InternalKeyTrailer) SeqNum() uint64 {
	return uint64(t) >> 8
}

func (t InternalKeyTrailer) Kind() InternalKeyKind {
	return InternalKeyKind(t)
}

// InternalKey is a user key extended with a trailer, giving the MVCC
// ordering: ascending by user key, then descending by sequence number
// within the same user key.
type InternalKey struct {
	UserKey []byte
	Trailer InternalKeyTrailer
}

// MakeInternalKey builds an InternalKey from its parts.
func MakeInternalKey(userKey []byte, seqNum uint64, kind InternalKeyKind) InternalKey {
	return InternalKey{UserKey: userKey, Trailer: MakeTrailer(seqNum, kind)}
}

// SeqNum returns the key's sequence number.
func (k InternalKey) SeqNum() uint64 { return k.Trailer.SeqNum() }

// Kind returns the key's tag.
func (k InternalKey) Kind() InternalKeyKind { return k.Trailer.Kind() }

// Visible reports whether k is visible to a reader pinned at snapshotSeqNum.
func (k InternalKey) Visible(snapshotSeqNum uint64) bool {
	return k.SeqNum() <= snapshotSeqNum
}

// Size is the encoded length of k.
func (k InternalKey) Size() int {
	return len(k.UserKey) + 8
}

// Encode writes the wire form of k (user key followed by the little-endian
// trailer) into buf, which must be at least k.Size() bytes.
func (k InternalKey) Encode(buf []byte) {
	i := copy(buf, k.UserKey)
	binary.LittleEndian.PutUint64(buf[i:], uint64(k.Trailer))
}

// EncodeTo appends the wire form of k to dst and returns the result.
func (k InternalKey) EncodeTo(dst []byte) []byte {
	n := len(dst)
	dst = append(dst, make([]byte, k.Size())...)
	k.Encode(dst[n:])
	return dst
}

// Clone returns a deep copy of k.
func (k InternalKey) Clone() InternalKey {
	if len(k.UserKey) == 0 {
		return InternalKey{Trailer: k.Trailer}
	}
	buf := make([]byte, len(k.UserKey))
	copy(buf, k.UserKey)
	return InternalKey{UserKey: buf, Trailer: k.Trailer}
}

// String renders k for debug logs. The user key is arbitrary caller data and
// is left unmarked so redact.Sprint treats it as redactable; the kind is a
// small fixed enum and is marked safe to print in the clear.
func (k InternalKey) String() string {
	return redact.Sprint(string(k.UserKey), redact.SafeString("#"+k.Kind().String())).StripMarkers()
}

// DecodeInternalKey decodes the wire form produced by Encode. The returned
// key aliases buf.
func DecodeInternalKey(buf []byte) (InternalKey, error) {
	if len(buf) < 8 {
		return InternalKey{}, errors.Mark(errors.Newf("caskdb: invalid internal key (decoded len=%d)", len(buf)), ErrCorruption)
	}
	n := len(buf) - 8
	trailer := binary.LittleEndian.Uint64(buf[n:])
	return InternalKey{UserKey: buf[:n:n], Trailer: InternalKeyTrailer(trailer)}, nil
}

// InternalCompare orders two internal keys: ascending by user key, and for
// equal user keys, descending by sequence number (and, for equal sequence
// numbers, descending by kind, so Set is ordered ahead of Delete sharing a
// sequence, matching the convention used to build exclusive search keys).
func InternalCompare(userCmp Compare, a, b InternalKey) int {
	if c := userCmp(a.UserKey, b.UserKey); c != 0 {
		return c
	}
	if a.Trailer > b.Trailer {
		return -1
	}
	if a.Trailer < b.Trailer {
		return +1
	}
	return 0
}

