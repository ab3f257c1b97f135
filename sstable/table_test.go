// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package sstable

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/caskdb/caskdb/internal/base"
)

// memWriteFile collects a table writer's output in memory.
type memWriteFile struct {
	bytes.Buffer
}

func (f *memWriteFile) Sync() error  { return nil }
func (f *memWriteFile) Close() error { return nil }

// memReadFile serves table reads from a byte slice.
type memReadFile struct {
	*bytes.Reader
}

func (memReadFile) Close() error { return nil }

func buildTable(t *testing.T, opts WriterOptions, add func(w *Writer)) *Reader {
	t.Helper()
	var f memWriteFile
	w := NewWriter(&f, opts)
	add(w)
	require.NoError(t, w.Close())

	r, err := Open(memReadFile{bytes.NewReader(f.Bytes())}, int64(f.Len()), ReaderOptions{})
	require.NoError(t, err)
	return r
}

func TestTableRoundTrip(t *testing.T) {
	const n = 1000
	r := buildTable(t, WriterOptions{BlockSize: 256}, func(w *Writer) {
		for i := 0; i < n; i++ {
			k := base.MakeInternalKey([]byte(fmt.Sprintf("key-%05d", i)), 1, base.InternalKeyKindSet)
			require.NoError(t, w.Add(k, []byte(fmt.Sprintf("value-%d", i))))
		}
	})
	defer r.Close()

	it, err := r.Iterator(nil, nil)
	require.NoError(t, err)
	i := 0
	for valid := it.First(); valid; valid = it.Next() {
		require.Equal(t, fmt.Sprintf("key-%05d", i), string(it.Key().UserKey))
		require.Equal(t, fmt.Sprintf("value-%d", i), string(it.Value()))
		i++
	}
	require.NoError(t, it.Error())
	require.NoError(t, it.Close())
	require.Equal(t, n, i)

	for _, i := range []int{0, 1, 499, 998, 999} {
		v, found, tomb, err := r.Get([]byte(fmt.Sprintf("key-%05d", i)), base.SeqNumMax)
		require.NoError(t, err)
		require.True(t, found)
		require.False(t, tomb)
		require.Equal(t, fmt.Sprintf("value-%d", i), string(v))
	}

	_, found, _, err := r.Get([]byte("key-99999"), base.SeqNumMax)
	require.NoError(t, err)
	require.False(t, found)
}

func TestTableGetVisibility(t *testing.T) {
	r := buildTable(t, WriterOptions{}, func(w *Writer) {
		// Same user key: versions in descending sequence order, newest first.
		require.NoError(t, w.Add(base.MakeInternalKey([]byte("a"), 9, base.InternalKeyKindSet), []byte("v9")))
		require.NoError(t, w.Add(base.MakeInternalKey([]byte("a"), 3, base.InternalKeyKindSet), []byte("v3")))
		require.NoError(t, w.Add(base.MakeInternalKey([]byte("del"), 7, base.InternalKeyKindDelete), nil))
		require.NoError(t, w.Add(base.MakeInternalKey([]byte("del"), 2, base.InternalKeyKindSet), []byte("old")))
	})
	defer r.Close()

	v, found, _, err := r.Get([]byte("a"), base.SeqNumMax)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "v9", string(v))

	v, found, _, err = r.Get([]byte("a"), 5)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "v3", string(v))

	_, found, _, err = r.Get([]byte("a"), 2)
	require.NoError(t, err)
	require.False(t, found)

	_, found, tomb, err := r.Get([]byte("del"), base.SeqNumMax)
	require.NoError(t, err)
	require.False(t, found)
	require.True(t, tomb)

	v, found, _, err = r.Get([]byte("del"), 5)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "old", string(v))
}

func TestTableIteratorBounds(t *testing.T) {
	r := buildTable(t, WriterOptions{BlockSize: 64}, func(w *Writer) {
		for i := 0; i < 100; i++ {
			k := base.MakeInternalKey([]byte(fmt.Sprintf("%03d", i)), 1, base.InternalKeyKindSet)
			require.NoError(t, w.Add(k, []byte("x")))
		}
	})
	defer r.Close()

	it, err := r.Iterator([]byte("010"), []byte("020"))
	require.NoError(t, err)
	var got []string
	for valid := it.First(); valid; valid = it.Next() {
		got = append(got, string(it.Key().UserKey))
	}
	require.NoError(t, it.Error())
	require.NoError(t, it.Close())
	require.Len(t, got, 10)
	require.Equal(t, "010", got[0])
	require.Equal(t, "019", got[len(got)-1])
}

func TestTableCompressionRoundTrip(t *testing.T) {
	for _, c := range []Compression{NoCompression, SnappyCompression, ZlibCompression, LZ4Compression, ZstdCompression} {
		t.Run(c.String(), func(t *testing.T) {
			r := buildTable(t, WriterOptions{Compression: c}, func(w *Writer) {
				for i := 0; i < 50; i++ {
					k := base.MakeInternalKey([]byte(fmt.Sprintf("key-%03d", i)), 1, base.InternalKeyKindSet)
					require.NoError(t, w.Add(k, bytes.Repeat([]byte("abc"), 20)))
				}
			})
			defer r.Close()

			props, err := r.Properties()
			require.NoError(t, err)
			require.EqualValues(t, 50, props.NumEntries)
			require.Equal(t, c, props.Compression)
			require.Equal(t, "key-000", string(props.SmallestUserKey))
			require.Equal(t, "key-049", string(props.LargestUserKey))

			v, found, _, err := r.Get([]byte("key-025"), base.SeqNumMax)
			require.NoError(t, err)
			require.True(t, found)
			require.Equal(t, bytes.Repeat([]byte("abc"), 20), v)
		})
	}
}

func TestTableChecksumTypes(t *testing.T) {
	for _, ct := range []ChecksumType{ChecksumCRC32c, ChecksumXXHash, ChecksumXXHash64} {
		r := buildTable(t, WriterOptions{ChecksumType: ct}, func(w *Writer) {
			k := base.MakeInternalKey([]byte("k"), 1, base.InternalKeyKindSet)
			require.NoError(t, w.Add(k, []byte("v")))
		})
		v, found, _, err := r.Get([]byte("k"), base.SeqNumMax)
		require.NoError(t, err)
		require.True(t, found)
		require.Equal(t, "v", string(v))
		require.NoError(t, r.Close())
	}
}

func TestTableBadMagic(t *testing.T) {
	buf := bytes.Repeat([]byte{0xab}, 100)
	_, err := Open(memReadFile{bytes.NewReader(buf)}, int64(len(buf)), ReaderOptions{})
	require.Error(t, err)
	require.True(t, base.IsCorruption(err))
}

func TestTableBlockChecksumMismatch(t *testing.T) {
	var f memWriteFile
	w := NewWriter(&f, WriterOptions{})
	k := base.MakeInternalKey([]byte("k"), 1, base.InternalKeyKindSet)
	require.NoError(t, w.Add(k, []byte("v")))
	require.NoError(t, w.Close())

	// Flip a byte inside the first data block's payload.
	data := append([]byte(nil), f.Bytes()...)
	data[4] ^= 0xff
	r, err := Open(memReadFile{bytes.NewReader(data)}, int64(len(data)), ReaderOptions{})
	require.NoError(t, err)
	defer r.Close()
	_, _, _, err = r.Get([]byte("k"), base.SeqNumMax)
	require.Error(t, err)
	require.True(t, base.IsCorruption(err))
}

func TestDecodeLegacyFooter(t *testing.T) {
	// Hand-build a legacy 48-byte footer: two block handles, zero padding,
	// and the legacy magic in the trailing 8 bytes.
	buf := make([]byte, legacyFooterLen)
	n := BlockHandle{Offset: 100, Length: 200}.encode(buf)
	BlockHandle{Offset: 305, Length: 50}.encode(buf[n:])
	binary.BigEndian.PutUint64(buf[legacyFooterLen-8:], legacyFooterMagic)

	f, err := decodeFooter(buf)
	require.NoError(t, err)
	require.True(t, f.Legacy)
	require.Equal(t, ChecksumCRC32c, f.ChecksumType)
	require.EqualValues(t, 0, f.FormatVersion)
	require.Equal(t, BlockHandle{Offset: 100, Length: 200}, f.MetaindexBH)
	require.Equal(t, BlockHandle{Offset: 305, Length: 50}, f.IndexBH)
}

func TestFooterRoundTrip(t *testing.T) {
	in := Footer{
		ChecksumType:  ChecksumXXHash64,
		MetaindexBH:   BlockHandle{Offset: 1234, Length: 567},
		IndexBH:       BlockHandle{Offset: 8901, Length: 234},
		FormatVersion: 1,
	}
	out, err := decodeFooter(in.encode())
	require.NoError(t, err)
	require.Equal(t, in, out)
}
