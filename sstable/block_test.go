// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package sstable

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/caskdb/caskdb/internal/base"
)

func buildBlock(t *testing.T, restartInterval int, n int) ([]byte, []base.InternalKey, [][]byte) {
	t.Helper()
	w := &blockWriter{restartInterval: restartInterval}
	var keys []base.InternalKey
	var values [][]byte
	for i := 0; i < n; i++ {
		k := base.MakeInternalKey([]byte(fmt.Sprintf("key-%04d", i)), uint64(n-i), base.InternalKeyKindSet)
		v := []byte(fmt.Sprintf("value-%d", i))
		w.add(k, v)
		keys = append(keys, k)
		values = append(values, v)
	}
	return w.finish(), keys, values
}

func TestBlockWriterIterRoundTrip(t *testing.T) {
	for _, restartInterval := range []int{1, 2, 16} {
		block, keys, values := buildBlock(t, restartInterval, 100)

		it, err := newBlockIter(base.DefaultCompare, block)
		require.NoError(t, err)

		i := 0
		for valid := it.First(); valid; valid = it.Next() {
			require.Equal(t, string(keys[i].UserKey), string(it.Key().UserKey))
			require.Equal(t, keys[i].SeqNum(), it.Key().SeqNum())
			require.Equal(t, string(values[i]), string(it.Value()))
			i++
		}
		require.NoError(t, it.Error())
		require.Equal(t, len(keys), i)
	}
}

func TestBlockIterSeekGE(t *testing.T) {
	block, keys, values := buildBlock(t, 4, 50)
	it, err := newBlockIter(base.DefaultCompare, block)
	require.NoError(t, err)

	for i, k := range keys {
		require.True(t, it.SeekGE(k))
		require.Equal(t, string(k.UserKey), string(it.Key().UserKey))
		require.Equal(t, string(values[i]), string(it.Value()))
	}

	// A target between two keys seeks to the next key in order.
	target := base.MakeInternalKey([]byte("key-0010"), keys[10].SeqNum()+1, base.InternalKeyKindMax)
	require.True(t, it.SeekGE(target))
	require.Equal(t, string(keys[10].UserKey), string(it.Key().UserKey))

	// A target past the last key finds nothing.
	require.False(t, it.SeekGE(base.MakeInternalKey([]byte("zzzz"), 0, base.InternalKeyKindMax)))
}

func TestBlockIterEmptyValue(t *testing.T) {
	w := &blockWriter{restartInterval: 16}
	k := base.MakeInternalKey([]byte("k"), 1, base.InternalKeyKindDelete)
	w.add(k, nil)
	block := w.finish()

	it, err := newBlockIter(base.DefaultCompare, block)
	require.NoError(t, err)
	require.True(t, it.First())
	require.Equal(t, base.InternalKeyKindDelete, it.Key().Kind())
	require.Empty(t, it.Value())
	require.False(t, it.Next())
}

func TestBlockIterGlobalSeqNum(t *testing.T) {
	block, keys, _ := buildBlock(t, 16, 10)

	i := &blockIter{}
	require.NoError(t, i.init(base.DefaultCompare, block, 777))
	require.True(t, i.First())
	require.Equal(t, uint64(777), i.Key().SeqNum())
	require.Equal(t, string(keys[0].UserKey), string(i.Key().UserKey))
}

func TestBlockIterEmptyBlock(t *testing.T) {
	// A zero-entry block is legal: its lone restart points at the restart
	// array itself. Iteration and seeks find nothing, with no error.
	w := &blockWriter{restartInterval: 16}
	block := w.finish()

	it, err := newBlockIter(base.DefaultCompare, block)
	require.NoError(t, err)
	require.False(t, it.First())
	require.NoError(t, it.Error())
	require.False(t, it.SeekGE(base.MakeInternalKey([]byte("a"), 1, base.InternalKeyKindMax)))
	require.NoError(t, it.Error())
}

func TestBlockIterCorruptZeroRestarts(t *testing.T) {
	block := make([]byte, 4)
	_, err := newBlockIter(base.DefaultCompare, block)
	require.Error(t, err)
	require.True(t, base.IsCorruption(err))
}

func TestBlockIterCorruptTruncatedEntry(t *testing.T) {
	// A single short key/value produces a 3-byte varint header (shared,
	// unshared, value-length) followed by the key and value bytes, since
	// every field here fits in one varint byte.
	w := &blockWriter{restartInterval: 16}
	w.add(base.MakeInternalKey([]byte("abc"), 1, base.InternalKeyKindSet), []byte("v"))
	block := w.finish()

	corrupt := append([]byte(nil), block...)
	corrupt[2] = 100 // claim a value length far larger than the block holds (must stay <128 to keep a one-byte varint)

	it, err := newBlockIter(base.DefaultCompare, corrupt)
	require.NoError(t, err)
	require.False(t, it.First())
	require.Error(t, it.Error())
	require.True(t, base.IsCorruption(it.Error()))

	// A seek over the same corrupt entry reports corruption too, rather
	// than a clean "not found".
	it2, err := newBlockIter(base.DefaultCompare, corrupt)
	require.NoError(t, err)
	require.False(t, it2.SeekGE(base.MakeInternalKey([]byte("abc"), 1, base.InternalKeyKindMax)))
	require.Error(t, it2.Error())
	require.True(t, base.IsCorruption(it2.Error()))
}
