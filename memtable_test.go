// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package caskdb

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/caskdb/caskdb/internal/base"
)

func applyBatch(t *testing.T, m *memTable, seqNum uint64, build func(b *Batch)) {
	t.Helper()
	b := NewBatch()
	build(b)
	b.setSeqNum(seqNum)
	require.NoError(t, m.apply(b))
}

func TestMemTableOrdering(t *testing.T) {
	m := newMemTable(base.DefaultCompare, 1)
	applyBatch(t, m, 1, func(b *Batch) {
		require.NoError(t, b.Set([]byte("banana"), []byte("1")))
		require.NoError(t, b.Set([]byte("apple"), []byte("2")))
		require.NoError(t, b.Set([]byte("cherry"), []byte("3")))
	})

	it := m.newIter()
	var got []string
	for valid := it.First(); valid; valid = it.Next() {
		got = append(got, string(it.Key().UserKey))
	}
	require.NoError(t, it.Error())
	require.Equal(t, []string{"apple", "banana", "cherry"}, got)
}

func TestMemTableNewestVersionFirst(t *testing.T) {
	m := newMemTable(base.DefaultCompare, 1)
	for i := 1; i <= 5; i++ {
		applyBatch(t, m, uint64(i), func(b *Batch) {
			require.NoError(t, b.Set([]byte("k"), []byte(fmt.Sprintf("v%d", i))))
		})
	}

	// Versions of the same user key surface newest first.
	it := m.newIter()
	require.True(t, it.SeekGE([]byte("k")))
	require.EqualValues(t, 5, it.Key().SeqNum())
	require.Equal(t, "v5", string(it.Value()))
	require.True(t, it.Next())
	require.EqualValues(t, 4, it.Key().SeqNum())
}

func TestMemTableTombstone(t *testing.T) {
	m := newMemTable(base.DefaultCompare, 1)
	applyBatch(t, m, 1, func(b *Batch) {
		require.NoError(t, b.Set([]byte("k"), []byte("v")))
	})
	applyBatch(t, m, 2, func(b *Batch) {
		require.NoError(t, b.Delete([]byte("k")))
	})

	it := m.newIter()
	require.True(t, it.SeekGE([]byte("k")))
	require.Equal(t, base.InternalKeyKindDelete, it.Key().Kind())
	require.True(t, it.Next())
	require.Equal(t, base.InternalKeyKindSet, it.Key().Kind())
}

func TestMemTableSizeAccounting(t *testing.T) {
	m := newMemTable(base.DefaultCompare, 1)
	require.True(t, m.empty())
	require.Zero(t, m.size())

	applyBatch(t, m, 1, func(b *Batch) {
		require.NoError(t, b.Set([]byte("key"), []byte("value")))
	})
	require.False(t, m.empty())
	require.NotZero(t, m.size())
}
