// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package cache

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/caskdb/caskdb/internal/base"
)

func TestFetchMissThenHit(t *testing.T) {
	c := New(1 << 20)
	var loads int32

	loader := func() ([]byte, error) {
		atomic.AddInt32(&loads, 1)
		return []byte("block-data"), nil
	}

	h1, err := c.Fetch(Key{FileNum: 1, Offset: 0}, 10, loader)
	require.NoError(t, err)
	require.Equal(t, "block-data", string(h1.Value()))
	require.EqualValues(t, 1, atomic.LoadInt32(&loads))

	h2, err := c.Fetch(Key{FileNum: 1, Offset: 0}, 10, func() ([]byte, error) {
		t.Fatal("loader should not be called on a cache hit")
		return nil, nil
	})
	require.NoError(t, err)
	require.Equal(t, "block-data", string(h2.Value()))
	require.EqualValues(t, 1, atomic.LoadInt32(&loads))

	h1.Release()
	h2.Release()
}

func TestFetchOversizedBlockRejected(t *testing.T) {
	c := New(100)
	_, err := c.Fetch(Key{FileNum: 1, Offset: 0}, 200, func() ([]byte, error) {
		t.Fatal("loader should not be called for a block that cannot fit")
		return nil, nil
	})
	require.Error(t, err)
	require.Equal(t, base.KindInvalidArgument, base.GetKind(err))
}

func TestFetchZeroCapacityNeverRejectsOrBlocks(t *testing.T) {
	c := New(0)
	var loads int32
	loader := func() ([]byte, error) {
		atomic.AddInt32(&loads, 1)
		return []byte("x"), nil
	}
	// A capacity of 0 means "unbounded" (no size cap, so no rejection and
	// no capacity-wait); entries are still cached and reused across calls.
	for i := 0; i < 3; i++ {
		h, err := c.Fetch(Key{FileNum: 1, Offset: 0}, 1<<20, loader)
		require.NoError(t, err)
		h.Release()
	}
	require.EqualValues(t, 1, atomic.LoadInt32(&loads))
}

func TestEvictDropsFile(t *testing.T) {
	c := New(1 << 20)
	loader := func() ([]byte, error) { return []byte("v"), nil }

	h, err := c.Fetch(Key{FileNum: 5, Offset: 0}, 1, loader)
	require.NoError(t, err)
	h.Release()

	c.Evict(5)

	var loads int32
	_, err = c.Fetch(Key{FileNum: 5, Offset: 0}, 1, func() ([]byte, error) {
		atomic.AddInt32(&loads, 1)
		return []byte("v2"), nil
	})
	require.NoError(t, err)
	require.EqualValues(t, 1, atomic.LoadInt32(&loads))
}

// TestFetchWaitsForRoom checks that a Fetch which would exceed capacity
// blocks until an outstanding handle is released, rather than evicting a
// still-pinned block out from under its reader.
func TestFetchWaitsForRoom(t *testing.T) {
	c := New(10)
	loader := func(data string) Loader {
		return func() ([]byte, error) { return []byte(data), nil }
	}

	h1, err := c.Fetch(Key{FileNum: 1, Offset: 0}, 10, loader("a"))
	require.NoError(t, err)

	done := make(chan Handle, 1)
	go func() {
		h2, err := c.Fetch(Key{FileNum: 1, Offset: 1}, 10, loader("b"))
		require.NoError(t, err)
		done <- h2
	}()

	select {
	case <-done:
		t.Fatal("Fetch should have blocked while the first block is still pinned")
	case <-time.After(50 * time.Millisecond):
	}

	h1.Release()

	select {
	case h2 := <-done:
		require.Equal(t, "b", string(h2.Value()))
		h2.Release()
	case <-time.After(time.Second):
		t.Fatal("Fetch never unblocked after the pinned block was released")
	}
}
