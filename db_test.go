// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package caskdb

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/pmezard/go-difflib/difflib"
	"github.com/stretchr/testify/require"

	"github.com/caskdb/caskdb/internal/base"
	"github.com/caskdb/caskdb/vfs"
)

func openTestDB(t *testing.T, opts *Options) *DB {
	t.Helper()
	if opts == nil {
		opts = &Options{}
	}
	if opts.FS == nil {
		opts.FS = vfs.NewMem()
	}
	opts.CreateIfMissing = true
	db, err := Open("/test", opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestBasicPutGetDelete(t *testing.T) {
	db := openTestDB(t, nil)

	require.NoError(t, db.Set([]byte("apples"), []byte("one"), nil))
	require.NoError(t, db.Set([]byte("oranges"), []byte("two"), nil))

	v, err := db.Get([]byte("apples"))
	require.NoError(t, err)
	require.Equal(t, "one", string(v))

	v, err = db.Get([]byte("oranges"))
	require.NoError(t, err)
	require.Equal(t, "two", string(v))

	require.NoError(t, db.Delete([]byte("apples"), nil))

	_, err = db.Get([]byte("apples"))
	require.True(t, base.IsNotFound(err))

	v, err = db.Get([]byte("oranges"))
	require.NoError(t, err)
	require.Equal(t, "two", string(v))
}

func TestPrefixScan(t *testing.T) {
	db := openTestDB(t, nil)

	keys := []string{
		"/fruit/apple",
		"/fruit/orange",
		"/fruit/blueberry",
		"/fruitcake/christmas",
		"/vegetable/carrot",
		"/vegetable/lettuce",
	}
	for _, k := range keys {
		require.NoError(t, db.Set([]byte(k), []byte("x"), nil))
	}

	it, err := db.NewIter([]byte("/fruit/"), []byte("/fruit0"))
	require.NoError(t, err)
	var got []string
	for ok := it.First(); ok; ok = it.Next() {
		got = append(got, string(it.Key()))
	}
	require.NoError(t, it.Error())
	require.NoError(t, it.Close())
	require.Equal(t, []string{"/fruit/apple", "/fruit/blueberry", "/fruit/orange"}, got)

	require.NoError(t, db.Delete([]byte("/vegetable/carrot"), nil))

	it, err = db.NewIter([]byte("/vege"), []byte("/vegf"))
	require.NoError(t, err)
	got = got[:0]
	for ok := it.First(); ok; ok = it.Next() {
		got = append(got, string(it.Key()))
	}
	require.NoError(t, it.Error())
	require.NoError(t, it.Close())
	require.Equal(t, []string{"/vegetable/lettuce"}, got)
}

func TestSnapshotVsWriter(t *testing.T) {
	db := openTestDB(t, nil)

	require.NoError(t, db.Set([]byte("k"), []byte("v1"), nil))
	snap := db.NewSnapshot()
	defer snap.Close()

	require.NoError(t, db.Set([]byte("k"), []byte("v2"), nil))

	v, err := db.Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, "v2", string(v))

	v, err = snap.Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, "v1", string(v))
}

// simulateCrash abandons db without an orderly Close: background work is
// left to die with the test and only the directory lock is dropped (a real
// crash releases it as a side effect of process exit), so the reopen
// exercises WAL replay rather than a graceful shutdown.
func simulateCrash(db *DB) {
	if db.lock != nil {
		_ = db.lock.Close()
	}
}

// TestCrashAndRecover checks that sync=true writes survive a simulated
// crash and reopen.
func TestCrashAndRecover(t *testing.T) {
	fs := vfs.NewMem()
	opts := &Options{FS: fs, CreateIfMissing: true}
	db, err := Open("/test", opts)
	require.NoError(t, err)

	want := make(map[string]string)
	for i := 0; i < 200; i++ {
		k := fmt.Sprintf("key-%04d", i)
		v := fmt.Sprintf("value-%d", i)
		require.NoError(t, db.Set([]byte(k), []byte(v), Sync))
		want[k] = v
	}

	simulateCrash(db)
	db2, err := Open("/test", opts)
	require.NoError(t, err)
	defer db2.Close()

	for k, v := range want {
		got, err := db2.Get([]byte(k))
		require.NoError(t, err)
		require.Equal(t, v, string(got))
	}
}

// TestCrashAndRecoverNoSync checks that after a crash, some prefix of the
// unsynced writes (possibly all of them) is recovered, and every recovered
// key carries the value it was written with -- never a torn or mixed-up
// one.
func TestCrashAndRecoverNoSync(t *testing.T) {
	fs := vfs.NewMem()
	opts := &Options{FS: fs, CreateIfMissing: true}
	db, err := Open("/test", opts)
	require.NoError(t, err)

	want := make(map[string]string)
	for i := 0; i < 200; i++ {
		k := fmt.Sprintf("key-%04d", i)
		v := fmt.Sprintf("value-%d", i)
		require.NoError(t, db.Set([]byte(k), []byte(v), NoSync))
		want[k] = v
	}

	simulateCrash(db)
	db2, err := Open("/test", opts)
	require.NoError(t, err)
	defer db2.Close()

	recovered := 0
	lost := false
	for i := 0; i < 200; i++ {
		k := fmt.Sprintf("key-%04d", i)
		got, err := db2.Get([]byte(k))
		if base.IsNotFound(err) {
			lost = true
			continue
		}
		require.NoError(t, err)
		require.False(t, lost, "key %s recovered after an earlier write was lost", k)
		require.Equal(t, want[k], string(got))
		recovered++
	}
	require.LessOrEqual(t, recovered, 200)
}

// TestReadYourWrites checks the read-your-writes guarantee across an atomic
// batch.
func TestReadYourWrites(t *testing.T) {
	db := openTestDB(t, nil)

	b := NewBatch()
	require.NoError(t, b.Set([]byte("a"), []byte("1")))
	require.NoError(t, b.Set([]byte("b"), []byte("2")))
	require.NoError(t, b.Delete([]byte("c")))
	require.NoError(t, db.Write(b, nil))

	v, err := db.Get([]byte("a"))
	require.NoError(t, err)
	require.Equal(t, "1", string(v))
	v, err = db.Get([]byte("b"))
	require.NoError(t, err)
	require.Equal(t, "2", string(v))
	_, err = db.Get([]byte("c"))
	require.True(t, base.IsNotFound(err))
}

// TestEmptyDatabase exercises reads and scans against a fresh, empty
// database.
func TestEmptyDatabase(t *testing.T) {
	db := openTestDB(t, nil)

	_, err := db.Get([]byte("anything"))
	require.True(t, base.IsNotFound(err))

	it, err := db.NewIter(nil, nil)
	require.NoError(t, err)
	require.False(t, it.First())
	require.NoError(t, it.Error())
	require.NoError(t, it.Close())
}

// TestSingleKeyManyUpdates checks that only the newest version of a
// repeatedly updated key is ever visible.
func TestSingleKeyManyUpdates(t *testing.T) {
	db := openTestDB(t, nil)

	for i := 0; i < 50; i++ {
		require.NoError(t, db.Set([]byte("k"), []byte(fmt.Sprintf("v%d", i)), nil))
	}
	v, err := db.Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, "v49", string(v))
}

// dumpKeys renders every (key, value) pair visible through db as one line
// per entry, for whole-database comparisons.
func dumpKeys(t *testing.T, db *DB) []string {
	t.Helper()
	it, err := db.NewIter(nil, nil)
	require.NoError(t, err)
	var out []string
	for ok := it.First(); ok; ok = it.Next() {
		out = append(out, fmt.Sprintf("%s=%s", it.Key(), it.Value()))
	}
	require.NoError(t, it.Error())
	require.NoError(t, it.Close())
	return out
}

func TestBackupRoundTrip(t *testing.T) {
	fs := vfs.NewMem()
	db := openTestDB(t, &Options{FS: fs})

	for i := 0; i < 20; i++ {
		require.NoError(t, db.Set([]byte(fmt.Sprintf("k%03d", i)), []byte(fmt.Sprintf("v%d", i)), nil))
	}

	var buf bytes.Buffer
	h := db.Backup()
	_, err := h.WriteTo(&buf)
	require.NoError(t, err)

	require.NoError(t, Restore(bytes.NewReader(buf.Bytes()), "/restored", fs))

	db2, err := Open("/restored", &Options{FS: fs, ReadOnly: true})
	require.NoError(t, err)
	defer db2.Close()

	want := dumpKeys(t, db)
	got := dumpKeys(t, db2)
	require.Len(t, want, 20)
	if diff, _ := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A: want, B: got, FromFile: "source", ToFile: "restored", Context: 2,
	}); diff != "" {
		t.Fatalf("restored database differs from source:\n%s", diff)
	}
}

// TestOpenLockBusy checks the single-writer invariant: a second
// Open against an already-locked directory fails with Busy.
func TestOpenLockBusy(t *testing.T) {
	fs := vfs.NewMem()
	db := openTestDB(t, &Options{FS: fs})
	require.NoError(t, db.Set([]byte("k"), []byte("v"), nil))

	_, err := Open("/test", &Options{FS: fs})
	require.Error(t, err)
	require.Equal(t, base.KindBusy, base.GetKind(err))
}

// TestReadOnlyOpen checks the read-only contract: writes are
// rejected, and a read-only handle does not take the lock file
// exclusively, so two read-only handles can coexist on the same
// directory.
func TestReadOnlyOpen(t *testing.T) {
	fs := vfs.NewMem()
	db := openTestDB(t, &Options{FS: fs})
	require.NoError(t, db.Set([]byte("k"), []byte("v"), Sync))

	ro1, err := Open("/test", &Options{FS: fs, ReadOnly: true})
	require.NoError(t, err)
	defer ro1.Close()
	ro2, err := Open("/test", &Options{FS: fs, ReadOnly: true})
	require.NoError(t, err)
	defer ro2.Close()

	v, err := ro1.Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, "v", string(v))

	err = ro2.Set([]byte("k2"), []byte("v2"), nil)
	require.Error(t, err)
	require.Equal(t, base.KindInvalidArgument, base.GetKind(err))
}

// TestCompactionStability uses small write-buffer and level-size budgets
// to force several flushes and compactions; a snapshot taken mid-stream
// must keep returning its
// generation's values after later generations overwrite every key and
// compaction quiesces.
func TestCompactionStability(t *testing.T) {
	fs := vfs.NewMem()
	db := openTestDB(t, &Options{
		FS:                   fs,
		WriteBufferSize:      10 << 10,
		MaxBytesForLevelBase: 20 << 10,
	})

	const numKeys = 150
	value := func(gen int) []byte {
		return bytes.Repeat([]byte(fmt.Sprintf("%d", gen)), 56)
	}
	key := func(i int) []byte {
		return []byte(fmt.Sprintf("%08d", i))
	}

	var snapAfterGen3 *Snapshot
	for gen := 1; gen <= 4; gen++ {
		for i := 0; i < numKeys; i++ {
			require.NoError(t, db.Set(key(i), value(gen), nil))
		}
		if gen == 3 {
			snapAfterGen3 = db.NewSnapshot()
		}
	}
	db.WaitForCompaction()

	for i := 0; i < numKeys; i++ {
		v, err := db.Get(key(i))
		require.NoError(t, err)
		require.Equal(t, value(4), v)

		v, err = snapAfterGen3.Get(key(i))
		require.NoError(t, err)
		require.Equal(t, value(3), v)
	}
	require.NoError(t, snapAfterGen3.Close())
}

// TestKeyAtFileBoundary checks that a point lookup for a key exactly equal
// to a file's smallest/largest boundary still finds it after a flush.
func TestKeyAtFileBoundary(t *testing.T) {
	db := openTestDB(t, &Options{WriteBufferSize: 4 << 10})

	for i := 0; i < 300; i++ {
		require.NoError(t, db.Set([]byte(fmt.Sprintf("%05d", i)), []byte("v"), nil))
	}
	db.WaitForCompaction()

	for _, i := range []int{0, 1, 149, 299} {
		v, err := db.Get([]byte(fmt.Sprintf("%05d", i)))
		require.NoError(t, err)
		require.Equal(t, "v", string(v))
	}
}
