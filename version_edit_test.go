// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package caskdb

import (
	"bytes"
	"testing"

	"github.com/kr/pretty"
	"github.com/stretchr/testify/require"

	"github.com/caskdb/caskdb/internal/base"
)

func TestVersionEditRoundTrip(t *testing.T) {
	in := versionEdit{
		comparatorName:    "caskdb.BytewiseComparator",
		logNumber:         7,
		hasLogNumber:      true,
		nextFileNumber:    42,
		hasNextFileNumber: true,
		lastSequence:      1234,
		hasLastSequence:   true,
		deletedFiles: map[deletedFileEntry]bool{
			{level: 1, fileNum: 3}: true,
			{level: 2, fileNum: 8}: true,
		},
		newFiles: []newFileEntry{
			{level: 0, meta: fileMetadata{
				fileNum:  9,
				size:     4096,
				smallest: base.MakeInternalKey([]byte("apple"), 10, base.InternalKeyKindSet),
				largest:  base.MakeInternalKey([]byte("orange"), 20, base.InternalKeyKindDelete),
			}},
		},
	}

	var buf bytes.Buffer
	require.NoError(t, in.encode(&buf))

	var out versionEdit
	require.NoError(t, out.decode(bytes.NewReader(buf.Bytes())))
	if diff := pretty.Diff(in, out); len(diff) != 0 {
		t.Fatalf("version edit did not round-trip:\n%v", diff)
	}
}

func TestVersionEditDecodeCorrupt(t *testing.T) {
	var out versionEdit
	err := out.decode(bytes.NewReader([]byte{99}))
	require.Error(t, err)
	require.True(t, base.IsCorruption(err))
}

func TestBulkVersionEditApply(t *testing.T) {
	mk := func(num base.FileNum, lo, hi string) fileMetadata {
		return fileMetadata{
			fileNum:  num,
			size:     100,
			smallest: base.MakeInternalKey([]byte(lo), 1, base.InternalKeyKindSet),
			largest:  base.MakeInternalKey([]byte(hi), 1, base.InternalKeyKindSet),
		}
	}

	var bve bulkVersionEdit
	bve.accumulate(&versionEdit{newFiles: []newFileEntry{
		{level: 1, meta: mk(5, "m", "r")},
		{level: 1, meta: mk(4, "a", "c")},
		{level: 0, meta: mk(2, "a", "z")},
		{level: 0, meta: mk(1, "b", "x")},
	}})
	v, err := bve.apply(nil, base.DefaultCompare)
	require.NoError(t, err)

	// L0 is ordered by file number (flush order), L1+ by smallest key.
	require.Equal(t, []base.FileNum{1, 2}, fileNums(v.files[0]))
	require.Equal(t, []base.FileNum{4, 5}, fileNums(v.files[1]))

	// A later edit replacing L1's files supersedes cleanly.
	var bve2 bulkVersionEdit
	bve2.accumulate(&versionEdit{
		deletedFiles: map[deletedFileEntry]bool{
			{level: 1, fileNum: 4}: true,
			{level: 1, fileNum: 5}: true,
		},
		newFiles: []newFileEntry{{level: 1, meta: mk(6, "a", "r")}},
	})
	v2, err := bve2.apply(v, base.DefaultCompare)
	require.NoError(t, err)
	require.Equal(t, []base.FileNum{6}, fileNums(v2.files[1]))
	// The base version is untouched.
	require.Equal(t, []base.FileNum{4, 5}, fileNums(v.files[1]))
}

func fileNums(files []fileMetadata) []base.FileNum {
	out := make([]base.FileNum, 0, len(files))
	for _, f := range files {
		out = append(out, f.fileNum)
	}
	return out
}
