// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package caskdb

import (
	"sort"
	"sync/atomic"

	"github.com/caskdb/caskdb/internal/base"
)

// fileMetadata describes one SSTable living at some level.
type fileMetadata struct {
	fileNum  base.FileNum
	size     uint64
	smallest base.InternalKey
	largest  base.InternalKey
}

// overlapsUserKeys reports whether [smallestUK, largestUK] intersects the
// file's key range.
func (m *fileMetadata) overlapsUserKeys(cmp base.Compare, smallestUK, largestUK []byte) bool {
	if cmp(largestUK, m.smallest.UserKey) < 0 {
		return false
	}
	if cmp(smallestUK, m.largest.UserKey) > 0 {
		return false
	}
	return true
}

// version is an immutable snapshot of the engine's file set at some
// MANIFEST moment. Versions form a doubly linked list;
// readers pin a version via ref/unref to keep its files alive.
type version struct {
	files [NumLevels][]fileMetadata

	refs  int32
	prev  *version
	next  *version

	// compactionScore/compactionLevel cache pickCompaction's scoring so
	// maybeScheduleCompaction does not need to rescan every level.
	compactionScore float64
	compactionLevel int
}

func (v *version) ref() { atomic.AddInt32(&v.refs, 1) }

// unref drops a reference, returning true if it was the last one (in which
// case the caller should consider the version's exclusively-owned files for
// deletion).
func (v *version) unref() bool {
	return atomic.AddInt32(&v.refs, -1) == 0
}

// overlaps returns, in increasing key order, the files at level whose
// range intersects [smallestUK, largestUK]. For level 0 this may be more
// than one file since L0 files can mutually overlap; for
// level >= 1 file ranges are disjoint so at most a contiguous run matches.
func (v *version) overlaps(level int, cmp base.Compare, smallestUK, largestUK []byte) []fileMetadata {
	var out []fileMetadata
	if level == 0 {
		for _, f := range v.files[0] {
			if f.overlapsUserKeys(cmp, smallestUK, largestUK) {
				out = append(out, f)
			}
		}
		return out
	}
	files := v.files[level]
	i := sort.Search(len(files), func(i int) bool {
		return cmp(files[i].largest.UserKey, smallestUK) >= 0
	})
	for ; i < len(files); i++ {
		if cmp(files[i].smallest.UserKey, largestUK) > 0 {
			break
		}
		out = append(out, files[i])
	}
	return out
}

// findFileForUserKey binary-searches level >= 1's disjoint, sorted file
// list for the at-most-one file whose range covers userKey.
func findFileForUserKey(cmp base.Compare, files []fileMetadata, userKey []byte) (fileMetadata, bool) {
	i := sort.Search(len(files), func(i int) bool {
		return cmp(files[i].largest.UserKey, userKey) >= 0
	})
	if i >= len(files) {
		return fileMetadata{}, false
	}
	if cmp(files[i].smallest.UserKey, userKey) > 0 {
		return fileMetadata{}, false
	}
	return files[i], true
}

// totalSize sums the on-disk size of a file list.
func totalSize(files []fileMetadata) uint64 {
	var n uint64
	for _, f := range files {
		n += f.size
	}
	return n
}

// levelRange returns the smallest/largest internal key spanned by two file
// lists combined (either may be nil), used to build a compaction's
// expanded key range.
func levelRange(cmp base.Compare, a, b []fileMetadata) (smallest, largest base.InternalKey) {
	first := true
	consider := func(f fileMetadata) {
		if first {
			smallest, largest = f.smallest, f.largest
			first = false
			return
		}
		if base.InternalCompare(cmp, f.smallest, smallest) < 0 {
			smallest = f.smallest
		}
		if base.InternalCompare(cmp, f.largest, largest) > 0 {
			largest = f.largest
		}
	}
	for _, f := range a {
		consider(f)
	}
	for _, f := range b {
		consider(f)
	}
	return smallest, largest
}

// computeCompactionScore scores each level (size over target size; L0 uses
// file count over its trigger) and records the highest-scoring level for
// the next pickCompaction call.
func (v *version) computeCompactionScore(opts *Options) {
	bestLevel := -1
	bestScore := 0.0
	for level := 0; level < NumLevels-1; level++ {
		var score float64
		if level == 0 {
			score = float64(len(v.files[0])) / float64(opts.Level0FileNumCompactionTrigger)
		} else {
			score = float64(totalSize(v.files[level])) / float64(opts.maxBytesForLevel(level))
		}
		if score > bestScore {
			bestScore = score
			bestLevel = level
		}
	}
	v.compactionScore = bestScore
	v.compactionLevel = bestLevel
}

// clone returns a copy of v with its own per-level file slices (the key
// bytes inside each fileMetadata stay shared) suitable
// for bulkVersionEdit.apply to mutate into a new, unreferenced version.
func (v *version) clone() *version {
	nv := &version{}
	for l := 0; l < NumLevels; l++ {
		nv.files[l] = append([]fileMetadata(nil), v.files[l]...)
	}
	return nv
}

// versionList is the doubly linked list of versions a versionSet maintains;
// the tail is always the current version.
type versionList struct {
	root version
}

func (l *versionList) init() {
	l.root.next = &l.root
	l.root.prev = &l.root
}

func (l *versionList) empty() bool { return l.root.next == &l.root }

func (l *versionList) back() *version {
	if l.empty() {
		return nil
	}
	return l.root.prev
}

func (l *versionList) pushBack(v *version) {
	v.prev = l.root.prev
	v.next = &l.root
	l.root.prev.next = v
	l.root.prev = v
}

func (l *versionList) remove(v *version) {
	v.prev.next = v.next
	v.next.prev = v.prev
	v.next, v.prev = nil, nil
}
