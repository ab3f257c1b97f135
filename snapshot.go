// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package caskdb

import (
	"math"
	"sync"
)

// Snapshot pins a point-in-time, consistent view of the database: reads
// through it never observe writes committed after the snapshot was taken.
// Close must be called once the snapshot is no longer
// needed, or its pinned sequence number holds tombstones and superseded
// versions live forever.
type Snapshot struct {
	db     *DB
	seqNum uint64

	closeOnce sync.Once
}

// SeqNum returns the sequence number the snapshot reads are pinned to.
func (s *Snapshot) SeqNum() uint64 { return s.seqNum }

// Close releases the snapshot, allowing the compaction executor to drop
// entries that were only kept alive for it.
func (s *Snapshot) Close() error {
	s.closeOnce.Do(func() {
		s.db.snapshots.release(s.seqNum)
	})
	return nil
}

// snapshotList is a multiset of pinned sequence numbers: concurrent
// snapshots may share a sequence number (e.g. two readers taking a
// snapshot back to back with no intervening write), so each entry carries
// a reference count rather than being deduplicated away.
type snapshotList struct {
	mu    sync.Mutex
	count map[uint64]int
}

func (l *snapshotList) acquire(seqNum uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.count == nil {
		l.count = make(map[uint64]int)
	}
	l.count[seqNum]++
}

func (l *snapshotList) release(seqNum uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.count[seqNum]--
	if l.count[seqNum] <= 0 {
		delete(l.count, seqNum)
	}
}

// oldest returns the smallest pinned sequence number, or math.MaxUint64 if
// no snapshot is outstanding (meaning nothing constrains the compaction
// executor beyond visibleSeqNum itself).
func (l *snapshotList) oldest() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	min := uint64(math.MaxUint64)
	for seqNum := range l.count {
		if seqNum < min {
			min = seqNum
		}
	}
	return min
}
