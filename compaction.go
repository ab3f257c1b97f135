// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package caskdb

import (
	"time"

	"github.com/caskdb/caskdb/internal/base"
	"github.com/caskdb/caskdb/sstable"
)

// compaction describes one Ln -> Ln+1 merge: the input files at the source
// level plus whatever they overlap at the output level, and the
// grandparent (Ln+2) files used to bound output file size so a compaction
// never produces a file that would force an outsized future compaction
// against it.
type compaction struct {
	level, outputLevel int
	inputs             [2][]fileMetadata
	grandparents       []fileMetadata
}

// maybeScheduleFlushLocked wakes the background worker to consider
// flushing. Callers must hold d.mu.
func (d *DB) maybeScheduleFlushLocked() { d.mu.compact.cond.Broadcast() }

// maybeScheduleCompactionLocked wakes the background worker to consider
// compacting. Callers must hold d.mu.
func (d *DB) maybeScheduleCompactionLocked() { d.mu.compact.cond.Broadcast() }

// backgroundWork is the single background scheduler: one flush or one
// compaction in flight at a time, chosen greedily (flush takes priority,
// since it bounds memory and unblocks write stalls), retried with backoff
// on failure rather than ever giving up and stranding data.
func (d *DB) backgroundWork() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for {
		var c *compaction
		for {
			if d.mu.closed {
				return
			}
			if !d.mu.compact.flushing && len(d.mu.mem.queue) > 0 {
				break
			}
			// pickCompaction advances compactPointer as a side effect, so
			// it is called at most once per iteration and its result
			// reused below -- calling it again to "recheck" would skip
			// files in the round-robin scan without ever compacting them.
			if !d.mu.compact.compacting && !d.opts.ManualCompactionsOnly {
				if c = d.pickCompaction(); c != nil {
					break
				}
			}
			d.mu.compact.cond.Wait()
		}
		if d.mu.closed {
			return
		}

		if !d.mu.compact.flushing && len(d.mu.mem.queue) > 0 {
			d.mu.compact.flushing = true
			d.mu.Unlock()
			d.runWithRetry(func() error {
				start := time.Now()
				err := d.flush1()
				if err == nil {
					d.metrics.recordFlush(time.Since(start))
				}
				return err
			})
			d.mu.Lock()
			d.mu.compact.flushing = false
			d.mu.compact.cond.Broadcast()
			continue
		}

		if c != nil {
			d.mu.compact.compacting = true
			d.mu.Unlock()
			var poisonErr error
			d.runWithRetry(func() error {
				start := time.Now()
				err := d.runCompaction(c)
				if err == nil {
					d.metrics.recordCompaction(time.Since(start))
				} else if base.IsCorruption(err) {
					// A corrupt input will not heal on retry; poison it so
					// the picker routes around it and surface the error via
					// LastBackgroundError instead of retrying forever.
					d.poisonCompactionInputs(c, err)
					poisonErr = err
					err = nil
				}
				return err
			})
			d.mu.Lock()
			if poisonErr != nil {
				// runWithRetry recorded the nil returned above; restore the
				// corruption so LastBackgroundError reports it.
				d.mu.compact.lastErr = poisonErr
			}
			d.mu.compact.compacting = false
			d.mu.compact.cond.Broadcast()
		}
	}
}

// poisonCompactionInputs marks every input file of c as unusable for future
// compactions, recording err as the last background error. Reads still
// consult poisoned files (a block other than the corrupt one may decode
// fine); they are only fenced off from the compaction picker.
func (d *DB) poisonCompactionInputs(c *compaction, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.poisoned == nil {
		d.poisoned = make(map[base.FileNum]bool)
	}
	for _, files := range c.inputs {
		for _, f := range files {
			d.poisoned[f.fileNum] = true
		}
	}
	d.mu.compact.lastErr = err
}

// poisonedLocked reports whether any file in files has been poisoned.
// Callers must hold d.mu.
func (d *DB) poisonedLocked(files []fileMetadata) bool {
	for _, f := range files {
		if d.poisoned[f.fileNum] {
			return true
		}
	}
	return false
}

// runWithRetry retries job with exponential backoff (capped at 30s) until
// it succeeds or the database is closed, recording the last error so
// LastBackgroundError can surface it. A job is never abandoned after a
// transient failure; background errors stay visible, never silently
// dropped.
func (d *DB) runWithRetry(job func() error) {
	backoff := 100 * time.Millisecond
	for {
		err := job()
		d.mu.Lock()
		d.mu.compact.lastErr = err
		d.mu.Unlock()
		if err == nil {
			return
		}
		select {
		case <-d.closeCh:
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > 30*time.Second {
			backoff = 30 * time.Second
		}
	}
}

// LastBackgroundError returns the most recent flush or compaction error,
// nil if the last attempt succeeded. Background errors retry on their own;
// this is purely observational.
func (d *DB) LastBackgroundError() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mu.compact.lastErr
}

// flush1 writes the oldest queued immutable memtable out as a new L0
// SSTable, installs it via a version edit, and retires the WAL segment
// that made it durable.
func (d *DB) flush1() error {
	d.mu.Lock()
	if len(d.mu.mem.queue) == 0 {
		d.mu.Unlock()
		return nil
	}
	m := d.mu.mem.queue[0]
	d.mu.Unlock()

	fileNum := d.vs.nextFileNum()
	name := d.fs.PathJoin(d.dirname, base.MakeFilename(base.FileTypeTable, fileNum))
	f, err := d.fs.Create(name)
	if err != nil {
		return err
	}
	w := sstable.NewWriter(f, sstable.WriterOptions{
		Comparer:        d.opts.Comparer,
		BlockSize:       d.opts.BlockSize,
		RestartInterval: d.opts.BlockRestartInterval,
		Compression:     d.opts.Level(0).Compression,
		DatabaseID:      d.identity,
	})

	it := m.newIter()
	var smallest, largest base.InternalKey
	haveKey := false
	for valid := it.First(); valid; valid = it.Next() {
		if err := w.Add(it.Key(), it.Value()); err != nil {
			w.Close()
			d.fs.Remove(name)
			return err
		}
		if !haveKey {
			smallest = it.Key().Clone()
			haveKey = true
		}
		largest = it.Key().Clone()
	}
	if err := it.Error(); err != nil {
		w.Close()
		d.fs.Remove(name)
		return err
	}
	if err := w.Close(); err != nil {
		d.fs.Remove(name)
		return err
	}

	ve := &versionEdit{}
	if haveKey {
		info, err := d.fs.Stat(name)
		if err != nil {
			return err
		}
		ve.newFiles = []newFileEntry{{level: 0, meta: fileMetadata{
			fileNum: fileNum, size: uint64(info.Size()), smallest: smallest, largest: largest,
		}}}
	} else {
		d.fs.Remove(name)
	}

	d.mu.Lock()
	nextLogNum := d.mu.log.number
	if len(d.mu.mem.queue) > 1 {
		nextLogNum = d.mu.mem.queue[1].logNum
	}
	d.mu.Unlock()
	ve.hasLogNumber = true
	ve.logNumber = nextLogNum

	_, obsolete, err := d.vs.logAndApply(ve)
	if err != nil {
		return err
	}
	d.removeObsoleteTables(obsolete)

	walName := d.fs.PathJoin(d.dirname, base.MakeFilename(base.FileTypeLog, m.logNum))

	d.mu.Lock()
	d.mu.mem.queue = d.mu.mem.queue[1:]
	d.mu.Unlock()

	if err := d.fs.Remove(walName); err != nil && !base.IsNotFound(err) {
		return err
	}
	return nil
}

// removeObsoleteTables evicts and unlinks SSTables no surviving version
// references.
func (d *DB) removeObsoleteTables(fileNums []base.FileNum) {
	for _, fileNum := range fileNums {
		d.tables.evict(fileNum)
		d.opts.blockCache().Evict(uint64(fileNum))
		name := d.fs.PathJoin(d.dirname, base.MakeFilename(base.FileTypeTable, fileNum))
		_ = d.fs.Remove(name)
	}
}

// pickCompaction chooses the next compaction job from the current version's
// cached score: L0 compactions take every
// overlapping L0 file (they may mutually overlap, so the output must
// absorb the whole set at once); Ln (n>=1) compactions round-robin a
// single file per run, tracked via compactPointer so every file
// eventually gets compacted instead of always starting from the level's
// smallest key.
func (d *DB) pickCompaction() *compaction {
	return d.pickCompactionLocked(true)
}

// pickCompactionLocked builds the next compaction job, or nil when no level
// needs one or every candidate is poisoned. When advance is false the
// per-level round-robin pointer is left untouched, so WaitForCompaction can
// use the same predicate the worker does without skipping files. Callers
// must hold d.mu.
func (d *DB) pickCompactionLocked(advance bool) *compaction {
	v := d.vs.currentVersion()
	defer v.unref()
	if v.compactionLevel < 0 || v.compactionScore < 1 {
		return nil
	}

	level := v.compactionLevel
	outputLevel := level + 1
	if outputLevel >= NumLevels {
		return nil
	}

	var startFiles []fileMetadata
	if level == 0 {
		if d.poisonedLocked(v.files[0]) {
			return nil
		}
		startFiles = append([]fileMetadata(nil), v.files[0]...)
	} else {
		files := v.files[level]
		if len(files) == 0 {
			return nil
		}
		idx := -1
		for i, f := range files {
			if d.poisoned[f.fileNum] {
				continue
			}
			if d.cmp(f.largest.UserKey, d.compactPointer[level]) > 0 {
				idx = i
				break
			}
		}
		if idx < 0 {
			// Wrap the round-robin scan back to the level's first clean file.
			for i, f := range files {
				if !d.poisoned[f.fileNum] {
					idx = i
					break
				}
			}
		}
		if idx < 0 {
			return nil
		}
		startFiles = []fileMetadata{files[idx]}
		if advance {
			d.compactPointer[level] = append([]byte(nil), files[idx].largest.UserKey...)
		}
	}

	smallest, largest := levelRange(d.cmp, startFiles, nil)
	outputOverlap := v.overlaps(outputLevel, d.cmp, smallest.UserKey, largest.UserKey)
	if d.poisonedLocked(outputOverlap) {
		return nil
	}

	var grandparents []fileMetadata
	if outputLevel+1 < NumLevels {
		s2, l2 := levelRange(d.cmp, startFiles, outputOverlap)
		grandparents = v.overlaps(outputLevel+1, d.cmp, s2.UserKey, l2.UserKey)
	}

	return &compaction{
		level:        level,
		outputLevel:  outputLevel,
		inputs:       [2][]fileMetadata{startFiles, outputOverlap},
		grandparents: grandparents,
	}
}

// grandparentBytesSoFar sums the size of grandparent files overlapping
// [smallest, largest], used to decide whether the compaction output file
// being written has already overlapped enough Ln+2 data that closing it
// now bounds a future Ln+1 -> Ln+2 compaction's input size.
func grandparentBytesSoFar(cmp base.Compare, grandparents []fileMetadata, smallest, largest base.InternalKey) int64 {
	var n int64
	for _, f := range grandparents {
		if f.overlapsUserKeys(cmp, smallest.UserKey, largest.UserKey) {
			n += int64(f.size)
		}
	}
	return n
}

// runCompaction merges a compaction's input files (plus, implicitly via the
// read path layering, nothing from the memtable -- compactions only ever
// touch on-disk levels), drops entries obsoleted by newer versions of the
// same key once no snapshot needs them, drops tombstones once they are
// provably unreachable, and installs one version edit removing the inputs
// and adding the rolled output files.
func (d *DB) runCompaction(c *compaction) error {
	var iters []internalIterator
	var closers []func() error
	defer func() {
		for _, cl := range closers {
			cl()
		}
	}()
	openLevel := func(files []fileMetadata) error {
		for _, f := range files {
			r, closeFn, err := d.openTable(f.fileNum)
			if err != nil {
				return err
			}
			it, err := r.Iterator(nil, nil)
			if err != nil {
				closeFn()
				return err
			}
			iters = append(iters, it)
			closers = append(closers, closeFn)
		}
		return nil
	}
	if err := openLevel(c.inputs[0]); err != nil {
		return err
	}
	if err := openLevel(c.inputs[1]); err != nil {
		return err
	}

	merged := newMergingIter(d.cmp, iters...)
	oldestSnapshot := d.snapshots.oldest()
	canDropTombstones := c.outputLevel == NumLevels-1

	var newFiles []newFileEntry
	var w *sstable.Writer
	var curFileNum base.FileNum
	var curSmallest, curLargest base.InternalKey
	haveCur := false

	// On any failure the partial outputs are unlinked before the retry, so
	// an aborted compaction never strands half-written tables.
	var created []base.FileNum
	installed := false
	defer func() {
		if installed {
			return
		}
		if w != nil {
			_ = w.Close()
		}
		for _, fileNum := range created {
			_ = d.fs.Remove(d.fs.PathJoin(d.dirname, base.MakeFilename(base.FileTypeTable, fileNum)))
		}
	}()

	rollNewFile := func() error {
		fileNum := d.vs.nextFileNum()
		name := d.fs.PathJoin(d.dirname, base.MakeFilename(base.FileTypeTable, fileNum))
		f, err := d.fs.Create(name)
		if err != nil {
			return err
		}
		curFileNum = fileNum
		created = append(created, fileNum)
		w = sstable.NewWriter(f, sstable.WriterOptions{
			Comparer:        d.opts.Comparer,
			BlockSize:       d.opts.BlockSize,
			RestartInterval: d.opts.BlockRestartInterval,
			Compression:     d.opts.Level(c.outputLevel).Compression,
			DatabaseID:      d.identity,
		})
		haveCur = false
		return nil
	}
	finishCur := func() error {
		if w == nil {
			return nil
		}
		name := d.fs.PathJoin(d.dirname, base.MakeFilename(base.FileTypeTable, curFileNum))
		if err := w.Close(); err != nil {
			return err
		}
		info, err := d.fs.Stat(name)
		if err != nil {
			return err
		}
		newFiles = append(newFiles, newFileEntry{level: c.outputLevel, meta: fileMetadata{
			fileNum: curFileNum, size: uint64(info.Size()), smallest: curSmallest, largest: curLargest,
		}})
		w = nil
		return nil
	}

	targetSize := uint64(d.opts.Level(c.outputLevel).TargetFileSize)
	grandparentLimit := d.opts.grandparentOverlapBytes(c.outputLevel)

	var lastUserKey []byte
	haveLastUserKey := false
	for valid := merged.First(); valid; valid = merged.Next() {
		key := merged.Key()

		// Collapse superseded versions: once a key's version at or below
		// the oldest live snapshot has been emitted, every older version
		// of that same user key is unreachable by any reader and is
		// dropped. Versions above the watermark are kept verbatim, since
		// a newer snapshot may still need to see each of them.
		isWatermark := key.SeqNum() <= oldestSnapshot
		sameAsLast := haveLastUserKey && d.cmp(key.UserKey, lastUserKey) == 0
		if sameAsLast && isWatermark {
			continue
		}
		if isWatermark {
			lastUserKey = append(lastUserKey[:0], key.UserKey...)
			haveLastUserKey = true
		} else {
			haveLastUserKey = false
		}
		if isWatermark && canDropTombstones && key.Kind() == base.InternalKeyKindDelete {
			continue
		}

		// Output files may only roll at user-key boundaries: splitting one
		// user key's versions across two files at the same level would break
		// the at-most-one-file-per-key lookup invariant for levels >= 1.
		if w != nil && haveCur && d.cmp(key.UserKey, curLargest.UserKey) != 0 {
			overGrandparents := len(c.grandparents) > 0 &&
				uint64(grandparentBytesSoFar(d.cmp, c.grandparents, curSmallest, curLargest)) >= uint64(grandparentLimit)
			if w.EstimatedSize() >= targetSize || overGrandparents {
				if err := finishCur(); err != nil {
					return err
				}
			}
		}
		if w == nil {
			if err := rollNewFile(); err != nil {
				return err
			}
		}
		if err := w.Add(key, merged.Value()); err != nil {
			return err
		}
		if !haveCur {
			curSmallest = key.Clone()
			haveCur = true
		}
		curLargest = key.Clone()
	}
	if err := merged.Error(); err != nil {
		return err
	}
	if err := finishCur(); err != nil {
		return err
	}

	ve := &versionEdit{deletedFiles: map[deletedFileEntry]bool{}}
	for _, f := range c.inputs[0] {
		ve.deletedFiles[deletedFileEntry{level: c.level, fileNum: f.fileNum}] = true
	}
	for _, f := range c.inputs[1] {
		ve.deletedFiles[deletedFileEntry{level: c.outputLevel, fileNum: f.fileNum}] = true
	}
	ve.newFiles = newFiles

	_, obsolete, err := d.vs.logAndApply(ve)
	if err != nil {
		return err
	}
	installed = true
	d.removeObsoleteTables(obsolete)
	return nil
}
