// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package caskdb

import (
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/exp/slices"

	"github.com/caskdb/caskdb/internal/base"
	"github.com/caskdb/caskdb/internal/record"
	"github.com/caskdb/caskdb/sstable"
	"github.com/caskdb/caskdb/vfs"
)

// DB is an embedded, concurrent-safe key-value store. A single mutex (mu)
// serializes writers; readers take it only briefly, to capture the current
// memtables and version, and then read without holding it.
type DB struct {
	dirname string
	opts    *Options
	fs      vfs.FS
	cmp     base.Compare

	lock     vfs.Locker
	vs       *versionSet
	identity string

	tables  *tableCache
	metrics *metricsState

	snapshots snapshotList

	// poisoned records files whose blocks failed checksum or parse
	// validation: they keep serving what reads they can, but the compaction
	// picker refuses to consume them so a single bad table never wedges the
	// background worker in a retry loop. Guarded by d.mu.
	poisoned map[base.FileNum]bool

	// compactPointer records, per level, the largest user key consumed by
	// the most recent compaction picked from that level, so the next pick
	// round-robins through the level's files instead of always starting
	// over at its smallest key.
	compactPointer [NumLevels][]byte

	// visibleSeqNum is the highest sequence number written to the WAL and
	// applied to the active memtable; readers pin snapshots against it
	// via atomic load rather than taking mu.
	visibleSeqNum uint64

	mu struct {
		sync.Mutex

		mem struct {
			mutable *memTable
			// queue holds sealed, not-yet-flushed memtables, oldest first.
			// mutable is never a member of queue.
			queue []*memTable
		}

		log struct {
			number base.FileNum
			file   vfs.File
			writer *record.LogWriter
		}

		compact struct {
			cond       sync.Cond
			flushing   bool
			compacting bool
			lastErr    error
		}

		closed       bool
		bgErr        error
	}

	closeCh chan struct{}
}

// Open opens (creating if necessary and requested) the database at
// dirname. Recovery follows CURRENT to the MANIFEST, replays its edits,
// then replays any newer WAL segments; a non-empty recovered memtable is
// queued for flush.
func Open(dirname string, opts *Options) (*DB, error) {
	opts = opts.ensureDefaults()
	fs := opts.FS

	if err := fs.MkdirAll(dirname); err != nil {
		return nil, err
	}
	var lock vfs.Locker
	if !opts.ReadOnly {
		var err error
		lock, err = fs.Lock(fs.PathJoin(dirname, "LOCK"))
		if err != nil {
			return nil, base.MarkKind(base.KindBusy, errors.Wrap(err, "caskdb: acquiring database lock"))
		}
	}

	d := &DB{
		dirname: dirname,
		opts:    opts,
		fs:      fs,
		cmp:     opts.Comparer.Compare,
		lock:    lock,
		closeCh: make(chan struct{}),
		metrics: newMetricsState(),
	}
	d.mu.compact.cond.L = &d.mu.Mutex
	closeLock := func() {
		if d.lock != nil {
			d.lock.Close()
		}
	}
	d.tables = newTableCache(opts.MaxOpenFiles, func(fileNum base.FileNum) (*sstable.Reader, error) {
		name := fs.PathJoin(dirname, base.MakeFilename(base.FileTypeTable, fileNum))
		f, err := fs.OpenForReadOnly(name)
		if err != nil {
			return nil, err
		}
		info, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, err
		}
		r, err := sstable.Open(f, info.Size(), sstable.ReaderOptions{
			Comparer: opts.Comparer,
			Cache:    opts.blockCache(),
			FileNum:  uint64(fileNum),
		})
		if err != nil {
			f.Close()
			return nil, err
		}
		return r, nil
	})

	vs := newVersionSet(dirname, opts)
	currentName := fs.PathJoin(dirname, base.MakeFilename(base.FileTypeCurrent, 0))
	_, statErr := fs.Stat(currentName)
	exists := statErr == nil

	switch {
	case exists:
		if opts.ErrorIfExists {
			closeLock()
			return nil, base.NewKind(base.KindAlreadyExists, "caskdb: database %q already exists", dirname)
		}
		if err := vs.load(); err != nil {
			closeLock()
			return nil, err
		}
		id, err := readIdentityFile(fs, dirname)
		if err != nil {
			if !base.IsNotFound(err) {
				closeLock()
				return nil, err
			}
			if !opts.ReadOnly {
				// A directory restored from an archive predating the
				// IDENTITY convention; mint one now rather than fail the
				// open.
				if id, err = writeIdentityFile(fs, dirname); err != nil {
					closeLock()
					return nil, err
				}
			}
		}
		d.identity = id
	case opts.CreateIfMissing:
		if err := vs.create(); err != nil {
			closeLock()
			return nil, err
		}
		id, err := writeIdentityFile(fs, dirname)
		if err != nil {
			closeLock()
			return nil, err
		}
		d.identity = id
	default:
		closeLock()
		return nil, base.NewKind(base.KindNotFound, "caskdb: database %q does not exist", dirname)
	}
	d.vs = vs

	if exists {
		// Replay every WAL segment at or past the MANIFEST's recorded log
		// number, oldest first: a crash between rolling to a new segment and
		// flushing the sealed memtable leaves more than one live segment.
		logNums, err := d.findRecoverableLogs()
		if err != nil {
			closeLock()
			return nil, err
		}
		for _, logNum := range logNums {
			if err := d.replayWAL(logNum); err != nil {
				closeLock()
				return nil, err
			}
		}
	}
	if !opts.ReadOnly {
		if err := d.openNewLog(); err != nil {
			closeLock()
			return nil, err
		}
	}
	if d.mu.mem.mutable == nil {
		d.mu.mem.mutable = newMemTable(d.cmp, d.mu.log.number)
	}
	atomic.StoreUint64(&d.visibleSeqNum, vs.visibleSeqNum())

	if !opts.ReadOnly {
		d.deleteObsoleteFiles()
		go d.backgroundWork()
		if len(d.mu.mem.queue) > 0 {
			d.mu.Lock()
			d.maybeScheduleFlushLocked()
			d.mu.Unlock()
		}
	}
	return d, nil
}

// findRecoverableLogs lists the database directory for WAL segments the
// MANIFEST has not yet retired (number >= the recorded log number), in
// increasing order.
func (d *DB) findRecoverableLogs() ([]base.FileNum, error) {
	names, err := d.fs.List(d.dirname)
	if err != nil {
		return nil, err
	}
	var logNums []base.FileNum
	for _, name := range names {
		ft, num, ok := base.ParseFilename(name)
		if ok && ft == base.FileTypeLog && num >= d.vs.logNumber {
			logNums = append(logNums, num)
		}
	}
	slices.Sort(logNums)
	return logNums, nil
}

// replayWAL recovers the entries written to log segment logNum into a
// fresh memtable, which is queued for flush once recovery completes.
func (d *DB) replayWAL(logNum base.FileNum) error {
	name := d.fs.PathJoin(d.dirname, base.MakeFilename(base.FileTypeLog, logNum))
	f, err := d.fs.Open(name)
	if err != nil {
		if base.IsNotFound(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	mem := newMemTable(d.cmp, logNum)
	r := record.NewReader(f)
	for {
		rec, err := r.Next()
		if err != nil {
			break
		}
		data, err := io.ReadAll(rec)
		if err != nil {
			break
		}
		if len(data) < batchHeaderLen {
			continue
		}
		b, err := decodedFrom(data)
		if err != nil {
			continue
		}
		if err := mem.apply(b); err != nil {
			return err
		}
		d.vs.markSeqNumUsed(b.seqNum() + uint64(b.Count()) - 1)
	}
	if !mem.empty() {
		d.mu.mem.queue = append(d.mu.mem.queue, mem)
	}
	d.vs.markFileNumUsed(logNum)
	return nil
}

// deleteObsoleteFiles removes directory entries nothing references anymore:
// tables absent from every retained version, retired WAL segments, rotated
// MANIFESTs, and leftover temp files.
// WAL segments still feeding a queued memtable are at or past the recorded
// log number and are never touched.
func (d *DB) deleteObsoleteFiles() {
	names, err := d.fs.List(d.dirname)
	if err != nil {
		return
	}
	live := make(map[base.FileNum]bool)
	d.vs.addLiveFileNums(live)
	for _, name := range names {
		ft, num, ok := base.ParseFilename(name)
		if !ok {
			continue
		}
		var remove bool
		switch ft {
		case base.FileTypeTable:
			remove = !live[num]
		case base.FileTypeLog:
			remove = num < d.vs.logNumber
		case base.FileTypeManifest:
			remove = num != d.vs.manifestFileNumber
		case base.FileTypeTemp:
			remove = true
		}
		if remove {
			_ = d.fs.Remove(d.fs.PathJoin(d.dirname, name))
		}
	}
}

// openNewLog rolls to a brand-new WAL segment, recording its number in the
// versionSet (published on the next logAndApply, e.g. the next flush).
func (d *DB) openNewLog() error {
	num := d.vs.nextFileNum()
	name := d.fs.PathJoin(d.dirname, base.MakeFilename(base.FileTypeLog, num))
	f, err := d.fs.Create(name)
	if err != nil {
		return err
	}
	d.mu.log.number = num
	d.mu.log.file = f
	d.mu.log.writer = record.NewLogWriter(f)
	if d.mu.mem.mutable == nil {
		d.mu.mem.mutable = newMemTable(d.cmp, num)
	}
	return nil
}

// Get returns the value most recently Set for key, visible as of now.
func (d *DB) Get(key []byte) ([]byte, error) {
	return d.getInternal(key, atomic.LoadUint64(&d.visibleSeqNum))
}

func (d *DB) getInternal(key []byte, seqNum uint64) ([]byte, error) {
	d.mu.Lock()
	// Search order is newest state first: the mutable memtable, then the
	// sealed queue newest to oldest (the queue itself is kept oldest first).
	mems := make([]*memTable, 0, 1+len(d.mu.mem.queue))
	mems = append(mems, d.mu.mem.mutable)
	for i := len(d.mu.mem.queue) - 1; i >= 0; i-- {
		mems = append(mems, d.mu.mem.queue[i])
	}
	v := d.vs.currentVersion()
	d.mu.Unlock()
	defer v.unref()

	for _, m := range mems {
		// SeekGE lands on the newest version of key; versions newer than the
		// read's sequence number are invisible and skipped in place, since an
		// older visible version may follow within the same memtable.
		it := m.newIter()
		for valid := it.SeekGE(key); valid && d.opts.Comparer.Equal(it.Key().UserKey, key); valid = it.Next() {
			if it.Key().SeqNum() > seqNum {
				continue
			}
			if it.Key().Kind() == base.InternalKeyKindDelete {
				return nil, base.NewKind(base.KindNotFound, "caskdb: key not found")
			}
			return append([]byte(nil), it.Value()...), nil
		}
	}

	// L0 files may overlap, so every one covering key must be tried,
	// newest first (v.files[0] is stored oldest-first by file number).
	for i := len(v.files[0]) - 1; i >= 0; i-- {
		f := v.files[0][i]
		if !f.overlapsUserKeys(d.cmp, key, key) {
			continue
		}
		val, found, tomb, err := d.getFromFile(f, key, seqNum)
		if err != nil {
			return nil, err
		}
		if found {
			return val, nil
		}
		if tomb {
			return nil, base.NewKind(base.KindNotFound, "caskdb: key not found")
		}
	}

	for level := 1; level < NumLevels; level++ {
		f, ok := findFileForUserKey(d.cmp, v.files[level], key)
		if !ok {
			continue
		}
		val, found, tomb, err := d.getFromFile(f, key, seqNum)
		if err != nil {
			return nil, err
		}
		if found {
			return val, nil
		}
		if tomb {
			return nil, base.NewKind(base.KindNotFound, "caskdb: key not found")
		}
	}
	return nil, base.NewKind(base.KindNotFound, "caskdb: key not found")
}

func (d *DB) getFromFile(f fileMetadata, key []byte, seqNum uint64) (value []byte, found, tombstone bool, err error) {
	r, closeFn, err := d.openTable(f.fileNum)
	if err != nil {
		return nil, false, false, err
	}
	defer closeFn()
	value, found, tombstone, err = r.Get(key, seqNum)
	if err != nil && base.IsCorruption(err) {
		d.markFilePoisoned(f.fileNum)
	}
	return value, found, tombstone, err
}

// markFilePoisoned fences fileNum off from future compactions after one of
// its blocks failed validation: corruption poisons the file, it does not
// crash the engine.
func (d *DB) markFilePoisoned(fileNum base.FileNum) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.poisoned == nil {
		d.poisoned = make(map[base.FileNum]bool)
	}
	d.poisoned[fileNum] = true
}

// Set stores value under key.
func (d *DB) Set(key, value []byte, opts *WriteOptions) error {
	b := NewBatch()
	if err := b.Set(key, value); err != nil {
		return err
	}
	return d.Apply(b, opts)
}

// Delete records a tombstone for key.
func (d *DB) Delete(key []byte, opts *WriteOptions) error {
	b := NewBatch()
	if err := b.Delete(key); err != nil {
		return err
	}
	return d.Apply(b, opts)
}

// Write atomically commits every operation in batch.
func (d *DB) Write(batch *Batch, opts *WriteOptions) error {
	return d.Apply(batch, opts)
}

// Apply is the single-writer commit path: assign sequence numbers, append
// to the WAL (optionally fsync), insert into the active memtable, then
// publish the new visible sequence number.
func (d *DB) Apply(batch *Batch, opts *WriteOptions) error {
	if batch.Empty() {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.opts.ReadOnly {
		return base.NewKind(base.KindInvalidArgument, "caskdb: write to a read-only handle")
	}
	if d.mu.closed {
		return base.NewKind(base.KindShuttingDown, "caskdb: database is closed")
	}
	if d.mu.bgErr != nil {
		return d.mu.bgErr
	}
	if err := d.makeRoomForWriteLocked(len(batch.data)); err != nil {
		return err
	}

	seqNum := d.vs.nextSeqNum(uint64(batch.Count()))
	batch.setSeqNum(seqNum)

	if _, err := d.mu.log.writer.WriteRecord(batch.data); err != nil {
		d.mu.bgErr = base.MarkKind(base.KindIoError, err)
		return d.mu.bgErr
	}
	if opts.syncOrDefault(d.opts.SyncWrites) {
		if err := d.mu.log.writer.Sync(); err != nil {
			d.mu.bgErr = base.MarkKind(base.KindIoError, err)
			return d.mu.bgErr
		}
	}
	if err := d.mu.mem.mutable.apply(batch); err != nil {
		return err
	}

	newVisible := seqNum + uint64(batch.Count()) - 1
	for {
		old := atomic.LoadUint64(&d.visibleSeqNum)
		if newVisible <= old || atomic.CompareAndSwapUint64(&d.visibleSeqNum, old, newVisible) {
			break
		}
	}
	return nil
}

// makeRoomForWriteLocked seals the active memtable and rolls the WAL when
// the active memtable would exceed its budget, and applies write
// backpressure when too many flushes/compactions are outstanding. Callers
// must hold d.mu.
func (d *DB) makeRoomForWriteLocked(nextWriteBytes int) error {
	allowDelay := true
	for {
		l0Count := len(d.vs.currentVersionUnsafe().files[0])
		switch {
		case allowDelay && l0Count >= d.opts.Level0SlowdownWritesThreshold && l0Count < d.opts.Level0StopWritesThreshold:
			// Soft backpressure: yield 1ms to the compactor once per write
			// instead of stalling outright at the hard threshold.
			d.mu.Unlock()
			time.Sleep(time.Millisecond)
			d.mu.Lock()
			allowDelay = false
			continue
		case l0Count >= d.opts.Level0StopWritesThreshold:
			d.mu.compact.cond.Wait()
			continue
		case d.mu.mem.mutable.size()+uint32(nextWriteBytes) <= uint32(d.opts.WriteBufferSize):
			return nil
		case len(d.mu.mem.queue) > 4:
			// Too many unflushed memtables piling up; wait for the flush
			// goroutine to make progress rather than growing unbounded.
			d.mu.compact.cond.Wait()
			continue
		}

		return d.sealActiveMemTableLocked()
	}
}

// sealActiveMemTableLocked promotes the active memtable to the immutable
// flush queue, rolls to a fresh WAL segment, and wakes the flush scheduler.
// Callers must hold d.mu.
func (d *DB) sealActiveMemTableLocked() error {
	if err := d.mu.log.writer.Close(); err != nil {
		return base.MarkKind(base.KindIoError, err)
	}
	d.mu.mem.queue = append(d.mu.mem.queue, d.mu.mem.mutable)
	if err := d.openNewLogLocked(); err != nil {
		return err
	}
	d.maybeScheduleFlushLocked()
	return nil
}

func (d *DB) openNewLogLocked() error {
	num := d.vs.nextFileNum()
	name := d.fs.PathJoin(d.dirname, base.MakeFilename(base.FileTypeLog, num))
	f, err := d.fs.Create(name)
	if err != nil {
		return err
	}
	d.mu.log.number = num
	d.mu.log.file = f
	d.mu.log.writer = record.NewLogWriter(f)
	d.mu.mem.mutable = newMemTable(d.cmp, num)
	return nil
}

// currentVersionUnsafe returns the current version without taking a
// reference. It still takes vs.mu briefly, since the version list is
// installed by logAndApply under vs.mu (not d.mu) from the background
// flush/compaction worker; the version returned may already be superseded
// by the time the caller inspects it, which is fine for the advisory reads
// (L0 file count, compaction score) this is used for.
func (vs *versionSet) currentVersionUnsafe() *version {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	return vs.versions.back()
}

// NewSnapshot pins the database's current state so that later writes are
// invisible to reads performed through the snapshot.
func (d *DB) NewSnapshot() *Snapshot {
	seqNum := atomic.LoadUint64(&d.visibleSeqNum)
	d.snapshots.acquire(seqNum)
	return &Snapshot{db: d, seqNum: seqNum}
}

// Get reads key as of the snapshot's pinned sequence number.
func (s *Snapshot) Get(key []byte) ([]byte, error) {
	return s.db.getInternal(key, s.seqNum)
}

// NewIter returns a forward iterator over [lower, upper), visible as of
// now.
func (d *DB) NewIter(lower, upper []byte) (*Iterator, error) {
	return d.newIterAt(lower, upper, atomic.LoadUint64(&d.visibleSeqNum))
}

// NewIter returns a forward iterator pinned to the snapshot's sequence
// number.
func (s *Snapshot) NewIter(lower, upper []byte) (*Iterator, error) {
	return s.db.newIterAt(lower, upper, s.seqNum)
}

func (d *DB) newIterAt(lower, upper []byte, seqNum uint64) (*Iterator, error) {
	d.mu.Lock()
	var iters []internalIterator
	iters = append(iters, d.mu.mem.mutable.newIter())
	for _, m := range d.mu.mem.queue {
		iters = append(iters, m.newIter())
	}
	v := d.vs.currentVersion()
	d.mu.Unlock()

	var closers []func() error
	for level := 0; level < NumLevels; level++ {
		for _, f := range v.files[level] {
			r, closeFn, err := d.openTable(f.fileNum)
			if err != nil {
				for _, c := range closers {
					c()
				}
				v.unref()
				return nil, err
			}
			tableIter, err := r.Iterator(lower, upper)
			if err != nil {
				for _, c := range closers {
					c()
				}
				v.unref()
				return nil, err
			}
			iters = append(iters, tableIter)
			closers = append(closers, closeFn)
		}
	}

	merged := newMergingIter(d.cmp, iters...)
	onClose := func() {
		for _, c := range closers {
			c()
		}
		v.unref()
	}
	return newDBIter(d.cmp, merged, seqNum, lower, upper, onClose), nil
}

// WaitForCompaction blocks until no flush or compaction is in progress or
// pending, useful in tests that want a quiescent version before asserting
// on file layout.
func (d *DB) WaitForCompaction() {
	if d.opts.ReadOnly {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for d.mu.compact.flushing || d.mu.compact.compacting || len(d.mu.mem.queue) > 0 || d.hasCompactionWorkLocked() {
		d.mu.compact.cond.Wait()
	}
}

// hasCompactionWorkLocked reports whether the picker would still hand the
// background worker a compaction, using the same (side-effect-free)
// predicate so WaitForCompaction and the worker always agree. Callers must
// hold d.mu.
func (d *DB) hasCompactionWorkLocked() bool {
	if d.opts.ManualCompactionsOnly {
		return false
	}
	return d.pickCompactionLocked(false) != nil
}

// Close stops background work, fsync-finalizes the MANIFEST, and releases
// the directory lock. Unflushed memtable contents are deliberately not
// flushed here; they are recovered from the WAL on the next Open.
func (d *DB) Close() error {
	d.mu.Lock()
	if d.mu.closed {
		d.mu.Unlock()
		return nil
	}
	d.mu.closed = true
	d.mu.compact.cond.Broadcast()
	d.mu.Unlock()
	close(d.closeCh)

	d.mu.Lock()
	for d.mu.compact.flushing || d.mu.compact.compacting {
		d.mu.compact.cond.Wait()
	}
	d.mu.Unlock()

	var err error
	if d.mu.log.writer != nil {
		if e := d.mu.log.writer.Close(); e != nil && err == nil {
			err = e
		}
	}
	if d.vs.manifestFile != nil {
		if e := d.vs.manifestFile.Close(); e != nil && err == nil {
			err = e
		}
	}
	if e := d.tables.closeAll(); e != nil && err == nil {
		err = e
	}
	if d.lock != nil {
		if e := d.lock.Close(); e != nil && err == nil {
			err = e
		}
	}
	return err
}
