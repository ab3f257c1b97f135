// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package caskdb

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/caskdb/caskdb/internal/base"
	"github.com/caskdb/caskdb/internal/record"
	"github.com/caskdb/caskdb/vfs"
)

// recoverOpenFileConcurrency bounds how many sstables are Stat-ed
// concurrently while validating a recovered version.
const recoverOpenFileConcurrency = 16

// versionSet owns the database's file-number allocator, sequence-number
// allocator, and the MANIFEST describing which SSTables make up the current
// version.
type versionSet struct {
	dirname string
	opts    *Options
	fs      vfs.FS
	cmp     base.Compare

	mu sync.Mutex

	versions versionList

	nextFileNumber base.FileNum
	logSeqNum      uint64 // atomic
	logNumber      base.FileNum

	manifestFileNumber base.FileNum
	manifestFile       vfs.File
	manifest           *record.Writer
	manifestBytes      int64
}

// manifestRotateSize bounds the MANIFEST's growth: once it exceeds this many
// bytes, the next logAndApply rotates to a fresh MANIFEST seeded with a
// single snapshot edit.
const manifestRotateSize = 1 << 20

func newVersionSet(dirname string, opts *Options) *versionSet {
	return &versionSet{
		dirname: dirname,
		opts:    opts,
		fs:      opts.FS,
		cmp:     opts.Comparer.Compare,
	}
}

// create initializes a brand-new database directory: an empty version, a
// freshly created MANIFEST recording it, and a CURRENT file pointing at it.
func (vs *versionSet) create() error {
	vs.versions.init()
	v := &version{}
	v.ref()
	vs.versions.pushBack(v)
	vs.nextFileNumber = 1
	vs.logSeqNum = 0

	vs.mu.Lock()
	defer vs.mu.Unlock()
	return vs.createManifestLocked()
}

// load recovers an existing database: read CURRENT to find the live
// MANIFEST, replay every versionEdit record in it to reconstruct the
// current version, then validate that every referenced sstable still
// exists on disk.
func (vs *versionSet) load() error {
	current, err := vs.fs.Open(vs.fs.PathJoin(vs.dirname, base.MakeFilename(base.FileTypeCurrent, 0)))
	if err != nil {
		return err
	}
	manifestName, err := readCurrentFile(current)
	current.Close()
	if err != nil {
		return err
	}

	manifestPath := vs.fs.PathJoin(vs.dirname, manifestName)
	f, err := vs.fs.Open(manifestPath)
	if err != nil {
		return errors.Wrapf(err, "caskdb: opening manifest %q", manifestName)
	}
	defer f.Close()

	_, fileNum, ok := base.ParseFilename(manifestName)
	if !ok {
		return errors.Mark(errors.Newf("caskdb: invalid CURRENT pointer %q", manifestName), base.ErrCorruption)
	}
	vs.manifestFileNumber = fileNum

	var bve bulkVersionEdit
	var sawComparator bool
	r := record.NewReader(f)
	for {
		rec, err := r.Next()
		if err != nil {
			break
		}
		var ve versionEdit
		if err := ve.decode(rec); err != nil {
			return err
		}
		if ve.comparatorName != "" {
			if ve.comparatorName != vs.opts.Comparer.Name {
				return errors.Mark(errors.Newf("caskdb: comparator mismatch: manifest has %q, options have %q",
					ve.comparatorName, vs.opts.Comparer.Name), base.ErrCorruption)
			}
			sawComparator = true
		}
		if ve.hasNextFileNumber {
			vs.nextFileNumber = ve.nextFileNumber
		}
		if ve.hasLastSequence {
			vs.logSeqNum = ve.lastSequence
		}
		if ve.hasLogNumber {
			vs.logNumber = ve.logNumber
		}
		bve.accumulate(&ve)
	}
	if !sawComparator {
		return errors.Mark(errors.New("caskdb: manifest missing comparator record"), base.ErrCorruption)
	}

	v, err := bve.apply(nil, vs.cmp)
	if err != nil {
		return err
	}
	v.ref()
	v.computeCompactionScore(vs.opts)
	vs.versions.init()
	vs.versions.pushBack(v)

	if err := vs.validateVersion(v); err != nil {
		return err
	}

	if !vs.opts.ReadOnly {
		// Recovery never appends to the recovered MANIFEST; it rotates to a
		// fresh one seeded with a snapshot of the recovered version, which
		// also swings CURRENT. A read-only open keeps no MANIFEST writer at
		// all.
		vs.mu.Lock()
		err = vs.createManifestLocked()
		vs.mu.Unlock()
		if err != nil {
			return err
		}
	}
	return nil
}

// validateVersion confirms every sstable v references is present on disk,
// Stat-ing files concurrently (bounded by a semaphore) via an errgroup so a
// large version doesn't serialize recovery behind one file per round trip.
func (vs *versionSet) validateVersion(v *version) error {
	sem := semaphore.NewWeighted(recoverOpenFileConcurrency)
	g, ctx := errgroup.WithContext(context.Background())
	for level := 0; level < NumLevels; level++ {
		for _, f := range v.files[level] {
			f := f
			if err := sem.Acquire(ctx, 1); err != nil {
				return err
			}
			g.Go(func() error {
				defer sem.Release(1)
				name := vs.fs.PathJoin(vs.dirname, base.MakeFilename(base.FileTypeTable, f.fileNum))
				if _, err := vs.fs.Stat(name); err != nil {
					return errors.Wrapf(err, "caskdb: missing table file %s", name)
				}
				return nil
			})
		}
	}
	return g.Wait()
}

// logAndApply durably appends ve to the MANIFEST, then installs the
// resulting version as current. Only one logAndApply runs at a time;
// its callers (the background flush and compaction worker) serialize on
// vs.mu rather than on d.mu, so a MANIFEST fsync does not hold d.mu. Readers
// and writers that need vs.mu (currentVersion, nextFileNum) still wait for
// the fsync to finish.
//
// It also drops the installed reference the version it replaces was
// holding and, if that was its last reference, returns the file numbers it
// held that are not referenced by any version still retained: those files
// have become deletion candidates.
func (vs *versionSet) logAndApply(ve *versionEdit) (newVersion *version, obsolete []base.FileNum, err error) {
	vs.mu.Lock()
	defer vs.mu.Unlock()

	if !ve.hasNextFileNumber {
		ve.hasNextFileNumber = true
		ve.nextFileNumber = vs.nextFileNumber
	}
	if !ve.hasLastSequence {
		ve.hasLastSequence = true
		ve.lastSequence = atomic.LoadUint64(&vs.logSeqNum)
	}
	if vs.manifestBytes > manifestRotateSize {
		if err := vs.createManifestLocked(); err != nil {
			return nil, nil, err
		}
	}
	oldVersion := vs.versions.back()

	var bve bulkVersionEdit
	bve.accumulate(ve)
	newVersion, err = bve.apply(oldVersion, vs.cmp)
	if err != nil {
		return nil, nil, err
	}
	newVersion.computeCompactionScore(vs.opts)

	if err := vs.writeVersionEdit(ve); err != nil {
		return nil, nil, err
	}

	newVersion.ref()
	vs.versions.pushBack(newVersion)
	if ve.hasLogNumber {
		vs.logNumber = ve.logNumber
	}
	obsolete = vs.unrefAndCollectObsoleteLocked(oldVersion)
	return newVersion, obsolete, nil
}

// unrefAndCollectObsoleteLocked drops oldVersion's installed reference and,
// if no external pin (an open Iterator or an in-flight read; a Snapshot pins
// only a sequence number, not a version) keeps it alive, removes
// it from the version list and returns the file numbers it referenced that
// no remaining version still references. Callers must hold vs.mu.
func (vs *versionSet) unrefAndCollectObsoleteLocked(oldVersion *version) []base.FileNum {
	if oldVersion == nil || !oldVersion.unref() {
		return nil
	}
	vs.versions.remove(oldVersion)

	live := make(map[base.FileNum]bool)
	for v := vs.versions.root.next; v != &vs.versions.root; v = v.next {
		for level := 0; level < NumLevels; level++ {
			for _, f := range v.files[level] {
				live[f.fileNum] = true
			}
		}
	}
	var obsolete []base.FileNum
	for level := 0; level < NumLevels; level++ {
		for _, f := range oldVersion.files[level] {
			if !live[f.fileNum] {
				obsolete = append(obsolete, f.fileNum)
			}
		}
	}
	return obsolete
}

func (vs *versionSet) writeVersionEdit(ve *versionEdit) error {
	var buf bytes.Buffer
	if err := ve.encode(&buf); err != nil {
		return err
	}
	w, err := vs.manifest.Next()
	if err != nil {
		return err
	}
	if _, err := w.Write(buf.Bytes()); err != nil {
		return err
	}
	if err := vs.manifest.Flush(); err != nil {
		return err
	}
	if err := vs.manifestFile.Sync(); err != nil {
		return err
	}
	vs.manifestBytes += int64(buf.Len())
	return nil
}

// createManifestLocked creates a new MANIFEST file, seeds it with a
// versionEdit snapshotting the comparator name and every live file, and
// points CURRENT at it. Callers must hold vs.mu.
func (vs *versionSet) createManifestLocked() error {
	fileNum := vs.nextFileNumLocked()
	name := base.MakeFilename(base.FileTypeManifest, fileNum)
	path := vs.fs.PathJoin(vs.dirname, name)
	f, err := vs.fs.Create(path)
	if err != nil {
		return err
	}
	if vs.manifestFile != nil {
		_ = vs.manifestFile.Close()
	}
	vs.manifestFile = f
	vs.manifestFileNumber = fileNum
	vs.manifest = record.NewWriter(f)
	vs.manifestBytes = 0

	snapshot := &versionEdit{
		comparatorName:    vs.opts.Comparer.Name,
		hasNextFileNumber: true,
		nextFileNumber:    vs.nextFileNumber,
		hasLastSequence:   true,
		lastSequence:      atomic.LoadUint64(&vs.logSeqNum),
	}
	if vs.logNumber != 0 {
		snapshot.hasLogNumber = true
		snapshot.logNumber = vs.logNumber
	}
	if back := vs.versions.back(); back != nil {
		for level := 0; level < NumLevels; level++ {
			for _, fm := range back.files[level] {
				snapshot.newFiles = append(snapshot.newFiles, newFileEntry{level: level, meta: fm})
			}
		}
	}
	if err := vs.writeVersionEdit(snapshot); err != nil {
		return err
	}
	return vs.setCurrentFileLocked(name)
}

// setCurrentFileLocked atomically repoints CURRENT at manifestName: write a
// temp file then rename over CURRENT, so a crash never leaves CURRENT
// pointing at a half-written name. Callers must hold vs.mu.
func (vs *versionSet) setCurrentFileLocked(manifestName string) error {
	tmpNum := vs.nextFileNumLocked()
	tmpName := base.MakeFilename(base.FileTypeTemp, tmpNum)
	tmpPath := vs.fs.PathJoin(vs.dirname, tmpName)
	f, err := vs.fs.Create(tmpPath)
	if err != nil {
		return err
	}
	if _, err := f.Write([]byte(manifestName + "\n")); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	currentPath := vs.fs.PathJoin(vs.dirname, base.MakeFilename(base.FileTypeCurrent, 0))
	return vs.fs.Rename(tmpPath, currentPath)
}

func readCurrentFile(f vfs.File) (string, error) {
	stat, err := f.Stat()
	if err != nil {
		return "", err
	}
	buf := make([]byte, stat.Size())
	if _, err := io.ReadFull(f, buf); err != nil {
		return "", err
	}
	s := string(buf)
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	if s == "" {
		return "", errors.Mark(errors.New("caskdb: empty CURRENT file"), base.ErrCorruption)
	}
	return s, nil
}

// nextFileNum allocates and returns the next file number, under vs.mu so
// the flush/compaction worker and the writer rolling a WAL segment never
// race on the same number.
func (vs *versionSet) nextFileNum() base.FileNum {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	return vs.nextFileNumLocked()
}

func (vs *versionSet) nextFileNumLocked() base.FileNum {
	n := vs.nextFileNumber
	vs.nextFileNumber++
	return n
}

// markFileNumUsed bumps the allocator past num, for recovery paths that
// discover a file number (e.g. an existing WAL segment) before any
// versionEdit records it.
func (vs *versionSet) markFileNumUsed(num base.FileNum) {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	if num >= vs.nextFileNumber {
		vs.nextFileNumber = num + 1
	}
}

// nextSeqNum allocates count sequence numbers, returning the first.
func (vs *versionSet) nextSeqNum(count uint64) uint64 {
	return atomic.AddUint64(&vs.logSeqNum, count) - count + 1
}

// markSeqNumUsed bumps the sequence allocator past seqNum, for WAL replay,
// which discovers assigned sequence numbers the MANIFEST has not recorded.
func (vs *versionSet) markSeqNumUsed(seqNum uint64) {
	for {
		old := atomic.LoadUint64(&vs.logSeqNum)
		if seqNum <= old || atomic.CompareAndSwapUint64(&vs.logSeqNum, old, seqNum) {
			return
		}
	}
}

// visibleSeqNum returns the highest sequence number published so far.
func (vs *versionSet) visibleSeqNum() uint64 {
	return atomic.LoadUint64(&vs.logSeqNum)
}

// currentVersion returns the current version with an added reference; the
// caller must unref it when done.
func (vs *versionSet) currentVersion() *version {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	v := vs.versions.back()
	v.ref()
	return v
}

// addLiveFileNums adds every live file number across every retained version
// to m, for deleteObsoleteFiles to compute which .sst files on disk are no
// longer referenced by anything and can be removed.
func (vs *versionSet) addLiveFileNums(m map[base.FileNum]bool) {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	for v := vs.versions.root.next; v != &vs.versions.root; v = v.next {
		for level := 0; level < NumLevels; level++ {
			for _, f := range v.files[level] {
				m[f.fileNum] = true
			}
		}
	}
}

func (vs *versionSet) String() string {
	return fmt.Sprintf("versionSet{dir=%s, nextFileNum=%d, seqNum=%d}", vs.dirname, vs.nextFileNumber, vs.logSeqNum)
}
