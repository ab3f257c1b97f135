// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package caskdb

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"sync/atomic"
	"time"

	"github.com/ghemawat/stream"
	"golang.org/x/sync/errgroup"

	"github.com/caskdb/caskdb/internal/base"
	"github.com/caskdb/caskdb/internal/record"
	"github.com/caskdb/caskdb/vfs"
)

// BackupHandle pins a consistent view of the database for export: every
// SSTable it references is guaranteed to stay on disk for as long as the
// handle is open, even if a concurrent compaction would otherwise have
// made it obsolete.
type BackupHandle struct {
	db  *DB
	v   *version
	seq uint64
	err error
}

// Backup pins the database's current version for export. Writes still
// sitting in a memtable are flushed first, so the archived file set holds
// every write acknowledged before Backup was called. The returned handle's
// WriteTo streams a self-contained archive; the handle releases its pinned
// version once WriteTo returns, or when Close is called directly if WriteTo
// is never invoked.
func (d *DB) Backup() *BackupHandle {
	h := &BackupHandle{db: d}
	h.err = d.flushForBackup()
	h.v = d.vs.currentVersion()
	h.seq = atomic.LoadUint64(&d.visibleSeqNum)
	return h
}

// flushForBackup seals the active memtable (if it holds anything) and waits
// for the flush queue to drain, so the version pinned next references every
// acknowledged write.
func (d *DB) flushForBackup() error {
	if d.opts.ReadOnly {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.mu.closed {
		return base.NewKind(base.KindShuttingDown, "caskdb: database is closed")
	}
	if !d.mu.mem.mutable.empty() {
		if err := d.sealActiveMemTableLocked(); err != nil {
			return err
		}
	}
	for d.mu.compact.flushing || len(d.mu.mem.queue) > 0 {
		d.mu.compact.cond.Wait()
	}
	return nil
}

// Close releases the handle's pinned version without writing anything.
func (h *BackupHandle) Close() error {
	if h.v != nil {
		h.v.unref()
		h.v = nil
	}
	return nil
}

// WriteTo streams a gzip-compressed tar archive containing every live
// SSTable the pinned version references, plus a rendered MANIFEST snapshot
// and CURRENT pointer sufficient to restore into an empty directory via
// Restore.
func (h *BackupHandle) WriteTo(w io.Writer) (int64, error) {
	defer h.Close()
	if h.err != nil {
		return 0, h.err
	}

	names, err := sortedLiveTableNames(h.v)
	if err != nil {
		return 0, err
	}

	type tableEntry struct {
		name string
		size int64
	}
	entries := make([]tableEntry, len(names))
	g, _ := errgroup.WithContext(context.Background())
	for i, name := range names {
		i, name := i, name
		g.Go(func() error {
			info, err := h.db.fs.Stat(h.db.fs.PathJoin(h.db.dirname, name))
			if err != nil {
				return err
			}
			entries[i] = tableEntry{name: name, size: info.Size()}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	cw := &countingWriter{w: w}
	gw := gzip.NewWriter(cw)
	tw := tar.NewWriter(gw)

	for _, e := range entries {
		if err := h.copyTableEntry(tw, e.name, e.size); err != nil {
			return cw.n, err
		}
	}

	manifest, err := h.renderManifest()
	if err != nil {
		return cw.n, err
	}
	manifestName := base.MakeFilename(base.FileTypeManifest, 1)
	if err := writeTarBytes(tw, manifestName, manifest); err != nil {
		return cw.n, err
	}
	currentName := base.MakeFilename(base.FileTypeCurrent, 0)
	if err := writeTarBytes(tw, currentName, []byte(manifestName+"\n")); err != nil {
		return cw.n, err
	}

	if err := tw.Close(); err != nil {
		return cw.n, err
	}
	if err := gw.Close(); err != nil {
		return cw.n, err
	}
	return cw.n, nil
}

// sortedLiveTableNames lists the pinned version's SSTable file names across
// every level, sorted and deduplicated (an SSTable can appear at two levels
// mid-compaction in pathological edit histories, and the archive must hold
// each file once). The sort/uniq pass runs through github.com/ghemawat/stream's
// filter pipeline, matching how the LevelDB-Go author's own tooling composes
// list transforms as streams.
func sortedLiveTableNames(v *version) ([]string, error) {
	var names []string
	for level := 0; level < NumLevels; level++ {
		for _, f := range v.files[level] {
			names = append(names, base.MakeFilename(base.FileTypeTable, f.fileNum))
		}
	}
	var out []string
	err := stream.ForEach(stream.Sequence(
		stream.Items(names...),
		stream.Sort(),
		stream.Uniq(),
	), func(s string) {
		out = append(out, s)
	})
	return out, err
}

func (h *BackupHandle) copyTableEntry(tw *tar.Writer, name string, size int64) error {
	f, err := h.db.fs.OpenForReadOnly(h.db.fs.PathJoin(h.db.dirname, name))
	if err != nil {
		return err
	}
	defer f.Close()
	if err := tw.WriteHeader(&tar.Header{Name: name, Size: size, Mode: 0644, ModTime: time.Now()}); err != nil {
		return err
	}
	_, err = io.Copy(tw, f)
	return err
}

func writeTarBytes(tw *tar.Writer, name string, data []byte) error {
	if err := tw.WriteHeader(&tar.Header{Name: name, Size: int64(len(data)), Mode: 0644, ModTime: time.Now()}); err != nil {
		return err
	}
	_, err := tw.Write(data)
	return err
}

// renderManifest builds a single versionEdit that snapshots the pinned
// version's whole file set (comparator name, every file, the next-file
// watermark, and the last assigned sequence number), matching the seed
// record a freshly rotated MANIFEST starts with -- so Restore can
// bring a database back with exactly one replayed edit instead of an
// edit per historical flush/compaction.
func (h *BackupHandle) renderManifest() ([]byte, error) {
	ve := &versionEdit{
		comparatorName:    h.db.opts.Comparer.Name,
		hasNextFileNumber: true,
		nextFileNumber:    h.db.vs.nextFileNum(),
		hasLastSequence:   true,
		lastSequence:      h.seq,
	}
	for level := 0; level < NumLevels; level++ {
		for _, f := range h.v.files[level] {
			ve.newFiles = append(ve.newFiles, newFileEntry{level: level, meta: f})
		}
	}

	var buf bytes.Buffer
	rw := record.NewWriter(&buf)
	rec, err := rw.Next()
	if err != nil {
		return nil, err
	}
	if err := ve.encode(rec); err != nil {
		return nil, err
	}
	if err := rw.Flush(); err != nil {
		return nil, err
	}
	if err := rw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// countingWriter tracks the number of bytes written through it, so
// WriteTo can report its int64 byte count without a second pass.
type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// Restore extracts an archive produced by BackupHandle.WriteTo into
// dirname, which must not already contain a database. Call Open(dirname,
// opts) afterward to use the restored database. Restore does not itself
// call Open, so the caller chooses the Options (comparer, cache sizing,
// ...) the restored database is opened with, the same way the original was
// free to.
func Restore(r io.Reader, dirname string, fs vfs.FS) error {
	if fs == nil {
		fs = vfs.Default
	}
	if err := fs.MkdirAll(dirname); err != nil {
		return err
	}
	gr, err := gzip.NewReader(r)
	if err != nil {
		return err
	}
	defer gr.Close()

	tr := tar.NewReader(gr)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		f, err := fs.Create(fs.PathJoin(dirname, hdr.Name))
		if err != nil {
			return err
		}
		if _, err := io.Copy(f, tr); err != nil {
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
	}
}
