// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package caskdb

import (
	"encoding/binary"
	"io"

	"github.com/cockroachdb/errors"
	"golang.org/x/exp/slices"

	"github.com/caskdb/caskdb/internal/base"
)

// versionEdit is a durable delta between two versions: files
// added/removed per level, new log number, new next-file-id, new
// last-sequence.
type versionEdit struct {
	comparatorName string
	logNumber      base.FileNum
	nextFileNumber base.FileNum
	lastSequence   uint64

	hasLogNumber      bool
	hasNextFileNumber bool
	hasLastSequence   bool

	deletedFiles map[deletedFileEntry]bool
	newFiles     []newFileEntry
}

type deletedFileEntry struct {
	level   int
	fileNum base.FileNum
}

type newFileEntry struct {
	level int
	meta  fileMetadata
}

// tag bytes identifying each field in the encoded edit.
const (
	tagComparator     = 1
	tagLogNumber      = 2
	tagNextFileNumber = 3
	tagLastSequence   = 4
	tagDeletedFile    = 5
	tagNewFile        = 6
)

func putUvarint(dst []byte, v uint64) []byte {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	return append(dst, tmp[:n]...)
}

func (e *versionEdit) encode(w io.Writer) error {
	var buf []byte
	if e.comparatorName != "" {
		buf = append(buf, tagComparator)
		buf = putUvarint(buf, uint64(len(e.comparatorName)))
		buf = append(buf, e.comparatorName...)
	}
	if e.hasLogNumber {
		buf = append(buf, tagLogNumber)
		buf = putUvarint(buf, uint64(e.logNumber))
	}
	if e.hasNextFileNumber {
		buf = append(buf, tagNextFileNumber)
		buf = putUvarint(buf, uint64(e.nextFileNumber))
	}
	if e.hasLastSequence {
		buf = append(buf, tagLastSequence)
		buf = putUvarint(buf, e.lastSequence)
	}
	for d := range e.deletedFiles {
		buf = append(buf, tagDeletedFile)
		buf = putUvarint(buf, uint64(d.level))
		buf = putUvarint(buf, uint64(d.fileNum))
	}
	for _, f := range e.newFiles {
		buf = append(buf, tagNewFile)
		buf = putUvarint(buf, uint64(f.level))
		buf = putUvarint(buf, uint64(f.meta.fileNum))
		buf = putUvarint(buf, f.meta.size)
		buf = putUvarint(buf, uint64(len(f.meta.smallest.UserKey)))
		buf = append(buf, f.meta.smallest.UserKey...)
		buf = putUvarint(buf, uint64(f.meta.smallest.Trailer))
		buf = putUvarint(buf, uint64(len(f.meta.largest.UserKey)))
		buf = append(buf, f.meta.largest.UserKey...)
		buf = putUvarint(buf, uint64(f.meta.largest.Trailer))
	}
	_, err := w.Write(buf)
	return err
}

func (e *versionEdit) decode(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	for len(data) > 0 {
		tag := data[0]
		data = data[1:]
		switch tag {
		case tagComparator:
			n, rest, err := readUvarint(data)
			if err != nil {
				return err
			}
			if uint64(len(rest)) < n {
				return corruptEdit()
			}
			e.comparatorName = string(rest[:n])
			data = rest[n:]
		case tagLogNumber:
			v, rest, err := readUvarint(data)
			if err != nil {
				return err
			}
			e.logNumber = base.FileNum(v)
			e.hasLogNumber = true
			data = rest
		case tagNextFileNumber:
			v, rest, err := readUvarint(data)
			if err != nil {
				return err
			}
			e.nextFileNumber = base.FileNum(v)
			e.hasNextFileNumber = true
			data = rest
		case tagLastSequence:
			v, rest, err := readUvarint(data)
			if err != nil {
				return err
			}
			e.lastSequence = v
			e.hasLastSequence = true
			data = rest
		case tagDeletedFile:
			level, rest, err := readUvarint(data)
			if err != nil {
				return err
			}
			fileNum, rest2, err := readUvarint(rest)
			if err != nil {
				return err
			}
			if e.deletedFiles == nil {
				e.deletedFiles = make(map[deletedFileEntry]bool)
			}
			e.deletedFiles[deletedFileEntry{level: int(level), fileNum: base.FileNum(fileNum)}] = true
			data = rest2
		case tagNewFile:
			var f newFileEntry
			var level, fileNum, size uint64
			level, data, err = readUvarint(data)
			if err != nil {
				return err
			}
			fileNum, data, err = readUvarint(data)
			if err != nil {
				return err
			}
			size, data, err = readUvarint(data)
			if err != nil {
				return err
			}
			f.level = int(level)
			f.meta.fileNum = base.FileNum(fileNum)
			f.meta.size = size
			f.meta.smallest, data, err = readInternalKey(data)
			if err != nil {
				return err
			}
			f.meta.largest, data, err = readInternalKey(data)
			if err != nil {
				return err
			}
			e.newFiles = append(e.newFiles, f)
		default:
			return corruptEdit()
		}
	}
	return nil
}

func readUvarint(data []byte) (uint64, []byte, error) {
	v, n := binary.Uvarint(data)
	if n <= 0 {
		return 0, nil, corruptEdit()
	}
	return v, data[n:], nil
}

func readInternalKey(data []byte) (base.InternalKey, []byte, error) {
	n, rest, err := readUvarint(data)
	if err != nil {
		return base.InternalKey{}, nil, err
	}
	if uint64(len(rest)) < n {
		return base.InternalKey{}, nil, corruptEdit()
	}
	userKey := append([]byte(nil), rest[:n]...)
	rest = rest[n:]
	trailer, rest, err := readUvarint(rest)
	if err != nil {
		return base.InternalKey{}, nil, err
	}
	return base.InternalKey{UserKey: userKey, Trailer: base.InternalKeyTrailer(trailer)}, rest, nil
}

func corruptEdit() error {
	return errors.Mark(errors.New("caskdb: corrupt version edit"), base.ErrCorruption)
}

// bulkVersionEdit accumulates a sequence of versionEdits and applies them
// as one pass over a base version, so MANIFEST replay does not allocate an
// intermediate version per edit.
type bulkVersionEdit struct {
	deleted map[deletedFileEntry]bool
	added   map[int]map[base.FileNum]fileMetadata
}

func (b *bulkVersionEdit) accumulate(e *versionEdit) {
	if b.deleted == nil {
		b.deleted = make(map[deletedFileEntry]bool)
	}
	if b.added == nil {
		b.added = make(map[int]map[base.FileNum]fileMetadata)
	}
	for d := range e.deletedFiles {
		b.deleted[d] = true
		// A file added by an earlier accumulated edit must not reappear.
		delete(b.added[d.level], d.fileNum)
	}
	for _, f := range e.newFiles {
		if b.added[f.level] == nil {
			b.added[f.level] = make(map[base.FileNum]fileMetadata)
		}
		b.added[f.level][f.meta.fileNum] = f.meta
		delete(b.deleted, deletedFileEntry{level: f.level, fileNum: f.meta.fileNum})
	}
}

// apply builds a new version from base (which may be nil) reflecting every
// accumulated edit, keeping L0's files sorted by file number and every other
// level's files sorted by smallest key.
func (b *bulkVersionEdit) apply(base_ *version, cmp base.Compare) (*version, error) {
	v := &version{}
	if base_ != nil {
		v = base_.clone()
	}
	for level := 0; level < NumLevels; level++ {
		var kept []fileMetadata
		for _, f := range v.files[level] {
			if b.deleted[deletedFileEntry{level: level, fileNum: f.fileNum}] {
				continue
			}
			kept = append(kept, f)
		}
		for _, f := range b.added[level] {
			kept = append(kept, f)
		}
		if level > 0 {
			sortFiles(cmp, kept)
		} else {
			sortFilesByFileNum(kept)
		}
		v.files[level] = kept
	}
	return v, nil
}

func sortFiles(cmp base.Compare, files []fileMetadata) {
	slices.SortFunc(files, func(a, b fileMetadata) bool {
		return cmp(a.smallest.UserKey, b.smallest.UserKey) < 0
	})
}

func sortFilesByFileNum(files []fileMetadata) {
	slices.SortFunc(files, func(a, b fileMetadata) bool {
		return a.fileNum < b.fileNum
	})
}
