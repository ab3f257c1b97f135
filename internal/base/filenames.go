// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package base

import (
	"fmt"
	"strconv"
	"strings"
)

// FileNum is a monotonically increasing file number, allocated by the
// version set and shared across log segments, SSTables, and MANIFESTs.
type FileNum uint64

func (fn FileNum) String() string { return fmt.Sprintf("%06d", uint64(fn)) }

// FileType enumerates the kinds of files living in a database directory.
type FileType int

const (
	FileTypeLog FileType = iota
	FileTypeLock
	FileTypeTable
	FileTypeManifest
	FileTypeCurrent
	FileTypeIdentity
	FileTypeTemp
)

// MakeFilename builds the on-disk name for (fileType, fileNum).
func MakeFilename(fileType FileType, fileNum FileNum) string {
	switch fileType {
	case FileTypeLog:
		return fmt.Sprintf("%s.log", fileNum)
	case FileTypeLock:
		return "LOCK"
	case FileTypeTable:
		return fmt.Sprintf("%s.sst", fileNum)
	case FileTypeManifest:
		return fmt.Sprintf("MANIFEST-%s", fileNum)
	case FileTypeCurrent:
		return "CURRENT"
	case FileTypeIdentity:
		return "IDENTITY"
	case FileTypeTemp:
		return fmt.Sprintf("%s.dbtmp", fileNum)
	}
	panic("caskdb: unknown file type")
}

// ParseFilename recognizes a base file name, returning its type and (where
// applicable) file number.
func ParseFilename(name string) (fileType FileType, fileNum FileNum, ok bool) {
	switch {
	case name == "CURRENT":
		return FileTypeCurrent, 0, true
	case name == "LOCK":
		return FileTypeLock, 0, true
	case name == "IDENTITY":
		return FileTypeIdentity, 0, true
	case strings.HasPrefix(name, "MANIFEST-"):
		v, err := strconv.ParseUint(strings.TrimPrefix(name, "MANIFEST-"), 10, 64)
		if err != nil {
			return 0, 0, false
		}
		return FileTypeManifest, FileNum(v), true
	case strings.HasSuffix(name, ".log"):
		v, err := strconv.ParseUint(strings.TrimSuffix(name, ".log"), 10, 64)
		if err != nil {
			return 0, 0, false
		}
		return FileTypeLog, FileNum(v), true
	case strings.HasSuffix(name, ".sst"):
		v, err := strconv.ParseUint(strings.TrimSuffix(name, ".sst"), 10, 64)
		if err != nil {
			return 0, 0, false
		}
		return FileTypeTable, FileNum(v), true
	case strings.HasSuffix(name, ".dbtmp"):
		v, err := strconv.ParseUint(strings.TrimSuffix(name, ".dbtmp"), 10, 64)
		if err != nil {
			return 0, 0, false
		}
		return FileTypeTemp, FileNum(v), true
	}
	return 0, 0, false
}
