// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package vfs abstracts the filesystem and lock-file primitives the engine
// needs, so a caller can substitute an in-memory filesystem for tests or an
// object-storage-backed one for cloud deployments without the engine
// knowing the difference.
package vfs

import (
	"io"
	"os"
)

// File is the capability a database file is consumed through.
type File interface {
	io.Reader
	io.ReaderAt
	io.Writer
	io.Closer
	Sync() error
	Stat() (os.FileInfo, error)
}

// Locker is an advisory file lock held for the database directory's LOCK
// file, released on Close.
type Locker interface {
	io.Closer
}

// FS is the filesystem capability. A database is opened against exactly one
// FS, so that a caller may substitute an in-memory FS for tests or an
// object-storage-backed FS for cloud deployments without the engine's core
// knowing the difference.
type FS interface {
	Create(name string) (File, error)
	Open(name string) (File, error)
	OpenForReadOnly(name string) (File, error)
	Remove(name string) error
	Rename(oldname, newname string) error
	MkdirAll(dir string) error
	List(dir string) ([]string, error)
	Stat(name string) (os.FileInfo, error)
	Lock(name string) (Locker, error)
	PathJoin(elem ...string) string
	PathBase(path string) string
	PathDir(path string) string
}

// Default is the disk-backed FS used unless Options.FS overrides it.
var Default FS = diskFS{}
