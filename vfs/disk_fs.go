// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package vfs

import (
	"os"
	"path/filepath"
)

// diskFS is the real-filesystem FS implementation, backing vfs.Default.
type diskFS struct{}

func (diskFS) Create(name string) (File, error) {
	return os.OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0666)
}

func (diskFS) Open(name string) (File, error) {
	return os.OpenFile(name, os.O_RDWR, 0)
}

func (diskFS) OpenForReadOnly(name string) (File, error) {
	return os.Open(name)
}

func (diskFS) Remove(name string) error {
	return os.Remove(name)
}

func (diskFS) Rename(oldname, newname string) error {
	return os.Rename(oldname, newname)
}

func (diskFS) MkdirAll(dir string) error {
	return os.MkdirAll(dir, 0755)
}

func (diskFS) List(dir string) ([]string, error) {
	f, err := os.Open(dir)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return f.Readdirnames(-1)
}

func (diskFS) Stat(name string) (os.FileInfo, error) {
	return os.Stat(name)
}

func (diskFS) PathJoin(elem ...string) string { return filepath.Join(elem...) }
func (diskFS) PathBase(path string) string    { return filepath.Base(path) }
func (diskFS) PathDir(path string) string     { return filepath.Dir(path) }

// Lock takes an advisory lock on name, creating it if necessary. This backs
// the "exactly one process may open a database in read-write mode"
// invariant; the mechanism is flock(2) on Unix platforms (disk_fs_unix.go)
// and unsupported elsewhere (disk_fs_other.go).
func (diskFS) Lock(name string) (Locker, error) {
	f, err := os.OpenFile(name, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, err
	}
	if err := lockFile(f); err != nil {
		f.Close()
		return nil, err
	}
	return &lockHandle{f: f}, nil
}

type lockHandle struct {
	f *os.File
}

func (h *lockHandle) Close() error {
	_ = unlockFile(h.f)
	return h.f.Close()
}
