// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package caskdb

import (
	"io"
	"strings"

	"github.com/google/uuid"

	"github.com/caskdb/caskdb/internal/base"
	"github.com/caskdb/caskdb/vfs"
)

// writeIdentityFile creates the IDENTITY file recording a fresh random
// database id -- mirrors RocksDB's
// IDENTITY file, letting a restored or copied directory be distinguished
// from the database it was copied from.
func writeIdentityFile(fs vfs.FS, dirname string) (string, error) {
	id := uuid.New().String()
	name := fs.PathJoin(dirname, base.MakeFilename(base.FileTypeIdentity, 0))
	f, err := fs.Create(name)
	if err != nil {
		return "", err
	}
	if _, err := f.Write([]byte(id + "\n")); err != nil {
		f.Close()
		return "", err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return "", err
	}
	return id, f.Close()
}

// readIdentityFile returns the database id recorded in dirname's IDENTITY
// file.
func readIdentityFile(fs vfs.FS, dirname string) (string, error) {
	name := fs.PathJoin(dirname, base.MakeFilename(base.FileTypeIdentity, 0))
	f, err := fs.Open(name)
	if err != nil {
		return "", err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return "", err
	}
	buf := make([]byte, info.Size())
	if _, err := io.ReadFull(f, buf); err != nil {
		return "", err
	}
	return strings.TrimSpace(string(buf)), nil
}

// Identity returns the database's IDENTITY value, generated once when the
// database was first created.
func (d *DB) Identity() string { return d.identity }
