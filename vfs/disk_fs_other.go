// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

//go:build !unix

package vfs

import (
	"errors"
	"os"
)

// Advisory locking is only wired up on Unix platforms; refusing the lock is
// safer than silently granting it and letting two writers share a directory.
func lockFile(f *os.File) error {
	return errors.New("vfs: file locking is not supported on this platform")
}

func unlockFile(f *os.File) error { return nil }
