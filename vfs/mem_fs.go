// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package vfs

import (
	"io"
	"os"
	"path"
	"sort"
	"sync"
	"time"
)

// NewMem returns an in-memory FS, used by tests that want a fast Open/Close
// cycle without touching the real filesystem.
func NewMem() FS {
	return &memFS{files: make(map[string]*memFile)}
}

type memFS struct {
	mu    sync.Mutex
	files map[string]*memFile
	locks map[string]bool
}

type memFile struct {
	mu      sync.Mutex
	name    string
	data    []byte
	modTime time.Time
}

func (m *memFS) Create(name string) (File, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f := &memFile{name: name, modTime: time.Now()}
	m.files[name] = f
	return &memFileHandle{f: f}, nil
}

func (m *memFS) Open(name string) (File, error) {
	m.mu.Lock()
	f, ok := m.files[name]
	m.mu.Unlock()
	if !ok {
		return nil, &os.PathError{Op: "open", Path: name, Err: os.ErrNotExist}
	}
	return &memFileHandle{f: f}, nil
}

func (m *memFS) OpenForReadOnly(name string) (File, error) {
	return m.Open(name)
}

func (m *memFS) Remove(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.files[name]; !ok {
		return &os.PathError{Op: "remove", Path: name, Err: os.ErrNotExist}
	}
	delete(m.files, name)
	return nil
}

func (m *memFS) Rename(oldname, newname string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[oldname]
	if !ok {
		return &os.PathError{Op: "rename", Path: oldname, Err: os.ErrNotExist}
	}
	delete(m.files, oldname)
	f.name = newname
	m.files[newname] = f
	return nil
}

func (m *memFS) MkdirAll(dir string) error { return nil }

func (m *memFS) List(dir string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	dir = path.Clean(dir)
	var out []string
	for name := range m.files {
		d, base := path.Split(name)
		d = path.Clean(d)
		if d == dir {
			out = append(out, base)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *memFS) Stat(name string) (os.FileInfo, error) {
	m.mu.Lock()
	f, ok := m.files[name]
	m.mu.Unlock()
	if !ok {
		return nil, &os.PathError{Op: "stat", Path: name, Err: os.ErrNotExist}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return memFileInfo{f}, nil
}

func (m *memFS) Lock(name string) (Locker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.locks == nil {
		m.locks = make(map[string]bool)
	}
	if m.locks[name] {
		return nil, &os.PathError{Op: "lock", Path: name, Err: os.ErrExist}
	}
	m.locks[name] = true
	return &memLock{fs: m, name: name}, nil
}

func (m *memFS) PathJoin(elem ...string) string { return path.Join(elem...) }
func (m *memFS) PathBase(p string) string       { return path.Base(p) }
func (m *memFS) PathDir(p string) string        { return path.Dir(p) }

type memLock struct {
	fs   *memFS
	name string
}

func (l *memLock) Close() error {
	l.fs.mu.Lock()
	defer l.fs.mu.Unlock()
	delete(l.fs.locks, l.name)
	return nil
}

type memFileInfo struct{ f *memFile }

func (i memFileInfo) Name() string       { return path.Base(i.f.name) }
func (i memFileInfo) Size() int64        { return int64(len(i.f.data)) }
func (i memFileInfo) Mode() os.FileMode  { return 0644 }
func (i memFileInfo) ModTime() time.Time { return i.f.modTime }
func (i memFileInfo) IsDir() bool        { return false }
func (i memFileInfo) Sys() interface{}   { return nil }

// memFileHandle is a per-Open/Create cursor over a shared memFile; multiple
// handles may be open on the same memFile concurrently, matching the
// semantics of a real OS file descriptor.
type memFileHandle struct {
	f      *memFile
	offset int64
	closed bool
}

func (h *memFileHandle) Read(p []byte) (int, error) {
	h.f.mu.Lock()
	defer h.f.mu.Unlock()
	if h.offset >= int64(len(h.f.data)) {
		return 0, io.EOF
	}
	n := copy(p, h.f.data[h.offset:])
	h.offset += int64(n)
	return n, nil
}

func (h *memFileHandle) ReadAt(p []byte, off int64) (int, error) {
	h.f.mu.Lock()
	defer h.f.mu.Unlock()
	if off >= int64(len(h.f.data)) {
		return 0, io.EOF
	}
	n := copy(p, h.f.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (h *memFileHandle) Write(p []byte) (int, error) {
	h.f.mu.Lock()
	defer h.f.mu.Unlock()
	end := h.offset + int64(len(p))
	if end > int64(len(h.f.data)) {
		grown := make([]byte, end)
		copy(grown, h.f.data)
		h.f.data = grown
	}
	copy(h.f.data[h.offset:end], p)
	h.offset = end
	h.f.modTime = time.Now()
	return len(p), nil
}

func (h *memFileHandle) Close() error {
	h.closed = true
	return nil
}

func (h *memFileHandle) Sync() error { return nil }

func (h *memFileHandle) Stat() (os.FileInfo, error) {
	h.f.mu.Lock()
	defer h.f.mu.Unlock()
	return memFileInfo{h.f}, nil
}
