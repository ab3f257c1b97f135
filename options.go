// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package caskdb implements an embedded, single-node, log-structured
// merge-tree key-value storage engine: a durable write-ahead log feeding an
// in-memory memtable, flushed to leveled, immutable SSTables and compacted
// in the background, with snapshot isolation and MVCC reads.
package caskdb

import (
	"github.com/caskdb/caskdb/cache"
	"github.com/caskdb/caskdb/internal/base"
	"github.com/caskdb/caskdb/sstable"
	"github.com/caskdb/caskdb/vfs"
)

// Compression re-exports sstable's compression enum at the package's public
// surface.
type Compression = sstable.Compression

const (
	NoCompression     = sstable.NoCompression
	SnappyCompression = sstable.SnappyCompression
	ZlibCompression   = sstable.ZlibCompression
	LZ4Compression    = sstable.LZ4Compression
	ZstdCompression   = sstable.ZstdCompression
)

// LevelOptions configures per-level sizing.
type LevelOptions struct {
	TargetFileSize int64
	Compression    Compression
}

// Options configures an Open call. Zero values are replaced with the
// defaults below.
type Options struct {
	FS       vfs.FS
	Comparer *base.Comparer

	CreateIfMissing       bool
	ErrorIfExists         bool
	ReadOnly              bool
	ManualCompactionsOnly bool

	WriteBufferSize   int
	MaxOpenFiles      int
	BlockCacheBytes   int64
	BlockSize         int
	BlockRestartInterval int
	Compression       Compression

	Level0FileNumCompactionTrigger int
	Level0SlowdownWritesThreshold  int
	Level0StopWritesThreshold      int
	TargetFileSizeBase             int64
	TargetFileSizeMultiplier       int
	MaxBytesForLevelBase           int64
	MaxBytesForLevelMultiplier     int

	SyncWrites bool

	cache *cache.Cache
}

// NumLevels is the fixed number of levels the engine maintains.
const NumLevels = 7

func (o *Options) ensureDefaults() *Options {
	if o == nil {
		o = &Options{}
	}
	n := *o
	if n.FS == nil {
		n.FS = vfs.Default
	}
	if n.Comparer == nil {
		n.Comparer = base.DefaultComparer
	}
	if n.WriteBufferSize <= 0 {
		n.WriteBufferSize = 4 << 20
	}
	if n.MaxOpenFiles <= 0 {
		n.MaxOpenFiles = 1000
	}
	if n.BlockCacheBytes <= 0 {
		n.BlockCacheBytes = 8 << 20
	}
	if n.BlockSize <= 0 {
		n.BlockSize = 4096
	}
	if n.BlockRestartInterval <= 0 {
		n.BlockRestartInterval = 16
	}
	if n.Level0FileNumCompactionTrigger <= 0 {
		n.Level0FileNumCompactionTrigger = 4
	}
	if n.Level0SlowdownWritesThreshold <= 0 {
		n.Level0SlowdownWritesThreshold = 8
	}
	if n.Level0StopWritesThreshold <= 0 {
		n.Level0StopWritesThreshold = 12
	}
	if n.TargetFileSizeBase <= 0 {
		n.TargetFileSizeBase = 2 << 20
	}
	if n.TargetFileSizeMultiplier <= 0 {
		n.TargetFileSizeMultiplier = 2
	}
	if n.MaxBytesForLevelBase <= 0 {
		n.MaxBytesForLevelBase = 10 << 20
	}
	if n.MaxBytesForLevelMultiplier <= 0 {
		n.MaxBytesForLevelMultiplier = 10
	}
	n.cache = cache.New(n.BlockCacheBytes)
	return &n
}

// Level returns the per-level target sizing for level i, geometrically
// scaled from TargetFileSizeBase/Multiplier.
func (o *Options) Level(i int) LevelOptions {
	size := o.TargetFileSizeBase
	for j := 0; j < i; j++ {
		size *= int64(o.TargetFileSizeMultiplier)
	}
	return LevelOptions{TargetFileSize: size, Compression: o.Compression}
}

// maxBytesForLevel returns the byte-size target that schedules an Ln->Ln+1
// compaction once Ln exceeds it; for level 0 it returns the L0 file-count
// trigger instead.
func (o *Options) maxBytesForLevel(level int) int64 {
	if level == 0 {
		return int64(o.Level0FileNumCompactionTrigger)
	}
	size := o.MaxBytesForLevelBase
	for l := 1; l < level; l++ {
		size *= int64(o.MaxBytesForLevelMultiplier)
	}
	return size
}

// blockCache exposes the cache ensureDefaults built, for the table cache
// and sstable readers to share.
func (o *Options) blockCache() *cache.Cache { return o.cache }

// grandparentOverlapBytes bounds how much Ln+2 data a single compaction
// output file may overlap before it is rolled: 10x the output level's
// target file size.
func (o *Options) grandparentOverlapBytes(level int) int64 {
	return 10 * o.Level(level).TargetFileSize
}

// WriteOptions controls the durability of a single Write call.
type WriteOptions struct {
	Sync bool
}

// Sync is shorthand for WriteOptions{Sync: true}.
var Sync = &WriteOptions{Sync: true}

// NoSync is shorthand for WriteOptions{Sync: false}.
var NoSync = &WriteOptions{Sync: false}

// syncOrDefault resolves the write's durability: an explicit WriteOptions
// wins; a nil one falls back to the database-wide SyncWrites default.
func (w *WriteOptions) syncOrDefault(dbDefault bool) bool {
	if w == nil {
		return dbDefault
	}
	return w.Sync
}
