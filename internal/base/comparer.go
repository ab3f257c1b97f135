// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package base

import "bytes"

// Compare returns -1, 0, or +1 depending on whether a is less than, equal
// to, or greater than b, according to a total order over user keys.
type Compare func(a, b []byte) int

// Equal returns true iff a and b are the same user key.
type Equal func(a, b []byte) bool

// Comparer bundles a user-key comparator with the few other byte-level
// operations an SSTable writer needs to shorten index separators.
type Comparer struct {
	Compare Compare
	Equal   Equal
	Name    string

	// Separator appends to dst a user key in [a, b) that is shorter than b
	// whenever such a key exists; otherwise it appends a unchanged. It is
	// used to shrink index-block separator keys.
	Separator func(dst, a, b []byte) []byte
	// Successor appends to dst a short user key >= a.
	Successor func(dst, a []byte) []byte
}

// DefaultCompare is the byte-wise lexicographic comparator.
func DefaultCompare(a, b []byte) int {
	return bytes.Compare(a, b)
}

func defaultEqual(a, b []byte) bool {
	return bytes.Equal(a, b)
}

// DefaultSeparator is the LevelDB/Pebble shortest-separator heuristic: find
// the first byte at which a and b differ, and if it can be incremented
// while staying below b, truncate there.
func DefaultSeparator(dst, a, b []byte) []byte {
	i, n := SharedPrefixLen(a, b), len(dst)
	if i >= len(a) || i >= len(b) {
		return append(dst, a...)
	}
	if n := len(b); i >= n || a[i] >= b[i] {
		return append(dst, a...)
	}
	if i < len(a)-1 && a[i] < 0xff && (a[i]+1 < b[i] || i+1 < len(b)) {
		dst = append(dst, a[:i+1]...)
		dst[n+i]++
		return dst
	}
	return append(dst, a...)
}

// DefaultSuccessor appends the smallest user key >= a that the comparer
// representation can express, here simply a itself.
func DefaultSuccessor(dst, a []byte) []byte {
	return append(dst, a...)
}

// DefaultComparer is the byte-wise comparer used unless an Options overrides
// it.
var DefaultComparer = &Comparer{
	Compare:   DefaultCompare,
	Equal:     defaultEqual,
	Name:      "caskdb.BytewiseComparator",
	Separator: DefaultSeparator,
	Successor: DefaultSuccessor,
}

// SharedPrefixLen returns the length of the common prefix of a and b.
func SharedPrefixLen(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	return i
}
