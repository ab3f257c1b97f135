// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package record

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriterReaderRoundTrip(t *testing.T) {
	records := []string{
		"",
		"a",
		strings.Repeat("b", 100),
		strings.Repeat("c", BlockSize*3+17), // spans several physical blocks
		"tail",
	}

	var buf bytes.Buffer
	w := NewWriter(&buf)
	for _, rec := range records {
		rw, err := w.Next()
		require.NoError(t, err)
		_, err = rw.Write([]byte(rec))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	r := NewReader(&buf)
	for _, want := range records {
		rr, err := r.Next()
		require.NoError(t, err)
		got, err := io.ReadAll(rr)
		require.NoError(t, err)
		require.Equal(t, want, string(got))
	}
	_, err := r.Next()
	require.ErrorIs(t, err, io.EOF)
}

func TestReaderTornTail(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	rw, err := w.Next()
	require.NoError(t, err)
	_, err = rw.Write([]byte("first record"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	// Append a truncated fragment header to simulate a torn write.
	buf.Write([]byte{1, 2, 3})

	r := NewReader(&buf)
	rr, err := r.Next()
	require.NoError(t, err)
	got, err := io.ReadAll(rr)
	require.NoError(t, err)
	require.Equal(t, "first record", string(got))

	_, err = r.Next()
	require.ErrorIs(t, err, io.EOF)
}

func TestLogWriterWriteRecord(t *testing.T) {
	var buf bytes.Buffer
	sf := &syncCountingWriter{Buffer: &buf}
	lw := NewLogWriter(sf)
	n, err := lw.WriteRecord([]byte("hello"))
	require.NoError(t, err)
	require.EqualValues(t, 5, n)
	require.NoError(t, lw.Sync())
	require.Equal(t, 1, sf.syncs)

	r := NewReader(&buf)
	rr, err := r.Next()
	require.NoError(t, err)
	got, err := io.ReadAll(rr)
	require.NoError(t, err)
	require.Equal(t, "hello", string(got))
}

type syncCountingWriter struct {
	*bytes.Buffer
	syncs int
}

func (s *syncCountingWriter) Sync() error {
	s.syncs++
	return nil
}

func TestCRCMaskRoundTrip(t *testing.T) {
	for _, c := range []uint32{0, 1, 0xdeadbeef, 0xffffffff} {
		require.Equal(t, c, unmaskCRC(maskCRC(c)))
	}
}
