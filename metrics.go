// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package caskdb

import (
	"sync"
	"time"

	hdrhistogram "github.com/HdrHistogram/hdrhistogram-go"
	"github.com/cockroachdb/redact"
	"github.com/guptarohit/asciigraph"
)

// metricsState accumulates the background worker's flush/compaction
// latency distributions. It is purely an in-process operator/debug aid,
// never an external metrics transport.
type metricsState struct {
	mu                sync.Mutex
	flushLatency      *hdrhistogram.Histogram
	compactionLatency *hdrhistogram.Histogram
}

func newMetricsState() *metricsState {
	return &metricsState{
		flushLatency:      hdrhistogram.New(1, 60_000, 3),
		compactionLatency: hdrhistogram.New(1, 600_000, 3),
	}
}

func (m *metricsState) recordFlush(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_ = m.flushLatency.RecordValue(d.Milliseconds())
}

func (m *metricsState) recordCompaction(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_ = m.compactionLatency.RecordValue(d.Milliseconds())
}

// LevelMetrics describes one level's current file-set state.
type LevelMetrics struct {
	NumFiles int
	Size     int64
}

// Metrics is a point-in-time snapshot of per-level file layout plus
// flush/compaction latency distributions.
type Metrics struct {
	Levels [NumLevels]LevelMetrics

	FlushLatencyP50      int64
	FlushLatencyP99      int64
	CompactionLatencyP50 int64
	CompactionLatencyP99 int64
}

// Metrics returns a snapshot of the database's current diagnostics.
func (d *DB) Metrics() *Metrics {
	v := d.vs.currentVersion()
	defer v.unref()

	var m Metrics
	for level := 0; level < NumLevels; level++ {
		m.Levels[level] = LevelMetrics{NumFiles: len(v.files[level]), Size: int64(totalSize(v.files[level]))}
	}

	d.metrics.mu.Lock()
	m.FlushLatencyP50 = d.metrics.flushLatency.ValueAtQuantile(50)
	m.FlushLatencyP99 = d.metrics.flushLatency.ValueAtQuantile(99)
	m.CompactionLatencyP50 = d.metrics.compactionLatency.ValueAtQuantile(50)
	m.CompactionLatencyP99 = d.metrics.compactionLatency.ValueAtQuantile(99)
	d.metrics.mu.Unlock()

	return &m
}

// String renders a human-readable summary, including an ASCII sparkline of
// per-level byte totals (github.com/guptarohit/asciigraph).
func (m *Metrics) String() string {
	return redact.StringWithoutMarkers(m)
}

var _ redact.SafeFormatter = (*Metrics)(nil)

// SafeFormat implements redact.SafeFormatter. Every field here is a file
// count or byte/latency number, never a user key, so the whole report is
// marked safe for unredacted logs.
func (m *Metrics) SafeFormat(w redact.SafePrinter, _ rune) {
	data := make([]float64, 0, NumLevels)
	for level, lm := range m.Levels {
		w.Printf("L%d: %s files, %s bytes\n", redact.Safe(level), redact.Safe(lm.NumFiles), redact.Safe(lm.Size))
		data = append(data, float64(lm.Size))
	}
	w.SafeString(redact.SafeString(asciigraph.Plot(data, asciigraph.Height(8), asciigraph.Caption("bytes per level"))))
	w.Printf("\nflush latency:      p50=%sms p99=%sms\n", redact.Safe(m.FlushLatencyP50), redact.Safe(m.FlushLatencyP99))
	w.Printf("compaction latency: p50=%sms p99=%sms\n", redact.Safe(m.CompactionLatencyP50), redact.Safe(m.CompactionLatencyP99))
}
