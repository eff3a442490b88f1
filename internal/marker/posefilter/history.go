// Package posefilter implements the temporal front half of the marker
// pipeline: a per-marker history of accepted observations, a validator
// that rejects outlier observations against that history, and an
// exponential smoother for the accepted stream.
package posefilter

import (
	"time"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/position.report/internal/geom"
	"github.com/banshee-data/position.report/internal/marker"
)

// HistoryEntry is one accepted observation retained for validation and
// confidence estimation. Orientation is kept as ZYX Euler angles so the
// validator can compare per-axis deviations directly.
type HistoryEntry struct {
	Position  r3.Vec
	Euler     [3]float64 // yaw, pitch, roll in radians
	Timestamp time.Time
}

// History keeps a fixed-depth FIFO of accepted observations per marker.
// Entries older than the recency window are ignored by readers and
// dropped lazily on the next write.
type History struct {
	depth   int
	window  time.Duration
	entries map[string][]HistoryEntry
}

// NewHistory returns a history store with the given per-marker depth and
// recency window.
func NewHistory(depth int, window time.Duration) *History {
	if depth < 2 {
		depth = 2
	}
	return &History{
		depth:   depth,
		window:  window,
		entries: make(map[string][]HistoryEntry),
	}
}

// Record appends an accepted observation, evicting the oldest entry once
// the marker's buffer exceeds its depth.
func (h *History) Record(obs marker.Observation) {
	yaw, pitch, roll := geom.Euler(obs.Rotation)
	entry := HistoryEntry{
		Position:  obs.Position,
		Euler:     [3]float64{yaw, pitch, roll},
		Timestamp: obs.Timestamp,
	}

	buf := append(h.entries[obs.MarkerID], entry)
	if len(buf) > h.depth {
		buf = buf[len(buf)-h.depth:]
	}
	h.entries[obs.MarkerID] = buf
}

// Recent returns the marker's entries whose timestamps fall inside the
// recency window ending at now, oldest first. The returned slice is a
// copy.
func (h *History) Recent(markerID string, now time.Time) []HistoryEntry {
	buf := h.entries[markerID]
	if len(buf) == 0 {
		return nil
	}
	cutoff := now.Add(-h.window)
	out := make([]HistoryEntry, 0, len(buf))
	for _, e := range buf {
		if !e.Timestamp.Before(cutoff) {
			out = append(out, e)
		}
	}
	return out
}

// Clear drops all history for a marker.
func (h *History) Clear(markerID string) {
	delete(h.entries, markerID)
}

// Len reports how many entries the marker currently holds, regardless of
// the recency window.
func (h *History) Len(markerID string) int {
	return len(h.entries[markerID])
}
