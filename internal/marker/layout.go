package marker

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/position.report/internal/geom"
	"github.com/banshee-data/position.report/internal/units"
)

// LayoutEntry describes one marker's surveyed placement in the global
// reference frame, plus its physical size (edge length, meters).
type LayoutEntry struct {
	MarkerID     string
	Position     r3.Vec
	Rotation     geom.Quat
	PhysicalSize float64
}

// Layout is the known-marker table: the surveyed global pose and size of
// every marker in the installation. It is loaded once at startup and is
// immutable afterwards.
type Layout struct {
	entries     map[string]LayoutEntry
	fingerprint string
}

// layoutFile is the on-disk JSON schema for a marker layout.
type layoutFile struct {
	Markers []layoutFileEntry `json:"markers"`
}

type layoutFileEntry struct {
	MarkerID     string     `json:"marker_id"`
	Position     [3]float64 `json:"position"`
	YawDeg       float64    `json:"yaw_deg"`
	PhysicalSize float64    `json:"physical_size"`
}

// LoadLayout reads a marker layout from a JSON file. Marker yaw is given
// in degrees in the file (markers are assumed gravity-aligned, so a single
// yaw angle fully determines orientation).
func LoadLayout(path string) (*Layout, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("layout file must have .json extension, got %q", ext)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read layout file: %w", err)
	}

	var lf layoutFile
	if err := json.Unmarshal(data, &lf); err != nil {
		return nil, fmt.Errorf("failed to parse layout JSON: %w", err)
	}
	if len(lf.Markers) == 0 {
		return nil, fmt.Errorf("layout file %s contains no markers", cleanPath)
	}

	entries := make(map[string]LayoutEntry, len(lf.Markers))
	for _, m := range lf.Markers {
		if m.MarkerID == "" {
			return nil, fmt.Errorf("layout entry with empty marker_id")
		}
		if _, dup := entries[m.MarkerID]; dup {
			return nil, fmt.Errorf("duplicate marker_id %q in layout", m.MarkerID)
		}
		if m.PhysicalSize <= 0 {
			return nil, fmt.Errorf("marker %q has non-positive physical_size %f", m.MarkerID, m.PhysicalSize)
		}
		entries[m.MarkerID] = LayoutEntry{
			MarkerID:     m.MarkerID,
			Position:     r3.Vec{X: m.Position[0], Y: m.Position[1], Z: m.Position[2]},
			Rotation:     geom.YawQuat(units.DegToRad(m.YawDeg)),
			PhysicalSize: m.PhysicalSize,
		}
	}

	return NewLayout(entries), nil
}

// NewLayout builds a Layout from pre-constructed entries. The fingerprint
// is computed from a canonical serialisation so that two layouts with the
// same markers in any order fingerprint identically.
func NewLayout(entries map[string]LayoutEntry) *Layout {
	return &Layout{
		entries:     entries,
		fingerprint: fingerprintEntries(entries),
	}
}

// Entry returns the layout entry for the given marker id.
func (l *Layout) Entry(markerID string) (LayoutEntry, bool) {
	e, ok := l.entries[markerID]
	return e, ok
}

// Size returns the number of markers in the layout.
func (l *Layout) Size() int {
	return len(l.entries)
}

// MarkerIDs returns the marker ids in the layout, sorted.
func (l *Layout) MarkerIDs() []string {
	ids := make([]string, 0, len(l.entries))
	for id := range l.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Fingerprint returns a stable identity for this layout. Persisted
// alignments are keyed by it: a cached alignment recorded under a
// different fingerprint must be discarded, not reused.
func (l *Layout) Fingerprint() string {
	return l.fingerprint
}

func fingerprintEntries(entries map[string]LayoutEntry) string {
	ids := make([]string, 0, len(entries))
	for id := range entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	h := sha256.New()
	for _, id := range ids {
		e := entries[id]
		fmt.Fprintf(h, "%s|%.6f,%.6f,%.6f|%.6f,%.6f,%.6f,%.6f|%.6f\n",
			e.MarkerID,
			e.Position.X, e.Position.Y, e.Position.Z,
			e.Rotation.Real, e.Rotation.Imag, e.Rotation.Jmag, e.Rotation.Kmag,
			e.PhysicalSize)
	}
	return hex.EncodeToString(h.Sum(nil))
}
