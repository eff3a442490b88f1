package marker

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/position.report/internal/geom"
)

func writeLayoutFile(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "layout.json")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoadLayout(t *testing.T) {
	t.Parallel()

	path := writeLayoutFile(t, `{
		"markers": [
			{"marker_id": "m-1", "position": [1.0, 2.0, 0.5], "yaw_deg": 90, "physical_size": 0.16},
			{"marker_id": "m-2", "position": [-3.0, 0.0, 1.0], "yaw_deg": 0, "physical_size": 0.16}
		]
	}`)

	layout, err := LoadLayout(path)
	require.NoError(t, err)
	assert.Equal(t, 2, layout.Size())
	assert.Equal(t, []string{"m-1", "m-2"}, layout.MarkerIDs())

	e, ok := layout.Entry("m-1")
	require.True(t, ok)
	assert.Equal(t, r3.Vec{X: 1, Y: 2, Z: 0.5}, e.Position)
	assert.InDelta(t, 0.16, e.PhysicalSize, 1e-12)

	_, ok = layout.Entry("missing")
	assert.False(t, ok)
}

func TestLoadLayoutErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		contents string
	}{
		{"empty marker list", `{"markers": []}`},
		{"empty marker id", `{"markers": [{"marker_id": "", "position": [0,0,0], "yaw_deg": 0, "physical_size": 0.16}]}`},
		{"duplicate marker id", `{"markers": [
			{"marker_id": "m-1", "position": [0,0,0], "yaw_deg": 0, "physical_size": 0.16},
			{"marker_id": "m-1", "position": [1,0,0], "yaw_deg": 0, "physical_size": 0.16}
		]}`},
		{"zero physical size", `{"markers": [{"marker_id": "m-1", "position": [0,0,0], "yaw_deg": 0, "physical_size": 0}]}`},
		{"malformed json", `{"markers": [`},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			path := writeLayoutFile(t, tt.contents)
			_, err := LoadLayout(path)
			assert.Error(t, err)
		})
	}
}

func TestLoadLayoutRejectsNonJSONExtension(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "layout.yaml")
	require.NoError(t, os.WriteFile(path, []byte("{}"), 0o644))

	_, err := LoadLayout(path)
	assert.Error(t, err)
}

func TestLayoutFingerprintOrderIndependent(t *testing.T) {
	t.Parallel()

	a := LayoutEntry{MarkerID: "a", Position: r3.Vec{X: 1}, Rotation: geom.Identity(), PhysicalSize: 0.16}
	b := LayoutEntry{MarkerID: "b", Position: r3.Vec{Y: 2}, Rotation: geom.YawQuat(1.0), PhysicalSize: 0.2}

	l1 := NewLayout(map[string]LayoutEntry{"a": a, "b": b})
	l2 := NewLayout(map[string]LayoutEntry{"b": b, "a": a})
	assert.Equal(t, l1.Fingerprint(), l2.Fingerprint())

	// Any change to an entry must change the fingerprint.
	moved := a
	moved.Position = r3.Vec{X: 1.001}
	l3 := NewLayout(map[string]LayoutEntry{"a": moved, "b": b})
	assert.NotEqual(t, l1.Fingerprint(), l3.Fingerprint())
}

func TestLayoutEntriesRoundTrip(t *testing.T) {
	t.Parallel()

	path := writeLayoutFile(t, `{
		"markers": [
			{"marker_id": "m-1", "position": [1.0, 2.0, 0.5], "yaw_deg": 45, "physical_size": 0.16}
		]
	}`)

	layout, err := LoadLayout(path)
	require.NoError(t, err)

	want := LayoutEntry{
		MarkerID:     "m-1",
		Position:     r3.Vec{X: 1, Y: 2, Z: 0.5},
		Rotation:     geom.YawQuat(math.Pi / 4),
		PhysicalSize: 0.16,
	}
	got, ok := layout.Entry("m-1")
	require.True(t, ok)
	if diff := cmp.Diff(want, got, cmpopts.EquateApprox(1e-9, 1e-9)); diff != "" {
		t.Errorf("layout entry mismatch (-want +got):\n%s", diff)
	}
}
