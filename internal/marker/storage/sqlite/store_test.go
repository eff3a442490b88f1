package sqlite

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/position.report/internal/geom"
	"github.com/banshee-data/position.report/internal/marker"
	"github.com/banshee-data/position.report/internal/marker/alignment"
)

var testEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAnchorRoundTrip(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	want := marker.Anchor{
		MarkerID:  "m-1",
		Handle:    "anchor-1",
		Position:  r3.Vec{X: 1.5, Y: -2, Z: 0.25},
		Rotation:  geom.YawQuat(0.7),
		CreatedAt: testEpoch,
	}
	require.NoError(t, s.SaveAnchor(want))

	anchors, err := s.LoadAnchors()
	require.NoError(t, err)
	require.Len(t, anchors, 1)
	if diff := cmp.Diff(want, anchors[0]); diff != "" {
		t.Errorf("anchor mismatch (-want +got):\n%s", diff)
	}
}

func TestSaveAnchorReplacesPerMarker(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	first := marker.Anchor{MarkerID: "m-1", Handle: "anchor-1", Rotation: geom.Identity(), CreatedAt: testEpoch}
	second := marker.Anchor{MarkerID: "m-1", Handle: "anchor-2", Position: r3.Vec{X: 3}, Rotation: geom.Identity(), CreatedAt: testEpoch.Add(time.Hour)}

	require.NoError(t, s.SaveAnchor(first))
	require.NoError(t, s.SaveAnchor(second))

	// At most one anchor per marker: the replacement wins.
	anchors, err := s.LoadAnchors()
	require.NoError(t, err)
	require.Len(t, anchors, 1)
	assert.Equal(t, "anchor-2", anchors[0].Handle)
}

func TestDeleteAnchor(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	require.NoError(t, s.SaveAnchor(marker.Anchor{MarkerID: "m-1", Handle: "anchor-1", Rotation: geom.Identity(), CreatedAt: testEpoch}))
	require.NoError(t, s.DeleteAnchor("anchor-1"))

	anchors, err := s.LoadAnchors()
	require.NoError(t, err)
	assert.Empty(t, anchors)

	// Deleting an unknown handle is not an error.
	assert.NoError(t, s.DeleteAnchor("missing"))
}

func TestAlignmentCache(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)

	_, found, err := s.LoadAlignment("fp-1")
	require.NoError(t, err)
	assert.False(t, found)

	want := alignment.Result{Translation: r3.Vec{X: 1, Z: 2}, YawRad: 0.52, RMSError: 0.03, Correspondences: 4}
	require.NoError(t, s.SaveAlignment("fp-1", want))

	got, found, err := s.LoadAlignment("fp-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, want, got)

	// A different layout fingerprint must come back empty even with a
	// cached result present.
	_, found, err = s.LoadAlignment("fp-other")
	require.NoError(t, err)
	assert.False(t, found)

	// Upsert replaces the entry for the same fingerprint.
	better := alignment.Result{Translation: r3.Vec{X: 1.01, Z: 2}, YawRad: 0.51, RMSError: 0.01, Correspondences: 6}
	require.NoError(t, s.SaveAlignment("fp-1", better))
	got, found, err = s.LoadAlignment("fp-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, better, got)
}

func TestPoseLog(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	for i := 0; i < 3; i++ {
		require.NoError(t, s.RecordPose(PoseSample{
			MarkerID:   "m-1",
			Raw:        r3.Vec{X: float64(i)},
			Filtered:   r3.Vec{X: float64(i) * 0.9},
			Distance:   1.5,
			Confidence: 0.8,
			Timestamp:  testEpoch.Add(time.Duration(i) * time.Second),
		}))
	}
	require.NoError(t, s.RecordPose(PoseSample{MarkerID: "m-2", Timestamp: testEpoch}))

	trail, err := s.PoseTrail("m-1")
	require.NoError(t, err)
	require.Len(t, trail, 3)
	assert.Equal(t, 0.0, trail[0].Raw.X)
	assert.Equal(t, 2.0, trail[2].Raw.X)
	assert.Equal(t, testEpoch.Add(2*time.Second), trail[2].Timestamp)

	ids, err := s.PoseMarkerIDs()
	require.NoError(t, err)
	assert.Equal(t, []string{"m-1", "m-2"}, ids)
}

func TestMigrations(t *testing.T) {
	t.Parallel()

	// Open a bare connection without the embedded schema so migrations
	// build it from scratch.
	s, err := OpenBare(filepath.Join(t.TempDir(), "migrate.db"))
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.MigrateUp("migrations"))

	version, dirty, err := s.MigrateVersion("migrations")
	require.NoError(t, err)
	assert.False(t, dirty)
	assert.Equal(t, uint(3), version)

	// Schema from migrations accepts the same writes.
	require.NoError(t, s.SaveAnchor(marker.Anchor{MarkerID: "m-1", Handle: "a-1", Rotation: geom.Identity(), CreatedAt: testEpoch}))

	require.NoError(t, s.MigrateDown("migrations"))
	version, _, err = s.MigrateVersion("migrations")
	require.NoError(t, err)
	assert.Equal(t, uint(2), version)
}
