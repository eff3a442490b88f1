package placement

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/position.report/internal/config"
	"github.com/banshee-data/position.report/internal/geom"
	"github.com/banshee-data/position.report/internal/marker"
	"github.com/banshee-data/position.report/internal/marker/keepout"
)

func floatPtr(f float64) *float64 { return &f }
func intPtr(i int) *int           { return &i }
func strPtr(s string) *string     { return &s }

var testEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeService struct {
	requests []CreateRequest
	erased   []string
	eraseErr error
}

func (s *fakeService) CreateAnchor(req CreateRequest) {
	s.requests = append(s.requests, req)
}

func (s *fakeService) EraseAnchor(handle string) error {
	if s.eraseErr != nil {
		return s.eraseErr
	}
	s.erased = append(s.erased, handle)
	return nil
}

type fakeObserver struct {
	placed  []string
	removed []string
}

func (o *fakeObserver) AnchorPlaced(markerID, handle string) {
	o.placed = append(o.placed, markerID+"/"+handle)
}

func (o *fakeObserver) AnchorRemoved(markerID string) {
	o.removed = append(o.removed, markerID)
}

func testConfig() *config.TuningConfig {
	return &config.TuningConfig{
		PlacementConfidenceThreshold: floatPtr(0.6),
		RequiredStableFrames:         intPtr(3),
		MovementEpsilon:              floatPtr(0.05),
		PlacementTimeout:             strPtr("30s"),
		TrackingEvictAfter:           strPtr("5s"),
		ZoneRadiusMultiplier:         floatPtr(2.0),
		PendingZoneScale:             floatPtr(1.5),
		MinZoneRadius:                floatPtr(0.1),
		MaxZoneRadius:                floatPtr(1.0),
		MaxPendingZoneAge:            strPtr("60s"),
	}
}

func testLayout() *marker.Layout {
	return marker.NewLayout(map[string]marker.LayoutEntry{
		"m-1": {MarkerID: "m-1", Position: r3.Vec{}, Rotation: geom.Identity(), PhysicalSize: 0.16},
		"m-2": {MarkerID: "m-2", Position: r3.Vec{X: 2}, Rotation: geom.Identity(), PhysicalSize: 0.16},
	})
}

type fixture struct {
	cfg      *config.TuningConfig
	zones    *keepout.Registry
	service  *fakeService
	observer *fakeObserver
	machine  *Machine
}

func newFixture() *fixture {
	cfg := testConfig()
	zones := keepout.NewRegistry(cfg)
	service := &fakeService{}
	observer := &fakeObserver{}
	return &fixture{
		cfg:      cfg,
		zones:    zones,
		service:  service,
		observer: observer,
		machine:  NewMachine(cfg, zones, testLayout(), service, observer),
	}
}

func poseAt(id string, pos r3.Vec) marker.FilteredPose {
	return marker.FilteredPose{MarkerID: id, Position: pos, Rotation: geom.Identity(), Initialized: true}
}

// observeN feeds n identical confident observations, one per 100 ms tick.
func (f *fixture) observeN(id string, pos r3.Vec, confidence float64, n int, start time.Time) time.Time {
	now := start
	for i := 0; i < n; i++ {
		f.machine.Observe(poseAt(id, pos), confidence, now)
		now = now.Add(100 * time.Millisecond)
	}
	return now
}

func TestPlacementAfterStableFrames(t *testing.T) {
	t.Parallel()

	f := newFixture()
	f.observeN("m-1", r3.Vec{X: 1}, 0.9, 3, testEpoch)

	require.Len(t, f.service.requests, 1)
	req := f.service.requests[0]
	assert.Equal(t, "m-1", req.MarkerID)
	assert.Equal(t, r3.Vec{X: 1}, req.Position)
	assert.NotEqual(t, uuid.Nil, req.Token)

	rec, ok := f.machine.RecordFor("m-1")
	require.True(t, ok)
	assert.Equal(t, StateInProgress, rec.State)

	// The temporary zone is in place before the create resolves, at the
	// oversized pending radius.
	z, ok := f.zones.Zone("m-1")
	require.True(t, ok)
	assert.False(t, z.Confirmed)
	assert.InDelta(t, 0.48, z.Radius, 1e-12)

	// No second request while one is in flight.
	f.observeN("m-1", r3.Vec{X: 1}, 0.9, 5, testEpoch.Add(time.Second))
	assert.Len(t, f.service.requests, 1)
}

func TestMovementResetsStableFrames(t *testing.T) {
	t.Parallel()

	f := newFixture()
	now := f.observeN("m-1", r3.Vec{X: 1}, 0.9, 2, testEpoch)

	// A 10 cm jump exceeds the 5 cm epsilon and restarts the count.
	f.machine.Observe(poseAt("m-1", r3.Vec{X: 1.1}), 0.9, now)
	rec, _ := f.machine.RecordFor("m-1")
	assert.Equal(t, 0, rec.StableFrames)
	assert.Empty(t, f.service.requests)

	// Sub-epsilon drift does not reset.
	f.machine.Observe(poseAt("m-1", r3.Vec{X: 1.12}), 0.9, now.Add(100*time.Millisecond))
	rec, _ = f.machine.RecordFor("m-1")
	assert.Equal(t, 1, rec.StableFrames)
}

func TestConfidenceDipBeforeCompletionPreventsPlacement(t *testing.T) {
	t.Parallel()

	f := newFixture()
	// Confidence exactly at threshold counts as stable.
	now := f.observeN("m-1", r3.Vec{X: 1}, 0.6, 2, testEpoch)

	// One frame below threshold on the final tick resets the counter, so
	// no anchor is ever requested.
	f.machine.Observe(poseAt("m-1", r3.Vec{X: 1}), 0.59, now)
	assert.Empty(t, f.service.requests)

	rec, _ := f.machine.RecordFor("m-1")
	assert.Equal(t, StateTracking, rec.State)
	assert.Equal(t, 0, rec.StableFrames)
}

func TestForeignKeepOutZoneBlocksProgress(t *testing.T) {
	t.Parallel()

	f := newFixture()
	f.zones.Upsert("m-2", r3.Vec{X: 1}, 0.5, true, testEpoch)

	f.observeN("m-1", r3.Vec{X: 1.2}, 0.9, 10, testEpoch)
	assert.Empty(t, f.service.requests)

	rec, _ := f.machine.RecordFor("m-1")
	assert.Equal(t, 0, rec.StableFrames)
}

func TestPlacementTimeout(t *testing.T) {
	t.Parallel()

	f := newFixture()
	// Two confident frames early, then a long gap past the 30 s timeout.
	f.observeN("m-1", r3.Vec{X: 1}, 0.9, 2, testEpoch)

	late := testEpoch.Add(31 * time.Second)
	for i := 0; i < 5; i++ {
		f.machine.Observe(poseAt("m-1", r3.Vec{X: 1}), 0.9, late.Add(time.Duration(i)*100*time.Millisecond))
	}
	assert.Empty(t, f.service.requests)
}

func TestResolveSuccess(t *testing.T) {
	t.Parallel()

	f := newFixture()
	now := f.observeN("m-1", r3.Vec{X: 1}, 0.9, 3, testEpoch)
	require.Len(t, f.service.requests, 1)

	f.machine.Resolve(f.service.requests[0].Token, "anchor-7", false, now)

	rec, _ := f.machine.RecordFor("m-1")
	assert.Equal(t, StatePlaced, rec.State)
	assert.Equal(t, "anchor-7", rec.AnchorHandle)

	// Zone shrank to final radius and became permanent.
	z, ok := f.zones.Zone("m-1")
	require.True(t, ok)
	assert.True(t, z.Confirmed)
	assert.InDelta(t, 0.32, z.Radius, 1e-12)

	assert.Equal(t, []string{"m-1/anchor-7"}, f.observer.placed)

	anchors := f.machine.Anchors()
	require.Len(t, anchors, 1)
	assert.Equal(t, "m-1", anchors[0].MarkerID)
	assert.Equal(t, "anchor-7", anchors[0].Handle)

	// Further observations of a placed marker are no-ops.
	f.observeN("m-1", r3.Vec{X: 1}, 0.9, 5, now)
	assert.Len(t, f.service.requests, 1)
}

func TestResolveFailurePreservesStableFrames(t *testing.T) {
	t.Parallel()

	f := newFixture()
	now := f.observeN("m-1", r3.Vec{X: 1}, 0.9, 3, testEpoch)
	require.Len(t, f.service.requests, 1)

	f.machine.Resolve(f.service.requests[0].Token, "", true, now)

	rec, _ := f.machine.RecordFor("m-1")
	assert.Equal(t, StateTracking, rec.State)
	// The counter survives, so one more good frame retries immediately.
	assert.Equal(t, 3, rec.StableFrames)

	_, ok := f.zones.Zone("m-1")
	assert.False(t, ok)
	assert.Empty(t, f.observer.placed)
	// The rollback is surfaced to the caller as a removal.
	assert.Equal(t, []string{"m-1"}, f.observer.removed)

	f.machine.Observe(poseAt("m-1", r3.Vec{X: 1}), 0.9, now)
	assert.Len(t, f.service.requests, 2)
}

func TestResolveTokenOnlyOnce(t *testing.T) {
	t.Parallel()

	f := newFixture()
	now := f.observeN("m-1", r3.Vec{X: 1}, 0.9, 3, testEpoch)
	token := f.service.requests[0].Token

	f.machine.Resolve(token, "anchor-1", false, now)
	// A duplicate or stale resolution must not disturb the placed state.
	f.machine.Resolve(token, "", true, now)

	rec, _ := f.machine.RecordFor("m-1")
	assert.Equal(t, StatePlaced, rec.State)
	assert.Equal(t, "anchor-1", rec.AnchorHandle)

	// Unknown tokens are ignored outright.
	f.machine.Resolve(uuid.New(), "anchor-9", false, now)
	assert.Len(t, f.observer.placed, 1)
}

func TestSweepDiscardsAbandonedTracking(t *testing.T) {
	t.Parallel()

	f := newFixture()
	f.machine.Observe(poseAt("m-1", r3.Vec{X: 1}), 0.9, testEpoch)

	// Not yet: the placement timeout has not elapsed since first seen.
	f.machine.Sweep(testEpoch.Add(10 * time.Second))
	_, ok := f.machine.RecordFor("m-1")
	assert.True(t, ok)

	// Past both the eviction window and the timeout the record goes.
	f.machine.Sweep(testEpoch.Add(40 * time.Second))
	_, ok = f.machine.RecordFor("m-1")
	assert.False(t, ok)
}

func TestSweepKeepsPlacedForever(t *testing.T) {
	t.Parallel()

	f := newFixture()
	now := f.observeN("m-1", r3.Vec{X: 1}, 0.9, 3, testEpoch)
	f.machine.Resolve(f.service.requests[0].Token, "anchor-1", false, now)

	f.machine.Sweep(testEpoch.Add(24 * time.Hour))
	rec, ok := f.machine.RecordFor("m-1")
	require.True(t, ok)
	assert.Equal(t, StatePlaced, rec.State)
}

func TestRestoreAnchor(t *testing.T) {
	t.Parallel()

	f := newFixture()
	f.machine.RestoreAnchor(marker.Anchor{
		MarkerID:  "m-1",
		Handle:    "anchor-42",
		Position:  r3.Vec{X: 1, Z: 0.5},
		Rotation:  geom.YawQuat(0.2),
		CreatedAt: testEpoch.Add(-time.Hour),
	}, testEpoch)

	rec, ok := f.machine.RecordFor("m-1")
	require.True(t, ok)
	assert.Equal(t, StatePlaced, rec.State)
	assert.Equal(t, "anchor-42", rec.AnchorHandle)

	z, ok := f.zones.Zone("m-1")
	require.True(t, ok)
	assert.True(t, z.Confirmed)
}

func TestRemoveAnchor(t *testing.T) {
	t.Parallel()

	f := newFixture()
	now := f.observeN("m-1", r3.Vec{X: 1}, 0.9, 3, testEpoch)
	f.machine.Resolve(f.service.requests[0].Token, "anchor-1", false, now)

	require.NoError(t, f.machine.RemoveAnchor("m-1"))
	assert.Equal(t, []string{"anchor-1"}, f.service.erased)
	assert.Equal(t, []string{"m-1"}, f.observer.removed)

	_, ok := f.machine.RecordFor("m-1")
	assert.False(t, ok)
	_, ok = f.zones.Zone("m-1")
	assert.False(t, ok)

	// Removing a marker with no anchor is a no-op.
	assert.NoError(t, f.machine.RemoveAnchor("m-9"))
}
