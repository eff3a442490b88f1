package confidence

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/position.report/internal/config"
	"github.com/banshee-data/position.report/internal/geom"
	"github.com/banshee-data/position.report/internal/marker"
	"github.com/banshee-data/position.report/internal/marker/posefilter"
)

func floatPtr(f float64) *float64 { return &f }
func strPtr(s string) *string     { return &s }

var testEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testConfig() *config.TuningConfig {
	return &config.TuningConfig{
		MinDetectionDistance: floatPtr(0.2),
		OptimalDistanceNear:  floatPtr(0.5),
		OptimalDistanceFar:   floatPtr(2.0),
		MaxDetectionDistance: floatPtr(5.0),
		StalenessDecayTime:   strPtr("2s"),
		ConfidenceFloor:      floatPtr(0.1),
	}
}

func poseAt(distance float64, lastUpdate time.Time) marker.FilteredPose {
	return marker.FilteredPose{
		MarkerID:     "m-1",
		LastDistance: distance,
		LastUpdate:   lastUpdate,
		Initialized:  true,
	}
}

func recordN(h *posefilter.History, pos r3.Vec, rot geom.Quat, n int) {
	for i := 0; i < n; i++ {
		h.Record(marker.Observation{
			MarkerID:  "m-1",
			Position:  pos,
			Rotation:  rot,
			Timestamp: testEpoch.Add(time.Duration(i) * 100 * time.Millisecond),
		})
	}
}

func TestConfidenceBounds(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	h := posefilter.NewHistory(cfg.GetHistoryDepth(), cfg.GetHistoryWindow())
	e := NewEstimator(cfg, h)

	// Bounds must hold everywhere, including degenerate inputs: out of
	// range, never updated, empty history.
	distances := []float64{0, 0.2, 0.35, 0.5, 1.0, 2.0, 3.5, 5.0, 100}
	ages := []time.Duration{0, time.Second, 2 * time.Second, time.Hour}
	for _, d := range distances {
		for _, age := range ages {
			c := e.Estimate(poseAt(d, testEpoch.Add(-age)), testEpoch)
			assert.GreaterOrEqual(t, c, cfg.GetConfidenceFloor(), "distance %v age %v", d, age)
			assert.LessOrEqual(t, c, 1.0, "distance %v age %v", d, age)
		}
	}
}

func TestDistanceFactorRamp(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	h := posefilter.NewHistory(cfg.GetHistoryDepth(), cfg.GetHistoryWindow())
	e := NewEstimator(cfg, h)

	atDist := func(d float64) Breakdown {
		return e.Factors(poseAt(d, testEpoch), testEpoch)
	}

	assert.Equal(t, 0.0, atDist(0.1).Distance)
	assert.Equal(t, 0.0, atDist(0.2).Distance)
	assert.InDelta(t, 0.5, atDist(0.35).Distance, 1e-9)
	assert.Equal(t, 1.0, atDist(0.5).Distance)
	assert.Equal(t, 1.0, atDist(1.5).Distance)
	assert.Equal(t, 1.0, atDist(2.0).Distance)
	assert.InDelta(t, 0.5, atDist(3.5).Distance, 1e-9)
	assert.Equal(t, 0.0, atDist(5.0).Distance)
	assert.Equal(t, 0.0, atDist(8.0).Distance)
}

func TestValidationFactorPenalisesScatter(t *testing.T) {
	t.Parallel()

	cfg := testConfig()

	steady := posefilter.NewHistory(cfg.GetHistoryDepth(), cfg.GetHistoryWindow())
	recordN(steady, r3.Vec{X: 1}, geom.Identity(), 6)

	noisy := posefilter.NewHistory(cfg.GetHistoryDepth(), cfg.GetHistoryWindow())
	for i := 0; i < 6; i++ {
		jitter := 0.05 * float64(i%2*2-1)
		noisy.Record(marker.Observation{
			MarkerID:  "m-1",
			Position:  r3.Vec{X: 1 + jitter, Y: jitter},
			Rotation:  geom.YawQuat(jitter),
			Timestamp: testEpoch.Add(time.Duration(i) * 100 * time.Millisecond),
		})
	}

	now := testEpoch.Add(time.Second)
	steadyVal := NewEstimator(cfg, steady).Factors(poseAt(1.0, now), now).Validation
	noisyVal := NewEstimator(cfg, noisy).Factors(poseAt(1.0, now), now).Validation

	assert.InDelta(t, 1.0, steadyVal, 1e-9)
	assert.Less(t, noisyVal, steadyVal)
	assert.GreaterOrEqual(t, noisyVal, 0.0)
}

func TestValidationFactorSparseHistory(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	h := posefilter.NewHistory(cfg.GetHistoryDepth(), cfg.GetHistoryWindow())
	e := NewEstimator(cfg, h)

	assert.Equal(t, 1.0, e.Factors(poseAt(1.0, testEpoch), testEpoch).Validation)
}

func TestStalenessDecay(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	h := posefilter.NewHistory(cfg.GetHistoryDepth(), cfg.GetHistoryWindow())
	e := NewEstimator(cfg, h)

	fresh := e.Factors(poseAt(1.0, testEpoch), testEpoch)
	assert.Equal(t, 1.0, fresh.Staleness)

	half := e.Factors(poseAt(1.0, testEpoch), testEpoch.Add(time.Second))
	assert.InDelta(t, 0.5, half.Staleness, 1e-9)

	expired := e.Factors(poseAt(1.0, testEpoch), testEpoch.Add(10*time.Second))
	assert.Equal(t, 0.0, expired.Staleness)

	// Even fully stale, the clamped value holds the floor.
	assert.Equal(t, cfg.GetConfidenceFloor(), expired.Value)
}

func TestConfidenceDeterministic(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	h := posefilter.NewHistory(cfg.GetHistoryDepth(), cfg.GetHistoryWindow())
	recordN(h, r3.Vec{X: 1, Y: 0.5}, geom.YawQuat(math.Pi/6), 5)
	e := NewEstimator(cfg, h)

	now := testEpoch.Add(500 * time.Millisecond)
	first := e.Estimate(poseAt(1.2, testEpoch), now)
	second := e.Estimate(poseAt(1.2, testEpoch), now)
	assert.Equal(t, first, second)
}
