// Package confidence scores how trustworthy a marker's filtered pose is
// right now. The score multiplies three independent factors (detection
// distance, history variance, staleness) and is clamped to a non-zero
// floor so a transiently occluded marker never flatlines to zero.
package confidence

import (
	"math"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/position.report/internal/config"
	"github.com/banshee-data/position.report/internal/geom"
	"github.com/banshee-data/position.report/internal/marker"
	"github.com/banshee-data/position.report/internal/marker/posefilter"
	"github.com/banshee-data/position.report/internal/units"
)

// Breakdown carries the individual factors behind a confidence value.
// The monitor endpoints expose it for debugging tuning changes.
type Breakdown struct {
	Distance   float64 `json:"distance"`
	Validation float64 `json:"validation"`
	Staleness  float64 `json:"staleness"`
	Value      float64 `json:"value"`
}

// Estimator computes per-marker confidence from tuning thresholds and the
// shared observation history.
type Estimator struct {
	cfg  *config.TuningConfig
	hist *posefilter.History
}

// NewEstimator returns an estimator reading thresholds from cfg and
// variance inputs from hist.
func NewEstimator(cfg *config.TuningConfig, hist *posefilter.History) *Estimator {
	return &Estimator{cfg: cfg, hist: hist}
}

// Estimate returns the marker's confidence in [floor, 1].
func (e *Estimator) Estimate(pose marker.FilteredPose, now time.Time) float64 {
	return e.Factors(pose, now).Value
}

// Factors returns the confidence value together with its components.
func (e *Estimator) Factors(pose marker.FilteredPose, now time.Time) Breakdown {
	b := Breakdown{
		Distance:   e.distanceFactor(pose.LastDistance),
		Validation: e.validationFactor(pose.MarkerID, pose.LastDistance, now),
		Staleness:  e.stalenessFactor(pose.LastUpdate, now),
	}
	floor := e.cfg.GetConfidenceFloor()
	b.Value = math.Max(floor, b.Distance*b.Validation*b.Staleness)
	if b.Value > 1 {
		b.Value = 1
	}
	return b
}

// distanceFactor ramps from zero at the detection range limits up to one
// inside the optimal band where the marker's apparent size gives the
// detector the most pixels to work with.
func (e *Estimator) distanceFactor(distance float64) float64 {
	min := e.cfg.GetMinDetectionDistance()
	optNear := e.cfg.GetOptimalDistanceNear()
	optFar := e.cfg.GetOptimalDistanceFar()
	max := e.cfg.GetMaxDetectionDistance()

	switch {
	case distance <= min || distance >= max:
		return 0
	case distance < optNear:
		return (distance - min) / (optNear - min)
	case distance > optFar:
		return (max - distance) / (max - optFar)
	default:
		return 1
	}
}

// validationFactor penalises scatter in the recent history, normalised
// against the same distance-scaled gates the validator uses. With fewer
// than two recent entries there is no variance to measure and the factor
// is one.
func (e *Estimator) validationFactor(markerID string, distance float64, now time.Time) float64 {
	recent := e.hist.Recent(markerID, now)
	if len(recent) < 2 {
		return 1
	}

	posThr := e.cfg.GetBasePositionThreshold() * (1 + distance*e.cfg.GetPositionScalePerMeter())
	rotThr := units.DegToRad(e.cfg.GetBaseRotationThreshold() + distance*e.cfg.GetRotationScalePerMeter())

	posDev := positionStdDev(recent)
	rotDev := rotationStdDev(recent)

	ratio := posDev / posThr
	if r := rotDev / rotThr; r > ratio {
		ratio = r
	}
	return geom.Clamp01(1 - ratio)
}

// stalenessFactor decays linearly from one at the moment of the last
// update to zero once the decay window has fully elapsed.
func (e *Estimator) stalenessFactor(lastUpdate, now time.Time) float64 {
	decay := e.cfg.GetStalenessDecayTime()
	if decay <= 0 {
		return 1
	}
	age := now.Sub(lastUpdate)
	if age <= 0 {
		return 1
	}
	return geom.Clamp01(1 - float64(age)/float64(decay))
}

func positionStdDev(entries []posefilter.HistoryEntry) float64 {
	n := len(entries)
	xs := make([]float64, n)
	ys := make([]float64, n)
	zs := make([]float64, n)
	for i, e := range entries {
		xs[i] = e.Position.X
		ys[i] = e.Position.Y
		zs[i] = e.Position.Z
	}
	return math.Sqrt(stat.Variance(xs, nil) + stat.Variance(ys, nil) + stat.Variance(zs, nil))
}

// rotationStdDev is the largest per-axis angular standard deviation,
// measured around each axis's circular mean so the ±π seam does not
// inflate the spread.
func rotationStdDev(entries []posefilter.HistoryEntry) float64 {
	var worst float64
	for axis := 0; axis < 3; axis++ {
		var sin, cos float64
		for _, e := range entries {
			sin += math.Sin(e.Euler[axis])
			cos += math.Cos(e.Euler[axis])
		}
		mean := math.Atan2(sin, cos)

		deltas := make([]float64, len(entries))
		for i, e := range entries {
			deltas[i] = geom.AngleDelta(e.Euler[axis], mean)
		}
		if dev := math.Sqrt(stat.Variance(deltas, nil)); dev > worst {
			worst = dev
		}
	}
	return worst
}
