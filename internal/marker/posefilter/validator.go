package posefilter

import (
	"math"
	"time"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/position.report/internal/config"
	"github.com/banshee-data/position.report/internal/geom"
	"github.com/banshee-data/position.report/internal/units"
)

// Validator gates raw observations against the marker's recent history.
// Thresholds widen with detection distance: far markers carry more sensor
// noise, so a fixed gate would starve them of updates.
type Validator struct {
	cfg  *config.TuningConfig
	hist *History
}

// NewValidator returns a validator reading thresholds from cfg and
// comparing against hist.
func NewValidator(cfg *config.TuningConfig, hist *History) *Validator {
	return &Validator{cfg: cfg, hist: hist}
}

// Validate reports whether the observation is consistent with the
// marker's recent history. Fewer than two recent entries always accepts:
// there is not yet enough evidence to call anything an outlier.
func (v *Validator) Validate(markerID string, position r3.Vec, rotation geom.Quat, distance float64, now time.Time) bool {
	recent := v.hist.Recent(markerID, now)
	if len(recent) < 2 {
		return true
	}

	posThr := v.cfg.GetBasePositionThreshold() * (1 + distance*v.cfg.GetPositionScalePerMeter())
	rotThr := units.DegToRad(v.cfg.GetBaseRotationThreshold() + distance*v.cfg.GetRotationScalePerMeter())

	meanPos, meanEuler := historyMeans(recent)
	if geom.Dist(position, meanPos) > posThr {
		return false
	}

	yaw, pitch, roll := geom.Euler(rotation)
	for i, angle := range [3]float64{yaw, pitch, roll} {
		if math.Abs(geom.AngleDelta(angle, meanEuler[i])) > rotThr {
			return false
		}
	}
	return true
}

// historyMeans computes the mean position and per-axis circular mean
// orientation over the entries. The circular mean keeps angles near the
// ±π seam from averaging to a bogus midpoint.
func historyMeans(entries []HistoryEntry) (r3.Vec, [3]float64) {
	var pos r3.Vec
	var sin, cos [3]float64
	for _, e := range entries {
		pos = r3.Add(pos, e.Position)
		for i, a := range e.Euler {
			sin[i] += math.Sin(a)
			cos[i] += math.Cos(a)
		}
	}
	n := float64(len(entries))
	pos = r3.Scale(1/n, pos)

	var euler [3]float64
	for i := range euler {
		euler[i] = math.Atan2(sin[i], cos[i])
	}
	return pos, euler
}
