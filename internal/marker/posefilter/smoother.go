package posefilter

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/position.report/internal/config"
	"github.com/banshee-data/position.report/internal/geom"
	"github.com/banshee-data/position.report/internal/marker"
)

// Smoother blends each accepted observation toward the previous filtered
// pose with an exponential time constant. Close markers get a short
// effective tau (responsive), far markers a long one (stable), with a
// linear ramp between the near and far distances.
type Smoother struct {
	cfg *config.TuningConfig
}

// NewSmoother returns a smoother reading its time constants from cfg.
func NewSmoother(cfg *config.TuningConfig) *Smoother {
	return &Smoother{cfg: cfg}
}

// Smooth returns the filtered position and rotation for the observation.
// While smoothing is disabled or the pose has not finished initialising,
// the raw observation passes through unchanged.
func (s *Smoother) Smooth(prev marker.FilteredPose, obs marker.Observation, dt, distance float64) (r3.Vec, geom.Quat) {
	if !s.cfg.GetSmoothingEnabled() || !prev.Initialized {
		return obs.Position, obs.Rotation
	}
	if dt <= 0 {
		return prev.Position, prev.Rotation
	}

	mult := s.tauMultiplier(distance)
	posF := smoothingFactor(dt, s.cfg.GetPositionTau()*mult)
	rotF := smoothingFactor(dt, s.cfg.GetRotationTau()*mult)

	pos := geom.Lerp(obs.Position, prev.Position, posF)
	rot := geom.Slerp(obs.Rotation, prev.Rotation, rotF)
	return pos, rot
}

func (s *Smoother) tauMultiplier(distance float64) float64 {
	near := s.cfg.GetNearDistance()
	far := s.cfg.GetFarDistance()
	nearMult := s.cfg.GetNearTauMultiplier()
	farMult := s.cfg.GetFarTauMultiplier()

	switch {
	case distance <= near:
		return nearMult
	case distance >= far:
		return farMult
	default:
		t := (distance - near) / (far - near)
		return nearMult + t*(farMult-nearMult)
	}
}

// smoothingFactor is the weight carried over from the previous filtered
// value. It decays toward zero as dt grows relative to tau, so stale
// filters converge on fresh data instead of dragging it.
func smoothingFactor(dt, tau float64) float64 {
	if tau <= 0 {
		return 0
	}
	return geom.Clamp01(math.Exp(-dt / tau))
}
