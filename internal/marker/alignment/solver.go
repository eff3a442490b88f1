// Package alignment estimates the rigid transform between the device's
// session frame and the surveyed global frame from anchor/layout
// correspondences. Markers are assumed gravity-aligned, so the rotation
// reduces to a single yaw about the vertical axis; a full 6-DoF solve
// from this few noisy points would be ill-conditioned.
//
// The solved transform maps global coordinates into the session frame:
// local = R(yaw)*global + translation. Device pose queries apply its
// inverse.
package alignment

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/position.report/internal/config"
	"github.com/banshee-data/position.report/internal/geom"
	"github.com/banshee-data/position.report/internal/marker"
	"github.com/banshee-data/position.report/internal/units"
)

// Result is one accepted alignment estimate.
type Result struct {
	Translation     r3.Vec  `json:"translation"`
	YawRad          float64 `json:"yaw_rad"`
	RMSError        float64 `json:"rms_error"`
	Correspondences int     `json:"correspondences"`
}

// Solver holds the currently accepted alignment and re-evaluates it as
// the correspondence set grows.
type Solver struct {
	cfg     *config.TuningConfig
	current *Result
}

// NewSolver returns a solver with no accepted alignment.
func NewSolver(cfg *config.TuningConfig) *Solver {
	return &Solver{cfg: cfg}
}

// TrySolve estimates a transform from the correspondences. It returns
// false when there are too few valid correspondences, when no pair has
// enough baseline to resolve a bearing, or when the residual exceeds the
// RMS gate. TrySolve does not touch the accepted result.
func (s *Solver) TrySolve(corrs []marker.Correspondence) (Result, bool) {
	valid := make([]marker.Correspondence, 0, len(corrs))
	for _, c := range corrs {
		if c.IsFinite() {
			valid = append(valid, c)
		}
	}
	if len(valid) < s.cfg.GetMinCorrespondences() {
		return Result{}, false
	}

	kept := s.rejectOutliers(valid)

	yaw, ok := s.solveYaw(kept)
	if !ok {
		return Result{}, false
	}

	localC, globalC := weightedCentroids(kept)
	translation := r3.Sub(localC, geom.RotateYaw(globalC, yaw))

	rms := rmsResidual(kept, yaw, translation)
	if rms > s.cfg.GetMaxAlignmentError() {
		return Result{}, false
	}

	return Result{
		Translation:     translation,
		YawRad:          yaw,
		RMSError:        rms,
		Correspondences: len(kept),
	}, true
}

// Update runs TrySolve and applies the acceptance policy: the candidate
// replaces the accepted result only on strictly lower RMS error or
// strictly more correspondences. It reports whether the accepted result
// changed.
func (s *Solver) Update(corrs []marker.Correspondence) bool {
	candidate, ok := s.TrySolve(corrs)
	if !ok {
		return false
	}
	if s.current != nil &&
		candidate.RMSError >= s.current.RMSError &&
		candidate.Correspondences <= s.current.Correspondences {
		return false
	}
	s.current = &candidate
	return true
}

// Current returns the accepted alignment, if any.
func (s *Solver) Current() (Result, bool) {
	if s.current == nil {
		return Result{}, false
	}
	return *s.current, true
}

// Restore installs a previously persisted alignment as the accepted
// result. The caller is responsible for checking that it was recorded
// against the currently loaded layout.
func (s *Solver) Restore(r Result) {
	s.current = &r
}

// Reset discards the accepted alignment.
func (s *Solver) Reset() {
	s.current = nil
}

// DevicePoseInGlobalFrame maps a device pose from the session frame into
// the global frame using the inverse of the accepted alignment. It
// returns false while unaligned.
func (s *Solver) DevicePoseInGlobalFrame(pos r3.Vec, rot geom.Quat) (r3.Vec, geom.Quat, bool) {
	if s.current == nil {
		return r3.Vec{}, geom.Quat{}, false
	}
	inv := -s.current.YawRad
	globalPos := geom.RotateYaw(r3.Sub(pos, s.current.Translation), inv)
	globalRot := geom.Normalize(geom.Mul(geom.YawQuat(inv), rot))
	return globalPos, globalRot, true
}

// weightedCentroids computes the weighted mean local and global
// positions, weighting each correspondence by 1 + its local distance from
// the first. The weighting favours spatially spread sets over tight
// clusters.
func weightedCentroids(corrs []marker.Correspondence) (local, global r3.Vec) {
	var totalW float64
	for _, c := range corrs {
		w := 1 + geom.Dist(c.Local, corrs[0].Local)
		local = r3.Add(local, r3.Scale(w, c.Local))
		global = r3.Add(global, r3.Scale(w, c.Global))
		totalW += w
	}
	return r3.Scale(1/totalW, local), r3.Scale(1/totalW, global)
}

// pairError holds one correspondence's errors averaged over all its
// pairings with the others.
type pairError struct {
	dist  float64
	angle float64
	axis  [3]float64
}

// rejectOutliers drops correspondences whose pairwise geometry disagrees
// with the rest of the set. Three signals are averaged per point over all
// ordered pairings: inter-point distance mismatch, horizontal bearing
// deviation from a provisional yaw, and per-axis displacement mismatch
// with the provisional rotation removed.
//
// A single bad point skews the provisional yaw enough to push clean
// points past the thresholds on wide baselines, so points are discarded
// one at a time: each round re-solves the provisional yaw over the
// survivors, then removes only the worst offender. If isolating the
// offenders would leave fewer than the minimum, the unfiltered set is
// used instead.
func (s *Solver) rejectOutliers(corrs []marker.Correspondence) []marker.Correspondence {
	min := s.cfg.GetMinCorrespondences()

	kept := corrs
	for {
		provisional, ok := s.solveYaw(kept)
		if !ok {
			return corrs
		}

		worst, worstSeverity := -1, 1.0
		for i, e := range s.pairErrors(kept, provisional) {
			if sev := s.severity(e); sev > worstSeverity {
				worst, worstSeverity = i, sev
			}
		}
		if worst < 0 {
			return kept
		}
		if len(kept)-1 < min {
			return corrs
		}

		next := make([]marker.Correspondence, 0, len(kept)-1)
		next = append(next, kept[:worst]...)
		next = append(next, kept[worst+1:]...)
		kept = next
	}
}

// pairErrors scores each correspondence's disagreement signals against
// the provisional yaw, averaged over all its pairings with the others.
func (s *Solver) pairErrors(corrs []marker.Correspondence, provisionalYaw float64) []pairError {
	errs := make([]pairError, len(corrs))
	for i := range corrs {
		var acc pairError
		for j := range corrs {
			if i == j {
				continue
			}
			localDisp := r3.Sub(corrs[j].Local, corrs[i].Local)
			globalDisp := r3.Sub(corrs[j].Global, corrs[i].Global)
			rotated := geom.RotateYaw(globalDisp, provisionalYaw)

			acc.dist += math.Abs(r3.Norm(localDisp) - r3.Norm(globalDisp))
			acc.angle += math.Abs(geom.AngleDelta(geom.HorizontalAngle(globalDisp, localDisp), provisionalYaw))
			acc.axis[0] += math.Abs(localDisp.X - rotated.X)
			acc.axis[1] += math.Abs(localDisp.Y - rotated.Y)
			acc.axis[2] += math.Abs(localDisp.Z - rotated.Z)
		}
		n := float64(len(corrs) - 1)
		errs[i] = pairError{
			dist:  acc.dist / n,
			angle: acc.angle / n,
			axis:  [3]float64{acc.axis[0] / n, acc.axis[1] / n, acc.axis[2] / n},
		}
	}
	return errs
}

// severity is the point's worst signal as a multiple of its threshold;
// a value above 1 means at least one signal exceeds its gate.
func (s *Solver) severity(e pairError) float64 {
	axis := math.Max(e.axis[0], math.Max(e.axis[1], e.axis[2]))
	return math.Max(e.dist/s.cfg.GetOutlierDistanceError(),
		math.Max(e.angle/units.DegToRad(s.cfg.GetOutlierAngleError()),
			axis/s.cfg.GetOutlierAxisError()))
}

// solveYaw averages the signed horizontal angle from each pair's global
// displacement to its local displacement, weighted by the pair's
// horizontal baseline. Pairs shorter than the minimum baseline (including
// vertically stacked points) carry no bearing information and are
// skipped; an all-short set fails.
func (s *Solver) solveYaw(corrs []marker.Correspondence) (float64, bool) {
	minBaseline := s.cfg.GetMinPairBaseline()

	var sinSum, cosSum, totalW float64
	for i := 0; i < len(corrs); i++ {
		for j := i + 1; j < len(corrs); j++ {
			localDisp := r3.Sub(corrs[j].Local, corrs[i].Local)
			globalDisp := r3.Sub(corrs[j].Global, corrs[i].Global)

			baseline := math.Min(
				math.Hypot(localDisp.X, localDisp.Y),
				math.Hypot(globalDisp.X, globalDisp.Y))
			if baseline < minBaseline {
				continue
			}
			angle := geom.HorizontalAngle(globalDisp, localDisp)
			sinSum += baseline * math.Sin(angle)
			cosSum += baseline * math.Cos(angle)
			totalW += baseline
		}
	}
	if totalW == 0 {
		return 0, false
	}
	return math.Atan2(sinSum, cosSum), true
}

func rmsResidual(corrs []marker.Correspondence, yaw float64, translation r3.Vec) float64 {
	sq := make([]float64, len(corrs))
	for i, c := range corrs {
		predicted := r3.Add(geom.RotateYaw(c.Global, yaw), translation)
		d := geom.Dist(c.Local, predicted)
		sq[i] = d * d
	}
	return math.Sqrt(floats.Sum(sq) / float64(len(sq)))
}
