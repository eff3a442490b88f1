// Package marker defines the shared domain types for fiducial-marker
// localisation: per-tick detector observations, filtered marker poses,
// persisted anchors, the known marker layout, and the correspondences
// consumed by the alignment solver.
package marker

import (
	"math"
	"time"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/position.report/internal/geom"
)

// Observation is a single raw marker detection delivered by the external
// detector for one tick. Positions are in the device's local tracking
// frame (meters); rotations are unit quaternions.
type Observation struct {
	MarkerID  string
	Position  r3.Vec
	Rotation  geom.Quat
	Distance  float64 // distance from device to marker at detection time (meters)
	Quality   float64 // detector-reported quality in [0, 1]
	Timestamp time.Time
}

// IsFinite reports whether every numeric component of the observation is
// finite. Non-finite observations are discarded before they reach the
// sample history.
func (o Observation) IsFinite() bool {
	return geom.IsFiniteVec(o.Position) && geom.IsFiniteQuat(o.Rotation) &&
		!isNaNOrInf(o.Distance) && !isNaNOrInf(o.Quality)
}

func isNaNOrInf(f float64) bool {
	return math.IsNaN(f) || math.IsInf(f, 0)
}

// FilteredPose is the temporally filtered state of one tracked marker.
// Raw fields carry the latest accepted observation; Position/Rotation
// carry the smoothed estimate. Before initialization the smoothed fields
// mirror the raw ones.
type FilteredPose struct {
	MarkerID string

	RawPosition r3.Vec
	RawRotation geom.Quat

	Position r3.Vec
	Rotation geom.Quat

	LastUpdate   time.Time
	FrameCount   int     // frames since first detection
	Initialized  bool    // true once FrameCount reaches the init threshold; never reverts
	LastDistance float64 // device-to-marker distance at the last accepted observation
}

// Anchor is a persisted spatial anchor bound to one marker. Handle is the
// identity issued by the anchor persistence service; at most one confirmed
// anchor exists per marker.
type Anchor struct {
	MarkerID  string
	Handle    string
	Position  r3.Vec
	Rotation  geom.Quat
	CreatedAt time.Time
}

// Correspondence pairs a marker's anchored local-frame position with its
// surveyed global-frame position. Valid only while both a confirmed
// anchor and a layout entry exist for the marker.
type Correspondence struct {
	MarkerID string
	Local    r3.Vec
	Global   r3.Vec
}

// IsFinite reports whether both endpoints of the correspondence are finite.
func (c Correspondence) IsFinite() bool {
	return geom.IsFiniteVec(c.Local) && geom.IsFiniteVec(c.Global)
}
