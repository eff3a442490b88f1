// Package geom provides the small set of 3D math primitives used by the
// marker pipeline: vectors (gonum spatial/r3), unit quaternions
// (gonum num/quat), Euler conversions and yaw-plane helpers.
//
// Conventions: the world frame is Z-up, so "horizontal" means the XY
// plane and yaw is a rotation about +Z. Euler angles follow the ZYX
// (yaw, pitch, roll) convention in radians.
package geom

import (
	"math"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
)

// Quat is a quaternion in gonum's (Real, Imag, Jmag, Kmag) = (w, x, y, z)
// layout. Rotation quaternions are expected to be unit length; use
// Normalize after accumulating operations.
type Quat = quat.Number

// Identity returns the identity rotation.
func Identity() Quat {
	return Quat{Real: 1}
}

// Normalize scales q to unit length. A degenerate (near-zero) quaternion
// normalises to the identity rather than propagating NaNs.
func Normalize(q Quat) Quat {
	n := quat.Abs(q)
	if n < 1e-12 {
		return Identity()
	}
	return quat.Scale(1/n, q)
}

// Mul composes two rotations: applying Mul(a, b) rotates by b first,
// then a.
func Mul(a, b Quat) Quat {
	return quat.Mul(a, b)
}

// Slerp spherically interpolates from a to b by t in [0, 1]. Inputs are
// assumed unit length. The shorter arc is always taken.
func Slerp(a, b Quat, t float64) Quat {
	if t <= 0 {
		return a
	}
	if t >= 1 {
		return b
	}

	dot := a.Real*b.Real + a.Imag*b.Imag + a.Jmag*b.Jmag + a.Kmag*b.Kmag
	// Take the shorter arc: q and -q represent the same rotation.
	if dot < 0 {
		b = quat.Scale(-1, b)
		dot = -dot
	}

	// Nearly parallel: fall back to normalised linear interpolation to
	// avoid division by a vanishing sin(theta).
	if dot > 0.9995 {
		return Normalize(quat.Add(quat.Scale(1-t, a), quat.Scale(t, b)))
	}

	theta := math.Acos(dot)
	sinTheta := math.Sin(theta)
	wa := math.Sin((1-t)*theta) / sinTheta
	wb := math.Sin(t*theta) / sinTheta
	return Normalize(quat.Add(quat.Scale(wa, a), quat.Scale(wb, b)))
}

// FromEuler builds a rotation quaternion from ZYX Euler angles (radians).
func FromEuler(yaw, pitch, roll float64) Quat {
	cy, sy := math.Cos(yaw/2), math.Sin(yaw/2)
	cp, sp := math.Cos(pitch/2), math.Sin(pitch/2)
	cr, sr := math.Cos(roll/2), math.Sin(roll/2)

	return Quat{
		Real: cr*cp*cy + sr*sp*sy,
		Imag: sr*cp*cy - cr*sp*sy,
		Jmag: cr*sp*cy + sr*cp*sy,
		Kmag: cr*cp*sy - sr*sp*cy,
	}
}

// Euler decomposes a unit quaternion into ZYX Euler angles (radians).
// Pitch is clamped to ±π/2 at the gimbal singularity.
func Euler(q Quat) (yaw, pitch, roll float64) {
	w, x, y, z := q.Real, q.Imag, q.Jmag, q.Kmag

	sinp := 2 * (w*y - z*x)
	if sinp > 1 {
		sinp = 1
	} else if sinp < -1 {
		sinp = -1
	}

	roll = math.Atan2(2*(w*x+y*z), 1-2*(x*x+y*y))
	pitch = math.Asin(sinp)
	yaw = math.Atan2(2*(w*z+x*y), 1-2*(y*y+z*z))
	return yaw, pitch, roll
}

// Yaw extracts the rotation of q about the vertical (+Z) axis.
func Yaw(q Quat) float64 {
	yaw, _, _ := Euler(q)
	return yaw
}

// YawQuat returns a pure yaw rotation of the given angle about +Z.
func YawQuat(yaw float64) Quat {
	return Quat(r3.NewRotation(yaw, r3.Vec{Z: 1}))
}

// Rotate applies the rotation q to v.
func Rotate(q Quat, v r3.Vec) r3.Vec {
	return r3.Rotation(q).Rotate(v)
}

// RotateYaw rotates v about the vertical axis by the given angle.
func RotateYaw(v r3.Vec, yaw float64) r3.Vec {
	sin, cos := math.Sincos(yaw)
	return r3.Vec{
		X: cos*v.X - sin*v.Y,
		Y: sin*v.X + cos*v.Y,
		Z: v.Z,
	}
}

// HorizontalAngle returns the signed angle (radians, [-π, π]) about the
// vertical axis from the horizontal projection of `from` to that of `to`.
// Returns 0 when either projection is too short to define a bearing.
func HorizontalAngle(from, to r3.Vec) float64 {
	const minPlanarNorm = 1e-9
	fx, fy := from.X, from.Y
	tx, ty := to.X, to.Y
	if fx*fx+fy*fy < minPlanarNorm || tx*tx+ty*ty < minPlanarNorm {
		return 0
	}
	return NormalizeAngle(math.Atan2(ty, tx) - math.Atan2(fy, fx))
}

// NormalizeAngle wraps an angle to [-π, π].
func NormalizeAngle(a float64) float64 {
	for a > math.Pi {
		a -= 2 * math.Pi
	}
	for a < -math.Pi {
		a += 2 * math.Pi
	}
	return a
}

// AngleDelta returns the magnitude of the shortest rotation between two
// angles (radians).
func AngleDelta(a, b float64) float64 {
	return math.Abs(NormalizeAngle(a - b))
}

// Lerp linearly interpolates from a to b by t.
func Lerp(a, b r3.Vec, t float64) r3.Vec {
	return r3.Add(a, r3.Scale(t, r3.Sub(b, a)))
}

// Dist returns the Euclidean distance between two points.
func Dist(a, b r3.Vec) float64 {
	return r3.Norm(r3.Sub(a, b))
}

// IsFiniteVec reports whether every component of v is finite.
func IsFiniteVec(v r3.Vec) bool {
	return isFinite(v.X) && isFinite(v.Y) && isFinite(v.Z)
}

// IsFiniteQuat reports whether every component of q is finite.
func IsFiniteQuat(q Quat) bool {
	return isFinite(q.Real) && isFinite(q.Imag) && isFinite(q.Jmag) && isFinite(q.Kmag)
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// Clamp01 clamps f to [0, 1].
func Clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
