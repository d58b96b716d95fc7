package orientation

import (
	"math"

	"github.com/golang/geo/r3"
)

const (
	degToRad = math.Pi / 180
	radToDeg = 180 / math.Pi
)

// Quaternion is a rotation from the sensor frame to the world frame.
// The world frame is x = magnetic north, y = west, z = up.
type Quaternion struct {
	W float64 `json:"w"`
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Identity is the zero rotation.
var Identity = Quaternion{W: 1}

// Norm returns the quaternion length.
func (q Quaternion) Norm() float64 {
	return math.Sqrt(q.W*q.W + q.X*q.X + q.Y*q.Y + q.Z*q.Z)
}

// Normalize returns q scaled to unit length. A zero quaternion is returned unchanged.
func (q Quaternion) Normalize() Quaternion {
	n := q.Norm()
	if n == 0 {
		return q
	}
	return q.Scale(1 / n)
}

// Scale multiplies every component by k.
func (q Quaternion) Scale(k float64) Quaternion {
	return Quaternion{W: q.W * k, X: q.X * k, Y: q.Y * k, Z: q.Z * k}
}

// Add returns the component-wise sum.
func (q Quaternion) Add(p Quaternion) Quaternion {
	return Quaternion{W: q.W + p.W, X: q.X + p.X, Y: q.Y + p.Y, Z: q.Z + p.Z}
}

// Conj returns the conjugate (inverse rotation for unit quaternions).
func (q Quaternion) Conj() Quaternion {
	return Quaternion{W: q.W, X: -q.X, Y: -q.Y, Z: -q.Z}
}

// Mul returns the Hamilton product q ⊗ p.
func (q Quaternion) Mul(p Quaternion) Quaternion {
	return Quaternion{
		W: q.W*p.W - q.X*p.X - q.Y*p.Y - q.Z*p.Z,
		X: q.W*p.X + q.X*p.W + q.Y*p.Z - q.Z*p.Y,
		Y: q.W*p.Y - q.X*p.Z + q.Y*p.W + q.Z*p.X,
		Z: q.W*p.Z + q.X*p.Y - q.Y*p.X + q.Z*p.W,
	}
}

// IsFinite reports whether all components are finite numbers.
func (q Quaternion) IsFinite() bool {
	return finite(q.W) && finite(q.X) && finite(q.Y) && finite(q.Z)
}

// RotateToWorld expresses a sensor-frame vector in the world frame (R·v).
func (q Quaternion) RotateToWorld(v r3.Vector) r3.Vector {
	m := q.matrix()
	return r3.Vector{
		X: m[0][0]*v.X + m[0][1]*v.Y + m[0][2]*v.Z,
		Y: m[1][0]*v.X + m[1][1]*v.Y + m[1][2]*v.Z,
		Z: m[2][0]*v.X + m[2][1]*v.Y + m[2][2]*v.Z,
	}
}

// RotateToSensor expresses a world-frame vector in the sensor frame (Rᵀ·v).
// This is the rotation used for every Earth-field subtraction.
func (q Quaternion) RotateToSensor(v r3.Vector) r3.Vector {
	m := q.matrix()
	return r3.Vector{
		X: m[0][0]*v.X + m[1][0]*v.Y + m[2][0]*v.Z,
		Y: m[0][1]*v.X + m[1][1]*v.Y + m[2][1]*v.Z,
		Z: m[0][2]*v.X + m[1][2]*v.Y + m[2][2]*v.Z,
	}
}

func (q Quaternion) matrix() [3][3]float64 {
	w, x, y, z := q.W, q.X, q.Y, q.Z
	return [3][3]float64{
		{1 - 2*(y*y+z*z), 2 * (x*y - w*z), 2 * (x*z + w*y)},
		{2 * (x*y + w*z), 1 - 2*(x*x+z*z), 2 * (y*z - w*x)},
		{2 * (x*z - w*y), 2 * (y*z + w*x), 1 - 2*(x*x+y*y)},
	}
}

// Euler extracts roll, pitch and yaw in degrees using the ZYX (yaw, pitch, roll)
// convention. This is the only Euler convention in the module; any
// visualization-specific remapping belongs to the consumer.
//
// The asin argument is clamped to [-1, 1], so at pitch = ±90° the output is
// degenerate (roll and yaw couple) but never NaN.
func (q Quaternion) Euler() Pose {
	w, x, y, z := q.W, q.X, q.Y, q.Z

	roll := math.Atan2(2*(w*x+y*z), 1-2*(x*x+y*y))
	sinp := 2 * (w*y - z*x)
	if sinp > 1 {
		sinp = 1
	} else if sinp < -1 {
		sinp = -1
	}
	pitch := math.Asin(sinp)
	yaw := math.Atan2(2*(w*z+x*y), 1-2*(y*y+z*z))

	return Pose{Roll: roll * radToDeg, Pitch: pitch * radToDeg, Yaw: yaw * radToDeg}
}

// FromEuler builds the quaternion for a ZYX pose given in degrees.
func FromEuler(p Pose) Quaternion {
	cr, sr := math.Cos(p.Roll*degToRad/2), math.Sin(p.Roll*degToRad/2)
	cp, sp := math.Cos(p.Pitch*degToRad/2), math.Sin(p.Pitch*degToRad/2)
	cy, sy := math.Cos(p.Yaw*degToRad/2), math.Sin(p.Yaw*degToRad/2)

	return Quaternion{
		W: cr*cp*cy + sr*sp*sy,
		X: sr*cp*cy - cr*sp*sy,
		Y: cr*sp*cy + sr*cp*sy,
		Z: cr*cp*sy - sr*sp*cy,
	}
}

// FromAxisAngle builds the rotation of angle radians about axis.
func FromAxisAngle(axis r3.Vector, angle float64) Quaternion {
	n := axis.Norm()
	if n == 0 {
		return Identity
	}
	s := math.Sin(angle/2) / n
	return Quaternion{W: math.Cos(angle / 2), X: axis.X * s, Y: axis.Y * s, Z: axis.Z * s}
}

func finite(x float64) bool {
	return !math.IsNaN(x) && !math.IsInf(x, 0)
}
