package orientation

import (
	"math"

	"github.com/golang/geo/r3"
)

// Estimator is a gradient-descent (Madgwick) attitude filter.
//
// Gyroscope rates are integrated every step; the gravity direction corrects
// roll and pitch, and the magnetometer corrects yaw in proportion to the
// per-call trust value. A trust of exactly 0 never touches the magnetometer
// path, so the result is identical to a 6-DOF filter.
type Estimator struct {
	beta           float64
	gravityNominal float64
	accelRejection float64
	q              Quaternion
	seeded         bool
	updates        uint64
	reinitialized  uint64
}

// Input is one filter step.
type Input struct {
	// Gyro is the bias-corrected angular rate in rad/s.
	Gyro r3.Vector
	// Accel is the specific force, in the same unit as the gravity nominal.
	Accel r3.Vector
	// Mag is the calibrated magnetic field in the sensor frame. Its magnitude
	// does not matter; only the direction is used.
	Mag      r3.Vector
	MagValid bool
	// MagRef is the Earth field in the world frame (north, west, up).
	MagRef   r3.Vector
	MagTrust float64
	Dt       float64
}

// Result reports which corrections were applied during a step.
type Result struct {
	AccelUsed     bool
	AccelRejected bool
	MagUsed       bool
	Reinitialized bool
}

// NewEstimator returns an estimator with gain beta. Readings whose magnitude
// deviates from gravityNominal by more than accelRejection (relative) are not
// trusted for gravity correction.
func NewEstimator(beta, gravityNominal, accelRejection float64) *Estimator {
	return &Estimator{
		beta:           beta,
		gravityNominal: gravityNominal,
		accelRejection: accelRejection,
		q:              Identity,
	}
}

// Quaternion returns the current orientation.
func (e *Estimator) Quaternion() Quaternion { return e.q }

// SetQuaternion overrides the current orientation. The value is normalized.
func (e *Estimator) SetQuaternion(q Quaternion) {
	q = q.Normalize()
	if !q.IsFinite() || q.Norm() == 0 {
		q = Identity
	}
	e.q = q
	e.seeded = true
}

// Updates reports how many steps the estimator has produced.
func (e *Estimator) Updates() uint64 { return e.updates }

// Reinitializations reports how many times the quaternion had to be rebuilt
// from the accelerometer after collapsing.
func (e *Estimator) Reinitializations() uint64 { return e.reinitialized }

// Reset returns the estimator to identity with no history.
func (e *Estimator) Reset() {
	e.q = Identity
	e.seeded = false
	e.updates = 0
	e.reinitialized = 0
}

// AccelAcceptable reports whether a reading is close enough to 1 g to be used
// as a gravity reference.
func (e *Estimator) AccelAcceptable(a r3.Vector) bool {
	n := a.Norm()
	if n == 0 || !finite(n) {
		return false
	}
	if e.accelRejection <= 0 {
		return true
	}
	return math.Abs(n-e.gravityNominal)/e.gravityNominal <= e.accelRejection
}

// Update advances the filter by one step.
func (e *Estimator) Update(in Input) Result {
	var res Result

	accelOK := e.AccelAcceptable(in.Accel)
	res.AccelRejected = !accelOK

	// The first usable gravity reading seeds roll and pitch so the filter
	// does not have to converge from identity.
	if !e.seeded && accelOK {
		e.q = e.fromAccel(in.Accel)
		e.seeded = true
	}

	q := e.q
	qDot := q.Mul(Quaternion{X: in.Gyro.X, Y: in.Gyro.Y, Z: in.Gyro.Z}).Scale(0.5)

	if accelOK {
		a := in.Accel.Mul(1 / in.Accel.Norm())
		step := normalizeStep(gravityGradient(q, a))

		if in.MagTrust > 0 && in.MagValid {
			if sm, ok := magGradient(q, in.Mag, in.MagRef); ok {
				step = step.Add(normalizeStep(sm).Scale(in.MagTrust))
				res.MagUsed = true
			}
		}

		qDot = qDot.Add(step.Scale(-e.beta))
		res.AccelUsed = true
	}

	next := q.Add(qDot.Scale(in.Dt))
	n := next.Norm()
	if !finite(n) || n < 1e-9 {
		next = e.fromAccel(in.Accel)
		e.reinitialized++
		res.Reinitialized = true
	} else {
		next = next.Scale(1 / n)
	}

	e.q = next
	e.updates++
	return res
}

// fromAccel rebuilds a level-yaw orientation from gravity, or identity when
// the reading carries no direction.
func (e *Estimator) fromAccel(a r3.Vector) Quaternion {
	n := a.Norm()
	if n == 0 || !finite(n) {
		return Identity
	}
	return FromEuler(ComputePoseFromAccel(a.X, a.Y, a.Z))
}

// normalizeStep scales a gradient to unit length. Gradients at the level of
// rounding noise are treated as zero so a converged filter does not chatter.
func normalizeStep(s Quaternion) Quaternion {
	n := s.Norm()
	if n < 1e-12 || !finite(n) {
		return Quaternion{}
	}
	return s.Scale(1 / n)
}

// gravityGradient is Jᵀ·f for f = Rᵀ·(0,0,1) − a, a normalized.
func gravityGradient(q Quaternion, a r3.Vector) Quaternion {
	q0, q1, q2, q3 := q.W, q.X, q.Y, q.Z

	f1 := 2*(q1*q3-q0*q2) - a.X
	f2 := 2*(q0*q1+q2*q3) - a.Y
	f3 := 1 - 2*q1*q1 - 2*q2*q2 - a.Z

	return Quaternion{
		W: -2*q2*f1 + 2*q1*f2,
		X: 2*q3*f1 + 2*q0*f2 - 4*q1*f3,
		Y: -2*q0*f1 + 2*q3*f2 - 4*q2*f3,
		Z: 2*q1*f1 + 2*q2*f2,
	}
}

// magGradient is Jᵀ·f for f = Rᵀ·b − m with both sides normalized and the
// reference collapsed onto the north/up plane b = (bx, 0, bz).
func magGradient(q Quaternion, mag, ref r3.Vector) (Quaternion, bool) {
	mn := mag.Norm()
	if mn == 0 || !finite(mn) {
		return Quaternion{}, false
	}
	bx := math.Hypot(ref.X, ref.Y)
	bz := ref.Z
	bn := math.Hypot(bx, bz)
	if bn == 0 || !finite(bn) {
		return Quaternion{}, false
	}
	bx, bz = bx/bn, bz/bn
	m := mag.Mul(1 / mn)

	q0, q1, q2, q3 := q.W, q.X, q.Y, q.Z

	f4 := bx*(1-2*q2*q2-2*q3*q3) + 2*bz*(q1*q3-q0*q2) - m.X
	f5 := 2*bx*(q1*q2-q0*q3) + 2*bz*(q0*q1+q2*q3) - m.Y
	f6 := 2*bx*(q0*q2+q1*q3) + bz*(1-2*q1*q1-2*q2*q2) - m.Z

	return Quaternion{
		W: -2*bz*q2*f4 + (-2*bx*q3+2*bz*q1)*f5 + 2*bx*q2*f6,
		X: 2*bz*q3*f4 + (2*bx*q2+2*bz*q0)*f5 + (2*bx*q3-4*bz*q1)*f6,
		Y: (-4*bx*q2-2*bz*q0)*f4 + (2*bx*q1+2*bz*q3)*f5 + (2*bx*q0-4*bz*q2)*f6,
		Z: (-4*bx*q3+2*bz*q1)*f4 + (-2*bx*q0+2*bz*q2)*f5 + 2*bx*q1*f6,
	}, true
}
