// Package magcal estimates and applies magnetometer hard-iron and soft-iron
// corrections.
//
// The hard-iron offset is learned online: once a geomagnetic reference and a
// gravity-only orientation exist, the residual between the soft-iron
// corrected reading and the expected Earth field is averaged with an
// exponential moving average, then frozen.
package magcal

import (
	"fmt"
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
)

// State is the calibration state machine.
type State int

const (
	Uncalibrated State = iota
	AutoCalibrating
	Calibrated
)

func (s State) String() string {
	switch s {
	case Uncalibrated:
		return "UNCALIBRATED"
	case AutoCalibrating:
		return "AUTO_CALIBRATING"
	case Calibrated:
		return "CALIBRATED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText decodes a state name.
func (s *State) UnmarshalText(b []byte) error {
	switch string(b) {
	case "UNCALIBRATED":
		*s = Uncalibrated
	case "AUTO_CALIBRATING":
		*s = AutoCalibrating
	case "CALIBRATED":
		*s = Calibrated
	default:
		return fmt.Errorf("unknown calibration state %q", b)
	}
	return nil
}

// Identity3 is the neutral soft-iron matrix.
var Identity3 = [3][3]float64{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}}

// Calibration is the correction applied as calibrated = S·(raw − h).
type Calibration struct {
	HardIronOffset     r3.Vector
	SoftIronMatrix     [3][3]float64
	EarthFieldEstimate r3.Vector // diagnostic only
	HardIronCalibrated bool
	SoftIronCalibrated bool
	Confidence         float64
}

// Transition reports a state change caused by Observe.
type Transition struct {
	From, To State
}

// Changed reports whether the state moved.
func (t Transition) Changed() bool { return t.From != t.To }

// Options tunes hard-iron auto-calibration.
type Options struct {
	Samples int     // residuals averaged before freezing
	Alpha   float64 // EMA weight of each new residual, (0, 1]
}

// DefaultOptions returns 100 samples at α = 0.05.
func DefaultOptions() Options {
	return Options{Samples: 100, Alpha: 0.05}
}

const confFloor = 0.05

// Calibrator owns the magnetometer correction of one sensor.
// It is not safe for concurrent use.
type Calibrator struct {
	opts Options

	state State
	cal   Calibration
	inv   [3][3]float64 // S⁻¹

	// auto-calibration accumulators
	estimate r3.Vector
	spread   float64
	count    int
	fitError float64

	baseline Calibration
	loaded   bool
}

// NewCalibrator returns an uncalibrated calibrator with an identity soft-iron matrix.
func NewCalibrator(opts Options) *Calibrator {
	if opts.Samples < 1 {
		opts.Samples = 1
	}
	if opts.Alpha <= 0 || opts.Alpha > 1 {
		opts.Alpha = DefaultOptions().Alpha
	}
	c := &Calibrator{opts: opts}
	c.baseline = Calibration{SoftIronMatrix: Identity3}
	c.restore()
	return c
}

// SetSoftIron installs a soft-iron matrix. The matrix must be invertible.
// The current hard-iron estimate is kept.
func (c *Calibrator) SetSoftIron(m [3][3]float64) error {
	inv, err := invert(m)
	if err != nil {
		return err
	}
	c.cal.SoftIronMatrix = m
	c.cal.SoftIronCalibrated = m != Identity3
	c.inv = inv
	c.baseline.SoftIronMatrix = m
	c.baseline.SoftIronCalibrated = c.cal.SoftIronCalibrated
	return nil
}

// Load installs a previously stored calibration. When it carries a hard-iron
// offset the calibrator starts Calibrated; Reset returns to this calibration.
func (c *Calibrator) Load(cal Calibration) error {
	if !finiteVec(cal.HardIronOffset) {
		return fmt.Errorf("hard-iron offset is not finite: %v", cal.HardIronOffset)
	}
	if cal.SoftIronMatrix == ([3][3]float64{}) {
		cal.SoftIronMatrix = Identity3
	}
	if _, err := invert(cal.SoftIronMatrix); err != nil {
		return err
	}
	if cal.Confidence < 0 || cal.Confidence > 1 || math.IsNaN(cal.Confidence) {
		return fmt.Errorf("confidence %v out of range", cal.Confidence)
	}
	c.baseline = cal
	c.loaded = cal.HardIronCalibrated
	c.restore()
	return nil
}

// Reset returns to the construction-time state: the loaded calibration if
// any, otherwise uncalibrated with the configured soft-iron matrix.
func (c *Calibrator) Reset() {
	c.restore()
}

// Recalibrate discards the hard-iron offset (including a loaded one) and
// returns to Uncalibrated. The soft-iron matrix is kept.
func (c *Calibrator) Recalibrate() {
	c.baseline.HardIronOffset = r3.Vector{}
	c.baseline.HardIronCalibrated = false
	c.baseline.Confidence = 0
	c.loaded = false
	c.restore()
}

func (c *Calibrator) restore() {
	c.cal = c.baseline
	c.inv, _ = invert(c.cal.SoftIronMatrix)
	c.estimate = r3.Vector{}
	c.spread = 0
	c.count = 0
	c.fitError = 0
	if c.loaded {
		c.state = Calibrated
	} else {
		c.state = Uncalibrated
		c.cal.HardIronOffset = r3.Vector{}
		c.cal.HardIronCalibrated = false
		c.cal.Confidence = 0
	}
}

// State returns the current state.
func (c *Calibrator) State() State { return c.state }

// Calibration returns a copy of the current correction.
func (c *Calibrator) Calibration() Calibration { return c.cal }

// Confidence is 0 until Calibrated, then tracks how well the corrected
// field magnitude matches the reference.
func (c *Calibrator) Confidence() float64 {
	if c.state != Calibrated {
		return 0
	}
	return c.cal.Confidence
}

// Progress returns the fraction of auto-calibration samples collected.
func (c *Calibrator) Progress() float64 {
	switch c.state {
	case Calibrated:
		return 1
	case AutoCalibrating:
		return float64(c.count) / float64(c.opts.Samples)
	default:
		return 0
	}
}

// Apply returns S·(raw − h). Before calibration h is zero.
func (c *Calibrator) Apply(raw r3.Vector) r3.Vector {
	return mulMat(c.cal.SoftIronMatrix, raw.Sub(c.cal.HardIronOffset))
}

// Observe feeds one raw reading together with the Earth field expected in
// the sensor frame at the current orientation. ready reports that a
// gravity-aligned orientation exists; without it nothing is learned.
func (c *Calibrator) Observe(raw, expected r3.Vector, ready bool) Transition {
	tr := Transition{From: c.state, To: c.state}
	if !ready || !finiteVec(raw) || !finiteVec(expected) {
		return tr
	}

	c.cal.EarthFieldEstimate = ema(c.cal.EarthFieldEstimate, expected, c.opts.Alpha, c.cal.EarthFieldEstimate == r3.Vector{})

	switch c.state {
	case Uncalibrated:
		c.state = AutoCalibrating
		c.estimate = r3.Vector{}
		c.spread = 0
		c.count = 0
		fallthrough

	case AutoCalibrating:
		// Residual in the soft-iron corrected space: S·m − e = S·h + noise.
		r := mulMat(c.cal.SoftIronMatrix, raw).Sub(expected)
		if c.count == 0 {
			c.estimate = r
		} else {
			c.spread += c.opts.Alpha * (r.Sub(c.estimate).Norm() - c.spread)
			c.estimate = ema(c.estimate, r, c.opts.Alpha, false)
		}
		c.count++

		if c.count >= c.opts.Samples {
			c.freeze(expected.Norm())
		}

	case Calibrated:
		ref := expected.Norm()
		if ref > 0 {
			fit := math.Abs(c.Apply(raw).Norm()-ref) / ref
			c.fitError += c.opts.Alpha * (fit - c.fitError)
			c.cal.Confidence = math.Max(confFloor, clamp01(1-c.fitError))
		}
	}

	tr.To = c.state
	return tr
}

func (c *Calibrator) freeze(refMag float64) {
	c.cal.HardIronOffset = mulMat(c.inv, c.estimate)
	c.cal.HardIronCalibrated = true

	quality := 0.0
	if refMag > 0 {
		quality = clamp01(1 - c.spread/refMag)
	}
	c.cal.Confidence = math.Max(confFloor, quality)
	c.fitError = 1 - c.cal.Confidence
	c.state = Calibrated
}

func ema(prev, next r3.Vector, alpha float64, first bool) r3.Vector {
	if first {
		return next
	}
	return prev.Add(next.Sub(prev).Mul(alpha))
}

func mulMat(m [3][3]float64, v r3.Vector) r3.Vector {
	return r3.Vector{
		X: m[0][0]*v.X + m[0][1]*v.Y + m[0][2]*v.Z,
		Y: m[1][0]*v.X + m[1][1]*v.Y + m[1][2]*v.Z,
		Z: m[2][0]*v.X + m[2][1]*v.Y + m[2][2]*v.Z,
	}
}

// invert returns m⁻¹, rejecting singular or ill-conditioned matrices.
func invert(m [3][3]float64) ([3][3]float64, error) {
	var out [3][3]float64
	a := mat.NewDense(3, 3, []float64{
		m[0][0], m[0][1], m[0][2],
		m[1][0], m[1][1], m[1][2],
		m[2][0], m[2][1], m[2][2],
	})
	for _, v := range a.RawMatrix().Data {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return out, fmt.Errorf("soft-iron matrix is not finite")
		}
	}
	if math.Abs(mat.Det(a)) < 1e-9 {
		return out, fmt.Errorf("soft-iron matrix is singular")
	}
	var inv mat.Dense
	if err := inv.Inverse(a); err != nil {
		return out, fmt.Errorf("soft-iron matrix: %w", err)
	}
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out[i][j] = inv.At(i, j)
		}
	}
	return out, nil
}

func finiteVec(v r3.Vector) bool {
	for _, x := range []float64{v.X, v.Y, v.Z} {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return false
		}
	}
	return true
}

func clamp01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}
