package motion

import (
	"github.com/golang/geo/r3"
)

// GyroBias averages the gyroscope over a run of consecutive stationary
// samples and freezes the mean as the bias once the run is long enough.
//
// Until then the bias is zero. Any moving sample restarts the run.
type GyroBias struct {
	required int
	maxRate  float64

	sum   r3.Vector
	count int

	bias       r3.Vector
	calibrated bool
}

// NewGyroBias returns an estimator that needs required consecutive
// stationary samples. Samples whose rate magnitude exceeds maxRate (deg/s)
// count as motion even when the detector reports the device still; a
// constant-rate rotation has a steady magnitude. maxRate <= 0 disables it.
func NewGyroBias(required int, maxRate float64) *GyroBias {
	if required < 1 {
		required = 1
	}
	return &GyroBias{required: required, maxRate: maxRate}
}

// Update feeds one raw gyro reading (deg/s). It returns true exactly once,
// on the sample that completes calibration.
func (g *GyroBias) Update(gyro r3.Vector, stationary bool) bool {
	if g.calibrated {
		return false
	}
	if !stationary || (g.maxRate > 0 && gyro.Norm() > g.maxRate) {
		g.sum = r3.Vector{}
		g.count = 0
		return false
	}

	g.sum = g.sum.Add(gyro)
	g.count++
	if g.count < g.required {
		return false
	}

	g.bias = g.sum.Mul(1 / float64(g.count))
	g.calibrated = true
	return true
}

// Correct subtracts the current bias.
func (g *GyroBias) Correct(gyro r3.Vector) r3.Vector {
	return gyro.Sub(g.bias)
}

// Bias returns the frozen bias, or zero before calibration.
func (g *GyroBias) Bias() r3.Vector { return g.bias }

// Calibrated reports whether the bias has been frozen.
func (g *GyroBias) Calibrated() bool { return g.calibrated }

// StationaryCount returns the length of the current stationary run.
func (g *GyroBias) StationaryCount() int { return g.count }

// Reset discards the bias and restarts accumulation.
func (g *GyroBias) Reset() {
	*g = GyroBias{required: g.required, maxRate: g.maxRate}
}
