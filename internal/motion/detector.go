// Package motion classifies the device as stationary or moving and learns
// the gyroscope bias while it is still.
package motion

import (
	"math"
)

// State is the outcome of one detector update.
type State struct {
	IsMoving bool    `json:"is_moving"`
	AccelStd float64 `json:"accel_std"` // g
	GyroStd  float64 `json:"gyro_std"`  // deg/s
}

// Detector keeps a sliding window of accel and gyro magnitudes and flags
// motion when either standard deviation exceeds its threshold.
type Detector struct {
	accelThreshold float64
	gyroThreshold  float64

	accel []float64
	gyro  []float64
	next  int
	count int
}

// NewDetector returns a detector over the last window samples. A window
// smaller than 2 is raised to 2.
func NewDetector(window int, accelThreshold, gyroThreshold float64) *Detector {
	if window < 2 {
		window = 2
	}
	return &Detector{
		accelThreshold: accelThreshold,
		gyroThreshold:  gyroThreshold,
		accel:          make([]float64, window),
		gyro:           make([]float64, window),
	}
}

// Update pushes one sample's magnitudes (|a| in g, |ω| in deg/s) and returns
// the current classification. With fewer than two samples both deviations
// are 0 and the device is reported stationary.
func (d *Detector) Update(accelMag, gyroMag float64) State {
	d.accel[d.next] = accelMag
	d.gyro[d.next] = gyroMag
	d.next = (d.next + 1) % len(d.accel)
	if d.count < len(d.accel) {
		d.count++
	}

	st := State{
		AccelStd: stddev(d.accel[:d.count]),
		GyroStd:  stddev(d.gyro[:d.count]),
	}
	st.IsMoving = st.AccelStd > d.accelThreshold || st.GyroStd > d.gyroThreshold
	return st
}

// Reset forgets all buffered samples.
func (d *Detector) Reset() {
	d.next = 0
	d.count = 0
}

// stddev is the population standard deviation; 0 for fewer than two values.
func stddev(x []float64) float64 {
	if len(x) < 2 {
		return 0
	}
	var sum float64
	for _, v := range x {
		sum += v
	}
	mean := sum / float64(len(x))
	var ss float64
	for _, v := range x {
		d := v - mean
		ss += d * d
	}
	return math.Sqrt(ss / float64(len(x)))
}
