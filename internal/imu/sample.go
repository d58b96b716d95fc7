package imu

import (
	"math"

	"github.com/golang/geo/r3"
)

// RawSample is one sensor tick in physical units, with the magnetometer
// already remapped into the accelerometer/gyroscope frame.
//
// Timestamps must be non-decreasing across consecutive samples of one stream.
type RawSample struct {
	Ax float64 `json:"ax"` // g
	Ay float64 `json:"ay"`
	Az float64 `json:"az"`

	Gx float64 `json:"gx"` // deg/s
	Gy float64 `json:"gy"`
	Gz float64 `json:"gz"`

	Mx float64 `json:"mx"` // µT
	My float64 `json:"my"`
	Mz float64 `json:"mz"`

	T float64 `json:"t"` // monotonic seconds
}

// Accel returns the accelerometer reading as a vector (g).
func (s RawSample) Accel() r3.Vector { return r3.Vector{X: s.Ax, Y: s.Ay, Z: s.Az} }

// Gyro returns the angular rate as a vector (deg/s).
func (s RawSample) Gyro() r3.Vector { return r3.Vector{X: s.Gx, Y: s.Gy, Z: s.Gz} }

// Mag returns the magnetometer reading as a vector (µT).
func (s RawSample) Mag() r3.Vector { return r3.Vector{X: s.Mx, Y: s.My, Z: s.Mz} }

// MagValid reports whether the magnetometer reading can be used for fusion.
// Producers publish an all-zero reading when the magnetometer read failed.
func (s RawSample) MagValid() bool {
	if s.Mx == 0 && s.My == 0 && s.Mz == 0 {
		return false
	}
	return finite(s.Mx) && finite(s.My) && finite(s.Mz)
}

// RawSource yields samples in physical units.
type RawSource interface {
	Next() (RawSample, error)
}

func finite(x float64) bool {
	return !math.IsNaN(x) && !math.IsInf(x, 0)
}
