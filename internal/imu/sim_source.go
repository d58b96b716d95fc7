// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package imu

import (
	"math"
	"math/rand"

	"github.com/golang/geo/r3"

	"github.com/relabs-tech/magnetic_fusion/internal/orientation"
)

// SimConfig describes a simulated device swinging inside a known magnetic field.
type SimConfig struct {
	Rate       float64   // samples per second
	Earth      r3.Vector // world-frame Earth field, µT (north, west, up)
	HardIron   r3.Vector // sensor-frame offset added to every mag reading, µT
	GyroBias   r3.Vector // constant gyro offset, deg/s
	Stationary float64   // seconds held still before moving
	AccelNoise float64   // standard deviation, g
	GyroNoise  float64   // standard deviation, deg/s
	MagNoise   float64   // standard deviation, µT
	Seed       int64
}

// SimSource generates smooth changing orientations and the readings a
// perfect IMU would report for them, plus configurable bias and noise.
type SimSource struct {
	cfg   SimConfig
	rng   *rand.Rand
	n     int
	truth orientation.Quaternion
}

var _ RawSource = (*SimSource)(nil)

// NewSimSource creates a simulated source. Rate defaults to 50 Hz.
func NewSimSource(cfg SimConfig) *SimSource {
	if cfg.Rate <= 0 {
		cfg.Rate = 50
	}
	return &SimSource{
		cfg: cfg,
		rng: rand.New(rand.NewSource(cfg.Seed)),
	}
}

// Truth returns the orientation used to synthesize the last sample.
func (s *SimSource) Truth() orientation.Quaternion { return s.truth }

// Next returns the next sample. It never fails.
func (s *SimSource) Next() (RawSample, error) {
	dt := 1 / s.cfg.Rate
	t := float64(s.n) * dt
	s.n++

	q := s.poseAt(t)
	s.truth = q

	// Body rate from the rotation between t and t+h.
	const h = 1e-4
	dq := q.Conj().Mul(s.poseAt(t + h))
	omega := r3.Vector{X: dq.X, Y: dq.Y, Z: dq.Z}.Mul(2 / h * radToDeg)
	if dq.W < 0 {
		omega = omega.Mul(-1)
	}

	accel := q.RotateToSensor(r3.Vector{Z: 1})
	mag := q.RotateToSensor(s.cfg.Earth).Add(s.cfg.HardIron)
	gyro := omega.Add(s.cfg.GyroBias)

	accel = accel.Add(s.noise(s.cfg.AccelNoise))
	gyro = gyro.Add(s.noise(s.cfg.GyroNoise))
	mag = mag.Add(s.noise(s.cfg.MagNoise))

	return RawSample{
		Ax: accel.X, Ay: accel.Y, Az: accel.Z,
		Gx: gyro.X, Gy: gyro.Y, Gz: gyro.Z,
		Mx: mag.X, My: mag.Y, Mz: mag.Z,
		T: t,
	}, nil
}

func (s *SimSource) poseAt(t float64) orientation.Quaternion {
	elapsed := t - s.cfg.Stationary
	if elapsed < 0 {
		elapsed = 0
	}
	return orientation.FromEuler(orientation.Pose{
		Roll:  20 * math.Sin(elapsed),
		Pitch: 15 * math.Cos(elapsed*0.7),
		Yaw:   math.Mod(elapsed*30, 360),
	})
}

func (s *SimSource) noise(std float64) r3.Vector {
	if std <= 0 {
		return r3.Vector{}
	}
	return r3.Vector{
		X: s.rng.NormFloat64() * std,
		Y: s.rng.NormFloat64() * std,
		Z: s.rng.NormFloat64() * std,
	}
}

const radToDeg = 180 / math.Pi
