// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package normalize

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ProfileVersion is the only hardware profile schema version understood.
const ProfileVersion = 1

// Profile describes how a specific IMU reports its readings.
//
// MagAxes maps each output axis (x, y, z of the accelerometer frame) to a
// signed magnetometer axis, e.g. ["+y", "+x", "-z"] for the AK8963 inside an
// MPU9250, whose magnetometer frame is rotated relative to the accel/gyro die.
type Profile struct {
	Version       int       `yaml:"version"`
	Name          string    `yaml:"name"`
	AccelLSBPerG  float64   `yaml:"accel_lsb_per_g"`
	GyroLSBPerDPS float64   `yaml:"gyro_lsb_per_dps"`
	MagLSBPerUT   float64   `yaml:"mag_lsb_per_ut"`
	MagAxes       [3]string `yaml:"mag_axes"`
}

// accelLSB and gyroLSB are indexed by the full-scale range codes used in
// the configuration (0 = ±2g / ±250°/s ... 3 = ±16g / ±2000°/s).
var (
	accelLSB = [4]float64{16384, 8192, 4096, 2048}
	gyroLSB  = [4]float64{131, 65.5, 32.8, 16.4}
)

// DefaultMPU9250 returns the profile of an MPU9250 at ±2g / ±250°/s with
// magnetometer counts published as µT×10.
func DefaultMPU9250() Profile {
	return Profile{
		Version:       ProfileVersion,
		Name:          "mpu9250",
		AccelLSBPerG:  accelLSB[0],
		GyroLSBPerDPS: gyroLSB[0],
		MagLSBPerUT:   10,
		MagAxes:       [3]string{"+y", "+x", "-z"},
	}
}

// WithRanges returns a copy of p with the accel/gyro sensitivities of the
// given full-scale range codes.
func (p Profile) WithRanges(accelRange, gyroRange int) (Profile, error) {
	if accelRange < 0 || accelRange > 3 {
		return p, fmt.Errorf("accel range %d out of range (0-3)", accelRange)
	}
	if gyroRange < 0 || gyroRange > 3 {
		return p, fmt.Errorf("gyro range %d out of range (0-3)", gyroRange)
	}
	p.AccelLSBPerG = accelLSB[accelRange]
	p.GyroLSBPerDPS = gyroLSB[gyroRange]
	return p, nil
}

// LoadProfile reads a YAML hardware profile.
func LoadProfile(path string) (Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Profile{}, fmt.Errorf("read profile %s: %w", path, err)
	}
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Profile{}, fmt.Errorf("parse profile %s: %w", path, err)
	}
	if err := p.Validate(); err != nil {
		return Profile{}, fmt.Errorf("profile %s: %w", path, err)
	}
	return p, nil
}

// Validate checks the profile for usable scale factors and a proper
// (right-handed) axis permutation.
func (p Profile) Validate() error {
	if p.Version != ProfileVersion {
		return fmt.Errorf("unsupported profile version %d (want %d)", p.Version, ProfileVersion)
	}
	if p.AccelLSBPerG <= 0 {
		return fmt.Errorf("accel_lsb_per_g must be > 0")
	}
	if p.GyroLSBPerDPS <= 0 {
		return fmt.Errorf("gyro_lsb_per_dps must be > 0")
	}
	if p.MagLSBPerUT <= 0 {
		return fmt.Errorf("mag_lsb_per_ut must be > 0")
	}
	_, err := parseAxes(p.MagAxes)
	return err
}

type axisRef struct {
	index int
	sign  float64
}

func parseAxes(spec [3]string) ([3]axisRef, error) {
	var out [3]axisRef
	var used [3]bool
	for i, s := range spec {
		s = strings.ToLower(strings.TrimSpace(s))
		if len(s) != 2 {
			return out, fmt.Errorf("mag_axes[%d]: invalid axis %q", i, spec[i])
		}
		var sign float64
		switch s[0] {
		case '+':
			sign = 1
		case '-':
			sign = -1
		default:
			return out, fmt.Errorf("mag_axes[%d]: missing sign in %q", i, spec[i])
		}
		idx := strings.IndexByte("xyz", s[1])
		if idx < 0 {
			return out, fmt.Errorf("mag_axes[%d]: invalid axis %q", i, spec[i])
		}
		if used[idx] {
			return out, fmt.Errorf("mag_axes: axis %c used twice", s[1])
		}
		used[idx] = true
		out[i] = axisRef{index: idx, sign: sign}
	}
	if remapDet(out) < 0 {
		return out, fmt.Errorf("mag_axes %v is a reflection; the remap must keep a right-handed frame", spec)
	}
	return out, nil
}

// remapDet is the determinant of the signed permutation matrix: the
// permutation's parity times the product of the signs.
func remapDet(axes [3]axisRef) float64 {
	det := axes[0].sign * axes[1].sign * axes[2].sign
	for i := 0; i < 3; i++ {
		for j := i + 1; j < 3; j++ {
			if axes[i].index > axes[j].index {
				det = -det
			}
		}
	}
	return det
}
