// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package normalize converts raw sensor counts into physical units and a
// single right-handed sensor frame.
package normalize

import (
	"math"

	"github.com/relabs-tech/magnetic_fusion/internal/imu"
)

// Normalizer applies a validated Profile. It is immutable and safe for
// concurrent use.
type Normalizer struct {
	profile Profile
	axes    [3]axisRef
}

// New builds a Normalizer for p.
func New(p Profile) (*Normalizer, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	axes, _ := parseAxes(p.MagAxes)
	return &Normalizer{profile: p, axes: axes}, nil
}

// Profile returns the profile in use.
func (n *Normalizer) Profile() Profile { return n.profile }

// Apply converts counts to g, deg/s and µT, with the magnetometer remapped
// into the accelerometer frame. The timestamp is passed through.
func (n *Normalizer) Apply(r imu.IMURaw) imu.RawSample {
	p := n.profile
	m := [3]float64{float64(r.Mx), float64(r.My), float64(r.Mz)}

	return imu.RawSample{
		Ax: float64(r.Ax) / p.AccelLSBPerG,
		Ay: float64(r.Ay) / p.AccelLSBPerG,
		Az: float64(r.Az) / p.AccelLSBPerG,

		Gx: float64(r.Gx) / p.GyroLSBPerDPS,
		Gy: float64(r.Gy) / p.GyroLSBPerDPS,
		Gz: float64(r.Gz) / p.GyroLSBPerDPS,

		Mx: n.axes[0].sign * m[n.axes[0].index] / p.MagLSBPerUT,
		My: n.axes[1].sign * m[n.axes[1].index] / p.MagLSBPerUT,
		Mz: n.axes[2].sign * m[n.axes[2].index] / p.MagLSBPerUT,

		T: r.T,
	}
}

// Encode is the inverse of Apply: it turns physical readings back into
// counts, saturating at the int16 limits. Used by simulated producers.
func (n *Normalizer) Encode(s imu.RawSample, source string) imu.IMURaw {
	p := n.profile
	out := imu.IMURaw{
		Source: source,
		Ax:     toCount(s.Ax * p.AccelLSBPerG),
		Ay:     toCount(s.Ay * p.AccelLSBPerG),
		Az:     toCount(s.Az * p.AccelLSBPerG),
		Gx:     toCount(s.Gx * p.GyroLSBPerDPS),
		Gy:     toCount(s.Gy * p.GyroLSBPerDPS),
		Gz:     toCount(s.Gz * p.GyroLSBPerDPS),
		T:      s.T,
	}

	phys := [3]float64{s.Mx, s.My, s.Mz}
	var counts [3]int16
	for i, a := range n.axes {
		counts[a.index] = toCount(a.sign * phys[i] * p.MagLSBPerUT)
	}
	out.Mx, out.My, out.Mz = counts[0], counts[1], counts[2]
	return out
}

func toCount(v float64) int16 {
	v = math.Round(v)
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}
