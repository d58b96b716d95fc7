// Package geomag supplies the expected Earth magnetic field for a location.
//
// Field models are not computed here; references come from a fixed value or
// from a precomputed table keyed by position.
package geomag

import (
	"errors"
	"math"

	"github.com/golang/geo/r3"
)

// ErrNoCoverage is returned when a provider has no reference near the requested position.
var ErrNoCoverage = errors.New("geomag: no reference for position")

// Reference is the local Earth field in µT. Vertical is positive downward,
// as published by field models (positive in the northern hemisphere).
type Reference struct {
	Horizontal float64 `json:"horizontal" yaml:"horizontal"`
	Vertical   float64 `json:"vertical" yaml:"vertical"`
}

// World returns the field in the world frame (x north, y west, z up).
func (r Reference) World() r3.Vector {
	return r3.Vector{X: r.Horizontal, Y: 0, Z: -r.Vertical}
}

// Magnitude returns the total field intensity.
func (r Reference) Magnitude() float64 {
	return math.Hypot(r.Horizontal, r.Vertical)
}

// Inclination returns the dip angle in degrees, positive downward.
func (r Reference) Inclination() float64 {
	return math.Atan2(r.Vertical, r.Horizontal) * 180 / math.Pi
}

// Valid reports whether the reference is finite and non-zero.
func (r Reference) Valid() bool {
	if math.IsNaN(r.Horizontal) || math.IsInf(r.Horizontal, 0) ||
		math.IsNaN(r.Vertical) || math.IsInf(r.Vertical, 0) {
		return false
	}
	return r.Magnitude() > 0
}

// Provider looks up the reference for a position in decimal degrees.
type Provider interface {
	Lookup(lat, lon float64) (Reference, error)
}

// Static always returns the same reference.
type Static struct {
	Ref Reference
}

// Lookup implements Provider.
func (s Static) Lookup(lat, lon float64) (Reference, error) {
	if !s.Ref.Valid() {
		return Reference{}, ErrNoCoverage
	}
	return s.Ref, nil
}
