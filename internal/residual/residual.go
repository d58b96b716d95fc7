// Package residual separates the local magnetic anomaly from the Earth's field.
package residual

import (
	"github.com/golang/geo/r3"

	"github.com/relabs-tech/magnetic_fusion/internal/orientation"
)

// Field is an anomaly vector in the sensor frame, µT.
type Field struct {
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	Z         float64 `json:"z"`
	Magnitude float64 `json:"magnitude"`
}

// Vector returns the field as an r3.Vector.
func (f Field) Vector() r3.Vector { return r3.Vector{X: f.X, Y: f.Y, Z: f.Z} }

// Correct returns measurement minus the Earth field expressed in the sensor
// frame. measurement is a calibrated sensor-frame reading, earth a world-frame
// field and q the sensor-to-world orientation.
func Correct(measurement r3.Vector, q orientation.Quaternion, earth r3.Vector) r3.Vector {
	return measurement.Sub(q.RotateToSensor(earth))
}

// Extract is Correct packaged as a Field.
func Extract(measurement r3.Vector, q orientation.Quaternion, earth r3.Vector) Field {
	r := Correct(measurement, q, earth)
	return Field{X: r.X, Y: r.Y, Z: r.Z, Magnitude: r.Norm()}
}
