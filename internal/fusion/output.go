package fusion

import (
	"encoding/json"
	"fmt"

	"github.com/golang/geo/r3"

	"github.com/relabs-tech/magnetic_fusion/internal/imu"
	"github.com/relabs-tech/magnetic_fusion/internal/magcal"
	"github.com/relabs-tech/magnetic_fusion/internal/motion"
	"github.com/relabs-tech/magnetic_fusion/internal/orientation"
	"github.com/relabs-tech/magnetic_fusion/internal/residual"
)

// Output is the result of processing one sample. The input sample is
// embedded so consumers see raw and derived values side by side.
type Output struct {
	imu.RawSample

	Quaternion orientation.Quaternion `json:"quaternion"`
	Euler      orientation.Pose       `json:"euler"`

	// Hard/soft-iron corrected field, µT. Zero when the reading was invalid.
	CalibratedMx float64 `json:"calibrated_mx"`
	CalibratedMy float64 `json:"calibrated_my"`
	CalibratedMz float64 `json:"calibrated_mz"`

	// Residual is meaningful only when ResidualValid.
	Residual      residual.Field `json:"-"`
	ResidualValid bool           `json:"-"`

	Motion             motion.State `json:"motion_state"`
	GyroBiasCalibrated bool         `json:"gyro_bias_calibrated"`
	MagState           magcal.State `json:"mag_state"`
	MagConfidence      float64      `json:"mag_confidence"`
	MagTrust           float64      `json:"mag_trust"`
	MagFused           bool         `json:"mag_fused"`
	AccelRejected      bool         `json:"accel_rejected"`
}

// CalibratedMag returns the corrected field as a vector.
func (o Output) CalibratedMag() r3.Vector {
	return r3.Vector{X: o.CalibratedMx, Y: o.CalibratedMy, Z: o.CalibratedMz}
}

type plainOutput Output

type outputJSON struct {
	plainOutput
	FusedMx           *float64 `json:"fused_mx"`
	FusedMy           *float64 `json:"fused_my"`
	FusedMz           *float64 `json:"fused_mz"`
	ResidualMagnitude *float64 `json:"residual_magnitude"`
}

// MarshalJSON flattens the sample and reports the residual as fused_m* and
// residual_magnitude, null while the residual is not valid.
func (o Output) MarshalJSON() ([]byte, error) {
	j := outputJSON{plainOutput: plainOutput(o)}
	if o.ResidualValid {
		r := o.Residual
		j.FusedMx, j.FusedMy, j.FusedMz, j.ResidualMagnitude = &r.X, &r.Y, &r.Z, &r.Magnitude
	}
	return json.Marshal(j)
}

// UnmarshalJSON is the inverse of MarshalJSON.
func (o *Output) UnmarshalJSON(b []byte) error {
	var j outputJSON
	if err := json.Unmarshal(b, &j); err != nil {
		return fmt.Errorf("decode fusion output: %w", err)
	}
	*o = Output(j.plainOutput)
	if j.FusedMx != nil && j.FusedMy != nil && j.FusedMz != nil {
		o.Residual = residual.Field{X: *j.FusedMx, Y: *j.FusedMy, Z: *j.FusedMz}
		if j.ResidualMagnitude != nil {
			o.Residual.Magnitude = *j.ResidualMagnitude
		}
		o.ResidualValid = true
	}
	return nil
}
