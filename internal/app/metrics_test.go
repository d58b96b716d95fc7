package app

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/relabs-tech/magnetic_fusion/internal/fusion"
	"github.com/relabs-tech/magnetic_fusion/internal/magcal"
	"github.com/relabs-tech/magnetic_fusion/internal/residual"
)

func TestRecordOutput(t *testing.T) {
	const imu = "metrics-test"

	recordOutput(imu, fusion.Output{MagState: magcal.AutoCalibrating, AccelRejected: true})
	recordOutput(imu, fusion.Output{
		MagState:      magcal.Calibrated,
		MagConfidence: 0.8,
		Residual:      residual.Field{X: 3, Y: 4, Magnitude: 5},
		ResidualValid: true,
	})
	// An invalid residual leaves the last published magnitude in place.
	recordOutput(imu, fusion.Output{MagState: magcal.Calibrated, MagConfidence: 0.9})

	tests := []struct {
		name string
		got  float64
		want float64
	}{
		{"processed", testutil.ToFloat64(samplesProcessed.WithLabelValues(imu)), 3},
		{"accel rejected", testutil.ToFloat64(accelRejected.WithLabelValues(imu)), 1},
		{"mag state", testutil.ToFloat64(magState.WithLabelValues(imu)), float64(magcal.Calibrated)},
		{"confidence", testutil.ToFloat64(magConfidence.WithLabelValues(imu)), 0.9},
		{"residual", testutil.ToFloat64(residualMagnitude.WithLabelValues(imu)), 5},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
		}
	}
}
