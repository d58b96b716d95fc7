package fusion

import (
	"fmt"

	"periph.io/x/conn/v3/physic"

	"github.com/relabs-tech/magnetic_fusion/internal/magcal"
)

// Config holds the tunables of one fusion engine.
type Config struct {
	SampleFreq physic.Frequency // nominal rate, used for the first sample's dt
	Beta       float64          // gradient-descent gain

	UseMagnetometer     bool
	MagTrust            float64 // 0 = gyro/accel only, 1 = full magnetometer weight
	MagTrustRampSamples int     // samples to ramp trust up after calibration; 0 = immediate

	GravityNominal          float64 // g
	AccelRejectionThreshold float64 // relative deviation from GravityNominal

	MotionWindow             int
	AccelStationaryThreshold float64 // std of |a|, g
	GyroStationaryThreshold  float64 // std of |ω|, deg/s
	GyroBiasMaxRate          float64 // deg/s, rate above which a sample is never "still"

	GyroCalibrationSamples int
	HardIronAutoCalSamples int
	HardIronAlpha          float64

	// SoftIron is applied before hard-iron estimation. Zero means identity.
	SoftIron [3][3]float64
}

// DefaultConfig returns the tuning used for an MPU9250 at 50 Hz.
func DefaultConfig() Config {
	return Config{
		SampleFreq:               50 * physic.Hertz,
		Beta:                     0.1,
		UseMagnetometer:          true,
		MagTrust:                 1.0,
		MagTrustRampSamples:      0,
		GravityNominal:           1.0,
		AccelRejectionThreshold:  0.3,
		MotionWindow:             10,
		AccelStationaryThreshold: 0.03,
		GyroStationaryThreshold:  1.0,
		GyroBiasMaxRate:          10,
		GyroCalibrationSamples:   50,
		HardIronAutoCalSamples:   magcal.DefaultOptions().Samples,
		HardIronAlpha:            magcal.DefaultOptions().Alpha,
		SoftIron:                 magcal.Identity3,
	}
}

// Validate reports the first invalid field.
func (c Config) Validate() error {
	if c.SampleFreq <= 0 {
		return fmt.Errorf("sample frequency must be > 0, got %s", c.SampleFreq)
	}
	if c.Beta < 0 {
		return fmt.Errorf("beta must be >= 0, got %v", c.Beta)
	}
	if c.MagTrust < 0 || c.MagTrust > 1 {
		return fmt.Errorf("mag trust must be within [0, 1], got %v", c.MagTrust)
	}
	if c.MagTrustRampSamples < 0 {
		return fmt.Errorf("mag trust ramp must be >= 0, got %d", c.MagTrustRampSamples)
	}
	if c.GravityNominal <= 0 {
		return fmt.Errorf("gravity nominal must be > 0, got %v", c.GravityNominal)
	}
	if c.AccelRejectionThreshold < 0 {
		return fmt.Errorf("accel rejection threshold must be >= 0, got %v", c.AccelRejectionThreshold)
	}
	if c.MotionWindow < 2 {
		return fmt.Errorf("motion window must be >= 2, got %d", c.MotionWindow)
	}
	if c.AccelStationaryThreshold <= 0 || c.GyroStationaryThreshold <= 0 {
		return fmt.Errorf("stationary thresholds must be > 0")
	}
	if c.GyroCalibrationSamples < 1 {
		return fmt.Errorf("gyro calibration samples must be >= 1, got %d", c.GyroCalibrationSamples)
	}
	if c.HardIronAutoCalSamples < 1 {
		return fmt.Errorf("hard-iron samples must be >= 1, got %d", c.HardIronAutoCalSamples)
	}
	if c.HardIronAlpha <= 0 || c.HardIronAlpha > 1 {
		return fmt.Errorf("hard-iron alpha must be within (0, 1], got %v", c.HardIronAlpha)
	}
	return nil
}
