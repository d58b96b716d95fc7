// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package fusion turns a stream of normalized IMU samples into orientation,
// calibrated magnetic field and magnetic anomaly, one sample at a time.
package fusion

import (
	"math"
	"time"

	"github.com/golang/geo/r3"

	"github.com/relabs-tech/magnetic_fusion/internal/geomag"
	"github.com/relabs-tech/magnetic_fusion/internal/imu"
	"github.com/relabs-tech/magnetic_fusion/internal/magcal"
	"github.com/relabs-tech/magnetic_fusion/internal/motion"
	"github.com/relabs-tech/magnetic_fusion/internal/orientation"
	"github.com/relabs-tech/magnetic_fusion/internal/residual"
)

// maxDt bounds the integration step after a gap in the stream.
const maxDt = 1.0

// Engine is the per-sensor fusion pipeline. It is not safe for concurrent
// use; each sensor stream owns one engine.
type Engine struct {
	cfg       Config
	nominalDt float64

	detector *motion.Detector
	gyroBias *motion.GyroBias
	filter   *orientation.Estimator
	magCal   *magcal.Calibrator

	ref    geomag.Reference
	hasRef bool

	lastT    float64
	hasLastT bool

	calibratedFor int // samples since the magnetometer became Calibrated
	observer      Observer
}

// New validates cfg and builds an engine.
func New(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.SoftIron == ([3][3]float64{}) {
		cfg.SoftIron = magcal.Identity3
	}

	e := &Engine{
		cfg:       cfg,
		nominalDt: float64(cfg.SampleFreq.Period()) / float64(time.Second),
		detector:  motion.NewDetector(cfg.MotionWindow, cfg.AccelStationaryThreshold, cfg.GyroStationaryThreshold),
		gyroBias:  motion.NewGyroBias(cfg.GyroCalibrationSamples, cfg.GyroBiasMaxRate),
		filter:    orientation.NewEstimator(cfg.Beta, cfg.GravityNominal, cfg.AccelRejectionThreshold),
		magCal: magcal.NewCalibrator(magcal.Options{
			Samples: cfg.HardIronAutoCalSamples,
			Alpha:   cfg.HardIronAlpha,
		}),
	}
	if err := e.magCal.SetSoftIron(cfg.SoftIron); err != nil {
		return nil, err
	}
	return e, nil
}

// Config returns the engine configuration.
func (e *Engine) Config() Config { return e.cfg }

// SetObserver installs a callback for state transitions. nil disables it.
func (e *Engine) SetObserver(o Observer) { e.observer = o }

// SetReference supplies the local Earth field. Invalid references are ignored.
func (e *Engine) SetReference(ref geomag.Reference) bool {
	if !ref.Valid() {
		return false
	}
	e.ref = ref
	e.hasRef = true
	return true
}

// ClearReference forgets the Earth field; magnetometer fusion and residuals
// stop until a new reference arrives.
func (e *Engine) ClearReference() {
	e.ref = geomag.Reference{}
	e.hasRef = false
}

// Reference returns the current Earth field and whether one is set.
func (e *Engine) Reference() (geomag.Reference, bool) { return e.ref, e.hasRef }

// LoadCalibration installs a stored magnetometer calibration.
func (e *Engine) LoadCalibration(cal magcal.Calibration) error {
	before := e.magCal.State()
	if err := e.magCal.Load(cal); err != nil {
		return err
	}
	e.calibratedFor = 0
	e.notifyMag(before, e.magCal.State())
	return nil
}

// Calibration returns the current magnetometer correction and state.
func (e *Engine) Calibration() (magcal.Calibration, magcal.State) {
	return e.magCal.Calibration(), e.magCal.State()
}

// GyroBias returns the gyro bias in deg/s and whether it is calibrated.
func (e *Engine) GyroBias() (r3.Vector, bool) {
	return e.gyroBias.Bias(), e.gyroBias.Calibrated()
}

// Reset returns every stage to its construction-time state. The geomagnetic
// reference is external input and is kept.
func (e *Engine) Reset() {
	before := e.magCal.State()
	e.detector.Reset()
	e.gyroBias.Reset()
	e.filter.Reset()
	e.magCal.Reset()
	e.hasLastT = false
	e.calibratedFor = 0
	e.notify(Event{Kind: EventReset})
	e.notifyMag(before, e.magCal.State())
}

// Recalibrate discards the hard-iron offset and restarts auto-calibration.
// Orientation and gyro bias are kept.
func (e *Engine) Recalibrate() {
	before := e.magCal.State()
	e.magCal.Recalibrate()
	e.calibratedFor = 0
	e.notifyMag(before, e.magCal.State())
}

// Process runs one sample, deriving dt from its timestamp.
func (e *Engine) Process(s imu.RawSample) Output {
	dt := e.nominalDt
	if e.hasLastT {
		d := s.T - e.lastT
		if d > 0 && !math.IsInf(d, 0) {
			dt = math.Min(d, maxDt)
		}
	}
	if !math.IsNaN(s.T) && !math.IsInf(s.T, 0) {
		e.lastT = s.T
		e.hasLastT = true
	}
	return e.ProcessDT(s, dt)
}

// ProcessDT runs one sample with an explicit step in seconds.
func (e *Engine) ProcessDT(s imu.RawSample, dt float64) Output {
	out := Output{RawSample: s}

	accel := s.Accel()
	gyro := s.Gyro()

	// A corrupt reading never enters the motion window or the bias average.
	if finiteVec(accel) && finiteVec(gyro) {
		out.Motion = e.detector.Update(accel.Norm(), gyro.Norm())
	} else {
		out.Motion = motion.State{IsMoving: true}
	}
	if e.gyroBias.Update(gyro, !out.Motion.IsMoving) {
		e.notify(Event{Kind: EventGyroBiasCalibrated, GyroBias: e.gyroBias.Bias()})
	}
	out.GyroBiasCalibrated = e.gyroBias.Calibrated()
	rate := e.gyroBias.Correct(gyro).Mul(math.Pi / 180)

	magValid := s.MagValid()
	rawMag := s.Mag()

	trust := e.effectiveTrust()
	res := e.filter.Update(orientation.Input{
		Gyro:     rate,
		Accel:    accel,
		Mag:      e.magCal.Apply(rawMag),
		MagValid: magValid && trust > 0,
		MagRef:   e.ref.World(),
		MagTrust: trust,
		Dt:       dt,
	})
	if res.Reinitialized {
		e.notify(Event{Kind: EventOrientationReinitialized})
	}

	q := e.filter.Quaternion()
	out.Quaternion = q
	out.Euler = q.Euler()
	out.AccelRejected = res.AccelRejected
	out.MagFused = res.MagUsed
	out.MagTrust = trust

	if magValid && e.hasRef {
		expected := q.RotateToSensor(e.ref.World())
		tr := e.magCal.Observe(rawMag, expected, e.filter.Updates() > 0)
		e.notifyMag(tr.From, tr.To)
	}
	if e.magCal.State() == magcal.Calibrated {
		e.calibratedFor++
	}

	if magValid {
		cm := e.magCal.Apply(rawMag)
		out.CalibratedMx, out.CalibratedMy, out.CalibratedMz = cm.X, cm.Y, cm.Z
		if e.hasRef && e.magCal.State() == magcal.Calibrated {
			out.Residual = residual.Extract(cm, q, e.ref.World())
			out.ResidualValid = true
		}
	}

	out.MagState = e.magCal.State()
	out.MagConfidence = e.magCal.Confidence()
	return out
}

// effectiveTrust is the magnetometer weight for the next step: zero until the
// magnetometer is calibrated against a reference, then the configured trust,
// optionally ramped in.
func (e *Engine) effectiveTrust() float64 {
	if !e.cfg.UseMagnetometer || !e.hasRef || e.magCal.State() != magcal.Calibrated {
		return 0
	}
	trust := e.cfg.MagTrust
	if n := e.cfg.MagTrustRampSamples; n > 0 && e.calibratedFor < n {
		trust *= float64(e.calibratedFor) / float64(n)
	}
	return trust
}

func (e *Engine) notifyMag(from, to magcal.State) {
	if from == to {
		return
	}
	if to == magcal.Calibrated {
		e.calibratedFor = 0
	}
	e.notify(Event{
		Kind:        EventMagStateChanged,
		From:        from,
		To:          to,
		Calibration: e.magCal.Calibration(),
	})
}

func (e *Engine) notify(ev Event) {
	if e.observer != nil {
		e.observer(ev)
	}
}

func finiteVec(v r3.Vector) bool {
	for _, x := range []float64{v.X, v.Y, v.Z} {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return false
		}
	}
	return true
}
