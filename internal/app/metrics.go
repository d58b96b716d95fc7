package app

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/relabs-tech/magnetic_fusion/internal/fusion"
)

var (
	samplesProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fusion_samples_processed_total",
			Help: "IMU samples run through the fusion engine.",
		},
		[]string{"imu"},
	)
	samplesDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fusion_samples_dropped_total",
			Help: "IMU samples dropped because the engine queue was full.",
		},
		[]string{"imu"},
	)
	decodeErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fusion_decode_errors_total",
			Help: "MQTT payloads that could not be decoded.",
		},
		[]string{"topic"},
	)
	accelRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fusion_accel_rejected_total",
			Help: "Samples whose accelerometer reading was not trusted as gravity.",
		},
		[]string{"imu"},
	)
	orientationResets = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fusion_orientation_resets_total",
			Help: "Times the quaternion was rebuilt from the accelerometer.",
		},
		[]string{"imu"},
	)
	magState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fusion_mag_state",
			Help: "Magnetometer calibration state (0 uncalibrated, 1 auto-calibrating, 2 calibrated).",
		},
		[]string{"imu"},
	)
	magConfidence = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fusion_mag_confidence",
			Help: "Magnetometer calibration confidence, 0..1.",
		},
		[]string{"imu"},
	)
	residualMagnitude = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fusion_residual_microtesla",
			Help: "Magnitude of the latest magnetic anomaly.",
		},
		[]string{"imu"},
	)
	processLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fusion_process_seconds",
			Help:    "Time spent in Engine.Process.",
			Buckets: prometheus.ExponentialBuckets(1e-6, 4, 8),
		},
		[]string{"imu"},
	)

	registerMetricsOnce sync.Once
)

func registerMetrics() {
	registerMetricsOnce.Do(func() {
		prometheus.MustRegister(samplesProcessed)
		prometheus.MustRegister(samplesDropped)
		prometheus.MustRegister(decodeErrors)
		prometheus.MustRegister(accelRejected)
		prometheus.MustRegister(orientationResets)
		prometheus.MustRegister(magState)
		prometheus.MustRegister(magConfidence)
		prometheus.MustRegister(residualMagnitude)
		prometheus.MustRegister(processLatency)
	})
}

func recordOutput(imu string, out fusion.Output) {
	samplesProcessed.WithLabelValues(imu).Inc()
	if out.AccelRejected {
		accelRejected.WithLabelValues(imu).Inc()
	}
	magState.WithLabelValues(imu).Set(float64(out.MagState))
	magConfidence.WithLabelValues(imu).Set(out.MagConfidence)
	if out.ResidualValid {
		residualMagnitude.WithLabelValues(imu).Set(out.Residual.Magnitude)
	}
}
