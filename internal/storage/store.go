// Package storage persists magnetometer calibrations between runs.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang/geo/r3"

	"github.com/relabs-tech/magnetic_fusion/internal/magcal"
)

// ErrNotFound is returned by Load when no calibration exists for a device.
var ErrNotFound = errors.New("storage: calibration not found")

// ErrClosed is returned by Load and Save after Close.
var ErrClosed = errors.New("storage: store is closed")

const schemaVersion = 1

// Record is a calibration stored for one device (e.g. "left").
type Record struct {
	Device       string
	Calibration  magcal.Calibration
	CalibratedAt time.Time
}

// CalibrationStore loads and saves calibrations.
//
// Implementations must be safe for concurrent use: every sensor stream saves
// its own record from its own goroutine.
type CalibrationStore interface {
	// Load returns the latest calibration of device, or ErrNotFound.
	Load(ctx context.Context, device string) (*Record, error)

	// Save replaces the calibration of rec.Device.
	Save(ctx context.Context, rec *Record) error

	// Close releases resources. The store must not be used afterwards.
	Close() error
}

// Open selects a store from a location string: "sqlite:<path>" opens a
// SQLite database, anything else is a directory of JSON files.
func Open(location string) (CalibrationStore, error) {
	if path, ok := strings.CutPrefix(location, "sqlite:"); ok {
		if path == "" {
			return nil, fmt.Errorf("empty sqlite path")
		}
		return NewSqliteStore(path), nil
	}
	if location == "" {
		return nil, fmt.Errorf("empty store location")
	}
	return NewFileStore(location)
}

// calibrationDoc is the on-disk JSON form shared by both stores.
type calibrationDoc struct {
	SchemaVersion      int           `json:"schema_version"`
	Device             string        `json:"device"`
	CalibratedAt       time.Time     `json:"calibrated_at"`
	HardIronOffset     [3]float64    `json:"hard_iron_offset"`
	SoftIronMatrix     [3][3]float64 `json:"soft_iron_matrix"`
	EarthFieldEstimate [3]float64    `json:"earth_field_estimate"`
	HardIronCalibrated bool          `json:"hard_iron_calibrated"`
	SoftIronCalibrated bool          `json:"soft_iron_calibrated"`
	Confidence         float64       `json:"confidence"`
}

func toDoc(rec *Record) calibrationDoc {
	c := rec.Calibration
	return calibrationDoc{
		SchemaVersion:      schemaVersion,
		Device:             rec.Device,
		CalibratedAt:       rec.CalibratedAt.UTC(),
		HardIronOffset:     [3]float64{c.HardIronOffset.X, c.HardIronOffset.Y, c.HardIronOffset.Z},
		SoftIronMatrix:     c.SoftIronMatrix,
		EarthFieldEstimate: [3]float64{c.EarthFieldEstimate.X, c.EarthFieldEstimate.Y, c.EarthFieldEstimate.Z},
		HardIronCalibrated: c.HardIronCalibrated,
		SoftIronCalibrated: c.SoftIronCalibrated,
		Confidence:         c.Confidence,
	}
}

func fromDoc(d calibrationDoc) (*Record, error) {
	if d.SchemaVersion != schemaVersion {
		return nil, fmt.Errorf("unsupported calibration schema version %d", d.SchemaVersion)
	}
	return &Record{
		Device:       d.Device,
		CalibratedAt: d.CalibratedAt,
		Calibration: magcal.Calibration{
			HardIronOffset:     r3.Vector{X: d.HardIronOffset[0], Y: d.HardIronOffset[1], Z: d.HardIronOffset[2]},
			SoftIronMatrix:     d.SoftIronMatrix,
			EarthFieldEstimate: r3.Vector{X: d.EarthFieldEstimate[0], Y: d.EarthFieldEstimate[1], Z: d.EarthFieldEstimate[2]},
			HardIronCalibrated: d.HardIronCalibrated,
			SoftIronCalibrated: d.SoftIronCalibrated,
			Confidence:         d.Confidence,
		},
	}, nil
}

func validDevice(device string) error {
	if device == "" {
		return fmt.Errorf("empty device name")
	}
	if strings.ContainsAny(device, `/\.`) {
		return fmt.Errorf("invalid device name %q", device)
	}
	return nil
}

func closeWithError(cl interface{ Close() error }, err *error) {
	if cErr := cl.Close(); cErr != nil && *err == nil {
		*err = cErr
	}
}
