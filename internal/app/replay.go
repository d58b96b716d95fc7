package app

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"

	"github.com/relabs-tech/magnetic_fusion/internal/fusion"
	"github.com/relabs-tech/magnetic_fusion/internal/geomag"
	"github.com/relabs-tech/magnetic_fusion/internal/imu"
	"github.com/relabs-tech/magnetic_fusion/internal/magcal"
	"github.com/relabs-tech/magnetic_fusion/internal/normalize"
)

// ReplayOptions configures an offline run over recorded samples.
type ReplayOptions struct {
	Fusion    fusion.Config
	Reference *geomag.Reference

	// Normalizer, when set, means the input holds raw counts (imu.IMURaw)
	// instead of physical units (imu.RawSample).
	Normalizer *normalize.Normalizer

	// Calibration is loaded into the engine before the first sample.
	Calibration *magcal.Calibration
}

// ReplayStats summarizes a replay.
type ReplayStats struct {
	Samples     int
	Skipped     int // lines that did not decode
	Final       magcal.State
	Calibration magcal.Calibration
}

// Replay reads one JSON sample per line from r, runs it through a fresh
// engine and writes one fused record per line to w.
func Replay(ctx context.Context, r io.Reader, w io.Writer, opts ReplayOptions) (ReplayStats, error) {
	var stats ReplayStats

	engine, err := fusion.New(opts.Fusion)
	if err != nil {
		return stats, err
	}
	if opts.Reference != nil && !engine.SetReference(*opts.Reference) {
		return stats, fmt.Errorf("invalid geomagnetic reference %+v", *opts.Reference)
	}
	if opts.Calibration != nil {
		if err := engine.LoadCalibration(*opts.Calibration); err != nil {
			return stats, err
		}
	}

	scanner := bufio.NewScanner(r)
	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)

	line := 0
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		line++
		text := scanner.Bytes()
		if len(text) == 0 {
			continue
		}

		sample, err := decodeSample(text, opts.Normalizer)
		if err != nil {
			log.Printf("replay: line %d: %v", line, err)
			stats.Skipped++
			continue
		}

		if err := enc.Encode(engine.Process(sample)); err != nil {
			return stats, err
		}
		stats.Samples++
	}
	if err := scanner.Err(); err != nil {
		return stats, err
	}

	stats.Calibration, stats.Final = engine.Calibration()
	return stats, bw.Flush()
}

func decodeSample(b []byte, norm *normalize.Normalizer) (imu.RawSample, error) {
	if norm == nil {
		var s imu.RawSample
		err := json.Unmarshal(b, &s)
		return s, err
	}
	var raw imu.IMURaw
	if err := json.Unmarshal(b, &raw); err != nil {
		return imu.RawSample{}, err
	}
	return norm.Apply(raw), nil
}
