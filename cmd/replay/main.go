// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package main

import (
	"context"
	"flag"
	"io"
	"log"
	"os"

	"github.com/relabs-tech/magnetic_fusion/internal/app"
	"github.com/relabs-tech/magnetic_fusion/internal/config"
	"github.com/relabs-tech/magnetic_fusion/internal/geomag"
	"github.com/relabs-tech/magnetic_fusion/internal/normalize"
	"github.com/relabs-tech/magnetic_fusion/internal/storage"
)

func main() {
	configPath := flag.String("config", "", "optional configuration file for fusion tuning and reference")
	inPath := flag.String("in", "-", "JSON-lines samples, - for stdin")
	outPath := flag.String("out", "-", "JSON-lines fused output, - for stdout")
	raw := flag.Bool("raw", false, "input holds raw counts instead of physical units")
	horizontal := flag.Float64("h", 0, "geomagnetic horizontal intensity, µT (overrides config)")
	vertical := flag.Float64("v", 0, "geomagnetic vertical intensity, µT, positive down (overrides config)")
	device := flag.String("device", "", "load the stored calibration of this IMU before replaying")
	flag.Parse()

	cfg := config.Defaults()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			log.Fatalf("failed to load config: %v", err)
		}
	}

	opts := app.ReplayOptions{Fusion: cfg.Fusion}

	ref := geomag.Reference{Horizontal: cfg.GeomagHorizontal, Vertical: cfg.GeomagVertical}
	if *horizontal != 0 || *vertical != 0 {
		ref = geomag.Reference{Horizontal: *horizontal, Vertical: *vertical}
	}
	if ref.Valid() {
		opts.Reference = &ref
	}

	if *raw {
		profile := normalize.DefaultMPU9250()
		if cfg.HardwareProfile != "" {
			p, err := normalize.LoadProfile(cfg.HardwareProfile)
			if err != nil {
				log.Fatalf("hardware profile: %v", err)
			}
			profile = p
		} else {
			p, err := profile.WithRanges(int(cfg.IMUAccelRange), int(cfg.IMUGyroRange))
			if err != nil {
				log.Fatalf("hardware profile: %v", err)
			}
			profile = p
		}
		norm, err := normalize.New(profile)
		if err != nil {
			log.Fatalf("hardware profile: %v", err)
		}
		opts.Normalizer = norm
	}

	ctx := context.Background()
	if *device != "" {
		if cfg.CalibrationStore == "" {
			log.Fatal("-device needs CALIBRATION_STORE in the config")
		}
		store, err := storage.Open(cfg.CalibrationStore)
		if err != nil {
			log.Fatalf("calibration store: %v", err)
		}
		rec, err := store.Load(ctx, *device)
		store.Close()
		if err != nil {
			log.Fatalf("load calibration for %s: %v", *device, err)
		}
		opts.Calibration = &rec.Calibration
	}

	var in io.Reader = os.Stdin
	if *inPath != "-" {
		f, err := os.Open(*inPath)
		if err != nil {
			log.Fatal(err)
		}
		defer f.Close()
		in = f
	}
	var out io.Writer = os.Stdout
	if *outPath != "-" {
		f, err := os.Create(*outPath)
		if err != nil {
			log.Fatal(err)
		}
		defer f.Close()
		out = f
	}

	stats, err := app.Replay(ctx, in, out, opts)
	if err != nil {
		log.Fatalf("replay: %v", err)
	}
	h := stats.Calibration.HardIronOffset
	log.Printf("replayed %d samples (%d skipped), magnetometer %s, hard iron (%.2f, %.2f, %.2f) µT",
		stats.Samples, stats.Skipped, stats.Final, h.X, h.Y, h.Z)
}
