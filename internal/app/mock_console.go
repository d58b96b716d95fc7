// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"fmt"
	"time"

	"github.com/relabs-tech/magnetic_fusion/internal/config"
	"github.com/relabs-tech/magnetic_fusion/internal/fusion"
	"github.com/relabs-tech/magnetic_fusion/internal/geomag"
)

// RunSimConsole fuses the simulated left IMU in-process and prints the
// estimate next to the simulated truth. No broker is needed.
func RunSimConsole() error {
	cfg := config.Get()
	src := simDevices(cfg, 1)["left"]

	engine, err := fusion.New(cfg.Fusion)
	if err != nil {
		return err
	}
	ref := geomag.Reference{Horizontal: cfg.GeomagHorizontal, Vertical: cfg.GeomagVertical}
	if !ref.Valid() {
		ref = geomag.Reference{Horizontal: 20, Vertical: 45}
	}
	engine.SetReference(ref)
	engine.SetObserver(func(ev fusion.Event) {
		fmt.Printf("[EVENT] %s\n", ev.Kind)
	})

	ticker := time.NewTicker(time.Duration(cfg.IMUSampleInterval) * time.Millisecond)
	defer ticker.Stop()

	var lastPrint time.Time
	for t := range ticker.C {
		sample, err := src.Next()
		if err != nil {
			return err
		}
		out := engine.Process(sample)

		if t.Sub(lastPrint) < time.Duration(cfg.ConsoleLogInterval)*time.Millisecond {
			continue
		}
		lastPrint = t

		truth := src.Truth().Euler()
		fmt.Println(formatFused("sim", out))
		fmt.Printf("[TRUE] ROLL=%6.2f  PITCH=%6.2f  YAW=%6.2f\n", truth.Roll, truth.Pitch, truth.Yaw)
	}
	return nil
}
