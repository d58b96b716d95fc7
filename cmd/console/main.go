// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package main

import (
	"flag"
	"log"

	"github.com/relabs-tech/magnetic_fusion/internal/app"
	"github.com/relabs-tech/magnetic_fusion/internal/config"
)

func main() {
	configPath := flag.String("config", "./magnetic_fusion_config.txt", "path to configuration file")
	flag.Parse()

	log.Println("starting magnetic-fusion (simulated console)")

	// Load configuration
	if err := config.InitGlobal(*configPath); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	if err := app.RunSimConsole(); err != nil {
		log.Fatalf("fatal: %v", err)
	}
}
