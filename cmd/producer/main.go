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

	log.Println("starting magnetic-fusion simulated IMU producer (sim → MQTT)")

	// Load configuration
	if err := config.InitGlobal(*configPath); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	if err := app.RunSimProducer(); err != nil {
		log.Fatalf("fatal: %v", err)
	}
}
