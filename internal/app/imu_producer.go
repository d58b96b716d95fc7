package app

import (
	"encoding/json"
	"log"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/golang/geo/r3"
	"periph.io/x/conn/v3/physic"

	"github.com/relabs-tech/magnetic_fusion/internal/config"
	"github.com/relabs-tech/magnetic_fusion/internal/geomag"
	"github.com/relabs-tech/magnetic_fusion/internal/imu"
)

// simDevices builds one simulated IMU per stream. The right unit carries a
// different hard-iron offset so both calibrations can be told apart.
func simDevices(cfg *config.Config, seed int64) map[string]*imu.SimSource {
	earth := geomag.Reference{Horizontal: cfg.GeomagHorizontal, Vertical: cfg.GeomagVertical}
	if !earth.Valid() {
		earth = geomag.Reference{Horizontal: 20, Vertical: 45}
	}
	rate := float64(cfg.Fusion.SampleFreq) / float64(physic.Hertz)
	if cfg.IMUSampleInterval > 0 {
		rate = 1000 / float64(cfg.IMUSampleInterval)
	}

	base := imu.SimConfig{
		Rate:       rate,
		Earth:      earth.World(),
		Stationary: 3,
		AccelNoise: 0.003,
		GyroNoise:  0.05,
		MagNoise:   0.3,
	}
	left, right := base, base
	left.HardIron = r3.Vector{X: 12, Y: -7, Z: 30}
	left.GyroBias = r3.Vector{X: 0.4, Y: -0.2, Z: 0.1}
	left.Seed = seed
	right.HardIron = r3.Vector{X: -18, Y: 4, Z: -9}
	right.GyroBias = r3.Vector{X: -0.3, Y: 0.1, Z: 0.25}
	right.Seed = seed + 1

	return map[string]*imu.SimSource{
		"left":  imu.NewSimSource(left),
		"right": imu.NewSimSource(right),
	}
}

// RunSimProducer publishes simulated raw IMU counts on the raw topics, at
// IMU_SAMPLE_INTERVAL, so the fusion service can run without hardware.
func RunSimProducer() error {
	log.Println("starting magnetic-fusion simulated IMU producer")

	cfg := config.Get()
	norm, err := buildNormalizer(cfg)
	if err != nil {
		return err
	}

	// --- connect to MQTT ---
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.MQTTBroker).
		SetClientID(cfg.MQTTClientIDProducer)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return token.Error()
	}
	defer client.Disconnect(250)

	log.Println("connected to MQTT, starting publish loop")

	devices := simDevices(cfg, time.Now().UnixNano())
	streams := cfg.Streams()

	ticker := time.NewTicker(time.Duration(cfg.IMUSampleInterval) * time.Millisecond)
	defer ticker.Stop()

	var ticks int
	for t := range ticker.C {
		for _, sc := range streams {
			sample, err := devices[sc.Name].Next()
			if err != nil {
				log.Printf("%s: sim source error: %v", sc.Name, err)
				continue
			}
			raw := norm.Encode(sample, sc.Name)

			payload, err := json.Marshal(raw)
			if err != nil {
				log.Printf("%s IMU marshal error: %v", sc.Name, err)
				continue
			}
			if token := client.Publish(sc.RawTopic, 0, false, payload); token.Wait() && token.Error() != nil {
				log.Printf("MQTT publish error (%s): %v", sc.RawTopic, token.Error())
				continue
			}

			if ticks%50 == 0 {
				log.Printf("%s %s tick: accel=(%d,%d,%d) gyro=(%d,%d,%d) mag=(%d,%d,%d) |B|=%.1f µT",
					t.Format(time.RFC3339), sc.Name,
					raw.Ax, raw.Ay, raw.Az,
					raw.Gx, raw.Gy, raw.Gz,
					raw.Mx, raw.My, raw.Mz,
					sample.Mag().Norm(),
				)
			}
		}
		ticks++
	}
	return nil
}
