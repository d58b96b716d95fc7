package app

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/relabs-tech/magnetic_fusion/internal/config"
	"github.com/relabs-tech/magnetic_fusion/internal/fusion"
	"github.com/relabs-tech/magnetic_fusion/internal/gps"
)

// formatFused renders one fused record as a console line.
func formatFused(name string, out fusion.Output) string {
	line := fmt.Sprintf("[FUSE %-5s] ROLL=%6.2f  PITCH=%6.2f  YAW=%6.2f  mag=%-16s conf=%.2f trust=%.2f",
		name, out.Euler.Roll, out.Euler.Pitch, out.Euler.Yaw, out.MagState, out.MagConfidence, out.MagTrust)
	if out.Motion.IsMoving {
		line += "  moving"
	}
	if out.AccelRejected {
		line += "  accel-rejected"
	}
	if out.ResidualValid {
		r := out.Residual
		line += fmt.Sprintf("  residual=(%6.2f,%6.2f,%6.2f) |%.2f| µT", r.X, r.Y, r.Z, r.Magnitude)
	}
	return line
}

// RunConsoleMQTT prints fused records and GPS fixes, at most one line per
// stream every CONSOLE_LOG_INTERVAL.
func RunConsoleMQTT() error {
	cfg := config.Get()

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.MQTTBroker).
		SetClientID(cfg.MQTTClientIDConsole)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return token.Error()
	}
	log.Printf("console: connected to MQTT broker at %s", cfg.MQTTBroker)

	interval := time.Duration(cfg.ConsoleLogInterval) * time.Millisecond
	var mu sync.Mutex
	lastPrint := make(map[string]time.Time)

	for _, sc := range cfg.Streams() {
		name, topic := sc.Name, sc.FusedTopic
		token := client.Subscribe(topic, 0, func(_ mqtt.Client, msg mqtt.Message) {
			var out fusion.Output
			if err := json.Unmarshal(msg.Payload(), &out); err != nil {
				log.Printf("console: %s unmarshal error: %v", name, err)
				return
			}

			mu.Lock()
			now := time.Now()
			due := now.Sub(lastPrint[name]) >= interval
			if due {
				lastPrint[name] = now
			}
			mu.Unlock()

			if due {
				fmt.Println(formatFused(name, out))
			}
		})
		token.Wait()
		if token.Error() != nil {
			return token.Error()
		}
		log.Printf("console: subscribed to %s", topic)
	}

	// Subscribe to GPS
	gpsToken := client.Subscribe(cfg.TopicGPS, 0, func(_ mqtt.Client, msg mqtt.Message) {
		var f gps.Fix
		if err := json.Unmarshal(msg.Payload(), &f); err != nil {
			log.Printf("console: gps unmarshal error: %v", err)
			return
		}

		fmt.Printf(
			"[GPS ]  time=%s date=%s lat=%.6f lon=%.6f alt=%.1fm sats=%d validity=%s\n",
			f.Time, f.Date, f.Latitude, f.Longitude, f.Altitude, f.Satellites, f.Validity,
		)
	})
	gpsToken.Wait()
	if gpsToken.Error() != nil {
		return gpsToken.Error()
	}
	log.Printf("console: subscribed to %s", cfg.TopicGPS)

	// Wait for Ctrl+C
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Println("console: shutting down")
	client.Disconnect(250)
	return nil
}
