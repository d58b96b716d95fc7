// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	serial "github.com/jacobsa/go-serial/serial"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/relabs-tech/magnetic_fusion/internal/config"
	"github.com/relabs-tech/magnetic_fusion/internal/fusion"
	"github.com/relabs-tech/magnetic_fusion/internal/geomag"
	"github.com/relabs-tech/magnetic_fusion/internal/gps"
	"github.com/relabs-tech/magnetic_fusion/internal/imu"
	"github.com/relabs-tech/magnetic_fusion/internal/magcal"
	"github.com/relabs-tech/magnetic_fusion/internal/normalize"
	"github.com/relabs-tech/magnetic_fusion/internal/storage"
)

// RunFusionService subscribes to raw IMU topics, runs one fusion engine per
// IMU and publishes the fused records until SIGINT/SIGTERM.
func RunFusionService() error {
	cfg := config.Get()
	registerMetrics()

	// ---- 1) Normalization profile ----
	norm, err := buildNormalizer(cfg)
	if err != nil {
		return err
	}
	log.Printf("fusion: hardware profile %q (accel %.0f LSB/g, gyro %.1f LSB/(deg/s))",
		norm.Profile().Name, norm.Profile().AccelLSBPerG, norm.Profile().GyroLSBPerDPS)

	ctx, cancel := context.WithCancel(context.Background())
	var running sync.WaitGroup

	// ---- 2) Calibration store ----
	var store storage.CalibrationStore
	var saver *calibrationSaver
	if cfg.CalibrationStore != "" {
		store, err = storage.Open(cfg.CalibrationStore)
		if err != nil {
			cancel()
			return fmt.Errorf("calibration store: %w", err)
		}
		saver = &calibrationSaver{store: store}
	}
	defer shutdown(cancel, &running, saver)

	// ---- 3) One engine per stream ----
	static := geomag.Static{Ref: geomag.Reference{Horizontal: cfg.GeomagHorizontal, Vertical: cfg.GeomagVertical}}
	streams := make(map[string]*stream)
	topics := make(map[string]*stream)
	for _, sc := range cfg.Streams() {
		engine, err := fusion.New(cfg.Fusion)
		if err != nil {
			return fmt.Errorf("%s engine: %w", sc.Name, err)
		}
		if ref, err := static.Lookup(0, 0); err == nil {
			engine.SetReference(ref)
		}
		if store != nil {
			loadCalibration(ctx, store, sc.Name, engine)
		}

		s := newStream(sc.Name, engine, norm)
		if saver != nil {
			s.onCalibrated = saver.saveFunc(sc.Name)
		}
		streams[sc.Name] = s
		topics[sc.RawTopic] = s
	}

	// ---- 4) MQTT ----
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.MQTTBroker).
		SetClientID(cfg.MQTTClientIDFusion)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return token.Error()
	}
	defer client.Disconnect(250)
	log.Printf("fusion: connected to MQTT broker at %s", cfg.MQTTBroker)

	for _, sc := range cfg.Streams() {
		s, fusedTopic := streams[sc.Name], sc.FusedTopic
		s.publish = func(out fusion.Output) {
			payload, err := json.Marshal(out)
			if err != nil {
				log.Printf("fusion: %s: json marshal error: %v", s.name, err)
				return
			}
			client.Publish(fusedTopic, 0, false, payload)
		}
		running.Add(1)
		go func() {
			defer running.Done()
			s.run(ctx)
		}()
	}

	for topic, s := range topics {
		s := s
		token := client.Subscribe(topic, 0, func(_ mqtt.Client, msg mqtt.Message) {
			var raw imu.IMURaw
			if err := json.Unmarshal(msg.Payload(), &raw); err != nil {
				decodeErrors.WithLabelValues(msg.Topic()).Inc()
				return
			}
			s.enqueue(raw)
		})
		token.Wait()
		if token.Error() != nil {
			return token.Error()
		}
		log.Printf("fusion: %s: subscribed to %s", s.name, topic)
	}

	if cfg.TopicControl != "" {
		token := client.Subscribe(cfg.TopicControl, 0, func(_ mqtt.Client, msg mqtt.Message) {
			var cmd Command
			if err := json.Unmarshal(msg.Payload(), &cmd); err != nil {
				decodeErrors.WithLabelValues(msg.Topic()).Inc()
				return
			}
			cctx, ccancel := context.WithTimeout(ctx, 2*time.Second)
			defer ccancel()
			if err := applyCommand(cctx, cmd, streams); err != nil {
				log.Printf("fusion: command %q: %v", cmd.Action, err)
				return
			}
			log.Printf("fusion: command %q applied (imu=%q)", cmd.Action, cmd.IMU)
		})
		token.Wait()
		if token.Error() != nil {
			return token.Error()
		}
	}

	// ---- 5) Geomagnetic reference from GPS ----
	provider, err := buildProvider(cfg, static)
	if err != nil {
		return err
	}
	feed := &geomagFeed{provider: provider, streams: streams}
	if err := startGPSFeed(ctx, cfg, client, feed); err != nil {
		return err
	}

	// ---- 6) Metrics ----
	if cfg.MetricsPort > 0 {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.MetricsPort), Handler: mux}
		go func() {
			log.Printf("fusion: metrics on %s/metrics", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("fusion: metrics server: %v", err)
			}
		}()
		defer srv.Close()
	}

	// ---- 7) Wait for shutdown, logging status periodically ----
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	status := time.NewTicker(10 * time.Second)
	defer status.Stop()
	for {
		select {
		case <-sigCh:
			log.Println("fusion: shutting down")
			return nil
		case <-status.C:
			for _, sc := range cfg.Streams() {
				streams[sc.Name].logStatus()
			}
		}
	}
}

func buildNormalizer(cfg *config.Config) (*normalize.Normalizer, error) {
	profile := normalize.DefaultMPU9250()
	if cfg.HardwareProfile != "" {
		p, err := normalize.LoadProfile(cfg.HardwareProfile)
		if err != nil {
			return nil, err
		}
		profile = p
	} else {
		p, err := profile.WithRanges(int(cfg.IMUAccelRange), int(cfg.IMUGyroRange))
		if err != nil {
			return nil, err
		}
		profile = p
	}
	return normalize.New(profile)
}

// buildProvider prefers the table when configured and falls back to the
// static reference. A nil provider leaves the GPS feed idle.
func buildProvider(cfg *config.Config, static geomag.Static) (geomag.Provider, error) {
	if cfg.GeomagTable != "" {
		t, err := geomag.LoadTable(cfg.GeomagTable)
		if err != nil {
			return nil, err
		}
		log.Printf("geomag: loaded %d table entries from %s", t.Len(), cfg.GeomagTable)
		return t, nil
	}
	if static.Ref.Valid() {
		return static, nil
	}
	return nil, nil
}

// startGPSFeed reads NMEA from the serial port when one is configured,
// otherwise follows fixes published by the GPS producer.
func startGPSFeed(ctx context.Context, cfg *config.Config, client mqtt.Client, feed *geomagFeed) error {
	if feed.provider == nil {
		return nil
	}
	if _, ok := feed.provider.(geomag.Static); ok {
		// A fixed reference does not depend on position.
		return nil
	}

	if cfg.GPSSerialPort != "" {
		port, err := serial.Open(serial.OpenOptions{
			PortName:        cfg.GPSSerialPort,
			BaudRate:        uint(cfg.GPSBaudRate),
			DataBits:        8,
			StopBits:        1,
			MinimumReadSize: 1,
			ParityMode:      serial.PARITY_NONE,
		})
		if err != nil {
			return fmt.Errorf("open GPS serial port: %w", err)
		}
		log.Printf("geomag: GPS serial port opened on %s at %d baud", cfg.GPSSerialPort, cfg.GPSBaudRate)
		go func() {
			defer port.Close()
			if err := feed.run(ctx, gps.NewFixReader(port)); err != nil && ctx.Err() == nil {
				log.Printf("geomag: GPS read error: %v", err)
			}
		}()
		return nil
	}

	if cfg.TopicGPS == "" {
		return nil
	}
	fixes := make(chan gps.Fix, 4)
	token := client.Subscribe(cfg.TopicGPS, 0, func(_ mqtt.Client, msg mqtt.Message) {
		var fix gps.Fix
		if err := json.Unmarshal(msg.Payload(), &fix); err != nil {
			decodeErrors.WithLabelValues(msg.Topic()).Inc()
			return
		}
		select {
		case fixes <- fix:
		default:
		}
	})
	token.Wait()
	if token.Error() != nil {
		return token.Error()
	}
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case fix := <-fixes:
				feed.onFix(ctx, fix)
			}
		}
	}()
	log.Printf("geomag: following GPS fixes on %s", cfg.TopicGPS)
	return nil
}

func loadCalibration(ctx context.Context, store storage.CalibrationStore, device string, engine *fusion.Engine) {
	rec, err := store.Load(ctx, device)
	if errors.Is(err, storage.ErrNotFound) {
		log.Printf("fusion: %s: no stored calibration, will auto-calibrate", device)
		return
	}
	if err != nil {
		log.Printf("fusion: %s: loading calibration: %v", device, err)
		return
	}
	if err := engine.LoadCalibration(rec.Calibration); err != nil {
		log.Printf("fusion: %s: stored calibration rejected: %v", device, err)
		return
	}
	log.Printf("fusion: %s: loaded calibration from %s (confidence %.2f)",
		device, rec.CalibratedAt.Format(time.RFC3339), rec.Calibration.Confidence)
}

// calibrationSaver persists calibrations off the stream goroutines.
type calibrationSaver struct {
	store storage.CalibrationStore
	wg    sync.WaitGroup
}

// saveFunc returns the onCalibrated hook for device. Saves use their own
// deadline so a calibration finished during shutdown is still written.
func (c *calibrationSaver) saveFunc(device string) func(magcal.Calibration) {
	return func(cal magcal.Calibration) {
		rec := &storage.Record{Device: device, Calibration: cal, CalibratedAt: time.Now()}
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := c.store.Save(sctx, rec); err != nil {
				log.Printf("fusion: %s: saving calibration: %v", device, err)
				return
			}
			log.Printf("fusion: %s: calibration saved", device)
		}()
	}
}

// close waits for pending saves, then closes the store. No saveFunc hook may
// run once close has been called.
func (c *calibrationSaver) close() error {
	c.wg.Wait()
	return c.store.Close()
}

// shutdown stops the stream goroutines before the store goes away: cancel,
// wait for the streams, then flush and close the calibration store.
func shutdown(cancel context.CancelFunc, running *sync.WaitGroup, saver *calibrationSaver) {
	cancel()
	running.Wait()
	if saver == nil {
		return
	}
	if err := saver.close(); err != nil {
		log.Printf("fusion: closing calibration store: %v", err)
	}
}
