package app

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/relabs-tech/magnetic_fusion/internal/fusion"
	"github.com/relabs-tech/magnetic_fusion/internal/geomag"
	"github.com/relabs-tech/magnetic_fusion/internal/imu"
	"github.com/relabs-tech/magnetic_fusion/internal/magcal"
	"github.com/relabs-tech/magnetic_fusion/internal/normalize"
)

const streamQueueSize = 256

// stream owns one engine and is the only goroutine that touches it.
// Samples and control functions arrive over channels.
type stream struct {
	name   string
	engine *fusion.Engine
	norm   *normalize.Normalizer

	samples chan imu.IMURaw
	control chan func(*fusion.Engine)

	publish      func(fusion.Output)
	onCalibrated func(magcal.Calibration)

	mu        sync.RWMutex
	last      fusion.Output
	haveLast  bool
	processed uint64
	dropped   uint64
}

func newStream(name string, engine *fusion.Engine, norm *normalize.Normalizer) *stream {
	s := &stream{
		name:    name,
		engine:  engine,
		norm:    norm,
		samples: make(chan imu.IMURaw, streamQueueSize),
		control: make(chan func(*fusion.Engine), 8),
	}
	engine.SetObserver(s.observe)
	return s
}

// enqueue hands a raw sample to the stream without blocking the MQTT
// callback. Samples are dropped when the engine falls behind.
func (s *stream) enqueue(raw imu.IMURaw) bool {
	select {
	case s.samples <- raw:
		return true
	default:
		s.mu.Lock()
		s.dropped++
		s.mu.Unlock()
		samplesDropped.WithLabelValues(s.name).Inc()
		return false
	}
}

// do runs fn on the stream goroutine and waits for it.
func (s *stream) do(ctx context.Context, fn func(*fusion.Engine)) error {
	done := make(chan struct{})
	wrapped := func(e *fusion.Engine) {
		fn(e)
		close(done)
	}
	select {
	case s.control <- wrapped:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *stream) setReference(ctx context.Context, ref geomag.Reference) error {
	return s.do(ctx, func(e *fusion.Engine) {
		if e.SetReference(ref) {
			log.Printf("fusion: %s: geomagnetic reference H=%.1f µT V=%.1f µT", s.name, ref.Horizontal, ref.Vertical)
		}
	})
}

func (s *stream) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return

		case fn := <-s.control:
			fn(s.engine)

		case raw := <-s.samples:
			start := time.Now()
			out := s.engine.Process(s.norm.Apply(raw))
			processLatency.WithLabelValues(s.name).Observe(time.Since(start).Seconds())
			recordOutput(s.name, out)

			s.mu.Lock()
			s.last = out
			s.haveLast = true
			s.processed++
			s.mu.Unlock()

			if s.publish != nil {
				s.publish(out)
			}
		}
	}
}

func (s *stream) latest() (fusion.Output, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last, s.haveLast
}

func (s *stream) logStatus() {
	s.mu.RLock()
	processed, dropped, out, ok := s.processed, s.dropped, s.last, s.haveLast
	s.mu.RUnlock()
	if !ok {
		log.Printf("fusion: %s: waiting for samples", s.name)
		return
	}
	log.Printf("fusion: %s: %s samples (%s dropped), mag %s conf=%.2f trust=%.2f",
		s.name, humanize.Comma(int64(processed)), humanize.Comma(int64(dropped)),
		out.MagState, out.MagConfidence, out.MagTrust)
}

// observe runs on the stream goroutine, inside Process.
func (s *stream) observe(ev fusion.Event) {
	switch ev.Kind {
	case fusion.EventGyroBiasCalibrated:
		log.Printf("fusion: %s: gyro bias calibrated (%.3f, %.3f, %.3f) deg/s", s.name, ev.GyroBias.X, ev.GyroBias.Y, ev.GyroBias.Z)
	case fusion.EventMagStateChanged:
		log.Printf("fusion: %s: magnetometer %s -> %s", s.name, ev.From, ev.To)
		if ev.From == magcal.AutoCalibrating && ev.To == magcal.Calibrated {
			h := ev.Calibration.HardIronOffset
			log.Printf("fusion: %s: hard iron (%.2f, %.2f, %.2f) µT, confidence %.2f", s.name, h.X, h.Y, h.Z, ev.Calibration.Confidence)
			if s.onCalibrated != nil {
				s.onCalibrated(ev.Calibration)
			}
		}
	case fusion.EventOrientationReinitialized:
		log.Printf("fusion: %s: orientation collapsed, reinitialized from accelerometer", s.name)
		orientationResets.WithLabelValues(s.name).Inc()
	case fusion.EventReset:
		log.Printf("fusion: %s: engine reset", s.name)
	}
}
