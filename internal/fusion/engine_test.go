package fusion

import (
	"encoding/json"
	"math"
	"strings"
	"testing"

	"github.com/golang/geo/r3"

	"github.com/relabs-tech/magnetic_fusion/internal/geomag"
	"github.com/relabs-tech/magnetic_fusion/internal/imu"
	"github.com/relabs-tech/magnetic_fusion/internal/magcal"
	"github.com/relabs-tech/magnetic_fusion/internal/orientation"
)

var testRef = geomag.Reference{Horizontal: 20, Vertical: 45}

func newEngine(t *testing.T, cfg Config) *Engine {
	t.Helper()
	e, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e
}

func levelSample(ts float64) imu.RawSample {
	return imu.RawSample{Az: 1, Mx: 20, Mz: -45, T: ts}
}

func TestConfigValidate(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"zero freq", func(c *Config) { c.SampleFreq = 0 }},
		{"negative beta", func(c *Config) { c.Beta = -1 }},
		{"trust above 1", func(c *Config) { c.MagTrust = 1.5 }},
		{"negative trust", func(c *Config) { c.MagTrust = -0.1 }},
		{"tiny window", func(c *Config) { c.MotionWindow = 1 }},
		{"zero gyro samples", func(c *Config) { c.GyroCalibrationSamples = 0 }},
		{"zero alpha", func(c *Config) { c.HardIronAlpha = 0 }},
		{"zero gravity", func(c *Config) { c.GravityNominal = 0 }},
	}
	for _, tt := range tests {
		c := DefaultConfig()
		tt.modify(&c)
		if err := c.Validate(); err == nil {
			t.Errorf("%s: Validate() = nil", tt.name)
		}
		if _, err := New(c); err == nil {
			t.Errorf("%s: New() accepted invalid config", tt.name)
		}
	}

	c := DefaultConfig()
	c.SoftIron = [3][3]float64{{1, 1, 0}, {1, 1, 0}, {0, 0, 1}}
	if _, err := New(c); err == nil {
		t.Error("New() accepted a singular soft-iron matrix")
	}
}

func TestQuaternionStaysUnit(t *testing.T) {
	e := newEngine(t, DefaultConfig())
	e.SetReference(testRef)
	src := imu.NewSimSource(imu.SimConfig{
		Rate: 50, Earth: testRef.World(), HardIron: r3.Vector{X: 5, Y: -3, Z: 8},
		GyroBias: r3.Vector{X: 0.4}, Stationary: 1.5,
		AccelNoise: 0.004, GyroNoise: 0.1, MagNoise: 0.3, Seed: 1,
	})
	for i := 0; i < 3000; i++ {
		s, _ := src.Next()
		out := e.Process(s)
		if n := out.Quaternion.Norm(); math.Abs(n-1) > 1e-6 {
			t.Fatalf("sample %d: |q| = %v", i, n)
		}
	}
}

func TestGyroBiasLearnedWhileStill(t *testing.T) {
	e := newEngine(t, DefaultConfig())
	offset := r3.Vector{X: 0.5, Y: -0.3, Z: 0.2}

	for i := 0; i < 50; i++ {
		s := levelSample(float64(i) * 0.02)
		s.Gx, s.Gy, s.Gz = offset.X, offset.Y, offset.Z
		out := e.Process(s)
		if want := i == 49; out.GyroBiasCalibrated != want {
			t.Fatalf("sample %d: calibrated = %v", i, out.GyroBiasCalibrated)
		}
	}
	bias, ok := e.GyroBias()
	if !ok || bias.Sub(offset).Norm() > 1e-9 {
		t.Errorf("bias = %v (%v), want %v", bias, ok, offset)
	}
}

func TestGyroBiasRestartsOnMotion(t *testing.T) {
	e := newEngine(t, DefaultConfig())
	ts := 0.0
	for i := 0; i < 30; i++ {
		e.Process(levelSample(ts))
		ts += 0.02
	}
	shake := levelSample(ts)
	shake.Ax, shake.Az = 0.6, 1.4
	e.Process(shake)
	ts += 0.02
	for i := 0; i < 30; i++ {
		out := e.Process(levelSample(ts))
		ts += 0.02
		if out.GyroBiasCalibrated {
			t.Fatalf("calibrated %d samples after motion", i+1)
		}
	}
}

func TestAccelRejectionIntegratesGyroOnly(t *testing.T) {
	e := newEngine(t, DefaultConfig())
	for i := 0; i < 5; i++ {
		e.ProcessDT(levelSample(0), 0.02)
	}
	q0 := e.filter.Quaternion()

	s := imu.RawSample{Gx: 10, Gy: -4, Gz: 25, Az: 1.5, Mx: 20, Mz: -45}
	out := e.ProcessDT(s, 0.02)
	if !out.AccelRejected {
		t.Fatal("1.5 g sample not rejected")
	}

	w := r3.Vector{X: 10, Y: -4, Z: 25}.Mul(math.Pi / 180)
	want := q0.Add(q0.Mul(orientation.Quaternion{X: w.X, Y: w.Y, Z: w.Z}).Scale(0.5 * 0.02)).Normalize()
	got := out.Quaternion
	if math.Abs(got.W-want.W) > 1e-12 || math.Abs(got.X-want.X) > 1e-12 ||
		math.Abs(got.Y-want.Y) > 1e-12 || math.Abs(got.Z-want.Z) > 1e-12 {
		t.Errorf("q = %+v, want %+v", got, want)
	}
}

func TestNonFiniteInputDoesNotPoisonState(t *testing.T) {
	e := newEngine(t, DefaultConfig())
	var events []Event
	e.SetObserver(func(ev Event) { events = append(events, ev) })

	bad := imu.RawSample{Gx: math.NaN(), Ay: math.Sin(0.3), Az: math.Cos(0.3)}
	out := e.ProcessDT(bad, 0.02)
	if !out.Quaternion.IsFinite() || math.Abs(out.Quaternion.Norm()-1) > 1e-9 {
		t.Fatalf("q = %+v", out.Quaternion)
	}
	if len(events) != 1 || events[0].Kind != EventOrientationReinitialized {
		t.Errorf("events = %v", events)
	}

	for i := 0; i < 60; i++ {
		out = e.ProcessDT(levelSample(0), 0.02)
	}
	bias, ok := e.GyroBias()
	if !ok || bias != (r3.Vector{}) {
		t.Errorf("bias = %v calibrated=%v", bias, ok)
	}
	if !out.Quaternion.IsFinite() {
		t.Errorf("q = %+v", out.Quaternion)
	}
}

func TestNoReferenceNoResidual(t *testing.T) {
	e := newEngine(t, DefaultConfig())
	for i := 0; i < 300; i++ {
		out := e.Process(levelSample(float64(i) * 0.02))
		if out.ResidualValid || out.MagConfidence != 0 || out.MagState != magcal.Uncalibrated || out.MagTrust != 0 {
			t.Fatalf("sample %d: %+v", i, out)
		}
		// Calibrated field passes through while uncalibrated.
		if out.CalibratedMx != 20 || out.CalibratedMz != -45 {
			t.Fatalf("sample %d: calibrated mag = %v", i, out.CalibratedMag())
		}
	}
}

func TestInvalidMagnetometerReading(t *testing.T) {
	e := newEngine(t, DefaultConfig())
	e.SetReference(testRef)
	out := e.Process(imu.RawSample{Az: 1})
	if out.MagState != magcal.Uncalibrated || out.ResidualValid || out.CalibratedMag() != (r3.Vector{}) {
		t.Errorf("zero mag reading was used: %+v", out)
	}
	if e.SetReference(geomag.Reference{}) {
		t.Error("SetReference accepted a zero field")
	}
}

func TestHardIronAutoCalibration(t *testing.T) {
	h := r3.Vector{X: 12, Y: -7, Z: 30}
	cfg := DefaultConfig()
	e := newEngine(t, cfg)
	e.SetReference(testRef)

	var mag []Event
	e.SetObserver(func(ev Event) {
		if ev.Kind == EventMagStateChanged {
			mag = append(mag, ev)
		}
	})

	src := imu.NewSimSource(imu.SimConfig{Rate: 50, Earth: testRef.World(), HardIron: h, Stationary: 3})

	var sumResidual float64
	var nResidual int
	for i := 0; i < 1500; i++ {
		s, _ := src.Next()
		out := e.Process(s)

		if out.MagState != magcal.Calibrated {
			if out.MagTrust != 0 || out.MagFused {
				t.Fatalf("sample %d: magnetometer fused while %v", i, out.MagState)
			}
			if out.ResidualValid || out.MagConfidence != 0 {
				t.Fatalf("sample %d: residual/confidence published while %v", i, out.MagState)
			}
		}
		if i >= 1300 {
			if !out.ResidualValid {
				t.Fatalf("sample %d: residual not valid", i)
			}
			sumResidual += out.Residual.Magnitude
			nResidual++
		}
	}

	if len(mag) != 2 ||
		mag[0].From != magcal.Uncalibrated || mag[0].To != magcal.AutoCalibrating ||
		mag[1].From != magcal.AutoCalibrating || mag[1].To != magcal.Calibrated {
		t.Fatalf("mag transitions = %+v", mag)
	}
	cal, state := e.Calibration()
	if state != magcal.Calibrated {
		t.Fatalf("state = %v", state)
	}
	if d := cal.HardIronOffset.Sub(h).Norm(); d > 0.5 {
		t.Errorf("hard iron = %v, want %v (error %.3f µT)", cal.HardIronOffset, h, d)
	}
	if mean := sumResidual / float64(nResidual); mean > 3 {
		t.Errorf("mean residual with no anomaly = %.2f µT", mean)
	}
}

func TestResidualIsolatesAnomaly(t *testing.T) {
	e := newEngine(t, DefaultConfig())
	e.SetReference(testRef)
	if err := e.LoadCalibration(magcal.Calibration{
		HardIronOffset:     r3.Vector{X: 3, Y: 3, Z: 3},
		SoftIronMatrix:     magcal.Identity3,
		HardIronCalibrated: true,
		Confidence:         0.9,
	}); err != nil {
		t.Fatal(err)
	}

	anomaly := r3.Vector{X: 0, Y: 4, Z: -2}
	var before, onset Output
	for i := 0; i <= 150; i++ {
		s := levelSample(float64(i) * 0.02)
		m := r3.Vector{X: 20, Z: -45}.Add(r3.Vector{X: 3, Y: 3, Z: 3})
		if i == 150 {
			m = m.Add(anomaly)
		}
		s.Mx, s.My, s.Mz = m.X, m.Y, m.Z
		out := e.Process(s)
		switch i {
		case 149:
			before = out
		case 150:
			onset = out
		}
	}
	if !before.ResidualValid || !onset.ResidualValid {
		t.Fatal("residual not valid with loaded calibration")
	}
	if before.Residual.Magnitude > 0.1 {
		t.Errorf("residual without anomaly = %+v", before.Residual)
	}
	// The filter has had a single step to react, so the anomaly is still
	// almost entirely in the residual.
	if d := onset.Residual.Vector().Sub(anomaly).Norm(); d > 0.3 {
		t.Errorf("residual = %+v, want ≈ %v", onset.Residual, anomaly)
	}
}

func TestLevelPoseAfterGyroBiasCalibration(t *testing.T) {
	tests := []struct {
		name string
		gyro r3.Vector
	}{
		{"zero rate", r3.Vector{}},
		{"constant offset", r3.Vector{X: 0.5, Y: -0.4, Z: 0.3}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEngine(t, DefaultConfig())
			var out Output
			for i := 0; i < 50; i++ {
				out = e.Process(imu.RawSample{
					Az: 1,
					Gx: tt.gyro.X, Gy: tt.gyro.Y, Gz: tt.gyro.Z,
					T: float64(i) * 0.02,
				})
			}
			if !out.GyroBiasCalibrated {
				t.Fatal("gyro bias not calibrated after 50 still samples")
			}
			if math.Abs(out.Euler.Roll) > 2 || math.Abs(out.Euler.Pitch) > 2 {
				t.Errorf("roll = %.3f°, pitch = %.3f°, want within 2° of level", out.Euler.Roll, out.Euler.Pitch)
			}
		})
	}
}

func TestHardIronFromStationaryLevelSamples(t *testing.T) {
	ref := geomag.Reference{Horizontal: 18, Vertical: 48}
	bias := r3.Vector{X: 20, Y: -10, Z: 5}

	e := newEngine(t, DefaultConfig())
	e.SetReference(ref)

	// Level and still: the sensor frame is the world frame.
	m := ref.World().Add(bias)
	var out Output
	for i := 0; i < 100; i++ {
		out = e.Process(imu.RawSample{Az: 1, Mx: m.X, My: m.Y, Mz: m.Z, T: float64(i) * 0.02})
	}
	if out.MagState != magcal.Calibrated {
		t.Fatalf("state after 100 samples = %v", out.MagState)
	}
	cal, _ := e.Calibration()
	if d := cal.HardIronOffset.Sub(bias); math.Abs(d.X) > 2 || math.Abs(d.Y) > 2 || math.Abs(d.Z) > 2 {
		t.Errorf("hard iron = %v, want %v ± 2 µT", cal.HardIronOffset, bias)
	}
}

func TestMaxResidualWhileRotating(t *testing.T) {
	ref := geomag.Reference{Horizontal: 18, Vertical: 48}
	e := newEngine(t, DefaultConfig())
	e.SetReference(ref)

	src := imu.NewSimSource(imu.SimConfig{
		Rate: 50, Earth: ref.World(), HardIron: r3.Vector{X: 20, Y: -10, Z: 5}, Stationary: 2,
	})
	for i := 0; i < 100; i++ {
		s, _ := src.Next()
		e.Process(s)
	}
	if _, state := e.Calibration(); state != magcal.Calibrated {
		t.Fatalf("state after the still phase = %v", state)
	}

	var worst float64
	for i := 0; i < 500; i++ {
		s, _ := src.Next()
		out := e.Process(s)
		if !out.ResidualValid {
			t.Fatalf("rotating sample %d: residual not valid", i)
		}
		worst = math.Max(worst, out.Residual.Magnitude)
	}
	if worst >= 10 {
		t.Errorf("max residual over 500 rotating samples = %.2f µT", worst)
	}
}

func TestZeroTrustMatchesSixDOF(t *testing.T) {
	loaded := magcal.Calibration{
		HardIronOffset:     r3.Vector{X: 5, Y: -3, Z: 8},
		SoftIronMatrix:     magcal.Identity3,
		HardIronCalibrated: true,
		Confidence:         1,
	}

	noMag := DefaultConfig()
	noMag.UseMagnetometer = false
	zeroTrust := DefaultConfig()
	zeroTrust.MagTrust = 0

	a := newEngine(t, noMag)
	b := newEngine(t, zeroTrust)
	for _, e := range []*Engine{a, b} {
		e.SetReference(testRef)
		if err := e.LoadCalibration(loaded); err != nil {
			t.Fatal(err)
		}
	}

	src := imu.NewSimSource(imu.SimConfig{
		Rate: 50, Earth: testRef.World(), HardIron: loaded.HardIronOffset,
		GyroNoise: 0.1, AccelNoise: 0.003, MagNoise: 0.2, Seed: 3,
	})
	for i := 0; i < 1000; i++ {
		s, _ := src.Next()
		oa, ob := a.Process(s), b.Process(s)
		if oa.Quaternion != ob.Quaternion {
			t.Fatalf("sample %d: %+v != %+v", i, oa.Quaternion, ob.Quaternion)
		}
		if oa.MagFused || ob.MagFused {
			t.Fatalf("sample %d: magnetometer fused", i)
		}
	}
}

func TestMagTrustRamp(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MagTrust = 0.8
	cfg.MagTrustRampSamples = 4
	e := newEngine(t, cfg)
	e.SetReference(testRef)
	if err := e.LoadCalibration(magcal.Calibration{SoftIronMatrix: magcal.Identity3, HardIronCalibrated: true, Confidence: 1}); err != nil {
		t.Fatal(err)
	}

	want := []float64{0, 0.2, 0.4, 0.6, 0.8, 0.8}
	for i, w := range want {
		out := e.Process(levelSample(float64(i) * 0.02))
		if math.Abs(out.MagTrust-w) > 1e-12 {
			t.Errorf("sample %d: trust = %v, want %v", i, out.MagTrust, w)
		}
	}
}

func TestProcessDerivesDtFromTimestamps(t *testing.T) {
	a := newEngine(t, DefaultConfig())
	b := newEngine(t, DefaultConfig())
	for i := 0; i < 100; i++ {
		s := imu.RawSample{Gz: 20, Az: 1, T: float64(i) * 0.02}
		oa := a.Process(s)
		ob := b.ProcessDT(s, 0.02)
		if d := oa.Quaternion.Add(ob.Quaternion.Scale(-1)).Norm(); d > 1e-9 {
			t.Fatalf("sample %d: quaternions differ by %v", i, d)
		}
	}
	yaw := a.filter.Quaternion().Euler().Yaw
	if math.Abs(yaw-40) > 0.5 {
		t.Errorf("yaw after 2 s at 20 deg/s = %v", yaw)
	}
}

func TestResetRestoresConstructionState(t *testing.T) {
	run := func(e *Engine) []Output {
		src := imu.NewSimSource(imu.SimConfig{
			Rate: 50, Earth: testRef.World(), HardIron: r3.Vector{X: 6, Y: 2, Z: -9},
			Stationary: 2, GyroNoise: 0.05, Seed: 11,
		})
		outs := make([]Output, 0, 400)
		for i := 0; i < 400; i++ {
			s, _ := src.Next()
			outs = append(outs, e.Process(s))
		}
		return outs
	}

	fresh := newEngine(t, DefaultConfig())
	fresh.SetReference(testRef)
	want := run(fresh)

	used := newEngine(t, DefaultConfig())
	used.SetReference(testRef)
	run(used)
	used.Reset()
	got := run(used)

	for i := range want {
		if got[i].Quaternion != want[i].Quaternion || got[i].MagState != want[i].MagState ||
			got[i].GyroBiasCalibrated != want[i].GyroBiasCalibrated {
			t.Fatalf("sample %d differs after Reset", i)
		}
	}
}

func TestRecalibrateKeepsOrientation(t *testing.T) {
	e := newEngine(t, DefaultConfig())
	e.SetReference(testRef)
	if err := e.LoadCalibration(magcal.Calibration{HardIronOffset: r3.Vector{X: 1}, SoftIronMatrix: magcal.Identity3, HardIronCalibrated: true, Confidence: 1}); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 20; i++ {
		e.Process(levelSample(float64(i) * 0.02))
	}
	q := e.filter.Quaternion()
	e.Recalibrate()
	if _, st := e.Calibration(); st != magcal.Uncalibrated {
		t.Errorf("state = %v", st)
	}
	if e.filter.Quaternion() != q {
		t.Error("Recalibrate changed orientation")
	}
}

func TestOutputJSON(t *testing.T) {
	o := Output{RawSample: imu.RawSample{Ax: 0.1, T: 2}, MagState: magcal.AutoCalibrating}
	b, err := json.Marshal(o)
	if err != nil {
		t.Fatal(err)
	}
	s := string(b)
	for _, want := range []string{`"ax":0.1`, `"fused_mx":null`, `"residual_magnitude":null`, `"mag_state":"AUTO_CALIBRATING"`, `"quaternion":{`} {
		if !strings.Contains(s, want) {
			t.Errorf("JSON %s missing %s", s, want)
		}
	}

	o.Residual = residualField(1, 2, 2)
	o.ResidualValid = true
	b, _ = json.Marshal(o)
	if !strings.Contains(string(b), `"residual_magnitude":3`) {
		t.Errorf("JSON %s missing residual_magnitude", b)
	}
	var back Output
	if err := json.Unmarshal(b, &back); err != nil {
		t.Fatal(err)
	}
	if !back.ResidualValid || back.Residual != o.Residual || back.MagState != magcal.AutoCalibrating {
		t.Errorf("decoded %+v", back)
	}
}
