package magcal

import (
	"math"
	"math/rand"
	"testing"

	"github.com/golang/geo/r3"
)

const Tolerance = 1e-6

func vecClose(a, b r3.Vector, tol float64) bool {
	return a.Sub(b).Norm() <= tol
}

// expectedFields returns sensor-frame Earth fields for a device turning
// about z in a 20 µT north, 45 µT down field.
func expectedFields(n int) []r3.Vector {
	out := make([]r3.Vector, n)
	for i := range out {
		yaw := float64(i) * 0.05
		out[i] = r3.Vector{X: 20 * math.Cos(yaw), Y: -20 * math.Sin(yaw), Z: -45}
	}
	return out
}

func TestStateStrings(t *testing.T) {
	for _, s := range []State{Uncalibrated, AutoCalibrating, Calibrated} {
		var back State
		b, _ := s.MarshalText()
		if err := back.UnmarshalText(b); err != nil || back != s {
			t.Errorf("%v: round trip gave %v, %v", s, back, err)
		}
	}
	var s State
	if err := s.UnmarshalText([]byte("BOGUS")); err == nil {
		t.Error("expected error for unknown state")
	}
}

func TestAutoCalibrationRecoversHardIron(t *testing.T) {
	h := r3.Vector{X: 12, Y: -7, Z: 30}
	c := NewCalibrator(Options{Samples: 100, Alpha: 0.05})

	var transitions []Transition
	for i, e := range expectedFields(150) {
		tr := c.Observe(e.Add(h), e, true)
		if tr.Changed() {
			transitions = append(transitions, tr)
		}
		if c.State() != Calibrated && c.Confidence() != 0 {
			t.Fatalf("sample %d: confidence %v before calibration", i, c.Confidence())
		}
	}

	want := []Transition{{Uncalibrated, AutoCalibrating}, {AutoCalibrating, Calibrated}}
	if len(transitions) != len(want) || transitions[0] != want[0] || transitions[1] != want[1] {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	cal := c.Calibration()
	if !vecClose(cal.HardIronOffset, h, Tolerance) {
		t.Errorf("hard iron = %v, want %v", cal.HardIronOffset, h)
	}
	if !cal.HardIronCalibrated || c.Confidence() < 0.9 {
		t.Errorf("calibration = %+v", cal)
	}
	if got := c.Apply(expectedFields(1)[0].Add(h)); !vecClose(got, expectedFields(1)[0], Tolerance) {
		t.Errorf("Apply = %v", got)
	}
}

func TestAutoCalibrationFreezesAfterSamples(t *testing.T) {
	c := NewCalibrator(Options{Samples: 10, Alpha: 0.05})
	fields := expectedFields(20)
	for i := 0; i < 9; i++ {
		c.Observe(fields[i].Add(r3.Vector{X: 5}), fields[i], true)
	}
	if c.State() != AutoCalibrating {
		t.Fatalf("state = %v after 9 samples", c.State())
	}
	if math.Abs(c.Progress()-0.9) > Tolerance {
		t.Errorf("progress = %v", c.Progress())
	}
	c.Observe(fields[9].Add(r3.Vector{X: 5}), fields[9], true)
	if c.State() != Calibrated {
		t.Fatalf("state = %v after 10 samples", c.State())
	}

	// A frozen offset ignores later residuals.
	frozen := c.Calibration().HardIronOffset
	for i := 10; i < 20; i++ {
		c.Observe(fields[i].Add(r3.Vector{X: 50}), fields[i], true)
	}
	if c.Calibration().HardIronOffset != frozen {
		t.Error("hard iron changed after freezing")
	}
}

func TestAutoCalibrationWithSoftIron(t *testing.T) {
	s := [3][3]float64{{1.1, 0.05, 0}, {0.05, 0.9, 0}, {0, 0, 1.02}}
	h := r3.Vector{X: -8, Y: 15, Z: 4}

	c := NewCalibrator(Options{Samples: 50, Alpha: 0.1})
	if err := c.SetSoftIron(s); err != nil {
		t.Fatal(err)
	}
	sInv, err := invert(s)
	if err != nil {
		t.Fatal(err)
	}

	// raw = S⁻¹·e + h, so S·(raw − h) = e.
	for _, e := range expectedFields(50) {
		c.Observe(mulMat(sInv, e).Add(h), e, true)
	}
	if c.State() != Calibrated {
		t.Fatalf("state = %v", c.State())
	}
	if got := c.Calibration().HardIronOffset; !vecClose(got, h, Tolerance) {
		t.Errorf("hard iron = %v, want %v", got, h)
	}
	if !c.Calibration().SoftIronCalibrated {
		t.Error("SoftIronCalibrated = false")
	}
}

func TestAutoCalibrationNoisy(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	h := r3.Vector{X: 20, Y: 10, Z: -15}
	c := NewCalibrator(Options{Samples: 400, Alpha: 0.02})
	for _, e := range expectedFields(400) {
		noise := r3.Vector{X: rng.NormFloat64(), Y: rng.NormFloat64(), Z: rng.NormFloat64()}.Mul(0.5)
		c.Observe(e.Add(h).Add(noise), e, true)
	}
	if got := c.Calibration().HardIronOffset; !vecClose(got, h, 1.0) {
		t.Errorf("hard iron = %v, want %v within 1 µT", got, h)
	}
	if conf := c.Confidence(); conf <= confFloor || conf > 1 {
		t.Errorf("confidence = %v", conf)
	}
}

func TestObserveWaitsForOrientation(t *testing.T) {
	c := NewCalibrator(DefaultOptions())
	e := r3.Vector{X: 20, Z: -45}
	if tr := c.Observe(e, e, false); tr.Changed() || c.State() != Uncalibrated {
		t.Errorf("state moved without orientation: %v", c.State())
	}
	if tr := c.Observe(e, e, true); tr != (Transition{Uncalibrated, AutoCalibrating}) {
		t.Errorf("transition = %v", tr)
	}
}

func TestLoadResetRecalibrate(t *testing.T) {
	loaded := Calibration{
		HardIronOffset:     r3.Vector{X: 1, Y: 2, Z: 3},
		SoftIronMatrix:     [3][3]float64{{2, 0, 0}, {0, 1, 0}, {0, 0, 1}},
		HardIronCalibrated: true,
		SoftIronCalibrated: true,
		Confidence:         0.8,
	}
	c := NewCalibrator(DefaultOptions())
	if err := c.Load(loaded); err != nil {
		t.Fatal(err)
	}
	if c.State() != Calibrated || c.Confidence() != 0.8 {
		t.Fatalf("after Load: state=%v confidence=%v", c.State(), c.Confidence())
	}
	if got := c.Apply(r3.Vector{X: 2, Y: 2, Z: 3}); got != (r3.Vector{X: 2}) {
		t.Errorf("Apply = %v, want (2,0,0)", got)
	}

	c.Observe(r3.Vector{X: 40, Z: -40}, r3.Vector{X: 20, Z: -45}, true)
	c.Reset()
	if c.State() != Calibrated || c.Calibration() != loaded {
		t.Errorf("Reset did not restore loaded calibration: %+v", c.Calibration())
	}

	c.Recalibrate()
	if c.State() != Uncalibrated || c.Confidence() != 0 {
		t.Errorf("after Recalibrate: state=%v confidence=%v", c.State(), c.Confidence())
	}
	cal := c.Calibration()
	if cal.HardIronOffset != (r3.Vector{}) || cal.SoftIronMatrix != loaded.SoftIronMatrix {
		t.Errorf("after Recalibrate: %+v", cal)
	}
	c.Reset()
	if c.State() != Uncalibrated {
		t.Errorf("Reset after Recalibrate restored state %v", c.State())
	}
}

func TestRejectsBadMatrices(t *testing.T) {
	c := NewCalibrator(DefaultOptions())
	singular := [3][3]float64{{1, 2, 3}, {2, 4, 6}, {0, 0, 1}}
	if err := c.SetSoftIron(singular); err == nil {
		t.Error("SetSoftIron accepted a singular matrix")
	}
	if err := c.Load(Calibration{SoftIronMatrix: singular, HardIronCalibrated: true}); err == nil {
		t.Error("Load accepted a singular matrix")
	}
	if err := c.Load(Calibration{HardIronOffset: r3.Vector{X: math.NaN()}}); err == nil {
		t.Error("Load accepted a NaN offset")
	}
	if c.State() != Uncalibrated {
		t.Errorf("failed loads changed state to %v", c.State())
	}
}
