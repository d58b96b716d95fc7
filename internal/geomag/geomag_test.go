package geomag

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"
)

const Tolerance = 1e-9

func TestReferenceWorld(t *testing.T) {
	r := Reference{Horizontal: 20, Vertical: 45}
	w := r.World()
	if w.X != 20 || w.Y != 0 || w.Z != -45 {
		t.Errorf("World() = %v, want (20, 0, -45)", w)
	}
	if math.Abs(r.Magnitude()-math.Hypot(20, 45)) > Tolerance {
		t.Errorf("Magnitude() = %v", r.Magnitude())
	}
	if inc := r.Inclination(); inc <= 0 || inc >= 90 {
		t.Errorf("Inclination() = %v", inc)
	}
}

func TestReferenceValid(t *testing.T) {
	tests := []struct {
		ref  Reference
		want bool
	}{
		{Reference{20, 45}, true},
		{Reference{0, -30}, true},
		{Reference{0, 0}, false},
		{Reference{math.NaN(), 45}, false},
		{Reference{20, math.Inf(1)}, false},
	}
	for _, tt := range tests {
		if got := tt.ref.Valid(); got != tt.want {
			t.Errorf("%+v.Valid() = %v, want %v", tt.ref, got, tt.want)
		}
	}
}

func TestStatic(t *testing.T) {
	if _, err := (Static{}).Lookup(0, 0); !errors.Is(err, ErrNoCoverage) {
		t.Errorf("empty static: err = %v", err)
	}
	ref := Reference{Horizontal: 25, Vertical: 38}
	got, err := Static{Ref: ref}.Lookup(10, 10)
	if err != nil || got != ref {
		t.Errorf("Lookup = %+v, %v", got, err)
	}
}

// Madrid, Barcelona and Sydney.
func testEntries() []Entry {
	return []Entry{
		{Lat: 40.42, Lon: -3.70, Reference: Reference{Horizontal: 25.6, Vertical: 37.1}},
		{Lat: 41.39, Lon: 2.17, Reference: Reference{Horizontal: 24.8, Vertical: 38.6}},
		{Lat: -33.87, Lon: 151.21, Reference: Reference{Horizontal: 24.7, Vertical: -52.1}},
	}
}

func TestTableLookup(t *testing.T) {
	tbl, err := NewTable(testEntries(), 300)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		lat     float64
		lon     float64
		want    Reference
		wantErr bool
	}{
		{"exact madrid", 40.42, -3.70, Reference{25.6, 37.1}, false},
		{"near madrid", 40.2, -3.9, Reference{25.6, 37.1}, false},
		{"near barcelona", 41.5, 2.0, Reference{24.8, 38.6}, false},
		{"sydney", -34.0, 151.0, Reference{24.7, -52.1}, false},
		{"mid atlantic", 30, -40, Reference{}, true},
	}
	for _, tt := range tests {
		got, err := tbl.Lookup(tt.lat, tt.lon)
		if tt.wantErr {
			if !errors.Is(err, ErrNoCoverage) {
				t.Errorf("%s: err = %v, want ErrNoCoverage", tt.name, err)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("%s: Lookup = %+v, %v; want %+v", tt.name, got, err, tt.want)
		}
	}
}

func TestTableLookupAcrossCellEdge(t *testing.T) {
	// Longitude -2.8125 is a geohash-3 cell edge: entries west of it share the
	// query's cell, the one just east of it does not.
	near := Entry{Lat: 40.0, Lon: -2.80, Reference: Reference{25, 37}}
	farSameCell := Entry{Lat: 39.4, Lon: -4.2, Reference: Reference{10, 10}}
	tbl, err := NewTable([]Entry{farSameCell, near}, 300)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		lat  float64
		lon  float64
		want Reference
	}{
		{"just west of the edge", 40.0, -2.8126, near.Reference},
		{"just east of the edge", 40.0, -2.8124, near.Reference},
		{"deep in the west cell", 39.4, -4.19, farSameCell.Reference},
	}
	for _, tt := range tests {
		got, err := tbl.Lookup(tt.lat, tt.lon)
		if err != nil || got != tt.want {
			t.Errorf("%s: Lookup = %+v, %v; want %+v", tt.name, got, err, tt.want)
		}
	}
}

func TestNewTableRejectsBadEntries(t *testing.T) {
	if _, err := NewTable([]Entry{{Lat: 91, Lon: 0, Reference: Reference{20, 40}}}, 0); err == nil {
		t.Error("expected error for latitude 91")
	}
	if _, err := NewTable([]Entry{{Lat: 0, Lon: 0}}, 0); err == nil {
		t.Error("expected error for zero field")
	}
}

func TestLoadTable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "geomag.yaml")
	content := `version: 1
max_distance_km: 150
entries:
  - {lat: 40.42, lon: -3.70, horizontal: 25.6, vertical: 37.1}
  - {lat: 41.39, lon: 2.17, horizontal: 24.8, vertical: 38.6}
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	tbl, err := LoadTable(path)
	if err != nil {
		t.Fatalf("LoadTable: %v", err)
	}
	if tbl.Len() != 2 || tbl.MaxDistanceKm != 150 {
		t.Errorf("table len=%d max=%v", tbl.Len(), tbl.MaxDistanceKm)
	}
	ref, err := tbl.Lookup(41.4, 2.2)
	if err != nil || ref.Horizontal != 24.8 {
		t.Errorf("Lookup = %+v, %v", ref, err)
	}
	// Valencia is ~300 km from both entries.
	if _, err := tbl.Lookup(39.47, -0.38); !errors.Is(err, ErrNoCoverage) {
		t.Errorf("Valencia: err = %v, want ErrNoCoverage", err)
	}
}
