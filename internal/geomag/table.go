package geomag

import (
	"fmt"
	"math"
	"os"

	"github.com/gansidui/geohash"
	geo "github.com/kellydunn/golang-geo"
	"gopkg.in/yaml.v3"
)

const (
	tableVersion = 1

	// bucketPrecision is the geohash length used to index entries (~156 km cells).
	bucketPrecision = 3

	defaultMaxDistanceKm = 300

	// earthRadiusKm matches the radius golang-geo uses for great-circle distances.
	earthRadiusKm = 6371
	degToRad      = math.Pi / 180
)

// Entry is one precomputed field value.
type Entry struct {
	Reference `yaml:",inline"`

	Lat float64 `yaml:"lat"`
	Lon float64 `yaml:"lon"`
}

type tableFile struct {
	Version       int     `yaml:"version"`
	MaxDistanceKm float64 `yaml:"max_distance_km"`
	Entries       []Entry `yaml:"entries"`
}

// Table returns the reference of the nearest entry within MaxDistanceKm.
type Table struct {
	MaxDistanceKm float64

	entries []Entry
	points  []*geo.Point
	buckets map[string][]int
	all     []int
}

// NewTable indexes entries. maxDistanceKm <= 0 selects the default.
func NewTable(entries []Entry, maxDistanceKm float64) (*Table, error) {
	if maxDistanceKm <= 0 {
		maxDistanceKm = defaultMaxDistanceKm
	}
	t := &Table{
		MaxDistanceKm: maxDistanceKm,
		entries:       make([]Entry, 0, len(entries)),
		buckets:       make(map[string][]int),
	}
	for i, e := range entries {
		if e.Lat < -90 || e.Lat > 90 || e.Lon < -180 || e.Lon > 180 {
			return nil, fmt.Errorf("entry %d: position (%v, %v) out of range", i, e.Lat, e.Lon)
		}
		if !e.Reference.Valid() {
			return nil, fmt.Errorf("entry %d: invalid field %+v", i, e.Reference)
		}
		hash, _ := geohash.Encode(e.Lat, e.Lon, bucketPrecision)
		t.buckets[hash] = append(t.buckets[hash], len(t.entries))
		t.all = append(t.all, len(t.entries))
		t.entries = append(t.entries, e)
		t.points = append(t.points, geo.NewPoint(e.Lat, e.Lon))
	}
	return t, nil
}

// LoadTable reads a YAML reference table:
//
//	version: 1
//	max_distance_km: 300
//	entries:
//	  - {lat: 40.4, lon: -3.7, horizontal: 25.6, vertical: 37.1}
func LoadTable(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read geomag table %s: %w", path, err)
	}
	var f tableFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse geomag table %s: %w", path, err)
	}
	if f.Version != tableVersion {
		return nil, fmt.Errorf("geomag table %s: unsupported version %d", path, f.Version)
	}
	t, err := NewTable(f.Entries, f.MaxDistanceKm)
	if err != nil {
		return nil, fmt.Errorf("geomag table %s: %w", path, err)
	}
	return t, nil
}

// Len returns the number of entries.
func (t *Table) Len() int { return len(t.entries) }

// Lookup implements Provider. The nearest entry in the position's geohash
// cell wins when it is closer than the cell's edge; otherwise every entry is
// scanned, since a closer one may sit just across the boundary.
func (t *Table) Lookup(lat, lon float64) (Reference, error) {
	if len(t.entries) == 0 {
		return Reference{}, ErrNoCoverage
	}
	p := geo.NewPoint(lat, lon)

	best, dist := -1, math.Inf(1)
	hash, box := geohash.Encode(lat, lon, bucketPrecision)
	if idx := t.buckets[hash]; len(idx) > 0 {
		best, dist = t.nearest(p, idx)
	}
	if best < 0 || box == nil || dist > cellClearanceKm(lat, lon, box) {
		best, dist = t.nearest(p, t.all)
	}
	if dist > t.MaxDistanceKm {
		return Reference{}, fmt.Errorf("%w: nearest entry %.0f km away", ErrNoCoverage, dist)
	}
	return t.entries[best].Reference, nil
}

// nearest returns the closest of the candidate indexes.
func (t *Table) nearest(p *geo.Point, candidates []int) (int, float64) {
	best, bestDist := -1, math.Inf(1)
	for _, i := range candidates {
		if d := p.GreatCircleDistance(t.points[i]); d < bestDist {
			best, bestDist = i, d
		}
	}
	return best, bestDist
}

// cellClearanceKm is the great-circle distance from (lat, lon) to the nearest
// edge of box.
func cellClearanceKm(lat, lon float64, box *geohash.Box) float64 {
	dLat := math.Min(lat-box.MinLat, box.MaxLat-lat) * degToRad
	dLon := math.Min(lon-box.MinLng, box.MaxLng-lon) * degToRad

	northSouth := dLat * earthRadiusKm
	// Distance to a meridian: sin(d/R) = cos(lat)·sin(Δlon).
	eastWest := math.Asin(math.Cos(lat*degToRad)*math.Sin(dLon)) * earthRadiusKm
	return math.Max(0, math.Min(northSouth, eastWest))
}
