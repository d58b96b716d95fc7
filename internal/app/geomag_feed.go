package app

import (
	"context"
	"errors"
	"log"

	"github.com/gansidui/geohash"

	"github.com/relabs-tech/magnetic_fusion/internal/geomag"
	"github.com/relabs-tech/magnetic_fusion/internal/gps"
)

// fixCellPrecision is the geohash length (~4.9 km cells) below which
// position changes do not trigger a new reference lookup.
const fixCellPrecision = 5

// geomagFeed turns GPS fixes into geomagnetic references for every stream.
type geomagFeed struct {
	provider geomag.Provider
	streams  map[string]*stream

	lastCell string
}

// onFix looks up the reference for a valid fix when it moves into a new cell.
// It reports whether the streams were updated.
func (f *geomagFeed) onFix(ctx context.Context, fix gps.Fix) bool {
	if !fix.Valid() || f.provider == nil {
		return false
	}
	cell, _ := geohash.Encode(fix.Latitude, fix.Longitude, fixCellPrecision)
	if cell == f.lastCell {
		return false
	}

	ref, err := f.provider.Lookup(fix.Latitude, fix.Longitude)
	if errors.Is(err, geomag.ErrNoCoverage) {
		log.Printf("geomag: no reference near %.4f, %.4f: %v", fix.Latitude, fix.Longitude, err)
		f.lastCell = cell
		return false
	}
	if err != nil {
		log.Printf("geomag: lookup error: %v", err)
		return false
	}

	f.lastCell = cell
	log.Printf("geomag: position cell %s -> H=%.1f µT V=%.1f µT", cell, ref.Horizontal, ref.Vertical)
	for _, s := range f.streams {
		if err := s.setReference(ctx, ref); err != nil {
			log.Printf("geomag: %s: %v", s.name, err)
			return false
		}
	}
	return true
}

// run consumes fixes from r until it fails or ctx ends.
func (f *geomagFeed) run(ctx context.Context, r *gps.FixReader) error {
	for {
		fix, err := r.Next()
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		f.onFix(ctx, fix)
	}
}
