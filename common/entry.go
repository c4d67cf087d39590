package common

import (
	"fmt"
	"math"

	"github.com/go-spatial/geom"
	"github.com/go-spatial/geom/encoding/geojson"
	"github.com/go-spatial/geom/encoding/wkt"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
)

// Corner indices of a FootprintQuad
const (
	UL = iota
	UR
	LR
	LL
)

// GeoPoint is a geodetic position in degrees
type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

func (p GeoPoint) valid() bool {
	return !math.IsNaN(p.Lat) && !math.IsInf(p.Lat, 0) && !math.IsNaN(p.Lon) && !math.IsInf(p.Lon, 0)
}

func (p GeoPoint) orb() orb.Point {
	return orb.Point{p.Lon, p.Lat}
}

// FootprintQuad is the geodetic quadrilateral covered by an image, ordered UL, UR, LR, LL
type FootprintQuad [4]GeoPoint

// Bounds returns the bounding box of the quad
func (q FootprintQuad) Bounds() orb.Bound {
	return q.ring().Bound()
}

func (q FootprintQuad) ring() orb.Ring {
	return orb.Ring{q[UL].orb(), q[UR].orb(), q[LR].orb(), q[LL].orb(), q[UL].orb()}
}

// Contains returns true if the point is inside the quad (boundary included)
func (q FootprintQuad) Contains(p GeoPoint) bool {
	if !q.Bounds().Contains(p.orb()) {
		return false
	}
	return planar.PolygonContains(orb.Polygon{q.ring()}, p.orb())
}

// Polygon returns the quad as a closed polygon
func (q FootprintQuad) Polygon() geom.Polygon {
	return geom.Polygon{{
		{q[UL].Lon, q[UL].Lat},
		{q[UR].Lon, q[UR].Lat},
		{q[LR].Lon, q[LR].Lat},
		{q[LL].Lon, q[LL].Lat},
		{q[UL].Lon, q[UL].Lat},
	}}
}

// WKT returns the WKT representation of the quad
func (q FootprintQuad) WKT() string {
	return wkt.MustEncode(q.Polygon())
}

// GeoJSON returns the quad as a GeoJSON geometry
func (q FootprintQuad) GeoJSON() geojson.Geometry {
	return geojson.Geometry{Geometry: q.Polygon()}
}

// CatalogEntry is one row of the mosaic catalog
type CatalogEntry struct {
	Path      string        `json:"path"`
	Subtype   string        `json:"subtype"`
	Precision bool          `json:"precision"`
	Corners   FootprintQuad `json:"corners"`
	MinGSD    float64       `json:"min_gsd"`
	MaxGSD    float64       `json:"max_gsd"`
	Width     int           `json:"width"`
	Height    int           `json:"height"`
	SRID      int           `json:"srid"`
}

// Validate checks the invariants of the entry
func (e CatalogEntry) Validate() error {
	if e.Path == "" {
		return fmt.Errorf("empty path")
	}
	if e.Width <= 0 || e.Height <= 0 {
		return fmt.Errorf("invalid size %dx%d", e.Width, e.Height)
	}
	if math.IsNaN(e.MinGSD) || math.IsInf(e.MinGSD, 0) || e.MinGSD <= 0 {
		return fmt.Errorf("invalid gsd: %f", e.MinGSD)
	}
	if math.IsNaN(e.MaxGSD) || math.IsInf(e.MaxGSD, 0) || e.MaxGSD < e.MinGSD {
		return fmt.Errorf("invalid max gsd: %f (min: %f)", e.MaxGSD, e.MinGSD)
	}
	for i, c := range e.Corners {
		if !c.valid() {
			return fmt.Errorf("invalid corner %d: %v", i, c)
		}
	}
	return nil
}

// MaxGSD returns the coarsest resolution an entry is displayed at, given a number of overview levels
func MaxGSD(minGSD float64, levels int) float64 {
	return minGSD * float64(int(1)<<levels)
}
