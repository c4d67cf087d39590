// Package geometry merges footprints with GEOS
package geometry

import (
	"fmt"

	"github.com/airbusgeo/geocube-mosaic/common"
	"github.com/go-spatial/geom"
	geomwkt "github.com/go-spatial/geom/encoding/wkt"
	"github.com/paulsmith/gogeos/geos"
)

// DefaultTolerance is the simplification tolerance of the coverages, in degrees
const DefaultTolerance = 0.000001

// appendPolygons flattens the polygons of g into mp
func appendPolygons(g geom.Geometry, mp *geom.MultiPolygon) {
	switch g := g.(type) {
	case geom.MultiPolygon:
		*mp = append(*mp, g.Polygons()...)
	case geom.Polygon:
		*mp = append(*mp, g.LinearRings())
	case geom.Collection:
		for _, g := range g.Geometries() {
			appendPolygons(g, mp)
		}
	}
}

// GeosToGeom converts a GEOS geometry through its WKT representation
func GeosToGeom(g *geos.Geometry) (geom.Geometry, error) {
	wkt, err := g.ToWKT()
	if err != nil {
		return nil, fmt.Errorf("GeosToGeom.ToWKT: %w", err)
	}
	geometry, err := geomwkt.DecodeString(wkt)
	if err != nil {
		return nil, fmt.Errorf("GeosToGeom.DecodeString: %w", err)
	}
	return geometry, nil
}

// union merges the footprints. If the unary union fails (e.g. on an invalid footprint),
// they are simplified and merged one by one.
func union(footprints []*geos.Geometry, tolerance float64) (*geos.Geometry, error) {
	merged, err := geos.NewCollection(geos.MULTIPOLYGON, footprints...)
	if err == nil {
		merged, err = merged.UnaryUnion()
	}
	if err == nil {
		if merged, err = merged.Simplify(tolerance); err != nil {
			return nil, fmt.Errorf("union.Simplify: %w", err)
		}
		return merged, nil
	}

	merged = nil
	for _, fp := range footprints {
		s, err := fp.Simplify(tolerance)
		if err != nil {
			return nil, fmt.Errorf("union.Simplify: %w", err)
		}
		if merged == nil {
			merged = s
			continue
		}
		if merged, err = merged.Union(s); err != nil {
			return nil, fmt.Errorf("union: %w", err)
		}
	}
	return merged, nil
}

// Coverage returns the union of the footprints as a multipolygon
// An empty list of footprints returns an empty multipolygon.
func Coverage(quads []common.FootprintQuad, tolerance float64) (geom.MultiPolygon, error) {
	var mp geom.MultiPolygon
	if len(quads) == 0 {
		return mp, nil
	}
	footprints := make([]*geos.Geometry, 0, len(quads))
	for _, q := range quads {
		g, err := geos.FromWKT(q.WKT())
		if err != nil {
			return nil, fmt.Errorf("Coverage.FromWKT: %w", err)
		}
		footprints = append(footprints, g)
	}
	merged, err := union(footprints, tolerance)
	if err != nil {
		return nil, fmt.Errorf("Coverage.%w", err)
	}
	g, err := GeosToGeom(merged)
	if err != nil {
		return nil, fmt.Errorf("Coverage.%w", err)
	}
	appendPolygons(g, &mp)
	return mp, nil
}
