package raster

import (
	"fmt"
	"math"

	"github.com/airbusgeo/geocube-mosaic/common"
)

// SRIDWGS84 is the identifier of geographic coordinates in degrees
const SRIDWGS84 = 4326

// AffineProjection is a geotransform in geographic coordinates:
//
//	lon = GT[0] + x*GT[1] + y*GT[2]
//	lat = GT[3] + x*GT[4] + y*GT[5]
type AffineProjection struct {
	GT   [6]float64
	Srid int
}

// NewAffineProjection checks that the geotransform is invertible
func NewAffineProjection(gt [6]float64, srid int) (*AffineProjection, error) {
	for _, v := range gt {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("invalid geotransform: %v", gt)
		}
	}
	if gt[1]*gt[5]-gt[2]*gt[4] == 0 {
		return nil, fmt.Errorf("geotransform is not invertible: %v", gt)
	}
	return &AffineProjection{GT: gt, Srid: srid}, nil
}

// Forward implements Projection
func (a *AffineProjection) Forward(p PointD) (common.GeoPoint, error) {
	return common.GeoPoint{
		Lon: a.GT[0] + p.X*a.GT[1] + p.Y*a.GT[2],
		Lat: a.GT[3] + p.X*a.GT[4] + p.Y*a.GT[5],
	}, nil
}

// Inverse implements Projection
func (a *AffineProjection) Inverse(g common.GeoPoint) (PointD, error) {
	det := a.GT[1]*a.GT[5] - a.GT[2]*a.GT[4]
	if det == 0 {
		return PointD{}, fmt.Errorf("geotransform is not invertible")
	}
	dx, dy := g.Lon-a.GT[0], g.Lat-a.GT[3]
	return PointD{
		X: (dx*a.GT[5] - dy*a.GT[2]) / det,
		Y: (dy*a.GT[1] - dx*a.GT[4]) / det,
	}, nil
}

// SRID implements Projection
func (a *AffineProjection) SRID() int {
	return a.Srid
}
