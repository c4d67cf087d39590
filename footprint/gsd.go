package footprint

import (
	"math"

	"github.com/airbusgeo/geocube-mosaic/common"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
)

func distance(a, b common.GeoPoint) float64 {
	return geo.DistanceHaversine(orb.Point{a.Lon, a.Lat}, orb.Point{b.Lon, b.Lat})
}

// GSD returns the mean ground sample distance (in meters) of an image given the geodetic position of its corners:
// the mean of the lengths of the four edges divided by the number of pixels along them.
func GSD(corners common.FootprintQuad, width, height int) float64 {
	w, h := float64(width), float64(height)
	return (distance(corners[common.UL], corners[common.UR])/w +
		distance(corners[common.LL], corners[common.LR])/w +
		distance(corners[common.UL], corners[common.LL])/h +
		distance(corners[common.UR], corners[common.LR])/h) / 4
}

// DiagonalGSD returns the ground sample distance computed from the geometric mean of the diagonals
func DiagonalGSD(corners common.FootprintQuad, width, height int) float64 {
	d := math.Sqrt(distance(corners[common.UL], corners[common.LR]) * distance(corners[common.UR], corners[common.LL]))
	return d / math.Hypot(float64(width), float64(height))
}
