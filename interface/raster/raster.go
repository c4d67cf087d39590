package raster

import (
	"context"
	"fmt"
	"image"

	"github.com/airbusgeo/geocube-mosaic/common"
)

// PointD is a position in (sub)pixel space
type PointD struct {
	X, Y float64
}

// Info describes a raster
type Info struct {
	Width, Height           int
	BandCount               int
	BlockWidth, BlockHeight int
	// Format is the short name of the driver (e.g. PNG, GTiff)
	Format string
	// Precision is true if the georeferencing is suitable for precise positioning
	Precision bool
}

// Projection converts pixel coordinates to geodetic coordinates and back
type Projection interface {
	Forward(p PointD) (common.GeoPoint, error)
	Inverse(g common.GeoPoint) (PointD, error)
	SRID() int
}

// Dataset is an open raster handle.
// A Dataset is not safe for concurrent use and must be closed.
type Dataset interface {
	Info() Info
	Projection() (Projection, error)
	// ReadRegion decodes the src rectangle resampled to dstW x dstH
	ReadRegion(src image.Rectangle, dstW, dstH int) (image.Image, error)
	Close() error
}

// NominalRegioner is implemented by datasets whose useful region is smaller than the full image
// (e.g. scanned maps with a collar)
type NominalRegioner interface {
	NominalRegion() (common.FootprintQuad, bool)
}

// Opener opens datasets
type Opener interface {
	Open(ctx context.Context, path string) (Dataset, error)
}

// OpenerFunc is an adapter to use ordinary functions as Opener
type OpenerFunc func(ctx context.Context, path string) (Dataset, error)

// Open implements Opener
func (f OpenerFunc) Open(ctx context.Context, path string) (Dataset, error) {
	return f(ctx, path)
}

// NominalRegion returns the nominal region of the dataset if any
func NominalRegion(ds Dataset) (common.FootprintQuad, bool) {
	if nr, ok := ds.(NominalRegioner); ok {
		return nr.NominalRegion()
	}
	return common.FootprintQuad{}, false
}

// Corners returns the forward projection of the pixel corners (0,0), (w,0), (w,h), (0,h)
func Corners(proj Projection, width, height int) (common.FootprintQuad, error) {
	var q common.FootprintQuad
	pixels := [4]PointD{{0, 0}, {float64(width), 0}, {float64(width), float64(height)}, {0, float64(height)}}
	for i, p := range pixels {
		g, err := proj.Forward(p)
		if err != nil {
			return q, fmt.Errorf("Corners.Forward(%v): %w", p, err)
		}
		q[i] = g
	}
	return q, nil
}
