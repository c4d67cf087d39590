// Package tilereader serves resampled regions of the cataloged rasters,
// masking the pixels outside of their nominal footprint.
package tilereader

import (
	"context"
	"errors"
	"fmt"
	"image"

	"github.com/airbusgeo/geocube-mosaic/common"
	"github.com/airbusgeo/geocube-mosaic/interface/raster"
	"github.com/airbusgeo/geocube-mosaic/service"
	"golang.org/x/image/draw"
)

// ErrInvalidArgument is returned for an empty, out-of-bounds or oversized request
var ErrInvalidArgument = errors.New("invalid argument")

// MaxDstSize is the largest width or height of a resampled tile
const MaxDstSize = 4096

// ReadRequest is a region of the raster (SrcX, SrcY, SrcW, SrcH) resampled to DstW x DstH pixels
type ReadRequest struct {
	SrcX, SrcY int
	SrcW, SrcH int
	DstW, DstH int
}

// Src returns the source rectangle
func (r ReadRequest) Src() image.Rectangle {
	return image.Rect(r.SrcX, r.SrcY, r.SrcX+r.SrcW, r.SrcY+r.SrcH)
}

// ReadResult is the result of a read. Image is nil unless Status is Success.
type ReadResult struct {
	Status common.ReadStatus
	Image  *image.NRGBA
}

// Reader reads the tiles of one cataloged raster. It is safe for concurrent use:
// the decoding is done on the handles of the pool.
type Reader struct {
	entry      common.CatalogEntry
	pool       *Pool
	width      int
	height     int
	compositor *MaskedEdgeCompositor
}

// NewReader creates a reader of the entry. The mask is computed once, using a handle of the pool.
func NewReader(ctx context.Context, entry common.CatalogEntry, pool *Pool) (*Reader, error) {
	r := &Reader{entry: entry, pool: pool}
	err := pool.Do(ctx, func(ds raster.Dataset) error {
		info := ds.Info()
		r.width, r.height = info.Width, info.Height
		proj, err := ds.Projection()
		if err != nil {
			return service.ErrProjection{Path: entry.Path, Err: err}
		}
		r.compositor, err = NewMaskedEdgeCompositor(info.Width, info.Height, entry.Corners, proj)
		if err != nil {
			return service.ErrProjection{Path: entry.Path, Err: err}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("NewReader: %w", err)
	}
	return r, nil
}

// Entry returns the entry read by the reader
func (r *Reader) Entry() common.CatalogEntry {
	return r.entry
}

// Pool returns the handles used by the reader
func (r *Reader) Pool() *Pool {
	return r.pool
}

// Compositor returns the mask of the reader
func (r *Reader) Compositor() *MaskedEdgeCompositor {
	return r.compositor
}

func (r *Reader) validate(req ReadRequest) error {
	if req.SrcW <= 0 || req.SrcH <= 0 || req.DstW <= 0 || req.DstH <= 0 {
		return fmt.Errorf("%w: empty request %+v", ErrInvalidArgument, req)
	}
	if req.DstW > MaxDstSize || req.DstH > MaxDstSize {
		return fmt.Errorf("%w: tile %dx%d is larger than %d", ErrInvalidArgument, req.DstW, req.DstH, MaxDstSize)
	}
	// SrcW and SrcH are positive: no overflow
	if req.SrcX < 0 || req.SrcY < 0 || req.SrcX > r.width-req.SrcW || req.SrcY > r.height-req.SrcH {
		return fmt.Errorf("%w: region (%d,%d)+%dx%d is outside the raster (%dx%d)",
			ErrInvalidArgument, req.SrcX, req.SrcY, req.SrcW, req.SrcH, r.width, r.height)
	}
	return nil
}

// Read decodes the requested region and masks the pixels outside of the nominal footprint (alpha=0).
// Invalid requests return InvalidArgument without decoding anything.
// If the context is done while waiting for a handle, or if the pool is closed, Interrupted is returned.
func (r *Reader) Read(ctx context.Context, req ReadRequest) (ReadResult, error) {
	if err := r.validate(req); err != nil {
		return ReadResult{Status: common.InvalidArgument}, err
	}
	src := req.Src()

	var img image.Image
	err := r.pool.Do(ctx, func(ds raster.Dataset) error {
		var err error
		img, err = ds.ReadRegion(src, req.DstW, req.DstH)
		return err
	})
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrPoolClosed) {
			return ReadResult{Status: common.Interrupted}, fmt.Errorf("Read: %w", err)
		}
		return ReadResult{Status: common.DecodeError}, service.ErrDecode{Path: r.entry.Path, Err: err}
	}

	dst := toNRGBA(img, req.DstW, req.DstH)
	if err := r.compositor.Apply(dst, src); err != nil {
		return ReadResult{Status: common.DecodeError}, service.ErrProjection{Path: r.entry.Path, Err: err}
	}
	return ReadResult{Status: common.Success, Image: dst}, nil
}

// toNRGBA converts the decoded buffer to a dstW x dstH NRGBA image
func toNRGBA(img image.Image, dstW, dstH int) *image.NRGBA {
	if nrgba, ok := img.(*image.NRGBA); ok && nrgba.Rect.Min == (image.Point{}) && nrgba.Rect.Dx() == dstW && nrgba.Rect.Dy() == dstH {
		return nrgba
	}
	dst := image.NewNRGBA(image.Rect(0, 0, dstW, dstH))
	b := img.Bounds()
	if b.Dx() == dstW && b.Dy() == dstH {
		draw.Draw(dst, dst.Rect, img, b.Min, draw.Src)
	} else {
		draw.ApproxBiLinear.Scale(dst, dst.Rect, img, b, draw.Src, nil)
	}
	return dst
}
