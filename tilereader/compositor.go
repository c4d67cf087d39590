package tilereader

import (
	"fmt"
	"image"
	"math"

	"github.com/airbusgeo/geocube-mosaic/common"
	"github.com/airbusgeo/geocube-mosaic/interface/raster"
)

// Outer bands of the compositor
const (
	BandTop = iota
	BandRight
	BandBottom
	BandLeft
)

// MaskedEdgeCompositor masks the pixels of a raster that are outside its nominal footprint.
// Only the pixels of the four outer bands (between the full extent of the raster and the largest
// axis-aligned rectangle inside the footprint) are tested.
// It is immutable and can be used concurrently.
type MaskedEdgeCompositor struct {
	width, height int
	quad          common.FootprintQuad
	proj          raster.Projection
	inner         image.Rectangle
	bands         [4]image.Rectangle
}

// NewMaskedEdgeCompositor computes the outer bands of a raster of size width x height
// whose nominal footprint is quad. proj must be safe for concurrent use.
func NewMaskedEdgeCompositor(width, height int, quad common.FootprintQuad, proj raster.Projection) (*MaskedEdgeCompositor, error) {
	var px [4]raster.PointD
	for i, g := range quad {
		p, err := proj.Inverse(g)
		if err != nil {
			return nil, fmt.Errorf("NewMaskedEdgeCompositor.Inverse(%v): %w", g, err)
		}
		if math.IsNaN(p.X) || math.IsNaN(p.Y) {
			return nil, fmt.Errorf("NewMaskedEdgeCompositor: %v cannot be projected", g)
		}
		px[i] = p
	}

	// Tightest bound of each edge, rounded inward
	left := clamp(math.Ceil(math.Max(px[common.UL].X, px[common.LL].X)), width)
	right := clamp(math.Floor(math.Min(px[common.UR].X, px[common.LR].X)), width)
	top := clamp(math.Ceil(math.Max(px[common.UL].Y, px[common.UR].Y)), height)
	bottom := clamp(math.Floor(math.Min(px[common.LL].Y, px[common.LR].Y)), height)
	if right < left {
		right = left
	}
	if bottom < top {
		bottom = top
	}

	c := &MaskedEdgeCompositor{
		width:  width,
		height: height,
		quad:   quad,
		proj:   proj,
		inner:  image.Rect(left, top, right, bottom),
	}
	c.bands[BandTop] = image.Rect(0, 0, width, top)
	c.bands[BandRight] = image.Rect(right, top, width, bottom)
	c.bands[BandBottom] = image.Rect(0, bottom, width, height)
	c.bands[BandLeft] = image.Rect(0, top, left, bottom)
	return c, nil
}

func clamp(v float64, limit int) int {
	if v < 0 {
		return 0
	}
	if v > float64(limit) {
		return limit
	}
	return int(v)
}

// Inner returns the rectangle of the pixels that are inside the footprint
func (c *MaskedEdgeCompositor) Inner() image.Rectangle {
	return c.inner
}

// Bands returns the outer bands (top, right, bottom, left). Some of them may be empty.
func (c *MaskedEdgeCompositor) Bands() [4]image.Rectangle {
	return c.bands
}

// Apply zeroes the alpha of the pixels of dst that are outside the footprint.
// dst is the resampling of the src rectangle of the raster.
// Returns an error if a pixel cannot be projected.
func (c *MaskedEdgeCompositor) Apply(dst *image.NRGBA, src image.Rectangle) error {
	dw, dh := dst.Rect.Dx(), dst.Rect.Dy()
	if dw == 0 || dh == 0 || src.Empty() {
		return nil
	}
	sx := float64(src.Dx()) / float64(dw)
	sy := float64(src.Dy()) / float64(dh)

	for _, band := range c.bands {
		inter := band.Intersect(src)
		if inter.Empty() {
			continue
		}
		// Destination pixels whose center may fall in the intersection
		i0, i1 := destRange(inter.Min.X-src.Min.X, inter.Max.X-src.Min.X, sx, dw)
		j0, j1 := destRange(inter.Min.Y-src.Min.Y, inter.Max.Y-src.Min.Y, sy, dh)
		for j := j0; j < j1; j++ {
			y := float64(src.Min.Y) + (float64(j)+0.5)*sy
			if y < float64(inter.Min.Y) || y >= float64(inter.Max.Y) {
				continue
			}
			for i := i0; i < i1; i++ {
				x := float64(src.Min.X) + (float64(i)+0.5)*sx
				if x < float64(inter.Min.X) || x >= float64(inter.Max.X) {
					continue
				}
				g, err := c.proj.Forward(raster.PointD{X: x, Y: y})
				if err != nil {
					return fmt.Errorf("Apply.Forward: %w", err)
				}
				if !c.quad.Contains(g) {
					dst.Pix[dst.PixOffset(dst.Rect.Min.X+i, dst.Rect.Min.Y+j)+3] = 0
				}
			}
		}
	}
	return nil
}

// destRange returns the range of destination pixels covering [from, to) in source space
func destRange(from, to int, scale float64, size int) (int, int) {
	lo := int(math.Floor(float64(from)/scale - 0.5))
	hi := int(math.Ceil(float64(to)/scale + 0.5))
	if lo < 0 {
		lo = 0
	}
	if hi > size {
		hi = size
	}
	return lo, hi
}
