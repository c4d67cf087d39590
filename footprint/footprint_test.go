package footprint

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/airbusgeo/geocube-mosaic/common"
	"github.com/airbusgeo/geocube-mosaic/interface/raster"
	"github.com/airbusgeo/geocube-mosaic/interface/raster/worldfile"
	"github.com/airbusgeo/geocube-mosaic/scanner"
	"github.com/airbusgeo/geocube-mosaic/service"
)

// 0.001 degree at the equator
var metersPerMilliDegree = 0.001 * math.Pi / 180 * 6378137

type fakeDataset struct {
	info   raster.Info
	proj   raster.Projection
	closed *int
}

func (ds fakeDataset) Info() raster.Info { return ds.info }
func (ds fakeDataset) Projection() (raster.Projection, error) {
	if ds.proj == nil {
		return nil, fmt.Errorf("no projection")
	}
	return ds.proj, nil
}
func (ds fakeDataset) ReadRegion(src image.Rectangle, dstW, dstH int) (image.Image, error) {
	return image.NewNRGBA(image.Rect(0, 0, dstW, dstH)), nil
}
func (ds fakeDataset) Close() error {
	*ds.closed++
	return nil
}

type nominalDataset struct {
	fakeDataset
	nominal common.FootprintQuad
}

func (ds nominalDataset) NominalRegion() (common.FootprintQuad, bool) {
	return ds.nominal, true
}

// constProjection projects every pixel on the same point
type constProjection struct{}

func (constProjection) Forward(raster.PointD) (common.GeoPoint, error) {
	return common.GeoPoint{Lat: 1, Lon: 1}, nil
}
func (constProjection) Inverse(common.GeoPoint) (raster.PointD, error) {
	return raster.PointD{}, nil
}
func (constProjection) SRID() int { return 4326 }

func affine(t *testing.T, lat, lon, step float64) *raster.AffineProjection {
	t.Helper()
	p, err := raster.NewAffineProjection([6]float64{lon, step, 0, lat, 0, -step}, raster.SRIDWGS84)
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func TestGSD(t *testing.T) {
	corners, err := raster.Corners(affine(t, 0.05, 0, 0.001), 100, 100)
	if err != nil {
		t.Fatal(err)
	}
	gsd := GSD(corners, 100, 100)
	if math.Abs(gsd-metersPerMilliDegree)/metersPerMilliDegree > 1e-3 {
		t.Errorf("expected %f, got %f", metersPerMilliDegree, gsd)
	}
	diag := DiagonalGSD(corners, 100, 100)
	if math.Abs(gsd-diag)/gsd > 1e-2 {
		t.Errorf("GSD (%f) and DiagonalGSD (%f) must agree on a square image", gsd, diag)
	}

	// Rectangular image: the resolution does not depend on the size
	corners, _ = raster.Corners(affine(t, 0.05, 0, 0.001), 400, 50)
	if g := GSD(corners, 400, 50); math.Abs(g-metersPerMilliDegree)/metersPerMilliDegree > 1e-3 {
		t.Errorf("expected %f, got %f", metersPerMilliDegree, g)
	}

	// At 60°N, a degree of longitude is half a degree of latitude
	corners, _ = raster.Corners(affine(t, 60, 0, 0.001), 100, 100)
	if g := GSD(corners, 100, 100); g < 0.74*metersPerMilliDegree || g > 0.76*metersPerMilliDegree {
		t.Errorf("unexpected gsd at 60°N: %f", g)
	}
}

func TestExtract(t *testing.T) {
	ctx := context.Background()
	closed := 0
	datasets := map[string]raster.Dataset{
		"/data/maps/ok.png":         fakeDataset{info: raster.Info{Width: 100, Height: 100, Format: "PNG"}, proj: affine(t, 0.05, 0, 0.001), closed: &closed},
		"/data/maps/noproj.png":     fakeDataset{info: raster.Info{Width: 100, Height: 100, Format: "PNG"}, closed: &closed},
		"/data/maps/degenerate.png": fakeDataset{info: raster.Info{Width: 100, Height: 100, Format: "PNG"}, proj: constProjection{}, closed: &closed},
		"/data/maps/empty.png":      fakeDataset{info: raster.Info{Width: 0, Height: 100, Format: "PNG"}, proj: affine(t, 0.05, 0, 0.001), closed: &closed},
	}
	opener := raster.OpenerFunc(func(ctx context.Context, path string) (raster.Dataset, error) {
		if ds, ok := datasets[path]; ok {
			return ds, nil
		}
		return nil, fmt.Errorf("cannot decode %s", path)
	})
	ext := NewExtractor(opener, WithOverviewDepth(2))

	candidate := scanner.Candidate{Path: "/data/maps/product.SAFE", Members: []string{
		"/data/maps/bad.png", "/data/maps/noproj.png", "/data/maps/ok.png", "/data/maps/degenerate.png", "/data/maps/empty.png",
	}}
	entries, err := ext.Extract(ctx, "/data/maps", candidate)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %v", entries)
	}
	e := entries[0]
	if e.Path != "maps/ok.png" || e.Subtype != "PNG 111.3m" || e.Width != 100 || e.SRID != 4326 || e.MaxGSD != 4*e.MinGSD {
		t.Errorf("unexpected entry %+v", e)
	}
	if e.Corners[common.UL] != (common.GeoPoint{Lat: 0.05, Lon: 0}) ||
		math.Abs(e.Corners[common.LR].Lat+0.05) > 1e-12 || math.Abs(e.Corners[common.LR].Lon-0.1) > 1e-12 {
		t.Errorf("unexpected corners %v", e.Corners)
	}
	if closed != 4 {
		t.Errorf("every opened dataset must be closed, %d/4", closed)
	}

	_, err = ext.ExtractFile(ctx, "/data/maps", "/data/maps/noproj.png")
	var errProj service.ErrProjection
	if !errors.As(err, &errProj) {
		t.Errorf("expected ErrProjection, got %v", err)
	}
	_, err = ext.ExtractFile(ctx, "/data/maps", "/data/maps/degenerate.png")
	if !errors.As(err, &errProj) {
		t.Errorf("expected ErrProjection, got %v", err)
	}
	_, err = ext.ExtractFile(ctx, "/data/maps", "/data/maps/bad.png")
	var errDecode service.ErrDecode
	if !errors.As(err, &errDecode) {
		t.Errorf("expected ErrDecode, got %v", err)
	}

	if _, err := ext.Extract(ctx, "/data/maps", scanner.Candidate{Path: "/data/maps/bad.png"}); err == nil {
		t.Errorf("expected an error when no raster can be extracted")
	}
	cctx, cancel := context.WithCancel(ctx)
	cancel()
	if _, err := ext.Extract(cctx, "/data/maps", scanner.Candidate{Path: "/data/maps/ok.png"}); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestNominalRegion(t *testing.T) {
	closed := 0
	nominal := common.FootprintQuad{{Lat: 0.04, Lon: 0.01}, {Lat: 0.04, Lon: 0.09}, {Lat: -0.04, Lon: 0.09}, {Lat: -0.04, Lon: 0.01}}
	ds := nominalDataset{
		fakeDataset: fakeDataset{info: raster.Info{Width: 100, Height: 100, Format: "GTiff", Precision: true}, proj: affine(t, 0.05, 0, 0.001), closed: &closed},
		nominal:     nominal,
	}
	ext := NewExtractor(raster.OpenerFunc(func(ctx context.Context, path string) (raster.Dataset, error) { return ds, nil }))
	e, err := ext.ExtractFile(context.Background(), "/data", "/data/a.tif")
	if err != nil {
		t.Fatal(err)
	}
	if e.Corners != nominal {
		t.Errorf("expected the nominal corners, got %v", e.Corners)
	}
	// The resolution is computed on the full image
	if math.Abs(e.MinGSD-metersPerMilliDegree)/metersPerMilliDegree > 1e-3 {
		t.Errorf("unexpected gsd %f", e.MinGSD)
	}
	if !e.Precision || e.MaxGSD != 8*e.MinGSD {
		t.Errorf("unexpected entry %+v", e)
	}
}

func TestSubtype(t *testing.T) {
	tests := []struct {
		root, path, format string
		gsd                float64
		want               string
	}{
		{"/data", "/data/pfps/rpf/cib1/2/00000102.I42", "", 1, "CIB 1m"},
		{"/data", "/data/pfps/rpf/CIB05/2/00000102.I52", "", 0.5, "CIB 50cm"},
		{"/data", "/data/frames/0000A01A.JN1", "", 200, "JNC"},
		{"/data", "/data/a/b.png", "PNG", 30, "PNG 30m"},
		{"/data", "/data/a/b.tif", "", 2500, "TIF 2.5km"},
		// Folders above the root are not considered
		{"/cib1/data", "/cib1/data/b.png", "PNG", 1.2, "PNG 1.2m"},
	}
	for _, tt := range tests {
		if got := Subtype(tt.root, tt.path, tt.format, tt.gsd); got != tt.want {
			t.Errorf("Subtype(%s) = %s, want %s", tt.path, got, tt.want)
		}
	}
}

func TestRelativePath(t *testing.T) {
	if rel, err := RelativePath("/data/maps/", "/data/maps/a/b.png"); err != nil || rel != "maps/a/b.png" {
		t.Errorf("unexpected relative path %s %v", rel, err)
	}
	if rel, err := RelativePath("/data/maps", "/data/maps/a.zip/b.png"); err != nil || rel != "maps/a.zip/b.png" {
		t.Errorf("unexpected relative path %s %v", rel, err)
	}
	if _, err := RelativePath("/data/maps", "/other/b.png"); err == nil {
		t.Errorf("expected an error")
	}
}

func TestExtractWorldFile(t *testing.T) {
	root := filepath.Join(t.TempDir(), "imagery")
	if err := os.MkdirAll(root, 0755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(root, "a.png")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := png.Encode(f, image.NewNRGBA(image.Rect(0, 0, 200, 100))); err != nil {
		t.Fatal(err)
	}
	f.Close()
	if err := worldfile.WriteWorldFile(filepath.Join(root, "a.pgw"), [6]float64{10, 0.001, 0, 0.05, 0, -0.001}); err != nil {
		t.Fatal(err)
	}

	opener := worldfile.NewOpener(t.TempDir())
	defer opener.Cleanup()
	entries, err := NewExtractor(opener).Extract(context.Background(), root, scanner.Candidate{Path: path, Provider: scanner.ProviderRaster})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected one entry, got %v", entries)
	}
	e := entries[0]
	if e.Path != "imagery/a.png" || e.Subtype != "PNG 111.3m" || e.Width != 200 || e.Height != 100 {
		t.Errorf("unexpected entry %+v", e)
	}
	if math.Abs(e.Corners[common.LR].Lon-10.2) > 1e-9 || math.Abs(e.Corners[common.LR].Lat+0.05) > 1e-9 {
		t.Errorf("unexpected corners %v", e.Corners)
	}
	if err := e.Validate(); err != nil {
		t.Error(err)
	}
}
