package worldfile

import (
	"bufio"
	"context"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/airbusgeo/geocube-mosaic/common"
	"github.com/airbusgeo/geocube-mosaic/interface/raster"
	"github.com/airbusgeo/geocube-mosaic/service"
	"github.com/airbusgeo/geocube-mosaic/service/log"
	"github.com/disintegration/imaging"
	"github.com/go-spatial/geom"
	geomwkt "github.com/go-spatial/geom/encoding/wkt"
	"github.com/google/uuid"
	"github.com/mholt/archiver"
)

// NeatlineExt is the extension of the optional sidecar holding the nominal region as a WKT polygon
const NeatlineExt = ".neatline"

var sidecarExts = map[string][]string{
	".png":  {".pgw", ".pngw"},
	".jpg":  {".jgw", ".jpgw"},
	".jpeg": {".jgw", ".jpegw"},
	".tif":  {".tfw", ".tifw"},
	".tiff": {".tfw", ".tiffw"},
	".gif":  {".gfw", ".gifw"},
	".bmp":  {".bpw", ".bmpw"},
}

var formats = map[string]string{
	"png":  "PNG",
	"jpeg": "JPEG",
	"gif":  "GIF",
	"tiff": "GTiff",
	"bmp":  "BMP",
}

// SidecarCandidates returns the world files that may georeference the image
func SidecarCandidates(imagePath string) []string {
	ext := filepath.Ext(imagePath)
	base := strings.TrimSuffix(imagePath, ext)
	var res []string
	for _, e := range sidecarExts[strings.ToLower(ext)] {
		res = append(res, base+e, base+strings.ToUpper(e))
	}
	return append(res, base+".wld", base+".WLD")
}

// IsSidecar returns true if the file is a world file or a neatline
func IsSidecar(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".wld" || ext == NeatlineExt {
		return true
	}
	for _, exts := range sidecarExts {
		for _, e := range exts {
			if e == ext {
				return true
			}
		}
	}
	return false
}

// ReadWorldFile parses the six lines of a world file into a geotransform
// The world file references the center of the upper-left pixel, the geotransform its corner.
func ReadWorldFile(path string) ([6]float64, error) {
	var gt [6]float64
	f, err := os.Open(path)
	if err != nil {
		return gt, err
	}
	defer f.Close()

	var v []float64
	scanner := bufio.NewScanner(f)
	for scanner.Scan() && len(v) < 6 {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		x, err := strconv.ParseFloat(line, 64)
		if err != nil {
			return gt, fmt.Errorf("ReadWorldFile.ParseFloat(%s): %w", line, err)
		}
		v = append(v, x)
	}
	if err := scanner.Err(); err != nil {
		return gt, fmt.Errorf("ReadWorldFile.Scan: %w", err)
	}
	if len(v) != 6 {
		return gt, fmt.Errorf("ReadWorldFile: expecting 6 values, got %d", len(v))
	}
	a, d, b, e, c, f0 := v[0], v[1], v[2], v[3], v[4], v[5]
	return [6]float64{c - a/2 - b/2, a, b, f0 - d/2 - e/2, d, e}, nil
}

// WriteWorldFile writes a world file from a geotransform
func WriteWorldFile(path string, gt [6]float64) error {
	v := []float64{gt[1], gt[4], gt[2], gt[5], gt[0] + gt[1]/2 + gt[2]/2, gt[3] + gt[4]/2 + gt[5]/2}
	lines := make([]string, len(v))
	for i, x := range v {
		lines[i] = strconv.FormatFloat(x, 'f', -1, 64)
	}
	return os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0644)
}

// ReadNeatline parses a WKT polygon with four corners (UL, UR, LR, LL)
func ReadNeatline(path string) (common.FootprintQuad, error) {
	var q common.FootprintQuad
	b, err := os.ReadFile(path)
	if err != nil {
		return q, err
	}
	g, err := geomwkt.DecodeString(strings.TrimSpace(string(b)))
	if err != nil {
		return q, fmt.Errorf("ReadNeatline.DecodeString: %w", err)
	}
	poly, ok := g.(geom.Polygon)
	if !ok || len(poly) == 0 {
		return q, fmt.Errorf("ReadNeatline: expecting a polygon")
	}
	ring := poly[0]
	if len(ring) == 5 && ring[0] == ring[4] {
		ring = ring[:4]
	}
	if len(ring) != 4 {
		return q, fmt.Errorf("ReadNeatline: expecting 4 corners, got %d", len(ring))
	}
	for i, p := range ring {
		q[i] = common.GeoPoint{Lon: p[0], Lat: p[1]}
	}
	return q, nil
}

// Opener opens images georeferenced by a world file, possibly stored in a zip archive
type Opener struct {
	// Workdir stores the members extracted from archives
	Workdir string

	mu        sync.Mutex
	extracted map[string]string
	dirs      service.StringSet
}

// NewOpener creates an opener extracting archive members under workdir
func NewOpener(workdir string) *Opener {
	return &Opener{Workdir: workdir, extracted: map[string]string{}, dirs: service.StringSet{}}
}

// SplitArchivePath splits "dir/archive.zip/member.png" into ("dir/archive.zip", "member.png")
// If the path is not inside a zip archive, member is empty.
func SplitArchivePath(path string) (archive, member string) {
	path = filepath.ToSlash(path)
	parts := strings.Split(path, "/")
	for i := 0; i < len(parts)-1; i++ {
		if strings.EqualFold(filepath.Ext(parts[i]), ".zip") {
			archive = filepath.FromSlash(strings.Join(parts[:i+1], "/"))
			if fi, err := os.Stat(archive); err == nil && !fi.IsDir() {
				return archive, strings.Join(parts[i+1:], "/")
			}
		}
	}
	return filepath.FromSlash(path), ""
}

// localize returns a local path for the image, extracting it (and its sidecars) from its archive if needed
func (o *Opener) localize(ctx context.Context, path string) (string, error) {
	archive, member := SplitArchivePath(path)
	if member == "" {
		return archive, nil
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if local, ok := o.extracted[path]; ok {
		return local, nil
	}
	if o.extracted == nil {
		o.extracted, o.dirs = map[string]string{}, service.StringSet{}
	}
	workdir := o.Workdir
	if workdir == "" {
		workdir = os.TempDir()
	}
	dest := filepath.Join(workdir, uuid.New().String())
	if err := os.MkdirAll(dest, 0755); err != nil {
		return "", fmt.Errorf("localize.MkdirAll: %w", err)
	}
	o.dirs.Push(dest)
	z := archiver.NewZip()
	z.OverwriteExisting = true
	z.MkdirAll = true
	if err := z.Extract(archive, member, dest); err != nil {
		return "", fmt.Errorf("localize.Extract(%s): %w", member, err)
	}
	sidecars := append(SidecarCandidates(member), strings.TrimSuffix(member, filepath.Ext(member))+NeatlineExt)
	for _, sidecar := range sidecars {
		// Most of the candidates do not exist
		_ = z.Extract(archive, sidecar, dest)
	}
	local := filepath.Join(dest, filepath.FromSlash(member))
	log.Logger(ctx).Sugar().Debugf("%s extracted to %s", path, local)
	o.extracted[path] = local
	return local, nil
}

// Cleanup removes the extracted members
func (o *Opener) Cleanup() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	var err error
	for _, dir := range o.dirs.Slice() {
		err = service.MergeErrors(true, err, os.RemoveAll(dir))
	}
	o.extracted, o.dirs = map[string]string{}, service.StringSet{}
	return err
}

// Open implements raster.Opener
func (o *Opener) Open(ctx context.Context, path string) (raster.Dataset, error) {
	local, err := o.localize(ctx, path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(local)
	if err != nil {
		return nil, fmt.Errorf("Open: %w", err)
	}
	cfg, format, err := image.DecodeConfig(f)
	f.Close()
	if err != nil {
		return nil, fmt.Errorf("Open.DecodeConfig: %w", err)
	}
	ds := &Dataset{
		path:   local,
		format: format,
		width:  cfg.Width,
		height: cfg.Height,
	}
	if name, ok := formats[format]; ok {
		ds.format = name
	}
	for _, sidecar := range SidecarCandidates(local) {
		gt, err := ReadWorldFile(sidecar)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("Open.%w", err)
		}
		if ds.proj, err = raster.NewAffineProjection(gt, raster.SRIDWGS84); err != nil {
			return nil, fmt.Errorf("Open.%w", err)
		}
		break
	}
	neatline := strings.TrimSuffix(local, filepath.Ext(local)) + NeatlineExt
	if q, err := ReadNeatline(neatline); err == nil {
		ds.nominal, ds.hasNominal = q, true
	} else if !os.IsNotExist(err) {
		log.Logger(ctx).Sugar().Warnf("%s: invalid neatline ignored: %v", path, err)
	}
	return ds, nil
}

// Dataset is an image decoded on first read
type Dataset struct {
	path          string
	format        string
	width, height int
	proj          *raster.AffineProjection
	nominal       common.FootprintQuad
	hasNominal    bool
	img           image.Image
}

// Info implements raster.Dataset
func (ds *Dataset) Info() raster.Info {
	return raster.Info{
		Width:       ds.width,
		Height:      ds.height,
		BandCount:   4,
		BlockWidth:  ds.width,
		BlockHeight: 1,
		Format:      ds.format,
		Precision:   false,
	}
}

// Projection implements raster.Dataset
func (ds *Dataset) Projection() (raster.Projection, error) {
	if ds.proj == nil {
		return nil, fmt.Errorf("%s: no world file found", ds.path)
	}
	return ds.proj, nil
}

// NominalRegion implements raster.NominalRegioner
func (ds *Dataset) NominalRegion() (common.FootprintQuad, bool) {
	return ds.nominal, ds.hasNominal
}

// ReadRegion implements raster.Dataset
func (ds *Dataset) ReadRegion(src image.Rectangle, dstW, dstH int) (image.Image, error) {
	if ds.img == nil {
		img, err := imaging.Open(ds.path)
		if err != nil {
			return nil, fmt.Errorf("ReadRegion.Open: %w", err)
		}
		ds.img = img
	}
	if !src.In(ds.img.Bounds()) {
		return nil, fmt.Errorf("ReadRegion: %v is outside %v", src, ds.img.Bounds())
	}
	region := imaging.Crop(ds.img, src)
	if src.Dx() == dstW && src.Dy() == dstH {
		return region, nil
	}
	return imaging.Resize(region, dstW, dstH, imaging.Linear), nil
}

// Close implements raster.Dataset
func (ds *Dataset) Close() error {
	ds.img = nil
	return nil
}
