// Package footprint computes the catalog entries of the rasters found by the scanner
package footprint

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/airbusgeo/geocube-mosaic/common"
	"github.com/airbusgeo/geocube-mosaic/interface/raster"
	"github.com/airbusgeo/geocube-mosaic/scanner"
	"github.com/airbusgeo/geocube-mosaic/service"
	"github.com/airbusgeo/geocube-mosaic/service/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// DefaultOverviewDepth is the number of overview levels of an entry
const DefaultOverviewDepth = 3

var skippedFiles = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "mosaic_footprint_skipped_total",
	Help: "Number of rasters skipped during the extraction of the footprints.",
}, []string{"reason"})

// Extractor computes the footprint, the resolution and the subtype of rasters
type Extractor struct {
	opener        raster.Opener
	overviewDepth int
}

// Option configures the extractor
type Option func(*Extractor)

// WithOverviewDepth sets the number of overview levels used to compute MaxGSD
func WithOverviewDepth(d int) Option {
	return func(e *Extractor) {
		if d >= 0 {
			e.overviewDepth = d
		}
	}
}

// NewExtractor creates an extractor opening the rasters with opener
func NewExtractor(opener raster.Opener, opts ...Option) *Extractor {
	e := &Extractor{opener: opener, overviewDepth: DefaultOverviewDepth}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Extract returns the entries of the rasters of the candidate.
// Rasters that cannot be decoded or projected are logged and skipped.
// An error is returned if the context is done or if no raster of the candidate can be extracted.
func (e *Extractor) Extract(ctx context.Context, root string, candidate scanner.Candidate) ([]common.CatalogEntry, error) {
	var entries []common.CatalogEntry
	var errs error
	for _, path := range candidate.Rasters() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		entry, err := e.ExtractFile(ctx, root, path)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, err
			}
			reason := "decode"
			var errProj service.ErrProjection
			if errors.As(err, &errProj) {
				reason = "projection"
			}
			skippedFiles.WithLabelValues(reason).Inc()
			log.Logger(ctx).Warn("raster skipped", zap.String("path", path), zap.String("reason", reason), zap.Error(err))
			errs = service.MergeErrors(true, errs, err)
			continue
		}
		entries = append(entries, entry)
	}
	if len(entries) == 0 && errs != nil {
		return nil, fmt.Errorf("Extract(%s): %w", candidate.Path, errs)
	}
	return entries, nil
}

// ExtractFile returns the entry of one raster.
// The path of the entry is relative to the parent directory of root.
func (e *Extractor) ExtractFile(ctx context.Context, root, path string) (common.CatalogEntry, error) {
	rel, err := RelativePath(root, path)
	if err != nil {
		return common.CatalogEntry{}, service.ErrDecode{Path: path, Err: err}
	}

	ds, err := e.opener.Open(ctx, path)
	if err != nil {
		return common.CatalogEntry{}, service.ErrDecode{Path: path, Err: err}
	}
	defer ds.Close()

	info := ds.Info()
	if info.Width <= 0 || info.Height <= 0 {
		return common.CatalogEntry{}, service.ErrDecode{Path: path, Err: fmt.Errorf("invalid size %dx%d", info.Width, info.Height)}
	}
	proj, err := ds.Projection()
	if err != nil {
		return common.CatalogEntry{}, service.ErrProjection{Path: path, Err: err}
	}
	corners, err := raster.Corners(proj, info.Width, info.Height)
	if err != nil {
		return common.CatalogEntry{}, service.ErrProjection{Path: path, Err: err}
	}
	gsd := GSD(corners, info.Width, info.Height)
	if nominal, ok := raster.NominalRegion(ds); ok {
		corners = nominal
	}

	entry := common.CatalogEntry{
		Path:      rel,
		Subtype:   Subtype(root, path, info.Format, gsd),
		Precision: info.Precision,
		Corners:   corners,
		MinGSD:    gsd,
		MaxGSD:    common.MaxGSD(gsd, e.overviewDepth),
		Width:     info.Width,
		Height:    info.Height,
		SRID:      proj.SRID(),
	}
	if err := entry.Validate(); err != nil {
		return common.CatalogEntry{}, service.ErrProjection{Path: path, Err: err}
	}
	log.Logger(ctx).Sugar().Debugf("%s: %s gsd=%.2fm", rel, entry.Subtype, gsd)
	return entry, nil
}

// RelativePath returns the path relative to the parent of the root, with forward slashes
func RelativePath(root, path string) (string, error) {
	rel, err := filepath.Rel(filepath.Dir(filepath.Clean(root)), path)
	if err != nil {
		return "", fmt.Errorf("RelativePath: %w", err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("RelativePath: %s is not in %s", path, root)
	}
	return filepath.ToSlash(rel), nil
}

// Subtype returns the label of the raster:
// the RPF map type given by a parent folder (between root and path) or by the frame file name,
// otherwise the format followed by the formatted resolution (e.g. "PNG 30m").
func Subtype(root, path, format string, gsd float64) string {
	root = filepath.Clean(root)
	for dir := filepath.Dir(path); dir != root && len(dir) > len(root); dir = filepath.Dir(dir) {
		if m, ok := common.MapTypeFromFolder(filepath.Base(dir)); ok {
			return m.Subtype()
		}
	}
	if m, ok := common.MapTypeFromFrame(filepath.Base(path)); ok && common.IsFrameName(filepath.Base(path)) {
		return m.Subtype()
	}
	if format == "" {
		format = strings.ToUpper(strings.TrimPrefix(filepath.Ext(path), "."))
	}
	return format + " " + common.FormatResolution(gsd)
}
