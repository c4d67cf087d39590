// Package catalog serves the mosaic catalog: builds, spatial queries and tile reads
package catalog

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/airbusgeo/geocube-mosaic/common"
	"github.com/airbusgeo/geocube-mosaic/footprint"
	db "github.com/airbusgeo/geocube-mosaic/interface/database"
	"github.com/airbusgeo/geocube-mosaic/interface/raster"
	"github.com/airbusgeo/geocube-mosaic/mosaic"
	"github.com/airbusgeo/geocube-mosaic/scanner"
	"github.com/airbusgeo/geocube-mosaic/service"
	"github.com/airbusgeo/geocube-mosaic/service/geometry"
	"github.com/airbusgeo/geocube-mosaic/service/log"
	"github.com/airbusgeo/geocube-mosaic/tilereader"
	"github.com/go-spatial/geom/encoding/geojson"
	"go.uber.org/zap"
)

const DefaultPoolSize = 4

// Config configures the catalog
type Config struct {
	Roots []string
	// OverviewDepth is the number of overview levels of the entries: MaxGSD = MinGSD * 2^OverviewDepth.
	// 0 means no overview (see mosaic.DefaultOverviewDepth).
	OverviewDepth int
	Workers       int
	// PoolSize is the number of handles opened per raster for the tile reads
	PoolSize int
	// ManifestName overrides scanner.DefaultManifestName
	ManifestName string
	Progress     func(int)
}

// Catalog is the main class of this package
type Catalog struct {
	DB      db.CatalogDBBackend
	Opener  raster.Opener
	Roots   []string
	Builder *mosaic.Builder

	poolSize int

	// Serializes the builds
	buildMu sync.Mutex

	mu      sync.Mutex
	readers map[string]*tilereader.Reader
	retired []*tilereader.Pool
	// Incremented each time the readers are retired
	generation int
}

// New creates a catalog of the rasters under cfg.Roots
func New(database db.CatalogDBBackend, opener raster.Opener, cfg Config) *Catalog {
	var scOpts []scanner.Option
	if cfg.ManifestName != "" {
		scOpts = append(scOpts, scanner.WithManifestName(cfg.ManifestName))
	}
	sc := scanner.New(cfg.Roots, scOpts...)

	opts := []mosaic.Option{mosaic.WithWorkers(cfg.Workers), mosaic.WithOverviewDepth(cfg.OverviewDepth)}
	extOpts := []footprint.Option{footprint.WithOverviewDepth(cfg.OverviewDepth)}
	if cfg.Progress != nil {
		opts = append(opts, mosaic.WithProgress(cfg.Progress))
	}
	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = DefaultPoolSize
	}
	return &Catalog{
		DB:       database,
		Opener:   opener,
		Roots:    cfg.Roots,
		Builder:  mosaic.NewBuilder(database, footprint.NewExtractor(opener, extOpts...), sc, opts...),
		poolSize: poolSize,
		readers:  map[string]*tilereader.Reader{},
	}
}

// Build rebuilds the catalog. Concurrent builds are serialized.
func (c *Catalog) Build(ctx context.Context) (mosaic.Stats, error) {
	c.buildMu.Lock()
	defer c.buildMu.Unlock()

	stats, err := c.Builder.Build(ctx, c.Roots)
	if err != nil {
		return stats, fmt.Errorf("Catalog.%w", err)
	}
	// The entries may have changed
	c.retireReaders(ctx)
	return stats, nil
}

// Reset deletes the manifests, so that the next build scans every directory again
func (c *Catalog) Reset(ctx context.Context) (int, error) {
	c.buildMu.Lock()
	defer c.buildMu.Unlock()
	n, err := c.Builder.Reset(ctx)
	if err != nil {
		return n, fmt.Errorf("Catalog.%w", err)
	}
	return n, nil
}

// Entries lists the entries, optionally filtered by subtype
func (c *Catalog) Entries(ctx context.Context, subtype string, page, limit int) ([]common.CatalogEntry, error) {
	entries, err := c.DB.Entries(ctx, subtype, page, limit)
	if err != nil {
		return nil, fmt.Errorf("Catalog.%w", err)
	}
	return entries, nil
}

// EntriesAt lists the entries covering the point, finest first
func (c *Catalog) EntriesAt(ctx context.Context, p common.GeoPoint) ([]common.CatalogEntry, error) {
	entries, err := c.DB.EntriesAt(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("Catalog.%w", err)
	}
	return entries, nil
}

// BestAt returns the finest entry covering the point. May return db.ErrNotFound
func (c *Catalog) BestAt(ctx context.Context, p common.GeoPoint) (common.CatalogEntry, error) {
	e, err := db.BestAt(ctx, c.DB, p)
	if err != nil {
		return e, fmt.Errorf("Catalog.%w", err)
	}
	return e, nil
}

// Subtypes lists the subtypes of the catalog
func (c *Catalog) Subtypes(ctx context.Context) ([]string, error) {
	subtypes, err := c.DB.Subtypes(ctx)
	if err != nil {
		return nil, fmt.Errorf("Catalog.%w", err)
	}
	return subtypes, nil
}

// Coverage is the area covered by the entries of a subtype
type Coverage struct {
	Subtype  string           `json:"subtype"`
	Count    int              `json:"count"`
	MinGSD   float64          `json:"min_gsd"`
	MaxGSD   float64          `json:"max_gsd"`
	BBox     [4]float64       `json:"bbox"`
	Geometry geojson.Geometry `json:"geometry"`
}

// Coverage returns the union of the footprints of the subtype. May return db.ErrNotFound
func (c *Catalog) Coverage(ctx context.Context, subtype string) (Coverage, error) {
	cov, err := c.DB.Coverage(ctx, subtype)
	if err != nil {
		return Coverage{}, fmt.Errorf("Catalog.%w", err)
	}
	union, err := geometry.Coverage(cov.Footprints, geometry.DefaultTolerance)
	if err != nil {
		return Coverage{}, fmt.Errorf("Catalog.%w", err)
	}
	return Coverage{
		Subtype:  cov.Subtype,
		Count:    cov.Count,
		MinGSD:   cov.MinGSD,
		MaxGSD:   cov.MaxGSD,
		BBox:     [4]float64{cov.MinLon, cov.MinLat, cov.MaxLon, cov.MaxLat},
		Geometry: geojson.Geometry{Geometry: union},
	}, nil
}

// LocalPath returns the path of a cataloged raster on the local filesystem.
// Cataloged paths are relative to the parent of their root.
func (c *Catalog) LocalPath(path string) (string, error) {
	parts := strings.SplitN(path, "/", 2)
	if len(parts) != 2 || parts[0] == "" {
		return "", fmt.Errorf("LocalPath: invalid path %s", path)
	}
	for _, root := range c.Roots {
		root = filepath.Clean(root)
		if filepath.Base(root) == parts[0] {
			return filepath.Join(filepath.Dir(root), filepath.FromSlash(path)), nil
		}
	}
	return "", db.ErrNotFound{Type: "root", ID: parts[0]}
}

// Reader returns the reader of a cataloged raster. Readers are cached until the next build.
// The raster is opened without holding the lock of the cache.
func (c *Catalog) Reader(ctx context.Context, path string) (*tilereader.Reader, error) {
	c.mu.Lock()
	r, ok := c.readers[path]
	generation := c.generation
	c.mu.Unlock()
	if ok {
		return r, nil
	}

	entry, err := c.DB.Entry(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("Reader.%w", err)
	}
	local, err := c.LocalPath(path)
	if err != nil {
		return nil, fmt.Errorf("Reader.%w", err)
	}
	pool := tilereader.NewPool(c.Opener, local, c.poolSize)
	r, err = tilereader.NewReader(ctx, entry, pool)
	if err != nil {
		if e := pool.Close(); e != nil {
			log.Logger(ctx).Warn("Reader.Close", zap.Error(e))
		}
		return nil, fmt.Errorf("Reader.%w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if other, ok := c.readers[path]; ok {
		// Opened concurrently
		c.retired = append(c.retired, pool)
		return other, nil
	}
	if generation != c.generation {
		// A build happened meanwhile: the entry may be stale, the reader is used once
		c.retired = append(c.retired, pool)
		return r, nil
	}
	c.readers[path] = r
	return r, nil
}

// ReadTile reads a tile of a cataloged raster
func (c *Catalog) ReadTile(ctx context.Context, path string, req tilereader.ReadRequest) (tilereader.ReadResult, error) {
	for attempt := 0; ; attempt++ {
		r, err := c.Reader(ctx, path)
		if err != nil {
			status := common.DecodeError
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				status = common.Interrupted
			}
			return tilereader.ReadResult{Status: status}, fmt.Errorf("ReadTile.%w", err)
		}
		res, err := r.Read(ctx, req)
		if attempt == 0 && errors.Is(err, tilereader.ErrPoolClosed) && ctx.Err() == nil {
			// The reader was retired by a build: read again with the new catalog
			continue
		}
		return res, err
	}
}

// retireReaders drops the cached readers. Pools still in use are closed later, by the next build or by Close.
func (c *Catalog) retireReaders(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for path, r := range c.readers {
		c.retired = append(c.retired, r.Pool())
		delete(c.readers, path)
	}
	c.generation++
	c.closeRetired(ctx)
}

// closeRetired closes the retired pools that are not in use. Must be called with c.mu held.
func (c *Catalog) closeRetired(ctx context.Context) error {
	var err error
	busy := c.retired[:0]
	for _, p := range c.retired {
		if p.Outstanding() > 0 {
			busy = append(busy, p)
			continue
		}
		if e := p.Close(); e != nil {
			if p.Outstanding() > 0 {
				// acquired since the check
				busy = append(busy, p)
				continue
			}
			log.Logger(ctx).Sugar().Warnf("closeRetired: %v", e)
			err = service.MergeErrors(true, err, e)
		}
	}
	c.retired = busy
	return err
}

// Close closes the readers and the database.
// It fails if some tiles are still being read.
func (c *Catalog) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for path, r := range c.readers {
		c.retired = append(c.retired, r.Pool())
		delete(c.readers, path)
	}
	err := c.closeRetired(ctx)
	if len(c.retired) > 0 {
		err = service.MergeErrors(true, err, fmt.Errorf("Close: %d rasters are still being read", len(c.retired)))
	}
	err = service.MergeErrors(true, err, c.DB.Close())
	if opener, ok := c.Opener.(interface{ Cleanup() error }); ok {
		err = service.MergeErrors(true, err, opener.Cleanup())
	}
	return err
}
