// Package mosaic builds the catalog of the imagery found under a set of roots
package mosaic

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/airbusgeo/geocube-mosaic/common"
	db "github.com/airbusgeo/geocube-mosaic/interface/database"
	"github.com/airbusgeo/geocube-mosaic/scanner"
	"github.com/airbusgeo/geocube-mosaic/service"
	"github.com/airbusgeo/geocube-mosaic/service/log"
	"golang.org/x/sync/errgroup"
)

// ProgressIndexing is reported just before the indices are built
const ProgressIndexing = -100

const (
	progressInterval     = 50
	DefaultOverviewDepth = 3
	DefaultWorkers       = 4
)

// Extractor computes the entries of a candidate
type Extractor interface {
	Extract(ctx context.Context, root string, candidate scanner.Candidate) ([]common.CatalogEntry, error)
}

// Stats summarizes a build
type Stats struct {
	Roots             int
	Directories       int
	CachedDirectories int
	Candidates        int
	Failed            int
	Entries           int
	ManifestErrors    int
	Duration          time.Duration
}

// Builder scans the roots and (re)builds the catalog in one transaction
type Builder struct {
	db            db.CatalogDBBackend
	extractor     Extractor
	scanner       *scanner.Scanner
	overviewDepth int
	workers       int
	progress      func(int)
}

// Option configures the builder
type Option func(*Builder)

// WithOverviewDepth sets the number of overview levels: MaxGSD = MinGSD * 2^depth
func WithOverviewDepth(depth int) Option {
	return func(b *Builder) {
		if depth >= 0 {
			b.overviewDepth = depth
		}
	}
}

// WithWorkers sets the number of roots scanned in parallel
func WithWorkers(n int) Option {
	return func(b *Builder) {
		if n > 0 {
			b.workers = n
		}
	}
}

// WithProgress sets a callback called with the number of items processed,
// and with ProgressIndexing before the indices are built.
func WithProgress(progress func(int)) Option {
	return func(b *Builder) { b.progress = progress }
}

// NewBuilder creates a builder
func NewBuilder(database db.CatalogDBBackend, ext Extractor, sc *scanner.Scanner, opts ...Option) *Builder {
	b := &Builder{
		db:            database,
		extractor:     ext,
		scanner:       sc,
		overviewDepth: DefaultOverviewDepth,
		workers:       DefaultWorkers,
		progress:      func(int) {},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// directoryResult is the result of the scan of one directory, sent to the writer
type directoryResult struct {
	scanner.DirectoryScan
	entries []common.CatalogEntry
	failed  []string
}

// Build replaces the catalog by the content of the roots.
// Directories with a manifest are not scanned again: their entries are taken from the manifest.
// Files that cannot be decoded are skipped. Storage failures abort the build (the previous catalog is kept)
// and are returned as ErrStorageTransaction.
// Manifests of the directories scanned by this build are written after the commit.
func (b *Builder) Build(ctx context.Context, roots []string) (Stats, error) {
	start := time.Now()
	stats := Stats{Roots: len(roots)}
	var scanned []directoryResult

	err := db.UnitOfWork(ctx, b.db, func(tx db.CatalogTxBackend) error {
		if err := tx.Clear(ctx); err != nil {
			return service.ErrStorageTransaction{Op: "clear", Err: err}
		}

		scanCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		results := make(chan directoryResult)
		done := make(chan error, 1)
		go func() {
			done <- b.scan(scanCtx, roots, results)
			close(results)
		}()

		// Single writer: the transaction is not shared
		var werr error
		processed := 0
		for res := range results {
			if werr != nil {
				continue
			}
			inserted, err := b.insert(ctx, tx, res, &processed)
			if err != nil {
				werr = err
				cancel()
				continue
			}
			stats.Directories++
			stats.Entries += inserted
			stats.Failed += len(res.failed)
			if res.Cached {
				stats.CachedDirectories++
			} else {
				stats.Candidates += len(res.Candidates)
				scanned = append(scanned, res)
			}
		}
		if err := <-done; werr == nil && err != nil {
			return err
		}
		if werr != nil {
			return werr
		}

		b.progress(ProgressIndexing)
		if err := tx.CreateIndices(ctx); err != nil {
			return service.ErrStorageTransaction{Op: "index", Err: err}
		}
		return nil
	})
	stats.Duration = time.Since(start)
	if err != nil {
		var errStorage service.ErrStorageTransaction
		if !errors.As(err, &errStorage) && ctx.Err() == nil {
			err = service.ErrStorageTransaction{Op: "transaction", Err: err}
		}
		return stats, fmt.Errorf("Build.%w", err)
	}

	for _, res := range scanned {
		if err := b.scanner.WriteManifest(res.Dir, scanner.NewManifest(res.entries, res.failed, res.Subdirs)); err != nil {
			stats.ManifestErrors++
			log.Logger(ctx).Sugar().Warnf("Build: %v", err)
		}
	}
	log.Logger(ctx).Sugar().Infof("catalog built in %v: %d entries from %d directories (%d cached), %d failed candidates",
		stats.Duration, stats.Entries, stats.Directories, stats.CachedDirectories, stats.Failed)
	return stats, nil
}

// scan scans the roots in parallel and sends the results of each directory
func (b *Builder) scan(ctx context.Context, roots []string, results chan<- directoryResult) error {
	wg, ctx := errgroup.WithContext(ctx)
	rootChan := make(chan string, len(roots))
	for _, root := range roots {
		rootChan <- root
	}
	close(rootChan)

	for i := 0; i < b.workers && i < len(roots); i++ {
		wg.Go(func() error {
			for root := range rootChan {
				if err := b.scanRoot(ctx, root, results); err != nil {
					return err
				}
			}
			return nil
		})
	}
	return wg.Wait()
}

func (b *Builder) scanRoot(ctx context.Context, root string, results chan<- directoryResult) error {
	ctx = log.With(ctx, "root", root)
	err := b.scanner.Scan(ctx, root, func(ds scanner.DirectoryScan) error {
		res := directoryResult{DirectoryScan: ds}
		if ds.Cached {
			res.entries = ds.Entries
		}
		for _, candidate := range ds.Candidates {
			entries, err := b.extractor.Extract(ctx, root, candidate)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				log.Logger(ctx).Sugar().Warnf("candidate skipped: %v", err)
				name, _ := filepath.Rel(ds.Dir, candidate.Path)
				res.failed = append(res.failed, name)
				continue
			}
			res.entries = append(res.entries, entries...)
		}
		select {
		case results <- res:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	if err != nil && ctx.Err() == nil {
		// The other roots are still cataloged
		log.Logger(ctx).Sugar().Errorf("root skipped: %v", err)
		return nil
	}
	return err
}

// insert inserts the entries of a directory grouped by subtype, then by path
// Invalid entries are skipped. Returns the number of inserted entries.
func (b *Builder) insert(ctx context.Context, tx db.CatalogTxBackend, res directoryResult, processed *int) (int, error) {
	sort.Slice(res.entries, func(i, j int) bool {
		if res.entries[i].Subtype != res.entries[j].Subtype {
			return res.entries[i].Subtype < res.entries[j].Subtype
		}
		return res.entries[i].Path < res.entries[j].Path
	})
	inserted := 0
	for i := range res.entries {
		e := &res.entries[i]
		e.MaxGSD = common.MaxGSD(e.MinGSD, b.overviewDepth)
		if err := e.Validate(); err != nil {
			log.Logger(ctx).Sugar().Warnf("entry %s skipped: %v", e.Path, err)
			continue
		}
		if err := tx.InsertEntry(ctx, *e); err != nil {
			return inserted, service.ErrStorageTransaction{Op: "insert " + e.Path, Err: err}
		}
		inserted++
		b.tick(processed)
	}
	if !res.Cached {
		for range res.failed {
			b.tick(processed)
		}
	}
	return inserted, nil
}

func (b *Builder) tick(processed *int) {
	*processed++
	if *processed%progressInterval == 0 {
		b.progress(*processed)
	}
}

// Reset deletes the manifests of the roots, so that the next build scans every directory again.
// The catalog itself is not modified.
func (b *Builder) Reset(ctx context.Context) (int, error) {
	n, err := b.scanner.Reset(ctx)
	if err != nil {
		return n, fmt.Errorf("Reset.%w", err)
	}
	return n, nil
}
