// Package scanner walks the imagery roots and finds the raster candidates of each directory.
// Directories already scanned (with a manifest) are not listed again.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/airbusgeo/geocube-mosaic/common"
	"github.com/airbusgeo/geocube-mosaic/service"
	"github.com/airbusgeo/geocube-mosaic/service/log"
)

// DefaultProbeLimit bounds the number of children inspected to classify a container
const DefaultProbeLimit = 256

// Directories that are never descended
var skippedDirs = map[string]struct{}{"dted": {}}

// Candidate is a raster, or a container of rasters, found by the scan
type Candidate struct {
	Path     string
	Provider string
	// Members are the rasters of a container. Empty if the candidate is a raster.
	Members []string
}

// Rasters returns the paths to open
func (c Candidate) Rasters() []string {
	if len(c.Members) > 0 {
		return c.Members
	}
	return []string{c.Path}
}

// DirectoryScan is the result of the scan of one directory
type DirectoryScan struct {
	Root  string
	Dir   string
	Depth int
	// Cached is true if the directory has a manifest: Entries and Subdirs come from it and Candidates is empty.
	Cached     bool
	Candidates []Candidate
	Entries    []common.CatalogEntry
	Failed     []string
	Subdirs    []string
}

// Scanner finds the candidates of the roots
type Scanner struct {
	roots        []string
	manifestName string
	probeLimit   int
	classifiers  []Classifier
}

// Option configures the scanner
type Option func(*Scanner)

// WithManifestName changes the name of the manifest file
func WithManifestName(name string) Option {
	return func(s *Scanner) { s.manifestName = name }
}

// WithProbeLimit changes the maximum number of children inspected to classify a container
func WithProbeLimit(n int) Option {
	return func(s *Scanner) {
		if n > 0 {
			s.probeLimit = n
		}
	}
}

// WithClassifier adds a classification rule, evaluated before the default ones
func WithClassifier(c Classifier) Option {
	return func(s *Scanner) { s.classifiers = append(s.classifiers, c) }
}

// New creates a scanner for the roots
func New(roots []string, opts ...Option) *Scanner {
	s := &Scanner{
		roots:        roots,
		manifestName: DefaultManifestName,
		probeLimit:   DefaultProbeLimit,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Roots returns the configured roots
func (s *Scanner) Roots() []string {
	return s.roots
}

// Scan walks the root and calls fn for each directory, parents first.
// The root itself is always listed. Other directories with a valid manifest are not.
// An error returned by fn stops the scan.
func (s *Scanner) Scan(ctx context.Context, root string, fn func(DirectoryScan) error) error {
	fi, err := os.Stat(root)
	if err != nil {
		return fmt.Errorf("Scan.Stat: %w", err)
	}
	if !fi.IsDir() {
		return service.MakeFatal(fmt.Errorf("Scan: %s is not a directory", root))
	}
	return s.scanDir(ctx, root, root, 0, fn)
}

func (s *Scanner) scanDir(ctx context.Context, root, dir string, depth int, fn func(DirectoryScan) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ds := DirectoryScan{Root: root, Dir: dir, Depth: depth}

	if depth > 0 {
		m, err := s.ReadManifest(dir)
		if err == nil {
			ds.Cached = true
			ds.Entries, ds.Failed, ds.Subdirs = m.Entries, m.Failed, m.Subdirs
			return s.visit(ctx, ds, fn)
		}
		if !errors.Is(err, fs.ErrNotExist) {
			log.Logger(ctx).Sugar().Warnf("%v: directory scanned again", err)
		}
	}

	children, err := os.ReadDir(dir)
	if err != nil {
		if depth == 0 {
			return fmt.Errorf("Scan.ReadDir: %w", err)
		}
		log.Logger(ctx).Sugar().Warnf("%s: skipped: %v", dir, err)
		return nil
	}

	// Only the newest version of each RPF frame is a candidate
	var names []string
	for _, child := range children {
		names = append(names, child.Name())
	}
	keep := service.StringSet{}
	for _, name := range common.NewestFrames(names) {
		keep.Push(name)
	}

	for _, child := range children {
		if !keep.Exists(child.Name()) {
			continue
		}
		info, err := child.Info()
		if err != nil {
			log.Logger(ctx).Sugar().Warnf("%s: skipped: %v", filepath.Join(dir, child.Name()), err)
			continue
		}
		path := filepath.Join(dir, child.Name())
		c, provider := s.Classify(path, info)
		switch c {
		case common.Accept:
			candidate := Candidate{Path: path, Provider: provider}
			if provider == ProviderPFPS {
				if candidate.Members = pfpsFrames(ctx, path); len(candidate.Members) == 0 {
					continue
				}
			}
			ds.Candidates = append(ds.Candidates, candidate)
		case common.Delay:
			if candidate, ok := s.resolve(ctx, path, info, provider); ok {
				ds.Candidates = append(ds.Candidates, candidate)
			}
		case common.Reject:
			if info.IsDir() && s.descend(child.Name()) {
				ds.Subdirs = append(ds.Subdirs, child.Name())
			}
		}
	}
	return s.visit(ctx, ds, fn)
}

func (s *Scanner) visit(ctx context.Context, ds DirectoryScan, fn func(DirectoryScan) error) error {
	if err := fn(ds); err != nil {
		return err
	}
	for _, sub := range ds.Subdirs {
		if err := s.scanDir(ctx, ds.Root, filepath.Join(ds.Dir, sub), ds.Depth+1, fn); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scanner) descend(name string) bool {
	if strings.HasPrefix(name, ".") {
		return false
	}
	_, skipped := skippedDirs[strings.ToLower(name)]
	return !skipped
}

// Reset deletes the manifests of all the roots, so that the next scan lists every directory again.
// Returns the number of deleted manifests.
func (s *Scanner) Reset(ctx context.Context) (int, error) {
	count := 0
	for _, root := range s.roots {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				if path == root {
					return err
				}
				log.Logger(ctx).Sugar().Warnf("Reset: %s skipped: %v", path, err)
				if d != nil && d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			if d.IsDir() || d.Name() != s.manifestName {
				return nil
			}
			if err := os.Remove(path); err != nil {
				log.Logger(ctx).Sugar().Warnf("Reset: %v", err)
				return nil
			}
			count++
			return nil
		})
		if err != nil {
			return count, fmt.Errorf("Reset(%s): %w", root, err)
		}
	}
	log.Logger(ctx).Sugar().Infof("%d manifests deleted", count)
	return count, nil
}
