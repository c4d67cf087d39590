package scanner

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/airbusgeo/geocube-mosaic/common"
	"github.com/airbusgeo/geocube-mosaic/service"
)

// DefaultManifestName is the name of the marker file written in each scanned directory
const DefaultManifestName = ".mosaic-manifest"

// ManifestVersion is incremented when the content of the manifest changes.
// Manifests with another version are ignored (the directory is scanned again).
const ManifestVersion = 1

// Manifest records the result of the scan of one directory
type Manifest struct {
	Version int                   `json:"version"`
	Entries []common.CatalogEntry `json:"entries"`
	// Failed are the accepted candidates that could not be extracted
	Failed []string `json:"failed,omitempty"`
	// Subdirs are the names of the sub-directories to visit
	Subdirs []string `json:"subdirs,omitempty"`
}

// NewManifest creates a manifest with the current version
func NewManifest(entries []common.CatalogEntry, failed, subdirs []string) Manifest {
	if entries == nil {
		entries = []common.CatalogEntry{}
	}
	return Manifest{Version: ManifestVersion, Entries: entries, Failed: failed, Subdirs: subdirs}
}

// ReadManifest reads the manifest of the directory
// Returns an ErrManifestIO if the manifest does not exist, cannot be read or holds an invalid entry.
func (s *Scanner) ReadManifest(dir string) (Manifest, error) {
	var m Manifest
	b, err := os.ReadFile(filepath.Join(dir, s.manifestName))
	if err != nil {
		return m, service.ErrManifestIO{Dir: dir, Err: err}
	}
	if err := json.Unmarshal(b, &m); err != nil {
		return m, service.ErrManifestIO{Dir: dir, Err: fmt.Errorf("ReadManifest.Unmarshal: %w", err)}
	}
	if m.Version != ManifestVersion {
		return m, service.ErrManifestIO{Dir: dir, Err: fmt.Errorf("ReadManifest: version %d is not supported", m.Version)}
	}
	for _, e := range m.Entries {
		if err := e.Validate(); err != nil {
			return m, service.ErrManifestIO{Dir: dir, Err: fmt.Errorf("ReadManifest: entry %s: %w", e.Path, err)}
		}
	}
	return m, nil
}

// WriteManifest writes the manifest of the directory (temporary file then rename)
func (s *Scanner) WriteManifest(dir string, m Manifest) error {
	b, err := json.Marshal(m)
	if err != nil {
		return service.ErrManifestIO{Dir: dir, Err: fmt.Errorf("WriteManifest.Marshal: %w", err)}
	}
	f, err := os.CreateTemp(dir, s.manifestName+".*")
	if err != nil {
		return service.ErrManifestIO{Dir: dir, Err: fmt.Errorf("WriteManifest.CreateTemp: %w", err)}
	}
	tmp := f.Name()
	_, err = f.Write(b)
	err = service.MergeErrors(true, err, f.Close())
	if err == nil {
		err = os.Rename(tmp, filepath.Join(dir, s.manifestName))
	}
	if err != nil {
		os.Remove(tmp)
		return service.ErrManifestIO{Dir: dir, Err: fmt.Errorf("WriteManifest: %w", err)}
	}
	return nil
}
