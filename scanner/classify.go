package scanner

import (
	"archive/zip"
	"bytes"
	"context"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/airbusgeo/geocube-mosaic/common"
	"github.com/airbusgeo/geocube-mosaic/interface/raster/worldfile"
	"github.com/airbusgeo/geocube-mosaic/service/log"
	"github.com/mholt/archiver"
)

// Providers of the candidates
const (
	ProviderRaster    = "raster"
	ProviderRPF       = "rpf"
	ProviderPFPS      = "pfps"
	ProviderZip       = "zip"
	ProviderContainer = "container"
)

var rasterExts = map[string]struct{}{
	".tif": {}, ".tiff": {}, ".png": {}, ".jpg": {}, ".jpeg": {}, ".gif": {}, ".bmp": {},
	".ntf": {}, ".nitf": {}, ".jp2": {}, ".sid": {},
}

// Directories whose content is a product that must be probed
var containerExts = map[string]struct{}{".safe": {}, ".data": {}}

var magics = [][]byte{
	[]byte("II*\x00"),
	[]byte("MM\x00*"),
	[]byte("\x89PNG"),
	[]byte("\xff\xd8\xff"),
	[]byte("GIF8"),
	[]byte("BM"),
	[]byte("NITF"),
	[]byte("NSIF"),
}

var zipMagic = []byte("PK\x03\x04")

// Classifier is an additional rule. It returns Reject if it does not recognize the entry.
type Classifier func(path string, info fs.FileInfo) (common.Classification, string)

// Classify decides whether the entry is a raster (Accept), must be ignored (Reject)
// or is a container whose children must be probed (Delay).
// Plain directories are rejected: they are descended by the scan.
func (s *Scanner) Classify(path string, info fs.FileInfo) (common.Classification, string) {
	name := info.Name()
	if strings.HasPrefix(name, ".") || name == s.manifestName {
		return common.Reject, ""
	}
	for _, classifier := range s.classifiers {
		if c, provider := classifier(path, info); c != common.Reject {
			return c, provider
		}
	}
	if info.IsDir() {
		if _, ok := containerExts[strings.ToLower(filepath.Ext(name))]; ok {
			return common.Delay, ProviderContainer
		}
		if s.isPfpsDataDir(path) {
			return common.Accept, ProviderPFPS
		}
		return common.Reject, ""
	}
	return classifyFile(name, func() (io.ReadCloser, error) { return os.Open(path) })
}

// classifyFile classifies a file given its name, and its first bytes if the name is not enough
func classifyFile(name string, open func() (io.ReadCloser, error)) (common.Classification, string) {
	ext := strings.ToLower(filepath.Ext(name))
	switch {
	case strings.HasPrefix(name, "."), common.IsTOCFile(name), worldfile.IsSidecar(name):
		return common.Reject, ""
	case ext == ".zip":
		return common.Delay, ProviderZip
	}
	if _, ok := rasterExts[ext]; ok {
		return common.Accept, ProviderRaster
	}
	if common.IsFrameName(name) {
		if _, ok := common.MapTypeFromFrame(name); ok {
			return common.Accept, ProviderRPF
		}
	}

	r, err := open()
	if err != nil {
		return common.Reject, ""
	}
	defer r.Close()
	head := make([]byte, 8)
	n, _ := io.ReadFull(r, head)
	head = head[:n]
	for _, magic := range magics {
		if bytes.HasPrefix(head, magic) {
			return common.Accept, ProviderRaster
		}
	}
	if bytes.HasPrefix(head, zipMagic) {
		return common.Delay, ProviderZip
	}
	return common.Reject, ""
}

// resolve probes the children of a Delay container, exactly one level down.
// Returns the accepted members, or false if the container must be rejected.
// A child that is itself a container is accepted without further probing.
func (s *Scanner) resolve(ctx context.Context, container string, info fs.FileInfo, provider string) (Candidate, bool) {
	candidate := Candidate{Path: container, Provider: provider}
	if info.IsDir() {
		children, err := os.ReadDir(container)
		if err != nil {
			log.Logger(ctx).Sugar().Warnf("%s: cannot probe: %v", container, err)
			return candidate, false
		}
		for i, child := range children {
			if i >= s.probeLimit {
				break
			}
			childInfo, err := child.Info()
			if err != nil {
				continue
			}
			childPath := filepath.Join(container, child.Name())
			if c, _ := s.Classify(childPath, childInfo); c != common.Reject {
				candidate.Members = append(candidate.Members, childPath)
			}
		}
		return candidate, len(candidate.Members) > 0
	}

	probed := 0
	z := archiver.NewZip()
	err := z.Walk(container, func(f archiver.File) error {
		if f.IsDir() {
			return nil
		}
		if probed >= s.probeLimit {
			return archiver.ErrStopWalk
		}
		probed++
		member := f.Name()
		if h, ok := f.Header.(zip.FileHeader); ok {
			member = h.Name
		}
		c, _ := classifyFile(path.Base(member), func() (io.ReadCloser, error) { return io.NopCloser(f), nil })
		if c != common.Reject {
			candidate.Members = append(candidate.Members, filepath.Join(container, filepath.FromSlash(member)))
		}
		return nil
	})
	if err != nil {
		log.Logger(ctx).Sugar().Warnf("%s: cannot probe: %v", container, err)
		return candidate, false
	}
	return candidate, len(candidate.Members) > 0
}

// isPfpsDataDir returns true if the directory has the layout of a PFPS data directory
// with at least one known RPF folder.
func (s *Scanner) isPfpsDataDir(dir string) bool {
	children, err := os.ReadDir(dir)
	if err != nil {
		return false
	}
	hits := 0
	for i, child := range children {
		if i >= s.probeLimit {
			break
		}
		for _, d := range common.PfpsDataDirs {
			if strings.EqualFold(child.Name(), d) {
				hits++
			}
		}
	}
	if hits == 0 {
		return false
	}
	rpfDir, ok := findRpfDir(dir)
	if !ok {
		return false
	}
	folders, err := os.ReadDir(rpfDir)
	if err != nil {
		return false
	}
	for i, folder := range folders {
		if i >= s.probeLimit {
			break
		}
		if _, ok := common.MapTypeFromFolder(folder.Name()); ok && folder.IsDir() {
			return true
		}
	}
	return false
}

func findRpfDir(dir string) (string, bool) {
	for _, name := range []string{"rpf", "RPF"} {
		if fi, err := os.Stat(filepath.Join(dir, name)); err == nil && fi.IsDir() {
			return filepath.Join(dir, name), true
		}
	}
	return "", false
}

// pfpsFrames lists the newest frames of each known RPF folder of a PFPS data directory.
// Frames are stored in the folder or in its one-character zone sub-directories.
func pfpsFrames(ctx context.Context, dir string) []string {
	rpfDir, ok := findRpfDir(dir)
	if !ok {
		return nil
	}
	folders, err := os.ReadDir(rpfDir)
	if err != nil {
		log.Logger(ctx).Sugar().Warnf("%s: %v", rpfDir, err)
		return nil
	}
	var frames []string
	for _, folder := range folders {
		if _, ok := common.MapTypeFromFolder(folder.Name()); !ok || !folder.IsDir() {
			continue
		}
		dirs := []string{filepath.Join(rpfDir, folder.Name())}
		zones, _ := os.ReadDir(dirs[0])
		for _, zone := range zones {
			if zone.IsDir() && len(zone.Name()) == 1 {
				dirs = append(dirs, filepath.Join(dirs[0], zone.Name()))
			}
		}
		for _, d := range dirs {
			files, err := os.ReadDir(d)
			if err != nil {
				log.Logger(ctx).Sugar().Warnf("%s: %v", d, err)
				continue
			}
			var names []string
			for _, f := range files {
				if !f.IsDir() && common.IsFrameName(f.Name()) {
					if _, ok := common.MapTypeFromFrame(f.Name()); ok {
						names = append(names, f.Name())
					}
				}
			}
			for _, name := range common.NewestFrames(names) {
				frames = append(frames, filepath.Join(d, name))
			}
		}
	}
	return frames
}
