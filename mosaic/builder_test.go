package mosaic_test

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"

	"github.com/airbusgeo/geocube-mosaic/common"
	"github.com/airbusgeo/geocube-mosaic/footprint"
	db "github.com/airbusgeo/geocube-mosaic/interface/database"
	"github.com/airbusgeo/geocube-mosaic/interface/database/memory"
	"github.com/airbusgeo/geocube-mosaic/interface/raster/worldfile"
	"github.com/airbusgeo/geocube-mosaic/mosaic"
	"github.com/airbusgeo/geocube-mosaic/scanner"
	"github.com/airbusgeo/geocube-mosaic/service"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

// failingDB fails the transactions on the given operation
type failingDB struct {
	db.CatalogDBBackend
	failOn string
}

func (f failingDB) StartTransaction(ctx context.Context) (db.CatalogTxBackend, error) {
	tx, err := f.CatalogDBBackend.StartTransaction(ctx)
	if err != nil {
		return nil, err
	}
	return failingTx{CatalogTxBackend: tx, failOn: f.failOn}, nil
}

type failingTx struct {
	db.CatalogTxBackend
	failOn string
}

var errDiskFull = errors.New("disk full")

func (t failingTx) InsertEntry(ctx context.Context, e common.CatalogEntry) error {
	if t.failOn == "insert" {
		return errDiskFull
	}
	return t.CatalogTxBackend.InsertEntry(ctx, e)
}

func (t failingTx) CreateIndices(ctx context.Context) error {
	if t.failOn == "index" {
		return errDiskFull
	}
	return t.CatalogTxBackend.CreateIndices(ctx)
}

// invalidExtractor adds an entry without size to the entries of each raster
type invalidExtractor struct {
	*footprint.Extractor
}

func (e invalidExtractor) Extract(ctx context.Context, root string, candidate scanner.Candidate) ([]common.CatalogEntry, error) {
	entries, err := e.Extractor.Extract(ctx, root, candidate)
	if err != nil || len(entries) == 0 {
		return entries, err
	}
	bad := entries[0]
	bad.Path += ".bad"
	bad.Width = 0
	return append(entries, bad), nil
}

var _ = Describe("Builder", func() {
	var (
		tmp, root string
		opener    *countingOpener
		database  *memory.BackendDB
		sc        *scanner.Scanner
		builder   *mosaic.Builder
		progress  []int
		mu        sync.Mutex
		stats     mosaic.Stats
		err       error
	)

	allEntries := func() []common.CatalogEntry {
		entries, err := database.Entries(ctx, "", 0, 0)
		Expect(err).NotTo(HaveOccurred())
		return entries
	}

	BeforeEach(func() {
		tmp, err = os.MkdirTemp("", "mosaic")
		Expect(err).NotTo(HaveOccurred())
		root = filepath.Join(tmp, "imagery")
		writeImage(filepath.Join(root, "a.png"), 1, 0, 0.001, 100, 100)
		writeImage(filepath.Join(root, "sub", "b.png"), 1, 0.05, 0.0005, 100, 100)
		writeImage(filepath.Join(root, "sub", "deeper", "c.png"), 0.5, 0.5, 0.002, 50, 50)
		Expect(os.WriteFile(filepath.Join(root, "sub", "broken.png"), []byte("not a png"), 0644)).To(Succeed())

		opener = &countingOpener{opener: worldfile.NewOpener(filepath.Join(tmp, "cache"))}
		database = memory.New()
		sc = scanner.New([]string{root})
		progress = nil
		builder = mosaic.NewBuilder(database, footprint.NewExtractor(opener), sc, mosaic.WithProgress(func(n int) {
			mu.Lock()
			defer mu.Unlock()
			progress = append(progress, n)
		}))
	})

	AfterEach(func() {
		os.RemoveAll(tmp)
	})

	Describe("Building a catalog", func() {
		JustBeforeEach(func() {
			stats, err = builder.Build(ctx, []string{root})
		})

		It("should catalog every raster", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(stats.Entries).To(Equal(3))
			Expect(stats.Failed).To(Equal(1))
			Expect(stats.Directories).To(Equal(3))
			Expect(opener.Count()).To(Equal(4))
			entries := allEntries()
			Expect(entries).To(HaveLen(3))
			Expect(entries[0].Path).To(Equal("imagery/a.png"))
			Expect(entries[1].Path).To(Equal("imagery/sub/b.png"))
			Expect(entries[2].Path).To(Equal("imagery/sub/deeper/c.png"))
		})

		It("should respect the invariants of the entries", func() {
			for _, e := range allEntries() {
				Expect(e.Validate()).To(Succeed())
				Expect(e.MaxGSD).To(Equal(8 * e.MinGSD))
			}
		})

		It("should report the indexing phase last", func() {
			Expect(progress).NotTo(BeEmpty())
			Expect(progress[len(progress)-1]).To(Equal(mosaic.ProgressIndexing))
		})

		It("should write the manifests", func() {
			for _, dir := range []string{root, filepath.Join(root, "sub"), filepath.Join(root, "sub", "deeper")} {
				_, err := os.Stat(filepath.Join(dir, scanner.DefaultManifestName))
				Expect(err).NotTo(HaveOccurred())
			}
			m, err := sc.ReadManifest(filepath.Join(root, "sub"))
			Expect(err).NotTo(HaveOccurred())
			Expect(m.Entries).To(HaveLen(1))
			Expect(m.Failed).To(Equal([]string{"broken.png"}))
			Expect(m.Subdirs).To(Equal([]string{"deeper"}))
		})

		It("should find the finest raster at a point", func() {
			best, err := db.BestAt(ctx, database, common.GeoPoint{Lat: 0.97, Lon: 0.07})
			Expect(err).NotTo(HaveOccurred())
			Expect(best.Path).To(Equal("imagery/sub/b.png"))
			best, err = db.BestAt(ctx, database, common.GeoPoint{Lat: 0.97, Lon: 0.02})
			Expect(err).NotTo(HaveOccurred())
			Expect(best.Path).To(Equal("imagery/a.png"))
		})

		Context("twice", func() {
			var first []common.CatalogEntry
			JustBeforeEach(func() {
				Expect(err).NotTo(HaveOccurred())
				first = allEntries()
				opener.Count()
				stats, err = builder.Build(ctx, []string{root})
			})

			It("should produce the same catalog", func() {
				Expect(err).NotTo(HaveOccurred())
				Expect(allEntries()).To(Equal(first))
			})

			It("should only open the rasters of the root", func() {
				Expect(opener.Count()).To(Equal(1))
				Expect(stats.CachedDirectories).To(Equal(2))
			})
		})

		Context("after a reset", func() {
			JustBeforeEach(func() {
				Expect(err).NotTo(HaveOccurred())
				opener.Count()
				n, err := builder.Reset(ctx)
				Expect(err).NotTo(HaveOccurred())
				Expect(n).To(Equal(3))
				stats, err = builder.Build(ctx, []string{root})
			})

			It("should open every raster again", func() {
				Expect(err).NotTo(HaveOccurred())
				Expect(opener.Count()).To(Equal(4))
				Expect(allEntries()).To(HaveLen(3))
			})
		})

		Context("when a raster is added to a scanned directory", func() {
			JustBeforeEach(func() {
				Expect(err).NotTo(HaveOccurred())
				writeImage(filepath.Join(root, "sub", "new.png"), 1, 0, 0.001, 10, 10)
				writeImage(filepath.Join(root, "new.png"), 1, 0, 0.001, 10, 10)
				stats, err = builder.Build(ctx, []string{root})
			})

			It("should only see the rasters of unscanned directories", func() {
				Expect(err).NotTo(HaveOccurred())
				_, err := database.Entry(ctx, "imagery/new.png")
				Expect(err).NotTo(HaveOccurred())
				_, err = database.Entry(ctx, "imagery/sub/new.png")
				Expect(err).To(HaveOccurred())
			})
		})
		Context("when a manifest holds an invalid entry", func() {
			JustBeforeEach(func() {
				Expect(err).NotTo(HaveOccurred())
				bad := common.CatalogEntry{Path: "imagery/sub/bad.png", Subtype: "PNG 50m", Height: -5}
				b, merr := json.Marshal(scanner.Manifest{Version: scanner.ManifestVersion, Entries: []common.CatalogEntry{bad}, Subdirs: []string{"deeper"}})
				Expect(merr).NotTo(HaveOccurred())
				Expect(os.WriteFile(filepath.Join(root, "sub", scanner.DefaultManifestName), b, 0644)).To(Succeed())
				opener.Count()
				stats, err = builder.Build(ctx, []string{root})
			})

			It("should scan the directory again", func() {
				Expect(err).NotTo(HaveOccurred())
				Expect(stats.Entries).To(Equal(3))
				Expect(stats.CachedDirectories).To(Equal(1))
				Expect(opener.Count()).To(Equal(3))
				_, err := database.Entry(ctx, "imagery/sub/bad.png")
				Expect(err).To(HaveOccurred())
				for _, e := range allEntries() {
					Expect(e.Validate()).To(Succeed())
				}
				m, err := sc.ReadManifest(filepath.Join(root, "sub"))
				Expect(err).NotTo(HaveOccurred())
				Expect(m.Entries).To(HaveLen(1))
				Expect(m.Entries[0].Path).To(Equal("imagery/sub/b.png"))
			})
		})
	})

	Describe("Building with invalid extracted entries", func() {
		JustBeforeEach(func() {
			ext := invalidExtractor{Extractor: footprint.NewExtractor(opener)}
			builder = mosaic.NewBuilder(database, ext, sc)
			stats, err = builder.Build(ctx, []string{root})
		})

		It("should not commit them", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(stats.Entries).To(Equal(3))
			entries := allEntries()
			Expect(entries).To(HaveLen(3))
			for _, e := range entries {
				Expect(e.Validate()).To(Succeed())
			}
		})
	})

	Describe("Building with another overview depth", func() {
		JustBeforeEach(func() {
			_, err = builder.Build(ctx, []string{root})
			Expect(err).NotTo(HaveOccurred())
			builder = mosaic.NewBuilder(database, footprint.NewExtractor(opener), sc, mosaic.WithOverviewDepth(1))
			_, err = builder.Build(ctx, []string{root})
		})

		It("should apply the depth to the cached entries", func() {
			Expect(err).NotTo(HaveOccurred())
			for _, e := range allEntries() {
				Expect(e.MaxGSD).To(Equal(2 * e.MinGSD))
			}
		})
	})

	Describe("Building many rasters", func() {
		BeforeEach(func() {
			for i := 0; i < 60; i++ {
				writeImage(filepath.Join(root, "many", string(rune('a'+i/26))+string(rune('a'+i%26))+".png"), 1, float64(i), 0.001, 2, 2)
			}
		})
		JustBeforeEach(func() {
			stats, err = builder.Build(ctx, []string{root})
		})

		It("should report the progress every 50 items", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(stats.Entries).To(Equal(63))
			Expect(progress).To(Equal([]int{50, mosaic.ProgressIndexing}))
		})
	})

	Describe("Building several roots", func() {
		var other string
		BeforeEach(func() {
			other = filepath.Join(tmp, "other")
			writeImage(filepath.Join(other, "d.png"), 10, 10, 0.001, 100, 100)
			builder = mosaic.NewBuilder(database, footprint.NewExtractor(opener), sc, mosaic.WithWorkers(2))
		})
		JustBeforeEach(func() {
			stats, err = builder.Build(ctx, []string{root, other, filepath.Join(tmp, "missing")})
		})

		It("should catalog every root and skip the missing ones", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(stats.Roots).To(Equal(3))
			Expect(allEntries()).To(HaveLen(4))
			_, err := database.Entry(ctx, "other/d.png")
			Expect(err).NotTo(HaveOccurred())
		})
	})

	Describe("Building roots with the same name", func() {
		JustBeforeEach(func() {
			other := filepath.Join(tmp, "copy", "imagery")
			writeImage(filepath.Join(other, "a.png"), 10, 10, 0.001, 100, 100)
			_, err = builder.Build(ctx, []string{root, other})
		})

		It("should fail on the duplicated paths", func() {
			Expect(service.Fatal(err)).To(BeTrue())
			var errExists db.ErrAlreadyExists
			Expect(errors.As(err, &errExists)).To(BeTrue())
		})
	})

	Describe("Building with a failing store", func() {
		var failOn string
		JustBeforeEach(func() {
			_, err = builder.Build(ctx, []string{root})
			Expect(err).NotTo(HaveOccurred())
			Expect(builder.Reset(ctx)).To(Equal(3))
			opener.Count()
			failing := mosaic.NewBuilder(failingDB{CatalogDBBackend: database, failOn: failOn}, footprint.NewExtractor(opener), sc)
			_, err = failing.Build(ctx, []string{root})
		})

		for _, op := range []string{"insert", "index"} {
			op := op
			Context("on "+op, func() {
				BeforeEach(func() {
					failOn = op
				})
				It("should return a fatal storage error", func() {
					var errStorage service.ErrStorageTransaction
					Expect(errors.As(err, &errStorage)).To(BeTrue())
					Expect(service.Fatal(err)).To(BeTrue())
					Expect(errors.Is(err, errDiskFull)).To(BeTrue())
				})
				It("should keep the previous catalog", func() {
					Expect(allEntries()).To(HaveLen(3))
				})
				It("should not write the manifests", func() {
					_, err := os.Stat(filepath.Join(root, "sub", scanner.DefaultManifestName))
					Expect(os.IsNotExist(err)).To(BeTrue())
				})
			})
		}
	})

	Describe("Building with a cancelled context", func() {
		JustBeforeEach(func() {
			cctx, cancel := context.WithCancel(ctx)
			cancel()
			_, err = builder.Build(cctx, []string{root})
		})

		It("should fail without a storage error", func() {
			Expect(err).To(HaveOccurred())
			Expect(errors.Is(err, context.Canceled)).To(BeTrue())
			Expect(service.Fatal(err)).To(BeFalse())
		})
	})
})
