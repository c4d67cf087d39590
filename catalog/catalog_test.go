package catalog_test

import (
	"encoding/json"
	"errors"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/airbusgeo/geocube-mosaic/catalog"
	"github.com/airbusgeo/geocube-mosaic/common"
	db "github.com/airbusgeo/geocube-mosaic/interface/database"
	"github.com/airbusgeo/geocube-mosaic/interface/database/memory"
	"github.com/airbusgeo/geocube-mosaic/interface/raster/worldfile"
	"github.com/airbusgeo/geocube-mosaic/mosaic"
	"github.com/airbusgeo/geocube-mosaic/tilereader"
	"github.com/gorilla/mux"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = Describe("Catalog", func() {
	var (
		tmp, root string
		c         *catalog.Catalog
		err       error
	)

	const (
		coarse = "imagery/coarse.png"
		fine   = "imagery/fine/fine.png"
	)

	BeforeEach(func() {
		tmp, err = os.MkdirTemp("", "catalog")
		Expect(err).NotTo(HaveOccurred())
		root = filepath.Join(tmp, "imagery")
		// 1°x1° at ~435m
		writeImage(filepath.Join(root, "coarse.png"), 1, 0, 1.0/256, 256, 256)
		// The north-east quarter at ~217m, with a collar of 32 pixels
		writeImage(filepath.Join(root, "fine", "fine.png"), 1, 0.5, 0.5/256, 256, 256)
		Expect(os.WriteFile(filepath.Join(root, "fine", "fine"+worldfile.NeatlineExt),
			[]byte("POLYGON((0.5625 0.9375,0.9375 0.9375,0.9375 0.5625,0.5625 0.5625,0.5625 0.9375))"), 0644)).To(Succeed())

		c = catalog.New(memory.New(), worldfile.NewOpener(filepath.Join(tmp, "cache")), catalog.Config{
			Roots:    []string{root},
			PoolSize: 2,
		})
	})

	AfterEach(func() {
		Expect(c.Close(ctx)).To(Succeed())
		os.RemoveAll(tmp)
	})

	Describe("Building", func() {
		JustBeforeEach(func() {
			stats, err := c.Build(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(stats.Entries).To(Equal(2))
		})

		It("should find the finest image at a point", func() {
			best, err := c.BestAt(ctx, common.GeoPoint{Lat: 0.75, Lon: 0.75})
			Expect(err).NotTo(HaveOccurred())
			Expect(best.Path).To(Equal(fine))

			best, err = c.BestAt(ctx, common.GeoPoint{Lat: 0.25, Lon: 0.25})
			Expect(err).NotTo(HaveOccurred())
			Expect(best.Path).To(Equal(coarse))
		})

		It("should use the nominal footprint", func() {
			best, err := c.BestAt(ctx, common.GeoPoint{Lat: 0.52, Lon: 0.52})
			Expect(err).NotTo(HaveOccurred())
			Expect(best.Path).To(Equal(coarse))

			entries, err := c.EntriesAt(ctx, common.GeoPoint{Lat: 0.75, Lon: 0.75})
			Expect(err).NotTo(HaveOccurred())
			Expect(entries).To(HaveLen(2))
			Expect(entries[0].MinGSD).To(BeNumerically("<", entries[1].MinGSD))
		})

		It("should not find anything outside of the images", func() {
			_, err := c.BestAt(ctx, common.GeoPoint{Lat: 5, Lon: 5})
			var errNotFound db.ErrNotFound
			Expect(errors.As(err, &errNotFound)).To(BeTrue())
		})

		It("should compute the coverage of each subtype", func() {
			subtypes, err := c.Subtypes(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(subtypes).To(HaveLen(2))
			count := 0
			for _, subtype := range subtypes {
				cov, err := c.Coverage(ctx, subtype)
				Expect(err).NotTo(HaveOccurred())
				Expect(cov.Geometry.Geometry).NotTo(BeNil())
				count += cov.Count
			}
			Expect(count).To(Equal(2))
		})

		It("should mask the collar of the tiles", func() {
			res, err := c.ReadTile(ctx, fine, tilereader.ReadRequest{SrcW: 256, SrcH: 256, DstW: 256, DstH: 256})
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Status).To(Equal(common.Success))
			opaque := 0
			for i := 3; i < len(res.Image.Pix); i += 4 {
				if res.Image.Pix[i] != 0 {
					opaque++
				}
			}
			Expect(opaque).To(Equal(192 * 192))

			res, err = c.ReadTile(ctx, coarse, tilereader.ReadRequest{SrcX: 128, SrcY: 128, SrcW: 128, SrcH: 128, DstW: 64, DstH: 64})
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Image.NRGBAAt(32, 32).A).To(Equal(uint8(0xff)))
		})

		It("should reject the invalid tiles", func() {
			res, err := c.ReadTile(ctx, fine, tilereader.ReadRequest{SrcX: 200, SrcW: 100, SrcH: 10, DstW: 10, DstH: 10})
			Expect(res.Status).To(Equal(common.InvalidArgument))
			Expect(errors.Is(err, tilereader.ErrInvalidArgument)).To(BeTrue())

			_, err = c.ReadTile(ctx, "imagery/missing.png", tilereader.ReadRequest{SrcW: 1, SrcH: 1, DstW: 1, DstH: 1})
			var errNotFound db.ErrNotFound
			Expect(errors.As(err, &errNotFound)).To(BeTrue())
		})

		It("should share the reader of a raster", func() {
			readers := make([]*tilereader.Reader, 8)
			var wg sync.WaitGroup
			for i := range readers {
				wg.Add(1)
				go func(i int) {
					defer GinkgoRecover()
					defer wg.Done()
					r, err := c.Reader(ctx, coarse)
					Expect(err).NotTo(HaveOccurred())
					readers[i] = r
				}(i)
			}
			wg.Wait()
			for _, r := range readers {
				Expect(r).To(BeIdenticalTo(readers[0]))
			}
		})

		It("should resolve the local paths", func() {
			local, err := c.LocalPath(fine)
			Expect(err).NotTo(HaveOccurred())
			Expect(local).To(Equal(filepath.Join(root, "fine", "fine.png")))
			_, err = c.LocalPath("other/a.png")
			Expect(err).To(HaveOccurred())
		})

		Context("then rebuilding", func() {
			It("should keep serving tiles", func() {
				req := tilereader.ReadRequest{SrcW: 16, SrcH: 16, DstW: 16, DstH: 16}
				_, err := c.ReadTile(ctx, fine, req)
				Expect(err).NotTo(HaveOccurred())
				stale, err := c.Reader(ctx, fine)
				Expect(err).NotTo(HaveOccurred())
				_, err = c.Build(ctx)
				Expect(err).NotTo(HaveOccurred())

				res, err := stale.Read(ctx, req)
				Expect(res.Status).To(Equal(common.Interrupted))
				Expect(errors.Is(err, tilereader.ErrPoolClosed)).To(BeTrue())

				res, err = c.ReadTile(ctx, fine, req)
				Expect(err).NotTo(HaveOccurred())
				Expect(res.Status).To(Equal(common.Success))
				fresh, err := c.Reader(ctx, fine)
				Expect(err).NotTo(HaveOccurred())
				Expect(fresh).NotTo(BeIdenticalTo(stale))
			})
		})
	})

	Describe("Serving over http", func() {
		var server *httptest.Server

		get := func(url string) (int, []byte) {
			resp, err := http.Get(server.URL + url)
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			body, err := io.ReadAll(resp.Body)
			Expect(err).NotTo(HaveOccurred())
			return resp.StatusCode, body
		}

		BeforeEach(func() {
			r := mux.NewRouter()
			c.AddHandler(r)
			server = httptest.NewServer(r)
			resp, err := http.Post(server.URL+"/catalog/build", "", nil)
			Expect(err).NotTo(HaveOccurred())
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
		})

		AfterEach(func() {
			server.Close()
		})

		It("should return the best entry", func() {
			status, body := get("/catalog/best?lat=0.75&lon=0.75")
			Expect(status).To(Equal(http.StatusOK))
			var e common.CatalogEntry
			Expect(json.Unmarshal(body, &e)).To(Succeed())
			Expect(e.Path).To(Equal(fine))

			status, _ = get("/catalog/best?lat=5&lon=5")
			Expect(status).To(Equal(http.StatusNotFound))
			status, _ = get("/catalog/best?lat=north&lon=5")
			Expect(status).To(Equal(http.StatusBadRequest))
		})

		It("should list the entries", func() {
			status, body := get("/catalog/entries?limit=1&page=1")
			Expect(status).To(Equal(http.StatusOK))
			var entries []common.CatalogEntry
			Expect(json.Unmarshal(body, &entries)).To(Succeed())
			Expect(entries).To(HaveLen(1))
			Expect(entries[0].Path).To(Equal(fine))
		})

		It("should serve the tiles as png", func() {
			resp, err := http.Get(server.URL + "/tiles?path=" + fine + "&w=256&h=256&dw=64&dh=64")
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			img, err := png.Decode(resp.Body)
			Expect(err).NotTo(HaveOccurred())
			Expect(img.Bounds().Dx()).To(Equal(64))
			_, _, _, a := img.At(0, 0).RGBA()
			Expect(a).To(BeZero())
			_, _, _, a = img.At(32, 32).RGBA()
			Expect(a).NotTo(BeZero())

			status, _ := get("/tiles?path=" + fine + "&w=0&h=10")
			Expect(status).To(Equal(http.StatusBadRequest))
			status, _ = get("/tiles?path=" + fine + "&w=256&h=256&dw=100000&dh=100000")
			Expect(status).To(Equal(http.StatusBadRequest))
			status, _ = get("/tiles?path=" + fine + "&x=9223372036854775807&w=1&h=1")
			Expect(status).To(Equal(http.StatusBadRequest))
			status, _ = get("/tiles?path=imagery/missing.png&w=1&h=1")
			Expect(status).To(Equal(http.StatusNotFound))
		})

		It("should expose the metrics", func() {
			get("/catalog/subtypes")
			status, body := get("/metrics")
			Expect(status).To(Equal(http.StatusOK))
			Expect(strings.Contains(string(body), "mosaic_http_requests_total")).To(BeTrue())
		})
	})
})

var _ = Describe("Catalog of two overlapping squares", func() {
	var (
		tmp, root string
		c         *catalog.Catalog
		depth     int
		stats     mosaic.Stats
		err       error
	)

	BeforeEach(func() {
		tmp, err = os.MkdirTemp("", "catalog")
		Expect(err).NotTo(HaveOccurred())
		root = filepath.Join(tmp, "squares")
		// Two 1°x1° squares of 256x256 pixels. North is finer: its parallels are shorter.
		writeImage(filepath.Join(root, "south.png"), 61, 10, 1.0/256, 256, 256)
		writeImage(filepath.Join(root, "north.png"), 61.5, 10.5, 1.0/256, 256, 256)
		depth = 0
	})

	JustBeforeEach(func() {
		c = catalog.New(memory.New(), worldfile.NewOpener(filepath.Join(tmp, "cache")), catalog.Config{
			Roots:         []string{root},
			OverviewDepth: depth,
		})
		stats, err = c.Build(ctx)
	})

	AfterEach(func() {
		Expect(c.Close(ctx)).To(Succeed())
		os.RemoveAll(tmp)
	})

	It("should select the finest entry at the center of the overlap", func() {
		Expect(err).NotTo(HaveOccurred())
		Expect(stats.Entries).To(Equal(2))
		center := common.GeoPoint{Lat: 60.75, Lon: 10.75}
		entries, err := c.EntriesAt(ctx, center)
		Expect(err).NotTo(HaveOccurred())
		Expect(entries).To(HaveLen(2))
		Expect(entries[0].MinGSD).NotTo(Equal(entries[1].MinGSD))
		for _, e := range entries {
			Expect(e.Corners.Contains(center)).To(BeTrue())
		}

		best, err := c.BestAt(ctx, center)
		Expect(err).NotTo(HaveOccurred())
		Expect(best.Path).To(Equal("squares/north.png"))
		Expect(best.MinGSD).To(BeNumerically("<", entries[1].MinGSD))
	})

	It("should not add overview levels with a depth of 0", func() {
		Expect(err).NotTo(HaveOccurred())
		entries, err := c.Entries(ctx, "", 0, 0)
		Expect(err).NotTo(HaveOccurred())
		for _, e := range entries {
			Expect(e.MaxGSD).To(Equal(e.MinGSD))
		}
	})

	Context("with a depth of 2", func() {
		BeforeEach(func() {
			depth = 2
		})

		It("should add the overview levels", func() {
			Expect(err).NotTo(HaveOccurred())
			entries, err := c.Entries(ctx, "", 0, 0)
			Expect(err).NotTo(HaveOccurred())
			Expect(entries).To(HaveLen(2))
			for _, e := range entries {
				Expect(e.MaxGSD).To(Equal(4 * e.MinGSD))
			}
		})
	})
})
