// Package dbtest provides a conformance test suite shared by the catalog store implementations
package dbtest

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/airbusgeo/geocube-mosaic/common"
	db "github.com/airbusgeo/geocube-mosaic/interface/database"
)

// Square returns a footprint of size x size degrees whose lower-left corner is (lat, lon)
func Square(lat, lon, size float64) common.FootprintQuad {
	return common.FootprintQuad{
		{Lat: lat + size, Lon: lon},
		{Lat: lat + size, Lon: lon + size},
		{Lat: lat, Lon: lon + size},
		{Lat: lat, Lon: lon},
	}
}

// Entry returns a valid entry
func Entry(path, subtype string, quad common.FootprintQuad, gsd float64) common.CatalogEntry {
	return common.CatalogEntry{
		Path:    path,
		Subtype: subtype,
		Corners: quad,
		MinGSD:  gsd,
		MaxGSD:  common.MaxGSD(gsd, 3),
		Width:   256,
		Height:  256,
		SRID:    4326,
	}
}

func fill(ctx context.Context, t *testing.T, bdb db.CatalogDBBackend, entries ...common.CatalogEntry) {
	t.Helper()
	err := db.UnitOfWork(ctx, bdb, func(tx db.CatalogTxBackend) error {
		if err := tx.Clear(ctx); err != nil {
			return err
		}
		for _, e := range entries {
			if err := tx.InsertEntry(ctx, e); err != nil {
				return err
			}
		}
		return tx.CreateIndices(ctx)
	})
	if err != nil {
		t.Fatal(err)
	}
}

// Run runs the conformance suite. newBackend must return an empty store.
func Run(t *testing.T, newBackend func(t *testing.T) db.CatalogDBBackend) {
	ctx := context.Background()

	t.Run("Queries", func(t *testing.T) {
		bdb := newBackend(t)
		defer bdb.Close()
		coarse := Entry("root/coarse.png", "PNG 400m", Square(0, 0, 1), 400)
		fine := Entry("root/fine.png", "PNG 100m", Square(0.5, 0.5, 1), 100)
		rotated := Entry("root/rotated.png", "PNG 100m", common.FootprintQuad{{Lat: 11, Lon: 10.5}, {Lat: 10.5, Lon: 11}, {Lat: 10, Lon: 10.5}, {Lat: 10.5, Lon: 10}}, 50)
		fill(ctx, t, bdb, coarse, fine, rotated)

		e, err := bdb.Entry(ctx, "root/fine.png")
		if err != nil {
			t.Fatal(err)
		}
		if e != fine {
			t.Errorf("expected %+v, got %+v", fine, e)
		}
		var notFound db.ErrNotFound
		if _, err := bdb.Entry(ctx, "root/none.png"); !errors.As(err, &notFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}

		entries, err := bdb.EntriesAt(ctx, common.GeoPoint{Lat: 0.75, Lon: 0.75})
		if err != nil {
			t.Fatal(err)
		}
		if len(entries) != 2 || entries[0].Path != fine.Path || entries[1].Path != coarse.Path {
			t.Errorf("expected [fine coarse], got %v", entries)
		}
		best, err := db.BestAt(ctx, bdb, common.GeoPoint{Lat: 0.75, Lon: 0.75})
		if err != nil || best.Path != fine.Path {
			t.Errorf("expected fine, got %v %v", best.Path, err)
		}
		// Inside the bounding box of the rotated footprint, outside the footprint
		if entries, _ := bdb.EntriesAt(ctx, common.GeoPoint{Lat: 10.05, Lon: 10.05}); len(entries) != 0 {
			t.Errorf("expected no entry, got %v", entries)
		}
		if _, err := db.BestAt(ctx, bdb, common.GeoPoint{Lat: 50, Lon: 50}); !errors.As(err, &notFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}

		all, err := bdb.Entries(ctx, "", 0, 0)
		if err != nil || len(all) != 3 || all[0].Path != coarse.Path {
			t.Errorf("unexpected entries %v %v", all, err)
		}
		page, err := bdb.Entries(ctx, "PNG 100m", 1, 1)
		if err != nil || len(page) != 1 || page[0].Path != rotated.Path {
			t.Errorf("unexpected page %v %v", page, err)
		}

		for _, tt := range []struct {
			filter string
			paths  []string
		}{
			{"PNG*", []string{coarse.Path, fine.Path, rotated.Path}},
			{"PNG 4?0m", []string{coarse.Path}},
			{"png 100m(?i)", []string{fine.Path, rotated.Path}},
			{"*M(?i)", []string{coarse.Path, fine.Path, rotated.Path}},
			{"png*", nil},
			{"PNG_100m", nil},
			{"PNG 100", nil},
		} {
			entries, err := bdb.Entries(ctx, tt.filter, 0, 0)
			if err != nil {
				t.Errorf("Entries(%s): %v", tt.filter, err)
				continue
			}
			var paths []string
			for _, e := range entries {
				paths = append(paths, e.Path)
			}
			if !reflect.DeepEqual(paths, tt.paths) {
				t.Errorf("Entries(%s): expected %v, got %v", tt.filter, tt.paths, paths)
			}
		}

		subtypes, err := bdb.Subtypes(ctx)
		if err != nil || len(subtypes) != 2 || subtypes[0] != "PNG 100m" {
			t.Errorf("unexpected subtypes %v %v", subtypes, err)
		}

		c, err := bdb.Coverage(ctx, "PNG 100m")
		if err != nil {
			t.Fatal(err)
		}
		if c.Count != 2 || c.MinGSD != 50 || c.MaxGSD != 800 || c.MinLat != 0.5 || c.MaxLon != 11 || len(c.Footprints) != 2 {
			t.Errorf("unexpected coverage %+v", c)
		}
		if _, err := bdb.Coverage(ctx, "CIB 1m"); !errors.As(err, &notFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("Rebuild", func(t *testing.T) {
		bdb := newBackend(t)
		defer bdb.Close()
		fill(ctx, t, bdb, Entry("root/a.png", "A", Square(0, 0, 1), 10), Entry("root/b.png", "A", Square(0, 0, 1), 10))
		fill(ctx, t, bdb, Entry("root/a.png", "A", Square(0, 0, 1), 10))
		if all, _ := bdb.Entries(ctx, "", 0, 0); len(all) != 1 {
			t.Errorf("a rebuild must replace the catalog, got %d entries", len(all))
		}
	})

	t.Run("Rollback", func(t *testing.T) {
		bdb := newBackend(t)
		defer bdb.Close()
		fill(ctx, t, bdb, Entry("root/a.png", "A", Square(0, 0, 1), 10))
		failure := errors.New("failure")
		err := db.UnitOfWork(ctx, bdb, func(tx db.CatalogTxBackend) error {
			if err := tx.Clear(ctx); err != nil {
				return err
			}
			if err := tx.InsertEntry(ctx, Entry("root/b.png", "B", Square(0, 0, 1), 10)); err != nil {
				return err
			}
			return failure
		})
		if !errors.Is(err, failure) {
			t.Errorf("expected failure, got %v", err)
		}
		all, _ := bdb.Entries(ctx, "", 0, 0)
		if len(all) != 1 || all[0].Path != "root/a.png" {
			t.Errorf("a failed transaction must leave the catalog untouched, got %v", all)
		}
	})

	t.Run("DuplicatedPath", func(t *testing.T) {
		bdb := newBackend(t)
		defer bdb.Close()
		err := db.UnitOfWork(ctx, bdb, func(tx db.CatalogTxBackend) error {
			for i := 0; i < 2; i++ {
				if err := tx.InsertEntry(ctx, Entry("root/a.png", "A", Square(0, 0, 1), 10)); err != nil {
					return err
				}
			}
			return tx.CreateIndices(ctx)
		})
		var exists db.ErrAlreadyExists
		if !errors.As(err, &exists) {
			t.Errorf("expected ErrAlreadyExists, got %v", err)
		}
	})
}
