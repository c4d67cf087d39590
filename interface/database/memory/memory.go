package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/airbusgeo/geocube-mosaic/common"
	db "github.com/airbusgeo/geocube-mosaic/interface/database"
	"github.com/tidwall/btree"
)

type latItem struct {
	minLat float64
	path   string
}

func latLess(a, b latItem) bool {
	if a.minLat != b.minLat {
		return a.minLat < b.minLat
	}
	return a.path < b.path
}

// snapshot is a copy-on-write state of the catalog
type snapshot struct {
	entries *btree.Map[string, common.CatalogEntry]
	// byLat is built by CreateIndices. nil means "not indexed"
	byLat *btree.BTreeG[latItem]
}

func (s snapshot) copy() snapshot {
	c := snapshot{entries: s.entries.Copy()}
	if s.byLat != nil {
		c.byLat = s.byLat.Copy()
	}
	return c
}

// BackendDB implements CatalogDBBackend
// Transactions are serialized: StartTransaction blocks until the previous transaction ends.
type BackendDB struct {
	mu      sync.RWMutex
	txLock  chan struct{}
	current snapshot
}

// New creates an empty in-memory catalog
func New() *BackendDB {
	return &BackendDB{
		txLock:  make(chan struct{}, 1),
		current: snapshot{entries: btree.NewMap[string, common.CatalogEntry](0)},
	}
}

func (bdb *BackendDB) read() Backend {
	bdb.mu.RLock()
	defer bdb.mu.RUnlock()
	return Backend{snapshot: bdb.current}
}

// StartTransaction implements CatalogDBBackend
func (bdb *BackendDB) StartTransaction(ctx context.Context) (db.CatalogTxBackend, error) {
	select {
	case bdb.txLock <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	bdb.mu.RLock()
	s := bdb.current.copy()
	bdb.mu.RUnlock()
	return &BackendTx{db: bdb, Backend: Backend{snapshot: s}}, nil
}

// Close implements CatalogDBBackend
func (bdb *BackendDB) Close() error {
	return nil
}

// Entry implements CatalogBackend
func (bdb *BackendDB) Entry(ctx context.Context, path string) (common.CatalogEntry, error) {
	return bdb.read().Entry(ctx, path)
}

// Entries implements CatalogBackend
func (bdb *BackendDB) Entries(ctx context.Context, subtype string, page, limit int) ([]common.CatalogEntry, error) {
	return bdb.read().Entries(ctx, subtype, page, limit)
}

// EntriesAt implements CatalogBackend
func (bdb *BackendDB) EntriesAt(ctx context.Context, p common.GeoPoint) ([]common.CatalogEntry, error) {
	return bdb.read().EntriesAt(ctx, p)
}

// Subtypes implements CatalogBackend
func (bdb *BackendDB) Subtypes(ctx context.Context) ([]string, error) {
	return bdb.read().Subtypes(ctx)
}

// Coverage implements CatalogBackend
func (bdb *BackendDB) Coverage(ctx context.Context, subtype string) (db.Coverage, error) {
	return bdb.read().Coverage(ctx, subtype)
}

// BackendTx implements CatalogTxBackend
type BackendTx struct {
	Backend
	db   *BackendDB
	done bool
}

// Clear implements CatalogTxBackend
func (btx *BackendTx) Clear(ctx context.Context) error {
	if btx.done {
		return fmt.Errorf("Clear: transaction is done")
	}
	btx.snapshot = snapshot{entries: btree.NewMap[string, common.CatalogEntry](0)}
	return nil
}

// InsertEntry implements CatalogTxBackend
func (btx *BackendTx) InsertEntry(ctx context.Context, e common.CatalogEntry) error {
	if btx.done {
		return fmt.Errorf("InsertEntry: transaction is done")
	}
	if _, ok := btx.entries.Get(e.Path); ok {
		return db.ErrAlreadyExists{Type: "entry", ID: e.Path}
	}
	btx.entries.Set(e.Path, e)
	// The index is stale until CreateIndices
	btx.byLat = nil
	return nil
}

// CreateIndices implements CatalogTxBackend
func (btx *BackendTx) CreateIndices(ctx context.Context) error {
	if btx.done {
		return fmt.Errorf("CreateIndices: transaction is done")
	}
	byLat := btree.NewBTreeG[latItem](latLess)
	btx.entries.Scan(func(path string, e common.CatalogEntry) bool {
		byLat.Set(latItem{minLat: e.Corners.Bounds().Min.Lat(), path: path})
		return true
	})
	btx.byLat = byLat
	return nil
}

// Commit implements CatalogTxBackend
func (btx *BackendTx) Commit() error {
	if btx.done {
		return fmt.Errorf("Commit: transaction is done")
	}
	btx.db.mu.Lock()
	btx.db.current = btx.snapshot
	btx.db.mu.Unlock()
	btx.end()
	return nil
}

// Rollback implements CatalogTxBackend (no effect if the transaction is done)
func (btx *BackendTx) Rollback() error {
	if !btx.done {
		btx.end()
	}
	return nil
}

func (btx *BackendTx) end() {
	btx.done = true
	<-btx.db.txLock
}

// Backend implements CatalogBackend on a snapshot
type Backend struct {
	snapshot
}

// Entry implements CatalogBackend
func (b Backend) Entry(ctx context.Context, path string) (common.CatalogEntry, error) {
	e, ok := b.entries.Get(path)
	if !ok {
		return e, db.ErrNotFound{Type: "entry", ID: path}
	}
	return e, nil
}

// Entries implements CatalogBackend
func (b Backend) Entries(ctx context.Context, subtype string, page, limit int) ([]common.CatalogEntry, error) {
	entries := []common.CatalogEntry{}
	skip := page * limit
	match := func(s string) bool { return subtype == "" || s == subtype }
	if f := db.ParseSubtypeFilter(subtype); subtype != "" && !f.Exact() {
		match = f.Regexp().MatchString
	}
	b.entries.Scan(func(path string, e common.CatalogEntry) bool {
		if !match(e.Subtype) {
			return true
		}
		if skip > 0 {
			skip--
			return true
		}
		entries = append(entries, e)
		return limit <= 0 || len(entries) < limit
	})
	return entries, nil
}

// EntriesAt implements CatalogBackend
func (b Backend) EntriesAt(ctx context.Context, p common.GeoPoint) ([]common.CatalogEntry, error) {
	entries := []common.CatalogEntry{}
	add := func(e common.CatalogEntry) {
		if e.Corners.Contains(p) {
			entries = append(entries, e)
		}
	}
	if b.byLat != nil {
		b.byLat.Scan(func(item latItem) bool {
			if item.minLat > p.Lat {
				return false
			}
			if e, ok := b.entries.Get(item.path); ok {
				add(e)
			}
			return true
		})
	} else {
		b.entries.Scan(func(_ string, e common.CatalogEntry) bool {
			add(e)
			return true
		})
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].MinGSD != entries[j].MinGSD {
			return entries[i].MinGSD < entries[j].MinGSD
		}
		return entries[i].Path < entries[j].Path
	})
	return entries, nil
}

// Subtypes implements CatalogBackend
func (b Backend) Subtypes(ctx context.Context) ([]string, error) {
	set := map[string]struct{}{}
	b.entries.Scan(func(_ string, e common.CatalogEntry) bool {
		set[e.Subtype] = struct{}{}
		return true
	})
	subtypes := make([]string, 0, len(set))
	for s := range set {
		subtypes = append(subtypes, s)
	}
	sort.Strings(subtypes)
	return subtypes, nil
}

// Coverage implements CatalogBackend
func (b Backend) Coverage(ctx context.Context, subtype string) (db.Coverage, error) {
	c := db.Coverage{Subtype: subtype}
	b.entries.Scan(func(_ string, e common.CatalogEntry) bool {
		if e.Subtype != subtype {
			return true
		}
		bounds := e.Corners.Bounds()
		if c.Count == 0 {
			c.MinGSD, c.MaxGSD = e.MinGSD, e.MaxGSD
			c.MinLat, c.MinLon, c.MaxLat, c.MaxLon = bounds.Min.Lat(), bounds.Min.Lon(), bounds.Max.Lat(), bounds.Max.Lon()
		} else {
			c.MinGSD, c.MaxGSD = min(c.MinGSD, e.MinGSD), max(c.MaxGSD, e.MaxGSD)
			c.MinLat, c.MinLon = min(c.MinLat, bounds.Min.Lat()), min(c.MinLon, bounds.Min.Lon())
			c.MaxLat, c.MaxLon = max(c.MaxLat, bounds.Max.Lat()), max(c.MaxLon, bounds.Max.Lon())
		}
		c.Count++
		c.Footprints = append(c.Footprints, e.Corners)
		return true
	})
	if c.Count == 0 {
		return c, db.ErrNotFound{Type: "subtype", ID: subtype}
	}
	return c, nil
}
