package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/airbusgeo/geocube-mosaic/common"
	db "github.com/airbusgeo/geocube-mosaic/interface/database"
	msqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// MemoryDB is the connection string of a private in-memory database
const MemoryDB = ":memory:"

type sqlInterface interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// BackendTx implements CatalogTxBackend
type BackendTx struct {
	*sql.Tx
	Backend
}

// BackendDB implements CatalogDBBackend
type BackendDB struct {
	*sql.DB
	Backend
}

// Backend implements CatalogBackend
type Backend struct {
	sqlInterface
}

const schema = `
CREATE TABLE IF NOT EXISTS mosaic_entry (
	path TEXT NOT NULL,
	subtype TEXT NOT NULL,
	is_precision INTEGER NOT NULL DEFAULT 0,
	ul_lat REAL NOT NULL, ul_lon REAL NOT NULL,
	ur_lat REAL NOT NULL, ur_lon REAL NOT NULL,
	lr_lat REAL NOT NULL, lr_lon REAL NOT NULL,
	ll_lat REAL NOT NULL, ll_lon REAL NOT NULL,
	min_lat REAL NOT NULL, min_lon REAL NOT NULL,
	max_lat REAL NOT NULL, max_lon REAL NOT NULL,
	min_gsd REAL NOT NULL,
	max_gsd REAL NOT NULL,
	width INTEGER NOT NULL,
	height INTEGER NOT NULL,
	srid INTEGER NOT NULL
);`

const indices = `
CREATE UNIQUE INDEX IF NOT EXISTS mosaic_entry_path_idx ON mosaic_entry (path);
CREATE INDEX IF NOT EXISTS mosaic_entry_subtype_idx ON mosaic_entry (subtype);
CREATE INDEX IF NOT EXISTS mosaic_entry_lat_idx ON mosaic_entry (min_lat, max_lat);
CREATE INDEX IF NOT EXISTS mosaic_entry_lon_idx ON mosaic_entry (min_lon, max_lon);
CREATE INDEX IF NOT EXISTS mosaic_entry_gsd_idx ON mosaic_entry (min_gsd);`

const dropIndices = `
DROP INDEX IF EXISTS mosaic_entry_path_idx;
DROP INDEX IF EXISTS mosaic_entry_subtype_idx;
DROP INDEX IF EXISTS mosaic_entry_lat_idx;
DROP INDEX IF EXISTS mosaic_entry_lon_idx;
DROP INDEX IF EXISTS mosaic_entry_gsd_idx;`

const entryColumns = "path, subtype, is_precision, ul_lat, ul_lon, ur_lat, ur_lon, lr_lat, lr_lon, ll_lat, ll_lon, min_gsd, max_gsd, width, height, srid"

func isUniqueViolation(err error) bool {
	var serr *msqlite.Error
	if errors.As(err, &serr) && serr.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE {
		return true
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// New opens (or creates) a catalog stored in a SQLite file. dbPath can be MemoryDB.
func New(ctx context.Context, dbPath string) (*BackendDB, error) {
	sdb, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("sql.open: %w", err)
	}
	if dbPath == MemoryDB {
		// Each connection would get its own database
		sdb.SetMaxOpenConns(1)
	} else if _, err := sdb.ExecContext(ctx, "PRAGMA journal_mode = WAL"); err != nil {
		sdb.Close()
		return nil, fmt.Errorf("New.wal: %w", err)
	}
	if _, err := sdb.ExecContext(ctx, "PRAGMA busy_timeout = 5000"); err != nil {
		sdb.Close()
		return nil, fmt.Errorf("New.busyTimeout: %w", err)
	}
	if _, err := sdb.ExecContext(ctx, schema); err != nil {
		sdb.Close()
		return nil, fmt.Errorf("New.schema: %w", err)
	}
	return &BackendDB{sdb, Backend{sqlInterface: sdb}}, nil
}

// StartTransaction implements CatalogDBBackend
func (bdb BackendDB) StartTransaction(ctx context.Context) (db.CatalogTxBackend, error) {
	tx, err := bdb.BeginTx(ctx, nil)
	if err != nil {
		return BackendTx{}, err
	}
	return BackendTx{tx, Backend{sqlInterface: tx}}, nil
}

// Rollback overloads sql.Tx.Rollback to be idempotent
func (btx BackendTx) Rollback() error {
	err := btx.Tx.Rollback()
	if err == sql.ErrTxDone {
		return nil
	}
	return err
}

// Clear implements CatalogTxBackend
func (b Backend) Clear(ctx context.Context) error {
	if _, err := b.ExecContext(ctx, dropIndices); err != nil {
		return fmt.Errorf("Clear.dropIndices: %w", err)
	}
	if _, err := b.ExecContext(ctx, "DELETE FROM mosaic_entry"); err != nil {
		return fmt.Errorf("Clear.delete: %w", err)
	}
	return nil
}

// InsertEntry implements CatalogTxBackend
func (b Backend) InsertEntry(ctx context.Context, e common.CatalogEntry) error {
	bounds := e.Corners.Bounds()
	_, err := b.ExecContext(ctx, "INSERT INTO mosaic_entry ("+entryColumns+", min_lat, min_lon, max_lat, max_lon) "+
		"VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
		e.Path, e.Subtype, e.Precision,
		e.Corners[common.UL].Lat, e.Corners[common.UL].Lon,
		e.Corners[common.UR].Lat, e.Corners[common.UR].Lon,
		e.Corners[common.LR].Lat, e.Corners[common.LR].Lon,
		e.Corners[common.LL].Lat, e.Corners[common.LL].Lon,
		e.MinGSD, e.MaxGSD, e.Width, e.Height, e.SRID,
		bounds.Min.Lat(), bounds.Min.Lon(), bounds.Max.Lat(), bounds.Max.Lon())
	if isUniqueViolation(err) {
		return db.ErrAlreadyExists{Type: "entry", ID: e.Path}
	}
	if err != nil {
		return fmt.Errorf("InsertEntry.exec: %w", err)
	}
	return nil
}

// CreateIndices implements CatalogTxBackend
func (b Backend) CreateIndices(ctx context.Context) error {
	_, err := b.ExecContext(ctx, indices)
	if isUniqueViolation(err) {
		return db.ErrAlreadyExists{Type: "entry", ID: "duplicated path"}
	}
	if err != nil {
		return fmt.Errorf("CreateIndices.exec: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(row rowScanner) (common.CatalogEntry, error) {
	var e common.CatalogEntry
	err := row.Scan(&e.Path, &e.Subtype, &e.Precision,
		&e.Corners[common.UL].Lat, &e.Corners[common.UL].Lon,
		&e.Corners[common.UR].Lat, &e.Corners[common.UR].Lon,
		&e.Corners[common.LR].Lat, &e.Corners[common.LR].Lon,
		&e.Corners[common.LL].Lat, &e.Corners[common.LL].Lon,
		&e.MinGSD, &e.MaxGSD, &e.Width, &e.Height, &e.SRID)
	return e, err
}

func (b Backend) queryEntries(ctx context.Context, query string, args ...interface{}) ([]common.CatalogEntry, error) {
	rows, err := b.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("QueryContext: %w", err)
	}
	defer rows.Close()
	entries := []common.CatalogEntry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("Scan: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows.err: %w", err)
	}
	return entries, nil
}

// Entry implements CatalogBackend
func (b Backend) Entry(ctx context.Context, path string) (common.CatalogEntry, error) {
	e, err := scanEntry(b.QueryRowContext(ctx, "SELECT "+entryColumns+" FROM mosaic_entry WHERE path = ?", path))
	if errors.Is(err, sql.ErrNoRows) {
		return e, db.ErrNotFound{Type: "entry", ID: path}
	}
	if err != nil {
		return e, fmt.Errorf("Entry.Scan: %w", err)
	}
	return e, nil
}

// subtypeCondition converts the filter to a GLOB pattern (case-sensitive, unlike LIKE)
func subtypeCondition(f db.SubtypeFilter) (column, operator, value string) {
	if f.Exact() {
		return "subtype", "=", f.Value
	}
	pattern := strings.ReplaceAll(f.Value, "[", "[[]")
	if f.CaseInsensitive {
		return "lower(subtype)", "GLOB", strings.ToLower(pattern)
	}
	return "subtype", "GLOB", pattern
}

// Entries implements CatalogBackend
func (b Backend) Entries(ctx context.Context, subtype string, page, limit int) ([]common.CatalogEntry, error) {
	query, args := "SELECT "+entryColumns+" FROM mosaic_entry", []interface{}{}
	if subtype != "" {
		column, operator, value := subtypeCondition(db.ParseSubtypeFilter(subtype))
		query += " WHERE " + column + " " + operator + " ?"
		args = append(args, value)
	}
	query += " ORDER BY path"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d OFFSET %d", limit, page*limit)
	}
	entries, err := b.queryEntries(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("Entries.%w", err)
	}
	return entries, nil
}

// EntriesAt implements CatalogBackend
func (b Backend) EntriesAt(ctx context.Context, p common.GeoPoint) ([]common.CatalogEntry, error) {
	candidates, err := b.queryEntries(ctx, "SELECT "+entryColumns+" FROM mosaic_entry "+
		"WHERE min_lat <= ? AND max_lat >= ? AND min_lon <= ? AND max_lon >= ? ORDER BY min_gsd, path", p.Lat, p.Lat, p.Lon, p.Lon)
	if err != nil {
		return nil, fmt.Errorf("EntriesAt.%w", err)
	}
	entries := candidates[:0]
	for _, e := range candidates {
		if e.Corners.Contains(p) {
			entries = append(entries, e)
		}
	}
	return entries, nil
}

// Subtypes implements CatalogBackend
func (b Backend) Subtypes(ctx context.Context) ([]string, error) {
	rows, err := b.QueryContext(ctx, "SELECT DISTINCT subtype FROM mosaic_entry")
	if err != nil {
		return nil, fmt.Errorf("Subtypes.QueryContext: %w", err)
	}
	defer rows.Close()
	subtypes := []string{}
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("Subtypes.Scan: %w", err)
		}
		subtypes = append(subtypes, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("Subtypes.rows.err: %w", err)
	}
	sort.Strings(subtypes)
	return subtypes, nil
}

// Coverage implements CatalogBackend
func (b Backend) Coverage(ctx context.Context, subtype string) (db.Coverage, error) {
	c := db.Coverage{Subtype: subtype}
	var minGSD, maxGSD, minLat, minLon, maxLat, maxLon sql.NullFloat64
	err := b.QueryRowContext(ctx, "SELECT count(*), min(min_gsd), max(max_gsd), min(min_lat), min(min_lon), max(max_lat), max(max_lon) "+
		"FROM mosaic_entry WHERE subtype = ?", subtype).Scan(&c.Count, &minGSD, &maxGSD, &minLat, &minLon, &maxLat, &maxLon)
	if err != nil {
		return c, fmt.Errorf("Coverage.Scan: %w", err)
	}
	if c.Count == 0 {
		return c, db.ErrNotFound{Type: "subtype", ID: subtype}
	}
	c.MinGSD, c.MaxGSD = minGSD.Float64, maxGSD.Float64
	c.MinLat, c.MinLon, c.MaxLat, c.MaxLon = minLat.Float64, minLon.Float64, maxLat.Float64, maxLon.Float64

	entries, err := b.queryEntries(ctx, "SELECT "+entryColumns+" FROM mosaic_entry WHERE subtype = ? ORDER BY path", subtype)
	if err != nil {
		return c, fmt.Errorf("Coverage.%w", err)
	}
	for _, e := range entries {
		c.Footprints = append(c.Footprints, e.Corners)
	}
	return c, nil
}
