package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"

	"github.com/airbusgeo/geocube-mosaic/common"
	db "github.com/airbusgeo/geocube-mosaic/interface/database"
	"github.com/lib/pq"
)

// pgInterface allows to use either a sql.DB or a sql.Tx
type pgInterface interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	PrepareContext(ctx context.Context, query string) (*sql.Stmt, error)
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
	pgInterface
}

/* http://www.postgresql.org/docs/9.3/static/errcodes-appendix.html */
const (
	noError           = "00000"
	connectionFailure = "08006"
	uniqueViolation   = "23505"

	notPqError = "X"
)

func pqErrorCode(err error) pq.ErrorCode {
	if err == nil {
		return noError
	}
	var pqerr *pq.Error
	if errors.As(err, &pqerr) {
		return pqerr.Code
	}
	return notPqError
}

const schema = `CREATE TABLE IF NOT EXISTS mosaic_entry (
	path TEXT NOT NULL,
	subtype TEXT NOT NULL,
	is_precision BOOLEAN NOT NULL DEFAULT FALSE,
	ul_lat DOUBLE PRECISION NOT NULL, ul_lon DOUBLE PRECISION NOT NULL,
	ur_lat DOUBLE PRECISION NOT NULL, ur_lon DOUBLE PRECISION NOT NULL,
	lr_lat DOUBLE PRECISION NOT NULL, lr_lon DOUBLE PRECISION NOT NULL,
	ll_lat DOUBLE PRECISION NOT NULL, ll_lon DOUBLE PRECISION NOT NULL,
	min_lat DOUBLE PRECISION NOT NULL, min_lon DOUBLE PRECISION NOT NULL,
	max_lat DOUBLE PRECISION NOT NULL, max_lon DOUBLE PRECISION NOT NULL,
	min_gsd DOUBLE PRECISION NOT NULL,
	max_gsd DOUBLE PRECISION NOT NULL,
	width INTEGER NOT NULL,
	height INTEGER NOT NULL,
	srid INTEGER NOT NULL
)`

var indices = []string{
	"CREATE UNIQUE INDEX IF NOT EXISTS mosaic_entry_path_idx ON mosaic_entry (path)",
	"CREATE INDEX IF NOT EXISTS mosaic_entry_subtype_idx ON mosaic_entry (subtype)",
	"CREATE INDEX IF NOT EXISTS mosaic_entry_lat_idx ON mosaic_entry (min_lat, max_lat)",
	"CREATE INDEX IF NOT EXISTS mosaic_entry_lon_idx ON mosaic_entry (min_lon, max_lon)",
	"CREATE INDEX IF NOT EXISTS mosaic_entry_gsd_idx ON mosaic_entry (min_gsd)",
}

var dropIndices = []string{
	"DROP INDEX IF EXISTS mosaic_entry_path_idx",
	"DROP INDEX IF EXISTS mosaic_entry_subtype_idx",
	"DROP INDEX IF EXISTS mosaic_entry_lat_idx",
	"DROP INDEX IF EXISTS mosaic_entry_lon_idx",
	"DROP INDEX IF EXISTS mosaic_entry_gsd_idx",
}

const entryColumns = "path, subtype, is_precision, ul_lat, ul_lon, ur_lat, ur_lon, lr_lat, lr_lon, ll_lat, ll_lon, min_gsd, max_gsd, width, height, srid"

// StartTransaction implements CatalogDBBackend
func (bdb BackendDB) StartTransaction(ctx context.Context) (db.CatalogTxBackend, error) {
	tx, err := bdb.BeginTx(ctx, nil)
	if err != nil {
		return BackendTx{}, err
	}
	return BackendTx{tx, Backend{pgInterface: tx}}, nil
}

// Rollback overloads sql.Tx.Rollback to be idempotent
func (btx BackendTx) Rollback() error {
	err := btx.Tx.Rollback()
	if err == sql.ErrTxDone {
		return nil
	}
	return err
}

// New creates a new backend using Postgres
func New(ctx context.Context, dbConnection string) (*BackendDB, error) {
	db, err := sql.Open("postgres", dbConnection)
	if err != nil {
		return nil, fmt.Errorf("sql.open: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		if pqErrorCode(err) == connectionFailure {
			return nil, fmt.Errorf("New.connection: %w", err)
		}
		return nil, fmt.Errorf("New.schema: %w", err)
	}
	return &BackendDB{db, Backend{pgInterface: db}}, nil
}

// Clear implements CatalogTxBackend
// Indices are dropped and created again by CreateIndices
func (b Backend) Clear(ctx context.Context) error {
	for _, query := range dropIndices {
		if _, err := b.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("Clear.dropIndex: %w", err)
		}
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
		"VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)",
		e.Path, e.Subtype, e.Precision,
		e.Corners[common.UL].Lat, e.Corners[common.UL].Lon,
		e.Corners[common.UR].Lat, e.Corners[common.UR].Lon,
		e.Corners[common.LR].Lat, e.Corners[common.LR].Lon,
		e.Corners[common.LL].Lat, e.Corners[common.LL].Lon,
		e.MinGSD, e.MaxGSD, e.Width, e.Height, e.SRID,
		bounds.Min.Lat(), bounds.Min.Lon(), bounds.Max.Lat(), bounds.Max.Lon())
	switch pqErrorCode(err) {
	case noError:
		return nil
	case uniqueViolation:
		return db.ErrAlreadyExists{Type: "entry", ID: e.Path}
	default:
		return fmt.Errorf("InsertEntry.exec: %w", err)
	}
}

// CreateIndices implements CatalogTxBackend
func (b Backend) CreateIndices(ctx context.Context) error {
	for _, query := range indices {
		_, err := b.ExecContext(ctx, query)
		switch pqErrorCode(err) {
		case noError:
		case uniqueViolation:
			return db.ErrAlreadyExists{Type: "entry", ID: "duplicated path"}
		default:
			return fmt.Errorf("CreateIndices.exec: %w", err)
		}
	}
	return nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(row scanner) (common.CatalogEntry, error) {
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
	e, err := scanEntry(b.QueryRowContext(ctx, "SELECT "+entryColumns+" FROM mosaic_entry WHERE path = $1", path))
	if errors.Is(err, sql.ErrNoRows) {
		return e, db.ErrNotFound{Type: "entry", ID: path}
	}
	if err != nil {
		return e, fmt.Errorf("Entry.Scan: %w", err)
	}
	return e, nil
}

// Entries implements CatalogBackend
func (b Backend) Entries(ctx context.Context, subtype string, page, limit int) ([]common.CatalogEntry, error) {
	var cond conditions
	if subtype != "" {
		value, operator := subtypePattern(subtype)
		cond.add("subtype "+operator+" $%d", value)
	}
	entries, err := b.queryEntries(ctx, "SELECT "+entryColumns+" FROM mosaic_entry"+cond.where()+" ORDER BY path"+pagination(page, limit), cond.args...)
	if err != nil {
		return nil, fmt.Errorf("Entries.%w", err)
	}
	return entries, nil
}

// EntriesAt implements CatalogBackend
func (b Backend) EntriesAt(ctx context.Context, p common.GeoPoint) ([]common.CatalogEntry, error) {
	var cond conditions
	cond.bboxContains(p)
	candidates, err := b.queryEntries(ctx, "SELECT "+entryColumns+" FROM mosaic_entry"+cond.where()+" ORDER BY min_gsd, path", cond.args...)
	if err != nil {
		return nil, fmt.Errorf("EntriesAt.%w", err)
	}
	// Bounding boxes are a prefilter only
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
		"FROM mosaic_entry WHERE subtype = $1", subtype).Scan(&c.Count, &minGSD, &maxGSD, &minLat, &minLon, &maxLat, &maxLon)
	if err != nil {
		return c, fmt.Errorf("Coverage.Scan: %w", err)
	}
	if c.Count == 0 {
		return c, db.ErrNotFound{Type: "subtype", ID: subtype}
	}
	c.MinGSD, c.MaxGSD = minGSD.Float64, maxGSD.Float64
	c.MinLat, c.MinLon, c.MaxLat, c.MaxLon = minLat.Float64, minLon.Float64, maxLat.Float64, maxLon.Float64

	entries, err := b.queryEntries(ctx, "SELECT "+entryColumns+" FROM mosaic_entry WHERE subtype = $1 ORDER BY path", subtype)
	if err != nil {
		return c, fmt.Errorf("Coverage.%w", err)
	}
	for _, e := range entries {
		c.Footprints = append(c.Footprints, e.Corners)
	}
	return c, nil
}
