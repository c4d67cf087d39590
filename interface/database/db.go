package db

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/airbusgeo/geocube-mosaic/common"
)

type ErrAlreadyExists struct {
	Type, ID string
}

func (e ErrAlreadyExists) Error() string {
	return fmt.Sprintf("%s already exists: %s", e.Type, e.ID)
}

type ErrNotFound struct {
	Type, ID string
}

func (e ErrNotFound) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Type, e.ID)
}

// SubtypeFilter filters the entries by subtype: "*" matches any string, "?" any character,
// and a "(?i)" suffix makes the comparison case-insensitive.
type SubtypeFilter struct {
	Value           string
	CaseInsensitive bool
}

// ParseSubtypeFilter parses the subtype argument of Entries
func ParseSubtypeFilter(filter string) SubtypeFilter {
	if v, ok := strings.CutSuffix(filter, "(?i)"); ok {
		return SubtypeFilter{Value: v, CaseInsensitive: true}
	}
	return SubtypeFilter{Value: filter}
}

// Exact returns true if the filter is a plain subtype
func (f SubtypeFilter) Exact() bool {
	return !f.CaseInsensitive && !strings.ContainsAny(f.Value, "*?")
}

// Regexp returns the filter as an anchored regular expression
func (f SubtypeFilter) Regexp() *regexp.Regexp {
	expr := strings.NewReplacer(`\*`, ".*", `\?`, ".").Replace(regexp.QuoteMeta(f.Value))
	if f.CaseInsensitive {
		expr = "(?i)" + expr
	}
	return regexp.MustCompile("^" + expr + "$")
}

// Coverage summarizes the entries of a subtype
type Coverage struct {
	Subtype        string
	Count          int
	MinGSD, MaxGSD float64
	// Bounding box of all the footprints
	MinLat, MinLon, MaxLat, MaxLon float64
	Footprints                     []common.FootprintQuad
}

type CatalogTxBackend interface {
	CatalogBackend
	// Clear removes all the entries
	Clear(ctx context.Context) error
	// InsertEntry adds an entry, may return ErrAlreadyExists if the path is already cataloged
	InsertEntry(ctx context.Context, entry common.CatalogEntry) error
	// CreateIndices builds the spatial and path indices. Must be called once, after all the inserts.
	CreateIndices(ctx context.Context) error
	// Must be call to apply transaction
	Commit() error
	// Might be called to cancel the transaction (no effect if commit has already be done)
	Rollback() error
}

type CatalogDBBackend interface {
	CatalogBackend
	StartTransaction(ctx context.Context) (CatalogTxBackend, error)
	Close() error
}

type CatalogBackend interface {
	// Entry returns the entry with the given path, may return ErrNotFound
	Entry(ctx context.Context, path string) (common.CatalogEntry, error)
	// Entries lists the entries ordered by path
	// subtype [optional=""] subtype, or a pattern (see SubtypeFilter)
	// limit [optional=0] no limit
	Entries(ctx context.Context, subtype string, page, limit int) ([]common.CatalogEntry, error)
	// EntriesAt returns the entries whose footprint contains the point, finest first
	EntriesAt(ctx context.Context, p common.GeoPoint) ([]common.CatalogEntry, error)
	// Subtypes returns the list of subtypes
	Subtypes(ctx context.Context) ([]string, error)
	// Coverage summarizes the entries of the subtype, may return ErrNotFound
	Coverage(ctx context.Context, subtype string) (Coverage, error)
}

// BestAt returns the finest entry (smallest MinGSD) whose footprint contains the point. May return ErrNotFound
func BestAt(ctx context.Context, b CatalogBackend, p common.GeoPoint) (common.CatalogEntry, error) {
	entries, err := b.EntriesAt(ctx, p)
	if err != nil {
		return common.CatalogEntry{}, fmt.Errorf("BestAt.%w", err)
	}
	if len(entries) == 0 {
		return common.CatalogEntry{}, ErrNotFound{Type: "entry", ID: fmt.Sprintf("%f,%f", p.Lat, p.Lon)}
	}
	return entries[0], nil
}

// UnitOfWork runs a function and commit the database at the end or rollback if the function returns an error
func UnitOfWork(ctx context.Context, db CatalogDBBackend, f func(tx CatalogTxBackend) error) (err error) {
	// Start transaction
	txn, err := db.StartTransaction(ctx)
	if err != nil {
		return fmt.Errorf("uow.starttransaction: %w", err)
	}

	// Rollback if not successful
	defer func() {
		if e := txn.Rollback(); err == nil {
			err = e
		}
	}()

	// Execute function
	if err = f(txn); err != nil {
		return fmt.Errorf("uow.%w", err)
	}

	return txn.Commit()
}
